package cli

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ourdigitalworld/zipit/internal/config"
	"github.com/ourdigitalworld/zipit/pkg/buildinfo"
	"github.com/ourdigitalworld/zipit/pkg/cache"
	"github.com/ourdigitalworld/zipit/pkg/tiles"
)

// =============================================================================
// Constants
// =============================================================================

// appName is the application name used for display.
const appName = "zipit"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	flags globalFlags
}

// globalFlags override values from the config file when set.
type globalFlags struct {
	config   string
	baseURL  string
	fallback string
	timeout  time.Duration
	backend  string
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "zipit serves image tiles straight out of remote ZIP archives",
		Long:         `zipit resolves tile paths through odw.json manifests and fetches single tiles from remote ZIP archives with HTTP range requests, without downloading the archives.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
		},
	}

	root.SetVersionTemplate(buildinfo.Template())

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.config, "config", "", "config file (default $"+config.EnvPath+" or ~/.config/zipit/config.toml)")
	pf.StringVar(&c.flags.baseURL, "base-url", "", "root URL of the archive tree")
	pf.StringVar(&c.flags.fallback, "fallback", "", "fallback asset, relative to the base URL or absolute")
	pf.DurationVar(&c.flags.timeout, "timeout", 0, "per-request timeout")
	pf.StringVar(&c.flags.backend, "cache", "", "persistent cache backend: memory, file or redis")

	for _, cmd := range []*cobra.Command{c.fetchCommand(), c.resolveCommand(), c.lsCommand()} {
		cmd.ValidArgsFunction = remotePathArgs
		root.AddCommand(cmd)
	}
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Config & Orchestrator Factory
// =============================================================================

// loadConfig reads the config file and applies flag overrides.
func (c *CLI) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if c.flags.config != "" {
		cfg, err = config.Load(c.flags.config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return config.Config{}, err
	}

	if c.flags.baseURL != "" {
		cfg.BaseURL = c.flags.baseURL
	}
	if c.flags.fallback != "" {
		cfg.Fallback = c.flags.fallback
	}
	if c.flags.timeout > 0 {
		cfg.Timeout = c.flags.timeout
	}
	if c.flags.backend != "" {
		cfg.Cache.Backend = c.flags.backend
	}
	return cfg, cfg.Validate()
}

// newOrchestrator builds an orchestrator from the effective config. The
// returned store must be closed when it is non-nil.
func (c *CLI) newOrchestrator(ctx context.Context) (*tiles.Orchestrator, config.Config, cache.Cache, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, cfg, nil, err
	}
	store, err := cfg.OpenCache(ctx)
	if err != nil {
		return nil, cfg, nil, err
	}
	orch, err := tiles.NewOrchestrator(cfg.TileOptions(store, c.Logger))
	if err != nil {
		closeStore(store)
		return nil, cfg, nil, err
	}
	c.Logger.Debug("configured", "base_url", cfg.BaseURL, "cache", cfg.Cache.Backend, "timeout", cfg.Timeout)
	return orch, cfg, store, nil
}

func closeStore(store cache.Cache) {
	if store != nil {
		store.Close()
	}
}
