package cli

import (
	"github.com/spf13/cobra"

	"github.com/ourdigitalworld/zipit/internal/server"
	"github.com/ourdigitalworld/zipit/pkg/observability"
)

// serveCommand creates the serve command for the tile HTTP server.
func (c *CLI) serveCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve tiles over HTTP",
		Long: `Serve tiles at /tiles/<archive>/<page>/tiles/<tile>, with /healthz and /stats.

The server runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cfg, store, err := c.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			counters := observability.NewCounters()
			observability.SetTileHooks(counters)
			observability.SetCacheHooks(counters)
			observability.SetHTTPHooks(counters)

			if listen == "" {
				listen = cfg.Server.Listen
			}
			return server.New(orch, counters, loggerFromContext(ctx)).ListenAndServe(ctx, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, :8080)")

	return cmd
}
