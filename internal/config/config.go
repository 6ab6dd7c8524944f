// Package config loads zipit settings from TOML files.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default:
//
//	base_url = "https://tiles.example.org/odw/"
//	fallback = "static/missing-tile.jpg"
//	timeout  = "3s"
//
//	[cache]
//	backend   = "redis"
//	redis_url = "redis://localhost:6379/2"
//	ttl       = "24h"
//
//	[server]
//	listen = ":9000"
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/ourdigitalworld/zipit/pkg/cache"
	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/httputil"
	"github.com/ourdigitalworld/zipit/pkg/manifest"
	"github.com/ourdigitalworld/zipit/pkg/tiles"
)

const (
	// EnvPath names the config file to load when no --config flag is given.
	EnvPath = "ZIPIT_CONFIG"

	appName = "zipit"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config holds all zipit settings.
type Config struct {
	BaseURL      string        `toml:"base_url"`
	Fallback     string        `toml:"fallback"`
	Timeout      time.Duration `toml:"timeout"`
	ManifestName string        `toml:"manifest_name"`

	Cache  CacheConfig  `toml:"cache"`
	Server ServerConfig `toml:"server"`
}

// CacheConfig selects the tier that persists manifests and directories.
type CacheConfig struct {
	Backend  string        `toml:"backend"`
	Dir      string        `toml:"dir"`
	TTL      time.Duration `toml:"ttl"`
	RedisURL string        `toml:"redis_url"`
}

// ServerConfig configures `zipit serve`.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Fallback:     tiles.DefaultFallback,
		Timeout:      httputil.DefaultTimeout,
		ManifestName: manifest.DefaultName,
		Cache:        CacheConfig{Backend: BackendMemory},
		Server:       ServerConfig{Listen: ":8080"},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, zerr.Wrap(zerr.ErrCodeInvalidInput, err, "read config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, zerr.New(zerr.ErrCodeInvalidInput, "config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// LoadDefault loads the file named by $ZIPIT_CONFIG, or the user config
// file if it exists, or returns Default.
func LoadDefault() (Config, error) {
	if path := os.Getenv(EnvPath); path != "" {
		return Load(path)
	}
	path, err := DefaultPath()
	if err != nil {
		return Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the settings needed to serve tiles.
func (c Config) Validate() error {
	if err := zerr.ValidateURL(c.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if c.Timeout <= 0 {
		return zerr.New(zerr.ErrCodeInvalidInput, "timeout must be positive, got %s", c.Timeout)
	}
	if c.ManifestName == "" || strings.Contains(c.ManifestName, "/") {
		return zerr.New(zerr.ErrCodeInvalidInput, "manifest_name %q must be a plain file name", c.ManifestName)
	}
	if c.Cache.TTL < 0 {
		return zerr.New(zerr.ErrCodeInvalidInput, "cache.ttl must not be negative")
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendFile:
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			return zerr.New(zerr.ErrCodeInvalidInput, "cache.redis_url is required for the redis backend")
		}
	default:
		return zerr.New(zerr.ErrCodeInvalidInput, "unknown cache.backend %q", c.Cache.Backend)
	}
	return nil
}

// OpenCache opens the configured persistent tier. The memory backend
// returns nil: manifests and directories then live in the process only.
func (c Config) OpenCache(ctx context.Context) (cache.Cache, error) {
	switch c.Cache.Backend {
	case BackendFile:
		dir := c.Cache.Dir
		if dir == "" {
			d, err := DefaultCacheDir()
			if err != nil {
				return nil, err
			}
			dir = d
		}
		fc, err := cache.NewFileCache(dir)
		if err != nil {
			return nil, err
		}
		return fc, nil
	case BackendRedis:
		return cache.NewRedisCache(ctx, c.Cache.RedisURL)
	default:
		return nil, nil
	}
}

// TileOptions returns orchestrator options for these settings.
func (c Config) TileOptions(store cache.Cache, logger *log.Logger) tiles.Options {
	return tiles.Options{
		BaseURL:      c.BaseURL,
		ManifestName: c.ManifestName,
		Fallback:     c.Fallback,
		Timeout:      c.Timeout,
		Store:        store,
		TTL:          c.Cache.TTL,
		Logger:       logger,
	}
}

// DefaultCacheDir returns the file cache directory (~/.cache/zipit/ or
// $XDG_CACHE_HOME/zipit/).
func DefaultCacheDir() (string, error) {
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}

// DefaultPath returns the user config file (~/.config/zipit/config.toml or
// $XDG_CONFIG_HOME/zipit/config.toml).
func DefaultPath() (string, error) {
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, appName, "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName, "config.toml"), nil
}
