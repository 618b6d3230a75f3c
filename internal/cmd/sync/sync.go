// Package sync parses sync service flags and launches the service.
package sync

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/blackulaphoto/casesync/internal/platform/cmd"
	server "github.com/blackulaphoto/casesync/internal/sync/app"
)

// Config holds sync command configuration.
type Config struct {
	Port            int           `env:"CASESYNC_SYNC_PORT" envDefault:"8092"`
	Addr            string        `env:"CASESYNC_SYNC_ADDR"`
	DataDir         string        `env:"CASESYNC_DATA_DIR" envDefault:"data"`
	RegistryPath    string        `env:"CASESYNC_REGISTRY_PATH"`
	RecencyWindow   time.Duration `env:"CASESYNC_RECENCY_WINDOW"`
	DefaultStrategy string        `env:"CASESYNC_DEFAULT_STRATEGY"`
	StoreTimeout    time.Duration `env:"CASESYNC_STORE_TIMEOUT"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The sync gRPC server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The sync server listen address (overrides -port)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding the module store files")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Path to a YAML module registry (default: built-in registry)")
	fs.DurationVar(&cfg.RecencyWindow, "recency-window", cfg.RecencyWindow, "How recent a competing write must be to count as a conflict")
	fs.StringVar(&cfg.DefaultStrategy, "strategy", cfg.DefaultStrategy, "Default conflict strategy (timestamp, priority, merge)")
	fs.DurationVar(&cfg.StoreTimeout, "store-timeout", cfg.StoreTimeout, "Per-store call timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sync propagation service.
func Run(ctx context.Context, cfg Config) error {
	serverCfg := server.Config{
		DataDir:         cfg.DataDir,
		RegistryPath:    cfg.RegistryPath,
		RecencyWindow:   cfg.RecencyWindow,
		DefaultStrategy: cfg.DefaultStrategy,
		StoreTimeout:    cfg.StoreTimeout,
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(context.Context) error {
		if cfg.Addr != "" {
			return server.RunWithAddr(ctx, cfg.Addr, serverCfg)
		}
		return server.Run(ctx, cfg.Port, serverCfg)
	})
}
