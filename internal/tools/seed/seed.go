// Package seed populates a sync deployment with demo clients by driving
// the real engine: registration, module enrollment, and one propagated
// update per client so every store and the history log have data to show.
package seed

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	server "github.com/blackulaphoto/casesync/internal/sync/app"
	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/engine"
	"github.com/blackulaphoto/casesync/internal/sync/registry"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// Config holds seed command configuration.
type Config struct {
	Clients      int
	Verbose      bool
	DataDir      string        `env:"CASESYNC_DATA_DIR"`
	RegistryPath string        `env:"CASESYNC_REGISTRY_PATH"`
	Timeout      time.Duration `env:"CASESYNC_SEED_TIMEOUT" envDefault:"5m"`
}

type envConfig struct {
	DataDir      string        `env:"CASESYNC_DATA_DIR"`
	RegistryPath string        `env:"CASESYNC_REGISTRY_PATH"`
	Timeout      time.Duration `env:"CASESYNC_SEED_TIMEOUT" envDefault:"5m"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DataDir:      envCfg.DataDir,
		RegistryPath: envCfg.RegistryPath,
		Timeout:      envCfg.Timeout,
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	fs.IntVar(&cfg.Clients, "clients", 0, "number of demo clients to seed (0 = all bundled fixtures)")
	fs.BoolVar(&cfg.Verbose, "v", false, "verbose output")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the store databases (default: CASESYNC_DATA_DIR or data)")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "path to a module registry YAML file (default: CASESYNC_REGISTRY_PATH or the built-in registry)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the seed command against the configured data directory.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if cfg.Clients < 0 {
		return errors.New("-clients must be >= 0")
	}

	reg, stores, history, err := server.OpenStores(server.Config{
		DataDir:      cfg.DataDir,
		RegistryPath: cfg.RegistryPath,
	})
	if err != nil {
		return err
	}
	eng, err := engine.New(reg, stores, history, engine.Options{})
	if err != nil {
		for _, store := range stores {
			_ = store.Close()
		}
		_ = history.Close()
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close engine: %v\n", closeErr)
		}
	}()

	return seedClients(ctx, eng, reg, stores, demoClients(cfg.Clients), cfg.Verbose, out)
}

// seedClients registers each demo client, enrolls it in its modules the
// way the module applications would (direct inserts into their stores),
// and propagates one update through the engine.
func seedClients(ctx context.Context, eng *engine.Engine, reg *registry.Registry, stores map[string]storage.ModuleStore, clients []fixture, verbose bool, out io.Writer) error {
	propagated := 0
	for _, client := range clients {
		clientID, err := eng.RegisterClient(ctx, client.master)
		if err != nil {
			return fmt.Errorf("register %s: %w", client.displayName(), err)
		}
		if verbose {
			fmt.Fprintf(out, "Registered client %s (%s)\n", clientID, client.displayName())
		}

		for _, name := range client.moduleNames() {
			desc, ok := reg.Lookup(name)
			if !ok {
				return fmt.Errorf("client %s: module %q is not in the registry", clientID, name)
			}
			store, ok := stores[name]
			if !ok {
				return fmt.Errorf("client %s: no store for module %q", clientID, name)
			}
			row := storage.Row{
				ClientID:  clientID,
				Fields:    enrollmentFields(desc, client.master, client.modules[name]),
				UpdatedAt: time.Now().UTC(),
			}
			if err := store.InsertRow(ctx, row); err != nil {
				return fmt.Errorf("enroll client %s in %s: %w", clientID, name, err)
			}
			if verbose {
				fmt.Fprintf(out, "  enrolled in %s\n", name)
			}
		}

		if len(client.update) == 0 {
			continue
		}
		result, err := eng.From(client.source).Propagate(ctx, clientID, client.update)
		if err != nil {
			return fmt.Errorf("propagate %s update for client %s: %w", client.source, clientID, err)
		}
		propagated++
		if verbose {
			fmt.Fprintf(out, "  propagated %s update touching %s\n", client.source, strings.Join(result.ModulesUpdated, ","))
		}
	}

	fmt.Fprintf(out, "Seeded %d clients (%d demo propagations)\n", len(clients), propagated)
	return nil
}

// enrollmentFields builds a module's first row for a client: shared fields
// copied from the master record plus the module's own columns.
func enrollmentFields(desc registry.Descriptor, master, extras domain.Fields) domain.Fields {
	fields := domain.Fields{}
	for _, field := range desc.SyncFields {
		if value := master[field]; value != "" {
			fields[field] = value
		}
	}
	for _, field := range desc.BidirectionalFields {
		if value := master[field]; value != "" {
			fields[field] = value
		}
	}
	for field, value := range extras {
		fields[field] = value
	}
	return fields
}
