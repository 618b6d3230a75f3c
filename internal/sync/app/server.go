// Package server wires the sync runtime and gRPC lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/blackulaphoto/casesync/internal/platform/timeouts"
	"github.com/blackulaphoto/casesync/internal/sync/engine"
	"github.com/blackulaphoto/casesync/internal/sync/registry"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
	"github.com/blackulaphoto/casesync/internal/sync/storage/bolt"
	"github.com/blackulaphoto/casesync/internal/sync/storage/sqlite"
)

// HealthService is the health check name the sync server reports under,
// alongside the server-wide empty name.
const HealthService = "casesync.sync"

// HistoryFilename is the history store file inside the data directory.
const HistoryFilename = "sync_history.db"

// Config holds the sync runtime configuration.
type Config struct {
	// DataDir holds every module store file; default "data".
	DataDir string
	// RegistryPath points at a YAML module registry; empty uses the
	// built-in default registry.
	RegistryPath string
	// RecencyWindow, DefaultStrategy, and StoreTimeout pass through to the
	// engine; zero values use the engine defaults.
	RecencyWindow   time.Duration
	DefaultStrategy string
	StoreTimeout    time.Duration
}

// Server hosts the propagation engine and its gRPC health surface.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	engine     *engine.Engine
}

// New creates a configured sync server listening on the provided port.
func New(port int, cfg Config) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port), cfg)
}

// NewWithAddr creates a configured sync server for the provided address.
func NewWithAddr(addr string, cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	eng, err := OpenEngine(cfg)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	setHealthStatus(healthServer, eng.Status())

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		engine:     eng,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Engine returns the running propagation engine.
func (s *Server) Engine() *engine.Engine {
	if s == nil {
		return nil
	}
	return s.engine
}

// Run creates and serves a sync server until context cancellation.
func Run(ctx context.Context, port int, cfg Config) error {
	server, err := New(port, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// RunWithAddr creates and serves a sync server on addr until context
// cancellation.
func RunWithAddr(ctx context.Context, addr string, cfg Config) error {
	server, err := NewWithAddr(addr, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the gRPC server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("sync server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.stopWithin(timeouts.Shutdown)
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// stopWithin drains in-flight requests gracefully, falling back to a hard
// stop when the grace period runs out.
func (s *Server) stopWithin(grace time.Duration) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grace):
		s.grpcServer.Stop()
		<-stopped
	}
}

// Close releases sync server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			log.Printf("close sync engine: %v", err)
		}
	}
}

// OpenEngine builds the propagation engine from the runtime configuration:
// registry file or default, one store per module descriptor, and the
// history log, all under the data directory.
func OpenEngine(cfg Config) (*engine.Engine, error) {
	reg, stores, history, err := OpenStores(cfg)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(reg, stores, history, engine.Options{
		RecencyWindow: cfg.RecencyWindow,
		Strategy:      cfg.DefaultStrategy,
		StoreTimeout:  cfg.StoreTimeout,
	})
	if err != nil {
		for _, store := range stores {
			_ = store.Close()
		}
		_ = history.Close()
		return nil, err
	}
	return eng, nil
}

// OpenStores opens the registry, one store per module descriptor, and the
// history log under the data directory. Callers own the returned handles;
// handing them to engine.New transfers that ownership to the engine.
func OpenStores(cfg Config) (*registry.Registry, map[string]storage.ModuleStore, *sqlite.HistoryStore, error) {
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	descriptors := registry.DefaultDescriptors()
	if path := strings.TrimSpace(cfg.RegistryPath); path != "" {
		loaded, err := registry.LoadFile(path)
		if err != nil {
			return nil, nil, nil, err
		}
		descriptors = loaded
	}
	reg, err := registry.New(descriptors)
	if err != nil {
		return nil, nil, nil, err
	}

	stores := make(map[string]storage.ModuleStore, len(reg.Names()))
	closeStores := func() {
		for _, store := range stores {
			_ = store.Close()
		}
	}
	for _, desc := range reg.Modules() {
		var (
			store storage.ModuleStore
			err   error
		)
		path := filepath.Join(dataDir, desc.Storage)
		switch desc.Engine {
		case registry.EngineBolt:
			store, err = bolt.Open(path, desc.Name, desc.Fields())
		default:
			store, err = sqlite.Open(path, desc.Name, desc.Fields())
		}
		if err != nil {
			closeStores()
			return nil, nil, nil, fmt.Errorf("open %s module store: %w", desc.Name, err)
		}
		stores[desc.Name] = store
	}

	history, err := sqlite.OpenHistory(filepath.Join(dataDir, HistoryFilename))
	if err != nil {
		closeStores()
		return nil, nil, nil, fmt.Errorf("open history store: %w", err)
	}
	return reg, stores, history, nil
}

func setHealthStatus(healthServer *health.Server, status engine.Status) {
	state := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if status.Available {
		state = grpc_health_v1.HealthCheckResponse_SERVING
	}
	healthServer.SetServingStatus("", state)
	healthServer.SetServingStatus(HealthService, state)
}
