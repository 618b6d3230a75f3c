package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	platformgrpc "github.com/blackulaphoto/casesync/internal/platform/grpc"
	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/engine"
)

func TestServerServesHealthAndPropagates(t *testing.T) {
	srv, err := NewWithAddr("127.0.0.1:0", Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx)
	}()
	t.Cleanup(func() {
		runCancel()
		select {
		case serveErr := <-serveDone:
			if serveErr != nil {
				t.Fatalf("serve: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for server shutdown")
		}
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, err := platformgrpc.DialWithHealth(dialCtx, nil, srv.Addr(), HealthService, 5*time.Second, t.Logf, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		t.Fatalf("dial sync server: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Fatalf("close gRPC connection: %v", closeErr)
		}
	})

	eng := srv.Engine()
	clientID, err := eng.RegisterClient(context.Background(), domain.Fields{
		"first_name": "Teresa",
		"last_name":  "Nguyen",
		"phone":      "555-0133",
	})
	if err != nil {
		t.Fatalf("register client: %v", err)
	}

	result, err := eng.Propagate(context.Background(), engine.Request{
		ClientID: clientID,
		Payload:  domain.Fields{"phone": "555-0134"},
	})
	if err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if diff := cmp.Diff([]string{"core"}, result.ModulesUpdated); diff != "" {
		t.Errorf("modules updated mismatch (-want +got):\n%s", diff)
	}

	state, err := eng.ClientState(context.Background(), clientID)
	if err != nil {
		t.Fatalf("client state: %v", err)
	}
	if state["core"].Fields["phone"] != "555-0134" {
		t.Errorf("core phone = %q, want %q", state["core"].Fields["phone"], "555-0134")
	}

	records, err := eng.History(context.Background(), clientID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("history returned %d records, want 1", len(records))
	}
}

func TestOpenEngineUsesRegistryFile(t *testing.T) {
	dir := t.TempDir()
	registryPath := filepath.Join(dir, "registry.yaml")
	doc := `modules:
  - name: core
    master: true
    sync_fields: [first_name, phone]
    module_specific_fields: [outreach_status]
  - name: outreach
    engine: bolt
    sync_fields: [first_name, phone]
    bidirectional_fields: [outreach_status]
`
	if err := os.WriteFile(registryPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write registry file: %v", err)
	}

	eng, err := OpenEngine(Config{DataDir: dir, RegistryPath: registryPath})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("close engine: %v", err)
		}
	})

	if diff := cmp.Diff([]string{"core", "outreach"}, eng.Status().Modules); diff != "" {
		t.Errorf("modules mismatch (-want +got):\n%s", diff)
	}
	for _, filename := range []string{"core.db", "outreach.db", HistoryFilename} {
		if _, err := os.Stat(filepath.Join(dir, filename)); err != nil {
			t.Errorf("store file %s was not created: %v", filename, err)
		}
	}
}

func TestOpenEngineRejectsBrokenRegistryFile(t *testing.T) {
	dir := t.TempDir()
	registryPath := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(registryPath, []byte("modules: [{name: core}]"), 0o600); err != nil {
		t.Fatalf("write registry file: %v", err)
	}

	// A registry without a master module must fail before any store opens.
	if _, err := OpenEngine(Config{DataDir: dir, RegistryPath: registryPath}); err == nil {
		t.Fatal("OpenEngine() accepted a registry without a master module")
	}
}
