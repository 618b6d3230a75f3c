// Package engine coordinates cross-module update propagation.
//
// The engine owns the only write path for shared client fields: it opens a
// transaction against every registered module store, detects and resolves
// conflicts, applies the selective per-module plans, and commits everything
// in registry order under one process-wide lock. A failure before the
// commit stage rolls back every store, so readers never observe a partially
// applied request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	apperrors "github.com/blackulaphoto/casesync/internal/platform/errors"
	"github.com/blackulaphoto/casesync/internal/platform/id"
	"github.com/blackulaphoto/casesync/internal/platform/timeouts"
	"github.com/blackulaphoto/casesync/internal/sync/conflict"
	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/registry"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// DefaultRecencyWindow bounds how fresh another module's write must be to
// count as a conflict rather than a stale mirror.
const DefaultRecencyWindow = 5 * time.Minute

// Options tune one engine instance. Zero values fall back to the defaults
// documented on each field.
type Options struct {
	// RecencyWindow for conflict detection; default DefaultRecencyWindow.
	RecencyWindow time.Duration
	// Strategy used when a request names none; default conflict.StrategyTimestamp.
	Strategy string
	// PriorityOrder for the priority strategy and resolution tie-breaks;
	// default registry priority order (master first, then declaration order).
	PriorityOrder []string
	// StoreTimeout bounds each store call; default timeouts.StoreCall.
	StoreTimeout time.Duration
	// RoundTimeout bounds one full propagation round; default
	// timeouts.Propagation.
	RoundTimeout time.Duration
	// Logf receives key=value progress lines; default log.Printf.
	Logf func(format string, args ...any)
}

// Status reports engine availability for health surfaces.
type Status struct {
	Available  bool
	Modules    []string
	Strategies []string
}

// Engine is the transaction coordinator for one module registry.
type Engine struct {
	reg     *registry.Registry
	stores  map[string]storage.ModuleStore
	history storage.HistoryStore
	opts    Options

	mu     sync.Mutex
	closed bool

	clock       func() time.Time
	idGenerator func() (string, error)
}

// New validates that every registered module has a matching store and
// builds an engine.
func New(reg *registry.Registry, stores map[string]storage.ModuleStore, history storage.HistoryStore, opts Options) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if history == nil {
		return nil, fmt.Errorf("history store is required")
	}
	for _, name := range reg.Names() {
		store, ok := stores[name]
		if !ok || store == nil {
			return nil, fmt.Errorf("module %q has no store", name)
		}
		if store.Module() != name {
			return nil, fmt.Errorf("store for module %q reports module %q", name, store.Module())
		}
	}
	for name := range stores {
		if _, ok := reg.Lookup(name); !ok {
			return nil, fmt.Errorf("store %q is not a registered module", name)
		}
	}

	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	if opts.Strategy == "" {
		opts.Strategy = conflict.StrategyTimestamp
	}
	if !conflict.Known(opts.Strategy) {
		return nil, fmt.Errorf("unknown default strategy %q", opts.Strategy)
	}
	if len(opts.PriorityOrder) == 0 {
		opts.PriorityOrder = reg.PriorityOrder()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = timeouts.StoreCall
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = timeouts.Propagation
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}

	return &Engine{
		reg:         reg,
		stores:      stores,
		history:     history,
		opts:        opts,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: id.NewID,
	}, nil
}

// Registry returns the engine's module registry.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Status reports availability, the registered modules, and the known
// conflict strategies.
func (e *Engine) Status() Status {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	return Status{
		Available:  !closed,
		Modules:    e.reg.Names(),
		Strategies: conflict.Strategies(),
	}
}

// History returns the client's propagation history, newest first.
func (e *Engine) History(ctx context.Context, clientID string) ([]storage.TransactionRecord, error) {
	return e.history.ListTransactions(ctx, clientID, 0)
}

// ClientState reads the client's current row from every module store.
// Modules without a row are omitted; a client absent from every module is
// a RECORD_NOT_FOUND error. This is a non-transactional snapshot for state
// and drift queries.
func (e *Engine) ClientState(ctx context.Context, clientID string) (map[string]storage.Row, error) {
	state := make(map[string]storage.Row)
	for _, name := range e.reg.Names() {
		row, err := e.readRow(ctx, name, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, &storage.StoreError{Module: name, Op: "read", Err: err}
		}
		state[name] = row
	}
	if len(state) == 0 {
		return nil, apperrors.WithMetadata(apperrors.CodeRecordNotFound,
			"client is not known to any module", map[string]string{"client_id": clientID})
	}
	return state, nil
}

// RegisterClient creates the master record for a new client and returns
// the generated client id. Other modules fill in through their own intake
// paths; propagation later keeps the shared fields aligned.
func (e *Engine) RegisterClient(ctx context.Context, fields domain.Fields) (string, error) {
	for name := range fields {
		if domain.Reserved(name) {
			return "", apperrors.WithMetadata(apperrors.CodeReservedField,
				"payload cannot set engine-managed columns", map[string]string{"field": name})
		}
	}

	clientID, err := e.idGenerator()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	master := e.reg.Master()
	store := e.stores[master.Name]

	callCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	if err := store.InsertRow(callCtx, storage.Row{
		ClientID:  clientID,
		Fields:    fields,
		UpdatedAt: e.clock(),
	}); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return "", apperrors.WrapWithMetadata(apperrors.CodeClientExists,
				"client id collision on registration", map[string]string{"client_id": clientID}, err)
		}
		if errors.Is(err, storage.ErrWriteRejected) {
			return "", apperrors.Wrap(apperrors.CodeStoreWriteRejected,
				"master store rejected the registration", err)
		}
		return "", fmt.Errorf("insert master row: %w", err)
	}

	e.opts.Logf("event=client_registered client=%s module=%s", clientID, master.Name)
	return clientID, nil
}

// From returns a propagator bound to one source module. It is a pure
// wrapper: every call is a regular Propagate with source_module fixed.
func (e *Engine) From(module string) *SourcePropagator {
	return &SourcePropagator{engine: e, module: module}
}

// SourcePropagator issues propagation requests for a fixed source module.
type SourcePropagator struct {
	engine *Engine
	module string
}

// Propagate submits the payload with the bound source module.
func (p *SourcePropagator) Propagate(ctx context.Context, clientID string, payload domain.Fields) (Result, error) {
	return p.engine.Propagate(ctx, Request{
		ClientID:     clientID,
		Payload:      payload,
		SourceModule: p.module,
	})
}

// Close closes every module store and the history log.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for _, name := range e.reg.Names() {
		if err := e.stores[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s store: %w", name, err))
		}
	}
	if err := e.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history store: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Engine) readRow(ctx context.Context, module, clientID string) (storage.Row, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	return e.stores[module].ReadRow(callCtx, clientID)
}

// sortedFields returns the map's keys in a stable order for results and
// history rows.
func sortedFields(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	fields := make([]string, 0, len(values))
	for field := range values {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
