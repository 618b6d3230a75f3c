package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/blackulaphoto/casesync/internal/platform/errors"
	"github.com/blackulaphoto/casesync/internal/sync/conflict"
	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/planner"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// Request is one propagation call. SourceModule defaults to the master
// module, Strategy to the engine's configured default, and a zero
// OccurredAt means "now" — the payload then wins timestamp ties against
// any stored value.
type Request struct {
	ClientID     string
	Payload      domain.Fields
	SourceModule string
	Strategy     string
	OccurredAt   time.Time
}

// Result reports one propagation outcome. SelectiveUpdates holds exactly
// the fields each module persisted; a module absent from the map was left
// untouched, updated_at included.
type Result struct {
	TransactionID     string
	ClientID          string
	OverallSuccess    bool
	ModulesUpdated    []string
	ModulesFailed     []string
	ConflictsResolved []string
	SelectiveUpdates  map[string]domain.Fields
	Timestamp         time.Time
}

// Propagate runs one full propagation: validate, lock, open a transaction
// per module, detect and resolve conflicts, apply the selective plans, and
// commit in registry order. Any fatal failure before the commit stage rolls
// every store back to its pre-call state. The round, lock wait included, is
// bounded by Options.RoundTimeout.
func (e *Engine) Propagate(ctx context.Context, req Request) (Result, error) {
	req, appErr := e.normalizeRequest(req)
	if appErr != nil {
		return Result{}, appErr
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.RoundTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, apperrors.New(apperrors.CodeStoreUnavailable, "engine is closed")
	}

	started := e.clock()
	if req.OccurredAt.IsZero() {
		req.OccurredAt = started
	}
	txnID, err := e.idGenerator()
	if err != nil {
		return Result{}, fmt.Errorf("generate transaction id: %w", err)
	}

	order := e.reg.Names()
	txs := make(map[string]storage.ModuleTx, len(order))
	rollbackAll := func() {
		for _, name := range order {
			tx, ok := txs[name]
			if !ok {
				continue
			}
			if err := tx.Rollback(); err != nil {
				e.opts.Logf("event=rollback_failed txn=%s module=%s err=%v", txnID, name, err)
			}
		}
	}

	// Open one transaction per registered module before reading anything,
	// so every read sees the same locked generation.
	for _, name := range order {
		tx, err := e.beginTx(ctx, name)
		if err != nil {
			rollbackAll()
			return e.fail(ctx, req, txnID, started, name, nil,
				apperrors.Wrap(apperrors.CodeStoreUnavailable, "open module transaction",
					&storage.StoreError{Module: name, Op: "begin", Err: err}))
		}
		txs[name] = tx
	}

	// Read current rows; a module without a record simply sits the request
	// out.
	current := make(map[string]storage.Row, len(order))
	for _, name := range order {
		row, err := e.readCurrent(ctx, txs[name], req.ClientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			rollbackAll()
			return e.fail(ctx, req, txnID, started, name, nil,
				apperrors.Wrap(apperrors.CodeStoreUnavailable, "read current record",
					&storage.StoreError{Module: name, Op: "read", Err: err}))
		}
		current[name] = row
	}

	conflicts := conflict.Detect(current, req.Payload, req.SourceModule, e.opts.RecencyWindow, started)
	resolvedValues, err := conflict.Resolve(conflicts, req.Strategy, req.OccurredAt, e.opts.PriorityOrder)
	if err != nil {
		rollbackAll()
		contested := make([]string, 0, len(conflicts))
		for field := range conflicts {
			contested = append(contested, field)
		}
		sort.Strings(contested)
		return e.fail(ctx, req, txnID, started, "", nil,
			apperrors.WrapWithMetadata(apperrors.CodeConflictAmbiguous,
				"conflict resolution produced no winner",
				map[string]string{"fields": strings.Join(contested, ",")}, err))
	}
	conflictFields := sortedFields(resolvedValues)

	resolved := req.Payload.Clone()
	if resolved == nil {
		resolved = domain.Fields{}
	}
	for field, value := range resolvedValues {
		resolved[field] = value
	}

	plans := planner.Build(resolved, current, e.reg, req.SourceModule, started)

	// Apply each non-empty plan. A row that vanished between read and apply
	// drops its module from the request; a rejected write aborts everything.
	applied := make([]string, 0, len(plans))
	for _, name := range order {
		plan, ok := plans[name]
		if !ok {
			continue
		}
		if err := e.applyPlan(ctx, txs[name], req.ClientID, plan); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				delete(plans, name)
				e.opts.Logf("event=apply_skipped txn=%s module=%s reason=record_missing", txnID, name)
				continue
			}
			rollbackAll()
			code := apperrors.CodeStoreUnavailable
			if errors.Is(err, storage.ErrWriteRejected) {
				code = apperrors.CodeStoreWriteRejected
			}
			return e.fail(ctx, req, txnID, started, name, conflictFields,
				apperrors.Wrap(code, "apply module update",
					&storage.StoreError{Module: name, Op: "apply", Err: err}))
		}
		applied = append(applied, name)
	}

	// Commit in registry order. A commit failure rolls back whatever is
	// still open; transactions already committed stay committed — that
	// inter-commit window is the documented trade-off of sequential commit
	// over cross-store 2PC.
	for _, name := range order {
		tx := txs[name]
		delete(txs, name)
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			rollbackAll()
			return e.fail(ctx, req, txnID, started, name, conflictFields,
				apperrors.Wrap(apperrors.CodeStoreUnavailable, "commit module transaction",
					&storage.StoreError{Module: name, Op: "commit", Err: err}))
		}
	}

	finished := e.clock()
	updates := make(map[string]domain.Fields, len(applied))
	for _, name := range applied {
		updates[name] = plans[name].Fields.Clone()
	}

	e.appendHistory(ctx, storage.TransactionRecord{
		ID:                txnID,
		ClientID:          req.ClientID,
		SourceModule:      req.SourceModule,
		Strategy:          req.Strategy,
		Status:            storage.TxStatusCompleted,
		StartTime:         started,
		EndTime:           finished,
		ModulesUpdated:    applied,
		ConflictsResolved: conflictFields,
	})
	e.opts.Logf("event=propagation txn=%s client=%s source=%s strategy=%s status=completed modules=%d conflicts=%d",
		txnID, req.ClientID, req.SourceModule, req.Strategy, len(applied), len(conflictFields))

	return Result{
		TransactionID:     txnID,
		ClientID:          req.ClientID,
		OverallSuccess:    true,
		ModulesUpdated:    applied,
		ConflictsResolved: conflictFields,
		SelectiveUpdates:  updates,
		Timestamp:         finished,
	}, nil
}

// normalizeRequest validates the request before any store is touched.
func (e *Engine) normalizeRequest(req Request) (Request, *apperrors.Error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		return req, apperrors.New(apperrors.CodeClientIDRequired, "client id is required")
	}
	for name := range req.Payload {
		if domain.Reserved(name) {
			return req, apperrors.WithMetadata(apperrors.CodeReservedField,
				"payload cannot set engine-managed columns", map[string]string{"field": name})
		}
	}
	req.SourceModule = strings.TrimSpace(req.SourceModule)
	if req.SourceModule == "" {
		req.SourceModule = e.reg.Master().Name
	}
	if _, ok := e.reg.Lookup(req.SourceModule); !ok {
		return req, apperrors.WithMetadata(apperrors.CodeUnknownModule,
			"source module is not registered", map[string]string{"module": req.SourceModule})
	}
	req.Strategy = strings.TrimSpace(req.Strategy)
	if req.Strategy == "" {
		req.Strategy = e.opts.Strategy
	}
	if !conflict.Known(req.Strategy) {
		return req, apperrors.WithMetadata(apperrors.CodeUnknownStrategy,
			"conflict strategy is not recognized", map[string]string{"strategy": req.Strategy})
	}
	return req, nil
}

func (e *Engine) beginTx(ctx context.Context, module string) (storage.ModuleTx, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	return e.stores[module].Begin(callCtx)
}

func (e *Engine) readCurrent(ctx context.Context, tx storage.ModuleTx, clientID string) (storage.Row, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	return tx.ReadCurrent(callCtx, clientID)
}

func (e *Engine) applyPlan(ctx context.Context, tx storage.ModuleTx, clientID string, plan planner.Plan) error {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	return tx.Apply(callCtx, clientID, plan.Fields, plan.UpdatedAt)
}

// fail records the failed attempt and assembles the failure result. module
// names the store that broke the request; it is empty when the failure was
// not tied to one store.
func (e *Engine) fail(ctx context.Context, req Request, txnID string, started time.Time, module string, conflictFields []string, cause *apperrors.Error) (Result, error) {
	var failed []string
	if module != "" {
		failed = []string{module}
	}
	finished := e.clock()
	e.appendHistory(ctx, storage.TransactionRecord{
		ID:                txnID,
		ClientID:          req.ClientID,
		SourceModule:      req.SourceModule,
		Strategy:          req.Strategy,
		Status:            storage.TxStatusFailed,
		StartTime:         started,
		EndTime:           finished,
		ModulesFailed:     failed,
		ConflictsResolved: conflictFields,
		Error:             cause.Error(),
	})
	e.opts.Logf("event=propagation txn=%s client=%s source=%s strategy=%s status=failed module=%s err=%v",
		txnID, req.ClientID, req.SourceModule, req.Strategy, module, cause)

	return Result{
		TransactionID:     txnID,
		ClientID:          req.ClientID,
		OverallSuccess:    false,
		ModulesFailed:     failed,
		ConflictsResolved: conflictFields,
		Timestamp:         finished,
	}, cause
}

// appendHistory writes the terminal history row. The stores have already
// committed or rolled back by now, so a history failure is logged and
// swallowed rather than un-deciding the request. The write detaches from
// the request context: an attempt that died of a timeout still deserves
// its audit row.
func (e *Engine) appendHistory(ctx context.Context, record storage.TransactionRecord) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StoreTimeout)
	defer cancel()
	if err := e.history.AppendTransaction(callCtx, record); err != nil {
		e.opts.Logf("event=history_append_failed txn=%s client=%s err=%v", record.ID, record.ClientID, err)
	}
}
