// Package storage defines persistence contracts for module record state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
)

var (
	// ErrNotFound indicates a requested client record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrWriteRejected indicates the store refused a write.
	ErrWriteRejected = errors.New("store write rejected")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// Row is one client record as stored by a single module.
type Row struct {
	ClientID  string
	Fields    domain.Fields
	UpdatedAt time.Time
}

// StoreError wraps a module store failure with the module and operation
// that produced it, so transaction results can name the failing module.
type StoreError struct {
	Module string
	Op     string
	Err    error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Module, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// ModuleTx is one open write transaction against a module store. Reads see
// the state as of Begin; nothing written through Apply is visible to other
// readers until Commit.
type ModuleTx interface {
	// ReadCurrent returns the client's row inside the transaction.
	// Missing rows surface as ErrNotFound.
	ReadCurrent(ctx context.Context, clientID string) (Row, error)
	// Apply writes every changed column and the new updated_at value in a
	// single statement. Columns outside the module's declared field set are
	// rejected with ErrWriteRejected.
	Apply(ctx context.Context, clientID string, fields domain.Fields, updatedAt time.Time) error
	Commit() error
	Rollback() error
}

// ModuleStore persists one module's client records.
type ModuleStore interface {
	// Module returns the registered module name this store serves.
	Module() string
	Begin(ctx context.Context) (ModuleTx, error)
	// InsertRow creates a record outside the propagation pipeline, for
	// client registration and fixture seeding.
	InsertRow(ctx context.Context, row Row) error
	// ReadRow returns the current record without opening a transaction.
	ReadRow(ctx context.Context, clientID string) (Row, error)
	Close() error
}

// Transaction statuses recorded in the update history log. Only terminal
// rows are persisted; an attempt that dies mid-flight leaves no row.
const (
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// TransactionRecord is one terminal history row for a propagation attempt.
type TransactionRecord struct {
	ID                string
	ClientID          string
	SourceModule      string
	Strategy          string
	Status            string
	StartTime         time.Time
	EndTime           time.Time
	ModulesUpdated    []string
	ModulesFailed     []string
	ConflictsResolved []string
	Error             string
}

// HistoryStore persists the append-only propagation history.
type HistoryStore interface {
	AppendTransaction(ctx context.Context, record TransactionRecord) error
	// ListTransactions returns the client's history, newest first, capped
	// at limit rows when limit is positive.
	ListTransactions(ctx context.Context, clientID string, limit int) ([]TransactionRecord, error)
	Close() error
}
