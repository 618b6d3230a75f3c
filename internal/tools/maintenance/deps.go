package maintenance

import (
	"context"

	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// moduleReader is the read-only slice of a module store the drift checks
// need, plus Close for resource cleanup.
type moduleReader interface {
	Module() string
	ReadRow(ctx context.Context, clientID string) (storage.Row, error)
	ListClientIDs(ctx context.Context) ([]string, error)
	Close() error
}

// historyReader is the read-only slice of the history store the history
// dump needs, plus Close for resource cleanup.
type historyReader interface {
	ListTransactions(ctx context.Context, clientID string, limit int) ([]storage.TransactionRecord, error)
	Close() error
}
