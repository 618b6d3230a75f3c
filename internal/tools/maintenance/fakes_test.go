package maintenance

import (
	"context"

	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// fakeModuleReader serves canned rows for one module with injectable
// errors.
type fakeModuleReader struct {
	module   string
	rows     map[string]storage.Row
	ids      []string
	readErr  error
	listErr  error
	closeErr error
	closed   bool
}

func (f *fakeModuleReader) Module() string { return f.module }

func (f *fakeModuleReader) ReadRow(_ context.Context, clientID string) (storage.Row, error) {
	if f.readErr != nil {
		return storage.Row{}, f.readErr
	}
	row, ok := f.rows[clientID]
	if !ok {
		return storage.Row{}, storage.ErrNotFound
	}
	return row, nil
}

func (f *fakeModuleReader) ListClientIDs(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ids, nil
}

func (f *fakeModuleReader) Close() error {
	f.closed = true
	return f.closeErr
}

// fakeHistoryReader serves canned transaction records newest-first, the
// way the real history store does.
type fakeHistoryReader struct {
	records  []storage.TransactionRecord
	listErr  error
	closeErr error
	closed   bool
}

func (f *fakeHistoryReader) ListTransactions(_ context.Context, clientID string, limit int) ([]storage.TransactionRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var matched []storage.TransactionRecord
	for _, record := range f.records {
		if record.ClientID != clientID {
			continue
		}
		matched = append(matched, record)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func (f *fakeHistoryReader) Close() error {
	f.closed = true
	return f.closeErr
}

var (
	_ moduleReader  = (*fakeModuleReader)(nil)
	_ historyReader = (*fakeHistoryReader)(nil)
)
