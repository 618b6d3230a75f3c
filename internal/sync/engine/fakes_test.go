package engine

import (
	"context"
	"time"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
)

// fakeModuleStore is an in-memory test double for storage.ModuleStore.
// Error fields inject failures at each transaction stage; beginBlock makes
// Begin hang until the call context is cancelled.
type fakeModuleStore struct {
	module     string
	rows       map[string]storage.Row
	beginErr   error
	beginBlock bool
	readErr    error
	applyErr   error
	commitErr  error

	begun      int
	committed  int
	rolledBack int
}

func newFakeModuleStore(module string) *fakeModuleStore {
	return &fakeModuleStore{
		module: module,
		rows:   make(map[string]storage.Row),
	}
}

func (s *fakeModuleStore) Module() string {
	return s.module
}

func (s *fakeModuleStore) Begin(ctx context.Context) (storage.ModuleTx, error) {
	if s.beginBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	s.begun++
	return &fakeModuleTx{store: s, pending: cloneRows(s.rows)}, nil
}

func (s *fakeModuleStore) InsertRow(_ context.Context, row storage.Row) error {
	if _, ok := s.rows[row.ClientID]; ok {
		return storage.ErrAlreadyExists
	}
	row.Fields = row.Fields.Clone()
	s.rows[row.ClientID] = row
	return nil
}

func (s *fakeModuleStore) ReadRow(_ context.Context, clientID string) (storage.Row, error) {
	row, ok := s.rows[clientID]
	if !ok {
		return storage.Row{}, storage.ErrNotFound
	}
	row.Fields = row.Fields.Clone()
	return row, nil
}

func (s *fakeModuleStore) Close() error {
	return nil
}

type fakeModuleTx struct {
	store   *fakeModuleStore
	pending map[string]storage.Row
	done    bool
}

func (t *fakeModuleTx) ReadCurrent(_ context.Context, clientID string) (storage.Row, error) {
	if t.store.readErr != nil {
		return storage.Row{}, t.store.readErr
	}
	row, ok := t.pending[clientID]
	if !ok {
		return storage.Row{}, storage.ErrNotFound
	}
	row.Fields = row.Fields.Clone()
	return row, nil
}

func (t *fakeModuleTx) Apply(_ context.Context, clientID string, fields domain.Fields, updatedAt time.Time) error {
	if t.store.applyErr != nil {
		return t.store.applyErr
	}
	row, ok := t.pending[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	row.Fields = row.Fields.Clone()
	for name, value := range fields {
		row.Fields[name] = value
	}
	row.UpdatedAt = updatedAt
	t.pending[clientID] = row
	return nil
}

func (t *fakeModuleTx) Commit() error {
	if t.store.commitErr != nil {
		return t.store.commitErr
	}
	if t.done {
		return nil
	}
	t.done = true
	t.store.rows = cloneRows(t.pending)
	t.store.committed++
	return nil
}

func (t *fakeModuleTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.rolledBack++
	return nil
}

func cloneRows(rows map[string]storage.Row) map[string]storage.Row {
	copied := make(map[string]storage.Row, len(rows))
	for clientID, row := range rows {
		row.Fields = row.Fields.Clone()
		copied[clientID] = row
	}
	return copied
}

// fakeHistoryStore records appended transactions in memory.
type fakeHistoryStore struct {
	records   []storage.TransactionRecord
	appendErr error
}

func (s *fakeHistoryStore) AppendTransaction(_ context.Context, record storage.TransactionRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeHistoryStore) ListTransactions(_ context.Context, clientID string, limit int) ([]storage.TransactionRecord, error) {
	var matched []storage.TransactionRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ClientID != clientID {
			continue
		}
		matched = append(matched, s.records[i])
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (s *fakeHistoryStore) Close() error {
	return nil
}

var _ storage.ModuleStore = (*fakeModuleStore)(nil)
var _ storage.HistoryStore = (*fakeHistoryStore)(nil)
