// Package bolt provides a bbolt-backed module record store for modules that
// opt out of SQLite.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
	"go.etcd.io/bbolt"
)

const recordsBucket = "client_records"

// ModuleStore persists one module's client records in a bbolt file. Records
// are JSON documents keyed by client id.
type ModuleStore struct {
	module string
	fields []string
	known  map[string]bool
	db     *bbolt.DB
}

type boltRow struct {
	ClientID  string            `json:"client_id"`
	Fields    map[string]string `json:"fields"`
	UpdatedAt int64             `json:"updated_at"`
}

// Open opens a bbolt module store at the provided path.
func Open(path, module string, fields []string) (*ModuleStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	module = strings.TrimSpace(module)
	if module == "" {
		return nil, fmt.Errorf("module name is required")
	}
	known := make(map[string]bool, len(fields))
	for _, field := range fields {
		known[field] = true
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &ModuleStore{
		module: module,
		fields: append([]string(nil), fields...),
		known:  known,
		db:     db,
	}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Module returns the module name this store serves.
func (s *ModuleStore) Module() string {
	return s.module
}

// Close closes the underlying bbolt database.
func (s *ModuleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertRow creates one client record. Fields the module does not store are
// rejected; unset declared fields default to blank.
func (s *ModuleStore) InsertRow(ctx context.Context, row storage.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	clientID := strings.TrimSpace(row.ClientID)
	if clientID == "" {
		return fmt.Errorf("client id is required")
	}
	for name := range row.Fields {
		if !s.known[name] {
			return fmt.Errorf("field %q: %w", name, storage.ErrWriteRejected)
		}
	}
	updatedAt := row.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(s.newRow(clientID, row.Fields, updatedAt))
	if err != nil {
		return fmt.Errorf("marshal client record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		if bucket == nil {
			return fmt.Errorf("client records bucket is missing")
		}
		if bucket.Get(recordKey(clientID)) != nil {
			return storage.ErrAlreadyExists
		}
		return bucket.Put(recordKey(clientID), payload)
	})
}

// ReadRow returns the client's current record outside any transaction.
func (s *ModuleStore) ReadRow(ctx context.Context, clientID string) (storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return storage.Row{}, err
	}
	if s == nil || s.db == nil {
		return storage.Row{}, fmt.Errorf("storage is not configured")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return storage.Row{}, fmt.Errorf("client id is required")
	}

	var row storage.Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		if bucket == nil {
			return fmt.Errorf("client records bucket is missing")
		}
		decoded, err := s.decodeRow(bucket.Get(recordKey(clientID)))
		if err != nil {
			return err
		}
		row = decoded
		return nil
	})
	if err != nil {
		return storage.Row{}, err
	}
	return row, nil
}

// ListClientIDs returns every client id with a record, in key order.
func (s *ModuleStore) ListClientIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		if bucket == nil {
			return fmt.Errorf("client records bucket is missing")
		}
		return bucket.ForEach(func(key, _ []byte) error {
			ids = append(ids, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Begin opens a writable transaction against the module store. bbolt allows
// one writable transaction at a time; a second Begin blocks until the first
// finishes.
func (s *ModuleStore) Begin(ctx context.Context) (storage.ModuleTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &moduleTx{store: s, tx: tx}, nil
}

func (s *ModuleStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
			return fmt.Errorf("create client records bucket: %w", err)
		}
		return nil
	})
}

// newRow copies the known fields into a persistable record, filling unset
// declared fields with blanks so reads always cover the full field set.
func (s *ModuleStore) newRow(clientID string, fields domain.Fields, updatedAt time.Time) boltRow {
	stored := make(map[string]string, len(s.fields))
	for _, field := range s.fields {
		stored[field] = fields[field]
	}
	return boltRow{
		ClientID:  clientID,
		Fields:    stored,
		UpdatedAt: updatedAt.UTC().UnixMilli(),
	}
}

func (s *ModuleStore) decodeRow(payload []byte) (storage.Row, error) {
	if payload == nil {
		return storage.Row{}, storage.ErrNotFound
	}
	var decoded boltRow
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return storage.Row{}, fmt.Errorf("unmarshal client record: %w", err)
	}
	fields := make(domain.Fields, len(s.fields))
	for _, field := range s.fields {
		fields[field] = decoded.Fields[field]
	}
	return storage.Row{
		ClientID:  decoded.ClientID,
		Fields:    fields,
		UpdatedAt: time.UnixMilli(decoded.UpdatedAt).UTC(),
	}, nil
}

type moduleTx struct {
	store *ModuleStore
	tx    *bbolt.Tx
}

// ReadCurrent returns the client's row as seen inside the transaction.
func (t *moduleTx) ReadCurrent(ctx context.Context, clientID string) (storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return storage.Row{}, err
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return storage.Row{}, fmt.Errorf("client id is required")
	}
	bucket := t.tx.Bucket([]byte(recordsBucket))
	if bucket == nil {
		return storage.Row{}, fmt.Errorf("client records bucket is missing")
	}
	return t.store.decodeRow(bucket.Get(recordKey(clientID)))
}

// Apply merges the changed fields into the stored record and stamps the new
// updated_at value. Fields outside the module's declared set are rejected
// before the record is touched.
func (t *moduleTx) Apply(ctx context.Context, clientID string, fields domain.Fields, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return fmt.Errorf("client id is required")
	}
	for name := range fields {
		if !t.store.known[name] {
			return fmt.Errorf("field %q: %w", name, storage.ErrWriteRejected)
		}
	}
	if len(fields) == 0 {
		return nil
	}

	bucket := t.tx.Bucket([]byte(recordsBucket))
	if bucket == nil {
		return fmt.Errorf("client records bucket is missing")
	}
	current, err := t.store.decodeRow(bucket.Get(recordKey(clientID)))
	if err != nil {
		return err
	}
	for name, value := range fields {
		current.Fields[name] = value
	}
	payload, err := json.Marshal(t.store.newRow(clientID, current.Fields, updatedAt))
	if err != nil {
		return fmt.Errorf("marshal client record: %w", err)
	}
	if err := bucket.Put(recordKey(clientID), payload); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	return nil
}

// Commit commits the transaction.
func (t *moduleTx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *moduleTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bbolt.ErrTxClosed) {
		return err
	}
	return nil
}

func recordKey(clientID string) []byte {
	return []byte(clientID)
}

var _ storage.ModuleStore = (*ModuleStore)(nil)
var _ storage.ModuleTx = (*moduleTx)(nil)
