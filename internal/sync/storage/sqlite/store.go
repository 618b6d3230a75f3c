// Package sqlite provides SQLite-backed module record and history stores.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// ModuleStore persists one module's client records in SQLite. The schema is
// derived from the module's registered field list: every field becomes a
// TEXT column next to the client_id and updated_at columns.
type ModuleStore struct {
	module    string
	fields    []string
	known     map[string]bool
	selectSQL string
	sqlDB     *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite module store and reconciles its schema with the
// module's declared fields. Columns for newly declared fields are added;
// columns for withdrawn fields are left in place untouched.
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
		if !domain.ValidName(field) {
			return nil, fmt.Errorf("field %q is not a valid column name", field)
		}
		known[field] = true
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureSchema(sqlDB, fields); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	columns := append([]string{domain.FieldClientID, domain.FieldUpdatedAt}, fields...)
	return &ModuleStore{
		module:    module,
		fields:    append([]string(nil), fields...),
		known:     known,
		selectSQL: "SELECT " + strings.Join(columns, ", ") + " FROM client_records WHERE client_id = ?",
		sqlDB:     sqlDB,
	}, nil
}

func ensureSchema(sqlDB *sql.DB, fields []string) error {
	_, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS client_records (
  client_id TEXT PRIMARY KEY,
  updated_at INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create client_records: %w", err)
	}

	rows, err := sqlDB.Query(`PRAGMA table_info(client_records)`)
	if err != nil {
		return fmt.Errorf("inspect client_records: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			columnType string
			notNull    int
			defaultVal sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &columnType, &notNull, &defaultVal, &primaryKey); err != nil {
			_ = rows.Close()
			return fmt.Errorf("inspect client_records: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("inspect client_records: %w", err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("inspect client_records: %w", err)
	}

	for _, field := range fields {
		if existing[field] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE client_records ADD COLUMN %s TEXT NOT NULL DEFAULT ''", field)
		if _, err := sqlDB.Exec(alter); err != nil {
			return fmt.Errorf("add column %s: %w", field, err)
		}
	}
	return nil
}

// Module returns the module name this store serves.
func (s *ModuleStore) Module() string {
	return s.module
}

// Close closes the SQLite handle.
func (s *ModuleStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// InsertRow creates one client record. Fields the module does not store are
// rejected; unset declared fields default to blank.
func (s *ModuleStore) InsertRow(ctx context.Context, row storage.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
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

	columns := []string{domain.FieldClientID, domain.FieldUpdatedAt}
	args := []any{clientID, toMillis(updatedAt)}
	for _, field := range s.fields {
		value, ok := row.Fields[field]
		if !ok {
			continue
		}
		columns = append(columns, field)
		args = append(args, value)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO client_records (%s) VALUES (%s)", strings.Join(columns, ", "), placeholders)

	if _, err := s.sqlDB.ExecContext(ctx, insert, args...); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert client record: %w", err)
	}
	return nil
}

// ReadRow returns the client's current record outside any transaction.
func (s *ModuleStore) ReadRow(ctx context.Context, clientID string) (storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return storage.Row{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Row{}, fmt.Errorf("storage is not configured")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return storage.Row{}, fmt.Errorf("client id is required")
	}
	return s.scanRow(s.sqlDB.QueryRowContext(ctx, s.selectSQL, clientID))
}

// ListClientIDs returns every client id with a record, sorted.
func (s *ModuleStore) ListClientIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT client_id FROM client_records ORDER BY client_id")
	if err != nil {
		return nil, fmt.Errorf("list client ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list client ids: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list client ids: %w", err)
	}
	return ids, nil
}

// Begin opens a write transaction against the module store.
func (s *ModuleStore) Begin(ctx context.Context) (storage.ModuleTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &moduleTx{store: s, tx: tx}, nil
}

func (s *ModuleStore) scanRow(row *sql.Row) (storage.Row, error) {
	var (
		clientID  string
		updatedAt int64
	)
	values := make([]string, len(s.fields))
	dest := make([]any, 0, len(s.fields)+2)
	dest = append(dest, &clientID, &updatedAt)
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Row{}, storage.ErrNotFound
		}
		return storage.Row{}, fmt.Errorf("read client record: %w", err)
	}

	fields := make(domain.Fields, len(s.fields))
	for i, field := range s.fields {
		fields[field] = values[i]
	}
	return storage.Row{ClientID: clientID, Fields: fields, UpdatedAt: fromMillis(updatedAt)}, nil
}

type moduleTx struct {
	store *ModuleStore
	tx    *sql.Tx
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
	var (
		cid       string
		updatedAt int64
	)
	values := make([]string, len(t.store.fields))
	dest := make([]any, 0, len(t.store.fields)+2)
	dest = append(dest, &cid, &updatedAt)
	for i := range values {
		dest = append(dest, &values[i])
	}
	if err := t.tx.QueryRowContext(ctx, t.store.selectSQL, clientID).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Row{}, storage.ErrNotFound
		}
		return storage.Row{}, fmt.Errorf("read client record: %w", err)
	}

	fields := make(domain.Fields, len(t.store.fields))
	for i, field := range t.store.fields {
		fields[field] = values[i]
	}
	return storage.Row{ClientID: cid, Fields: fields, UpdatedAt: fromMillis(updatedAt)}, nil
}

// Apply writes the changed columns and the new updated_at value in one
// UPDATE statement. Fields outside the module's declared set are rejected
// before anything touches the database.
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

	assignments := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for _, field := range t.store.fields {
		value, ok := fields[field]
		if !ok {
			continue
		}
		assignments = append(assignments, field+" = ?")
		args = append(args, value)
	}
	assignments = append(assignments, domain.FieldUpdatedAt+" = ?")
	args = append(args, toMillis(updatedAt), clientID)

	update := fmt.Sprintf("UPDATE client_records SET %s WHERE client_id = ?", strings.Join(assignments, ", "))
	result, err := t.tx.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Commit commits the transaction.
func (t *moduleTx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *moduleTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed")
}

var _ storage.ModuleStore = (*ModuleStore)(nil)
var _ storage.ModuleTx = (*moduleTx)(nil)
