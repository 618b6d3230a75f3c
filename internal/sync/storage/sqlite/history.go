package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	sqlitemigrate "github.com/blackulaphoto/casesync/internal/platform/storage/sqlitemigrate"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
	"github.com/blackulaphoto/casesync/internal/sync/storage/sqlite/migrations"
)

// HistoryStore persists the append-only propagation history in SQLite.
type HistoryStore struct {
	sqlDB *sql.DB
}

// OpenHistory opens the history store and applies embedded migrations.
func OpenHistory(path string) (*HistoryStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
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
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &HistoryStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *HistoryStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendTransaction inserts one terminal history row.
func (s *HistoryStore) AppendTransaction(ctx context.Context, record storage.TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("transaction id is required")
	}
	clientID := strings.TrimSpace(record.ClientID)
	if clientID == "" {
		return fmt.Errorf("client id is required")
	}
	switch record.Status {
	case storage.TxStatusCompleted, storage.TxStatusFailed:
	default:
		return fmt.Errorf("status %q is not a terminal transaction status", record.Status)
	}

	updated, err := marshalNames(record.ModulesUpdated)
	if err != nil {
		return fmt.Errorf("encode modules updated: %w", err)
	}
	failed, err := marshalNames(record.ModulesFailed)
	if err != nil {
		return fmt.Errorf("encode modules failed: %w", err)
	}
	conflicts, err := marshalNames(record.ConflictsResolved)
	if err != nil {
		return fmt.Errorf("encode conflicts resolved: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sync_transactions (
		   id,
		   client_id,
		   source_module,
		   strategy,
		   status,
		   start_time,
		   end_time,
		   modules_updated,
		   modules_failed,
		   conflicts_resolved,
		   error
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		clientID,
		record.SourceModule,
		record.Strategy,
		record.Status,
		toMillis(record.StartTime),
		toMillis(record.EndTime),
		updated,
		failed,
		conflicts,
		record.Error,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the client's history rows, newest first. A
// non-positive limit returns the full history.
func (s *HistoryStore) ListTransactions(ctx context.Context, clientID string, limit int) ([]storage.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}

	query := `SELECT id, client_id, source_module, strategy, status,
	                 start_time, end_time,
	                 modules_updated, modules_failed, conflicts_resolved, error
	            FROM sync_transactions
	           WHERE client_id = ?
	           ORDER BY start_time DESC, id DESC`
	args := []any{clientID}
	if limit > 0 {
		query += `
	           LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var records []storage.TransactionRecord
	for rows.Next() {
		var (
			record    storage.TransactionRecord
			startTime int64
			endTime   int64
			updated   string
			failed    string
			conflicts string
		)
		if err := rows.Scan(
			&record.ID,
			&record.ClientID,
			&record.SourceModule,
			&record.Strategy,
			&record.Status,
			&startTime,
			&endTime,
			&updated,
			&failed,
			&conflicts,
			&record.Error,
		); err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		record.StartTime = fromMillis(startTime)
		record.EndTime = fromMillis(endTime)
		if record.ModulesUpdated, err = unmarshalNames(updated); err != nil {
			return nil, fmt.Errorf("decode modules updated: %w", err)
		}
		if record.ModulesFailed, err = unmarshalNames(failed); err != nil {
			return nil, fmt.Errorf("decode modules failed: %w", err)
		}
		if record.ConflictsResolved, err = unmarshalNames(conflicts); err != nil {
			return nil, fmt.Errorf("decode conflicts resolved: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return records, nil
}

func marshalNames(names []string) (string, error) {
	if len(names) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func unmarshalNames(encoded string) ([]string, error) {
	if encoded == "" || encoded == "[]" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(encoded), &names); err != nil {
		return nil, err
	}
	return names, nil
}

var _ storage.HistoryStore = (*HistoryStore)(nil)
