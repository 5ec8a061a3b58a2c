package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sensorsync/internal/timestamp"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	name    string
	def     time.Time
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store. name keys the
// checkpoint row so several sources can share one database file.
func NewSQLiteStore(dbPath, name string, def time.Time) (*SQLiteStore, error) {
	// synchronous(FULL) makes a committed Save survive power loss in WAL mode
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; the agent runs a single cycle anyway
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:   db,
		name: name,
		def:  def,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		batch TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoint_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		ts TEXT NOT NULL,
		batch TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_name ON checkpoint_history(name, id);
	`

	_, err := s.db.Exec(query)
	return err
}

// Load retrieves the checkpoint with retry mechanism
func (s *SQLiteStore) Load(ctx context.Context) (time.Time, error) {
	if s.closed {
		return time.Time{}, fmt.Errorf("database store is closed")
	}

	var raw string
	err := s.retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT ts FROM checkpoints WHERE name = ?`, s.name).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return s.def, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load checkpoint %q: %w", s.name, err)
	}

	ts, err := timestamp.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: row %q contains %q: %v", ErrCorrupt, s.name, raw, err)
	}
	return ts, nil
}

// Save upserts the checkpoint and appends a history record in one transaction
func (s *SQLiteStore) Save(ctx context.Context, ts time.Time, batch string) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		return s.saveWithTransaction(ctx, ts, batch)
	})
}

func (s *SQLiteStore) saveWithTransaction(ctx context.Context, ts time.Time, batch string) error {
	now := timestamp.Format(time.Now())
	value := timestamp.Format(ts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	_, err = tx.ExecContext(ctx, `
	INSERT INTO checkpoints (name, ts, batch, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		ts = excluded.ts,
		batch = excluded.batch,
		updated_at = excluded.updated_at
	`, s.name, value, batch, now)
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO checkpoint_history (name, ts, batch, updated_at)
	VALUES (?, ?, ?, ?)
	`, s.name, value, batch, now)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return tx.Commit()
}

// History returns the most recent checkpoint advances, newest first
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]Record, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT ts, batch, updated_at FROM checkpoint_history
	WHERE name = ?
	ORDER BY id DESC
	LIMIT ?
	`, s.name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var ts, updated string
		var batch sql.NullString
		if err := rows.Scan(&ts, &batch, &updated); err != nil {
			return nil, err
		}

		record := Record{Batch: batch.String}
		if record.Timestamp, err = timestamp.Parse(ts); err != nil {
			return nil, fmt.Errorf("%w: history entry %q: %v", ErrCorrupt, ts, err)
		}
		if record.UpdatedAt, err = timestamp.Parse(updated); err != nil {
			return nil, fmt.Errorf("%w: history entry updated_at %q: %v", ErrCorrupt, updated, err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
