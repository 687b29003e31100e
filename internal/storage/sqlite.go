package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	// Ensure directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pragmas are per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		template TEXT NOT NULL,
		target_path TEXT NOT NULL,
		max_concurrency INTEGER NOT NULL DEFAULT 1,
		state TEXT NOT NULL,
		started INTEGER DEFAULT 0,
		done INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		empty INTEGER DEFAULT 0,
		cancelled INTEGER DEFAULT 0,
		bytes INTEGER DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		item_id INTEGER NOT NULL,
		url TEXT NOT NULL,
		local_path TEXT,
		state TEXT NOT NULL,
		bytes INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		error TEXT,
		finished_at INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_items_run ON items(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for key, value := range config.Pragmas {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

const runColumns = `id, template, target_path, max_concurrency, state, started, done, failed, empty, cancelled, bytes, started_at, finished_at`

// CreateRun creates a new run
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = generateID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = timeNow()
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Template,
		run.TargetPath,
		run.MaxConcurrency,
		run.State,
		run.Started,
		run.Done,
		run.Failed,
		run.Empty,
		run.Cancelled,
		run.Bytes,
		run.StartedAt.UnixMilli(),
		timeToUnix(run.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrRunExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// UpdateRun updates an existing run
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE runs
	SET template = ?, target_path = ?, max_concurrency = ?, state = ?, started = ?, done = ?,
		failed = ?, empty = ?, cancelled = ?, bytes = ?, finished_at = ?
	WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		run.Template,
		run.TargetPath,
		run.MaxConcurrency,
		run.State,
		run.Started,
		run.Done,
		run.Failed,
		run.Empty,
		run.Cancelled,
		run.Bytes,
		timeToUnix(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRunNotFound
	}

	return nil
}

// DeleteRun deletes a run and its items
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRunNotFound
	}

	return nil
}

// RecordItem stores a finished item
func (s *SQLiteStore) RecordItem(ctx context.Context, item *ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.FinishedAt.IsZero() {
		item.FinishedAt = timeNow()
	}

	query := `
	INSERT INTO items (run_id, item_id, url, local_path, state, bytes, duration_ms, error, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		item.RunID,
		item.ItemID,
		item.URL,
		item.LocalPath,
		item.State,
		item.Bytes,
		item.Duration.Milliseconds(),
		item.Error,
		item.FinishedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint") {
			return ErrRunNotFound
		}
		return fmt.Errorf("failed to record item: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		item.ID = id
	}

	return nil
}

// ListItems lists the items of a run in recording order
func (s *SQLiteStore) ListItems(ctx context.Context, runID string, limit, offset int) ([]*ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE id = ?", runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up run: %w", err)
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	if limit <= 0 {
		limit = -1
	}

	query := `
	SELECT id, run_id, item_id, url, local_path, state, bytes, duration_ms, error, finished_at
	FROM items
	WHERE run_id = ?
	ORDER BY id ASC
	LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []*ItemRecord{}
	for rows.Next() {
		var durationMs, finishedMs int64
		var localPath, errText sql.NullString
		item := &ItemRecord{}

		err := rows.Scan(
			&item.ID,
			&item.RunID,
			&item.ItemID,
			&item.URL,
			&localPath,
			&item.State,
			&item.Bytes,
			&durationMs,
			&errText,
			&finishedMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		item.LocalPath = localPath.String
		item.Error = errText.String
		item.Duration = time.Duration(durationMs) * time.Millisecond
		item.FinishedAt = time.UnixMilli(finishedMs).UTC()
		items = append(items, item)
	}

	return items, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var startedMs int64
	var finished sql.NullInt64
	run := &Run{}

	err := row.Scan(
		&run.ID,
		&run.Template,
		&run.TargetPath,
		&run.MaxConcurrency,
		&run.State,
		&run.Started,
		&run.Done,
		&run.Failed,
		&run.Empty,
		&run.Cancelled,
		&run.Bytes,
		&startedMs,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	run.StartedAt = time.UnixMilli(startedMs).UTC()
	run.FinishedAt = unixToTime(finished)
	return run, nil
}

// Helper functions for time handling

func timeToUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func unixToTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	u := time.UnixMilli(t.Int64).UTC()
	return &u
}
