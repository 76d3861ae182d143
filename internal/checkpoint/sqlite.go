package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"tickerflow/models"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job          TEXT PRIMARY KEY,
	cursor       TEXT NOT NULL DEFAULT '',
	record_count INTEGER NOT NULL CHECK (record_count >= 0),
	run_id       TEXT NOT NULL DEFAULT '',
	pages        INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMP NOT NULL
)`

// SQLiteStore keeps one checkpoint row per job in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	job  string
}

// NewSQLiteStore opens (and creates when missing) the database at path.
func NewSQLiteStore(ctx context.Context, path, job string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoint table: %w", err)
	}

	return &SQLiteStore{db: db, path: path, job: job}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*models.CheckpointState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cursor, record_count, run_id, pages, updated_at
		FROM checkpoints WHERE job = ?
	`, s.job)

	var state models.CheckpointState
	var cursor string
	var updated sql.NullTime
	if err := row.Scan(&cursor, &state.RecordCount, &state.RunID, &state.Pages, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	state.Cursor = models.Cursor(cursor)
	if updated.Valid {
		state.UpdatedAt = updated.Time.UTC()
	}
	return &state, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state models.CheckpointState) error {
	if err := validate(state); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job, cursor, record_count, run_id, pages, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET
			cursor = excluded.cursor,
			record_count = excluded.record_count,
			run_id = excluded.run_id,
			pages = excluded.pages,
			updated_at = excluded.updated_at
	`, s.job, string(state.Cursor), state.RecordCount, state.RunID, state.Pages, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE job = ?", s.job); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Describe() string { return "sqlite:" + s.path }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
