package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"
)

// Store implements usage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite usage store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_tracking (
	identity TEXT NOT NULL,
	reset_date TEXT NOT NULL,
	analysis_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (identity, reset_date)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Count returns the analysis count for (key, day); 0 when no row exists.
func (s *Store) Count(ctx context.Context, key, day string) (int, error) {
	if key == "" {
		return 0, errors.New("usage count requires identity key")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT analysis_count FROM usage_tracking
WHERE identity = ? AND reset_date = ?`, key, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Increment adds one to the count for (key, day) in a single upsert, so two
// concurrent commits for the same identity cannot lose an update.
func (s *Store) Increment(ctx context.Context, key, day string) error {
	if key == "" {
		return errors.New("usage increment requires identity key")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_tracking(identity, reset_date, analysis_count, updated_at)
VALUES(?, ?, 1, ?)
ON CONFLICT(identity, reset_date)
DO UPDATE SET analysis_count = analysis_count + 1, updated_at = excluded.updated_at`,
		key, day, time.Now().UTC())
	return err
}
