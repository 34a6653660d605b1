package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store implements usage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed usage store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

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
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identity, reset_date)
)`
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
WHERE identity = $1 AND reset_date = $2`, key, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Increment adds one to the count for (key, day) in a single atomic upsert.
func (s *Store) Increment(ctx context.Context, key, day string) error {
	if key == "" {
		return errors.New("usage increment requires identity key")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_tracking(identity, reset_date, analysis_count, updated_at)
VALUES($1, $2, 1, now())
ON CONFLICT (identity, reset_date)
DO UPDATE SET analysis_count = usage_tracking.analysis_count + 1, updated_at = now()`,
		key, day)
	return err
}
