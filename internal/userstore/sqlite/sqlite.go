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

	"github.com/postlab/postlab/internal/userstore"
)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite user store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create user store directory: %w", err)
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
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	bio TEXT NOT NULL DEFAULT '',
	target_audience TEXT NOT NULL DEFAULT '',
	ai_context TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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

// FindByID returns the profile for id, or (nil, nil) when absent.
func (s *Store) FindByID(ctx context.Context, id string) (*userstore.User, error) {
	if id == "" {
		return nil, errors.New("user id required")
	}
	var u userstore.User
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, bio, target_audience, ai_context, created_at, updated_at
FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.Name, &u.Bio, &u.TargetAudience, &u.AIContext, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Upsert creates or replaces the profile fields for a user.
func (s *Store) Upsert(ctx context.Context, user userstore.User) error {
	if user.ID == "" {
		return errors.New("user id required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, name, bio, target_audience, ai_context, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	bio = excluded.bio,
	target_audience = excluded.target_audience,
	ai_context = excluded.ai_context,
	updated_at = excluded.updated_at`,
		user.ID, user.Name, user.Bio, user.TargetAudience, user.AIContext, now, now)
	return err
}
