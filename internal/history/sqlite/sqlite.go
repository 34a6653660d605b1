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

	"github.com/postlab/postlab/internal/history"
)

// Store implements history.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite history store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
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
CREATE TABLE IF NOT EXISTS post_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	tweet_content TEXT NOT NULL,
	analysis TEXT NOT NULL,
	image_data TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_post_history_user_created ON post_history(user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS stats (
	stat_key TEXT PRIMARY KEY,
	stat_value INTEGER NOT NULL DEFAULT 0
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

// Insert stores one analysis entry.
func (s *Store) Insert(ctx context.Context, entry history.Entry) error {
	if entry.UserID == "" {
		return errors.New("history insert requires user id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO post_history(user_id, tweet_content, analysis, image_data, created_at)
VALUES(?, ?, ?, ?, ?)`,
		entry.UserID,
		entry.Tweet,
		string(entry.Analysis),
		nullable(entry.ImageData),
		created,
	)
	return err
}

// ListRecent returns the latest entries for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]history.Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, tweet_content, analysis, COALESCE(image_data, ''), created_at
FROM post_history
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []history.Entry
	for rows.Next() {
		var e history.Entry
		var raw string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Tweet, &raw, &e.ImageData, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Analysis = []byte(raw)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IncrementStat bumps a global counter by one, creating it on first use.
func (s *Store) IncrementStat(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("stat key required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stats(stat_key, stat_value) VALUES(?, 1)
ON CONFLICT(stat_key) DO UPDATE SET stat_value = stat_value + 1`, key)
	return err
}

// StatValue returns the current value of a counter; 0 when unset.
func (s *Store) StatValue(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT stat_value FROM stats WHERE stat_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
