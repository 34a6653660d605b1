package history

import (
	"context"
	"encoding/json"
	"time"
)

// StatTotalSimulations is the global counter bumped once per validated
// analysis, regardless of who ran it.
const StatTotalSimulations = "total_simulations"

// Entry is one persisted analysis for a signed-in user.
type Entry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Tweet     string          `json:"tweet_content"`
	Analysis  json.RawMessage `json:"analysis"`
	ImageData string          `json:"image_data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists analysis history and global counters. All writes are
// best-effort from the caller's point of view: failures are logged, never
// surfaced to the user.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error)
	IncrementStat(ctx context.Context, key string) error
	StatValue(ctx context.Context, key string) (int64, error)
	Close() error
}
