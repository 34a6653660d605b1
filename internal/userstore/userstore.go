package userstore

import (
	"context"
	"time"
)

// User is an author profile managed alongside the identity provider's own
// tables. The profile fields feed the analysis prompt for signed-in users.
type User struct {
	ID             string
	Name           string
	Bio            string
	TargetAudience string
	AIContext      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists author profiles.
type Store interface {
	FindByID(ctx context.Context, id string) (*User, error)
	Upsert(ctx context.Context, user User) error
	Close() error
}
