package identity

import (
	"strings"

	"github.com/google/uuid"
)

// AnonymousPrefix marks client-generated identifiers so they are easy to
// distinguish from authenticated user ids in storage and logs.
const AnonymousPrefix = "anon_"

// Identity is the key used to bucket usage. Exactly one of UserID or
// AnonymousID is set; an anonymous id never authorizes anything beyond
// quota bucketing.
type Identity struct {
	UserID      string
	AnonymousID string
}

// Resolve picks the quota identity for a request. The authenticated user id
// wins when both are present. When neither is present the zero Identity is
// returned and ok is false; callers are expected to fail open.
func Resolve(userID, anonymousID string) (id Identity, ok bool) {
	userID = strings.TrimSpace(userID)
	anonymousID = strings.TrimSpace(anonymousID)
	if userID != "" {
		return Identity{UserID: userID}, true
	}
	if anonymousID != "" {
		return Identity{AnonymousID: anonymousID}, true
	}
	return Identity{}, false
}

// Key returns the storage key for the identity, or "" for the zero Identity.
func (id Identity) Key() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.AnonymousID
}

// Authenticated reports whether the identity belongs to a signed-in user.
func (id Identity) Authenticated() bool {
	return id.UserID != ""
}

// IsZero reports whether no identifier is present.
func (id Identity) IsZero() bool {
	return id.UserID == "" && id.AnonymousID == ""
}

// NewAnonymousID mints an opaque anonymous identifier for clients that have
// no session. The value is a weak back-reference only.
func NewAnonymousID() string {
	return AnonymousPrefix + uuid.New().String()
}
