package usage

import (
	"context"
	"time"

	"github.com/postlab/postlab/internal/identity"
)

// DailyLimit is the number of analyses one identity may run per UTC day.
const DailyLimit = 8

// PremiumLimit is how many of those analyses are served by the premium model.
// Once it is exhausted the lite model serves the remainder of the day.
const PremiumLimit = 3

// Tier selects which model quality level serves a request.
type Tier string

const (
	TierPremium Tier = "premium"
	TierLite    Tier = "lite"
)

// Decision is the derived quota verdict for one identity at one instant.
// It is never persisted.
type Decision struct {
	Allowed          bool
	Remaining        int
	ResetAt          time.Time
	IsPremiumTier    bool
	PremiumRemaining int
}

// Store persists per-identity, per-day analysis counts.
type Store interface {
	// Count returns the analysis count for (key, day); 0 when no record exists.
	Count(ctx context.Context, key, day string) (int, error)
	// Increment adds one to the count for (key, day), creating the record if
	// absent. Implementations perform this as a single atomic upsert.
	Increment(ctx context.Context, key, day string) error
	Close() error
}

// Remaining returns how many analyses are left today given a stored count.
func Remaining(count int) int {
	if count >= DailyLimit {
		return 0
	}
	return DailyLimit - count
}

// PremiumRemaining returns how many premium-model analyses are left.
func PremiumRemaining(count int) int {
	if count >= PremiumLimit {
		return 0
	}
	return PremiumLimit - count
}

// TierFor maps a stored count to the serving tier.
func TierFor(count int) Tier {
	if count < PremiumLimit {
		return TierPremium
	}
	return TierLite
}

// Day formats t as the UTC calendar date used to key usage records.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextReset returns the next UTC midnight after t.
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// decide computes a Decision from a stored count.
func decide(count int, now time.Time) Decision {
	remaining := Remaining(count)
	return Decision{
		Allowed:          remaining > 0,
		Remaining:        remaining,
		ResetAt:          NextReset(now),
		IsPremiumTier:    TierFor(count) == TierPremium,
		PremiumRemaining: PremiumRemaining(count),
	}
}

// openDecision is what callers get when no identity exists or storage is
// unreachable: full quota, premium tier. Availability beats strictness here.
func openDecision(now time.Time) Decision {
	return decide(0, now)
}

// Meter combines the quota policy with a Store. It never blocks the
// user-facing feature on storage trouble: Check fails open, Commit is
// best-effort for the caller.
type Meter struct {
	store Store
	now   func() time.Time
	logf  func(format string, args ...any)
}

// NewMeter creates a Meter over the given store. logf may be nil.
func NewMeter(store Store, logf func(format string, args ...any)) *Meter {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Meter{store: store, now: time.Now, logf: logf}
}

// SetClock overrides the meter's time source; intended for tests.
func (m *Meter) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Check returns the current Decision for the identity. A zero identity or a
// storage error yields the fail-open decision with a diagnostic logged.
func (m *Meter) Check(ctx context.Context, id identity.Identity) Decision {
	now := m.now()
	if id.IsZero() {
		m.logf("usage: no identity supplied, allowing unmetered call")
		return openDecision(now)
	}
	count, err := m.store.Count(ctx, id.Key(), Day(now))
	if err != nil {
		m.logf("usage: count lookup failed for %s: %v", id.Key(), err)
		return openDecision(now)
	}
	return decide(count, now)
}

// Commit records one consumed analysis for the identity. Call it only after
// a successful, validated analysis. Errors are returned for logging but must
// not affect the response already in flight.
func (m *Meter) Commit(ctx context.Context, id identity.Identity) error {
	if id.IsZero() {
		m.logf("usage: no identity supplied, skipping increment")
		return nil
	}
	return m.store.Increment(ctx, id.Key(), Day(m.now()))
}
