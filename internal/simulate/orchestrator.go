// Package simulate runs one engagement simulation end to end: quota check,
// tier selection, provider invocation, validation, and the usage commit that
// only happens when the provider's output was actually usable.
package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/postlab/postlab/internal/analysis"
	"github.com/postlab/postlab/internal/history"
	"github.com/postlab/postlab/internal/identity"
	"github.com/postlab/postlab/internal/metrics"
	"github.com/postlab/postlab/internal/provider"
	"github.com/postlab/postlab/internal/usage"
)

// sideEffectTimeout bounds the detached history/counter writes that run after
// a response has been delivered.
const sideEffectTimeout = 10 * time.Second

// Input is one simulation job as resolved by the HTTP layer.
type Input struct {
	Identity    identity.Identity
	Text        string
	Image       *analysis.ImageData
	UserContext *analysis.UserContext
}

// EventType tags the entries of the stream event union.
type EventType int

const (
	EventTierInfo EventType = iota
	EventPartial
	EventComplete
	EventUsageUpdate
	EventError
	EventDone
)

// TierInfo reports which model tier serves the request.
type TierInfo struct {
	IsPremiumTier    bool
	PremiumRemaining int
}

// UsageUpdate carries the post-commit quota state.
type UsageUpdate struct {
	Remaining int
	ResetAt   time.Time
}

// Event is one entry in a simulation stream. Exactly the fields implied by
// Type are set. Consumers receive events in the fixed order
// TierInfo, Partial*, Complete, UsageUpdate (success only), Done; a fatal
// provider failure replaces the tail with a single Error event.
type Event struct {
	Type     EventType
	Tier     *TierInfo
	Partial  string // accumulated text so far, not a delta
	Result   *analysis.Result
	ParseErr *analysis.ParseError
	Usage    *UsageUpdate
	Err      error
}

// Outcome is the result of a synchronous simulation.
type Outcome struct {
	Tier     TierInfo
	Result   *analysis.Result
	ParseErr *analysis.ParseError
	Usage    *UsageUpdate // set only after a successful commit
}

// QuotaError is returned before any provider work when the identity has
// exhausted its daily allowance.
type QuotaError struct {
	Decision usage.Decision
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily limit reached, resets at %s", e.Decision.ResetAt.Format(time.RFC3339))
}

// Config wires an Orchestrator. Meter and Provider are required; History and
// Metrics are optional.
type Config struct {
	Meter    *usage.Meter
	Provider provider.Provider
	History  history.Store
	Metrics  *metrics.Collector
	Logf     func(format string, args ...any)
}

// Orchestrator drives simulations. It is safe for concurrent use; each call
// operates on its own state only.
type Orchestrator struct {
	meter   *usage.Meter
	prov    provider.Provider
	history history.Store
	coll    *metrics.Collector
	logf    func(format string, args ...any)
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.Meter == nil || cfg.Provider == nil {
		panic("simulate: orchestrator requires a meter and a provider")
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Orchestrator{
		meter:   cfg.Meter,
		prov:    cfg.Provider,
		history: cfg.History,
		coll:    cfg.Metrics,
		logf:    logf,
	}
}

// Check exposes the current quota decision without consuming anything.
func (o *Orchestrator) Check(ctx context.Context, id identity.Identity) usage.Decision {
	return o.meter.Check(ctx, id)
}

// Analyze runs one blocking simulation. A *QuotaError means the request was
// turned away before any provider work; any other error is a provider
// failure. A parse failure is not an error: the Outcome carries it and no
// quota is consumed.
func (o *Orchestrator) Analyze(ctx context.Context, in Input) (*Outcome, error) {
	dec := o.meter.Check(ctx, in.Identity)
	if !dec.Allowed {
		o.recordQuotaRejection()
		return nil, &QuotaError{Decision: dec}
	}

	tier := TierInfo{IsPremiumTier: dec.IsPremiumTier, PremiumRemaining: dec.PremiumRemaining}
	req := o.request(in, dec)

	start := time.Now()
	raw, err := o.prov.Analyze(ctx, req)
	o.recordProviderCall(dec, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("analysis provider: %w", err)
	}

	res, err := analysis.Parse(raw)
	if perr, ok := err.(*analysis.ParseError); ok {
		o.logf("simulate: discarding unparsable analysis for %s: %s", in.Identity.Key(), perr.Reason)
		o.recordParseFailure()
		return &Outcome{Tier: tier, ParseErr: perr}, nil
	}
	if err != nil {
		return nil, err
	}

	after := o.commit(ctx, in.Identity)
	o.persist(in, &res)
	return &Outcome{Tier: tier, Result: &res, Usage: after}, nil
}

// Stream runs one streaming simulation. A *QuotaError is returned before any
// channel is opened so callers can reject with a plain response. Otherwise
// the returned channel delivers events in order and is closed when the run
// ends; consuming it fully is required.
func (o *Orchestrator) Stream(ctx context.Context, in Input) (<-chan Event, error) {
	dec := o.meter.Check(ctx, in.Identity)
	if !dec.Allowed {
		o.recordQuotaRejection()
		return nil, &QuotaError{Decision: dec}
	}
	if o.coll != nil {
		o.coll.RecordStreamStart()
	}

	events := make(chan Event)
	go o.run(ctx, in, dec, events)
	return events, nil
}

func (o *Orchestrator) run(ctx context.Context, in Input, dec usage.Decision, events chan<- Event) {
	defer close(events)

	tier := &TierInfo{IsPremiumTier: dec.IsPremiumTier, PremiumRemaining: dec.PremiumRemaining}
	if !o.emit(ctx, events, Event{Type: EventTierInfo, Tier: tier}) {
		return
	}

	start := time.Now()
	frags, err := o.prov.AnalyzeStream(ctx, o.request(in, dec))
	if err != nil {
		o.recordProviderCall(dec, time.Since(start), err)
		o.emit(ctx, events, Event{Type: EventError, Err: fmt.Errorf("analysis provider: %w", err)})
		return
	}

	var buf strings.Builder
	for frag := range frags {
		if frag.Err != nil {
			o.recordProviderCall(dec, time.Since(start), frag.Err)
			o.emit(ctx, events, Event{Type: EventError, Err: fmt.Errorf("analysis provider: %w", frag.Err)})
			return
		}
		buf.WriteString(frag.Delta)
		if !o.emit(ctx, events, Event{Type: EventPartial, Partial: buf.String()}) {
			// Caller went away: stop forwarding, no commit.
			if o.coll != nil {
				o.coll.RecordStreamCancelled()
			}
			return
		}
	}
	o.recordProviderCall(dec, time.Since(start), nil)

	res, err := analysis.Parse(buf.String())
	if perr, ok := err.(*analysis.ParseError); ok {
		o.logf("simulate: discarding unparsable analysis for %s: %s", in.Identity.Key(), perr.Reason)
		o.recordParseFailure()
		if o.emit(ctx, events, Event{Type: EventComplete, ParseErr: perr}) {
			o.emit(ctx, events, Event{Type: EventDone})
		}
		return
	}
	if err != nil {
		o.emit(ctx, events, Event{Type: EventError, Err: err})
		return
	}

	if !o.emit(ctx, events, Event{Type: EventComplete, Result: &res}) {
		return
	}
	after := o.commit(ctx, in.Identity)
	if after != nil {
		if !o.emit(ctx, events, Event{Type: EventUsageUpdate, Usage: after}) {
			return
		}
	}
	o.emit(ctx, events, Event{Type: EventDone})
	o.persist(in, &res)
}

// emit sends ev unless the caller's context is done. It reports whether the
// event was delivered.
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// request assembles the provider request for the tier the decision selected.
func (o *Orchestrator) request(in Input, dec usage.Decision) analysis.Request {
	return analysis.Request{
		Text:        in.Text,
		Image:       in.Image,
		UserContext: in.UserContext,
		Premium:     dec.IsPremiumTier,
	}
}

// commit records the consumed analysis and re-reads the quota. Increment
// failures are logged only; the response already carries a valid result.
func (o *Orchestrator) commit(ctx context.Context, id identity.Identity) *UsageUpdate {
	if err := o.meter.Commit(ctx, id); err != nil {
		o.logf("simulate: usage increment failed for %s: %v", id.Key(), err)
	}
	dec := o.meter.Check(ctx, id)
	return &UsageUpdate{Remaining: dec.Remaining, ResetAt: dec.ResetAt}
}

// persist schedules the post-response side effects: the global simulation
// counter always, the per-user history row for signed-in authors. Both are
// detached from the request and never affect what was already sent.
func (o *Orchestrator) persist(in Input, res *analysis.Result) {
	if o.history == nil {
		return
	}
	entry := history.Entry{Tweet: in.Text}
	if in.Identity.Authenticated() {
		entry.UserID = in.Identity.UserID
		payload, err := json.Marshal(res)
		if err != nil {
			o.logf("simulate: marshal history payload: %v", err)
			return
		}
		entry.Analysis = payload
		if in.Image != nil {
			entry.ImageData = in.Image.Base64
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()

		if err := o.history.IncrementStat(ctx, history.StatTotalSimulations); err != nil {
			o.logf("simulate: bump %s: %v", history.StatTotalSimulations, err)
		}
		if entry.UserID == "" {
			return
		}
		if err := o.history.Insert(ctx, entry); err != nil {
			o.logf("simulate: save history for %s: %v", entry.UserID, err)
		}
	}()
}

func (o *Orchestrator) recordQuotaRejection() {
	if o.coll != nil {
		o.coll.RecordQuotaRejection()
	}
}

func (o *Orchestrator) recordParseFailure() {
	if o.coll != nil {
		o.coll.RecordParseFailure()
	}
}

func (o *Orchestrator) recordProviderCall(dec usage.Decision, d time.Duration, err error) {
	if o.coll == nil {
		return
	}
	tier := string(usage.TierLite)
	if dec.IsPremiumTier {
		tier = string(usage.TierPremium)
	}
	o.coll.RecordProviderCall(tier, d, err)
}
