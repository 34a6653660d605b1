package simulate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/postlab/postlab/internal/analysis"
	"github.com/postlab/postlab/internal/history"
	"github.com/postlab/postlab/internal/identity"
	"github.com/postlab/postlab/internal/provider"
	"github.com/postlab/postlab/internal/usage"
)

const validAnalysisJSON = `{
	"tweet": "ship it",
	"predicted_likes": 12,
	"predicted_retweets": 3,
	"predicted_replies": 2,
	"predicted_quotes": 1,
	"predicted_views": 900,
	"engagement_outlook": "Medium",
	"engagement_justification": "direct hook, clear ask",
	"analysis": ["short and direct"],
	"suggestions": [{
		"version": "Bolder",
		"tweet": "ship it today",
		"reason": "adds urgency",
		"audience_reactions": ["finally"]
	}]
}`

type memUsageStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{counts: make(map[string]int)}
}

func (s *memUsageStore) Count(_ context.Context, key, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key+"|"+day], nil
}

func (s *memUsageStore) Increment(_ context.Context, key, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key+"|"+day]++
	return nil
}

func (s *memUsageStore) Close() error { return nil }

func (s *memUsageStore) set(key, day string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key+"|"+day] = n
}

type fakeProvider struct {
	chunks    []string
	callErr   error
	streamErr error
	hang      bool // block after the first chunk until the context ends
}

func (p *fakeProvider) Analyze(_ context.Context, _ analysis.Request) (string, error) {
	if p.callErr != nil {
		return "", p.callErr
	}
	return strings.Join(p.chunks, ""), nil
}

func (p *fakeProvider) AnalyzeStream(ctx context.Context, _ analysis.Request) (<-chan provider.Fragment, error) {
	if p.callErr != nil {
		return nil, p.callErr
	}
	ch := make(chan provider.Fragment)
	go func() {
		defer close(ch)
		for i, c := range p.chunks {
			select {
			case ch <- provider.Fragment{Delta: c}:
			case <-ctx.Done():
				return
			}
			if p.hang && i == 0 {
				<-ctx.Done()
				return
			}
		}
		if p.streamErr != nil {
			select {
			case ch <- provider.Fragment{Err: p.streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []history.Entry
	stats   map[string]int64
}

func newMemHistory() *memHistory {
	return &memHistory{stats: make(map[string]int64)}
}

func (h *memHistory) Insert(_ context.Context, e history.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) ListRecent(_ context.Context, userID string, _ int) ([]history.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []history.Entry
	for _, e := range h.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *memHistory) IncrementStat(_ context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats[key]++
	return nil
}

func (h *memHistory) StatValue(_ context.Context, key string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats[key], nil
}

func (h *memHistory) Close() error { return nil }

func newTestOrchestrator(store usage.Store, prov provider.Provider, hist history.Store) *Orchestrator {
	return New(Config{
		Meter:    usage.NewMeter(store, nil),
		Provider: prov,
		History:  hist,
	})
}

func chunked(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(out))
		}
	}
}

func TestStreamEventOrdering(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{chunks: chunked(validAnalysisJSON, 64)}
	o := newTestOrchestrator(store, prov, nil)
	id := identity.Identity{AnonymousID: "anon_1"}

	events, err := o.Stream(context.Background(), Input{Identity: id, Text: "ship it"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collect(t, events)

	var types []EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	if len(got) < 4 {
		t.Fatalf("too few events: %v", types)
	}
	if got[0].Type != EventTierInfo {
		t.Fatalf("first event = %v, want TierInfo", got[0].Type)
	}
	if !got[0].Tier.IsPremiumTier || got[0].Tier.PremiumRemaining != usage.PremiumLimit {
		t.Fatalf("unexpected tier info %+v", got[0].Tier)
	}
	i := 1
	var lastPartial string
	for ; i < len(got) && got[i].Type == EventPartial; i++ {
		if !strings.HasPrefix(got[i].Partial, lastPartial) {
			t.Fatalf("partial %d does not extend the previous accumulation", i)
		}
		lastPartial = got[i].Partial
	}
	if lastPartial != validAnalysisJSON {
		t.Fatalf("final partial is not the full text")
	}
	rest := types[i:]
	want := []EventType{EventComplete, EventUsageUpdate, EventDone}
	if len(rest) != len(want) {
		t.Fatalf("tail = %v, want %v", rest, want)
	}
	for j := range want {
		if rest[j] != want[j] {
			t.Fatalf("tail = %v, want %v", rest, want)
		}
	}
	if got[i].Result == nil || got[i].Result.Tweet != "ship it" {
		t.Fatalf("Complete event missing result")
	}
	if got[i+1].Usage.Remaining != usage.DailyLimit-1 {
		t.Fatalf("UsageUpdate remaining = %d", got[i+1].Usage.Remaining)
	}
}

func TestStreamParseFailureDoesNotCommit(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{chunks: []string{"not ", "json at all"}}
	o := newTestOrchestrator(store, prov, nil)
	id := identity.Identity{AnonymousID: "anon_2"}

	events, err := o.Stream(context.Background(), Input{Identity: id, Text: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != EventDone {
		t.Fatalf("last event = %v, want Done", last.Type)
	}
	complete := got[len(got)-2]
	if complete.Type != EventComplete || complete.ParseErr == nil {
		t.Fatalf("expected Complete with parse failure, got %+v", complete)
	}
	for _, ev := range got {
		if ev.Type == EventUsageUpdate {
			t.Fatalf("UsageUpdate emitted for a failed parse")
		}
	}
	if dec := o.Check(context.Background(), id); dec.Remaining != usage.DailyLimit {
		t.Fatalf("quota consumed on parse failure: remaining=%d", dec.Remaining)
	}
}

func TestStreamQuotaRejection(t *testing.T) {
	store := newMemUsageStore()
	id := identity.Identity{UserID: "user-1"}
	store.set(id.Key(), usage.Day(time.Now()), usage.DailyLimit)
	o := newTestOrchestrator(store, &fakeProvider{}, nil)

	_, err := o.Stream(context.Background(), Input{Identity: id, Text: "hi"})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Decision.Remaining != 0 || qe.Decision.Allowed {
		t.Fatalf("unexpected decision %+v", qe.Decision)
	}
}

func TestStreamProviderFailure(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{chunks: []string{"partial "}, streamErr: errors.New("connection reset")}
	o := newTestOrchestrator(store, prov, nil)
	id := identity.Identity{AnonymousID: "anon_3"}

	events, err := o.Stream(context.Background(), Input{Identity: id, Text: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != EventError || last.Err == nil {
		t.Fatalf("expected trailing Error event, got %+v", last)
	}
	for _, ev := range got {
		if ev.Type == EventComplete || ev.Type == EventDone {
			t.Fatalf("stream with provider failure emitted %v", ev.Type)
		}
	}
	if dec := o.Check(context.Background(), id); dec.Remaining != usage.DailyLimit {
		t.Fatalf("quota consumed on provider failure")
	}
}

func TestStreamCancellationSkipsCommit(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{chunks: chunked(validAnalysisJSON, 32), hang: true}
	o := newTestOrchestrator(store, prov, nil)
	id := identity.Identity{AnonymousID: "anon_4"}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.Stream(ctx, Input{Identity: id, Text: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Read up to the first partial, then walk away.
	for ev := range events {
		if ev.Type == EventPartial {
			break
		}
	}
	cancel()
	for range events {
	}

	if dec := o.Check(context.Background(), id); dec.Remaining != usage.DailyLimit {
		t.Fatalf("quota consumed for an abandoned stream")
	}
}

func TestAnalyzePremiumThenCommit(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{chunks: []string{validAnalysisJSON}}
	o := newTestOrchestrator(store, prov, nil)
	id := identity.Identity{UserID: "user-2"}

	out, err := o.Analyze(context.Background(), Input{Identity: id, Text: "ship it"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Result == nil || out.ParseErr != nil {
		t.Fatalf("expected valid result, got %+v", out)
	}
	if !out.Tier.IsPremiumTier || out.Tier.PremiumRemaining != usage.PremiumLimit {
		t.Fatalf("unexpected tier %+v", out.Tier)
	}
	if out.Usage == nil || out.Usage.Remaining != usage.DailyLimit-1 {
		t.Fatalf("unexpected usage %+v", out.Usage)
	}
	if dec := o.Check(context.Background(), id); dec.PremiumRemaining != usage.PremiumLimit-1 {
		t.Fatalf("premium remaining after commit = %d", dec.PremiumRemaining)
	}
}

func TestAnalyzeLastAllowanceThenRejected(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{chunks: []string{validAnalysisJSON}}
	o := newTestOrchestrator(store, prov, nil)
	id := identity.Identity{UserID: "user-3"}
	store.set(id.Key(), usage.Day(time.Now()), usage.DailyLimit-1)

	out, err := o.Analyze(context.Background(), Input{Identity: id, Text: "hi"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Usage.Remaining != 0 {
		t.Fatalf("remaining after final allowance = %d", out.Usage.Remaining)
	}

	_, err = o.Analyze(context.Background(), Input{Identity: id, Text: "hi"})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError on the ninth request, got %v", err)
	}
}

func TestAnalyzeParseFailureKeepsQuota(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{chunks: []string{"```json\n{\"broken\":"}}
	o := newTestOrchestrator(store, prov, nil)
	id := identity.Identity{AnonymousID: "anon_5"}

	for i := 0; i < 3; i++ {
		out, err := o.Analyze(context.Background(), Input{Identity: id, Text: "hi"})
		if err != nil {
			t.Fatalf("Analyze %d: %v", i, err)
		}
		if out.ParseErr == nil || out.Result != nil {
			t.Fatalf("expected parse failure, got %+v", out)
		}
		if out.Usage != nil {
			t.Fatalf("usage update present for a failed parse")
		}
	}
	if dec := o.Check(context.Background(), id); dec.Remaining != usage.DailyLimit {
		t.Fatalf("quota consumed by failed parses: remaining=%d", dec.Remaining)
	}
}

func TestAnalyzeProviderFailure(t *testing.T) {
	store := newMemUsageStore()
	prov := &fakeProvider{callErr: errors.New("upstream 503")}
	o := newTestOrchestrator(store, prov, nil)

	_, err := o.Analyze(context.Background(), Input{
		Identity: identity.Identity{AnonymousID: "anon_6"},
		Text:     "hi",
	})
	if err == nil {
		t.Fatalf("expected provider error")
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		t.Fatalf("provider failure misreported as quota rejection")
	}
}

func TestSideEffectsForSignedInUser(t *testing.T) {
	store := newMemUsageStore()
	hist := newMemHistory()
	prov := &fakeProvider{chunks: []string{validAnalysisJSON}}
	o := newTestOrchestrator(store, prov, hist)
	id := identity.Identity{UserID: "user-4"}

	if _, err := o.Analyze(context.Background(), Input{Identity: id, Text: "ship it"}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, _ := hist.ListRecent(context.Background(), id.UserID, 10)
		total, _ := hist.StatValue(context.Background(), history.StatTotalSimulations)
		if len(entries) == 1 && total == 1 {
			if entries[0].Tweet != "ship it" || len(entries[0].Analysis) == 0 {
				t.Fatalf("unexpected history entry %+v", entries[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("side effects not observed: entries=%d total=%d", len(entries), total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSideEffectsAnonymousCounterOnly(t *testing.T) {
	store := newMemUsageStore()
	hist := newMemHistory()
	prov := &fakeProvider{chunks: []string{validAnalysisJSON}}
	o := newTestOrchestrator(store, prov, hist)

	if _, err := o.Analyze(context.Background(), Input{
		Identity: identity.Identity{AnonymousID: "anon_7"},
		Text:     "hi",
	}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		total, _ := hist.StatValue(context.Background(), history.StatTotalSimulations)
		if total == 1 {
			hist.mu.Lock()
			n := len(hist.entries)
			hist.mu.Unlock()
			if n != 0 {
				t.Fatalf("history persisted for an anonymous author")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("global counter never bumped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
