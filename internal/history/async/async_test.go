package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/postlab/postlab/internal/history"
)

type memStore struct {
	mu      sync.Mutex
	entries []history.Entry
	stats   map[string]int64
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{stats: make(map[string]int64)}
}

func (m *memStore) Insert(ctx context.Context, entry history.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) ListRecent(ctx context.Context, userID string, limit int) ([]history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Entry(nil), m.entries...), nil
}

func (m *memStore) IncrementStat(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[key]++
	return nil
}

func (m *memStore) StatValue(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[key], nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestWritesFlushOnClose(t *testing.T) {
	mem := newMemStore()
	s := New(mem, Config{FlushInterval: time.Hour}) // force flush via Close

	ctx := context.Background()
	if err := s.Insert(ctx, history.Entry{UserID: "u", Tweet: "hello", Analysis: []byte(`{}`)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.IncrementStat(ctx, history.StatTotalSimulations); err != nil {
		t.Fatalf("IncrementStat: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(mem.entries) != 1 || mem.entries[0].Tweet != "hello" {
		t.Fatalf("entry not flushed: %+v", mem.entries)
	}
	if mem.stats[history.StatTotalSimulations] != 1 {
		t.Fatalf("stat not flushed: %v", mem.stats)
	}
	if !mem.closed {
		t.Fatalf("underlying store not closed")
	}
}

func TestPeriodicFlush(t *testing.T) {
	mem := newMemStore()
	s := New(mem, Config{FlushInterval: 10 * time.Millisecond})
	defer s.Close()

	_ = s.IncrementStat(context.Background(), "k")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := mem.StatValue(context.Background(), "k"); v == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stat was never flushed")
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	mem := newMemStore()
	s := New(mem, Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// must not panic on the drained queue, just drop the writes
	if err := s.Insert(context.Background(), history.Entry{UserID: "u", Tweet: "late"}); err != nil {
		t.Fatalf("Insert after close: %v", err)
	}
	if err := s.IncrementStat(context.Background(), "k"); err != nil {
		t.Fatalf("IncrementStat after close: %v", err)
	}
	if len(mem.entries) != 0 {
		t.Fatalf("late entry should not reach the store: %+v", mem.entries)
	}
}

func TestReadsDelegate(t *testing.T) {
	mem := newMemStore()
	mem.stats["k"] = 7
	mem.entries = []history.Entry{{UserID: "u", Tweet: "x"}}
	s := New(mem, Config{})
	defer s.Close()

	v, err := s.StatValue(context.Background(), "k")
	if err != nil || v != 7 {
		t.Fatalf("StatValue: %d, %v", v, err)
	}
	entries, err := s.ListRecent(context.Background(), "u", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListRecent: %+v, %v", entries, err)
	}
}
