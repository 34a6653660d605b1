package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/postlab/postlab/internal/history"
)

// Store wraps a history.Store with asynchronous batch writes. Inserts and
// counter bumps are queued in memory and flushed in the background, keeping
// post-response side effects off the request path.
// WARNING: queued writes may be lost if the process crashes before flushing.
type Store struct {
	underlying    history.Store
	jobs          chan job
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
}

type job struct {
	entry   *history.Entry
	statKey string
}

// Config configures the async history behavior.
type Config struct {
	BatchSize     int           // maximum jobs per flush (default: 50)
	FlushInterval time.Duration // maximum time between flushes (default: 1s)
	ChannelBuffer int           // queue size (default: 1000)
	Logger        *log.Logger   // optional logger for diagnostics
}

// New wraps an existing history store with async batch writing.
func New(underlying history.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 1000
	}

	s := &Store{
		underlying:    underlying,
		jobs:          make(chan job, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

func (s *Store) writer() {
	defer s.wg.Done()

	batch := make([]job, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, j := range batch {
			var err error
			if j.entry != nil {
				err = s.underlying.Insert(ctx, *j.entry)
			} else {
				err = s.underlying.IncrementStat(ctx, j.statKey)
			}
			if err != nil && s.logger != nil {
				s.logger.Printf("[async-history] write failed: %v", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case j := <-s.jobs:
			batch = append(batch, j)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			// drain without closing jobs: a writer racing Close may still
			// hold a reference, and sending on a closed channel panics
			for {
				select {
				case j := <-s.jobs:
					batch = append(batch, j)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) enqueue(j job) {
	select {
	case <-s.stopChan:
		if s.logger != nil {
			s.logger.Printf("[async-history] store closed, dropping write")
		}
	case s.jobs <- j:
	default:
		if s.logger != nil {
			s.logger.Printf("[async-history] queue full, dropping write")
		}
	}
}

// Insert queues an entry for asynchronous writing (non-blocking).
func (s *Store) Insert(ctx context.Context, entry history.Entry) error {
	e := entry
	s.enqueue(job{entry: &e})
	return nil
}

// IncrementStat queues a counter bump (non-blocking).
func (s *Store) IncrementStat(ctx context.Context, key string) error {
	s.enqueue(job{statKey: key})
	return nil
}

// ListRecent delegates to the underlying store (blocking operation).
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]history.Entry, error) {
	return s.underlying.ListRecent(ctx, userID, limit)
}

// StatValue delegates to the underlying store (blocking operation).
func (s *Store) StatValue(ctx context.Context, key string) (int64, error) {
	return s.underlying.StatValue(ctx, key)
}

// Close flushes queued writes and closes the underlying store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.underlying.Close()
}
