package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SinkConfig controls which traces a Sink keeps.
type SinkConfig struct {
	// SlowThreshold keeps transactions at least this long.
	SlowThreshold time.Duration
	// StuckThreshold keeps a snapshot of transactions still running after
	// this long. Zero disables stuck capture.
	StuckThreshold time.Duration
	// QueueSize bounds the pending queue. Traces arriving when it is full
	// are dropped.
	QueueSize int
}

// DefaultSinkConfig returns the default thresholds.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		SlowThreshold:  2 * time.Second,
		StuckThreshold: 60 * time.Second,
		QueueSize:      1000,
	}
}

// Sink stores slow, failed and stuck transactions asynchronously on a
// single worker goroutine.
type Sink struct {
	cfg    SinkConfig
	store  *Store
	logger *zap.Logger

	queue   chan *Completed
	pending atomic.Int64
	dropped atomic.Int64

	mu    sync.Mutex
	stuck map[TraceID]struct{}

	wg sync.WaitGroup
	// sendMu orders queue sends before the close of done, so the worker's
	// final drain sees every accepted trace.
	sendMu sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewSink creates a sink writing into store and starts its worker.
func NewSink(store *Store, cfg SinkConfig, logger *zap.Logger) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultSinkConfig().QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		cfg:    cfg,
		store:  store,
		logger: logger,
		queue:  make(chan *Completed, cfg.QueueSize),
		stuck:  make(map[TraceID]struct{}),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Qualifies reports whether c would be kept.
func (s *Sink) Qualifies(c *Completed) bool {
	return c.Failed() || c.Duration >= s.cfg.SlowThreshold
}

// OnComplete enqueues c if it qualifies. It never blocks; it is meant to be
// registered with Tracer.OnComplete.
func (s *Sink) OnComplete(c *Completed) {
	s.mu.Lock()
	_, wasStuck := s.stuck[c.ID]
	delete(s.stuck, c.ID)
	s.mu.Unlock()

	// a stored stuck snapshot is replaced by the final trace
	if !wasStuck && !s.Qualifies(c) {
		return
	}
	s.enqueue(c)
}

// CaptureStuck snapshots every active transaction older than the stuck
// threshold that has not been captured yet, and returns how many it queued.
func (s *Sink) CaptureStuck(tr *Tracer, now time.Time) int {
	if s.cfg.StuckThreshold <= 0 {
		return 0
	}
	n := 0
	for _, tx := range tr.ActiveTransactions() {
		if now.Sub(tx.StartTime()) < s.cfg.StuckThreshold {
			// sorted oldest first
			break
		}
		s.mu.Lock()
		_, seen := s.stuck[tx.ID()]
		if !seen {
			s.stuck[tx.ID()] = struct{}{}
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		snap := tx.Snapshot()
		if snap.Active && s.enqueue(snap) {
			n++
			continue
		}
		// ended meanwhile or dropped: OnComplete may already have run
		s.unmarkStuck(tx.ID())
	}
	return n
}

func (s *Sink) unmarkStuck(id TraceID) {
	s.mu.Lock()
	delete(s.stuck, id)
	s.mu.Unlock()
}

func (s *Sink) enqueue(c *Completed) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	s.pending.Add(1)
	select {
	case s.queue <- c:
		return true
	default:
		s.pending.Add(-1)
		s.dropped.Add(1)
		s.logger.Warn("trace sink queue full, dropping trace",
			zap.String("trace_id", string(c.ID)),
			zap.String("transaction_type", c.TransactionType))
		return false
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case c := <-s.queue:
			s.store1(c)
		case <-s.done:
			// drain what is already queued
			for {
				select {
				case c := <-s.queue:
					s.store1(c)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) store1(c *Completed) {
	defer s.pending.Add(-1)
	if err := s.store.Put(c); err != nil {
		s.logger.Warn("failed to store trace", zap.String("trace_id", string(c.ID)), zap.Error(err))
	}
}

// QueueLength returns the number of traces waiting to be stored.
func (s *Sink) QueueLength() int {
	return int(s.pending.Load())
}

// Dropped returns the number of traces dropped because the queue was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting traces, stores what is queued and waits for the
// worker to exit.
func (s *Sink) Close() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.sendMu.Unlock()
	s.wg.Wait()
}
