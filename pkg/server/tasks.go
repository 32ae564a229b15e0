package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/storage/badger"
)

// compactionRetry is the first retry delay; later retries double it.
var compactionRetry = 30 * time.Second

const compactionAttempts = 4

// Run starts the background tasks and blocks until ctx is cancelled and
// every task has returned.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	tasks := []func(context.Context){
		s.hub.Run,
		s.RunCompaction,
		s.RunBadgerGC,
		s.CaptureStuckTraces,
		s.BroadcastLive,
		s.CleanupTraces,
	}
	for _, task := range tasks {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(task)
	}
	wg.Wait()
}

// compactOnce runs one compaction pass with retry and exponential backoff.
func (s *Server) compactOnce(ctx context.Context) {
	for attempt := 0; attempt < compactionAttempts; attempt++ {
		if attempt > 0 {
			delay := compactionRetry * time.Duration(1<<(attempt-1)) // 30s, 60s, 120s
			s.logger.Info("retrying compaction",
				zap.Duration("delay", delay), zap.Int("attempt", attempt+1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		result, err := s.compactor.CompactAndCleanup(ctx)
		if err == nil {
			s.compaction.RecordSuccess(result)
			// rollups and profile overwrites change what cached views saw
			s.queries.Purge()
			s.logger.Info("compaction completed",
				zap.Duration("took", time.Since(start).Round(time.Millisecond)),
				zap.Int("written", result.Written),
				zap.Int("partial", result.Partial),
				zap.Int("profiles", result.Profiles))
			return
		}

		s.compaction.RecordFailure(err)
		s.logger.Warn("compaction failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if status := s.compaction.Status(); status.ConsecutiveErrors > 3 {
			s.logger.Error("compaction keeps failing", zap.Int("consecutive_errors", status.ConsecutiveErrors))
		}
		if ctx.Err() != nil {
			return
		}
	}
	s.logger.Warn("compaction gave up until the next scheduled run", zap.Int("attempts", compactionAttempts))
}

// RunCompaction compacts once at startup and then every CompactionInterval.
func (s *Server) RunCompaction(ctx context.Context) {
	ticker := time.NewTicker(config.CompactionInterval)
	defer ticker.Stop()

	s.logger.Info("running initial compaction")
	s.compactOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.compactOnce(ctx)
		case <-ctx.Done():
			s.logger.Debug("stopping compaction scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB garbage collection periodically to reclaim disk space.
// BadgerDB uses LSM trees which accumulate deleted data in value log.
func (s *Server) RunBadgerGC(ctx context.Context) {
	badgerStore, ok := s.store.(*badger.Storage)
	if !ok {
		s.logger.Debug("storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// Run GC with 0.5 discard ratio (reclaim space if 50% of file is garbage)
			if err := badgerStore.RunGC(0.5); err != nil {
				s.logger.Warn("BadgerDB GC failed", zap.Error(err))
				continue
			}
			s.logger.Debug("BadgerDB GC completed", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		case <-ctx.Done():
			return
		}
	}
}

// CaptureStuckTraces snapshots the server's own requests that run past the
// stuck threshold.
func (s *Server) CaptureStuckTraces(ctx context.Context) {
	ticker := time.NewTicker(config.StuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := s.sink.CaptureStuck(s.tracer, now); n > 0 {
				s.logger.Info("captured stuck transactions", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// CleanupTraces drops stored traces past their retention.
func (s *Server) CleanupTraces(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.traces.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// BroadcastLive pushes the live summary to websocket clients.
// Uses exponential backoff on errors to prevent log spam during outages.
func (s *Server) BroadcastLive(ctx context.Context) {
	ticker := time.NewTicker(config.LiveSummaryInterval)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Skip if no clients connected
			if !s.hub.HasClients() {
				continue
			}

			if err := s.hub.Broadcast(s.ingest.Live()); err != nil {
				consecutiveErrors++
				now := time.Now()

				// 1s, 2s, 4s ... capped at 5m
				backoff := time.Duration(1<<uint(min(consecutiveErrors-1, 8))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
					s.logger.Warn("failed to broadcast live summary",
						zap.Int("consecutive_errors", consecutiveErrors),
						zap.Duration("backoff", backoff),
						zap.Error(err))
					lastErrorTime = now
				}
				continue
			}

			if consecutiveErrors > 0 {
				s.logger.Info("live broadcast recovered", zap.Int("errors", consecutiveErrors))
				consecutiveErrors = 0
			}
		}
	}
}
