// Package collector folds completed transactions into per-minute buckets
// and writes each bucket to storage once the minute is over.
package collector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/trace"
)

// ErrQueueFull is returned by Add when the queue has no room.
var ErrQueueFull = errors.New("collector: queue full")

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("collector: closed")

// Config configures a Collector.
type Config struct {
	// QueueSize bounds the number of transactions waiting to be folded.
	QueueSize int
	// FinalizeInterval is how often closed buckets are flushed.
	FinalizeInterval time.Duration
	// GracePeriod keeps a bucket open this long after its minute ends so
	// that transactions delivered late still land in it.
	GracePeriod time.Duration

	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.FinalizeInterval <= 0 {
		c.FinalizeInterval = 5 * time.Second
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Collector accumulates completed transactions. Add is safe for concurrent
// use; a single worker goroutine owns the open buckets.
type Collector struct {
	cfg     Config
	store   storage.Storage
	logger  *zap.Logger
	metrics *metrics

	queue   chan *trace.Completed
	pending atomic.Int64

	mu   sync.Mutex
	open map[bucketKey]*bucket

	// sendMu orders queue sends before the close of closing, so the
	// worker's final drain sees every accepted transaction.
	sendMu  sync.RWMutex
	closed  bool
	closing chan struct{}
	done    chan struct{}
}

// New creates a collector writing to store and starts its worker.
func New(store storage.Storage, cfg Config) *Collector {
	cfg = cfg.withDefaults()
	c := &Collector{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger,
		queue:   make(chan *trace.Completed, cfg.QueueSize),
		open:    make(map[bucketKey]*bucket),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.metrics = newMetrics(cfg.Registerer, c)
	go c.run()
	return c
}

// Add queues a completed transaction. It never blocks.
func (c *Collector) Add(tx *trace.Completed) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	c.pending.Add(1)
	select {
	case c.queue <- tx:
		return nil
	default:
		c.pending.Add(-1)
		c.metrics.dropped.Inc()
		return ErrQueueFull
	}
}

// OnComplete adapts Add to trace.CompleteHandler, logging dropped transactions.
func (c *Collector) OnComplete(tx *trace.Completed) {
	if err := c.Add(tx); err != nil {
		c.logger.Warn("transaction not collected",
			zap.String("transaction_type", tx.TransactionType),
			zap.String("name", tx.Name),
			zap.Error(err))
	}
}

// QueueLength returns the number of transactions waiting to be folded.
func (c *Collector) QueueLength() int {
	return int(c.pending.Load())
}

// OpenBuckets returns the number of buckets still accumulating.
func (c *Collector) OpenBuckets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// OpenBucketEnd is the end of the bucket currently accumulating
// transactions that finish now. Ranges ending before it are final.
func (c *Collector) OpenBucketEnd() time.Time {
	return aggregate.Resolution1m.BucketEnd(c.cfg.Now())
}

// FinalizedThrough is the latest capture time whose buckets have all been
// written: later transactions for them would be discarded as late.
func (c *Collector) FinalizedThrough() time.Time {
	return c.cfg.Now().Add(-c.cfg.GracePeriod - c.cfg.FinalizeInterval).Truncate(time.Minute)
}

func (c *Collector) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.FinalizeInterval)
	defer ticker.Stop()

	for {
		select {
		case tx := <-c.queue:
			c.fold(tx)
		case <-ticker.C:
			c.Finalize(context.Background(), c.cfg.Now())
		case <-c.closing:
			for {
				select {
				case tx := <-c.queue:
					c.fold(tx)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) fold(tx *trace.Completed) {
	defer c.pending.Add(-1)

	key := bucketKey{
		typ: tx.TransactionType,
		end: aggregate.Resolution1m.BucketEnd(tx.End()).UTC(),
	}
	c.mu.Lock()
	b, ok := c.open[key]
	if !ok {
		b = newBucket(key)
		c.open[key] = b
	}
	err := b.add(tx)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("failed to fold transaction",
			zap.String("transaction_type", tx.TransactionType),
			zap.Error(err))
		return
	}
	c.metrics.transactions.WithLabelValues(tx.TransactionType).Inc()
}

// Finalize writes every bucket whose minute ended at least GracePeriod
// before now, oldest first, and returns how many were written.
func (c *Collector) Finalize(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-c.cfg.GracePeriod)

	c.mu.Lock()
	var ready []*bucket
	for key, b := range c.open {
		if !key.end.After(cutoff) {
			ready = append(ready, b)
			delete(c.open, key)
		}
	}
	c.mu.Unlock()

	return c.write(ctx, ready)
}

func (c *Collector) write(ctx context.Context, buckets []*bucket) int {
	sort.Slice(buckets, func(i, j int) bool {
		if !buckets[i].key.end.Equal(buckets[j].key.end) {
			return buckets[i].key.end.Before(buckets[j].key.end)
		}
		return buckets[i].key.typ < buckets[j].key.typ
	})

	written := 0
	for _, b := range buckets {
		if err := c.writeBucket(ctx, b); err != nil {
			log := c.logger.With(
				zap.String("transaction_type", b.key.typ),
				zap.Time("capture_time", b.key.end),
				zap.Uint64("transactions", b.count))
			if errors.Is(err, storage.ErrBucketFinalized) {
				c.metrics.late.Inc()
				log.Warn("bucket already finalized, discarding late transactions")
				continue
			}
			c.metrics.writeErrors.Inc()
			log.Error("failed to write bucket", zap.Error(err))
			continue
		}
		c.metrics.finalized.Inc()
		written++
	}
	return written
}

func (c *Collector) writeBucket(ctx context.Context, b *bucket) error {
	agg, prof, err := b.finalize()
	if err != nil {
		return err
	}
	if err := c.store.WriteAggregate(ctx, agg); err != nil {
		return err
	}
	if prof == nil {
		return nil
	}
	return c.store.WriteProfile(ctx, prof)
}

// Close stops accepting transactions, folds what is queued, writes every
// open bucket regardless of age and waits for the worker to exit.
func (c *Collector) Close(ctx context.Context) error {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closing)
	}
	c.sendMu.Unlock()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	var rest []*bucket
	for key, b := range c.open {
		rest = append(rest, b)
		delete(c.open, key)
	}
	c.mu.Unlock()

	c.write(ctx, rest)
	return ctx.Err()
}
