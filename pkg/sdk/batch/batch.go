package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/sdk/transport"
	"github.com/nicktill/tinyapm/pkg/trace"
)

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	// MaxBuffered bounds the transactions held while sends are slow;
	// further transactions are dropped. Defaults to 10 batches.
	MaxBuffered int
	SendTimeout time.Duration
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 5 * time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10 * c.MaxBatchSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Batcher batches completed transactions and sends them periodically
type Batcher struct {
	config    Config
	transport transport.Transport

	pending []*trace.Completed
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// one drain at a time; drains sends batches in sequence
	flushing atomic.Bool
	drains   sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

// New creates a new batcher
func New(transport transport.Transport, config Config) *Batcher {
	config = config.withDefaults()
	return &Batcher{
		config:    config,
		transport: transport,
		pending:   make([]*trace.Completed, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the flush loop
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Add queues a transaction. It never blocks; when the buffer is full the
// transaction is dropped and counted.
func (b *Batcher) Add(tx *trace.Completed) {
	b.mu.Lock()
	if len(b.pending) >= b.config.MaxBuffered {
		b.mu.Unlock()
		b.dropped.Add(1)
		return
	}
	b.pending = append(b.pending, tx)
	shouldFlush := len(b.pending) >= b.config.MaxBatchSize
	b.mu.Unlock()

	// Flush if batch is full AND no flush is already running
	if shouldFlush && b.ctx != nil && b.flushing.CompareAndSwap(false, true) {
		b.drains.Add(1)
		go func() {
			defer b.drains.Done()
			defer b.flushing.Store(false)
			b.drain(b.ctx, false)
		}()
	}
}

// Flush sends every pending transaction now
func (b *Batcher) Flush() error {
	ctx := context.Background()
	if b.ctx != nil {
		ctx = context.WithoutCancel(b.ctx)
	}
	return b.drain(ctx, true)
}

// Stop stops the flush loop and flushes what is left
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		// Wait for flush loop to finish
		<-b.done
	}
	b.drains.Wait()
	return b.Flush()
}

// Sent returns the number of transactions delivered
func (b *Batcher) Sent() int64 {
	return b.sent.Load()
}

// Dropped returns the number of transactions lost to a full buffer or a
// failed send
func (b *Batcher) Dropped() int64 {
	return b.dropped.Load()
}

// Pending returns the number of buffered transactions
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// flushLoop periodically flushes pending transactions
func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			// Only flush if no flush is already running
			if b.flushing.CompareAndSwap(false, true) {
				b.drain(b.ctx, true)
				b.flushing.Store(false)
			}
		}
	}
}

// take removes up to one batch from the buffer. Unless all is set it only
// takes full batches.
func (b *Batcher) take(all bool) []*trace.Completed {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.pending)
	if n == 0 || (!all && n < b.config.MaxBatchSize) {
		return nil
	}
	if n > b.config.MaxBatchSize {
		n = b.config.MaxBatchSize
	}
	batch := make([]*trace.Completed, n)
	copy(batch, b.pending[:n])
	rest := copy(b.pending, b.pending[n:])
	for i := rest; i < len(b.pending); i++ {
		b.pending[i] = nil
	}
	b.pending = b.pending[:rest]
	return batch
}

// drain sends batches until the buffer is empty, or holds less than a
// batch when all is unset.
func (b *Batcher) drain(ctx context.Context, all bool) error {
	var result *multierror.Error
	for {
		batch := b.take(all)
		if batch == nil {
			return result.ErrorOrNil()
		}
		if err := b.send(ctx, batch); err != nil {
			result = multierror.Append(result, err)
		}
	}
}

// send delivers one batch via the transport
func (b *Batcher) send(ctx context.Context, batch []*trace.Completed) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.SendTimeout)
	defer cancel()

	if err := b.transport.Send(ctx, batch); err != nil {
		b.dropped.Add(int64(len(batch)))
		b.config.Logger.Warn("failed to send transactions",
			zap.Int("transactions", len(batch)), zap.Error(err))
		return err
	}
	b.sent.Add(int64(len(batch)))
	return nil
}
