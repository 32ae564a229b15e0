package trace

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/timer"
)

type contextKey int

const transactionKey contextKey = 0

// CompleteHandler receives every transaction the tracer completes. Handlers run on
// the goroutine that ended the transaction and must not block.
type CompleteHandler func(*Completed)

// Tracer starts transactions and keeps track of the ones in flight.
type Tracer struct {
	ticker timer.Ticker
	logger *zap.Logger

	mu       sync.RWMutex
	active   map[TraceID]*Transaction
	handlers []CompleteHandler
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithTicker sets the clock used by transaction timers.
func WithTicker(t timer.Ticker) Option {
	return func(tr *Tracer) { tr.ticker = t }
}

// WithLogger sets the tracer's logger.
func WithLogger(l *zap.Logger) Option {
	return func(tr *Tracer) { tr.logger = l }
}

// NewTracer creates a tracer.
func NewTracer(opts ...Option) *Tracer {
	tr := &Tracer{
		ticker: timer.SystemTicker,
		logger: zap.NewNop(),
		active: make(map[TraceID]*Transaction),
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// OnComplete registers h to receive completed transactions.
func (tr *Tracer) OnComplete(h CompleteHandler) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.handlers = append(tr.handlers, h)
}

// Start begins a transaction and returns a context carrying it.
func (tr *Tracer) Start(ctx context.Context, txType, name string) (context.Context, *Transaction) {
	id, err := NewTraceID()
	if err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails
		tr.logger.Warn("trace id generation failed", zap.Error(err))
		id = TraceID(time.Now().Format("20060102150405.000000000"))
	}
	tick := tr.ticker.Read()
	tx := &Transaction{
		id:     id,
		typ:    txType,
		name:   name,
		start:  time.Now(),
		ticker: tr.ticker,
		tracer: tr,
	}
	tx.root = newLiveNode(name, tr.ticker, nil)
	tx.root.timer.StartAt(tick)
	tx.current = tx.root

	tr.mu.Lock()
	tr.active[id] = tx
	tr.mu.Unlock()

	return context.WithValue(ctx, transactionKey, tx), tx
}

func (tr *Tracer) finish(tx *Transaction, c *Completed) {
	tr.mu.Lock()
	delete(tr.active, tx.id)
	handlers := tr.handlers
	tr.mu.Unlock()

	for _, h := range handlers {
		h(c)
	}
}

// Active returns the in-flight transaction with the given ID.
func (tr *Tracer) Active(id TraceID) (*Transaction, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	tx, ok := tr.active[id]
	return tx, ok
}

// ActiveTransactions returns in-flight transactions, oldest first.
func (tr *Tracer) ActiveTransactions() []*Transaction {
	tr.mu.RLock()
	out := make([]*Transaction, 0, len(tr.active))
	for _, tx := range tr.active {
		out = append(out, tx)
	}
	tr.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].start.Before(out[j].start)
	})
	return out
}

// FromContext returns the transaction carried by ctx, if any.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(transactionKey).(*Transaction)
	return tx
}

// StartTimer enters a timer on the transaction carried by ctx. Without a
// transaction the returned span is a no-op.
func StartTimer(ctx context.Context, name string) *Span {
	if tx := FromContext(ctx); tx != nil {
		return tx.StartTimer(name)
	}
	return &Span{}
}
