package ingest

import (
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/config"
)

// CardinalityTracker bounds the number of distinct transaction types. Every
// type opens a bucket per minute in the collector, so an agent that puts
// request paths into the type would otherwise grow storage without limit.
// Types not seen for TransactionTypeRetentionTime are forgotten.
type CardinalityTracker struct {
	mu sync.Mutex

	// type -> last seen
	seen map[string]time.Time

	limit       int
	lastCleanup time.Time
	now         func() time.Time
}

// Run cleanup at most this often
const cleanupInterval = 1 * time.Hour

// NewCardinalityTracker creates a tracker allowing up to limit types.
// A limit <= 0 uses MaxTransactionTypes.
func NewCardinalityTracker(limit int) *CardinalityTracker {
	if limit <= 0 {
		limit = MaxTransactionTypes
	}
	return &CardinalityTracker{
		seen:        make(map[string]time.Time),
		limit:       limit,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Check validates that accepting typ won't exceed the limit
func (c *CardinalityTracker) Check(typ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()

	if _, ok := c.seen[typ]; ok {
		return nil
	}
	if len(c.seen) >= c.limit {
		return ErrCardinalityLimit
	}
	return nil
}

// Record marks typ as seen.
// Should be called after Check() passes and the transaction is accepted
func (c *CardinalityTracker) Record(typ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[typ] = c.now()
}

// cleanupLocked forgets types not seen within the retention time.
// MUST be called with lock held
func (c *CardinalityTracker) cleanupLocked() {
	now := c.now()
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now

	cutoff := now.Add(-config.TransactionTypeRetentionTime)
	for typ, last := range c.seen {
		if last.Before(cutoff) {
			delete(c.seen, typ)
		}
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CardinalityStats{
		TransactionTypes: len(c.seen),
		Limit:            c.limit,
		UtilizationPct:   float64(len(c.seen)) / float64(c.limit) * 100,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TransactionTypes int     `json:"transaction_types"`
	Limit            int     `json:"limit"`
	UtilizationPct   float64 `json:"utilization_percent"`
}
