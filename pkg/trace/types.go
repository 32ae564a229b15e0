package trace

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

// TraceID uniquely identifies a transaction
// 128-bit random ID
type TraceID string

// NewTraceID generates a new random 128-bit trace ID.
// Returns an error if random number generation fails.
func NewTraceID() (TraceID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate trace ID: %w", err)
	}
	return TraceID(hex.EncodeToString(id[:])), nil
}

// ThreadStats are resource counters of the goroutine that ran a
// transaction. Counters the runtime cannot measure stay null.
type ThreadStats struct {
	CPUMicros       nullable.Uint64 `json:"cpu_micros"`
	BlockedMicros   nullable.Uint64 `json:"blocked_micros"`
	WaitedMicros    nullable.Uint64 `json:"waited_micros"`
	AllocatedKBytes nullable.Uint64 `json:"allocated_kbytes"`
}

// Completed is the record of one finished (or, for snapshots, in-flight)
// transaction.
type Completed struct {
	ID              TraceID       `json:"id"`
	TransactionType string        `json:"transaction_type"` // e.g. "Web", "Background"
	Name            string        `json:"name"`             // e.g. "GET /api/users"
	Start           time.Time     `json:"start"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`

	// Active is set on snapshots of transactions that have not ended;
	// Duration and Timers then run up to the capture instant.
	Active      bool      `json:"active,omitempty"`
	CaptureTime time.Time `json:"capture_time"`

	// Timers is a synthetic root holding the transaction's timer tree
	Timers *timertree.Node `json:"timers"`

	// Profile holds stack samples taken during the transaction (optional)
	Profile *profile.Node `json:"profile,omitempty"`

	ThreadStats ThreadStats       `json:"thread_stats"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// End is the instant the transaction finished, or the capture instant for
// active snapshots.
func (c *Completed) End() time.Time {
	return c.Start.Add(c.Duration)
}

// Failed reports whether the transaction recorded an error.
func (c *Completed) Failed() bool {
	return c.Error != ""
}

// Validate checks the fields the collector relies on.
func (c *Completed) Validate() error {
	if c.TransactionType == "" {
		return fmt.Errorf("transaction_type is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Duration < 0 {
		return fmt.Errorf("negative duration %v", c.Duration)
	}
	if c.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	return nil
}
