// Package aggregate holds the per-bucket rollup record and the reducer that
// merges a range of them into the timer, histogram, thread-stats and
// profile views.
package aggregate

import (
	"fmt"
	"time"

	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
)

// Resolution is the width of the time bucket an aggregate covers.
type Resolution string

const (
	Resolution1m Resolution = "1m"
	Resolution5m Resolution = "5m"
	Resolution1h Resolution = "1h"
)

// Resolutions lists every resolution, finest first.
var Resolutions = []Resolution{Resolution1m, Resolution5m, Resolution1h}

// Duration returns the bucket width.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution5m:
		return 5 * time.Minute
	case Resolution1h:
		return time.Hour
	}
	return 0
}

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r.Duration() > 0
}

// ParseResolution validates a resolution string.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown resolution %q", s)
	}
	return r, nil
}

// BucketEnd returns the end of the bucket of width r containing t. Buckets
// are half-open on the left, so a t on a boundary ends its own bucket.
func (r Resolution) BucketEnd(t time.Time) time.Time {
	d := r.Duration()
	end := t.Truncate(d)
	if end.Before(t) {
		end = end.Add(d)
	}
	return end
}

// Aggregate is the rollup of one transaction type over one time bucket.
// It is immutable once written.
type Aggregate struct {
	TransactionType string
	// CaptureTime is the end of the bucket.
	CaptureTime time.Time
	Resolution  Resolution

	TransactionCount uint64
	TotalMicros      uint64
	ErrorCount       uint64

	// TimerTree is an encoded timertree.Node.
	TimerTree []byte
	// Histogram is an encoded histogram.Histogram of transaction durations
	// in microseconds.
	Histogram []byte

	CPUMicros       nullable.Uint64
	BlockedMicros   nullable.Uint64
	WaitedMicros    nullable.Uint64
	AllocatedKBytes nullable.Uint64
}

// ProfileSource is the stored profile of one transaction type over one
// bucket. Data is an encoded profile.Node, empty, or profile.Overwritten.
type ProfileSource struct {
	TransactionType string
	CaptureTime     time.Time
	Resolution      Resolution
	Data            []byte
}
