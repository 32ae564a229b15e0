// Package histogram is a mergeable latency distribution with a compact byte
// encoding. Values are microseconds. It wraps an HDR histogram tracking
// 1µs to 1h with two significant figures, so any reported percentile is
// within RelativeError of a value actually recorded at that rank.
package histogram

import (
	"fmt"
	"math"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// LowestTrackable is the smallest value resolved separately from zero.
	LowestTrackable int64 = 1
	// HighestTrackable is one hour in microseconds. Larger values are
	// counted in the top bucket.
	HighestTrackable int64 = 3600 * 1000 * 1000
	// SignificantFigures of precision kept at every magnitude.
	SignificantFigures = 2

	// RelativeError bounds |reported-actual|/actual for any percentile.
	RelativeError = 0.01
)

// Histogram holds an approximate multiset of non-negative values with an
// exact count and sum. The zero value is not usable; use New.
type Histogram struct {
	hdr *hdrhistogram.Histogram
	sum int64
}

// New returns an empty histogram.
func New() *Histogram {
	return &Histogram{
		hdr: hdrhistogram.New(LowestTrackable, HighestTrackable, SignificantFigures),
	}
}

// Record adds one value.
func (h *Histogram) Record(v int64) error {
	return h.RecordN(v, 1)
}

// RecordN adds n occurrences of v. Negative values and counts are rejected.
func (h *Histogram) RecordN(v, n int64) error {
	if v < 0 {
		return fmt.Errorf("histogram: negative value %d", v)
	}
	if n < 0 {
		return fmt.Errorf("histogram: negative count %d", n)
	}
	if n == 0 {
		return nil
	}
	clamped := v
	if clamped > HighestTrackable {
		clamped = HighestTrackable
	}
	if err := h.hdr.RecordValues(clamped, n); err != nil {
		return fmt.Errorf("histogram: record %d: %w", v, err)
	}
	h.sum = addSaturating(h.sum, mulSaturating(v, n))
	return nil
}

// Merge adds every value of other into h. Count and sum stay exact until
// the sum reaches math.MaxInt64, where it sticks.
func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	// both sides share the same layout, so nothing can be dropped
	h.hdr.Merge(other.hdr)
	h.sum = addSaturating(h.sum, other.sum)
}

// addSaturating adds two non-negative values, stopping at math.MaxInt64.
func addSaturating(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func mulSaturating(v, n int64) int64 {
	if v != 0 && n > math.MaxInt64/v {
		return math.MaxInt64
	}
	return v * n
}

// Count is the exact number of recorded values.
func (h *Histogram) Count() int64 {
	return h.hdr.TotalCount()
}

// Sum is the exact sum of recorded values, saturated at math.MaxInt64.
func (h *Histogram) Sum() int64 {
	return h.sum
}

// Mean is the exact mean, or 0 for an empty histogram.
func (h *Histogram) Mean() float64 {
	c := h.Count()
	if c == 0 {
		return 0
	}
	return float64(h.sum) / float64(c)
}

// Min is the approximate smallest recorded value.
func (h *Histogram) Min() int64 {
	if h.Count() == 0 {
		return 0
	}
	return h.hdr.Min()
}

// Max is the approximate largest recorded value.
func (h *Histogram) Max() int64 {
	if h.Count() == 0 {
		return 0
	}
	return h.hdr.Max()
}

// Percentile returns the value at or above which p percent of recorded
// values lie, for p in [0,100]. The rank is round(p/100*count), at least 1.
// Empty histograms report 0.
func (h *Histogram) Percentile(p float64) int64 {
	if h.Count() == 0 {
		return 0
	}
	if p <= 0 || int64(p/100*float64(h.Count())+0.5) < 1 {
		return h.Min()
	}
	return h.hdr.ValueAtPercentile(p)
}

// Clone returns an independent copy.
func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		hdr: hdrhistogram.Import(h.hdr.Export()),
		sum: h.sum,
	}
}

// Equal reports whether both histograms hold the same counts and sum.
func (h *Histogram) Equal(other *Histogram) bool {
	return h.sum == other.sum && h.hdr.Equals(other.hdr)
}
