package aggregate

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TimerMergedView is the merged timer tree of a range.
type TimerMergedView struct {
	Root             *timertree.Node `json:"root"`
	TransactionCount uint64          `json:"transactionCount"`
}

// HistogramMergedView is the merged duration distribution of a range.
// Percentiles are computed from the histogram when asked for.
type HistogramMergedView struct {
	TransactionCount uint64
	TotalMicros      uint64
	ErrorCount       uint64
	Histogram        *histogram.Histogram
}

// P50 is the median transaction duration in microseconds.
func (v *HistogramMergedView) P50() int64 { return v.percentile(50) }

// P95 is the 95th percentile duration in microseconds.
func (v *HistogramMergedView) P95() int64 { return v.percentile(95) }

// P99 is the 99th percentile duration in microseconds.
func (v *HistogramMergedView) P99() int64 { return v.percentile(99) }

func (v *HistogramMergedView) percentile(p float64) int64 {
	if v.Histogram == nil {
		return 0
	}
	return v.Histogram.Percentile(p)
}

// MarshalJSON renders counts and the three percentiles.
func (v *HistogramMergedView) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TransactionCount uint64 `json:"transactionCount"`
		TotalMicros      uint64 `json:"totalMicros"`
		ErrorCount       uint64 `json:"errorCount"`
		P50              int64  `json:"p50"`
		P95              int64  `json:"p95"`
		P99              int64  `json:"p99"`
	}{v.TransactionCount, v.TotalMicros, v.ErrorCount, v.P50(), v.P95(), v.P99()})
}

// ThreadStatsMergedView holds thread resource counters summed over a range.
// A counter stays null when no bucket measured it.
type ThreadStatsMergedView struct {
	CPUMicros       nullable.Uint64 `json:"cpuMicros"`
	BlockedMicros   nullable.Uint64 `json:"blockedMicros"`
	WaitedMicros    nullable.Uint64 `json:"waitedMicros"`
	AllocatedKBytes nullable.Uint64 `json:"allocatedKBytes"`
}

// IsEmpty reports whether no counter was measured at all.
func (v ThreadStatsMergedView) IsEmpty() bool {
	return !v.CPUMicros.Valid() && !v.BlockedMicros.Valid() &&
		!v.WaitedMicros.Valid() && !v.AllocatedKBytes.Valid()
}

// ProfileMergedView is the merged call tree of a range.
type ProfileMergedView struct {
	Root *profile.Node `json:"root"`
}

// Views selects reductions for ReduceAll.
type Views uint8

const (
	ViewTimers Views = 1 << iota
	ViewHistogram
	ViewThreadStats
	ViewProfile

	AllViews = ViewTimers | ViewHistogram | ViewThreadStats | ViewProfile
)

// Has reports whether v includes every view in o.
func (v Views) Has(o Views) bool {
	return v&o == o
}

// MergedViews holds the results of ReduceAll. Unrequested views are nil.
type MergedViews struct {
	Timers       *TimerMergedView
	TimersReport *Report

	Histogram       *HistogramMergedView
	HistogramReport *Report

	ThreadStats *ThreadStatsMergedView

	Profile       *ProfileMergedView
	ProfileReport *Report
}
