package query

import (
	"fmt"
	"time"

	"github.com/nicktill/tinyapm/pkg/aggregate"
)

// Request selects the buckets of one transaction type over (Start, End].
type Request struct {
	TransactionType string
	Start           time.Time
	End             time.Time
	// Resolution is chosen from the range when empty.
	Resolution aggregate.Resolution
	// Strict fails the query on the first bucket that does not decode.
	Strict bool
}

func (r Request) validate() error {
	if r.TransactionType == "" {
		return fmt.Errorf("transaction type is required")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("start must be before end")
	}
	if r.Resolution != "" && !r.Resolution.Valid() {
		return fmt.Errorf("unknown resolution %q", r.Resolution)
	}
	return nil
}

func (r Request) key(view string) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%t",
		view, r.TransactionType, r.Resolution, r.Start.UnixNano(), r.End.UnixNano(), r.Strict)
}

// TimersResult is the merged timer tree of a range.
type TimersResult struct {
	View   *aggregate.TimerMergedView `json:"view"`
	Report *aggregate.Report          `json:"report"`
}

// HistogramResult is the merged duration distribution of a range.
type HistogramResult struct {
	View   *aggregate.HistogramMergedView `json:"view"`
	Report *aggregate.Report              `json:"report"`
}

// ThreadStatsResult holds the thread counters of a range.
type ThreadStatsResult struct {
	View  *aggregate.ThreadStatsMergedView `json:"view"`
	Empty bool                             `json:"empty"`
}

// ProfileResult is the merged call tree of a range.
type ProfileResult struct {
	View   *aggregate.ProfileMergedView `json:"view"`
	Report *aggregate.Report            `json:"report"`
}
