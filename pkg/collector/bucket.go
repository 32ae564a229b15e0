package collector

import (
	"fmt"
	"time"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/timertree"
	"github.com/nicktill/tinyapm/pkg/trace"
)

type bucketKey struct {
	typ string
	end time.Time
}

// bucket accumulates the transactions of one type ending in one minute.
type bucket struct {
	key bucketKey

	count       uint64
	totalMicros uint64
	errors      uint64
	timers      *timertree.Node
	hist        *histogram.Histogram
	stats       trace.ThreadStats
	profile     *profile.Node
}

func newBucket(key bucketKey) *bucket {
	return &bucket{
		key:     key,
		timers:  timertree.NewSyntheticRoot(),
		hist:    histogram.New(),
		profile: profile.NewSyntheticRoot(),
	}
}

func (b *bucket) add(c *trace.Completed) error {
	micros := c.Duration.Microseconds()
	if err := b.hist.Record(micros); err != nil {
		return fmt.Errorf("record duration: %w", err)
	}

	b.stats = trace.ThreadStats{
		CPUMicros:       b.stats.CPUMicros.Add(c.ThreadStats.CPUMicros),
		BlockedMicros:   b.stats.BlockedMicros.Add(c.ThreadStats.BlockedMicros),
		WaitedMicros:    b.stats.WaitedMicros.Add(c.ThreadStats.WaitedMicros),
		AllocatedKBytes: b.stats.AllocatedKBytes.Add(c.ThreadStats.AllocatedKBytes),
	}

	b.count++
	b.totalMicros += uint64(micros)
	if c.Failed() {
		b.errors++
	}
	if c.Timers != nil {
		timertree.MergeUnderRoot(b.timers, c.Timers)
	}
	if p := c.Profile; p != nil {
		if p.Frame == profile.SyntheticRootFrame {
			profile.MergeInto(b.profile, p)
		} else {
			b.profile.SampleCount += p.SampleCount
			profile.MergeInto(b.profile.ChildOrCreate(p.Frame), p)
		}
	}
	return nil
}

// finalize encodes the bucket. The profile is nil when no samples were
// collected.
func (b *bucket) finalize() (*aggregate.Aggregate, *aggregate.ProfileSource, error) {
	tree, err := timertree.Encode(b.timers)
	if err != nil {
		return nil, nil, fmt.Errorf("encode timer tree: %w", err)
	}
	agg := &aggregate.Aggregate{
		TransactionType:  b.key.typ,
		CaptureTime:      b.key.end,
		Resolution:       aggregate.Resolution1m,
		TransactionCount: b.count,
		TotalMicros:      b.totalMicros,
		ErrorCount:       b.errors,
		TimerTree:        tree,
		Histogram:        b.hist.Encode(),
		CPUMicros:        b.stats.CPUMicros,
		BlockedMicros:    b.stats.BlockedMicros,
		WaitedMicros:     b.stats.WaitedMicros,
		AllocatedKBytes:  b.stats.AllocatedKBytes,
	}
	if b.profile.TotalSamples() == 0 {
		return agg, nil, nil
	}
	data, err := profile.Encode(b.profile)
	if err != nil {
		return nil, nil, fmt.Errorf("encode profile: %w", err)
	}
	return agg, &aggregate.ProfileSource{
		TransactionType: b.key.typ,
		CaptureTime:     b.key.end,
		Resolution:      aggregate.Resolution1m,
		Data:            data,
	}, nil
}
