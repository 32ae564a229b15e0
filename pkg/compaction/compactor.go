package compaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// Compactor rolls fine buckets into coarser ones and applies retention.
type Compactor struct {
	storage storage.Storage
	reducer *aggregate.Reducer
	policy  Policy
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithPolicy replaces the default retention policy.
func WithPolicy(p Policy) Option {
	return func(c *Compactor) { c.policy = p }
}

// WithReducer sets the reducer used to merge buckets.
func WithReducer(r *aggregate.Reducer) Option {
	return func(c *Compactor) { c.reducer = r }
}

// WithLogger sets the compactor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Compactor) { c.logger = l }
}

// New creates a new compactor
func New(store storage.Storage, opts ...Option) *Compactor {
	c := &Compactor{
		storage: store,
		policy:  DefaultPolicy(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reducer == nil {
		c.reducer = aggregate.NewReducer(aggregate.WithLogger(c.logger))
	}
	return c
}

type groupKey struct {
	typ string
	end time.Time
}

// Rollup merges the from-resolution buckets captured in (start, end] into
// to-resolution buckets. Only target buckets that lie wholly inside the
// range are written, and targets that already exist are left alone, so
// running it twice over the same range is safe.
func (c *Compactor) Rollup(ctx context.Context, from, to aggregate.Resolution, start, end time.Time) (Result, error) {
	var res Result
	if !from.Valid() || !to.Valid() || to.Duration() <= from.Duration() {
		return res, fmt.Errorf("cannot roll %s buckets into %s", from, to)
	}
	if !start.Before(end) {
		return res, nil
	}

	sources, err := c.storage.QueryAggregates(ctx, storage.QueryRequest{Start: start, End: end, Resolution: from})
	if err != nil {
		return res, fmt.Errorf("failed to query %s aggregates: %w", from, err)
	}
	existing, err := c.storage.QueryAggregates(ctx, storage.QueryRequest{Start: start, End: end, Resolution: to})
	if err != nil {
		return res, fmt.Errorf("failed to query %s aggregates: %w", to, err)
	}
	done := make(map[groupKey]bool, len(existing))
	for _, a := range existing {
		done[groupKey{a.TransactionType, a.CaptureTime.UTC()}] = true
	}

	groups := make(map[groupKey][]aggregate.Aggregate)
	for _, a := range sources {
		target := to.BucketEnd(a.CaptureTime).UTC()
		// the target bucket must lie inside (start, end]
		if target.After(end) || target.Add(-to.Duration()).Before(start) {
			continue
		}
		k := groupKey{a.TransactionType, target}
		groups[k] = append(groups[k], a)
	}

	var errs *multierror.Error
	for _, k := range sortedKeys(groups) {
		res.Targets++
		if done[k] {
			res.AlreadyCompacted++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rolled, report, err := c.reducer.Rollup(groups[k], k.end, to)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s %s@%s: %w", to, k.typ, k.end.Format(time.RFC3339), err))
			continue
		}
		if report.Contributed == 0 {
			c.logger.Warn("no source bucket decoded, skipping rollup",
				zap.String("transaction_type", k.typ),
				zap.Time("capture_time", k.end),
				zap.String("resolution", string(to)),
				zap.Stringer("report", report))
			continue
		}
		if report.Partial() {
			res.Partial++
			c.logger.Warn("partial rollup",
				zap.String("transaction_type", k.typ),
				zap.Time("capture_time", k.end),
				zap.String("resolution", string(to)),
				zap.Stringer("report", report))
		}

		if err := c.storage.WriteAggregate(ctx, rolled); err != nil {
			if errors.Is(err, storage.ErrBucketFinalized) {
				res.AlreadyCompacted++
				continue
			}
			errs = multierror.Append(errs, fmt.Errorf("failed to write %s aggregate: %w", to, err))
			continue
		}
		res.Written++
	}

	n, err := c.rollupProfiles(ctx, from, to, start, end)
	res.Profiles = n
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return res, errs.ErrorOrNil()
}

func (c *Compactor) rollupProfiles(ctx context.Context, from, to aggregate.Resolution, start, end time.Time) (int, error) {
	sources, err := c.storage.QueryProfiles(ctx, storage.QueryRequest{Start: start, End: end, Resolution: from})
	if err != nil {
		return 0, fmt.Errorf("failed to query %s profiles: %w", from, err)
	}
	groups := make(map[groupKey][]aggregate.ProfileSource)
	for _, p := range sources {
		target := to.BucketEnd(p.CaptureTime).UTC()
		if target.After(end) || target.Add(-to.Duration()).Before(start) {
			continue
		}
		k := groupKey{p.TransactionType, target}
		groups[k] = append(groups[k], p)
	}

	var errs *multierror.Error
	written := 0
	for _, k := range sortedKeys(groups) {
		view, _, err := c.reducer.ReduceProfile(groups[k])
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if view.Root.TotalSamples() == 0 {
			// every source was empty or overwritten
			continue
		}
		data, err := profile.Encode(view.Root)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		err = c.storage.WriteProfile(ctx, &aggregate.ProfileSource{
			TransactionType: k.typ,
			CaptureTime:     k.end,
			Resolution:      to,
			Data:            data,
		})
		if err != nil {
			if !errors.Is(err, storage.ErrBucketFinalized) {
				errs = multierror.Append(errs, fmt.Errorf("failed to write %s profile: %w", to, err))
			}
			continue
		}
		written++
	}
	return written, errs.ErrorOrNil()
}

// CompactAndCleanup performs rollups and applies retention.
// This is the main compaction job that should run periodically
func (c *Compactor) CompactAndCleanup(ctx context.Context) (Result, error) {
	now := c.now().UTC()
	p := c.policy
	var total Result

	// Step 1: roll closed 5m windows still covered by 1m data
	end5m := now.Add(-p.Rollup5mDelay).Truncate(5 * time.Minute)
	res, err := c.Rollup(ctx, aggregate.Resolution1m, aggregate.Resolution5m, end5m.Add(-p.Retention1m), end5m)
	total.add(res)
	if err != nil {
		return total, fmt.Errorf("5m rollup failed: %w", err)
	}

	// Step 2: the same for 1h windows over 5m data
	end1h := now.Add(-p.Rollup1hDelay).Truncate(time.Hour)
	res, err = c.Rollup(ctx, aggregate.Resolution5m, aggregate.Resolution1h, end1h.Add(-p.Retention5m), end1h)
	total.add(res)
	if err != nil {
		return total, fmt.Errorf("1h rollup failed: %w", err)
	}

	// Step 3: retention per resolution
	for _, r := range []struct {
		res aggregate.Resolution
		ttl time.Duration
	}{
		{aggregate.Resolution1m, p.Retention1m},
		{aggregate.Resolution5m, p.Retention5m},
		{aggregate.Resolution1h, p.Retention1h},
	} {
		if err := c.storage.DeleteAggregates(ctx, storage.DeleteOptions{Before: now.Add(-r.ttl), Resolution: r.res}); err != nil {
			return total, fmt.Errorf("failed to delete old %s aggregates: %w", r.res, err)
		}
	}

	// Step 4: profiles lose their samples first
	n, err := c.storage.OverwriteProfiles(ctx, now.Add(-p.ProfileRetention))
	if err != nil {
		return total, fmt.Errorf("failed to overwrite old profiles: %w", err)
	}
	if n > 0 {
		c.logger.Info("overwrote expired profiles", zap.Int("profiles", n))
	}
	return total, nil
}

func sortedKeys[V any](m map[groupKey]V) []groupKey {
	keys := make([]groupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].end.Equal(keys[j].end) {
			return keys[i].end.Before(keys[j].end)
		}
		return keys[i].typ < keys[j].typ
	})
	return keys
}
