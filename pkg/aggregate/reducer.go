package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

// View names used in logs and metrics.
const (
	viewTimers      = "timers"
	viewHistogram   = "histogram"
	viewThreadStats = "threads"
	viewProfile     = "profile"
	viewRollup      = "rollup"
)

// Reducer merges aggregates into views. Every reduction is a pure function
// of its input: each bucket is decoded on its own and folded into the
// result only once all of its payloads decoded, so a corrupt bucket never
// contributes partially. A Reducer is safe for concurrent use.
type Reducer struct {
	cfg config
}

// NewReducer creates a reducer.
func NewReducer(opts ...Option) *Reducer {
	cfg := defaultConfig()
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return &Reducer{cfg: cfg}
}

// Strict reports whether decode failures abort reductions.
func (r *Reducer) Strict() bool {
	return r.cfg.Strict
}

// decodeFailed records a failed bucket. In strict mode it returns the
// error that aborts the reduction.
func (r *Reducer) decodeFailed(report *Report, view, typ string, bucket time.Time, part string, err error) error {
	derr := &DecodeError{TransactionType: typ, Bucket: bucket, Part: part, Err: err}
	r.cfg.Logger.Warn("skipping bucket that failed to decode",
		zap.String("view", view),
		zap.String("transaction_type", typ),
		zap.Time("bucket", bucket),
		zap.String("part", part),
		zap.Bool("strict", r.cfg.Strict),
		zap.Error(err),
	)
	report.fail(derr)
	if r.cfg.Strict {
		return derr
	}
	return nil
}

// ReduceTimers merges the timer trees of aggs under one synthetic root and
// sums their transaction counts.
func (r *Reducer) ReduceTimers(aggs []Aggregate) (*TimerMergedView, *Report, error) {
	return r.reduceTimers(context.Background(), aggs)
}

func (r *Reducer) reduceTimers(ctx context.Context, aggs []Aggregate) (*TimerMergedView, *Report, error) {
	view := &TimerMergedView{Root: timertree.NewSyntheticRoot()}
	report := &Report{Buckets: len(aggs)}
	defer r.cfg.Metrics.observe(viewTimers, report)

	for i := range aggs {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		a := &aggs[i]
		tree, err := timertree.Decode(a.TimerTree)
		if err != nil {
			if err := r.decodeFailed(report, viewTimers, a.TransactionType, a.CaptureTime, PartTimerTree, err); err != nil {
				return nil, report, err
			}
			continue
		}
		timertree.MergeUnderRoot(view.Root, tree)
		view.TransactionCount += a.TransactionCount
		report.Contributed++
	}
	return view, report, nil
}

// ReduceHistogram merges the duration histograms of aggs and sums their
// transaction counts and totals.
func (r *Reducer) ReduceHistogram(aggs []Aggregate) (*HistogramMergedView, *Report, error) {
	return r.reduceHistogram(context.Background(), aggs)
}

func (r *Reducer) reduceHistogram(ctx context.Context, aggs []Aggregate) (*HistogramMergedView, *Report, error) {
	view := &HistogramMergedView{Histogram: histogram.New()}
	report := &Report{Buckets: len(aggs)}
	defer r.cfg.Metrics.observe(viewHistogram, report)

	for i := range aggs {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		a := &aggs[i]
		h, err := histogram.Decode(a.Histogram)
		if err != nil {
			if err := r.decodeFailed(report, viewHistogram, a.TransactionType, a.CaptureTime, PartHistogram, err); err != nil {
				return nil, report, err
			}
			continue
		}
		view.Histogram.Merge(h)
		view.TransactionCount += a.TransactionCount
		view.TotalMicros += a.TotalMicros
		view.ErrorCount += a.ErrorCount
		report.Contributed++
	}
	return view, report, nil
}

// ReduceThreadStats sums the thread counters of aggs. A counter no bucket
// measured stays null.
func (r *Reducer) ReduceThreadStats(aggs []Aggregate) *ThreadStatsMergedView {
	view := &ThreadStatsMergedView{}
	for i := range aggs {
		a := &aggs[i]
		view.CPUMicros = view.CPUMicros.Add(a.CPUMicros)
		view.BlockedMicros = view.BlockedMicros.Add(a.BlockedMicros)
		view.WaitedMicros = view.WaitedMicros.Add(a.WaitedMicros)
		view.AllocatedKBytes = view.AllocatedKBytes.Add(a.AllocatedKBytes)
	}
	return view
}

// ReduceProfile merges stored profiles under one synthetic root. Profiles
// overwritten by retention are counted as missing and skipped.
func (r *Reducer) ReduceProfile(sources []ProfileSource) (*ProfileMergedView, *Report, error) {
	return r.reduceProfile(context.Background(), sources)
}

func (r *Reducer) reduceProfile(ctx context.Context, sources []ProfileSource) (*ProfileMergedView, *Report, error) {
	view := &ProfileMergedView{Root: profile.NewSyntheticRoot()}
	report := &Report{Buckets: len(sources)}
	defer r.cfg.Metrics.observe(viewProfile, report)

	for i := range sources {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		s := &sources[i]
		tree, err := profile.Decode(s.Data)
		switch {
		case errors.Is(err, profile.ErrOverwritten):
			report.Missing++
			continue
		case err != nil:
			if err := r.decodeFailed(report, viewProfile, s.TransactionType, s.CaptureTime, PartProfile, err); err != nil {
				return nil, report, err
			}
			continue
		}
		if tree.Frame == profile.SyntheticRootFrame {
			profile.MergeInto(view.Root, tree)
		} else {
			view.Root.SampleCount += tree.SampleCount
			profile.MergeInto(view.Root.ChildOrCreate(tree.Frame), tree)
		}
		report.Contributed++
	}
	return view, report, nil
}

// ReduceAll runs the requested reductions concurrently. The first error,
// including a strict-mode decode failure, cancels the others.
func (r *Reducer) ReduceAll(ctx context.Context, aggs []Aggregate, profiles []ProfileSource, views Views) (*MergedViews, error) {
	out := &MergedViews{}
	g, ctx := errgroup.WithContext(ctx)

	if views.Has(ViewTimers) {
		g.Go(func() error {
			var err error
			out.Timers, out.TimersReport, err = r.reduceTimers(ctx, aggs)
			return err
		})
	}
	if views.Has(ViewHistogram) {
		g.Go(func() error {
			var err error
			out.Histogram, out.HistogramReport, err = r.reduceHistogram(ctx, aggs)
			return err
		})
	}
	if views.Has(ViewThreadStats) {
		g.Go(func() error {
			out.ThreadStats = r.ReduceThreadStats(aggs)
			return nil
		})
	}
	if views.Has(ViewProfile) {
		g.Go(func() error {
			var err error
			out.Profile, out.ProfileReport, err = r.reduceProfile(ctx, profiles)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Rollup merges aggs, all of one transaction type, into a single coarser
// aggregate. A bucket contributes only if both its timer tree and its
// histogram decode.
func (r *Reducer) Rollup(aggs []Aggregate, captureTime time.Time, res Resolution) (*Aggregate, *Report, error) {
	report := &Report{Buckets: len(aggs)}
	defer r.cfg.Metrics.observe(viewRollup, report)

	root := timertree.NewSyntheticRoot()
	hist := histogram.New()
	out := &Aggregate{CaptureTime: captureTime, Resolution: res}

	for i := range aggs {
		a := &aggs[i]
		if out.TransactionType == "" {
			out.TransactionType = a.TransactionType
		} else if a.TransactionType != out.TransactionType {
			return nil, report, fmt.Errorf("rollup mixes transaction types %q and %q", out.TransactionType, a.TransactionType)
		}

		tree, err := timertree.Decode(a.TimerTree)
		if err != nil {
			if err := r.decodeFailed(report, viewRollup, a.TransactionType, a.CaptureTime, PartTimerTree, err); err != nil {
				return nil, report, err
			}
			continue
		}
		h, err := histogram.Decode(a.Histogram)
		if err != nil {
			if err := r.decodeFailed(report, viewRollup, a.TransactionType, a.CaptureTime, PartHistogram, err); err != nil {
				return nil, report, err
			}
			continue
		}

		timertree.MergeUnderRoot(root, tree)
		hist.Merge(h)
		out.TransactionCount += a.TransactionCount
		out.TotalMicros += a.TotalMicros
		out.ErrorCount += a.ErrorCount
		out.CPUMicros = out.CPUMicros.Add(a.CPUMicros)
		out.BlockedMicros = out.BlockedMicros.Add(a.BlockedMicros)
		out.WaitedMicros = out.WaitedMicros.Add(a.WaitedMicros)
		out.AllocatedKBytes = out.AllocatedKBytes.Add(a.AllocatedKBytes)
		report.Contributed++
	}

	var err error
	if out.TimerTree, err = timertree.Encode(root); err != nil {
		return nil, report, fmt.Errorf("encode rolled up timer tree: %w", err)
	}
	out.Histogram = hist.Encode()
	return out, report, nil
}
