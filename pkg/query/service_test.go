package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func writeBucket(t *testing.T, store storage.Storage, minute int, n, micros int64) {
	t.Helper()
	root := timertree.NewSyntheticRoot()
	d := micros * 1000
	root.ChildOrCreate("request").Record(d*n, d, d, n)
	tree, err := timertree.Encode(root)
	require.NoError(t, err)
	h := histogram.New()
	require.NoError(t, h.RecordN(micros, n))

	require.NoError(t, store.WriteAggregate(context.Background(), &aggregate.Aggregate{
		TransactionType:  "Web",
		CaptureTime:      base.Add(time.Duration(minute+1) * time.Minute),
		Resolution:       aggregate.Resolution1m,
		TransactionCount: uint64(n),
		TotalMicros:      uint64(n * micros),
		TimerTree:        tree,
		Histogram:        h.Encode(),
		CPUMicros:        nullable.Of(uint64(n)),
	}))
}

func writeCorrupt(t *testing.T, store storage.Storage, minute int) {
	t.Helper()
	require.NoError(t, store.WriteAggregate(context.Background(), &aggregate.Aggregate{
		TransactionType:  "Web",
		CaptureTime:      base.Add(time.Duration(minute+1) * time.Minute),
		Resolution:       aggregate.Resolution1m,
		TransactionCount: 99,
		TimerTree:        []byte("{"),
		Histogram:        []byte("nope"),
	}))
}

func newTestService(t *testing.T, store storage.Storage, finalized time.Time) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Now = func() time.Time { return base.Add(time.Hour) }
	cfg.FinalizedThrough = func() time.Time { return finalized }
	s, err := NewService(store, cfg)
	require.NoError(t, err)
	return s
}

func webRequest(end time.Duration) Request {
	return Request{TransactionType: "Web", Start: base, End: base.Add(end), Resolution: aggregate.Resolution1m}
}

func TestServiceViews(t *testing.T) {
	store := memory.New()
	writeBucket(t, store, 0, 10, 100)
	writeBucket(t, store, 1, 20, 200)
	writeBucket(t, store, 2, 5, 50)
	s := newTestService(t, store, base)
	ctx := context.Background()

	hist, err := s.Histogram(ctx, webRequest(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(35), hist.View.TransactionCount)
	assert.Equal(t, int64(200), hist.View.P50())
	assert.Equal(t, 3, hist.Report.Contributed)

	timers, err := s.Timers(ctx, webRequest(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(35), timers.View.Root.Child("request").Count)

	threads, err := s.ThreadStats(ctx, webRequest(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, nullable.Of(35), threads.View.CPUMicros)
	assert.False(t, threads.Empty)

	prof, err := s.Profile(ctx, webRequest(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), prof.View.Root.TotalSamples())

	// (12:00, 12:02] excludes the third bucket
	hist, err = s.Histogram(ctx, webRequest(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), hist.View.TransactionCount)
}

func TestServiceCachesSettledRanges(t *testing.T) {
	store := memory.New()
	writeBucket(t, store, 0, 10, 100)
	s := newTestService(t, store, base.Add(10*time.Minute))
	ctx := context.Background()

	first, err := s.Histogram(ctx, webRequest(10*time.Minute))
	require.NoError(t, err)

	// a bucket that could not have been written yet; the settled range
	// keeps serving the cached result
	writeBucket(t, store, 5, 10, 100)
	second, err := s.Histogram(ctx, webRequest(10*time.Minute))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.hits))

	// ranges reaching past the finalized point are always recomputed
	open1, err := s.Histogram(ctx, webRequest(20*time.Minute))
	require.NoError(t, err)
	writeBucket(t, store, 15, 1, 100)
	open2, err := s.Histogram(ctx, webRequest(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, open1.View.TransactionCount+1, open2.View.TransactionCount)

	s.Purge()
	third, err := s.Histogram(ctx, webRequest(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), third.View.TransactionCount)
}

func TestServiceStrict(t *testing.T) {
	store := memory.New()
	writeBucket(t, store, 0, 10, 100)
	writeCorrupt(t, store, 1)
	s := newTestService(t, store, base.Add(time.Hour))
	ctx := context.Background()

	lenient, err := s.Histogram(ctx, webRequest(time.Hour))
	require.NoError(t, err)
	assert.True(t, lenient.Report.Partial())
	assert.Equal(t, uint64(10), lenient.View.TransactionCount)

	req := webRequest(time.Hour)
	req.Strict = true
	_, err = s.Histogram(ctx, req)
	var derr *aggregate.DecodeError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, aggregate.PartHistogram, derr.Part)

	// strict and lenient results are cached apart
	_, err = s.Timers(ctx, req)
	assert.Error(t, err)
}

func TestServiceProfileMissing(t *testing.T) {
	store := memory.New()
	root, err := profile.FromStacks([][]string{{"main"}}, []int64{4})
	require.NoError(t, err)
	data, err := profile.Encode(root)
	require.NoError(t, err)
	for m, d := range [][]byte{data, profile.Overwritten} {
		require.NoError(t, store.WriteProfile(context.Background(), &aggregate.ProfileSource{
			TransactionType: "Web",
			CaptureTime:     base.Add(time.Duration(m+1) * time.Minute),
			Resolution:      aggregate.Resolution1m,
			Data:            d,
		}))
	}
	s := newTestService(t, store, base)

	res, err := s.Profile(context.Background(), webRequest(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.View.Root.TotalSamples())
	assert.Equal(t, 1, res.Report.Missing)
	assert.Equal(t, 1, res.Report.Contributed)
}

func TestServiceResolve(t *testing.T) {
	s := newTestService(t, memory.New(), base)
	now := base.Add(time.Hour)

	tests := []struct {
		start time.Time
		want  aggregate.Resolution
	}{
		{now.Add(-time.Hour), aggregate.Resolution1m},
		{now.Add(-5 * 24 * time.Hour), aggregate.Resolution5m},
		{now.Add(-30 * 24 * time.Hour), aggregate.Resolution1h},
		{now.Add(-5 * 365 * 24 * time.Hour), aggregate.Resolution1h},
	}
	for _, tt := range tests {
		got := s.Resolve(Request{TransactionType: "Web", Start: tt.start, End: now})
		assert.Equal(t, tt.want, got.Resolution, "start %v", tt.start)
	}

	explicit := s.Resolve(Request{Start: now.Add(-time.Hour), Resolution: aggregate.Resolution1h})
	assert.Equal(t, aggregate.Resolution1h, explicit.Resolution)
}

func TestServiceRejectsBadRequest(t *testing.T) {
	s := newTestService(t, memory.New(), base)
	_, err := s.Timers(context.Background(), Request{Start: base, End: base.Add(time.Hour)})
	var reqErr *RequestError
	assert.True(t, errors.As(err, &reqErr))

	_, err = s.Timers(context.Background(), Request{TransactionType: "Web", Start: base, End: base})
	assert.True(t, errors.As(err, &reqErr))
}

// gatedStore blocks QueryAggregates until released.
type gatedStore struct {
	storage.Storage
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedStore) QueryAggregates(ctx context.Context, req storage.QueryRequest) ([]aggregate.Aggregate, error) {
	g.calls.Add(1)
	<-g.release
	return g.Storage.QueryAggregates(ctx, req)
}

func TestServiceCoalescesConcurrentRequests(t *testing.T) {
	inner := memory.New()
	writeBucket(t, inner, 0, 10, 100)
	store := &gatedStore{Storage: inner, release: make(chan struct{})}
	s := newTestService(t, store, base)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*HistogramResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Histogram(context.Background(), webRequest(time.Hour))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.misses) == callers
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestServiceCallerCancellation(t *testing.T) {
	inner := memory.New()
	store := &gatedStore{Storage: inner, release: make(chan struct{})}
	s := newTestService(t, store, base)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Histogram(ctx, webRequest(time.Hour))
		done <- err
	}()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(store.release)
}
