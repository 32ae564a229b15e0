package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

func scenario(t *testing.T) []Aggregate {
	return []Aggregate{
		bucket(t, 0, 10, 100),
		bucket(t, 1, 20, 200),
		bucket(t, 2, 5, 50),
	}
}

func TestReduceHistogram_Scenario(t *testing.T) {
	view, report, err := NewReducer().ReduceHistogram(scenario(t))
	require.NoError(t, err)

	assert.Equal(t, uint64(35), view.TransactionCount)
	assert.Equal(t, uint64(10*100+20*200+5*50), view.TotalMicros)
	assert.Equal(t, int64(35), view.Histogram.Count())
	assert.Equal(t, int64(200), view.P50())
	assert.Equal(t, int64(200), view.P95())
	assert.Equal(t, int64(200), view.P99())
	assert.Equal(t, "3 of 3 buckets contributed; 0 decode failures", report.String())
	assert.NoError(t, report.Err())

	data, err := json.Marshal(view)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transactionCount":35,"totalMicros":5250,"errorCount":0,"p50":200,"p95":200,"p99":200}`, string(data))
}

func TestReduceTimers(t *testing.T) {
	view, report, err := NewReducer().ReduceTimers(scenario(t))
	require.NoError(t, err)

	assert.True(t, view.Root.IsSyntheticRoot())
	assert.Equal(t, uint64(35), view.TransactionCount)
	req := view.Root.Child("http request")
	require.NotNil(t, req)
	assert.Equal(t, int64(35), req.Count)
	assert.Equal(t, int64(5250*1000), req.Total)
	assert.Equal(t, int64(50*1000), req.Min)
	assert.Equal(t, int64(200*1000), req.Max)
	assert.Equal(t, 3, report.Contributed)
}

func TestReduce_EmptyInput(t *testing.T) {
	r := NewReducer()

	timers, report, err := r.ReduceTimers(nil)
	require.NoError(t, err)
	assert.Empty(t, timers.Root.Children())
	assert.Equal(t, 0, report.Buckets)

	hist, _, err := r.ReduceHistogram(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), hist.P99())

	assert.True(t, r.ReduceThreadStats(nil).IsEmpty())
}

func TestReduceThreadStats_NullPropagation(t *testing.T) {
	r := NewReducer()

	view := r.ReduceThreadStats([]Aggregate{
		{CPUMicros: nullable.Null(), WaitedMicros: nullable.Of(1)},
		{CPUMicros: nullable.Of(5), WaitedMicros: nullable.Of(2)},
	})
	assert.Equal(t, nullable.Of(5), view.CPUMicros)
	assert.Equal(t, nullable.Of(3), view.WaitedMicros)
	assert.False(t, view.BlockedMicros.Valid())
	assert.False(t, view.AllocatedKBytes.Valid())
	assert.False(t, view.IsEmpty())

	empty := r.ReduceThreadStats([]Aggregate{{}, {}})
	assert.True(t, empty.IsEmpty())

	data, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpuMicros":null,"blockedMicros":null,"waitedMicros":null,"allocatedKBytes":null}`, string(data))
}

func TestReduce_DecodeFailureIsPartialResult(t *testing.T) {
	aggs := scenario(t)
	aggs[1].Histogram = aggs[1].Histogram[:5]
	aggs[2].TimerTree = []byte(`{"name":`)

	core, logs := observer.New(zap.WarnLevel)
	reg := prometheus.NewRegistry()
	r := NewReducer(WithLogger(zap.New(core)), WithMetrics(NewReducerMetrics(reg)))

	hist, report, err := r.ReduceHistogram(aggs)
	require.NoError(t, err)
	// the corrupt bucket contributes neither its histogram nor its counters
	assert.Equal(t, uint64(15), hist.TransactionCount)
	assert.Equal(t, int64(15), hist.Histogram.Count())
	assert.Equal(t, "2 of 3 buckets contributed; 1 decode failures", report.String())
	assert.True(t, report.Partial())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, PartHistogram, report.Failures[0].Part)
	assert.Equal(t, aggs[1].CaptureTime, report.Failures[0].Bucket)
	var hde *histogram.DecodeError
	assert.True(t, errors.As(report.Err(), &hde))

	timers, report, err := r.ReduceTimers(aggs)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), timers.TransactionCount)
	assert.Equal(t, int64(30), timers.Root.Child("http request").Count)
	var tde *timertree.DecodeError
	assert.True(t, errors.As(report.Err(), &tde))

	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cfg.Metrics.decodeFailures.WithLabelValues(viewHistogram, PartHistogram)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.cfg.Metrics.buckets.WithLabelValues(viewTimers)))
}

func TestReduce_StrictModeAborts(t *testing.T) {
	aggs := scenario(t)
	aggs[0].Histogram = nil

	view, report, err := NewReducer(WithStrict(true)).ReduceHistogram(aggs)
	require.Error(t, err)
	assert.Nil(t, view)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, PartHistogram, de.Part)
	assert.Equal(t, 0, report.Contributed)
	assert.Len(t, report.Failures, 1)
}

func encodeProfile(t *testing.T, stacks ...[]string) []byte {
	t.Helper()
	root, err := profile.FromStacks(stacks, nil)
	require.NoError(t, err)
	data, err := profile.Encode(root)
	require.NoError(t, err)
	return data
}

func TestReduceProfile(t *testing.T) {
	sources := []ProfileSource{
		{TransactionType: "Web", CaptureTime: base, Data: encodeProfile(t, []string{"main", "a"}, []string{"main", "b"})},
		{TransactionType: "Web", CaptureTime: base.Add(time.Minute), Data: profile.Overwritten},
		{TransactionType: "Web", CaptureTime: base.Add(2 * time.Minute), Data: nil},
		{TransactionType: "Web", CaptureTime: base.Add(3 * time.Minute), Data: encodeProfile(t, []string{"main", "a"})},
		{TransactionType: "Web", CaptureTime: base.Add(4 * time.Minute), Data: []byte("{broken")},
	}

	view, report, err := NewReducer().ReduceProfile(sources)
	require.NoError(t, err)

	assert.Equal(t, int64(3), view.Root.TotalSamples())
	assert.Equal(t, int64(2), view.Root.Child("main").Child("a").SampleCount)
	assert.Equal(t, 5, report.Buckets)
	assert.Equal(t, 3, report.Contributed)
	assert.Equal(t, 1, report.Missing)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, PartProfile, report.Failures[0].Part)

	_, _, err = NewReducer(WithStrict(true)).ReduceProfile(sources[:4])
	assert.NoError(t, err, "overwritten profiles never fail strict reductions")
}

func TestReduceAll(t *testing.T) {
	aggs := scenario(t)
	aggs[0].CPUMicros = nullable.Of(10)
	profiles := []ProfileSource{{Data: encodeProfile(t, []string{"x"})}}

	out, err := NewReducer().ReduceAll(context.Background(), aggs, profiles, AllViews)
	require.NoError(t, err)
	assert.Equal(t, uint64(35), out.Timers.TransactionCount)
	assert.Equal(t, int64(200), out.Histogram.P50())
	assert.Equal(t, nullable.Of(10), out.ThreadStats.CPUMicros)
	assert.Equal(t, int64(1), out.Profile.Root.TotalSamples())
	assert.Equal(t, 1, out.ProfileReport.Contributed)

	out, err = NewReducer().ReduceAll(context.Background(), aggs, nil, ViewHistogram)
	require.NoError(t, err)
	assert.Nil(t, out.Timers)
	assert.Nil(t, out.ThreadStats)
	assert.NotNil(t, out.Histogram)
}

func TestReduceAll_StrictFailureCancels(t *testing.T) {
	aggs := scenario(t)
	aggs[2].TimerTree = []byte("nope")

	out, err := NewReducer(WithStrict(true)).ReduceAll(context.Background(), aggs, nil, ViewTimers|ViewHistogram)
	require.Error(t, err)
	assert.Nil(t, out)
	var tde *timertree.DecodeError
	assert.True(t, errors.As(err, &tde))
}

func TestReduceAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReducer().ReduceAll(ctx, scenario(t), nil, ViewTimers)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRollup(t *testing.T) {
	aggs := scenario(t)
	aggs[0].ErrorCount = 1
	aggs[1].BlockedMicros = nullable.Of(7)
	end := base.Add(5 * time.Minute)

	rolled, report, err := NewReducer().Rollup(aggs, end, Resolution5m)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Contributed)

	assert.Equal(t, "Web", rolled.TransactionType)
	assert.Equal(t, Resolution5m, rolled.Resolution)
	assert.Equal(t, end, rolled.CaptureTime)
	assert.Equal(t, uint64(35), rolled.TransactionCount)
	assert.Equal(t, uint64(1), rolled.ErrorCount)
	assert.Equal(t, nullable.Of(7), rolled.BlockedMicros)
	assert.False(t, rolled.CPUMicros.Valid())

	// rolling up and then reducing gives the same views as reducing directly
	direct, _, err := NewReducer().ReduceHistogram(aggs)
	require.NoError(t, err)
	viaRollup, _, err := NewReducer().ReduceHistogram([]Aggregate{*rolled})
	require.NoError(t, err)
	assert.True(t, direct.Histogram.Equal(viaRollup.Histogram))

	directTimers, _, err := NewReducer().ReduceTimers(aggs)
	require.NoError(t, err)
	rolledTimers, _, err := NewReducer().ReduceTimers([]Aggregate{*rolled})
	require.NoError(t, err)
	assert.True(t, timertree.Equal(directTimers.Root, rolledTimers.Root))
}

func TestRollup_RejectsMixedTypes(t *testing.T) {
	aggs := scenario(t)
	aggs[1].TransactionType = "Background"

	_, _, err := NewReducer().Rollup(aggs, base, Resolution5m)
	assert.Error(t, err)
}
