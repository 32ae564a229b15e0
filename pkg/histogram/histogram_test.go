package histogram

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// referencePercentile applies the rank rule documented on Percentile to the
// raw samples.
func referencePercentile(sorted []int64, p float64) int64 {
	rank := int(p/100*float64(len(sorted)) + 0.5)
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func assertWithinBound(t *testing.T, want, got int64, msgAndArgs ...interface{}) {
	t.Helper()
	assert.GreaterOrEqual(t, got, want, msgAndArgs...)
	assert.LessOrEqual(t, float64(got-want), RelativeError*float64(want), msgAndArgs...)
}

func TestHistogram_RecordAndStats(t *testing.T) {
	h := New()
	require.NoError(t, h.Record(100))
	require.NoError(t, h.RecordN(300, 3))
	require.NoError(t, h.RecordN(7, 0))

	assert.Equal(t, int64(4), h.Count())
	assert.Equal(t, int64(1000), h.Sum())
	assert.Equal(t, 250.0, h.Mean())
	assert.Equal(t, int64(100), h.Min())
	assertWithinBound(t, 300, h.Max())

	assert.Error(t, h.Record(-1))
	assert.Error(t, h.RecordN(5, -2))
	assert.Equal(t, int64(4), h.Count())
}

func TestHistogram_ClampsHugeValues(t *testing.T) {
	h := New()
	require.NoError(t, h.Record(HighestTrackable*10))

	assert.Equal(t, int64(1), h.Count())
	assert.Equal(t, HighestTrackable*10, h.Sum())
	assertWithinBound(t, HighestTrackable, h.Percentile(100))
}

func TestHistogram_SumSaturates(t *testing.T) {
	h := New()
	require.NoError(t, h.Record(math.MaxInt64/2))
	require.NoError(t, h.Record(math.MaxInt64/2+2))
	assert.Equal(t, int64(math.MaxInt64), h.Sum())

	other := New()
	require.NoError(t, other.RecordN(math.MaxInt64/4, 8))
	assert.Equal(t, int64(math.MaxInt64), other.Sum())

	h.Merge(other)
	assert.Equal(t, int64(math.MaxInt64), h.Sum())
	assert.Equal(t, int64(10), h.Count())

	decoded, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.True(t, h.Equal(decoded))
}

func TestHistogram_Empty(t *testing.T) {
	h := New()
	assert.Equal(t, int64(0), h.Count())
	assert.Equal(t, int64(0), h.Percentile(50))
	assert.Equal(t, int64(0), h.Min())
	assert.Equal(t, int64(0), h.Max())
	assert.Equal(t, 0.0, h.Mean())
}

func TestHistogram_PercentilesWithinBound(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := New()
	samples := make([]int64, 0, 20000)
	for i := 0; i < 20000; i++ {
		v := 1 + rng.Int63n(2_000_000)
		samples = append(samples, v)
		require.NoError(t, h.Record(v))
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	for _, p := range []float64{1, 10, 25, 50, 75, 90, 95, 99, 99.9, 100} {
		assertWithinBound(t, referencePercentile(samples, p), h.Percentile(p), "p%v", p)
	}
}

func TestHistogram_MergeMatchesUnion(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var union []int64
	parts := make([]*Histogram, 5)
	for i := range parts {
		parts[i] = New()
		for j := 0; j < 3000; j++ {
			v := rng.Int63n(int64(i+1) * 50_000)
			union = append(union, v)
			require.NoError(t, parts[i].Record(v))
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })

	forward, backward := New(), New()
	for i := range parts {
		forward.Merge(parts[i])
		backward.Merge(parts[len(parts)-1-i])
	}

	assert.True(t, forward.Equal(backward))
	assert.Equal(t, int64(len(union)), forward.Count())
	var sum int64
	for _, v := range union {
		sum += v
	}
	assert.Equal(t, sum, forward.Sum())

	for _, p := range []float64{50, 95, 99} {
		want := referencePercentile(union, p)
		got := forward.Percentile(p)
		if want == 0 {
			assert.Equal(t, int64(0), got)
			continue
		}
		assertWithinBound(t, want, got, "p%v", p)
	}
}

// Three one-minute buckets of 10x100µs, 20x200µs and 5x50µs merge to a
// median of 200µs, the same as the raw union.
func TestHistogram_BucketScenario(t *testing.T) {
	buckets := []struct {
		value, n int64
	}{{100, 10}, {200, 20}, {50, 5}}

	var union []int64
	merged := New()
	for _, b := range buckets {
		h := New()
		require.NoError(t, h.RecordN(b.value, b.n))
		decoded, err := Decode(h.Encode())
		require.NoError(t, err)
		merged.Merge(decoded)
		for i := int64(0); i < b.n; i++ {
			union = append(union, b.value)
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })

	assert.Equal(t, int64(35), merged.Count())
	assert.Equal(t, int64(200), merged.Percentile(50))
	assert.Equal(t, referencePercentile(union, 50), merged.Percentile(50))
	assert.Equal(t, int64(200), merged.Percentile(95))
	assert.Equal(t, int64(50), merged.Percentile(0))
}

func TestHistogram_CloneIsIndependent(t *testing.T) {
	h := New()
	require.NoError(t, h.Record(10))
	c := h.Clone()
	require.NoError(t, c.Record(20))

	assert.Equal(t, int64(1), h.Count())
	assert.Equal(t, int64(2), c.Count())
}
