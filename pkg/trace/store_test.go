package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func completed(id string, startOffset, d time.Duration) *Completed {
	return &Completed{
		ID:              TraceID(id),
		TransactionType: "Web",
		Name:            "GET /" + id,
		Start:           base.Add(startOffset),
		Duration:        d,
	}
}

func TestStorePutGetQuery(t *testing.T) {
	s := NewStore(0, 0)
	s.now = func() time.Time { return base.Add(time.Hour) }

	require.NoError(t, s.Put(completed("a", 0, time.Second)))
	require.NoError(t, s.Put(completed("b", time.Minute, time.Second)))
	require.NoError(t, s.Put(completed("c", 2*time.Minute, time.Second)))
	assert.Error(t, s.Put(nil))
	assert.Error(t, s.Put(&Completed{}))

	got, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, "GET /b", got.Name)
	_, ok = s.Get("zzz")
	assert.False(t, ok)

	res := s.Query(base, base.Add(2*time.Minute), 0)
	require.Len(t, res, 2)
	assert.Equal(t, TraceID("b"), res[0].ID, "newest first")
	assert.Equal(t, TraceID("a"), res[1].ID)

	res = s.Query(base, base.Add(time.Hour), 1)
	require.Len(t, res, 1)
	assert.Equal(t, TraceID("c"), res[0].ID)
}

func TestStoreFinishedTraceNotReplacedBySnapshot(t *testing.T) {
	s := NewStore(0, 0)
	done := completed("a", 0, 3*time.Second)
	require.NoError(t, s.Put(done))

	snap := completed("a", 0, time.Second)
	snap.Active = true
	require.NoError(t, s.Put(snap))

	got, _ := s.Get("a")
	assert.False(t, got.Active)

	// but a final trace replaces a snapshot
	s2 := NewStore(0, 0)
	require.NoError(t, s2.Put(snap))
	require.NoError(t, s2.Put(done))
	got, _ = s2.Get("a")
	assert.Equal(t, 3*time.Second, got.Duration)
}

func TestStoreRetention(t *testing.T) {
	s := NewStore(2, 10*time.Minute)
	now := base.Add(15 * time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(completed("old", 0, time.Second)))
	require.NoError(t, s.Put(completed("x", 8*time.Minute, time.Second)))
	require.NoError(t, s.Put(completed("y", 9*time.Minute, time.Second)))
	// over capacity: cleanup drops the expired trace first
	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("old")
	assert.False(t, ok)

	require.NoError(t, s.Put(completed("z", 10*time.Minute, time.Second)))
	assert.Equal(t, 2, s.Len())
	_, ok = s.Get("x")
	assert.False(t, ok, "oldest evicted when over capacity")

	now = base.Add(time.Hour)
	s.Cleanup()
	assert.Equal(t, 0, s.Len())
}

func TestStoreStats(t *testing.T) {
	s := NewStore(5, time.Hour)
	failed := completed("a", 0, time.Second)
	failed.Error = "HTTP 500"
	active := completed("b", 0, time.Second)
	active.Active = true
	require.NoError(t, s.Put(failed))
	require.NoError(t, s.Put(active))

	st := s.Stats()
	assert.Equal(t, StoreStats{Traces: 2, Errors: 1, Active: 1, MaxTraces: 5, MaxAge: "1h0m0s"}, st)
}
