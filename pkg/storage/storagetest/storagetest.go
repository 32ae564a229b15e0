// Package storagetest holds the behaviour every storage backend shares,
// as a suite each backend's tests run against a fresh store.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// Base is the start of the first bucket used by the suite.
var Base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Aggregate builds a one-minute aggregate ending minute+1 minutes after Base.
func Aggregate(typ string, minute int, count uint64) *aggregate.Aggregate {
	return &aggregate.Aggregate{
		TransactionType:  typ,
		CaptureTime:      Base.Add(time.Duration(minute+1) * time.Minute),
		Resolution:       aggregate.Resolution1m,
		TransactionCount: count,
		TotalMicros:      count * 100,
		TimerTree:        []byte(fmt.Sprintf(`{"name":"<root>","count":%d}`, count)),
		Histogram:        []byte{'T', 'H', 'G', 1},
		CPUMicros:        nullable.Of(count),
	}
}

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("WriteAndQuery", func(t *testing.T) { testWriteAndQuery(t, newStore(t)) })
	t.Run("FinalizeOnce", func(t *testing.T) { testFinalizeOnce(t, newStore(t)) })
	t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("ConcurrentFinalize", func(t *testing.T) { testConcurrentFinalize(t, newStore(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelled(t, newStore(t)) })
}

func testWriteAndQuery(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	for i := 2; i >= 0; i-- {
		require.NoError(t, store.WriteAggregate(ctx, Aggregate("Web", i, uint64(i+1))))
	}

	results, err := store.QueryAggregates(ctx, storage.QueryRequest{
		Start: Base,
		End:   Base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, a := range results {
		assert.Equal(t, uint64(i+1), a.TransactionCount, "ordered by capture time")
	}
	want := Aggregate("Web", 0, 1)
	assert.Equal(t, *want, results[0])
}

func testFinalizeOnce(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.WriteAggregate(ctx, Aggregate("Web", 0, 1)))
	err := store.WriteAggregate(ctx, Aggregate("Web", 0, 99))
	assert.True(t, errors.Is(err, storage.ErrBucketFinalized), "got %v", err)

	// other resolutions and types are other buckets
	other := Aggregate("Web", 0, 5)
	other.Resolution = aggregate.Resolution5m
	assert.NoError(t, store.WriteAggregate(ctx, other))
	assert.NoError(t, store.WriteAggregate(ctx, Aggregate("Background", 0, 1)))

	results, err := store.QueryAggregates(ctx, storage.QueryRequest{
		Start:           Base,
		End:             Base.Add(time.Hour),
		TransactionType: "Web",
		Resolution:      aggregate.Resolution1m,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(1), results[0].TransactionCount)
}

func testQueryFilters(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.WriteAggregate(ctx, Aggregate("Web", i, 1)))
		require.NoError(t, store.WriteAggregate(ctx, Aggregate("Background", i, 2)))
	}

	// (Base+2m, Base+5m] holds the buckets ending at 3, 4 and 5 minutes
	results, err := store.QueryAggregates(ctx, storage.QueryRequest{
		Start:           Base.Add(2 * time.Minute),
		End:             Base.Add(5 * time.Minute),
		TransactionType: "Background",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, a := range results {
		assert.Equal(t, "Background", a.TransactionType)
	}
	assert.Equal(t, Base.Add(3*time.Minute), results[0].CaptureTime)

	results, err = store.QueryAggregates(ctx, storage.QueryRequest{
		Start: Base,
		End:   Base.Add(time.Hour),
		Limit: 4,
	})
	require.NoError(t, err)
	assert.Len(t, results, 4)

	results, err = store.QueryAggregates(ctx, storage.QueryRequest{
		Start:      Base,
		End:        Base.Add(time.Hour),
		Resolution: aggregate.Resolution1h,
	})
	require.NoError(t, err)
	assert.Empty(t, results)

	types, err := store.TransactionTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Background", "Web"}, types)
}

func testDelete(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.WriteAggregate(ctx, Aggregate("Web", i, 1)))
		require.NoError(t, store.WriteProfile(ctx, &aggregate.ProfileSource{
			TransactionType: "Web",
			CaptureTime:     Base.Add(time.Duration(i+1) * time.Minute),
			Resolution:      aggregate.Resolution1m,
		}))
	}
	coarse := Aggregate("Web", 0, 1)
	coarse.Resolution = aggregate.Resolution5m
	require.NoError(t, store.WriteAggregate(ctx, coarse))

	require.NoError(t, store.DeleteAggregates(ctx, storage.DeleteOptions{
		Before:     Base.Add(3 * time.Minute),
		Resolution: aggregate.Resolution1m,
	}))

	req := storage.QueryRequest{Start: Base, End: Base.Add(time.Hour)}
	results, err := store.QueryAggregates(ctx, req)
	require.NoError(t, err)
	// buckets ending at 3, 4, 5 minutes survive, plus the 5m bucket
	assert.Len(t, results, 4)

	profiles, err := store.QueryProfiles(ctx, req)
	require.NoError(t, err)
	assert.Len(t, profiles, 3)

	require.NoError(t, store.DeleteAggregates(ctx, storage.DeleteOptions{Before: Base.Add(time.Hour)}))
	results, err = store.QueryAggregates(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func testProfiles(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	data := []byte(`{"frame":"<root>","samples":3}`)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.WriteProfile(ctx, &aggregate.ProfileSource{
			TransactionType: "Web",
			CaptureTime:     Base.Add(time.Duration(i+1) * time.Minute),
			Resolution:      aggregate.Resolution1m,
			Data:            data,
		}))
	}
	err := store.WriteProfile(ctx, &aggregate.ProfileSource{
		TransactionType: "Web",
		CaptureTime:     Base.Add(time.Minute),
		Resolution:      aggregate.Resolution1m,
	})
	assert.True(t, errors.Is(err, storage.ErrBucketFinalized))

	n, err := store.OverwriteProfiles(ctx, Base.Add(2*time.Minute+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// already overwritten profiles are not counted again
	n, err = store.OverwriteProfiles(ctx, Base.Add(2*time.Minute+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	profiles, err := store.QueryProfiles(ctx, storage.QueryRequest{
		Start:           Base,
		End:             Base.Add(time.Hour),
		TransactionType: "Web",
	})
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	assert.True(t, profile.IsOverwritten(profiles[0].Data))
	assert.True(t, profile.IsOverwritten(profiles[1].Data))
	assert.Equal(t, data, profiles[2].Data)
}

func testStats(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Aggregates)
	assert.True(t, stats.OldestBucket.IsZero())

	require.NoError(t, store.WriteAggregate(ctx, Aggregate("Web", 0, 1)))
	require.NoError(t, store.WriteAggregate(ctx, Aggregate("Web", 4, 1)))
	require.NoError(t, store.WriteAggregate(ctx, Aggregate("Background", 2, 1)))
	require.NoError(t, store.WriteProfile(ctx, &aggregate.ProfileSource{
		TransactionType: "Web", CaptureTime: Base.Add(time.Minute), Resolution: aggregate.Resolution1m,
	}))

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Aggregates)
	assert.Equal(t, uint64(1), stats.Profiles)
	assert.Equal(t, uint64(2), stats.TransactionTypes)
	assert.True(t, stats.OldestBucket.Equal(Base.Add(time.Minute)))
	assert.True(t, stats.NewestBucket.Equal(Base.Add(5*time.Minute)))
}

func testConcurrentFinalize(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, finalized int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := store.WriteAggregate(ctx, Aggregate("Web", 0, uint64(n+1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, storage.ErrBucketFinalized):
				finalized++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, finalized)
}

func testCancelled(t *testing.T, store storage.Storage) {
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.WriteAggregate(ctx, Aggregate("Web", 0, 1)))
	_, err := store.QueryAggregates(ctx, storage.QueryRequest{End: Base.Add(time.Hour)})
	assert.Error(t, err)
}
