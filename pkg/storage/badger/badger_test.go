package badger

import (
	"context"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/storage/storagetest"
)

func TestBadgerStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		store, err := New(Config{InMemory: true})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		return store
	})
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(Config{Path: dir})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.WriteAggregate(ctx, storagetest.Aggregate("Web", 0, 7)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = New(Config{Path: dir})
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer store.Close()

	results, err := store.QueryAggregates(ctx, storage.QueryRequest{
		Start: storagetest.Base,
		End:   storagetest.Base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0].TransactionCount != 7 {
		t.Fatalf("Expected the aggregate to survive a restart, got %+v", results)
	}

	// the bucket is still finalized after a restart
	if err := store.WriteAggregate(ctx, storagetest.Aggregate("Web", 0, 1)); err != storage.ErrBucketFinalized {
		t.Errorf("Expected ErrBucketFinalized, got %v", err)
	}

	if err := store.RunGC(0.5); err != nil {
		t.Errorf("RunGC failed: %v", err)
	}
}

func TestBucketKey_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	key := bucketKey(kindProfile, "Web", aggregate.Resolution5m, ts)

	parsed, ok := parseBucketKey(key)
	if !ok {
		t.Fatalf("Failed to parse key %x", key)
	}
	if parsed.kind != kindProfile || parsed.resolution != aggregate.Resolution5m || !parsed.captureTime.Equal(ts) {
		t.Errorf("Unexpected parsed key: %+v", parsed)
	}

	if _, ok := parseBucketKey(typeKey("Web")); ok {
		t.Errorf("Type keys must not parse as bucket keys")
	}
}

func TestBucketKey_SortsByTime(t *testing.T) {
	early := bucketKey(kindAggregate, "Web", aggregate.Resolution1m, time.Unix(100, 0))
	late := bucketKey(kindAggregate, "Web", aggregate.Resolution1m, time.Unix(200, 0))
	if string(early) >= string(late) {
		t.Errorf("Expected keys to sort by capture time")
	}
}

func TestProfileValue_RoundTrip(t *testing.T) {
	typ, data, err := decodeProfile(encodeProfile("Background", []byte("{}")))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if typ != "Background" || string(data) != "{}" {
		t.Errorf("Unexpected profile value: %q %q", typ, data)
	}

	if _, _, err := decodeProfile([]byte{0x05, 'a'}); err == nil {
		t.Errorf("Expected error for truncated profile value")
	}
}

func TestBadgerStorage_SkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	good := storagetest.Aggregate("Web", 0, 3)
	bad := storagetest.Aggregate("Web", 1, 5)
	for _, agg := range []*aggregate.Aggregate{good, bad} {
		if err := store.WriteAggregate(ctx, agg); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	key := bucketKey(kindAggregate, bad.TransactionType, bad.Resolution, bad.CaptureTime)
	if err := store.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, []byte("not an aggregate"))
	}); err != nil {
		t.Fatalf("Corrupting record failed: %v", err)
	}

	results, err := store.QueryAggregates(ctx, storage.QueryRequest{
		Start: storagetest.Base,
		End:   storagetest.Base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0].TransactionCount != 3 {
		t.Fatalf("Expected only the intact aggregate, got %+v", results)
	}
}
