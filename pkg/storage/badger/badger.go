package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// slowOperation is the duration after which a scan is logged.
const slowOperation = 5 * time.Second

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	logger *zap.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	// Logger receives slow-scan warnings (optional)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// Aggregates are small and written once a minute, so 16 MB is plenty.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// Block and index caches are unbounded unless set
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of the 2 GB default

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{db: db, logger: logger}, nil
}

// update runs fn in a read-write transaction, giving up when ctx is done.
func (s *Storage) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// view runs fn in a read-only transaction, giving up when ctx is done.
func (s *Storage) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- s.db.View(fn)
	}()

	select {
	case err := <-done:
		if elapsed := time.Since(start); elapsed > slowOperation {
			s.logger.Warn("slow storage scan", zap.String("op", op), zap.Duration("elapsed", elapsed))
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// checkEvery polls ctx every 1000 iterations so long scans stop on cancellation.
func checkEvery(ctx context.Context, i int) error {
	if i%1000 != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// putOnce writes key unless it already exists. A conflicting concurrent
// write of the same key also means the bucket has been finalized.
func (s *Storage) putOnce(ctx context.Context, op, typ string, key, value []byte) error {
	err := s.update(ctx, op, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return storage.ErrBucketFinalized
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return fmt.Errorf("failed to write bucket: %w", err)
		}
		return txn.Set(typeKey(typ), []byte(typ))
	})
	if errors.Is(err, badger.ErrConflict) {
		return storage.ErrBucketFinalized
	}
	return err
}

// WriteAggregate stores a finalized bucket once
func (s *Storage) WriteAggregate(ctx context.Context, agg *aggregate.Aggregate) error {
	value, err := agg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode aggregate: %w", err)
	}
	key := bucketKey(kindAggregate, agg.TransactionType, agg.Resolution, agg.CaptureTime)
	return s.putOnce(ctx, "write aggregate", agg.TransactionType, key, value)
}

// WriteProfile stores a bucket's profile once
func (s *Storage) WriteProfile(ctx context.Context, p *aggregate.ProfileSource) error {
	key := bucketKey(kindProfile, p.TransactionType, p.Resolution, p.CaptureTime)
	return s.putOnce(ctx, "write profile", p.TransactionType, key, encodeProfile(p.TransactionType, p.Data))
}

// scan visits every key of kind matching req's type, resolution and time
// range. Values are only read by visit.
func (s *Storage) scan(ctx context.Context, txn *badger.Txn, kind byte, req storage.QueryRequest, visit func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 100
	opts.Prefix = scanPrefix(kind, req.TransactionType, req.Resolution)

	it := txn.NewIterator(opts)
	defer it.Close()

	var i int
	for it.Rewind(); it.Valid(); it.Next() {
		i++
		if err := checkEvery(ctx, i); err != nil {
			return err
		}
		item := it.Item()
		k, ok := parseBucketKey(item.Key())
		if !ok {
			continue
		}
		if req.Resolution != "" && k.resolution != req.Resolution {
			continue
		}
		if !k.captureTime.After(req.Start) || k.captureTime.After(req.End) {
			continue
		}
		if err := visit(item); err != nil {
			return err
		}
	}
	return nil
}

// skipCorrupt logs a stored record that no longer decodes. Queries leave it
// out instead of failing as a whole.
func (s *Storage) skipCorrupt(kind string, item *badger.Item, err error) {
	k, _ := parseBucketKey(item.Key())
	s.logger.Warn("skipping undecodable record",
		zap.String("kind", kind),
		zap.Time("capture_time", k.captureTime),
		zap.String("resolution", string(k.resolution)),
		zap.Error(err))
}

// QueryAggregates retrieves aggregates matching the request
func (s *Storage) QueryAggregates(ctx context.Context, req storage.QueryRequest) ([]aggregate.Aggregate, error) {
	var results []aggregate.Aggregate
	err := s.view(ctx, "query", func(txn *badger.Txn) error {
		return s.scan(ctx, txn, kindAggregate, req, func(item *badger.Item) error {
			var a aggregate.Aggregate
			if err := item.Value(a.UnmarshalBinary); err != nil {
				s.skipCorrupt("aggregate", item, err)
				return nil
			}
			// the key only carries a hash of the type
			if req.Matches(a.TransactionType, a.Resolution, a.CaptureTime) {
				results = append(results, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.CaptureTime.Equal(b.CaptureTime) {
			return a.CaptureTime.Before(b.CaptureTime)
		}
		return a.TransactionType < b.TransactionType
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// QueryProfiles retrieves profiles matching the request
func (s *Storage) QueryProfiles(ctx context.Context, req storage.QueryRequest) ([]aggregate.ProfileSource, error) {
	var results []aggregate.ProfileSource
	err := s.view(ctx, "query profiles", func(txn *badger.Txn) error {
		return s.scan(ctx, txn, kindProfile, req, func(item *badger.Item) error {
			k, _ := parseBucketKey(item.Key())
			var p aggregate.ProfileSource
			err := item.Value(func(val []byte) error {
				var err error
				p.TransactionType, p.Data, err = decodeProfile(val)
				return err
			})
			if err != nil {
				s.skipCorrupt("profile", item, err)
				return nil
			}
			p.CaptureTime = k.captureTime
			p.Resolution = k.resolution
			if req.Matches(p.TransactionType, p.Resolution, p.CaptureTime) {
				results = append(results, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.CaptureTime.Equal(b.CaptureTime) {
			return a.CaptureTime.Before(b.CaptureTime)
		}
		return a.TransactionType < b.TransactionType
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// DeleteAggregates removes aggregates and profiles captured before the cutoff
func (s *Storage) DeleteAggregates(ctx context.Context, opts storage.DeleteOptions) error {
	return s.update(ctx, "delete", func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		var keysToDelete [][]byte
		var i int
		for it.Rewind(); it.Valid(); it.Next() {
			i++
			if err := checkEvery(ctx, i); err != nil {
				return err
			}
			k, ok := parseBucketKey(it.Item().Key())
			if !ok || !k.captureTime.Before(opts.Before) {
				continue
			}
			if opts.Resolution != "" && k.resolution != opts.Resolution {
				continue
			}
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// OverwriteProfiles marks every profile captured before the cutoff as overwritten
func (s *Storage) OverwriteProfiles(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.update(ctx, "overwrite profiles", func(txn *badger.Txn) error {
		n = 0
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{kindProfile}

		it := txn.NewIterator(opts)
		defer it.Close()

		type rewrite struct {
			key, value []byte
		}
		var rewrites []rewrite
		var i int
		for it.Rewind(); it.Valid(); it.Next() {
			i++
			if err := checkEvery(ctx, i); err != nil {
				return err
			}
			item := it.Item()
			k, ok := parseBucketKey(item.Key())
			if !ok || !k.captureTime.Before(before) {
				continue
			}
			err := item.Value(func(val []byte) error {
				typ, data, err := decodeProfile(val)
				if err != nil || profile.IsOverwritten(data) {
					return err
				}
				rewrites = append(rewrites, rewrite{item.KeyCopy(nil), encodeProfile(typ, profile.Overwritten)})
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to decode profile: %w", err)
			}
		}

		for _, rw := range rewrites {
			if err := txn.Set(rw.key, rw.value); err != nil {
				return err
			}
		}
		n = len(rewrites)
		return nil
	})
	return n, err
}

// TransactionTypes lists the stored transaction types in name order
func (s *Storage) TransactionTypes(ctx context.Context) ([]string, error) {
	var types []string
	err := s.view(ctx, "transaction types", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{kindType}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			name, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			types = append(types, string(name))
		}
		return nil
	})
	sort.Strings(types)
	return types, err
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.view(ctx, "stats", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var i int
		for it.Rewind(); it.Valid(); it.Next() {
			i++
			if err := checkEvery(ctx, i); err != nil {
				return err
			}
			key := it.Item().Key()
			switch key[0] {
			case kindType:
				stats.TransactionTypes++
			case kindProfile:
				stats.Profiles++
			case kindAggregate:
				stats.Aggregates++
				if k, ok := parseBucketKey(key); ok {
					stats.Observe(k.captureTime)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}
