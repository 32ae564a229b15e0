package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinyapm/pkg/aggregate"
)

// ErrBucketFinalized is returned when a bucket that already has an
// aggregate (or profile) is written again.
var ErrBucketFinalized = errors.New("storage: bucket already finalized")

// Storage defines the interface for aggregate storage backends.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// WriteAggregate stores a finalized bucket. Each (type, resolution,
	// capture time) is written at most once; later writes fail with
	// ErrBucketFinalized.
	WriteAggregate(ctx context.Context, agg *aggregate.Aggregate) error

	// QueryAggregates returns matching aggregates ordered by capture time
	QueryAggregates(ctx context.Context, req QueryRequest) ([]aggregate.Aggregate, error)

	// DeleteAggregates removes aggregates and profiles older than the cutoff
	DeleteAggregates(ctx context.Context, opts DeleteOptions) error

	// WriteProfile stores the profile of a finalized bucket, once
	WriteProfile(ctx context.Context, p *aggregate.ProfileSource) error

	// QueryProfiles returns matching profiles ordered by capture time
	QueryProfiles(ctx context.Context, req QueryRequest) ([]aggregate.ProfileSource, error)

	// OverwriteProfiles replaces the data of every profile captured before
	// the cutoff with profile.Overwritten, returning how many changed
	OverwriteProfiles(ctx context.Context, before time.Time) (int, error)

	// TransactionTypes lists every transaction type with stored aggregates
	TransactionTypes(ctx context.Context) ([]string, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// QueryRequest specifies which buckets to retrieve. A bucket matches when
// Start < CaptureTime <= End, since a capture time is the end of its bucket.
type QueryRequest struct {
	// Time range
	Start time.Time
	End   time.Time

	// Filter by transaction type (optional)
	TransactionType string

	// Filter by resolution (optional)
	Resolution aggregate.Resolution

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether a bucket falls within the request.
func (r QueryRequest) Matches(typ string, res aggregate.Resolution, captureTime time.Time) bool {
	if !captureTime.After(r.Start) || captureTime.After(r.End) {
		return false
	}
	if r.TransactionType != "" && typ != r.TransactionType {
		return false
	}
	if r.Resolution != "" && res != r.Resolution {
		return false
	}
	return true
}

// DeleteOptions specifies deletion criteria
type DeleteOptions struct {
	// Delete buckets captured before this time
	Before time.Time

	// Resolution to delete; empty deletes every resolution
	Resolution aggregate.Resolution
}

// Stats provides storage health and usage info
type Stats struct {
	Aggregates       uint64
	Profiles         uint64
	TransactionTypes uint64

	// Storage size in bytes
	SizeBytes uint64

	OldestBucket time.Time
	NewestBucket time.Time
}

// Observe widens the bucket range to include t.
func (s *Stats) Observe(t time.Time) {
	if s.OldestBucket.IsZero() || t.Before(s.OldestBucket) {
		s.OldestBucket = t
	}
	if t.After(s.NewestBucket) {
		s.NewestBucket = t
	}
}
