package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

// Importer handles importing aggregates from backup files
type Importer struct {
	storage storage.Storage
	now     func() time.Time
}

// NewImporter creates a new importer
func NewImporter(store storage.Storage) *Importer {
	return &Importer{storage: store, now: time.Now}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	AggregatesImported int `json:"aggregates_imported"`
	ProfilesImported   int `json:"profiles_imported"`
	// Skipped buckets were already present in storage
	Skipped    int       `json:"skipped"`
	TimeRange  string    `json:"time_range"`
	ImportedAt time.Time `json:"imported_at"`
	Errors     []string  `json:"errors,omitempty"`
}

// ImportFromJSON imports a JSON backup. Invalid records are skipped and
// reported in the result; buckets already in storage are left untouched.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var data Data
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if data.Metadata.Version != "" && data.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported export version %q", data.Metadata.Version)
	}

	result := &ImportResult{ImportedAt: im.now().UTC(), TimeRange: "empty"}
	var minTime, maxTime time.Time

	for i, rec := range data.Aggregates {
		if err := im.validateAggregate(rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("aggregate %d: %v", i, err))
			continue
		}
		err := im.storage.WriteAggregate(ctx, rec.Aggregate())
		switch {
		case errors.Is(err, storage.ErrBucketFinalized):
			result.Skipped++
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to write aggregate %d: %w", i, err)
		}
		result.AggregatesImported++
		if minTime.IsZero() || rec.CaptureTime.Before(minTime) {
			minTime = rec.CaptureTime
		}
		if rec.CaptureTime.After(maxTime) {
			maxTime = rec.CaptureTime
		}
	}

	for i, rec := range data.Profiles {
		if err := im.validateProfile(rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("profile %d: %v", i, err))
			continue
		}
		err := im.storage.WriteProfile(ctx, rec.Source())
		switch {
		case errors.Is(err, storage.ErrBucketFinalized):
			result.Skipped++
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to write profile %d: %w", i, err)
		}
		result.ProfilesImported++
	}

	if result.AggregatesImported > 0 {
		result.TimeRange = fmt.Sprintf("%s to %s", minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))
	}
	return result, nil
}

// validateBucket checks the fields that identify a bucket
func (im *Importer) validateBucket(typ string, captureTime time.Time, res aggregate.Resolution) error {
	if typ == "" {
		return fmt.Errorf("transaction type cannot be empty")
	}
	if !res.Valid() {
		return fmt.Errorf("invalid resolution")
	}
	if captureTime.IsZero() {
		return fmt.Errorf("capture time cannot be zero")
	}

	// Check for reasonable timestamp (not too far in past/future)
	now := im.now()
	if captureTime.Before(now.Add(-10 * 365 * 24 * time.Hour)) {
		return fmt.Errorf("capture time too far in past: %s", captureTime)
	}
	if captureTime.After(now.Add(24 * time.Hour)) {
		return fmt.Errorf("capture time too far in future: %s", captureTime)
	}
	return nil
}

// validateAggregate rejects records that queries could not decode
func (im *Importer) validateAggregate(rec AggregateRecord) error {
	if err := im.validateBucket(rec.TransactionType, rec.CaptureTime, rec.Resolution); err != nil {
		return err
	}
	if !rec.Resolution.BucketEnd(rec.CaptureTime).Equal(rec.CaptureTime) {
		return fmt.Errorf("capture time %s is not a %s bucket boundary", rec.CaptureTime.Format(time.RFC3339), rec.Resolution)
	}
	if _, err := timertree.Decode(rec.TimerTree); err != nil {
		return err
	}
	h, err := histogram.Decode(rec.Histogram)
	if err != nil {
		return err
	}
	if uint64(h.Count()) != rec.TransactionCount {
		return fmt.Errorf("histogram holds %d samples for %d transactions", h.Count(), rec.TransactionCount)
	}
	return nil
}

func (im *Importer) validateProfile(rec ProfileRecord) error {
	if err := im.validateBucket(rec.TransactionType, rec.CaptureTime, rec.Resolution); err != nil {
		return err
	}
	if len(rec.Data) == 0 || profile.IsOverwritten(rec.Data) {
		return nil
	}
	_, err := profile.Decode(rec.Data)
	return err
}
