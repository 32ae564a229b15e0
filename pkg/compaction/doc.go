/*
Package compaction rolls per-minute aggregates into coarser buckets and
applies retention.

# Resolutions

The collector writes one aggregate per transaction type per minute. Kept
forever that would be 1,440 buckets a day for every type, so older data is
rolled up:

	1m buckets  (kept 2 days)   → rolled into 5m once the 5m window closes
	5m buckets  (kept 14 days)  → rolled into 1h once the 1h window closes
	1h buckets  (kept 1 year)

A rollup is the reducer applied to the buckets of one coarser window:
timer trees are merged node for node, histograms are merged bucket for
bucket, counters are summed and thread counters use null-propagating sums.
Merging is associative, so a 1h bucket built from twelve 5m buckets holds
the same data as one built from sixty 1m buckets.

Buckets are half-open on the left: a bucket whose capture time is 10:05
covers (10:00, 10:05]. A 1m bucket captured at 10:05 therefore rolls into
the 5m bucket captured at 10:05, not the one at 10:10.

# Partial rollups

A source bucket whose timer tree or histogram fails to decode is skipped
and reported; the rollup is still written from the buckets that did
decode and logged as partial. A target whose every source failed is not
written at all.

# Profiles

Profiles roll up the same way but are kept for a shorter time. Past
ProfileRetention their data is replaced with profile.Overwritten, which
the reducer counts as missing rather than failed.

# Idempotency

Storage finalizes each (type, resolution, capture time) once. Targets that
already exist are skipped, so running CompactAndCleanup twice over the same
range is safe.

# Usage Example

	compactor := compaction.New(store, compaction.WithLogger(logger))
	res, err := compactor.CompactAndCleanup(ctx)
	if err != nil {
	    logger.Error("compaction failed", zap.Error(err))
	    // compaction will retry next hour
	}
*/
package compaction
