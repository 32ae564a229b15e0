/*
Package storage provides the pluggable storage abstraction for finalized
aggregates and their profiles.

Backends:
  - memory: in-memory maps for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

Every aggregate is keyed by transaction type, resolution and capture time
(the end of its bucket). Writes are put-if-absent so a bucket is finalized
exactly once; a second writer gets ErrBucketFinalized and the reducer never
sees a half-written bucket.

Profiles are stored beside aggregates under the same key. When the profile
retention window passes, compaction replaces the profile bytes with
profile.Overwritten rather than deleting them, so queries can tell "no
profile was captured" from "the profile expired".

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	aggs, err := store.QueryAggregates(ctx, storage.QueryRequest{
	    Start:           time.Now().Add(-time.Hour),
	    End:             time.Now(),
	    TransactionType: "Web",
	    Resolution:      aggregate.Resolution1m,
	})
*/
package storage
