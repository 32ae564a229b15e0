package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// bucket builds a one-minute aggregate of n transactions that each took
// micros, with a single "http request" timer per transaction.
func bucket(t *testing.T, minute int, n, micros int64) Aggregate {
	t.Helper()

	root := timertree.NewSyntheticRoot()
	d := micros * 1000
	root.ChildOrCreate("http request").Record(d*n, d, d, n)
	tree, err := timertree.Encode(root)
	require.NoError(t, err)

	h := histogram.New()
	require.NoError(t, h.RecordN(micros, n))

	return Aggregate{
		TransactionType:  "Web",
		CaptureTime:      base.Add(time.Duration(minute+1) * time.Minute),
		Resolution:       Resolution1m,
		TransactionCount: uint64(n),
		TotalMicros:      uint64(n * micros),
		TimerTree:        tree,
		Histogram:        h.Encode(),
	}
}
