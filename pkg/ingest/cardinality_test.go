package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/timertree"
	"github.com/nicktill/tinyapm/pkg/trace"
)

func TestValidateTransaction(t *testing.T) {
	deep := completed("Web", "deep", time.Millisecond)
	n := deep.Timers
	for i := 0; i < MaxTimerDepth+1; i++ {
		n = n.ChildOrCreate("level")
	}

	notRoot := completed("Web", "GET /", time.Millisecond)
	notRoot.Timers = timertree.NewSyntheticRoot().ChildOrCreate("GET /")

	attrs := completed("Web", "GET /", time.Millisecond)
	attrs.Attributes = make(map[string]string)
	for i := 0; i <= MaxAttributes; i++ {
		attrs.Attributes[strings.Repeat("k", i+1)] = "v"
	}

	longAttr := completed("Web", "GET /", time.Millisecond)
	longAttr.Attributes = map[string]string{"k": strings.Repeat("v", MaxAttributeLength+1)}

	negative := completed("Web", "GET /", time.Millisecond)
	negative.Duration = -time.Second

	tests := []struct {
		name    string
		tx      *trace.Completed
		wantErr error
	}{
		{"valid", completed("Web", "GET /users", time.Millisecond), nil},
		{"no timers", &trace.Completed{TransactionType: "Web", Name: "x", Start: start}, nil},
		{"empty type", completed("", "GET /", time.Millisecond), ErrTypeEmpty},
		{"empty name", completed("Web", "", time.Millisecond), ErrNameEmpty},
		{"long type", completed(strings.Repeat("t", MaxNameLength+1), "GET /", time.Millisecond), ErrNameTooLong},
		{"long name", completed("Web", strings.Repeat("n", MaxNameLength+1), time.Millisecond), ErrNameTooLong},
		{"too many attributes", attrs, ErrTooManyAttributes},
		{"long attribute", longAttr, ErrAttributeTooLong},
		{"timer tree too deep", deep, ErrTimerTreeTooDeep},
		{"timers not a root", notRoot, ErrInvalidTimers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransaction(tt.tx)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	assert.Error(t, ValidateTransaction(negative))
}

func TestTimerDepth(t *testing.T) {
	root := timertree.NewSyntheticRoot()
	assert.Equal(t, 0, timerDepth(root))
	root.ChildOrCreate("a").ChildOrCreate("b")
	root.ChildOrCreate("c")
	assert.Equal(t, 2, timerDepth(root))
}

func TestCardinalityTracker(t *testing.T) {
	tracker := NewCardinalityTracker(3)

	for _, typ := range []string{"Web", "Background", "Cron"} {
		require.NoError(t, tracker.Check(typ))
		tracker.Record(typ)
	}

	assert.ErrorIs(t, tracker.Check("Queue"), ErrCardinalityLimit)
	assert.NoError(t, tracker.Check("Web"), "known types are always accepted")

	stats := tracker.Stats()
	assert.Equal(t, 3, stats.TransactionTypes)
	assert.Equal(t, 3, stats.Limit)
	assert.InDelta(t, 100.0, stats.UtilizationPct, 0.001)
}

func TestCardinalityTracker_ForgetsIdleTypes(t *testing.T) {
	now := start
	tracker := NewCardinalityTracker(2)
	tracker.now = func() time.Time { return now }
	tracker.lastCleanup = now

	tracker.Record("Web")
	tracker.Record("Background")
	assert.ErrorIs(t, tracker.Check("Cron"), ErrCardinalityLimit)

	now = now.Add(config.TransactionTypeRetentionTime / 2)
	tracker.Record("Web")

	now = now.Add(config.TransactionTypeRetentionTime/2 + cleanupInterval)
	require.NoError(t, tracker.Check("Cron"), "Background was idle past retention")
	assert.Equal(t, 1, tracker.Stats().TransactionTypes)
}

func TestNewCardinalityTracker_DefaultLimit(t *testing.T) {
	assert.Equal(t, MaxTransactionTypes, NewCardinalityTracker(0).Stats().Limit)
}
