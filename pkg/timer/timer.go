package timer

import (
	"fmt"
	"sync/atomic"
)

type atomicInt64 = atomic.Int64

// maxSnapshotAttempts bounds how often Snapshot re-reads a timer whose state
// changed underneath it. After the last attempt the snapshot is best-effort.
const maxSnapshotAttempts = 4

const depthMask = 1<<32 - 1

// InvariantError reports a Timer driven into an impossible state, e.g. a
// Stop without a matching Start or a stop tick before the start tick.
type InvariantError struct {
	Timer  string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("timer %q: %s", e.Timer, e.Reason)
}

var violations atomic.Int64

// Violations returns the number of invariant violations dropped so far in
// non-debug builds.
func Violations() int64 {
	return violations.Load()
}

func violate(name, reason string) {
	err := &InvariantError{Timer: name, Reason: reason}
	if debugChecks {
		panic(err)
	}
	violations.Add(1)
}

// Timer is a named, re-entrant stopwatch. See the package documentation for
// the ownership and memory-ordering contract.
type Timer struct {
	name   string
	ticker Ticker

	// payload, written only by the owner before state is published
	total     atomic.Int64
	min       atomic.Int64
	max       atomic.Int64
	startTick atomic.Int64

	// completed count in the high 32 bits, nesting depth in the low 32 bits
	state atomic.Uint64
}

// New creates an inactive timer. A nil ticker means SystemTicker.
func New(name string, ticker Ticker) *Timer {
	if ticker == nil {
		ticker = SystemTicker
	}
	return &Timer{name: name, ticker: ticker}
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

// Start enters the timer at the current tick.
func (t *Timer) Start() {
	s := t.state.Load()
	if s&depthMask == 0 {
		t.startTick.Store(t.ticker.Read())
	}
	t.state.Store(s + 1)
}

// StartAt enters the timer at tick. Only the outermost entry records tick.
func (t *Timer) StartAt(tick int64) {
	s := t.state.Load()
	if s&depthMask == 0 {
		t.startTick.Store(tick)
	}
	t.state.Store(s + 1)
}

// Stop leaves the timer at the current tick.
func (t *Timer) Stop() {
	t.StopAt(t.ticker.Read())
}

// StopAt leaves the timer at tick. Leaving the outermost entry folds the
// interval into the completed totals.
func (t *Timer) StopAt(tick int64) {
	s := t.state.Load()
	depth := s & depthMask
	if depth == 0 {
		violate(t.name, "stop without matching start")
		return
	}
	if depth > 1 {
		t.state.Store(s - 1)
		return
	}
	count := s >> 32
	elapsed := tick - t.startTick.Load()
	if elapsed < 0 {
		violate(t.name, fmt.Sprintf("negative elapsed time %d", elapsed))
		t.state.Store(s - 1)
		return
	}
	if count == 0 || elapsed < t.min.Load() {
		t.min.Store(elapsed)
	}
	if count == 0 || elapsed > t.max.Load() {
		t.max.Store(elapsed)
	}
	t.total.Store(t.total.Load() + elapsed)
	// publishes the fold: count+1, depth 0
	t.state.Store((count + 1) << 32)
}

// Active reports whether the timer has unmatched starts.
func (t *Timer) Active() bool {
	return t.state.Load()&depthMask > 0
}

// Depth returns the number of unmatched starts.
func (t *Timer) Depth() int {
	return int(t.state.Load() & depthMask)
}

// Snapshot is an immutable view of a Timer. Durations are nanoseconds.
type Snapshot struct {
	Name  string
	Total int64
	Min   int64
	Max   int64
	Count int64

	// Active is set when the view includes a provisional in-flight interval.
	Active bool
	// MinActive and MaxActive are set when the provisional interval is the
	// reported Min or Max and may still change.
	MinActive bool
	MaxActive bool
}

// Snapshot returns a best-effort consistent view, safe from any goroutine.
func (t *Timer) Snapshot() Snapshot {
	return t.SnapshotAt(t.ticker.Read())
}

// SnapshotAt is Snapshot with the in-flight interval measured up to now.
func (t *Timer) SnapshotAt(now int64) Snapshot {
	var (
		s                      uint64
		total, min, max, start int64
	)
	for attempt := 0; attempt < maxSnapshotAttempts; attempt++ {
		s = t.state.Load()
		total = t.total.Load()
		min = t.min.Load()
		max = t.max.Load()
		start = t.startTick.Load()
		if t.state.Load() == s {
			break
		}
	}

	count := int64(s >> 32)
	snap := Snapshot{Name: t.name, Total: total, Count: count}
	if count > 0 {
		snap.Min = min
		snap.Max = max
	}
	if s&depthMask == 0 {
		return snap
	}

	curr := now - start
	if curr < 0 {
		curr = 0
	}
	snap.Active = true
	snap.Total += curr
	snap.Count++
	if count == 0 {
		snap.Min, snap.Max = curr, curr
		snap.MinActive, snap.MaxActive = true, true
		return snap
	}
	if curr < min {
		snap.Min = curr
		snap.MinActive = true
	}
	if curr > max {
		snap.Max = curr
		snap.MaxActive = true
	}
	return snap
}
