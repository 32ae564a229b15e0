package timer

import "time"

// Ticker is a monotonic nanosecond clock.
type Ticker interface {
	Read() int64
}

var processStart = time.Now()

type systemTicker struct{}

// Read returns nanoseconds since process start on the monotonic clock.
func (systemTicker) Read() int64 {
	return int64(time.Since(processStart))
}

// SystemTicker is the default Ticker backed by the runtime's monotonic clock.
var SystemTicker Ticker = systemTicker{}

// TickToTime converts a SystemTicker reading to wall-clock time.
func TickToTime(tick int64) time.Time {
	return processStart.Add(time.Duration(tick))
}

// ManualTicker is a Ticker whose reading only moves when told to. Safe for
// concurrent use.
type ManualTicker struct {
	now atomicInt64
}

// Set moves the ticker to tick.
func (m *ManualTicker) Set(tick int64) { m.now.Store(tick) }

// Advance moves the ticker forward by d.
func (m *ManualTicker) Advance(d time.Duration) { m.now.Add(int64(d)) }

// Read implements Ticker.
func (m *ManualTicker) Read() int64 { return m.now.Load() }
