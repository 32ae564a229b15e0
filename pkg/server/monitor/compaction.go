// Package monitor tracks the health of the server's background work and
// its disk usage.
package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/tinyapm/pkg/compaction"
)

// CompactionMonitor tracks compaction health and failures.
type CompactionMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastResult        compaction.Result

	// MaxStaleness is how long after the last success compaction still
	// counts as healthy. Defaults to twice the compaction interval.
	MaxStaleness time.Duration

	now func() time.Time

	failures prometheus.Counter
	written  prometheus.Counter
	partial  prometheus.Counter
}

// NewCompactionMonitor creates a monitor. reg may be nil.
func NewCompactionMonitor(reg prometheus.Registerer) *CompactionMonitor {
	cm := &CompactionMonitor{
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "compaction",
			Name:      "failures_total",
			Help:      "Compaction passes that failed.",
		}),
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "compaction",
			Name:      "rollups_written_total",
			Help:      "Coarser aggregates written by compaction.",
		}),
		partial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "compaction",
			Name:      "rollups_partial_total",
			Help:      "Rollups written with some source buckets skipped.",
		}),
	}
	if reg != nil {
		reg.MustRegister(cm.failures, cm.written, cm.partial)
	}
	return cm
}

func (cm *CompactionMonitor) clock() time.Time {
	if cm.now != nil {
		return cm.now()
	}
	return time.Now()
}

// RecordSuccess records a successful compaction pass.
func (cm *CompactionMonitor) RecordSuccess(result compaction.Result) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.clock()
	cm.lastSuccess = now
	cm.lastAttempt = now
	cm.consecutiveErrors = 0
	cm.lastError = ""
	cm.lastResult = result
	if cm.written != nil {
		cm.written.Add(float64(result.Written))
		cm.partial.Add(float64(result.Partial))
	}
}

// RecordFailure records a failed compaction.
func (cm *CompactionMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = cm.clock()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
	}
	if cm.failures != nil {
		cm.failures.Inc()
	}
}

// IsHealthy returns true if compaction is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within MaxStaleness
//   - More than 3 consecutive failures
func (cm *CompactionMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthyLocked()
}

func (cm *CompactionMonitor) healthyLocked() bool {
	if cm.lastSuccess.IsZero() {
		return false
	}
	staleness := cm.MaxStaleness
	if staleness <= 0 {
		staleness = 2 * time.Hour
	}
	if cm.clock().Sub(cm.lastSuccess) > staleness {
		return false
	}
	return cm.consecutiveErrors <= 3
}

// CompactionStatus is the compaction section of the health response.
type CompactionStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`

	// Counts from the last successful pass
	RollupsWritten int `json:"rollups_written"`
	RollupsPartial int `json:"rollups_partial"`
}

// Status returns current compaction status for health checks.
func (cm *CompactionMonitor) Status() CompactionStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := CompactionStatus{
		Healthy:        cm.healthyLocked(),
		RollupsWritten: cm.lastResult.Written,
		RollupsPartial: cm.lastResult.Partial,
	}

	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = cm.clock().Sub(cm.lastSuccess).String()
	}

	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}

	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}

	return status
}
