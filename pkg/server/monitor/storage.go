package monitor

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/tinyapm/pkg/storage"
)

// StorageMonitor tracks storage usage with caching to avoid expensive
// filesystem calls.
type StorageMonitor struct {
	measure       func() (int64, error)
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor measures the disk usage of dataDir.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return newMonitor(func() (int64, error) { return dirSize(dataDir) }, maxBytes)
}

// NewStatsMonitor measures the size a store reports, for backends that
// keep nothing on disk.
func NewStatsMonitor(store storage.Storage, maxBytes int64) *StorageMonitor {
	return newMonitor(func() (int64, error) {
		stats, err := store.Stats(context.Background())
		if err != nil {
			return 0, err
		}
		return int64(stats.SizeBytes), nil
	}, maxBytes)
}

func newMonitor(measure func() (int64, error), maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		measure:       measure,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := sm.measure()
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Register exposes usage and limit as gauges.
func (sm *StorageMonitor) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tinyapm",
			Subsystem: "storage",
			Name:      "used_bytes",
			Help:      "Storage used by aggregates and profiles.",
		}, func() float64 {
			used, err := sm.GetUsage()
			if err != nil {
				return -1
			}
			return float64(used)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tinyapm",
			Subsystem: "storage",
			Name:      "limit_bytes",
			Help:      "Configured storage limit.",
		}, func() float64 { return float64(sm.maxBytes) }),
	)
}

// dirSize sums the disk space allocated to the files under root. Badger
// preallocates its value log, so logical sizes overstate usage.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// removed mid-walk by compaction
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += allocatedBytes(info)
		return nil
	})
	return total, err
}
