// Package config holds the server's default limits, intervals and
// thresholds.
package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/tinyapm"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	ShutdownTimeout     = 10 * time.Second
)

// Collection
const (
	CollectorQueueSize  = 10000
	FinalizeInterval    = 5 * time.Second
	FinalizeGracePeriod = 5 * time.Second
)

// Trace thresholds and retention
const (
	DefaultSlowThreshold  = 2 * time.Second
	DefaultStuckThreshold = 60 * time.Second
	StuckCheckInterval    = 10 * time.Second
	TraceSinkQueueSize    = 1000
	MaxStoredTraces       = 10000
	TraceRetention        = 24 * time.Hour
)

// Compaction intervals and retention
const (
	CompactionInterval = 1 * time.Hour
	BadgerGCInterval   = 10 * time.Minute

	// Rollups wait this long after a target bucket closes
	Rollup5mDelay = 10 * time.Minute
	Rollup1hDelay = 1 * time.Hour

	Retention1m      = 2 * 24 * time.Hour
	Retention5m      = 14 * 24 * time.Hour
	Retention1h      = 365 * 24 * time.Hour
	ProfileRetention = 24 * time.Hour
)

// Query timeouts and defaults
const (
	QueryTimeout       = 30 * time.Second
	QueryDefaultWindow = 1 * time.Hour
	QueryMaxWindow     = 90 * 24 * time.Hour
	QueryCacheSize     = 256
)

// Ingest timeouts and limits
const (
	IngestTimeout                = 5 * time.Second
	IngestMaxBodyBytes           = 10 << 20
	IngestMaxInflatedBytes       = 4 * IngestMaxBodyBytes
	IngestRatePerSecond          = 50
	IngestRateBurst              = 100
	IngestMaxTransactions        = 1000
	IngestMaxTransactionTypes    = 100
	IngestMaxNameLength          = 256
	IngestMaxAttributes          = 32
	IngestMaxTimerDepth          = 64
	IngestMaxDuration            = 24 * time.Hour
	IngestMaxTimerCount          = 1 << 20
	LiveSummaryInterval          = 5 * time.Second
	LiveSummaryWindow            = 5 * time.Minute
	TransactionTypeRetentionTime = 24 * time.Hour
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSClientQueue     = 16
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
