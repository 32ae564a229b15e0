package compaction

import (
	"time"

	"github.com/nicktill/tinyapm/pkg/config"
)

// Policy sets when buckets are rolled up and how long each resolution is
// kept.
type Policy struct {
	// Rollup5mDelay is how long after a 5m bucket closes before its 1m
	// buckets are rolled into it.
	Rollup5mDelay time.Duration
	// Rollup1hDelay is the same for 1h buckets and their 5m buckets.
	Rollup1hDelay time.Duration

	Retention1m time.Duration
	Retention5m time.Duration
	Retention1h time.Duration

	// ProfileRetention is how long profiles keep their samples before
	// they are overwritten with the unavailable sentinel.
	ProfileRetention time.Duration
}

// DefaultPolicy returns the server's retention policy.
func DefaultPolicy() Policy {
	return Policy{
		Rollup5mDelay:    config.Rollup5mDelay,
		Rollup1hDelay:    config.Rollup1hDelay,
		Retention1m:      config.Retention1m,
		Retention5m:      config.Retention5m,
		Retention1h:      config.Retention1h,
		ProfileRetention: config.ProfileRetention,
	}
}

// Result summarizes one rollup pass.
type Result struct {
	// Targets is the number of coarser buckets considered
	Targets int
	// Written is the number of coarser aggregates stored
	Written int
	// AlreadyCompacted counts targets that existed before the pass
	AlreadyCompacted int
	// Partial counts targets written with some source buckets skipped
	Partial int
	// Profiles is the number of coarser profiles stored
	Profiles int
}

func (r *Result) add(o Result) {
	r.Targets += o.Targets
	r.Written += o.Written
	r.AlreadyCompacted += o.AlreadyCompacted
	r.Partial += o.Partial
	r.Profiles += o.Profiles
}
