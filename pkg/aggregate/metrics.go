package aggregate

import "github.com/prometheus/client_golang/prometheus"

// ReducerMetrics counts buckets seen by reductions, labelled by view.
type ReducerMetrics struct {
	buckets        *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	missing        *prometheus.CounterVec
}

// NewReducerMetrics creates and registers reducer counters. A nil
// registerer leaves them unregistered.
func NewReducerMetrics(reg prometheus.Registerer) *ReducerMetrics {
	m := &ReducerMetrics{
		buckets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "reducer",
			Name:      "buckets_total",
			Help:      "Buckets merged into a view.",
		}, []string{"view"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "reducer",
			Name:      "decode_failures_total",
			Help:      "Buckets skipped because a payload failed to decode.",
		}, []string{"view", "part"}),
		missing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "reducer",
			Name:      "missing_buckets_total",
			Help:      "Buckets skipped because their data was overwritten.",
		}, []string{"view"}),
	}
	if reg != nil {
		reg.MustRegister(m.buckets, m.decodeFailures, m.missing)
	}
	return m
}

func (m *ReducerMetrics) observe(view string, r *Report) {
	if m == nil {
		return
	}
	m.buckets.WithLabelValues(view).Add(float64(r.Contributed))
	m.missing.WithLabelValues(view).Add(float64(r.Missing))
	for _, f := range r.Failures {
		m.decodeFailures.WithLabelValues(view, f.Part).Inc()
	}
}
