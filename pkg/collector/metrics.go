package collector

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	transactions *prometheus.CounterVec
	dropped      prometheus.Counter
	finalized    prometheus.Counter
	late         prometheus.Counter
	writeErrors  prometheus.Counter
	openBuckets  prometheus.GaugeFunc
	queueLength  prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, c *Collector) *metrics {
	m := &metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "collector",
			Name:      "transactions_total",
			Help:      "Transactions folded into a bucket, by transaction type.",
		}, []string{"transaction_type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "collector",
			Name:      "dropped_total",
			Help:      "Transactions dropped because the queue was full.",
		}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "collector",
			Name:      "buckets_finalized_total",
			Help:      "Buckets written to storage.",
		}),
		late: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "collector",
			Name:      "late_buckets_total",
			Help:      "Buckets discarded because storage already held a finalized bucket.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "collector",
			Name:      "write_errors_total",
			Help:      "Bucket writes that failed.",
		}),
	}
	m.openBuckets = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tinyapm",
		Subsystem: "collector",
		Name:      "open_buckets",
		Help:      "Buckets still accumulating transactions.",
	}, func() float64 { return float64(c.OpenBuckets()) })
	m.queueLength = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tinyapm",
		Subsystem: "collector",
		Name:      "queue_length",
		Help:      "Transactions waiting to be folded.",
	}, func() float64 { return float64(c.QueueLength()) })

	if reg != nil {
		reg.MustRegister(m.transactions, m.dropped, m.finalized, m.late, m.writeErrors, m.openBuckets, m.queueLength)
	}
	return m
}
