package aggregate

import "go.uber.org/zap"

type config struct {
	Strict  bool
	Logger  *zap.Logger
	Metrics *ReducerMetrics
}

// Option configures a Reducer.
type Option func(config) config

func defaultConfig() config {
	return config{Logger: zap.NewNop()}
}

// WithStrict makes the first decode failure abort the reduction instead of
// being recorded in the report.
func WithStrict(strict bool) Option {
	return func(c config) config {
		c.Strict = strict
		return c
	}
}

// WithLogger sets the logger decode failures are reported to.
func WithLogger(logger *zap.Logger) Option {
	return func(c config) config {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// WithMetrics records bucket counts on m.
func WithMetrics(m *ReducerMetrics) Option {
	return func(c config) config {
		c.Metrics = m
		return c
	}
}
