package waitdie

import (
	"log/slog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config defines the optional collaborators of a WaitDieLock.
// None of them takes part in admission decisions; a lock built without
// any option behaves exactly like the zero value.
type Config struct {
	// name labels log records and metric series of the lock.
	// Locks created by a WaitDieLockGroup are named after their key
	// unless a name is configured explicitly.
	name string

	// logger receives Debug records for every grant, wait, death and
	// release. Nil disables logging.
	logger *slog.Logger

	// metrics receives request outcomes and wait durations.
	// Nil disables metering.
	metrics *Metrics
}

// WithName sets the name used in log records and as the "lock" metric label.
func WithName(name string) func(*Config) {
	return func(c *Config) {
		c.name = name
	}
}

// WithLogger routes lock events to logger at Debug level.
func WithLogger(logger *slog.Logger) func(*Config) {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithMetrics reports lock activity to m. The same Metrics may be shared
// by any number of locks; series are told apart by the lock name.
func WithMetrics(m *Metrics) func(*Config) {
	return func(c *Config) {
		c.metrics = m
	}
}

func newConfig(opts []func(*Config)) Config {
	var c Config
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	return c
}
