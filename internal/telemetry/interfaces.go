// Package telemetry holds the narrow logging and counter interfaces the
// simulation and netplay packages depend on.
package telemetry

import (
	"log"

	"simsync/server/logging"
)

type Logger interface {
	Printf(format string, args ...any)
}

type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger. A nil logger discards.
func WrapLogger(logger *log.Logger) Logger {
	if logger == nil {
		return LoggerFunc(nil)
	}
	return LoggerFunc(logger.Printf)
}

// Prefixed tags every line with role, e.g. "host" or a follower's name.
func Prefixed(logger Logger, role string) Logger {
	if logger == nil {
		return LoggerFunc(nil)
	}
	prefix := "[" + role + "] "
	return LoggerFunc(func(format string, args ...any) {
		logger.Printf(prefix+format, args...)
	})
}

// Metrics is the counter surface. Keys follow the <area>_<name> convention,
// e.g. sim_ticks_total or netplay_resyncs_total.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// WrapMetrics adapts the in-process counter store. A nil store discards.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return counters{metrics: metrics}
}

type counters struct {
	metrics *logging.Metrics
}

func (c counters) Add(key string, delta uint64) {
	c.metrics.TelemetryAdd(key, delta)
}

func (c counters) Store(key string, value uint64) {
	c.metrics.TelemetryStore(key, value)
}
