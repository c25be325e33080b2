// Package metrics records sqlgate's operational counters: statements run,
// deferred and failed, batch outcomes, audit writes, held leases, pending
// store operations and per-database connection events. The connection pool
// takes a Collector directly; services reach it through the key/value adapter
// in cmd/sqlgate/app. Only the shell exposes the values, on /metrics.
package metrics

import (
	"time"
)

// Collector receives metric events by name. Labels are alternating
// name/value pairs, for example ("database", "BackOffice"). Names carry no
// namespace; PrometheusCollector adds it.
type Collector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	// StartTimer measures one operation. Prometheus records the elapsed
	// seconds in the histogram <name>_seconds when the timer stops.
	StartTimer(name string) Timer
}

// Timer is a running measurement started by Collector.StartTimer.
type Timer interface {
	// Stop ends the measurement and returns the elapsed seconds.
	Stop() float64
}

// NoOpCollector drops every event. One-shot commands such as exec and
// confirm use it, since nothing scrapes them.
type NoOpCollector struct{}

var _ Collector = (*NoOpCollector)(nil)

// NewNoOpCollector returns a collector that records nothing.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

func (n *NoOpCollector) IncrementCounter(string, ...string) {}

func (n *NoOpCollector) RecordHistogram(string, float64, ...string) {}

func (n *NoOpCollector) RecordGauge(string, float64, ...string) {}

// StartTimer still measures, so callers that log durations keep working.
func (n *NoOpCollector) StartTimer(string) Timer {
	return stopwatch(time.Now())
}

// stopwatch is a Timer that only reports the elapsed time.
type stopwatch time.Time

func (s stopwatch) Stop() float64 {
	return time.Since(time.Time(s)).Seconds()
}
