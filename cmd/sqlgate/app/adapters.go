package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/services"
)

// loggerAdapter adapts zerolog to services.Logger.
type loggerAdapter struct {
	logger zerolog.Logger
}

// NewLogger wraps a zerolog logger as a services.Logger.
func NewLogger(logger zerolog.Logger) services.Logger {
	return &loggerAdapter{logger: logger}
}

func (l *loggerAdapter) Debug(msg string, keysAndValues ...interface{}) {
	event := l.logger.Debug()
	addFields(event, keysAndValues...)
	event.Msg(msg)
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	event := l.logger.Info()
	addFields(event, keysAndValues...)
	event.Msg(msg)
}

func (l *loggerAdapter) Warn(msg string, keysAndValues ...interface{}) {
	event := l.logger.Warn()
	addFields(event, keysAndValues...)
	event.Msg(msg)
}

func (l *loggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	event := l.logger.Error()
	addFields(event, keysAndValues...)
	event.Msg(msg)
}

func addFields(event *zerolog.Event, keysAndValues ...interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}

		switch v := keysAndValues[i+1].(type) {
		case string:
			event.Str(key, v)
		case int:
			event.Int(key, v)
		case int64:
			event.Int64(key, v)
		case float64:
			event.Float64(key, v)
		case bool:
			event.Bool(key, v)
		case error:
			event.AnErr(key, v)
		case time.Duration:
			event.Dur(key, v)
		case time.Time:
			event.Time(key, v)
		default:
			event.Interface(key, v)
		}
	}
}

// metricsAdapter adapts metrics.Collector to services.MetricsCollector.
type metricsAdapter struct {
	collector metrics.Collector
}

// NewMetrics wraps a collector as a services.MetricsCollector.
func NewMetrics(collector metrics.Collector) services.MetricsCollector {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &metricsAdapter{collector: collector}
}

func (m *metricsAdapter) IncrementCounter(name string, labels ...string) {
	m.collector.IncrementCounter(name, labels...)
}

func (m *metricsAdapter) RecordHistogram(name string, value float64, labels ...string) {
	m.collector.RecordHistogram(name, value, labels...)
}

func (m *metricsAdapter) RecordGauge(name string, value float64, labels ...string) {
	m.collector.RecordGauge(name, value, labels...)
}

func (m *metricsAdapter) StartTimer(name string) services.Timer {
	return &timerAdapter{timer: m.collector.StartTimer(name)}
}

// timerAdapter converts the collector's seconds into a time.Duration.
type timerAdapter struct {
	timer metrics.Timer
}

func (t *timerAdapter) Stop() time.Duration {
	return time.Duration(t.timer.Stop() * float64(time.Second))
}
