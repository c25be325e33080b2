package services

import (
	"context"
	"sync"
	"time"
)

// mockTransaction implements repositories.Transaction
type mockTransaction struct {
	mu       sync.Mutex
	id       string
	database string
	active   bool
	exec     func(ctx context.Context, query string) (int64, error)
	commit   func(ctx context.Context) error
	rollback func(ctx context.Context) error

	committed  bool
	rolledBack bool
}

func newMockTransaction(id string) *mockTransaction {
	return &mockTransaction{id: id, active: true}
}

func (m *mockTransaction) ID() string { return m.id }

func (m *mockTransaction) Database() string { return m.database }

func (m *mockTransaction) StartedAt() time.Time { return time.Time{} }

func (m *mockTransaction) Exec(ctx context.Context, query string) (int64, error) {
	if m.exec != nil {
		return m.exec(ctx, query)
	}
	return 0, nil
}

func (m *mockTransaction) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commit != nil {
		if err := m.commit(ctx); err != nil {
			return err
		}
	}
	m.active = false
	m.committed = true
	return nil
}

func (m *mockTransaction) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rollback != nil {
		if err := m.rollback(ctx); err != nil {
			return err
		}
	}
	m.active = false
	m.rolledBack = true
	return nil
}

func (m *mockTransaction) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// mockLogger implements Logger
type mockLogger struct {
	debugFunc func(msg string, keysAndValues ...interface{})
	infoFunc  func(msg string, keysAndValues ...interface{})
	warnFunc  func(msg string, keysAndValues ...interface{})
	errorFunc func(msg string, keysAndValues ...interface{})
}

func (m *mockLogger) Debug(msg string, keysAndValues ...interface{}) {
	if m.debugFunc != nil {
		m.debugFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	if m.infoFunc != nil {
		m.infoFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Warn(msg string, keysAndValues ...interface{}) {
	if m.warnFunc != nil {
		m.warnFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	if m.errorFunc != nil {
		m.errorFunc(msg, keysAndValues...)
	}
}

// mockMetricsCollector implements MetricsCollector and counts counter calls.
type mockMetricsCollector struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]float64
}

func newMockMetricsCollector() *mockMetricsCollector {
	return &mockMetricsCollector{
		counters: make(map[string]int),
		gauges:   make(map[string]float64),
	}
}

func (m *mockMetricsCollector) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *mockMetricsCollector) RecordHistogram(string, float64, ...string) {}

func (m *mockMetricsCollector) RecordGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *mockMetricsCollector) StartTimer(string) Timer {
	return &mockTimer{}
}

func (m *mockMetricsCollector) counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *mockMetricsCollector) gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// mockTimer implements Timer
type mockTimer struct{}

func (m *mockTimer) Stop() time.Duration {
	return 0
}
