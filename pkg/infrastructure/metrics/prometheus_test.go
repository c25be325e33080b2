package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() (*PrometheusCollector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewPrometheusCollectorWithRegisterer("sqlgate_test", reg), reg
}

func TestPrometheusCollector_IncrementCounter(t *testing.T) {
	collector, _ := newTestCollector()
	collector.IncrementCounter("statements_executed_total", "type", "UPDATE")
	collector.IncrementCounter("statements_executed_total", "type", "UPDATE")
	collector.IncrementCounter("statements_executed_total", "type", "INSERT")

	counter := collector.counters["statements_executed_total"]
	require.NotNil(t, counter)

	assert.Equal(t, 2.0, testutil.ToFloat64(counter.WithLabelValues("UPDATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("INSERT")))
}

func TestPrometheusCollector_RecordHistogram(t *testing.T) {
	collector, _ := newTestCollector()
	collector.RecordHistogram("batch_duration_seconds", 0.5, "outcome", "committed")

	histogram := collector.histograms["batch_duration_seconds"]
	require.NotNil(t, histogram)
	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestPrometheusCollector_RecordGauge(t *testing.T) {
	collector, _ := newTestCollector()
	collector.RecordGauge("active_leases", 4)
	collector.RecordGauge("active_leases", 2)

	gauge := collector.gauges["active_leases"]
	require.NotNil(t, gauge)
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge.WithLabelValues()))
}

func TestPrometheusCollector_TimerObservesHistogram(t *testing.T) {
	collector, reg := newTestCollector()

	timer := collector.StartTimer("execute")
	time.Sleep(5 * time.Millisecond)
	duration := timer.Stop()

	assert.Greater(t, duration, 0.0)
	require.Contains(t, collector.histograms, "execute_seconds")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "sqlgate_test_execute_seconds", families[0].GetName())
}

func TestParseLabelPairs(t *testing.T) {
	tests := []struct {
		name       string
		labels     []string
		wantNames  []string
		wantValues []string
	}{
		{"empty labels", []string{}, []string{}, []string{}},
		{"single pair", []string{"type", "SELECT"}, []string{"type"}, []string{"SELECT"}},
		{"multiple pairs", []string{"database", "BackOffice", "category", "auth_failed"}, []string{"database", "category"}, []string{"BackOffice", "auth_failed"}},
		{"odd number of labels", []string{"type", "DELETE", "dangling"}, []string{"type"}, []string{"DELETE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, values := parseLabelPairs(tt.labels)
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, tt.wantValues, values)
		})
	}
}

func TestMetricsServer_Handler(t *testing.T) {
	collector, reg := newTestCollector()
	collector.IncrementCounter("batches_total", "outcome", "committed")

	server := NewMetricsServerWithGatherer(":0", "/custom", reg)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/custom")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sqlgate_test_batches_total{outcome="committed"} 1`)
}

func TestMetricsServer_ShutdownWithoutStart(t *testing.T) {
	server := NewMetricsServer(":0", "")
	assert.NoError(t, server.Shutdown(context.Background()))
}
