package metrics

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "sqlgate"

// PrometheusCollector implements Collector using Prometheus. Vectors are
// created and registered on first use; the label names of the first call
// define the vector.
type PrometheusCollector struct {
	namespace  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusCollector creates a collector registering into
// prometheus.DefaultRegisterer.
func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWithRegisterer(DefaultNamespace, prometheus.DefaultRegisterer)
}

// NewPrometheusCollectorWithRegisterer creates a collector with an explicit
// namespace and registerer.
func NewPrometheusCollectorWithRegisterer(namespace string, reg prometheus.Registerer) *PrometheusCollector {
	return &PrometheusCollector{
		namespace:  namespace,
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncrementCounter increments a counter metric.
func (p *PrometheusCollector) IncrementCounter(name string, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: p.namespace,
				Name:      name,
				Help:      fmt.Sprintf("Counter for %s", name),
			},
			labelNames,
		)
		p.registerer.MustRegister(counter)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.WithLabelValues(labelValues...).Inc()
}

// RecordHistogram records a value in a histogram metric.
func (p *PrometheusCollector) RecordHistogram(name string, value float64, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: p.namespace,
				Name:      name,
				Help:      fmt.Sprintf("Histogram for %s", name),
				Buckets:   prometheus.DefBuckets,
			},
			labelNames,
		)
		p.registerer.MustRegister(histogram)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.WithLabelValues(labelValues...).Observe(value)
}

// RecordGauge records a gauge metric value.
func (p *PrometheusCollector) RecordGauge(name string, value float64, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: p.namespace,
				Name:      name,
				Help:      fmt.Sprintf("Gauge for %s", name),
			},
			labelNames,
		)
		p.registerer.MustRegister(gauge)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.WithLabelValues(labelValues...).Set(value)
}

// StartTimer starts a timer whose Stop observes <name>_seconds.
func (p *PrometheusCollector) StartTimer(name string) Timer {
	return &prometheusTimer{
		start:     time.Now(),
		name:      name,
		collector: p,
	}
}

type prometheusTimer struct {
	start     time.Time
	name      string
	collector *PrometheusCollector
}

// Stop records and returns the elapsed time in seconds.
func (t *prometheusTimer) Stop() float64 {
	elapsed := time.Since(t.start).Seconds()
	t.collector.RecordHistogram(t.name+"_seconds", elapsed)
	return elapsed
}

// parseLabelPairs parses label pairs from variadic string arguments.
// Expected format: "key1", "value1", "key2", "value2", ...
func parseLabelPairs(labels []string) ([]string, []string) {
	if len(labels)%2 != 0 {
		labels = labels[:len(labels)-1]
	}

	labelNames := make([]string, 0, len(labels)/2)
	labelValues := make([]string, 0, len(labels)/2)

	for i := 0; i < len(labels); i += 2 {
		labelNames = append(labelNames, labels[i])
		labelValues = append(labelValues, labels[i+1])
	}

	return labelNames, labelValues
}

// MetricsServer serves the Prometheus handler over HTTP.
type MetricsServer struct {
	address string
	path    string
	handler http.Handler
	server  *http.Server
}

// NewMetricsServer creates a metrics server for the default gatherer.
func NewMetricsServer(address, path string) *MetricsServer {
	return NewMetricsServerWithGatherer(address, path, prometheus.DefaultGatherer)
}

// NewMetricsServerWithGatherer creates a metrics server for g.
func NewMetricsServerWithGatherer(address, path string, g prometheus.Gatherer) *MetricsServer {
	if path == "" {
		path = "/metrics"
	}
	return &MetricsServer{
		address: address,
		path:    path,
		handler: promhttp.HandlerFor(g, promhttp.HandlerOpts{}),
	}
}

// Handler returns the mux served by Start.
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.handler)
	return mux
}

// Start blocks serving metrics until Shutdown is called.
func (s *MetricsServer) Start() error {
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
