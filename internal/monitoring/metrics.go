// Package monitoring exposes Prometheus metrics for the dispatch path.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the request-level collectors. It satisfies the dispatcher's
// Metrics hook.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Dispatched generate requests by upstream variant, model and status code.",
		}, []string{"variant", "model", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "End to end request latency by upstream variant.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"variant"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_request_retries_total",
			Help: "Upstream calls retried on an alternate credential.",
		}),
	}
	registry.MustRegister(m.requests, m.latency, m.retries)
	return m
}

// ObserveRequest records one finished dispatch.
func (m *Metrics) ObserveRequest(variant, model string, status int, latency time.Duration) {
	m.requests.WithLabelValues(variant, model, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(variant).Observe(latency.Seconds())
}

// ObserveRetry counts one credential rotation.
func (m *Metrics) ObserveRetry() { m.retries.Inc() }

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
