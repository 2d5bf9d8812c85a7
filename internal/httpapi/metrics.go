package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/chat-director/internal/retention"
)

// Metrics bundles Prometheus collectors for the HTTP API.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	sseClients      prometheus.Gauge
	rateLimited     prometheus.Counter
	updatesSent     *prometheus.CounterVec
	queryErrors     *prometheus.CounterVec
}

// NewMetrics creates the HTTP collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatdir",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatdir",
			Name:      "ws_clients",
			Help:      "Current connected WebSocket overlay clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatdir",
			Name:      "sse_clients",
			Help:      "Current connected SSE overlay clients",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		updatesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "selection_updates_sent_total",
			Help:      "Selection updates delivered to overlay clients",
		}, []string{"transport"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "query_errors_total",
			Help:      "Message queries rejected for an invalid search",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.rateLimited,
		m.updatesSent,
		m.queryErrors,
	)

	return m
}

// Registry exposes the registry so other components can add collectors that
// are served on the same endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveBuffer registers gauges that sample the retention buffer and the
// selection channel on every scrape.
func (m *Metrics) ObserveBuffer(counts func() retention.Counts, subscribers func() int, dropped func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatdir",
			Name:      "buffer_messages",
			Help:      "Messages currently retained",
		}, func() float64 { return float64(counts().Total) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatdir",
			Name:      "buffer_special_messages",
			Help:      "Retained messages exempt from eviction",
		}, func() float64 { return float64(counts().Special) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatdir",
			Name:      "selection_subscribers",
			Help:      "Attached selection subscribers",
		}, func() float64 { return float64(subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "chatdir",
			Name:      "selection_dropped_total",
			Help:      "Selection updates discarded for slow subscribers",
		}, func() float64 { return float64(dropped()) }),
	)
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncWSClients adjusts the WebSocket client gauge by delta.
func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncUpdatesSent increments the delivered counter for a transport.
func (m *Metrics) IncUpdatesSent(transport string) {
	if m == nil {
		return
	}
	m.updatesSent.WithLabelValues(transport).Inc()
}

// IncQueryErrors counts a rejected query by reason.
func (m *Metrics) IncQueryErrors(reason string) {
	if m == nil {
		return
	}
	m.queryErrors.WithLabelValues(reason).Inc()
}
