// Package metrics exposes the Prometheus instrumentation for the dashboard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the registry and the collectors the HTTP layer records to.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	GuardDecisions  *prometheus.CounterVec
	SessionEvents   *prometheus.CounterVec
	ContentRefreshs prometheus.Counter
}

// New builds a registry with the process collectors plus our own.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planboard_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planboard_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		GuardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planboard_guard_decisions_total",
			Help: "Route guard decisions by guard and outcome.",
		}, []string{"guard", "decision"}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planboard_session_events_total",
			Help: "Sign-in and sign-out events.",
		}, []string{"event"}),
		ContentRefreshs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planboard_content_refreshes_total",
			Help: "Backlog cache refreshes.",
		}),
	}
	registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.GuardDecisions,
		m.SessionEvents,
		m.ContentRefreshs,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
