// Package metrics holds the Prometheus collectors for the resolver.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prbuild"

type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheFallbacks prometheus.Counter
	CacheEvictions prometheus.Counter
	HistoryPages   prometheus.Counter
	RemoteErrors   *prometheus.CounterVec
	Resolutions    *prometheus.CounterVec
	registry       prometheus.Gatherer
}

// New registers the collectors with reg. Use prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Count of cache reads that found a live entry",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Count of cache reads that found nothing usable",
		}),
		CacheFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fallbacks_total",
			Help:      "Count of failed fetches answered from a previously cached value",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Count of expired entries removed from the cache",
		}),
		HistoryPages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "pages_total",
			Help:      "Count of build history pages requested",
		}),
		RemoteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appveyor",
			Name:      "errors_total",
			Help:      "Count of failed AppVeyor requests by endpoint",
		}, []string{"endpoint"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Count of resolutions by entry point and outcome",
		}, []string{"entry", "outcome"}),
		registry: reg,
	}
}

func (m *Metrics) Hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) Miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) Fallback() {
	if m != nil {
		m.CacheFallbacks.Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) HistoryPage() {
	if m != nil {
		m.HistoryPages.Inc()
	}
}

func (m *Metrics) RemoteError(endpoint string) {
	if m != nil {
		m.RemoteErrors.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) Resolved(entry, outcome string) {
	if m != nil {
		m.Resolutions.WithLabelValues(entry, outcome).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
