// Package observability provides Prometheus metrics for the cache and sync layers.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Cache metrics
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheFetches       *prometheus.CounterVec
	CacheFetchErrors   *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	CacheEvictions     prometheus.Counter

	// Mutation metrics
	Mutations *prometheus.CounterVec

	// Sync metrics
	PushEvents     *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	ReplayAttempts *prometheus.CounterVec
	Online         prometheus.Gauge
}

// NewMetrics registers all metrics on reg. Pass prometheus.NewRegistry() in tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "posledger"
	}
	f := promauto.With(reg)

	return &Metrics{
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Reads served from cached data",
		}, []string{"scope"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Reads that had to wait for a fetch",
		}, []string{"scope"}),
		CacheFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Fetches issued to the position store after de-duplication",
		}, []string{"scope"}),
		CacheFetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_errors_total",
			Help:      "Failed fetches",
		}, []string{"scope"}),
		CacheInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Invalidations applied after debouncing",
		}, []string{"scope"}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted by garbage collection",
		}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimistic",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by kind and outcome",
		}, []string{"kind", "outcome"}),
		PushEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "push_events_total",
			Help:      "Push events by entity kind and disposition",
		}, []string{"entity", "disposition"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Pending operations waiting for replay",
		}),
		ReplayAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replay_attempts_total",
			Help:      "Replay attempts by outcome",
		}, []string{"outcome"}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "online",
			Help:      "1 when the position store is reachable",
		}),
	}
}

func (m *Metrics) CacheHit(scope string) {
	if m != nil {
		m.CacheHits.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) CacheMiss(scope string) {
	if m != nil {
		m.CacheMisses.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) CacheFetch(scope string) {
	if m != nil {
		m.CacheFetches.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) CacheFetchError(scope string) {
	if m != nil {
		m.CacheFetchErrors.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) CacheInvalidation(scope string) {
	if m != nil {
		m.CacheInvalidations.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) CacheEvicted(n int) {
	if m != nil {
		m.CacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) Mutation(kind, outcome string) {
	if m != nil {
		m.Mutations.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) PushEvent(entity, disposition string) {
	if m != nil {
		m.PushEvents.WithLabelValues(entity, disposition).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) ReplayAttempt(outcome string) {
	if m != nil {
		m.ReplayAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
}

// Handler returns an HTTP handler exposing metrics from gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
