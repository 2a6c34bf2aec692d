// Package metrics registers the Prometheus collectors for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Upstream feed
	tokensReceived     prometheus.Counter
	upstreamReconnects prometheus.Counter
	eventsDropped      prometheus.Counter

	// Enrichment
	enrichDuration   prometheus.Histogram
	enrichErrors     *prometheus.CounterVec
	fallbackAttempts *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec

	// Fan-out
	tokensSent        prometheus.Counter
	tokensFiltered    prometheus.Counter
	activeSubscribers prometheus.Gauge

	startTime time.Time
}

func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the collectors on the given registerer.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		tokensReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenstream_tokens_received_total",
			Help: "Total number of raw tokens received from the upstream feed",
		}),
		upstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenstream_upstream_reconnects_total",
			Help: "Total number of upstream websocket reconnections",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenstream_events_dropped_total",
			Help: "Total number of upstream events dropped due to a full queue",
		}),

		enrichDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenstream_enrich_duration_seconds",
			Help:    "Time spent enriching a token",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		enrichErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenstream_enrich_errors_total",
			Help: "Total number of enrichment sub-task errors by stage",
		}, []string{"stage"}),
		fallbackAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenstream_fallback_attempts_total",
			Help: "Total number of upstream API calls by endpoint group and outcome",
		}, []string{"group", "outcome"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenstream_cache_hits_total",
			Help: "Total number of cache hits by cache name",
		}, []string{"cache"}),

		tokensSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenstream_tokens_sent_total",
			Help: "Total number of token deliveries to subscribers",
		}),
		tokensFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenstream_tokens_filtered_total",
			Help: "Total number of token deliveries suppressed by filters",
		}),
		activeSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tokenstream_active_subscribers",
			Help: "Number of currently connected subscriber sessions",
		}),
	}
}

func (m *Metrics) IncrementTokensReceived() { m.tokensReceived.Inc() }
func (m *Metrics) IncrementReconnects() { m.upstreamReconnects.Inc() }
func (m *Metrics) IncrementEventsDropped() { m.eventsDropped.Inc() }
func (m *Metrics) IncrementTokensSent() { m.tokensSent.Inc() }
func (m *Metrics) IncrementTokensFiltered() { m.tokensFiltered.Inc() }
func (m *Metrics) IncrementSubscribers() { m.activeSubscribers.Inc() }
func (m *Metrics) DecrementSubscribers() { m.activeSubscribers.Dec() }

func (m *Metrics) RecordEnrichDuration(d time.Duration) {
	m.enrichDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordEnrichError(stage string) {
	m.enrichErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordFallbackAttempt(group, outcome string) {
	m.fallbackAttempts.WithLabelValues(group, outcome).Inc()
}

func (m *Metrics) RecordCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
