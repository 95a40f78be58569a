// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Quota metrics
	QuotaDecisions    *prometheus.CounterVec
	QuotaFailOpen     *prometheus.CounterVec
	QuotaStoreLatency *prometheus.HistogramVec

	// Registry metrics
	EventsCreated prometheus.Counter
	SongsAdded    prometheus.Counter
	EventsExpired *prometheus.CounterVec
	EventsPurged  prometheus.Counter
	IDCollisions  prometheus.Counter

	// Live feed metrics
	ActiveSubscribers prometheus.Gauge
	DroppedMessages   prometheus.Counter
	MessagesSent      *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// namespace is the metrics namespace.
const namespace = "setlist"

// NewMetrics creates a Metrics instance registered on a fresh registry that
// also carries the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Request metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),

		// Quota metrics
		QuotaDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Total number of quota decisions",
			},
			[]string{"kind", "outcome"}, // outcome: allowed, denied, warning, degraded
		),
		QuotaFailOpen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_store_failures_total",
				Help:      "Counter store failures absorbed by fail-open handling",
			},
			[]string{"kind", "op"}, // op: check, record
		),
		QuotaStoreLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "quota_store_latency_seconds",
				Help:      "Latency of counter store calls in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
			},
			[]string{"op"},
		),

		// Registry metrics
		EventsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_created_total",
				Help:      "Total number of events created",
			},
		),
		SongsAdded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "songs_added_total",
				Help:      "Total number of songs added",
			},
		),
		EventsExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_expired_total",
				Help:      "Total number of events marked inactive",
			},
			[]string{"source"}, // source: lookup, sweep
		),
		EventsPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_purged_total",
				Help:      "Total number of inactive events deleted",
			},
		),
		IDCollisions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_id_collisions_total",
				Help:      "Total number of generated event ids that were already taken",
			},
		),

		// Live feed metrics
		ActiveSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_subscribers",
				Help:      "Current number of live feed subscribers",
			},
		),
		DroppedMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_dropped_messages_total",
				Help:      "Total number of live messages dropped due to slow consumers",
			},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_messages_sent_total",
				Help:      "Total number of live messages sent to subscribers",
			},
			[]string{"format"}, // format: json, msgpack
		),

		// Rate limit metrics
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_hits_total",
				Help:      "Total number of rate limit hits",
			},
			[]string{"route"},
		),
	}
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(method, route string, status int, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration)
}

// RecordDecision records the outcome of an admission check.
func (m *Metrics) RecordDecision(kind string, allowed, warning, degraded bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	switch {
	case degraded:
		outcome = "degraded"
	case !allowed:
		outcome = "denied"
	case warning:
		outcome = "warning"
	}
	m.QuotaDecisions.WithLabelValues(kind, outcome).Inc()
}

// RecordStoreFailure records a counter store failure absorbed by the caller.
func (m *Metrics) RecordStoreFailure(kind, op string) {
	if m == nil {
		return
	}
	m.QuotaFailOpen.WithLabelValues(kind, op).Inc()
}

// RecordStoreLatency records the latency of a counter store call.
func (m *Metrics) RecordStoreLatency(op string, seconds float64) {
	if m == nil {
		return
	}
	m.QuotaStoreLatency.WithLabelValues(op).Observe(seconds)
}

// RecordEventCreated records a created event.
func (m *Metrics) RecordEventCreated() {
	if m == nil {
		return
	}
	m.EventsCreated.Inc()
}

// RecordSongAdded records an added song.
func (m *Metrics) RecordSongAdded() {
	if m == nil {
		return
	}
	m.SongsAdded.Inc()
}

// RecordEventsExpired records events marked inactive.
func (m *Metrics) RecordEventsExpired(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsExpired.WithLabelValues(source).Add(float64(n))
}

// RecordEventsPurged records deleted events.
func (m *Metrics) RecordEventsPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsPurged.Add(float64(n))
}

// RecordIDCollision records a generated id that was already taken.
func (m *Metrics) RecordIDCollision() {
	if m == nil {
		return
	}
	m.IDCollisions.Inc()
}

// RecordSubscribe records a new live subscriber.
func (m *Metrics) RecordSubscribe() {
	if m == nil {
		return
	}
	m.ActiveSubscribers.Inc()
}

// RecordUnsubscribe records a departed live subscriber.
func (m *Metrics) RecordUnsubscribe() {
	if m == nil {
		return
	}
	m.ActiveSubscribers.Dec()
}

// RecordDroppedMessage records a dropped live message.
func (m *Metrics) RecordDroppedMessage() {
	if m == nil {
		return
	}
	m.DroppedMessages.Inc()
}

// RecordMessageSent records a live message sent.
func (m *Metrics) RecordMessageSent(format string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(format).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(route).Inc()
}
