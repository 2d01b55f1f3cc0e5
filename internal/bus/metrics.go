package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for one bus instance.
type Metrics struct {
	PublishTotal     *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	DedupDropped     *prometheus.CounterVec
	FetchedTotal     *prometheus.CounterVec
	RedeliveredTotal *prometheus.CounterVec
	AckPendingLimit  *prometheus.CounterVec
	SubscriberDrops  *prometheus.CounterVec
}

// NewMetrics registers the bus metrics on reg. Pass a fresh registry in
// tests so parallel bus instances do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_bus_publish_total",
				Help: "Messages published, by plane (core|stream)",
			},
			[]string{"plane"},
		),
		PublishFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_bus_publish_failures_total",
				Help: "Publish attempts that returned an error",
			},
			[]string{"plane"},
		),
		DedupDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_bus_dedup_dropped_total",
				Help: "Stream publishes elided by the dedup window",
			},
			[]string{"stream"},
		),
		FetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_bus_fetched_total",
				Help: "Messages delivered to pull consumers",
			},
			[]string{"durable"},
		),
		RedeliveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_bus_redelivered_total",
				Help: "Messages redelivered after ack_wait expiry",
			},
			[]string{"durable"},
		),
		AckPendingLimit: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_bus_ack_pending_limit_total",
				Help: "Fetches refused at max_ack_pending",
			},
			[]string{"durable"},
		),
		SubscriberDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_bus_subscriber_drops_total",
				Help: "Core-plane messages shed by slow subscribers (oldest first)",
			},
			[]string{"subject"},
		),
	}
}

// RecordPublish counts one publish outcome on a plane.
func (m *Metrics) RecordPublish(plane string, err error) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(plane).Inc()
	if err != nil {
		m.PublishFailures.WithLabelValues(plane).Inc()
	}
}

// RecordDedup counts a duplicate publish elided on stream.
func (m *Metrics) RecordDedup(stream string) {
	if m == nil {
		return
	}
	m.DedupDropped.WithLabelValues(stream).Inc()
}

// RecordFetch counts delivered and redelivered messages for a durable.
func (m *Metrics) RecordFetch(durable string, delivered, redelivered int) {
	if m == nil {
		return
	}
	m.FetchedTotal.WithLabelValues(durable).Add(float64(delivered))
	if redelivered > 0 {
		m.RedeliveredTotal.WithLabelValues(durable).Add(float64(redelivered))
	}
}

// RecordAckPendingLimit counts a refused fetch for a durable.
func (m *Metrics) RecordAckPendingLimit(durable string) {
	if m == nil {
		return
	}
	m.AckPendingLimit.WithLabelValues(durable).Inc()
}

// RecordSubscriberDrop counts one shed core-plane message.
func (m *Metrics) RecordSubscriberDrop(subject string) {
	if m == nil {
		return
	}
	m.SubscriberDrops.WithLabelValues(subject).Inc()
}
