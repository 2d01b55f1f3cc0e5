package operator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the incident service.
type Metrics struct {
	IncidentsOpen    prometheus.Gauge
	LifecycleTotal   *prometheus.CounterVec
	AlertsTotal      prometheus.Counter
	EventsMatched    *prometheus.CounterVec
	DuplicatesTotal  prometheus.Counter
	CommandsTotal    *prometheus.CounterVec
	FeedClients      prometheus.Gauge
	FeedDropsTotal   prometheus.Counter
	SessionConsumers prometheus.Gauge
}

// NewMetrics registers the operator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IncidentsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_operator_incidents_open",
			Help: "Incidents currently open or acknowledged",
		}),
		LifecycleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_operator_incident_lifecycle_total",
				Help: "Incident lifecycle events emitted, by kind",
			},
			[]string{"kind"},
		),
		AlertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_operator_alerts_total",
			Help: "Guard alerts consumed from the radar stream",
		}),
		EventsMatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_operator_events_matched_total",
				Help: "Persisted events matched by an incident rule",
			},
			[]string{"rule_id"},
		),
		DuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_operator_duplicates_total",
			Help: "Redelivered messages recognized by id and skipped",
		}),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qiki_operator_commands_total",
				Help: "Operator commands handled, by outcome",
			},
			[]string{"outcome"},
		),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_operator_feed_clients",
			Help: "Connected live-feed WebSocket clients",
		}),
		FeedDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_operator_feed_drops_total",
			Help: "Feed messages shed because a client queue was full",
		}),
		SessionConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_operator_session_consumers",
			Help: "Per-session track consumers currently running",
		}),
	}
}

func (m *Metrics) RecordOpenCount(n int) {
	if m == nil {
		return
	}
	m.IncidentsOpen.Set(float64(n))
}

func (m *Metrics) RecordLifecycle(kind string) {
	if m == nil {
		return
	}
	m.LifecycleTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAlert() {
	if m == nil {
		return
	}
	m.AlertsTotal.Inc()
}

func (m *Metrics) RecordEventMatch(ruleID string) {
	if m == nil {
		return
	}
	m.EventsMatched.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesTotal.Inc()
}

func (m *Metrics) RecordCommand(outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFeedClients(n int) {
	if m == nil {
		return
	}
	m.FeedClients.Set(float64(n))
}

func (m *Metrics) RecordFeedDrop() {
	if m == nil {
		return
	}
	m.FeedDropsTotal.Inc()
}

func (m *Metrics) RecordSessionConsumers(delta int) {
	if m == nil {
		return
	}
	m.SessionConsumers.Add(float64(delta))
}
