package fsmstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes store health. All methods are nil-receiver safe.
type Metrics struct {
	Version         prometheus.Gauge
	Subscribers     prometheus.Gauge
	WritesTotal     prometheus.Counter
	ElisionsTotal   prometheus.Counter
	SubscriberDrops *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Version: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_fsm_version",
			Help: "Current FSM snapshot version.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_fsm_subscribers",
			Help: "Registered FSM update subscribers.",
		}),
		WritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_fsm_writes_total",
			Help: "Effective FSM writes (version bumps).",
		}),
		ElisionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_fsm_elided_writes_total",
			Help: "Writes elided because canonical bytes were unchanged.",
		}),
		SubscriberDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_fsm_subscriber_drops_total",
			Help: "Oldest updates evicted from slow subscriber queues.",
		}, []string{"subscriber"}),
	}
}

func (m *Metrics) RecordVersion(v int64) {
	if m == nil {
		return
	}
	m.Version.Set(float64(v))
}

func (m *Metrics) RecordWrite(version int64) {
	if m == nil {
		return
	}
	m.WritesTotal.Inc()
	m.Version.Set(float64(version))
}

func (m *Metrics) RecordElision() {
	if m == nil {
		return
	}
	m.ElisionsTotal.Inc()
}

func (m *Metrics) RecordSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) RecordDrop(subscriber string) {
	if m == nil {
		return
	}
	m.SubscriberDrops.WithLabelValues(subscriber).Inc()
}
