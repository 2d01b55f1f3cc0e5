package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes tick-loop health. All methods are nil-receiver safe.
type Metrics struct {
	TicksTotal      prometheus.Counter
	DroppedTicks    prometheus.Counter
	TickSeconds     prometheus.Histogram
	EdgeEvents      *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	PublishFailures prometheus.Counter
	SafeMode        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_sim_ticks_total",
			Help: "Completed simulation ticks.",
		}),
		DroppedTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_sim_dropped_ticks_total",
			Help: "Ticks dropped after a trapped panic.",
		}),
		TickSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "qiki_sim_tick_seconds",
			Help:    "Wall time spent per tick.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
		EdgeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_sim_edge_events_total",
			Help: "Edge events emitted, by kind.",
		}, []string{"kind"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_sim_commands_total",
			Help: "Control commands handled, by outcome.",
		}, []string{"outcome"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_sim_publish_failures_total",
			Help: "Telemetry or event publishes that failed after retry.",
		}),
		SafeMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_sim_safe_mode",
			Help: "1 while the sim refuses command side effects.",
		}),
	}
}

func (m *Metrics) RecordTick(seconds float64) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickSeconds.Observe(seconds)
}

func (m *Metrics) RecordDroppedTick() {
	if m == nil {
		return
	}
	m.DroppedTicks.Inc()
}

func (m *Metrics) RecordEdge(kind string) {
	if m == nil {
		return
	}
	m.EdgeEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCommand(outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) RecordSafeMode(on bool) {
	if m == nil {
		return
	}
	if on {
		m.SafeMode.Set(1)
	} else {
		m.SafeMode.Set(0)
	}
}
