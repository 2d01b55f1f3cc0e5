package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes tick loop health. All methods are nil-receiver safe.
type Metrics struct {
	TicksTotal         prometheus.Counter
	TickSeconds        prometheus.Histogram
	TicksSkipped       prometheus.Counter
	PhaseErrors        *prometheus.CounterVec
	ProposalsEvaluated prometheus.Counter
	ProposalsSelected  prometheus.Counter
	ProposalsEmitted   *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	SafeMode           prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_agent_ticks_total",
			Help: "Completed agent ticks.",
		}),
		TickSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "qiki_agent_tick_seconds",
			Help:    "Wall time of one full tick.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_agent_ticks_skipped_total",
			Help: "Ticks skipped while the loop sat in SAFE_MODE.",
		}),
		PhaseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_agent_phase_errors_total",
			Help: "Tick phase failures, by phase.",
		}, []string{"phase"}),
		ProposalsEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_agent_proposals_evaluated_total",
			Help: "Candidate proposals produced by rules and engines.",
		}),
		ProposalsSelected: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_agent_proposals_selected_total",
			Help: "Proposals that passed the confidence and top-k filters.",
		}),
		ProposalsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_agent_proposals_emitted_total",
			Help: "Proposals published on the intents subject, by type.",
		}, []string{"type"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_agent_fsm_transitions_total",
			Help: "Effective FSM transitions, by destination state.",
		}, []string{"to"}),
		SafeMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_agent_safe_mode",
			Help: "1 while the tick loop is in SAFE_MODE.",
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

func (m *Metrics) RecordSkippedTick() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}

func (m *Metrics) RecordPhaseError(phase string) {
	if m == nil {
		return
	}
	m.PhaseErrors.WithLabelValues(phase).Inc()
}

func (m *Metrics) RecordEvaluation(candidates, selected int) {
	if m == nil {
		return
	}
	m.ProposalsEvaluated.Add(float64(candidates))
	m.ProposalsSelected.Add(float64(selected))
}

func (m *Metrics) RecordEmitted(ptype string) {
	if m == nil {
		return
	}
	m.ProposalsEmitted.WithLabelValues(ptype).Inc()
}

func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) RecordSafeMode(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SafeMode.Set(1)
	} else {
		m.SafeMode.Set(0)
	}
}
