package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes forwarding health. All methods are nil-receiver safe.
type Metrics struct {
	Forwarded         *prometheus.CounterVec
	ForwardErrors     prometheus.Counter
	Duplicates        prometheus.Counter
	TelemetryMirrored prometheus.Counter
	TelemetryDropped  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_bridge_forwarded_total",
			Help: "Stream messages republished on the core plane, by stream.",
		}, []string{"stream"}),
		ForwardErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_bridge_forward_errors_total",
			Help: "Republishes that failed and were left for redelivery.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_bridge_duplicates_total",
			Help: "Redeliveries skipped inside the dedup window.",
		}),
		TelemetryMirrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_bridge_telemetry_mirrored_total",
			Help: "Telemetry snapshots mirrored downstream.",
		}),
		TelemetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_bridge_telemetry_dropped_total",
			Help: "Telemetry snapshots superseded before the mirror sent them.",
		}),
	}
}

func (m *Metrics) RecordForwarded(stream string) {
	if m == nil {
		return
	}
	m.Forwarded.WithLabelValues(stream).Inc()
}

func (m *Metrics) RecordForwardError() {
	if m == nil {
		return
	}
	m.ForwardErrors.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *Metrics) RecordMirrored() {
	if m == nil {
		return
	}
	m.TelemetryMirrored.Inc()
}

func (m *Metrics) RecordMirrorDrop() {
	if m == nil {
		return
	}
	m.TelemetryDropped.Inc()
}
