package radar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline health. All methods are nil-receiver safe.
type Metrics struct {
	FramesTotal      prometheus.Counter
	FramesDropped    prometheus.Counter
	DetectionsTotal  prometheus.Counter
	TracksActive     prometheus.Gauge
	TracksSpawned    prometheus.Counter
	TracksConfirmed  prometheus.Counter
	TracksRetired    prometheus.Counter
	IdentityStripped prometheus.Counter
	GuardAlerts      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_radar_frames_total",
			Help: "Radar frames consumed from the stream.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_radar_frames_dropped_total",
			Help: "Frames acked and skipped because they failed to decode.",
		}),
		DetectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_radar_detections_total",
			Help: "Detections ingested across all frames.",
		}),
		TracksActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_radar_tracks_active",
			Help: "Live tracks in the store after the last frame.",
		}),
		TracksSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_radar_tracks_spawned_total",
			Help: "Tracks created for unassociated detections.",
		}),
		TracksConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_radar_tracks_confirmed_total",
			Help: "Tracks promoted from NEW to TRACKED.",
		}),
		TracksRetired: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_radar_tracks_retired_total",
			Help: "Tracks retired after consecutive misses.",
		}),
		IdentityStripped: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_radar_identity_stripped_total",
			Help: "LR detections that arrived carrying transponder identity.",
		}),
		GuardAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qiki_radar_guard_alerts_total",
			Help: "Guard alerts emitted, by rule.",
		}, []string{"rule"}),
	}
}

func (m *Metrics) RecordFrame(detections int) {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
	m.DetectionsTotal.Add(float64(detections))
}

func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) RecordActive(n int) {
	if m == nil {
		return
	}
	m.TracksActive.Set(float64(n))
}

func (m *Metrics) RecordSpawned() {
	if m == nil {
		return
	}
	m.TracksSpawned.Inc()
}

func (m *Metrics) RecordConfirmed() {
	if m == nil {
		return
	}
	m.TracksConfirmed.Inc()
}

func (m *Metrics) RecordRetired() {
	if m == nil {
		return
	}
	m.TracksRetired.Inc()
}

func (m *Metrics) RecordStripped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.IdentityStripped.Add(float64(n))
}

func (m *Metrics) RecordAlert(rule string) {
	if m == nil {
		return
	}
	m.GuardAlerts.WithLabelValues(rule).Inc()
}
