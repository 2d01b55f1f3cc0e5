package bios

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qiki/dtmp/internal/contracts"
)

// Metrics exposes firmware health. All methods are nil-receiver safe.
type Metrics struct {
	StatusPublished prometheus.Counter
	AllSystemsGo    prometheus.Gauge
	DevicesFailing  prometheus.Gauge
	ReloadErrors    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StatusPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_bios_status_published_total",
			Help: "BIOS status events appended to the event stream.",
		}),
		AllSystemsGo: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_bios_all_systems_go",
			Help: "1 when the last POST passed, 0 otherwise.",
		}),
		DevicesFailing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qiki_bios_devices_failing",
			Help: "Devices at FAIL or CRITICAL in the last POST.",
		}),
		ReloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_bios_profile_reload_errors_total",
			Help: "Hardware profile reloads rejected as unreadable or invalid.",
		}),
	}
}

func (m *Metrics) RecordStatus(report PostReport) {
	if m == nil {
		return
	}
	m.StatusPublished.Inc()
	if report.AllSystemsGo {
		m.AllSystemsGo.Set(1)
	} else {
		m.AllSystemsGo.Set(0)
	}
	failing := 0
	for _, r := range report.Results {
		if r.Status >= contracts.PostFail {
			failing++
		}
	}
	m.DevicesFailing.Set(float64(failing))
}

func (m *Metrics) RecordReloadError() {
	if m == nil {
		return
	}
	m.ReloadErrors.Inc()
}
