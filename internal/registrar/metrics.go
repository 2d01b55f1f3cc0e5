package registrar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes archive health. All methods are nil-receiver safe.
type Metrics struct {
	Archived     prometheus.Counter
	Duplicates   prometheus.Counter
	AppendErrors prometheus.Counter
	FilesRemoved prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Archived: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_registrar_archived_total",
			Help: "Events appended to the daily archive.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_registrar_duplicates_total",
			Help: "Redelivered events already present in the day file.",
		}),
		AppendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_registrar_append_errors_total",
			Help: "Appends that failed and were left for redelivery.",
		}),
		FilesRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "qiki_registrar_files_removed_total",
			Help: "Day files deleted by the retention sweep.",
		}),
	}
}

func (m *Metrics) RecordArchived() {
	if m == nil {
		return
	}
	m.Archived.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *Metrics) RecordAppendError() {
	if m == nil {
		return
	}
	m.AppendErrors.Inc()
}

func (m *Metrics) RecordFilesRemoved(n int) {
	if m == nil {
		return
	}
	m.FilesRemoved.Add(float64(n))
}
