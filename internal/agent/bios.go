package agent

import "github.com/qiki/dtmp/internal/contracts"

// BiosReport is the typed result of the BIOS phase.
type BiosReport struct {
	Seen         bool
	AllSystemsGo bool
	Failed       []string
	Degraded     []string
	ProfileHash  string
}

// assessBios validates the latest BIOS status. The go/no-go verdict is
// recomputed from the POST results; a status flag that disagrees with its own
// results is not trusted.
func assessBios(st *contracts.BiosStatus) BiosReport {
	if st == nil {
		return BiosReport{}
	}
	report := BiosReport{Seen: true, ProfileHash: st.HardwareProfileHash}
	for _, post := range st.PostResults {
		switch {
		case post.Status >= contracts.PostFail:
			report.Failed = append(report.Failed, post.DeviceID)
		case post.Status == contracts.PostWarn:
			report.Degraded = append(report.Degraded, post.DeviceID)
		}
	}
	report.AllSystemsGo = len(report.Failed) == 0 && st.AllSystemsGo
	return report
}
