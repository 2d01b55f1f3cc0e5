package bios

import (
	"fmt"
	"strings"

	"github.com/qiki/dtmp/internal/contracts"
)

// PostReport is the outcome of one power-on self test pass.
type PostReport struct {
	Results      []contracts.PostResult
	AllSystemsGo bool
}

// RunPost grades every declared device. all_systems_go holds only when no
// device reports FAIL or worse, which folds in required-device presence:
// a required device declared absent grades as FAIL.
func RunPost(p *Profile) PostReport {
	report := PostReport{
		Results:      make([]contracts.PostResult, 0, len(p.Devices)),
		AllSystemsGo: true,
	}
	for _, d := range p.Devices {
		status, msg := gradeDevice(d)
		if status >= contracts.PostFail {
			report.AllSystemsGo = false
		}
		report.Results = append(report.Results, contracts.PostResult{
			DeviceID:      d.ID,
			DeviceName:    d.Name,
			Status:        status,
			StatusMessage: msg,
		})
	}
	return report
}

func gradeDevice(d Device) (int, string) {
	switch strings.ToLower(d.Health) {
	case "", "ok":
		return contracts.PostOK, ""
	case "warn":
		return contracts.PostWarn, "degraded"
	case "fail":
		return contracts.PostFail, "self test failed"
	case "critical":
		return contracts.PostCritical, "critical fault"
	case "absent":
		if d.Required {
			return contracts.PostFail, "required device not detected"
		}
		return contracts.PostWarn, "optional device not detected"
	default:
		// Validate catches this on load; a live edit can still race past it.
		return contracts.PostFail, fmt.Sprintf("unknown declared health %q", d.Health)
	}
}
