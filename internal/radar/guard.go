package radar

import (
	"sort"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

// GuardEngine evaluates the guard rules against each track picture. Alerts
// are edge-triggered: once a (rule, target) pair fires it stays quiet for the
// rule's debounce window, then re-fires if the condition still holds so the
// incident store can refresh last-seen.
type GuardEngine struct {
	rules   *config.GuardRules
	lastHit map[string]float64      // rule|target -> last emit ts
	seenIDs map[string][]idSighting // transponder id -> recent carriers
	metrics *Metrics
}

type idSighting struct {
	trackID string
	ts      float64
}

func NewGuardEngine(rules *config.GuardRules, metrics *Metrics) *GuardEngine {
	if rules == nil {
		rules = config.DefaultGuardRules()
	}
	return &GuardEngine{
		rules:   rules,
		lastHit: make(map[string]float64),
		seenIDs: make(map[string][]idSighting),
		metrics: metrics,
	}
}

// Evaluate runs all rules over the views and returns the alerts due now.
func (g *GuardEngine) Evaluate(tsEpoch float64, views []TrackView) []contracts.GuardAlert {
	var alerts []contracts.GuardAlert

	for _, v := range views {
		if v.Status == contracts.TrackLost || v.RangeBand != contracts.BandSR {
			continue
		}
		if g.unknownClose(v) {
			alerts = g.emit(alerts, tsEpoch, contracts.RuleUnknownContactClose,
				g.rules.UnknownContactClose.DebounceS, g.rules.UnknownContactClose.Severity, v.ID)
		}
		if g.foeApproach(v) {
			alerts = g.emit(alerts, tsEpoch, contracts.RuleFoeXpdrOffApproach,
				g.rules.FoeTransponderOffApproach.DebounceS, g.rules.FoeTransponderOffApproach.Severity, v.ID)
		}
	}

	for _, id := range g.spoofed(tsEpoch, views) {
		alerts = g.emit(alerts, tsEpoch, contracts.RuleSpoofingDetected,
			g.rules.SpoofingDetected.DebounceS, g.rules.SpoofingDetected.Severity, id)
	}
	return alerts
}

// unknownClose: a short-range contact with no transponder identity inside the
// protection radius, seen reliably enough to act on.
func (g *GuardEngine) unknownClose(v TrackView) bool {
	r := g.rules.UnknownContactClose
	return !v.IDPresent && v.RangeM < r.MaxRangeM && v.Quality >= r.MinQuality
}

// foeApproach: a silent short-range contact closing faster than the threshold.
func (g *GuardEngine) foeApproach(v TrackView) bool {
	r := g.rules.FoeTransponderOffApproach
	return !v.IDPresent && v.RangeM < r.MaxRangeM && v.RangeRateMS <= -r.ApproachRateMS
}

// spoofed returns the ids of tracks whose transponder identity was also seen
// on a different track within the spoofing window.
func (g *GuardEngine) spoofed(tsEpoch float64, views []TrackView) []string {
	window := g.rules.SpoofingDetected.WindowS
	collided := make(map[string]bool)

	for _, v := range views {
		if v.Status == contracts.TrackLost || !v.IDPresent || v.TransponderID == "" {
			continue
		}
		kept := g.seenIDs[v.TransponderID][:0]
		for _, s := range g.seenIDs[v.TransponderID] {
			if tsEpoch-s.ts <= window {
				kept = append(kept, s)
			}
		}
		self := -1
		for i, s := range kept {
			if s.trackID == v.ID {
				self = i
				continue
			}
			collided[v.ID] = true
			collided[s.trackID] = true
		}
		if self >= 0 {
			kept[self].ts = tsEpoch
		} else {
			kept = append(kept, idSighting{trackID: v.ID, ts: tsEpoch})
		}
		g.seenIDs[v.TransponderID] = kept
	}

	out := make([]string, 0, len(collided))
	for id := range collided {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *GuardEngine) emit(alerts []contracts.GuardAlert, tsEpoch float64, ruleID string, debounceS float64, severity, target string) []contracts.GuardAlert {
	key := ruleID + "|" + target
	if last, ok := g.lastHit[key]; ok && tsEpoch-last < debounceS {
		return alerts
	}
	g.lastHit[key] = tsEpoch
	g.metrics.RecordAlert(ruleID)
	return append(alerts, contracts.GuardAlert{
		Category:      "radar",
		Kind:          "guard_alert",
		RuleID:        ruleID,
		Severity:      contracts.Severity(severity),
		TargetTrackID: target,
		TsEpoch:       tsEpoch,
	})
}
