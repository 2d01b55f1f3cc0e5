package agent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/qiki/dtmp/internal/contracts"
)

// Rule produces zero or more proposals from the tick context. Rules are an
// explicit list configured at startup; there is no registration machinery.
type Rule interface {
	Name() string
	Evaluate(ctx *AgentContext) []contracts.Proposal
}

// NeuralEngine is the learned-policy hook. The platform ships a no-op
// default; a real model slots in behind the same interface.
type NeuralEngine interface {
	Infer(ctx *AgentContext) []contracts.Proposal
}

// NoopNeuralEngine proposes nothing.
type NoopNeuralEngine struct{}

func (NoopNeuralEngine) Infer(*AgentContext) []contracts.Proposal { return nil }

func newProposal(source string, ts float64, ptype contracts.ProposalType, justification string, priority, confidence float64) contracts.Proposal {
	return contracts.Proposal{
		ID:            uuid.NewString(),
		SourceModule:  source,
		TsEpoch:       ts,
		Actions:       []contracts.ProposalAction{},
		Justification: justification,
		Priority:      priority,
		Confidence:    confidence,
		Type:          ptype,
		Status:        contracts.ProposalPending,
	}
}

// DefaultRules is the built-in rule list.
func DefaultRules(source string, socProposalPct float64) []Rule {
	return []Rule{
		&batteryLowRule{source: source, thresholdPct: socProposalPct},
		&radarGuardRule{source: source},
		&idleProbeRule{source: source},
	}
}

// batteryLowRule proposes a power-down review when the battery falls under
// its threshold. Safety class, high confidence.
type batteryLowRule struct {
	source       string
	thresholdPct float64
}

func (r *batteryLowRule) Name() string { return "battery_low" }

func (r *batteryLowRule) Evaluate(ctx *AgentContext) []contracts.Proposal {
	if ctx.Telemetry == nil || ctx.Telemetry.BatteryPct == nil {
		return nil
	}
	pct := *ctx.Telemetry.BatteryPct
	if pct >= r.thresholdPct {
		return nil
	}
	p := newProposal(r.source, ctx.TsEpoch, contracts.ProposalSafety,
		fmt.Sprintf("battery at %.1f%%, below the %.0f%% reserve; recommend shedding non-critical loads", pct, r.thresholdPct),
		0.9, 0.9)
	return []contracts.Proposal{p}
}

// radarGuardRule proposes a sensor review whenever a guard alert is live.
type radarGuardRule struct {
	source string
}

func (r *radarGuardRule) Name() string { return "radar_guard" }

func (r *radarGuardRule) Evaluate(ctx *AgentContext) []contracts.Proposal {
	if len(ctx.Alerts) == 0 {
		return nil
	}
	alert := ctx.Alerts[0]
	p := newProposal(r.source, ctx.TsEpoch, contracts.ProposalDiagnostics,
		fmt.Sprintf("guard rule %s fired on track %s; recommend operator review of the track picture", alert.RuleID, alert.TargetTrackID),
		0.7, 0.75)
	return []contracts.Proposal{p}
}

// idleProbeRule suggests an exploration sweep when nothing else is going on.
// Its confidence sits below the default threshold; it only surfaces when the
// operator lowers the bar.
type idleProbeRule struct {
	source string
}

func (r *idleProbeRule) Name() string { return "idle_probe" }

func (r *idleProbeRule) Evaluate(ctx *AgentContext) []contracts.Proposal {
	if ctx.FSMState != contracts.StateIdle || len(ctx.Alerts) > 0 {
		return nil
	}
	p := newProposal(r.source, ctx.TsEpoch, contracts.ProposalExploration,
		"no pending work; a low-power radar sweep would refresh the track picture",
		0.2, 0.3)
	return []contracts.Proposal{p}
}
