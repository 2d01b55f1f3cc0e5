package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
	"github.com/qiki/dtmp/internal/fsmstore"
	"github.com/qiki/dtmp/internal/guardrails"
)

// Orchestrator runs the agent tick loop. It holds the FSM store's writer
// token for its whole life; handleFSM is the only code path that writes.
//
// Failure semantics: a phase error (or a trapped panic) puts the loop into
// SAFE_MODE for the configured recovery delay, emits a WARN audit event, and
// resumes. A panic additionally forces the FSM to ERROR_STATE on the next
// effective tick.
type Orchestrator struct {
	log      *slog.Logger
	bus      bus.Bus
	cfg      config.AgentConfig
	store    *fsmstore.Store
	writer   *fsmstore.Writer
	provider Provider
	rules    []Rule
	neural   NeuralEngine
	policy   *guardrails.Policy
	metrics  *Metrics
	source   string

	tick          int64
	lastProposals []contracts.Proposal
	fatal         bool
	safeMode      bool
	safeUntil     time.Time
	now           func() time.Time
}

func NewOrchestrator(log *slog.Logger, b bus.Bus, cfg config.AgentConfig, store *fsmstore.Store, provider Provider, rules []Rule, neural NeuralEngine, policy *guardrails.Policy, metrics *Metrics) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}
	if neural == nil {
		neural = NoopNeuralEngine{}
	}
	if policy == nil {
		policy = guardrails.NewPolicy(guardrails.ModeStrict, log)
	}
	writer, err := store.AcquireWriter(cfg.Source)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:      log,
		bus:      b,
		cfg:      cfg,
		store:    store,
		writer:   writer,
		provider: provider,
		rules:    rules,
		neural:   neural,
		policy:   policy,
		metrics:  metrics,
		source:   cfg.Source,
		now:      time.Now,
	}, nil
}

// Run ticks until ctx is cancelled, then writes the terminal SHUTDOWN
// snapshot and releases the writer token.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("[AgentOrchestrator] started",
		"tick_interval_s", o.cfg.TickIntervalS, "boot_id", o.store.BootID())
	o.log.Info("[AgentOrchestrator] FSM: " + o.store.GetJSONForLogs())

	period := time.Duration(o.cfg.TickIntervalS * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs the five phases once. Exported so tests and the replay tool can
// drive the loop without wall-clock scheduling.
func (o *Orchestrator) Tick(ctx context.Context) {
	if o.now().Before(o.safeUntil) {
		o.metrics.RecordSkippedTick()
		return
	}
	if o.safeMode {
		o.safeMode = false
		o.metrics.RecordSafeMode(false)
		o.log.Info("[AgentOrchestrator] leaving SAFE_MODE, resuming ticks")
		o.audit(ctx, "safe_mode", contracts.SeverityInfo, contracts.CodeSafeModeExit,
			map[string]any{"safe_mode": false})
	}

	start := time.Now()
	o.tick++
	defer func() {
		if r := recover(); r != nil {
			o.fatal = true
			o.enterSafeMode(ctx, "tick", fmt.Errorf("panic: %v", r))
		}
	}()

	// Phase 1: update_context. The FSM state comes from the store; the
	// provider never supplies it.
	inputs, err := o.provider.Collect(ctx)
	if err != nil {
		o.enterSafeMode(ctx, "update_context", err)
		return
	}
	snap, version, err := o.store.Get()
	if err != nil {
		o.enterSafeMode(ctx, "update_context", err)
		return
	}
	actx := &AgentContext{
		TickNumber: o.tick,
		TsEpoch:    contracts.EpochNow(),
		FSMState:   snap.State,
		FSMVersion: version,
		Inputs:     inputs,
	}

	// Phase 2: handle_bios.
	report := assessBios(actx.Bios)
	if report.Seen && !report.AllSystemsGo {
		o.log.Warn("[AgentOrchestrator] BIOS not go",
			"failed", report.Failed, "degraded", report.Degraded)
	}

	// Phase 3: handle_fsm. Uses the proposals selected on the previous tick;
	// this tick's evaluation feeds the next one.
	if err := o.handleFSM(ctx, actx, snap, report); err != nil {
		o.enterSafeMode(ctx, "handle_fsm", err)
		return
	}

	// Phase 4: evaluate_proposals.
	selected := o.evaluateProposals(actx)

	// Phase 5: make_decision.
	if err := o.makeDecision(ctx, selected); err != nil {
		o.enterSafeMode(ctx, "make_decision", err)
		return
	}

	o.lastProposals = selected
	o.metrics.RecordTick(time.Since(start).Seconds())
}

func (o *Orchestrator) handleFSM(ctx context.Context, actx *AgentContext, snap contracts.FSMSnapshot, report BiosReport) error {
	conds := fsmConditions{
		biosSeen:          report.Seen,
		biosOK:            report.AllSystemsGo,
		hasValidProposals: len(o.lastProposals) > 0,
		fatal:             o.fatal,
	}
	next, reason, due := nextFSM(snap.State, conds)
	if !due {
		return nil
	}
	if reason == ReasonFatalError {
		o.fatal = false
	}

	moved := snap.WithTransition(next, reason, actx.TsEpoch)
	moved.SourceModule = o.source
	if next == contracts.StateError {
		moved.AttemptCount = snap.AttemptCount + 1
	}

	version, changed, err := o.writer.Set(moved)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	o.metrics.RecordTransition(string(next))
	o.log.Info("[AgentOrchestrator] FSM: " + o.store.GetJSONForLogs())

	severity := contracts.SeverityInfo
	code := contracts.CodeFsmTransition
	switch reason {
	case ReasonBootComplete:
		code = contracts.CodeBootComplete
	case ReasonBiosError:
		severity, code = contracts.SeverityError, contracts.CodeBiosPost
	case ReasonFatalError:
		severity, code = contracts.SeverityError, contracts.CodeFatalInternal
	}
	o.audit(ctx, "fsm_transition", severity, code, map[string]any{
		"from":    string(snap.State),
		"to":      string(next),
		"reason":  reason,
		"version": version,
	})
	return nil
}

// evaluateProposals runs the rule list and the neural engine. Only the IDLE
// and ACTIVE states produce proposals; a booting or faulted agent stays
// quiet.
func (o *Orchestrator) evaluateProposals(actx *AgentContext) []contracts.Proposal {
	if actx.FSMState != contracts.StateIdle && actx.FSMState != contracts.StateActive {
		return nil
	}
	var candidates []contracts.Proposal
	for _, rule := range o.rules {
		candidates = append(candidates, rule.Evaluate(actx)...)
	}
	candidates = append(candidates, o.neural.Infer(actx)...)

	selected := EvaluateProposals(candidates, o.cfg.ConfidenceThreshold, o.cfg.TopK)
	o.metrics.RecordEvaluation(len(candidates), len(selected))
	return selected
}

// makeDecision emits the selected proposals on the intents subject. It never
// translates a proposal into an actuator command.
func (o *Orchestrator) makeDecision(ctx context.Context, proposals []contracts.Proposal) error {
	if len(proposals) == 0 {
		return nil
	}
	if err := o.policy.CheckProposalsOnly(proposals); err != nil {
		return err
	}
	proposals = guardrails.StripDirectActions(proposals)

	for _, p := range proposals {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal proposal %s: %w", p.ID, err)
		}
		if err := o.bus.Publish(ctx, contracts.SubjectIntents, data); err != nil {
			return fmt.Errorf("publish proposal %s: %w", p.ID, err)
		}
		o.metrics.RecordEmitted(string(p.Type))
		o.log.Info("[AgentOrchestrator] proposal emitted",
			"id", p.ID, "type", p.Type, "confidence", p.Confidence)
		o.audit(ctx, "proposal_emitted", contracts.SeverityInfo, contracts.CodeProposalEmitted,
			map[string]any{"id": p.ID, "type": string(p.Type), "confidence": p.Confidence})
	}
	return nil
}

func (o *Orchestrator) enterSafeMode(ctx context.Context, phase string, err error) {
	delay := time.Duration(o.cfg.RecoveryDelayS * float64(time.Second))
	o.safeUntil = o.now().Add(delay)
	o.safeMode = true
	o.metrics.RecordPhaseError(phase)
	o.metrics.RecordSafeMode(true)
	o.log.Warn("[AgentOrchestrator] tick phase failed, entering SAFE_MODE",
		"phase", phase, "error", err, "recovery_delay_s", o.cfg.RecoveryDelayS)
	o.audit(ctx, "safe_mode", contracts.SeverityWarn, contracts.CodeSafeModeEnter,
		map[string]any{"safe_mode": true, "phase": phase, "error": err.Error()})
}

// shutdown writes the terminal snapshot and releases the writer token.
func (o *Orchestrator) shutdown() {
	snap, _, err := o.store.Get()
	if err == nil && !snap.State.IsTerminal() {
		moved := snap.WithTransition(contracts.StateShutdown, ReasonShutdownSignal, contracts.EpochNow())
		moved.SourceModule = o.source
		if _, changed, err := o.writer.Set(moved); err == nil && changed {
			o.log.Info("[AgentOrchestrator] FSM: " + o.store.GetJSONForLogs())
			o.audit(context.Background(), "fsm_transition", contracts.SeverityInfo, contracts.CodeShutdown,
				map[string]any{"to": string(contracts.StateShutdown), "reason": ReasonShutdownSignal})
		}
	}
	o.writer.Release()
	o.log.Info("[AgentOrchestrator] stopped", "ticks", o.tick)
}

func (o *Orchestrator) audit(ctx context.Context, kind string, sev contracts.Severity, code int, payload map[string]any) {
	env := contracts.NewEvent(o.source, contracts.SubjectAudit, kind, "agent", sev, code, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	err = o.bus.PublishMsg(ctx, contracts.SubjectAudit, data, contracts.ContentMsgID(contracts.SubjectAudit, data))
	if err != nil && err != bus.ErrDuplicate {
		o.log.Warn("[AgentOrchestrator] audit publish failed", "kind", kind, "error", err)
	}
}
