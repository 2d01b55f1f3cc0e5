package sim

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

// FrameSource produces one radar frame per step. The engine skips it while
// the radar load is shed or the world is stopped.
type FrameSource interface {
	Step(dt, tsEpoch float64, tsMonoNs int64, ego contracts.Pose) contracts.RadarFrame
}

// Engine drives the world at the configured tick period, publishes
// telemetry, radar frames, and edge events, and serves the control command
// surface.
//
// Failure policy: a panic inside one tick drops that tick and the loop
// continues. Publish failures trip a breaker after safe_mode_after
// consecutive misses; in SAFE mode command side effects are refused while
// telemetry keeps flowing.
type Engine struct {
	log     *slog.Logger
	bus     bus.Bus
	world   *World
	frames  FrameSource
	cfg     *config.Config
	metrics *Metrics

	breaker  *bus.Breaker
	backoff  bus.Backoff
	safeMode atomic.Bool

	// Last published outputs, kept for the RPC point probes. Frames are
	// produced only inside the tick goroutine; probes read these instead.
	lastSnap  atomic.Pointer[contracts.TelemetrySnapshot]
	lastFrame atomic.Pointer[contracts.RadarFrame]

	source    string
	monoStart time.Time
}

func NewEngine(log *slog.Logger, b bus.Bus, world *World, frames FrameSource, cfg *config.Config, metrics *Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:       log,
		bus:       b,
		world:     world,
		frames:    frames,
		cfg:       cfg,
		metrics:   metrics,
		backoff:   bus.Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond},
		source:    cfg.Sim.Source,
		monoStart: time.Now(),
	}
	e.breaker = bus.NewBreaker(cfg.Sim.SafeModeAfter, 0, e.onBreakerChange)
	return e
}

// SafeMode reports whether command side effects are currently refused.
func (e *Engine) SafeMode() bool { return e.safeMode.Load() }

// CurrentSnapshot returns the snapshot published on the last tick, or takes
// a fresh one when no tick has run yet.
func (e *Engine) CurrentSnapshot() contracts.TelemetrySnapshot {
	if s := e.lastSnap.Load(); s != nil {
		return *s
	}
	return e.world.Snapshot(contracts.EpochNow(), time.Since(e.monoStart).Nanoseconds())
}

// LastFrame returns the radar frame published on the last tick, if any.
func (e *Engine) LastFrame() (contracts.RadarFrame, bool) {
	f := e.lastFrame.Load()
	if f == nil {
		return contracts.RadarFrame{}, false
	}
	return *f, true
}

func (e *Engine) onBreakerChange(_, to bus.BreakerState) {
	switch to {
	case bus.BreakerOpen:
		if e.safeMode.CompareAndSwap(false, true) {
			e.metrics.RecordSafeMode(true)
			e.log.Error("[SimEngine] entering SAFE mode after repeated publish failures",
				"consecutive_failures", e.breaker.ConsecutiveFailures())
			e.audit(context.Background(), "safe_mode", contracts.SeverityError,
				contracts.CodeSafeModeEnter, map[string]any{"safe_mode": true})
		}
	case bus.BreakerClosed:
		if e.safeMode.CompareAndSwap(true, false) {
			e.metrics.RecordSafeMode(false)
			e.log.Info("[SimEngine] leaving SAFE mode, publishes recovered")
			e.audit(context.Background(), "safe_mode", contracts.SeverityInfo,
				contracts.CodeSafeModeExit, map[string]any{"safe_mode": false})
		}
	}
}

// Run serves ticks and commands until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	unsub, err := e.bus.Subscribe(contracts.SubjectCommandsControl, func(m *bus.Msg) {
		e.onCommand(ctx, m)
	})
	if err != nil {
		return err
	}
	defer unsub()

	period := time.Duration(e.cfg.Sim.TickMs) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	e.log.Info("[SimEngine] started", "tick_ms", e.cfg.Sim.TickMs, "seed", e.cfg.Sim.Seed)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("[SimEngine] stopped", "ticks", e.world.Tick())
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one full step. Panics are trapped here so a bad tick never
// kills the loop.
func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordDroppedTick()
			e.log.Warn("[SimEngine] tick dropped", "panic", r, "tick", e.world.Tick())
			e.audit(ctx, "tick_dropped", contracts.SeverityWarn, contracts.CodeTickDropped,
				map[string]any{"panic": toString(r)})
		}
	}()

	dt := float64(e.cfg.Sim.TickMs) / 1000
	edges := e.world.Step(dt)

	ts := contracts.EpochNow()
	mono := time.Since(e.monoStart).Nanoseconds()

	snap := e.world.Snapshot(ts, mono)
	e.lastSnap.Store(&snap)
	e.publishTelemetry(ctx, snap)

	for _, edge := range edges {
		e.publishEdge(ctx, edge)
	}

	if e.frames != nil && e.world.Running() && !e.world.RadarShed() {
		frame := e.frames.Step(dt, ts, mono, e.world.EgoPose())
		e.lastFrame.Store(&frame)
		e.publishFrame(ctx, frame)
	}

	e.metrics.RecordTick(time.Since(start).Seconds())
}

// publishTelemetry sends the snapshot on the live plane with a short bounded
// retry; the outcome feeds the SAFE-mode breaker.
func (e *Engine) publishTelemetry(ctx context.Context, snap contracts.TelemetrySnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		e.log.Error("[SimEngine] telemetry marshal failed", "error", err)
		return
	}
	err = bus.Retry(ctx, 2, e.backoff, func(ctx context.Context) error {
		return e.bus.Publish(ctx, contracts.SubjectTelemetry, data)
	})
	e.breaker.Record(err)
	if err != nil {
		e.metrics.RecordPublishFailure()
		e.log.Warn("[SimEngine] telemetry publish failed", "error", err)
	}
}

// publishEdge persists one edge event on its canonical subject.
func (e *Engine) publishEdge(ctx context.Context, edge EdgeEvent) {
	subject := contracts.EdgeSubject(edge.Kind)
	env := contracts.NewEvent(e.source, subject, edge.Kind, "sim", edge.Severity, edge.Code, edge.Payload)
	data, err := json.Marshal(env)
	if err != nil {
		e.log.Error("[SimEngine] edge event marshal failed", "kind", edge.Kind, "error", err)
		return
	}
	e.metrics.RecordEdge(edge.Kind)
	if err := e.publishPersisted(ctx, subject, data); err != nil {
		e.metrics.RecordPublishFailure()
		e.log.Warn("[SimEngine] edge event publish failed", "kind", edge.Kind, "error", err)
	}
}

// publishFrame persists the union frame plus the LR routing copy (identity
// stripped by construction in the frame source).
func (e *Engine) publishFrame(ctx context.Context, frame contracts.RadarFrame) {
	if err := e.publishFrameOn(ctx, contracts.SubjectRadarFrames, frame); err != nil {
		e.metrics.RecordPublishFailure()
		e.log.Warn("[SimEngine] radar frame publish failed", "error", err)
		return
	}
	lr := frame.FilterBand(contracts.BandLR)
	if len(lr.Detections) == 0 {
		return
	}
	if err := e.publishFrameOn(ctx, contracts.SubjectRadarFramesLR, lr); err != nil {
		e.metrics.RecordPublishFailure()
		e.log.Warn("[SimEngine] LR frame publish failed", "error", err)
	}
}

func (e *Engine) publishFrameOn(ctx context.Context, subject string, frame contracts.RadarFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return e.publishPersisted(ctx, subject, data)
}

func (e *Engine) publishPersisted(ctx context.Context, subject string, data []byte) error {
	err := e.bus.PublishMsg(ctx, subject, data, contracts.ContentMsgID(subject, data))
	if err == bus.ErrDuplicate {
		return nil
	}
	return err
}

// onCommand answers one control command. In SAFE mode every side-effectful
// command is refused; the requester still gets a response.
func (e *Engine) onCommand(ctx context.Context, m *bus.Msg) {
	var cmd contracts.CommandEnvelope
	if err := json.Unmarshal(m.Data, &cmd); err != nil || cmd.CommandName == "" {
		e.metrics.RecordCommand("invalid")
		e.log.Warn("[SimEngine] dropping malformed command", "error", err)
		e.audit(ctx, "command_invalid", contracts.SeverityWarn, contracts.CodeCommandRejected,
			map[string]any{"reason": "malformed envelope"})
		return
	}
	// The control subject is shared; commands addressed elsewhere are not
	// ours to answer.
	if cmd.Metadata.Destination != "" && cmd.Metadata.Destination != e.source {
		return
	}

	res := e.Execute(ctx, cmd)

	errStr := res.Error
	if res.Detail != "" {
		errStr = res.Error + ": " + res.Detail
	}
	resp := contracts.NewResponse(&cmd, e.source, res.OK, errStr, res.Result)
	data, err := json.Marshal(resp)
	if err != nil {
		e.log.Error("[SimEngine] response marshal failed", "error", err)
		return
	}
	if err := e.bus.Publish(ctx, contracts.SubjectResponsesControl, data); err != nil {
		e.log.Warn("[SimEngine] response publish failed", "request_id", resp.RequestID, "error", err)
	}
}

// Execute dispatches one control command and appends its audit record. The
// RPC probe surface shares this path with the bus, so SAFE mode refuses
// side effects no matter where the command came in.
func (e *Engine) Execute(ctx context.Context, cmd contracts.CommandEnvelope) CommandResult {
	var res CommandResult
	if e.safeMode.Load() {
		res = CommandResult{OK: false, Error: ErrKindSafeMode, Code: contracts.CodeCommandRejected}
		e.metrics.RecordCommand(ErrKindSafeMode)
	} else {
		res = e.world.Dispatch(cmd)
		if res.OK {
			e.metrics.RecordCommand("accepted")
		} else {
			e.metrics.RecordCommand(res.Error)
		}
	}

	severity := contracts.SeverityInfo
	if !res.OK {
		severity = contracts.SeverityWarn
	}
	e.audit(ctx, "command", severity, res.Code, map[string]any{
		"command": cmd.CommandName,
		"ok":      res.OK,
		"error":   res.Error,
	})
	return res
}

// audit appends one event to the audit stream; failures are logged, never
// propagated into the tick path.
func (e *Engine) audit(ctx context.Context, kind string, sev contracts.Severity, code int, payload map[string]any) {
	env := contracts.NewEvent(e.source, contracts.SubjectAudit, kind, "sim", sev, code, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := e.publishPersisted(ctx, contracts.SubjectAudit, data); err != nil {
		e.log.Warn("[SimEngine] audit publish failed", "kind", kind, "error", err)
	}
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "panic"
}
