package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

const fetchBatch = 16

// Service is the incident pipeline: guard alerts and rule-matched platform
// events come in off the persistent streams, incidents go out as lifecycle
// events on the operator audit subject, mirrored into the audit stream and
// the live feed.
//
// Ingestion is idempotent by message id: a redelivered alert never opens a
// second incident.
type Service struct {
	log     *slog.Logger
	bus     bus.Bus
	cfg     config.OperatorConfig
	store   *IncidentStore
	hub     *Hub
	dedup   *bus.DedupWindow
	metrics *Metrics
	source  string
}

func NewService(log *slog.Logger, b bus.Bus, cfg config.OperatorConfig, metrics *Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:     log,
		bus:     b,
		cfg:     cfg,
		store:   NewIncidentStore(cfg.CoalesceWindowS, cfg.AutoClearS, metrics),
		dedup:   bus.NewDedupWindow(contracts.DefaultDedupWindow),
		metrics: metrics,
		source:  cfg.Source,
	}
	s.hub = NewHub(log, s, metrics)
	return s
}

// Store exposes the incident store for the HTTP layer and tests.
func (s *Service) Store() *IncidentStore { return s.store }

// Hub exposes the live feed hub.
func (s *Service) Hub() *Hub { return s.hub }

// Run consumes alerts, rule-matched events, and operator commands until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	unsub, err := s.bus.Subscribe(contracts.SubjectCommandsControl, func(m *bus.Msg) {
		s.onCommand(ctx, m)
	})
	if err != nil {
		return err
	}
	defer unsub()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.consume(ctx, bus.ConsumerConfig{
			Stream:        contracts.StreamRadar,
			Durable:       contracts.DurableOperatorAlerts,
			FilterSubject: contracts.SubjectGuardAlerts,
			AckWait:       30 * time.Second,
			MaxAckPending: 512,
		}, s.handleAlert)
	}()
	go func() {
		defer wg.Done()
		s.consume(ctx, bus.ConsumerConfig{
			Stream:        contracts.StreamEvents,
			Durable:       contracts.DurableOperatorEvents,
			FilterSubject: contracts.SubjectEventsWildcard,
			AckWait:       30 * time.Second,
			MaxAckPending: 512,
		}, s.handleEvent)
	}()
	go func() {
		defer wg.Done()
		s.runSweeper(ctx)
	}()

	s.log.Info("[OperatorService] started",
		"coalesce_window_s", s.cfg.CoalesceWindowS, "auto_clear_s", s.cfg.AutoClearS)
	wg.Wait()
	s.hub.CloseAll()
	s.log.Info("[OperatorService] stopped")
	return nil
}

// consume runs one durable pull loop until ctx is cancelled.
func (s *Service) consume(ctx context.Context, cc bus.ConsumerConfig, handle func(context.Context, *bus.Msg)) {
	consumer, err := s.bus.PullConsumer(ctx, cc)
	if err != nil {
		s.log.Error("[OperatorService] consumer setup failed", "durable", cc.Durable, "error", err)
		return
	}
	defer consumer.Close()

	for {
		msgs, err := consumer.Fetch(ctx, fetchBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, bus.ErrAckPending) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			s.log.Warn("[OperatorService] fetch failed", "durable", cc.Durable, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			handle(ctx, msg)
		}
	}
}

func (s *Service) handleAlert(ctx context.Context, msg *bus.Msg) {
	if s.dedup.Seen(msg.ID()) {
		s.metrics.RecordDuplicate()
		_ = msg.Ack(ctx)
		return
	}

	var alert contracts.GuardAlert
	if err := json.Unmarshal(msg.Data, &alert); err != nil || alert.RuleID == "" {
		s.log.Warn("[OperatorService] dropping undecodable alert", "seq", msg.Seq(), "error", err)
		_ = msg.Ack(ctx)
		return
	}

	s.metrics.RecordAlert()
	inc, outcome := s.store.Observe(alert.RuleID, alert.TargetTrackID, alert.Severity, alert.TsEpoch)
	switch outcome {
	case ObserveOpened:
		s.publishLifecycle(ctx, contracts.KindIncidentOpen, inc)
	case ObserveEscalated:
		s.publishLifecycle(ctx, contracts.KindIncidentEscalate, inc)
	}
	_ = msg.Ack(ctx)
}

// handleEvent matches persisted events against the configured incident
// rules. Anything that does not match is acked and forgotten.
func (s *Service) handleEvent(ctx context.Context, msg *bus.Msg) {
	if s.dedup.Seen(msg.ID()) {
		s.metrics.RecordDuplicate()
		_ = msg.Ack(ctx)
		return
	}

	var env contracts.EventEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Kind == "" {
		_ = msg.Ack(ctx)
		return
	}

	for _, rule := range s.cfg.EventRules {
		if !eventMatches(rule, &env) {
			continue
		}
		s.metrics.RecordEventMatch(rule.RuleID)
		inc, outcome := s.store.Observe(rule.RuleID, eventTarget(&env), contracts.Severity(rule.Severity), env.TsEpoch)
		switch outcome {
		case ObserveOpened:
			s.publishLifecycle(ctx, contracts.KindIncidentOpen, inc)
		case ObserveEscalated:
			s.publishLifecycle(ctx, contracts.KindIncidentEscalate, inc)
		}
	}
	_ = msg.Ack(ctx)
}

func eventMatches(rule config.EventRuleConfig, env *contracts.EventEnvelope) bool {
	if env.Kind != rule.Kind {
		return false
	}
	if sevRank(env.Severity) < sevRank(contracts.Severity(rule.Severity)) {
		return false
	}
	if rule.PayloadMatch == "" {
		return true
	}
	subject, _ := env.Payload["subject"].(string)
	return subject == rule.PayloadMatch
}

// eventTarget keys the incident: the payload subject when the event names
// one, the emitting source otherwise.
func eventTarget(env *contracts.EventEnvelope) string {
	if subject, ok := env.Payload["subject"].(string); ok && subject != "" {
		return subject
	}
	return env.Source
}

// ===== LIFECYCLE =====

// Ack acknowledges an open incident on behalf of the operator.
func (s *Service) Ack(ctx context.Context, id string) (contracts.Incident, error) {
	inc, err := s.store.Ack(id, contracts.EpochNow())
	if err != nil {
		return contracts.Incident{}, err
	}
	s.publishLifecycle(ctx, contracts.KindIncidentAck, inc)
	return inc, nil
}

// Clear closes an acknowledged incident.
func (s *Service) Clear(ctx context.Context, id string) (contracts.Incident, error) {
	inc, err := s.store.Clear(id, contracts.EpochNow())
	if err != nil {
		return contracts.Incident{}, err
	}
	s.publishLifecycle(ctx, contracts.KindIncidentClear, inc)
	return inc, nil
}

// ConsoleAction routes ack/clear actions read off feed sockets.
func (s *Service) ConsoleAction(op, incidentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultRequestTimeout)
	defer cancel()
	switch op {
	case "ack":
		_, err := s.Ack(ctx, incidentID)
		return err
	case "clear":
		_, err := s.Clear(ctx, incidentID)
		return err
	default:
		return fmt.Errorf("unknown console op %q", op)
	}
}

func lifecycleCode(kind string) (int, contracts.Severity) {
	switch kind {
	case contracts.KindIncidentOpen:
		return contracts.CodeIncidentOpen, ""
	case contracts.KindIncidentEscalate:
		return contracts.CodeIncidentEscalate, ""
	case contracts.KindIncidentAck:
		return contracts.CodeIncidentAck, contracts.SeverityInfo
	case contracts.KindIncidentClear:
		return contracts.CodeIncidentClear, contracts.SeverityInfo
	default:
		return contracts.CodeIncidentAutoClear, contracts.SeverityInfo
	}
}

// publishLifecycle emits one incident lifecycle event: live on the operator
// actions subject, mirrored into the audit stream, and onto the feed.
func (s *Service) publishLifecycle(ctx context.Context, kind string, inc contracts.Incident) {
	code, severity := lifecycleCode(kind)
	if severity == "" {
		severity = inc.Severity
	}
	env := contracts.NewEvent(s.source, contracts.SubjectOperatorActions, kind, "operator", severity, code,
		map[string]any{
			"id":            inc.ID,
			"rule_id":       inc.RuleID,
			"target_key":    inc.TargetKey,
			"state":         string(inc.State),
			"count":         inc.Count,
			"first_seen_ts": inc.FirstSeenTs,
			"last_seen_ts":  inc.LastSeenTs,
			"severity":      string(inc.Severity),
		})
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("[OperatorService] lifecycle marshal failed", "kind", kind, "error", err)
		return
	}

	s.metrics.RecordLifecycle(kind)
	s.log.Info("[OperatorService] "+kind,
		"incident", inc.ID, "rule", inc.RuleID, "target", inc.TargetKey, "count", inc.Count)

	if err := s.bus.Publish(ctx, contracts.SubjectOperatorActions, data); err != nil {
		s.log.Warn("[OperatorService] lifecycle publish failed", "kind", kind, "error", err)
	}
	err = s.bus.PublishMsg(ctx, contracts.SubjectAudit, data, contracts.ContentMsgID(contracts.SubjectAudit, data))
	if err != nil && err != bus.ErrDuplicate {
		s.log.Warn("[OperatorService] audit mirror failed", "kind", kind, "error", err)
	}
	s.hub.Broadcast(data)
}

// ===== SWEEPER =====

func (s *Service) runSweeper(ctx context.Context) {
	period := time.Duration(s.cfg.AutoClearS / 4 * float64(time.Second))
	if period < 250*time.Millisecond {
		period = 250 * time.Millisecond
	}
	if period > 30*time.Second {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inc := range s.store.Sweep(contracts.EpochNow()) {
				s.publishLifecycle(ctx, contracts.KindIncidentAutoClear, inc)
			}
		}
	}
}

// ===== COMMANDS =====

// onCommand answers operator.incident.* control commands; everything else on
// the shared subject belongs to other services.
func (s *Service) onCommand(ctx context.Context, m *bus.Msg) {
	var cmd contracts.CommandEnvelope
	if err := json.Unmarshal(m.Data, &cmd); err != nil || cmd.CommandName == "" {
		return
	}
	if !strings.HasPrefix(cmd.CommandName, "operator.") {
		return
	}
	if cmd.Metadata.Destination != "" && cmd.Metadata.Destination != s.source {
		return
	}

	id, _ := cmd.Parameters["id"].(string)
	var (
		inc contracts.Incident
		err error
	)
	switch cmd.CommandName {
	case "operator.incident.ack":
		inc, err = s.Ack(ctx, id)
	case "operator.incident.clear":
		inc, err = s.Clear(ctx, id)
	default:
		err = fmt.Errorf("unknown command %q", cmd.CommandName)
	}

	var resp *contracts.ResponseEnvelope
	if err != nil {
		s.metrics.RecordCommand("rejected")
		resp = contracts.NewResponse(&cmd, s.source, false, err.Error(), nil)
	} else {
		s.metrics.RecordCommand("accepted")
		resp = contracts.NewResponse(&cmd, s.source, true, "", map[string]any{
			"id":    inc.ID,
			"state": string(inc.State),
		})
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("[OperatorService] response marshal failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, contracts.SubjectResponsesControl, data); err != nil {
		s.log.Warn("[OperatorService] response publish failed", "error", err)
	}
}
