package operator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func operatorConfig() config.OperatorConfig {
	return config.Default().Operator
}

func newOperator(t *testing.T, b bus.Bus, cfg config.OperatorConfig) *Service {
	t.Helper()
	require.NoError(t, bus.EnsureCanonicalStreams(context.Background(), b))
	return NewService(quietLog(), b, cfg, nil)
}

func startOperator(t *testing.T, b bus.Bus, cfg config.OperatorConfig) *Service {
	t.Helper()
	s := newOperator(t, b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// actionLog records everything published on the operator actions subject.
type actionLog struct {
	mu     sync.Mutex
	events []contracts.EventEnvelope
}

func watchActions(t *testing.T, b bus.Bus) *actionLog {
	t.Helper()
	log := &actionLog{}
	unsub, err := b.Subscribe(contracts.SubjectOperatorActions, func(m *bus.Msg) {
		var env contracts.EventEnvelope
		if json.Unmarshal(m.Data, &env) == nil {
			log.mu.Lock()
			log.events = append(log.events, env)
			log.mu.Unlock()
		}
	})
	require.NoError(t, err)
	t.Cleanup(unsub)
	return log
}

func (l *actionLog) ofKind(kind string) []contracts.EventEnvelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.EventEnvelope
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func publishAlert(t *testing.T, b bus.Bus, alert contracts.GuardAlert) {
	t.Helper()
	data, err := json.Marshal(alert)
	require.NoError(t, err)
	err = b.PublishMsg(context.Background(), contracts.SubjectGuardAlerts, data, uuid.NewString())
	require.NoError(t, err)
}

func thermalTripEvent(severity contracts.Severity, node string, tripped int) *contracts.EventEnvelope {
	return contracts.NewEvent("q-sim", contracts.EdgeSubject(contracts.KindThermalTrip),
		contracts.KindThermalTrip, "sim", severity, contracts.CodeThermalTrip,
		map[string]any{"subject": node, "tripped": tripped, "temp_c": 95.0})
}

// ===== ALERT INGESTION =====

func TestAlertOpensExactlyOneIncident(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	actions := watchActions(t, b)
	s := startOperator(t, b, operatorConfig())

	alert := contracts.GuardAlert{
		Category:      "radar",
		Kind:          contracts.KindGuardAlert,
		RuleID:        contracts.RuleUnknownContactClose,
		Severity:      contracts.SeverityWarn,
		TargetTrackID: "trk-1",
		TsEpoch:       contracts.EpochNow(),
	}
	publishAlert(t, b, alert)

	require.Eventually(t, func() bool {
		return len(actions.ofKind(contracts.KindIncidentOpen)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	opened := actions.ofKind(contracts.KindIncidentOpen)[0]
	assert.Equal(t, "operator", opened.Category)
	assert.Equal(t, contracts.CodeIncidentOpen, opened.Code)
	assert.Equal(t, contracts.RuleUnknownContactClose, opened.Payload["rule_id"])
	assert.Equal(t, "trk-1", opened.Payload["target_key"])

	// A second alert for the same key coalesces silently.
	alert.TsEpoch = contracts.EpochNow()
	publishAlert(t, b, alert)

	require.Eventually(t, func() bool {
		list := s.Store().List("")
		return len(list) == 1 && list[0].Count == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, actions.ofKind(contracts.KindIncidentOpen), 1)
	assert.Equal(t, 1, s.Store().Open())
}

func TestEscalationOnAckedIncidentPublishesEscalate(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	actions := watchActions(t, b)
	s := startOperator(t, b, operatorConfig())

	alert := contracts.GuardAlert{
		Category:      "radar",
		Kind:          contracts.KindGuardAlert,
		RuleID:        contracts.RuleFoeXpdrOffApproach,
		Severity:      contracts.SeverityWarn,
		TargetTrackID: "trk-esc",
		TsEpoch:       contracts.EpochNow(),
	}
	publishAlert(t, b, alert)
	require.Eventually(t, func() bool {
		return len(actions.ofKind(contracts.KindIncidentOpen)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	inc := s.Store().List("")[0]
	_, err := s.Ack(context.Background(), inc.ID)
	require.NoError(t, err)

	// The same alert at a higher severity re-opens the acked incident and
	// surfaces as one escalate event, never a second open.
	alert.Severity = contracts.SeverityError
	alert.TsEpoch = contracts.EpochNow()
	publishAlert(t, b, alert)

	require.Eventually(t, func() bool {
		return len(actions.ofKind(contracts.KindIncidentEscalate)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, actions.ofKind(contracts.KindIncidentOpen), 1)

	escalate := actions.ofKind(contracts.KindIncidentEscalate)[0]
	assert.Equal(t, contracts.CodeIncidentEscalate, escalate.Code)
	assert.Equal(t, contracts.SeverityError, escalate.Severity)
	assert.Equal(t, string(contracts.IncidentOpen), escalate.Payload["state"])
	assert.Equal(t, inc.ID, escalate.Payload["id"])

	live, ok := s.Store().Get(inc.ID)
	require.True(t, ok)
	assert.Equal(t, contracts.IncidentOpen, live.State)
	assert.Equal(t, contracts.SeverityError, live.Severity)
}

func TestIncidentOpenMirroredToAuditStream(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	s := startOperator(t, b, operatorConfig())

	publishAlert(t, b, contracts.GuardAlert{
		RuleID:        contracts.RuleSpoofingDetected,
		Severity:      contracts.SeverityError,
		TargetTrackID: "trk-2",
		TsEpoch:       contracts.EpochNow(),
	})

	require.Eventually(t, func() bool {
		return s.Store().Open() == 1
	}, 2*time.Second, 10*time.Millisecond)

	consumer, err := b.PullConsumer(context.Background(), bus.ConsumerConfig{
		Stream:        contracts.StreamEvents,
		Durable:       "mirror_check",
		FilterSubject: contracts.SubjectAudit,
		AckWait:       time.Second,
		MaxAckPending: 64,
	})
	require.NoError(t, err)
	defer consumer.Close()

	require.Eventually(t, func() bool {
		msgs, err := consumer.Fetch(context.Background(), 16)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			var env contracts.EventEnvelope
			if json.Unmarshal(m.Data, &env) == nil && env.Kind == contracts.KindIncidentOpen {
				_ = m.Ack(context.Background())
				return true
			}
			_ = m.Ack(context.Background())
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

// ===== EVENT RULES =====

func TestThermalTripEventOpensIncident(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	actions := watchActions(t, b)
	s := startOperator(t, b, operatorConfig())

	data, err := json.Marshal(thermalTripEvent(contracts.SeverityError, "core", 1))
	require.NoError(t, err)
	subject := contracts.EdgeSubject(contracts.KindThermalTrip)
	require.NoError(t, b.PublishMsg(context.Background(), subject, data, uuid.NewString()))

	require.Eventually(t, func() bool {
		return len(actions.ofKind(contracts.KindIncidentOpen)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	opened := actions.ofKind(contracts.KindIncidentOpen)[0]
	assert.Equal(t, contracts.RuleTempCoreTrip, opened.Payload["rule_id"])
	assert.Equal(t, "core", opened.Payload["target_key"])
	assert.Equal(t, 1, s.Store().Open())
}

func TestEventRuleIgnoresRecoveryAndOtherNodes(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	s := newOperator(t, b, operatorConfig())
	ctx := context.Background()

	// Recovery edges come through as INFO; the rule wants ERROR.
	recovery, err := json.Marshal(thermalTripEvent(contracts.SeverityInfo, "core", 0))
	require.NoError(t, err)
	s.handleEvent(ctx, &bus.Msg{Data: recovery, Header: map[string]string{contracts.HeaderMsgID: uuid.NewString()}})

	// A PDU trip does not match the core-node rule.
	pdu, err := json.Marshal(thermalTripEvent(contracts.SeverityError, "pdu", 1))
	require.NoError(t, err)
	s.handleEvent(ctx, &bus.Msg{Data: pdu, Header: map[string]string{contracts.HeaderMsgID: uuid.NewString()}})

	assert.Equal(t, 0, s.Store().Open())
}

func TestReplayedEventIsIdempotent(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	s := newOperator(t, b, operatorConfig())
	ctx := context.Background()

	data, err := json.Marshal(thermalTripEvent(contracts.SeverityError, "core", 1))
	require.NoError(t, err)
	msgID := uuid.NewString()

	// The same message redelivered twice opens one incident.
	s.handleEvent(ctx, &bus.Msg{Data: data, Header: map[string]string{contracts.HeaderMsgID: msgID}})
	s.handleEvent(ctx, &bus.Msg{Data: data, Header: map[string]string{contracts.HeaderMsgID: msgID}})

	list := s.Store().List("")
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Count)
}

// ===== COMMANDS =====

func TestCommandAckClearRoundTrip(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	s := startOperator(t, b, operatorConfig())

	publishAlert(t, b, contracts.GuardAlert{
		RuleID:        contracts.RuleUnknownContactClose,
		Severity:      contracts.SeverityWarn,
		TargetTrackID: "trk-9",
		TsEpoch:       contracts.EpochNow(),
	})
	require.Eventually(t, func() bool {
		return s.Store().Open() == 1
	}, 2*time.Second, 10*time.Millisecond)
	id := s.Store().List("")[0].ID

	requester, err := bus.NewRequester(b, "q-console")
	require.NoError(t, err)
	defer requester.Close()

	send := func(name string, params map[string]any) *contracts.ResponseEnvelope {
		ctx, cancel := context.WithTimeout(context.Background(), bus.DefaultRequestTimeout)
		defer cancel()
		resp, err := requester.Send(ctx, contracts.NewCommand(name, "q-console", "q-operator", params))
		require.NoError(t, err)
		return resp
	}

	resp := send("operator.incident.ack", map[string]any{"id": id})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "acked", resp.Result["state"])

	resp = send("operator.incident.clear", map[string]any{"id": id})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "cleared", resp.Result["state"])

	resp = send("operator.incident.ack", map[string]any{"id": id})
	assert.False(t, resp.OK)

	resp = send("operator.incident.ack", map[string]any{"id": "missing"})
	assert.False(t, resp.OK)
}

// ===== AUTO-CLEAR =====

func TestAutoClearAfterAbsenceWindow(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	actions := watchActions(t, b)

	cfg := operatorConfig()
	cfg.AutoClearS = 0.2
	s := startOperator(t, b, cfg)

	publishAlert(t, b, contracts.GuardAlert{
		RuleID:        contracts.RuleUnknownContactClose,
		Severity:      contracts.SeverityWarn,
		TargetTrackID: "trk-11",
		TsEpoch:       contracts.EpochNow(),
	})
	require.Eventually(t, func() bool {
		return s.Store().Open() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(actions.ofKind(contracts.KindIncidentAutoClear)) == 1
	}, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, 0, s.Store().Open())

	auto := actions.ofKind(contracts.KindIncidentAutoClear)[0]
	assert.Equal(t, contracts.CodeIncidentAutoClear, auto.Code)
	assert.Equal(t, "cleared", auto.Payload["state"])
}
