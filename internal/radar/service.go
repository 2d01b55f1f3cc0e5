package radar

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

const (
	fetchBatch   = 16
	defaultDtS   = 0.1
	maxFrameGapS = 5.0
)

// Service is the radar pipeline consumer: it pulls frames from the radar
// stream, maintains the track store, publishes the track picture (union plus
// the SR routing copy), and emits guard alerts.
//
// Redelivered frames are recognized by message id and acked without
// reprocessing, so the track state never double-counts a frame.
type Service struct {
	log     *slog.Logger
	bus     bus.Bus
	cfg     config.RadarConfig
	store   *TrackStore
	guard   *GuardEngine
	dedup   *bus.DedupWindow
	metrics *Metrics

	source string
	lastTs float64
}

func NewService(log *slog.Logger, b bus.Bus, cfg config.RadarConfig, rules *config.GuardRules, source string, metrics *Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:     log,
		bus:     b,
		cfg:     cfg,
		store:   NewTrackStore(cfg, metrics),
		guard:   NewGuardEngine(rules, metrics),
		dedup:   bus.NewDedupWindow(contracts.DefaultDedupWindow),
		metrics: metrics,
		source:  source,
	}
}

// Run consumes the frames durable until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	consumer, err := s.bus.PullConsumer(ctx, bus.ConsumerConfig{
		Stream:        contracts.StreamRadar,
		Durable:       contracts.DurableRadarFrames,
		FilterSubject: contracts.SubjectRadarFrames,
		AckWait:       30 * time.Second,
		MaxAckPending: 512,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	s.log.Info("[RadarPipeline] started", "durable", contracts.DurableRadarFrames)
	for {
		msgs, err := consumer.Fetch(ctx, fetchBatch)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("[RadarPipeline] stopped")
				return nil
			}
			if errors.Is(err, bus.ErrAckPending) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			s.log.Warn("[RadarPipeline] fetch failed", "error", err)
			select {
			case <-ctx.Done():
				s.log.Info("[RadarPipeline] stopped")
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			s.handle(ctx, msg)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg *bus.Msg) {
	if s.dedup.Seen(msg.ID()) {
		_ = msg.Ack(ctx)
		return
	}

	var frame contracts.RadarFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.metrics.RecordDroppedFrame()
		s.log.Warn("[RadarPipeline] dropping undecodable frame", "seq", msg.Seq(), "error", err)
		s.audit(ctx, "frame_invalid", contracts.SeverityWarn, contracts.CodeRadarFrameError,
			map[string]any{"seq": msg.Seq(), "error": err.Error()})
		_ = msg.Ack(ctx)
		return
	}

	set, alerts := s.Process(frame)
	s.publishTracks(ctx, set)
	for _, alert := range alerts {
		s.publishAlert(ctx, alert)
	}
	_ = msg.Ack(ctx)
}

// Process folds one frame into the pipeline state. Exported for the replay
// tool, which feeds captured frames without a stream in the loop.
func (s *Service) Process(frame contracts.RadarFrame) (contracts.TrackSet, []contracts.GuardAlert) {
	stripped := ApplyBandPolicy(&frame, s.cfg.SrThresholdM)
	if stripped > 0 {
		s.metrics.RecordStripped(stripped)
		s.log.Warn("[RadarPipeline] stripped identity from LR detections", "count", stripped)
	}

	dt := defaultDtS
	if s.lastTs > 0 {
		gap := frame.TsEpoch - s.lastTs
		if gap > 0 && gap <= maxFrameGapS {
			dt = gap
		}
	}
	s.lastTs = frame.TsEpoch

	s.metrics.RecordFrame(len(frame.Detections))
	views := s.store.Ingest(frame, dt)
	set := BuildTrackSet(s.source, frame.TsEpoch, frame.TsMonoNs, views)
	alerts := s.guard.Evaluate(frame.TsEpoch, views)
	return set, alerts
}

// publishTracks persists the union picture and the SR routing copy.
func (s *Service) publishTracks(ctx context.Context, set contracts.TrackSet) {
	if err := s.publishTrackSet(ctx, contracts.SubjectRadarTracks, set); err != nil {
		s.log.Warn("[RadarPipeline] track publish failed", "error", err)
		return
	}
	sr := FilterTrackBand(set, contracts.BandSR)
	if len(sr.Tracks) == 0 {
		return
	}
	if err := s.publishTrackSet(ctx, contracts.SubjectRadarTracksSR, sr); err != nil {
		s.log.Warn("[RadarPipeline] SR track publish failed", "error", err)
	}
}

func (s *Service) publishTrackSet(ctx context.Context, subject string, set contracts.TrackSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return s.publishPersisted(ctx, subject, data)
}

func (s *Service) publishAlert(ctx context.Context, alert contracts.GuardAlert) {
	data, err := json.Marshal(alert)
	if err != nil {
		s.log.Error("[RadarPipeline] alert marshal failed", "rule", alert.RuleID, "error", err)
		return
	}
	s.log.Warn("[RadarPipeline] guard alert",
		"rule", alert.RuleID, "target", alert.TargetTrackID, "severity", alert.Severity)
	if err := s.publishPersisted(ctx, contracts.SubjectGuardAlerts, data); err != nil {
		s.log.Warn("[RadarPipeline] alert publish failed", "rule", alert.RuleID, "error", err)
		return
	}
	s.audit(ctx, "guard_alert", alert.Severity, contracts.CodeGuardAlert, map[string]any{
		"rule_id": alert.RuleID,
		"target":  alert.TargetTrackID,
	})
}

func (s *Service) publishPersisted(ctx context.Context, subject string, data []byte) error {
	err := s.bus.PublishMsg(ctx, subject, data, contracts.ContentMsgID(subject, data))
	if err == bus.ErrDuplicate {
		return nil
	}
	return err
}

func (s *Service) audit(ctx context.Context, kind string, sev contracts.Severity, code int, payload map[string]any) {
	env := contracts.NewEvent(s.source, contracts.SubjectAudit, kind, "radar", sev, code, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := s.publishPersisted(ctx, contracts.SubjectAudit, data); err != nil {
		s.log.Warn("[RadarPipeline] audit publish failed", "kind", kind, "error", err)
	}
}
