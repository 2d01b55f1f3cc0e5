package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

const (
	fetchBatch  = 16
	sweepPeriod = time.Hour
)

// Service consumes the whole persisted event space through the registrar
// durable and appends everything to the daily archive. Events are acked only
// once they are on disk.
type Service struct {
	log     *slog.Logger
	bus     bus.Bus
	cfg     config.RegistrarConfig
	archive *Archive
	metrics *Metrics
	source  string

	mu         sync.Mutex
	appended   uint64
	duplicates uint64
}

func NewService(log *slog.Logger, b bus.Bus, cfg config.RegistrarConfig, archive *Archive, metrics *Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:     log,
		bus:     b,
		cfg:     cfg,
		archive: archive,
		metrics: metrics,
		source:  cfg.Source,
	}
}

// Archive exposes the underlying store, for replay tooling.
func (s *Service) Archive() *Archive { return s.archive }

// Run archives until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	unsub, err := s.bus.Subscribe(contracts.SubjectCommandsControl, func(m *bus.Msg) {
		s.onCommand(ctx, m)
	})
	if err != nil {
		return err
	}
	defer unsub()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consume(ctx)
	}()
	go func() {
		defer wg.Done()
		s.housekeeping(ctx)
	}()

	s.log.Info("[Registrar] started",
		"backup_dir", s.cfg.BackupDir, "retention_days", s.cfg.RetentionDays)
	wg.Wait()
	s.log.Info("[Registrar] stopped")
	return nil
}

func (s *Service) consume(ctx context.Context) {
	consumer, err := s.bus.PullConsumer(ctx, bus.ConsumerConfig{
		Stream:        contracts.StreamEvents,
		Durable:       contracts.DurableRegistrar,
		FilterSubject: contracts.SubjectEventsWildcard,
		AckWait:       30 * time.Second,
		MaxAckPending: 512,
	})
	if err != nil {
		s.log.Error("[Registrar] consumer setup failed", "error", err)
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
			s.log.Warn("[Registrar] fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			s.archiveOne(ctx, msg)
		}
	}
}

func (s *Service) archiveOne(ctx context.Context, msg *bus.Msg) {
	appended, err := s.archive.Append(eventTime(msg.Data, time.Now()), msg.ID(), msg.Data)
	if err != nil {
		s.metrics.RecordAppendError()
		s.log.Error("[Registrar] append failed", "subject", msg.Subject, "error", err)
		_ = msg.Nak(ctx)
		return
	}
	s.mu.Lock()
	if appended {
		s.appended++
	} else {
		s.duplicates++
	}
	s.mu.Unlock()
	if appended {
		s.metrics.RecordArchived()
	} else {
		s.metrics.RecordDuplicate()
	}
	_ = msg.Ack(ctx)
}

// housekeeping emits the health line every flush interval and sweeps
// retention hourly.
func (s *Service) housekeeping(ctx context.Context) {
	flushEvery := time.Duration(s.cfg.FlushEveryS * float64(time.Second))
	if flushEvery < time.Second {
		flushEvery = time.Second
	}
	health := time.NewTicker(flushEvery)
	defer health.Stop()
	sweep := time.NewTicker(sweepPeriod)
	defer sweep.Stop()

	s.sweep(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			s.mu.Lock()
			appended, duplicates := s.appended, s.duplicates
			s.mu.Unlock()
			s.log.Info("[Registrar] archive healthy",
				"appended", appended, "duplicates", duplicates)
		case now := <-sweep.C:
			s.sweep(now)
		}
	}
}

func (s *Service) sweep(now time.Time) {
	removed, err := s.archive.Sweep(now)
	if err != nil {
		s.log.Warn("[Registrar] retention sweep failed", "error", err)
		return
	}
	if len(removed) > 0 {
		s.metrics.RecordFilesRemoved(len(removed))
		s.log.Info("[Registrar] retention sweep removed files", "files", removed)
	}
}

// onCommand answers registrar control commands on the shared subject.
func (s *Service) onCommand(ctx context.Context, m *bus.Msg) {
	var cmd contracts.CommandEnvelope
	if err := json.Unmarshal(m.Data, &cmd); err != nil || cmd.CommandName == "" {
		return
	}
	if !strings.HasPrefix(cmd.CommandName, "registrar.") {
		return
	}
	if cmd.Metadata.Destination != "" && cmd.Metadata.Destination != s.source {
		return
	}

	var resp *contracts.ResponseEnvelope
	switch cmd.CommandName {
	case "registrar.backup":
		dst, _ := cmd.Parameters["path"].(string)
		if dst == "" {
			dst = filepath.Join(s.cfg.BackupDir, "backup_"+time.Now().UTC().Format(dayLayout)+".db")
		}
		written, err := s.archive.Backup(dst)
		if err != nil {
			resp = contracts.NewResponse(&cmd, s.source, false, err.Error(), nil)
		} else {
			resp = contracts.NewResponse(&cmd, s.source, true, "", map[string]any{
				"path":  dst,
				"bytes": written,
			})
		}
	default:
		resp = contracts.NewResponse(&cmd, s.source, false,
			fmt.Sprintf("unknown command %q", cmd.CommandName), nil)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("[Registrar] response marshal failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, contracts.SubjectResponsesControl, data); err != nil {
		s.log.Warn("[Registrar] response publish failed", "error", err)
	}
}

// eventTime extracts the event's own timestamp: envelopes carry "ts",
// BIOS status carries "timestamp". Events without either fall under arrival
// time.
func eventTime(data []byte, fallback time.Time) time.Time {
	var probe struct {
		Ts        float64 `json:"ts"`
		Timestamp float64 `json:"timestamp"`
	}
	if json.Unmarshal(data, &probe) == nil {
		if probe.Ts > 0 {
			return time.UnixMilli(int64(probe.Ts * 1000))
		}
		if probe.Timestamp > 0 {
			return time.UnixMilli(int64(probe.Timestamp * 1000))
		}
	}
	return fallback
}
