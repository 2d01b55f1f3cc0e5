// Package bridge replays the persistent streams onto the core plane, where
// plain subscribers (consoles, dashboards, ad hoc tooling) can see them
// without running durable consumers of their own. Stream appends never fan
// out to core subscribers on their own; the bridge is the component that
// closes that gap.
//
// With a downstream bus configured the bridge spans two backplanes: stream
// traffic is consumed upstream and republished downstream, and the telemetry
// subject is mirrored latest-wins. Persisted events are never shed; they are
// acked only once the downstream accepted them.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

type Service struct {
	log        *slog.Logger
	upstream   bus.Bus
	downstream bus.Core
	cfg        config.BridgeConfig
	dedup      *bus.DedupWindow
	metrics    *Metrics
	twoBus     bool
}

// NewService wires a bridge. A nil downstream selects one-bus mode: replays
// land on the upstream bus's own core plane and telemetry is not mirrored,
// because core subscribers there already receive it first-hand.
func NewService(log *slog.Logger, upstream bus.Bus, downstream bus.Core, cfg config.BridgeConfig, metrics *Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:        log,
		upstream:   upstream,
		downstream: downstream,
		cfg:        cfg,
		dedup:      bus.NewDedupWindow(contracts.DefaultDedupWindow),
		metrics:    metrics,
		twoBus:     downstream != nil,
	}
	if !s.twoBus {
		s.downstream = upstream
	}
	return s
}

// Run forwards both streams until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("[Bridge] starting", "two_bus", s.twoBus, "batch", s.cfg.Batch)

	var wg sync.WaitGroup
	forward := func(cc bus.ConsumerConfig) {
		defer wg.Done()
		s.forward(ctx, cc)
	}

	wg.Add(2)
	go forward(bus.ConsumerConfig{
		Stream:        contracts.StreamRadar,
		Durable:       contracts.DurableBridgeRadar,
		FilterSubject: contracts.StreamRadarSubjects,
		AckWait:       time.Duration(s.cfg.AckWaitS * float64(time.Second)),
		MaxAckPending: s.cfg.MaxAckPending,
	})
	go forward(bus.ConsumerConfig{
		Stream:        contracts.StreamEvents,
		Durable:       contracts.DurableBridgeEvents,
		FilterSubject: contracts.StreamEventsSubjects,
		AckWait:       time.Duration(s.cfg.AckWaitS * float64(time.Second)),
		MaxAckPending: s.cfg.MaxAckPending,
	})

	if s.twoBus {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.mirrorTelemetry(ctx)
		}()
	}

	wg.Wait()
	s.log.Info("[Bridge] stopped")
	return ctx.Err()
}

// forward is the at-least-once replay loop for one stream. A message is acked
// only after the downstream publish succeeded; failures are NAKed for
// redelivery with their dedup mark released.
func (s *Service) forward(ctx context.Context, cc bus.ConsumerConfig) {
	consumer, err := s.upstream.PullConsumer(ctx, cc)
	if err != nil {
		s.log.Error("[Bridge] consumer setup failed", "durable", cc.Durable, "error", err)
		return
	}
	defer consumer.Close()
	s.log.Info("[Bridge] forwarding", "stream", cc.Stream, "durable", cc.Durable)

	for {
		msgs, err := consumer.Fetch(ctx, s.cfg.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, bus.ErrAckPending) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			s.log.Warn("[Bridge] fetch failed", "stream", cc.Stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			s.forwardOne(ctx, cc.Stream, msg)
		}
	}
}

func (s *Service) forwardOne(ctx context.Context, stream string, msg *bus.Msg) {
	if s.dedup.Seen(msg.ID()) {
		s.metrics.RecordDuplicate()
		_ = msg.Ack(ctx)
		return
	}
	if err := s.downstream.Publish(ctx, msg.Subject, msg.Data); err != nil {
		s.metrics.RecordForwardError()
		s.dedup.Forget(msg.ID())
		s.log.Warn("[Bridge] republish failed", "subject", msg.Subject, "error", err)
		_ = msg.Nak(ctx)
		return
	}
	s.metrics.RecordForwarded(stream)
	_ = msg.Ack(ctx)
}

// mirrorTelemetry carries the high-rate telemetry subject across the two
// buses through a latest-wins cell: a stalled downstream costs staleness,
// never backlog. Telemetry is superseded every tick, so shedding here is the
// correct trade; persisted events never take this path.
func (s *Service) mirrorTelemetry(ctx context.Context) {
	cell := NewLatestCell()
	unsub, err := s.upstream.Subscribe(contracts.SubjectTelemetry, func(m *bus.Msg) {
		if cell.Put(m.Data) {
			s.metrics.RecordMirrorDrop()
		}
	})
	if err != nil {
		s.log.Error("[Bridge] telemetry mirror setup failed", "error", err)
		return
	}
	defer unsub()
	s.log.Info("[Bridge] telemetry mirror running")

	for {
		data, err := cell.Take(ctx)
		if err != nil {
			return
		}
		if err := s.downstream.Publish(ctx, contracts.SubjectTelemetry, data); err != nil {
			s.metrics.RecordForwardError()
			s.log.Warn("[Bridge] telemetry mirror publish failed", "error", err)
			continue
		}
		s.metrics.RecordMirrored()
	}
}
