package operator

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/contracts"
)

// Session names become durable names, so they are restricted to a safe
// alphabet and bounded length.
var sessionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// sessionFeedTarget resolves the requested band to its subject and the
// session durable consuming it.
func sessionFeedTarget(session, band string) (stream, subject, durable string, ok bool) {
	if !sessionPattern.MatchString(session) {
		return "", "", "", false
	}
	switch band {
	case "", "tracks":
		return contracts.StreamRadar, contracts.SubjectRadarTracks, contracts.SessionDurable(session, "tracks"), true
	case "sr":
		return contracts.StreamRadar, contracts.SubjectRadarTracksSR, contracts.SessionDurable(session, "tracks_sr"), true
	case "lr":
		return contracts.StreamRadar, contracts.SubjectRadarFramesLR, contracts.SessionDurable(session, "frames_lr"), true
	default:
		return "", "", "", false
	}
}

// runSessionFeed owns one console's track view: a per-session durable into
// the radar stream, forwarded latest-wins onto the client socket. Track
// pictures are superseded by the next frame, so shedding here loses nothing
// an operator could act on.
func (s *Service) runSessionFeed(c *feedClient, session, band string) {
	stream, subject, durable, ok := sessionFeedTarget(session, band)
	if !ok {
		s.log.Warn("[OperatorService] refusing session feed", "session", session, "band", band)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.Done()
		cancel()
	}()

	consumer, err := s.bus.PullConsumer(ctx, bus.ConsumerConfig{
		Stream:        stream,
		Durable:       durable,
		FilterSubject: subject,
		AckWait:       10 * time.Second,
		MaxAckPending: 64,
	})
	if err != nil {
		s.log.Warn("[OperatorService] session feed setup failed", "durable", durable, "error", err)
		return
	}
	defer consumer.Close()

	s.metrics.RecordSessionConsumers(1)
	defer s.metrics.RecordSessionConsumers(-1)
	s.log.Info("[OperatorService] session feed started", "durable", durable, "subject", subject)

	for {
		msgs, err := consumer.Fetch(ctx, fetchBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, bus.ErrAckPending) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			select {
			case c.Send <- msg.Data:
			default:
				s.metrics.RecordFeedDrop()
			}
			_ = msg.Ack(ctx)
		}
	}
}
