// Package bus is the message backplane adapter: a plain pub/sub core plane
// for live traffic (telemetry, commands, responses) and a persistent stream
// plane with durable pull consumers, bounded retention, and producer-side
// dedup for everything under the versioned event/radar subjects.
//
// Two implementations exist: MemoryBus for single-process deployments and
// tests, and RedisBus for multi-process deployments. Components depend on the
// narrow interfaces below, never on a concrete bus.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/qiki/dtmp/internal/contracts"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")

	// ErrDuplicate reports a stream publish whose message id was already seen
	// inside the dedup window. Producers treat it as success.
	ErrDuplicate = errors.New("bus: duplicate message id")

	// ErrNoStream reports a stream publish to a subject no stream binds.
	ErrNoStream = errors.New("bus: no stream bound for subject")

	// ErrAckPending reports a fetch refused because the consumer has reached
	// max_ack_pending; the caller must ack or wait for redelivery.
	ErrAckPending = errors.New("bus: max ack pending reached")

	// ErrNoMsg reports an empty stream lookup.
	ErrNoMsg = errors.New("bus: no message")
)

// Msg is one received message. Stream messages carry an acker; core-plane
// messages do not (Ack is a no-op for them).
type Msg struct {
	Subject string
	Data    []byte
	Header  map[string]string

	Stream string
	seq    string
	acker  acker
}

type acker interface {
	ack(ctx context.Context, m *Msg) error
	nak(ctx context.Context, m *Msg) error
}

// ID returns the dedup message id, or "" when the producer set none.
func (m *Msg) ID() string {
	if m.Header == nil {
		return ""
	}
	return m.Header[contracts.HeaderMsgID]
}

// Seq returns the stream sequence token assigned at append time.
func (m *Msg) Seq() string { return m.seq }

// Ack marks the message processed; it will not be redelivered.
func (m *Msg) Ack(ctx context.Context) error {
	if m.acker == nil {
		return nil
	}
	return m.acker.ack(ctx, m)
}

// Nak leaves the message pending; it is redelivered after the consumer's
// ack_wait elapses.
func (m *Msg) Nak(ctx context.Context) error {
	if m.acker == nil {
		return nil
	}
	return m.acker.nak(ctx, m)
}

// Handler consumes core-plane messages. Handlers run on the subscription's
// own goroutine in publication order; a slow handler sheds oldest first.
type Handler func(msg *Msg)

// Core is the non-persistent pub/sub plane.
type Core interface {
	// Publish sends data on subject to current subscribers. Fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler; subject may use * and > wildcards.
	// Returns an unsubscribe function.
	Subscribe(subject string, h Handler) (func(), error)
}

// StreamConfig declares one persistent stream and its bounds.
type StreamConfig struct {
	Name        string
	Subjects    []string
	MaxMsgs     int64
	MaxAge      time.Duration
	DedupWindow time.Duration
}

// ConsumerConfig declares a durable pull consumer on a stream.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	AckWait       time.Duration
	MaxAckPending int
}

// Consumer is a durable pull consumer. Fetch gives back-pressure by
// construction: the handler asks for the next batch when it is ready.
type Consumer interface {
	Fetch(ctx context.Context, batch int) ([]*Msg, error)
	Close() error
}

// Streams is the persistent plane.
type Streams interface {
	EnsureStream(ctx context.Context, cfg StreamConfig) error

	// PublishMsg appends to the stream bound to subject. msgID dedups within
	// the stream's window; ErrDuplicate means the append was elided.
	PublishMsg(ctx context.Context, subject string, data []byte, msgID string) error

	PullConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error)

	// LastMsg returns the newest stream message on an exact subject.
	LastMsg(ctx context.Context, stream, subject string) (*Msg, error)
}

// Bus is the full backplane surface.
type Bus interface {
	Core
	Streams
	Close() error
}

// Default deadlines for request/response and last-value lookups.
const (
	DefaultRequestTimeout = 2 * time.Second
	DefaultLastMsgTimeout = 5 * time.Second
)

// EnsureCanonicalStreams declares the two canonical streams on b.
func EnsureCanonicalStreams(ctx context.Context, b Streams) error {
	radar := StreamConfig{
		Name:        contracts.StreamRadar,
		Subjects:    []string{contracts.StreamRadarSubjects},
		MaxMsgs:     100_000,
		MaxAge:      24 * time.Hour,
		DedupWindow: contracts.DefaultDedupWindow,
	}
	events := StreamConfig{
		Name:        contracts.StreamEvents,
		Subjects:    []string{contracts.StreamEventsSubjects},
		MaxMsgs:     200_000,
		MaxAge:      7 * 24 * time.Hour,
		DedupWindow: contracts.DefaultDedupWindow,
	}
	if err := b.EnsureStream(ctx, radar); err != nil {
		return err
	}
	return b.EnsureStream(ctx, events)
}
