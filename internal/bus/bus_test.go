package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/contracts"
)

func testStreams(t *testing.T, b Streams) {
	t.Helper()
	require.NoError(t, EnsureCanonicalStreams(context.Background(), b))
}

// ===== CORE PLANE =====

func TestMemoryPublishOrdering(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := b.Subscribe(contracts.SubjectTelemetry, func(m *Msg) {
		mu.Lock()
		got = append(got, string(m.Data))
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(ctx, contracts.SubjectTelemetry, []byte(fmt.Sprintf("t%03d", i))))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, payload := range got {
		assert.Equal(t, fmt.Sprintf("t%03d", i), payload, "delivery order must match publication order")
	}
}

func TestMemoryWildcardSubscribe(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	matched := make(chan string, 8)
	_, err := b.Subscribe(contracts.SubjectEventsWildcard, func(m *Msg) {
		matched <- m.Subject
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, contracts.SubjectAudit, []byte("a")))
	require.NoError(t, b.Publish(ctx, contracts.SubjectTelemetry, []byte("b")))
	require.NoError(t, b.Publish(ctx, contracts.SubjectBiosStatus, []byte("c")))

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case s := <-matched:
			got = append(got, s)
		case <-timeout:
			t.Fatal("timed out")
		}
	}
	assert.ElementsMatch(t, []string{contracts.SubjectAudit, contracts.SubjectBiosStatus}, got)

	select {
	case s := <-matched:
		t.Fatalf("unexpected delivery for %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	var count int
	var mu sync.Mutex
	unsub, err := b.Subscribe(contracts.SubjectIntents, func(m *Msg) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, contracts.SubjectIntents, []byte("one")))
	time.Sleep(50 * time.Millisecond)
	unsub()
	require.NoError(t, b.Publish(ctx, contracts.SubjectIntents, []byte("two")))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

// ===== STREAM PLANE =====

func TestMemoryStreamPublishFetchAck(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	testStreams(t, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
		err := b.PublishMsg(ctx, contracts.SubjectAudit, payload, fmt.Sprintf("id-%d", i))
		require.NoError(t, err)
	}

	c, err := b.PullConsumer(ctx, ConsumerConfig{
		Stream:        contracts.StreamEvents,
		Durable:       contracts.DurableEventsAudit,
		FilterSubject: contracts.SubjectAudit,
		AckWait:       time.Second,
	})
	require.NoError(t, err)

	msgs, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "id-0", msgs[0].ID())
	for _, m := range msgs {
		require.NoError(t, m.Ack(ctx))
	}

	msgs, err = c.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryStreamDedup(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	testStreams(t, b)
	ctx := context.Background()

	payload := []byte(`{"kind":"thermal_trip"}`)
	require.NoError(t, b.PublishMsg(ctx, contracts.EdgeSubject(contracts.KindThermalTrip), payload, "evt-1"))

	err := b.PublishMsg(ctx, contracts.EdgeSubject(contracts.KindThermalTrip), payload, "evt-1")
	assert.ErrorIs(t, err, ErrDuplicate)

	c, err := b.PullConsumer(ctx, ConsumerConfig{
		Stream:  contracts.StreamEvents,
		Durable: "dedup_test_pull",
	})
	require.NoError(t, err)
	msgs, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "duplicate publish must not append a second entry")
}

func TestMemoryRedeliveryAfterAckWait(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	testStreams(t, b)
	ctx := context.Background()

	require.NoError(t, b.PublishMsg(ctx, contracts.SubjectAudit, []byte("x"), "redeliver-1"))

	c, err := b.PullConsumer(ctx, ConsumerConfig{
		Stream:  contracts.StreamEvents,
		Durable: "redelivery_pull",
		AckWait: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	msgs, err := c.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	// not acked: must come back after ack_wait

	time.Sleep(60 * time.Millisecond)
	again, err := c.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "redeliver-1", again[0].ID())

	require.NoError(t, again[0].Ack(ctx))
	time.Sleep(60 * time.Millisecond)
	final, err := c.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestMemoryMaxAckPending(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	testStreams(t, b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.PublishMsg(ctx, contracts.SubjectAudit, []byte("x"), fmt.Sprintf("p-%d", i)))
	}

	c, err := b.PullConsumer(ctx, ConsumerConfig{
		Stream:        contracts.StreamEvents,
		Durable:       "pending_pull",
		AckWait:       time.Minute,
		MaxAckPending: 2,
	})
	require.NoError(t, err)

	msgs, err := c.Fetch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = c.Fetch(ctx, 2)
	assert.ErrorIs(t, err, ErrAckPending)

	require.NoError(t, msgs[0].Ack(ctx))
	more, err := c.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, more, 1)
}

func TestMemoryDiscardOldAtMaxMsgs(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.EnsureStream(ctx, StreamConfig{
		Name:     "SMALL",
		Subjects: []string{"small.>"},
		MaxMsgs:  3,
	}))

	for i := 0; i < 6; i++ {
		require.NoError(t, b.PublishMsg(ctx, "small.x", []byte(fmt.Sprintf("%d", i)), fmt.Sprintf("s-%d", i)))
	}

	c, err := b.PullConsumer(ctx, ConsumerConfig{Stream: "SMALL", Durable: "small_pull"})
	require.NoError(t, err)
	msgs, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "3", string(msgs[0].Data), "oldest entries are discarded first")
}

func TestMemoryLastMsg(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	testStreams(t, b)
	ctx := context.Background()

	require.NoError(t, b.PublishMsg(ctx, contracts.SubjectBiosStatus, []byte("old"), "bs-1"))
	require.NoError(t, b.PublishMsg(ctx, contracts.SubjectAudit, []byte("other"), "au-1"))
	require.NoError(t, b.PublishMsg(ctx, contracts.SubjectBiosStatus, []byte("new"), "bs-2"))

	m, err := b.LastMsg(ctx, contracts.StreamEvents, contracts.SubjectBiosStatus)
	require.NoError(t, err)
	assert.Equal(t, "new", string(m.Data))

	_, err = b.LastMsg(ctx, contracts.StreamEvents, "qiki.events.v1.never")
	assert.ErrorIs(t, err, ErrNoMsg)
}

func TestPublishWithoutStreamFails(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	err := b.PublishMsg(context.Background(), "unbound.subject", []byte("x"), "id")
	assert.ErrorIs(t, err, ErrNoStream)
}

// ===== REQUEST / RESPONSE =====

func TestRequesterRoundTrip(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	// command responder standing in for the sim
	_, err := b.Subscribe(contracts.SubjectCommandsControl, func(m *Msg) {
		var cmd contracts.CommandEnvelope
		require.NoError(t, json.Unmarshal(m.Data, &cmd))
		resp := contracts.NewResponse(&cmd, "q-sim", true, "", map[string]any{"echo": cmd.CommandName})
		data, _ := json.Marshal(resp)
		_ = b.Publish(context.Background(), contracts.SubjectResponsesControl, data)
	})
	require.NoError(t, err)

	req, err := NewRequester(b, "test")
	require.NoError(t, err)
	defer req.Close()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	resp, err := req.Send(ctx, contracts.NewCommand("sim.start", "test", "q-sim", nil))
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "sim.start", resp.Result["echo"])
}

func TestRequesterTimeout(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	req, err := NewRequester(b, "test")
	require.NoError(t, err)
	defer req.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = req.Send(ctx, contracts.NewCommand("sim.stop", "test", "q-sim", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ===== DEDUP WINDOW / BACKOFF / BREAKER =====

func TestDedupWindowSeen(t *testing.T) {
	w := NewDedupWindow(time.Minute)
	assert.False(t, w.Seen("a"))
	assert.True(t, w.Seen("a"))
	assert.False(t, w.Seen("b"))
	assert.False(t, w.Seen(""))
	assert.False(t, w.Seen(""), "empty ids never dedup")
}

func TestDedupWindowExpiry(t *testing.T) {
	w := NewDedupWindow(time.Minute)
	base := time.Now()
	w.now = func() time.Time { return base }
	assert.False(t, w.Seen("a"))

	w.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.False(t, w.Seen("a"), "expired ids are seen again")
	assert.Equal(t, 1, w.Len())
}

func TestDedupWindowForget(t *testing.T) {
	w := NewDedupWindow(time.Minute)
	assert.False(t, w.Seen("a"))
	w.Forget("a")
	assert.False(t, w.Seen("a"), "forgotten ids are processed again")
	assert.True(t, w.Seen("a"))
}

func TestBackoffCapped(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Duration(1))
	assert.Equal(t, 200*time.Millisecond, b.Duration(2))
	assert.Equal(t, 400*time.Millisecond, b.Duration(3))
	assert.Equal(t, time.Second, b.Duration(10))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, Backoff{Base: time.Millisecond, Max: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausts(t *testing.T) {
	sentinel := errors.New("down")
	calls := 0
	err := Retry(context.Background(), 3, Backoff{Base: time.Millisecond, Max: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestBreakerTripAndRecover(t *testing.T) {
	var transitions []string
	br := NewBreaker(3, 20*time.Millisecond, func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	fail := errors.New("publish failed")
	require.NoError(t, br.Allow())
	br.Record(fail)
	br.Record(fail)
	assert.Equal(t, BreakerClosed, br.State())
	br.Record(fail)
	assert.Equal(t, BreakerOpen, br.State())
	assert.ErrorIs(t, br.Allow(), ErrBreakerOpen)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, br.Allow(), "cooldown elapsed: probe allowed")
	assert.Equal(t, BreakerHalfOpen, br.State())
	br.Record(nil)
	assert.Equal(t, BreakerClosed, br.State())

	assert.Contains(t, transitions, "CLOSED->OPEN")
	assert.Contains(t, transitions, "HALF_OPEN->CLOSED")
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	br := NewBreaker(1, 20*time.Millisecond, nil)
	br.Record(errors.New("down"))
	assert.Equal(t, BreakerOpen, br.State())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, br.Allow())
	br.Record(errors.New("still down"))
	assert.Equal(t, BreakerOpen, br.State())
}
