package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/qiki/dtmp/internal/contracts"
)

// MemoryBus is the in-process backplane for single-process deployments and
// tests. Both planes honor the same contract as RedisBus: per-subscription
// ordering, bounded subscriber queues with drop-oldest, stream dedup,
// deliver-all durables with ack_wait redelivery.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[int]*memorySub
	nextSub int
	streams map[string]*memoryStream
	closed  bool
	metrics *Metrics
}

type memorySub struct {
	pattern string
	queue   chan *Msg
	done    chan struct{}
}

// NewMemory creates an in-process bus. metrics may be nil.
func NewMemory(metrics *Metrics) *MemoryBus {
	return &MemoryBus{
		subs:    make(map[int]*memorySub),
		streams: make(map[string]*memoryStream),
		metrics: metrics,
	}
}

const memorySubQueue = 1024

// Publish sends data to every matching subscriber queue, shedding the oldest
// entry when a queue is full.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := &Msg{Subject: subject, Data: append([]byte(nil), data...)}
	for _, sub := range b.subs {
		if !contracts.MatchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			select {
			case <-sub.queue:
				b.metrics.RecordSubscriberDrop(subject)
			default:
			}
			select {
			case sub.queue <- msg:
			default:
				b.metrics.RecordSubscriberDrop(subject)
			}
		}
	}
	b.metrics.RecordPublish("core", nil)
	return nil
}

// Subscribe registers h for subjects matching pattern. The handler runs on a
// dedicated goroutine in publication order.
func (b *MemoryBus) Subscribe(pattern string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextSub++
	id := b.nextSub
	sub := &memorySub{
		pattern: pattern,
		queue:   make(chan *Msg, memorySubQueue),
		done:    make(chan struct{}),
	}
	b.subs[id] = sub

	go func() {
		for {
			select {
			case msg := <-sub.queue:
				h(msg)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.done)
			delete(b.subs, id)
		}
	}, nil
}

// Close tears down subscriptions and refuses further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.done)
		delete(b.subs, id)
	}
	return nil
}

// ============================================================================
// STREAM PLANE
// ============================================================================

type storedMsg struct {
	seq     uint64
	subject string
	id      string
	data    []byte
	stored  time.Time
}

type memoryStream struct {
	mu      sync.Mutex
	cfg     StreamConfig
	msgs    []storedMsg
	lastSeq uint64
	dedup   map[string]time.Time
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	cursor  uint64
	pending map[uint64]*pendingEntry
}

type pendingEntry struct {
	msg       storedMsg
	delivered time.Time
	attempts  int
}

// EnsureStream declares (or re-declares) a stream. Idempotent.
func (b *MemoryBus) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = contracts.DefaultDedupWindow
	}
	if st, ok := b.streams[cfg.Name]; ok {
		st.mu.Lock()
		st.cfg = cfg
		st.mu.Unlock()
		return nil
	}
	b.streams[cfg.Name] = &memoryStream{
		cfg:    cfg,
		dedup:  make(map[string]time.Time),
		groups: make(map[string]*memoryGroup),
	}
	slog.Info("[Bus] Stream ensured", "stream", cfg.Name, "subjects", cfg.Subjects)
	return nil
}

func (b *MemoryBus) streamFor(subject string) *memoryStream {
	for _, st := range b.streams {
		for _, pat := range st.cfg.Subjects {
			if contracts.MatchSubject(pat, subject) {
				return st
			}
		}
	}
	return nil
}

// PublishMsg appends to the stream bound to subject, eliding duplicates
// inside the dedup window. Oldest messages are discarded past MaxMsgs/MaxAge.
func (b *MemoryBus) PublishMsg(ctx context.Context, subject string, data []byte, msgID string) error {
	b.mu.RLock()
	st := b.streamFor(subject)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNoStream, subject)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	for id, exp := range st.dedup {
		if exp.Before(now) {
			delete(st.dedup, id)
		}
	}
	if msgID != "" {
		if _, dup := st.dedup[msgID]; dup {
			b.metrics.RecordDedup(st.cfg.Name)
			return ErrDuplicate
		}
		st.dedup[msgID] = now.Add(st.cfg.DedupWindow)
	}

	st.lastSeq++
	st.msgs = append(st.msgs, storedMsg{
		seq:     st.lastSeq,
		subject: subject,
		id:      msgID,
		data:    append([]byte(nil), data...),
		stored:  now,
	})

	// discard=old
	if st.cfg.MaxMsgs > 0 && int64(len(st.msgs)) > st.cfg.MaxMsgs {
		st.msgs = st.msgs[int64(len(st.msgs))-st.cfg.MaxMsgs:]
	}
	if st.cfg.MaxAge > 0 {
		cut := now.Add(-st.cfg.MaxAge)
		firstLive := 0
		for firstLive < len(st.msgs) && st.msgs[firstLive].stored.Before(cut) {
			firstLive++
		}
		st.msgs = st.msgs[firstLive:]
	}

	b.metrics.RecordPublish("stream", nil)
	return nil
}

// memoryConsumer is a durable pull consumer over one memoryStream.
type memoryConsumer struct {
	bus    *MemoryBus
	stream *memoryStream
	group  *memoryGroup
	cfg    ConsumerConfig
}

// PullConsumer binds (or re-binds) a durable. New durables deliver from the
// start of the stream.
func (b *MemoryBus) PullConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	b.mu.RLock()
	st, ok := b.streams[cfg.Stream]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stream %s", ErrNoStream, cfg.Stream)
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending == 0 {
		cfg.MaxAckPending = 512
	}

	st.mu.Lock()
	grp, ok := st.groups[cfg.Durable]
	if !ok {
		grp = &memoryGroup{pending: make(map[uint64]*pendingEntry)}
		st.groups[cfg.Durable] = grp
	}
	st.mu.Unlock()

	return &memoryConsumer{bus: b, stream: st, group: grp, cfg: cfg}, nil
}

// memoryFetchBlock bounds how long an empty Fetch waits for new messages,
// mirroring the short read-group block on the Redis plane so consume loops
// pace the same against either backplane.
const memoryFetchBlock = 50 * time.Millisecond

// Fetch returns up to batch messages: redeliveries past ack_wait first, then
// new messages after the durable cursor. An empty fetch blocks up to
// memoryFetchBlock before returning. Returns ErrAckPending when the pending
// set is at max_ack_pending.
func (c *memoryConsumer) Fetch(ctx context.Context, batch int) ([]*Msg, error) {
	deadline := time.Now().Add(memoryFetchBlock)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, redelivered, err := c.fetchOnce(batch)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 || time.Now().After(deadline) {
			c.bus.metrics.RecordFetch(c.cfg.Durable, len(out), redelivered)
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *memoryConsumer) fetchOnce(batch int) ([]*Msg, int, error) {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	if len(c.group.pending) >= c.cfg.MaxAckPending {
		c.bus.metrics.RecordAckPendingLimit(c.cfg.Durable)
		return nil, 0, ErrAckPending
	}

	now := time.Now()
	var out []*Msg
	redelivered := 0

	for _, pe := range c.group.pending {
		if len(out) >= batch {
			break
		}
		if now.Sub(pe.delivered) < c.cfg.AckWait {
			continue
		}
		pe.delivered = now
		pe.attempts++
		out = append(out, c.wrap(pe.msg))
		redelivered++
	}

	for _, sm := range c.stream.msgs {
		if len(out) >= batch {
			break
		}
		if sm.seq <= c.group.cursor {
			continue
		}
		c.group.cursor = sm.seq
		if c.cfg.FilterSubject != "" && !contracts.MatchSubject(c.cfg.FilterSubject, sm.subject) {
			continue
		}
		c.group.pending[sm.seq] = &pendingEntry{msg: sm, delivered: now, attempts: 1}
		out = append(out, c.wrap(sm))
	}
	return out, redelivered, nil
}

func (c *memoryConsumer) wrap(sm storedMsg) *Msg {
	hdr := map[string]string{}
	if sm.id != "" {
		hdr[contracts.HeaderMsgID] = sm.id
	}
	return &Msg{
		Subject: sm.subject,
		Data:    sm.data,
		Header:  hdr,
		Stream:  c.cfg.Stream,
		seq:     strconv.FormatUint(sm.seq, 10),
		acker:   c,
	}
}

func (c *memoryConsumer) ack(ctx context.Context, m *Msg) error {
	seq, err := strconv.ParseUint(m.seq, 10, 64)
	if err != nil {
		return fmt.Errorf("bad seq %q: %w", m.seq, err)
	}
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	delete(c.group.pending, seq)
	return nil
}

func (c *memoryConsumer) nak(ctx context.Context, m *Msg) error {
	seq, err := strconv.ParseUint(m.seq, 10, 64)
	if err != nil {
		return fmt.Errorf("bad seq %q: %w", m.seq, err)
	}
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	if pe, ok := c.group.pending[seq]; ok {
		// make it immediately reclaimable
		pe.delivered = time.Time{}
	}
	return nil
}

func (c *memoryConsumer) Close() error { return nil }

// LastMsg returns the newest message stored on an exact subject.
func (b *MemoryBus) LastMsg(ctx context.Context, stream, subject string) (*Msg, error) {
	b.mu.RLock()
	st, ok := b.streams[stream]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stream %s", ErrNoStream, stream)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for i := len(st.msgs) - 1; i >= 0; i-- {
		if st.msgs[i].subject == subject {
			sm := st.msgs[i]
			hdr := map[string]string{}
			if sm.id != "" {
				hdr[contracts.HeaderMsgID] = sm.id
			}
			return &Msg{
				Subject: sm.subject,
				Data:    append([]byte(nil), sm.data...),
				Header:  hdr,
				Stream:  stream,
				seq:     strconv.FormatUint(sm.seq, 10),
			}, nil
		}
	}
	return nil, ErrNoMsg
}
