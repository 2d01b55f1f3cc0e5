package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qiki/dtmp/internal/contracts"
)

// RedisBus implements both bus planes over one Redis connection pool:
// the core plane over Pub/Sub channels, the persistent plane over Streams
// with consumer groups as durables (XACK = ack, XAUTOCLAIM past ack_wait =
// redelivery, SET NX EX = producer dedup window).
type RedisBus struct {
	rdb     *redis.Client
	metrics *Metrics

	mu      sync.RWMutex
	streams map[string]StreamConfig
	subs    []*redis.PubSub
	closed  bool

	trimEvery  int
	trimCursor int
}

// NewRedis connects to addr and verifies the connection. addr accepts either
// a redis:// URL or a bare host:port.
func NewRedis(addr, password string, db int, metrics *Metrics) (*RedisBus, error) {
	opts := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse bus url: %w", err)
		}
		parsed.DialTimeout = opts.DialTimeout
		parsed.ReadTimeout = opts.ReadTimeout
		parsed.WriteTimeout = opts.WriteTimeout
		parsed.PoolSize = opts.PoolSize
		if password != "" {
			parsed.Password = password
		}
		opts = parsed
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("bus ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("[Bus] Connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisBus{
		rdb:       rdb,
		metrics:   metrics,
		streams:   make(map[string]StreamConfig),
		trimEvery: 512,
	}, nil
}

// Client exposes the underlying connection for auxiliary keys (operator
// session scratch state).
func (b *RedisBus) Client() *redis.Client { return b.rdb }

// Publish sends data on the core plane (Redis Pub/Sub channel = subject).
func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	err := b.rdb.Publish(ctx, subject, data).Err()
	b.metrics.RecordPublish("core", err)
	return err
}

// Subscribe registers h on subject. Wildcard patterns use PSUBSCRIBE with the
// token semantics re-checked locally, since Redis globs do not respect dot
// boundaries.
func (b *RedisBus) Subscribe(pattern string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ctx := context.Background()
	var sub *redis.PubSub
	wildcard := strings.ContainsAny(pattern, "*>")
	if wildcard {
		sub = b.rdb.PSubscribe(ctx, redisGlob(pattern))
	} else {
		sub = b.rdb.Subscribe(ctx, pattern)
	}
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	b.subs = append(b.subs, sub)

	ch := sub.Channel(redis.WithChannelSize(memorySubQueue))
	go func() {
		for msg := range ch {
			if wildcard && !contracts.MatchSubject(pattern, msg.Channel) {
				continue
			}
			h(&Msg{Subject: msg.Channel, Data: []byte(msg.Payload)})
		}
	}()

	return func() { sub.Close() }, nil
}

// redisGlob widens a subject pattern to a Redis glob; exact token semantics
// are enforced by the caller with MatchSubject.
func redisGlob(pattern string) string {
	glob := strings.ReplaceAll(pattern, ">", "*")
	return glob
}

// Close closes subscriptions and the connection pool.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.Close()
	}
	return b.rdb.Close()
}

// ============================================================================
// STREAM PLANE
// ============================================================================

func streamKey(name string) string { return "qiki:stream:" + name }

func dedupKey(stream, id string) string { return "qiki:dedup:" + stream + ":" + id }

// EnsureStream registers the stream binding and trims entries past MaxAge.
func (b *RedisBus) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = contracts.DefaultDedupWindow
	}
	b.mu.Lock()
	b.streams[cfg.Name] = cfg
	b.mu.Unlock()

	if cfg.MaxAge > 0 {
		if err := b.trimAge(ctx, cfg); err != nil {
			return err
		}
	}
	slog.Info("[Bus] Stream ensured", "stream", cfg.Name, "subjects", cfg.Subjects)
	return nil
}

// trimAge drops entries older than MaxAge. Redis stream entry ids lead with
// the append timestamp in milliseconds, so MINID implements discard-by-age.
func (b *RedisBus) trimAge(ctx context.Context, cfg StreamConfig) error {
	minID := fmt.Sprintf("%d-0", time.Now().Add(-cfg.MaxAge).UnixMilli())
	return b.rdb.XTrimMinIDApprox(ctx, streamKey(cfg.Name), minID, 0).Err()
}

func (b *RedisBus) streamFor(subject string) (StreamConfig, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, cfg := range b.streams {
		for _, pat := range cfg.Subjects {
			if contracts.MatchSubject(pat, subject) {
				return cfg, true
			}
		}
	}
	return StreamConfig{}, false
}

// PublishMsg appends to the bound stream. The dedup window is a SET NX EX
// keyed by message id; a duplicate returns ErrDuplicate without appending.
func (b *RedisBus) PublishMsg(ctx context.Context, subject string, data []byte, msgID string) error {
	cfg, ok := b.streamFor(subject)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStream, subject)
	}

	if msgID != "" {
		set, err := b.rdb.SetNX(ctx, dedupKey(cfg.Name, msgID), 1, cfg.DedupWindow).Result()
		if err != nil {
			b.metrics.RecordPublish("stream", err)
			return fmt.Errorf("dedup check: %w", err)
		}
		if !set {
			b.metrics.RecordDedup(cfg.Name)
			return ErrDuplicate
		}
	}

	args := &redis.XAddArgs{
		Stream: streamKey(cfg.Name),
		Values: map[string]any{
			"subject": subject,
			"id":      msgID,
			"data":    string(data),
		},
	}
	if cfg.MaxMsgs > 0 {
		args.MaxLen = cfg.MaxMsgs
		args.Approx = true
	}
	err := b.rdb.XAdd(ctx, args).Err()
	b.metrics.RecordPublish("stream", err)
	if err != nil {
		return fmt.Errorf("stream append %s: %w", subject, err)
	}

	// Opportunistic age trim; cheap relative to publish volume.
	b.mu.Lock()
	b.trimCursor++
	doTrim := cfg.MaxAge > 0 && b.trimCursor%b.trimEvery == 0
	b.mu.Unlock()
	if doTrim {
		if err := b.trimAge(ctx, cfg); err != nil {
			slog.Warn("[Bus] Age trim failed", "stream", cfg.Name, "error", err)
		}
	}
	return nil
}

// redisConsumer is a durable pull consumer bound to one consumer group.
type redisConsumer struct {
	bus  *RedisBus
	cfg  ConsumerConfig
	key  string
	name string
}

// PullConsumer creates the consumer group at the start of the stream if it
// does not exist yet (deliver-all for new durables), then binds to it.
func (b *RedisBus) PullConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending == 0 {
		cfg.MaxAckPending = 512
	}
	key := streamKey(cfg.Stream)

	err := b.rdb.XGroupCreateMkStream(ctx, key, cfg.Durable, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create durable %s: %w", cfg.Durable, err)
	}

	return &redisConsumer{
		bus:  b,
		cfg:  cfg,
		key:  key,
		name: cfg.Durable + "-0",
	}, nil
}

// Fetch returns up to batch messages: expired pending entries first
// (redelivery), then new entries. Refuses with ErrAckPending at the
// max_ack_pending bound.
func (c *redisConsumer) Fetch(ctx context.Context, batch int) ([]*Msg, error) {
	pending, err := c.bus.rdb.XPending(ctx, c.key, c.cfg.Durable).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pending check: %w", err)
	}
	if pending != nil && pending.Count >= int64(c.cfg.MaxAckPending) {
		c.bus.metrics.RecordAckPendingLimit(c.cfg.Durable)
		return nil, ErrAckPending
	}

	var out []*Msg
	redelivered := 0

	claimed, _, err := c.bus.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.key,
		Group:    c.cfg.Durable,
		Consumer: c.name,
		MinIdle:  c.cfg.AckWait,
		Start:    "0-0",
		Count:    int64(batch),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("autoclaim: %w", err)
	}
	for _, entry := range claimed {
		if m := c.wrap(ctx, entry); m != nil {
			out = append(out, m)
			redelivered++
		}
	}

	if len(out) < batch {
		res, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Durable,
			Consumer: c.name,
			Streams:  []string{c.key, ">"},
			Count:    int64(batch - len(out)),
			Block:    50 * time.Millisecond,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read group: %w", err)
		}
		for _, stream := range res {
			for _, entry := range stream.Messages {
				if m := c.wrap(ctx, entry); m != nil {
					out = append(out, m)
				}
			}
		}
	}

	c.bus.metrics.RecordFetch(c.cfg.Durable, len(out), redelivered)
	return out, nil
}

// wrap converts a stream entry to a Msg, auto-acking entries the durable's
// filter subject excludes.
func (c *redisConsumer) wrap(ctx context.Context, entry redis.XMessage) *Msg {
	subject, _ := entry.Values["subject"].(string)
	data, _ := entry.Values["data"].(string)
	id, _ := entry.Values["id"].(string)

	if c.cfg.FilterSubject != "" && !contracts.MatchSubject(c.cfg.FilterSubject, subject) {
		_ = c.bus.rdb.XAck(ctx, c.key, c.cfg.Durable, entry.ID).Err()
		return nil
	}

	hdr := map[string]string{}
	if id != "" {
		hdr[contracts.HeaderMsgID] = id
	}
	return &Msg{
		Subject: subject,
		Data:    []byte(data),
		Header:  hdr,
		Stream:  c.cfg.Stream,
		seq:     entry.ID,
		acker:   c,
	}
}

func (c *redisConsumer) ack(ctx context.Context, m *Msg) error {
	return c.bus.rdb.XAck(ctx, c.key, c.cfg.Durable, m.seq).Err()
}

// nak leaves the entry pending; it is reclaimed after ack_wait.
func (c *redisConsumer) nak(ctx context.Context, m *Msg) error { return nil }

func (c *redisConsumer) Close() error { return nil }

// LastMsg scans backwards for the newest entry on an exact subject. The scan
// is bounded; callers wanting history use a pull consumer instead.
func (b *RedisBus) LastMsg(ctx context.Context, stream, subject string) (*Msg, error) {
	entries, err := b.rdb.XRevRangeN(ctx, streamKey(stream), "+", "-", 512).Result()
	if err != nil {
		return nil, fmt.Errorf("last msg scan: %w", err)
	}
	for _, entry := range entries {
		subj, _ := entry.Values["subject"].(string)
		if subj != subject {
			continue
		}
		data, _ := entry.Values["data"].(string)
		id, _ := entry.Values["id"].(string)
		hdr := map[string]string{}
		if id != "" {
			hdr[contracts.HeaderMsgID] = id
		}
		return &Msg{Subject: subj, Data: []byte(data), Header: hdr, Stream: stream, seq: entry.ID}, nil
	}
	return nil, ErrNoMsg
}
