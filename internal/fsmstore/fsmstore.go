// Package fsmstore holds the single source of truth for the agent FSM.
//
// The store keeps the snapshot as canonical bytes and materializes a fresh
// copy on every read, so no caller can mutate shared state. Exactly one
// component may hold the writer token; everyone else observes through
// versioned reads or subscriber queues. The version bumps only when the
// canonical bytes actually change.
package fsmstore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/qiki/dtmp/internal/contracts"
	"github.com/qiki/dtmp/internal/guardrails"
)

// SubscriberQueue bounds each subscriber channel. A slow subscriber loses its
// oldest update, never the newest.
const SubscriberQueue = 16

// Update is what subscribers receive after every effective write.
type Update struct {
	Version  int64
	BootID   string
	Snapshot contracts.FSMSnapshot
}

// Stats is a point-in-time view of store health.
type Stats struct {
	Version     int64
	BootID      string
	Subscribers int
	Writes      int64
	Elisions    int64
	Drops       int64
}

type subscriber struct {
	name string
	ch   chan Update
}

// Store is the SSOT FSM state store.
type Store struct {
	mu        sync.Mutex
	bootID    string
	version   int64
	canonical []byte
	logJSON   string

	writerOwner string

	subs    map[int]*subscriber
	nextSub int

	writes   int64
	elisions int64
	drops    int64

	metrics *Metrics
}

// New creates a store seeded with the cold-start snapshot at version 0 and a
// fresh session boot id.
func New(metrics *Metrics) (*Store, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("boot id: %w", err)
	}

	initial := contracts.FSMSnapshot{
		State:  contracts.StateBooting,
		Reason: "COLD_START",
	}
	canonical, err := contracts.CanonicalJSON(initial)
	if err != nil {
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}

	s := &Store{
		bootID:    hex.EncodeToString(raw),
		canonical: canonical,
		subs:      make(map[int]*subscriber),
		metrics:   metrics,
	}
	s.metrics.RecordVersion(0)
	return s, nil
}

// BootID returns the session identifier, fixed for the store's lifetime.
func (s *Store) BootID() string { return s.bootID }

// Version returns the current snapshot version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Get materializes a fresh snapshot from the canonical bytes.
func (s *Store) Get() (contracts.FSMSnapshot, int64, error) {
	s.mu.Lock()
	canonical, version := s.canonical, s.version
	s.mu.Unlock()

	var snap contracts.FSMSnapshot
	if err := json.Unmarshal(canonical, &snap); err != nil {
		return contracts.FSMSnapshot{}, 0, fmt.Errorf("materialize snapshot: %w", err)
	}
	return snap, version, nil
}

// GetJSONForLogs returns `{"version":N,"boot_id":"...","snapshot":{...}}`,
// rebuilt at most once per version.
func (s *Store) GetJSONForLogs() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logJSON == "" {
		s.logJSON = fmt.Sprintf(`{"version":%d,"boot_id":%q,"snapshot":%s}`,
			s.version, s.bootID, s.canonical)
	}
	return s.logJSON
}

// Stats reports counters for diagnostics endpoints.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Version:     s.version,
		BootID:      s.bootID,
		Subscribers: len(s.subs),
		Writes:      s.writes,
		Elisions:    s.elisions,
		Drops:       s.drops,
	}
}

// Subscribe registers a bounded queue of updates. The current snapshot is
// delivered immediately so a new subscriber never waits for the next change;
// every effective write after that is enqueued. The returned function
// unsubscribes and closes the channel.
func (s *Store) Subscribe(name string) (<-chan Update, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &subscriber{name: name, ch: make(chan Update, SubscriberQueue)}

	// The channel is fresh, so this enqueue cannot block. Registering after
	// it keeps the initial snapshot ahead of any concurrent write.
	var current contracts.FSMSnapshot
	if err := json.Unmarshal(s.canonical, &current); err == nil {
		sub.ch <- Update{Version: s.version, BootID: s.bootID, Snapshot: current}
	}

	s.subs[id] = sub
	s.metrics.RecordSubscribers(len(s.subs))
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			// Close under the lock: deliveries also hold it, so no write can
			// race the close.
			s.mu.Lock()
			delete(s.subs, id)
			s.metrics.RecordSubscribers(len(s.subs))
			close(sub.ch)
			s.mu.Unlock()
		})
	}
}

// Writer is the single-writer token. Only its holder can change the store.
type Writer struct {
	store *Store
	owner string
}

// AcquireWriter hands out the writer token. A second acquisition while the
// token is held is a guardrail violation.
func (s *Store) AcquireWriter(owner string) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writerOwner != "" {
		return nil, guardrails.SecondWriter(s.writerOwner, owner)
	}
	s.writerOwner = owner
	return &Writer{store: s, owner: owner}, nil
}

// Release returns the token so another component may acquire it.
func (w *Writer) Release() {
	s := w.store
	s.mu.Lock()
	if s.writerOwner == w.owner {
		s.writerOwner = ""
	}
	s.mu.Unlock()
}

// Set canonicalizes snap and stores it. When the canonical bytes equal the
// current ones the write is elided: no version bump, no notification. The
// returned bool reports whether the store changed.
func (w *Writer) Set(snap contracts.FSMSnapshot) (int64, bool, error) {
	canonical, err := contracts.CanonicalJSON(snap)
	if err != nil {
		return 0, false, fmt.Errorf("canonicalize snapshot: %w", err)
	}

	s := w.store
	s.mu.Lock()
	if s.writerOwner != w.owner {
		s.mu.Unlock()
		return 0, false, fmt.Errorf("writer token for %q released", w.owner)
	}
	if bytes.Equal(canonical, s.canonical) {
		s.elisions++
		version := s.version
		s.mu.Unlock()
		s.metrics.RecordElision()
		return version, false, nil
	}

	s.version++
	s.canonical = canonical
	s.logJSON = ""
	s.writes++
	version := s.version

	var materialized contracts.FSMSnapshot
	if err := json.Unmarshal(canonical, &materialized); err != nil {
		s.mu.Unlock()
		return 0, false, fmt.Errorf("materialize snapshot: %w", err)
	}
	update := Update{Version: version, BootID: s.bootID, Snapshot: materialized}

	// Deliveries stay under the lock so an unsubscribe cannot close a channel
	// mid-send. Every enqueue is non-blocking.
	for _, sub := range s.subs {
		s.deliverLocked(sub, update)
	}
	s.mu.Unlock()

	s.metrics.RecordWrite(version)
	return version, true, nil
}

// deliverLocked enqueues update, evicting the subscriber's oldest entry when
// the queue is full. Caller holds s.mu.
func (s *Store) deliverLocked(sub *subscriber, update Update) {
	select {
	case sub.ch <- update:
		return
	default:
	}
	select {
	case <-sub.ch:
		s.drops++
		s.metrics.RecordDrop(sub.name)
	default:
	}
	select {
	case sub.ch <- update:
	default:
	}
}
