package bus

import (
	"sync"
	"time"
)

// DedupWindow is the consumer-side idempotency guard: handlers check Seen
// before mutating state so a redelivered message (same id) is a no-op.
type DedupWindow struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewDedupWindow creates a window with the given ttl.
func NewDedupWindow(ttl time.Duration) *DedupWindow {
	return &DedupWindow{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen marks id and reports whether it was already inside the window.
// Empty ids are never deduplicated.
func (w *DedupWindow) Seen(id string) bool {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for k, exp := range w.seen {
		if exp.Before(now) {
			delete(w.seen, k)
		}
	}
	if _, dup := w.seen[id]; dup {
		return true
	}
	w.seen[id] = now.Add(w.ttl)
	return false
}

// Forget unmarks id. Handlers that fail after checking Seen call this so the
// redelivery is processed instead of skipped.
func (w *DedupWindow) Forget(id string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	delete(w.seen, id)
	w.mu.Unlock()
}

// Len returns the number of live ids, for tests and stats.
func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
