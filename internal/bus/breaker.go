package bus

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the publish-path circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen reports a publish refused while the backplane is tripped.
var ErrBreakerOpen = errors.New("bus: breaker open")

// Breaker trips the publish path after consecutive backplane failures so a
// dead broker degrades the service (safe mode) instead of stalling it. After
// the cooldown one probe publish is allowed; success closes the breaker.
type Breaker struct {
	mu sync.Mutex

	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time

	onChange func(from, to BreakerState)
}

// NewBreaker trips after threshold consecutive failures and probes again
// after cooldown.
func NewBreaker(threshold int, cooldown time.Duration, onChange func(from, to BreakerState)) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		onChange:  onChange,
	}
}

// Allow reports whether a publish may proceed now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
	}
	return nil
}

// Record feeds a publish outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state != BreakerClosed {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.openedAt = time.Now()
		b.setState(BreakerOpen)
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.openedAt = time.Now()
			b.setState(BreakerOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
