package bridge

import (
	"context"
	"sync"
)

// LatestCell is a single-slot mailbox: Put overwrites whatever is pending and
// Take blocks until a value is available. A slow reader therefore always gets
// the newest value and never a backlog. Only telemetry rides through a cell;
// persisted events must not be shed.
type LatestCell struct {
	mu      sync.Mutex
	data    []byte
	pending bool
	notify  chan struct{}
}

func NewLatestCell() *LatestCell {
	return &LatestCell{notify: make(chan struct{}, 1)}
}

// Put stores data as the pending value and reports whether an unread value
// was overwritten.
func (c *LatestCell) Put(data []byte) bool {
	c.mu.Lock()
	dropped := c.pending
	c.data = data
	c.pending = true
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Take returns the pending value, blocking until one arrives or ctx ends.
func (c *LatestCell) Take(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if c.pending {
			data := c.data
			c.data = nil
			c.pending = false
			c.mu.Unlock()
			return data, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		}
	}
}
