package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qiki/dtmp/internal/contracts"
)

// Requester correlates control commands with their responses: commands go
// out on qiki.commands.control, responses arrive on qiki.responses.control
// carrying the command's message id as request_id.
type Requester struct {
	bus    Core
	source string

	mu      sync.Mutex
	waiters map[string]chan *contracts.ResponseEnvelope
	unsub   func()
}

// NewRequester subscribes to the control response subject once and routes
// responses to in-flight Send calls.
func NewRequester(b Core, source string) (*Requester, error) {
	r := &Requester{
		bus:     b,
		source:  source,
		waiters: make(map[string]chan *contracts.ResponseEnvelope),
	}
	unsub, err := b.Subscribe(contracts.SubjectResponsesControl, r.onResponse)
	if err != nil {
		return nil, fmt.Errorf("subscribe responses: %w", err)
	}
	r.unsub = unsub
	return r, nil
}

func (r *Requester) onResponse(msg *Msg) {
	var resp contracts.ResponseEnvelope
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		slog.Warn("[Requester] Undecodable response dropped", "error", err)
		return
	}
	r.mu.Lock()
	ch, ok := r.waiters[resp.RequestID]
	if ok {
		delete(r.waiters, resp.RequestID)
	}
	r.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

// Send publishes cmd and waits for its response or ctx expiry. Callers set
// the timeout on ctx; DefaultRequestTimeout is the convention.
func (r *Requester) Send(ctx context.Context, cmd *contracts.CommandEnvelope) (*contracts.ResponseEnvelope, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	ch := make(chan *contracts.ResponseEnvelope, 1)
	r.mu.Lock()
	r.waiters[cmd.Metadata.MessageID] = ch
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.waiters, cmd.Metadata.MessageID)
		r.mu.Unlock()
	}

	if err := r.bus.Publish(ctx, contracts.SubjectCommandsControl, data); err != nil {
		cleanup()
		return nil, fmt.Errorf("publish command: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, fmt.Errorf("command %s: %w", cmd.CommandName, ctx.Err())
	}
}

// Close drops the response subscription.
func (r *Requester) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}
