package agentsdk

import (
	"context"
	"sync"
)

// FakeClient is an in-memory Client for tests. Each Query consumes the next
// scripted response; ReceiveResponse replays its messages and closes. The
// fake applies the CanUseTool callback to tool blocks the same way the real
// client answers control requests, so permission guards are testable.
type FakeClient struct {
	// Responses is consumed one slice per Query, in order. The last message
	// of each slice should be a result message; one is appended if missing.
	Responses [][]Message

	// CanUseTool mirrors Options.CanUseTool.
	CanUseTool PermissionFunc

	mu        sync.Mutex
	connected bool
	closed    bool
	queries   []string
	pending   []Message
	// Denied records tool names the permission callback rejected.
	Denied []string
}

// Connect marks the fake connected.
func (f *FakeClient) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClientClosed
	}
	f.connected = true
	return nil
}

// Query records the prompt and stages the next scripted response.
func (f *FakeClient) Query(_ context.Context, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.connected {
		return ErrClientClosed
	}
	f.queries = append(f.queries, prompt)

	var msgs []Message
	if len(f.Responses) > 0 {
		msgs = f.Responses[0]
		f.Responses = f.Responses[1:]
	}
	if len(msgs) == 0 || !msgs[len(msgs)-1].IsResult() {
		msgs = append(msgs, Message{Type: "result", Usage: &Usage{}})
	}
	f.pending = msgs
	return nil
}

// ReceiveResponse replays the staged response.
func (f *FakeClient) ReceiveResponse(ctx context.Context) (<-chan Message, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClientClosed
	}
	msgs := f.pending
	f.pending = nil
	f.mu.Unlock()

	out := make(chan Message, len(msgs))
	go func() {
		defer close(out)
		for _, m := range msgs {
			for _, b := range m.Content {
				if b.Name == "" || f.CanUseTool == nil {
					continue
				}
				if res := f.CanUseTool(b.Name, b.Input); !res.Allowed {
					f.mu.Lock()
					f.Denied = append(f.Denied, b.Name)
					f.mu.Unlock()
				}
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close marks the fake closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Queries returns the prompts sent so far.
func (f *FakeClient) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

var _ Client = (*FakeClient)(nil)
