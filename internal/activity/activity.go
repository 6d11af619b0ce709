// Package activity is the daemon's pub-sub event stream: tool invocations,
// turn boundaries, and team-list changes fan out to SSE and WebSocket
// subscribers.
package activity

import (
	"encoding/json"
	"sync"
)

// Event types emitted on the stream.
const (
	TypeConnected    = "connected"
	TypeTool         = "tool"
	TypeTurnStarted  = "turn_started"
	TypeTurnEnded    = "turn_ended"
	TypeTeamsRefresh = "teams_refresh"
)

// Event is one activity-stream payload.
type Event struct {
	Type   string `json:"type"`
	Agent  string `json:"agent,omitempty"`
	Team   string `json:"team,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Detail string `json:"detail,omitempty"`
	TaskID *int   `json:"task_id,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// JSON renders the event for the wire.
func (e Event) JSON() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return b
}

// subscriber buffers events generously so a slow HTTP client cannot stall
// the daemon; overflow drops the event for that subscriber only.
type subscriber struct {
	ch   chan Event
	team string // empty subscribes to all teams
}

// Broadcaster fans events out to registered subscribers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// Subscribe registers a listener. An empty team receives every event.
// The returned cancel func must be called on disconnect.
func (b *Broadcaster) Subscribe(team string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	s := &subscriber{ch: make(chan Event, 256), team: team}
	b.subs[id] = s

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur.ch)
		}
	}
	return s.ch, cancel
}

// Publish delivers an event to every matching subscriber.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.team != "" && e.Team != "" && s.team != e.Team {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
