package mailbox

import (
	"errors"
	"testing"
	"time"

	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/schema"
)

func newStore(t *testing.T) (*Store, *identity.Registry, string) {
	t.Helper()
	db, err := schema.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := identity.NewRegistry(db)
	teamUUID, err := reg.RegisterTeam("core", "")
	if err != nil {
		t.Fatalf("register team: %v", err)
	}
	for _, a := range []string{"morgan", "sam"} {
		if _, err := reg.RegisterMember(identity.KindAgent, teamUUID, a); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := reg.RegisterMember(identity.KindHuman, "", "leon"); err != nil {
		t.Fatal(err)
	}
	return NewStore(db, reg), reg, teamUUID
}

func mustSend(t *testing.T, s *Store, sender, recipient, content string) int64 {
	t.Helper()
	id, err := s.Send("core", sender, recipient, content, TypeChat, nil)
	if err != nil {
		t.Fatalf("send %s -> %s: %v", sender, recipient, err)
	}
	return id
}

func TestSendAndReadInbox(t *testing.T) {
	s, _, _ := newStore(t)
	mustSend(t, s, "leon", "sam", "first")
	mustSend(t, s, "morgan", "sam", "second")
	mustSend(t, s, "leon", "morgan", "other inbox")

	inbox, err := s.ReadInbox("core", "sam", true)
	if err != nil {
		t.Fatalf("ReadInbox failed: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(inbox))
	}
	if inbox[0].Content != "first" || inbox[1].Content != "second" {
		t.Fatalf("inbox not oldest-first: %q, %q", inbox[0].Content, inbox[1].Content)
	}
	if inbox[0].DeliveredAt == nil {
		t.Fatal("delivered_at should be stamped on send")
	}
	if inbox[0].SenderUUID == "" || inbox[0].TeamUUID == "" {
		t.Fatal("UUID columns should be stamped on send")
	}
}

func TestSeenAndProcessedLifecycle(t *testing.T) {
	s, _, _ := newStore(t)
	id := mustSend(t, s, "leon", "sam", "hello")

	if err := s.MarkSeen([]int64{id}); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	// Seen is not processed: the message still counts as unread.
	if n, err := s.CountUnread("core", "sam"); err != nil || n != 1 {
		t.Fatalf("seen message should stay unread: n=%d err=%v", n, err)
	}

	if err := s.MarkProcessed([]int64{id}); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if n, err := s.CountUnread("core", "sam"); err != nil || n != 0 {
		t.Fatalf("processed message should not be unread: n=%d err=%v", n, err)
	}
	m, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.SeenAt == nil || m.ProcessedAt == nil {
		t.Fatalf("both stamps expected: %+v", m)
	}
	if m.SeenAt.After(*m.ProcessedAt) {
		t.Fatal("seen_at must not trail processed_at")
	}
}

func TestMarkProcessedStampsSeen(t *testing.T) {
	s, _, _ := newStore(t)
	id := mustSend(t, s, "leon", "sam", "hello")

	if err := s.MarkProcessed([]int64{id}); err != nil {
		t.Fatal(err)
	}
	m, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.SeenAt == nil {
		t.Fatal("processing an unseen message should stamp seen_at too")
	}
}

func TestAgentsWithUnread(t *testing.T) {
	s, _, _ := newStore(t)
	mustSend(t, s, "leon", "sam", "a")
	mustSend(t, s, "leon", "morgan", "b")
	id := mustSend(t, s, "leon", "sam", "c")
	if err := s.MarkProcessed([]int64{id}); err != nil {
		t.Fatal(err)
	}

	agents, err := s.AgentsWithUnread("core")
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 || agents[0] != "morgan" || agents[1] != "sam" {
		t.Fatalf("agents = %v", agents)
	}
}

func TestListFilters(t *testing.T) {
	s, _, _ := newStore(t)
	mustSend(t, s, "leon", "sam", "one")
	mustSend(t, s, "sam", "leon", "two")
	mustSend(t, s, "leon", "morgan", "three")
	if _, err := s.Send("core", "delegate", "morgan", "tick", TypeEvent, nil); err != nil {
		t.Fatal(err)
	}

	all, err := s.List("core", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(all))
	}
	if all[0].Content != "one" {
		t.Fatal("List should return oldest first")
	}

	between, err := s.List("core", ListOptions{Between: []string{"leon", "sam"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(between) != 2 {
		t.Fatalf("between filter should match both directions, got %d", len(between))
	}

	events, err := s.List("core", ListOptions{Type: TypeEvent})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Content != "tick" {
		t.Fatalf("type filter failed: %v", events)
	}

	// Pagination: limit keeps the newest rows; before_id walks backwards.
	page, err := s.List("core", ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[1].Content != "tick" {
		t.Fatalf("limit should keep newest rows: %v", page)
	}
	older, err := s.List("core", ListOptions{BeforeID: page[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].Content != "one" {
		t.Fatalf("before_id should page older rows: %v", older)
	}

	future := time.Now().UTC().Add(time.Hour)
	none, err := s.List("core", ListOptions{Since: &future})
	if err != nil || len(none) != 0 {
		t.Fatalf("future since should match nothing: %v (%v)", none, err)
	}
}

func TestRecentConversation(t *testing.T) {
	s, _, _ := newStore(t)
	mustSend(t, s, "leon", "sam", "q1")
	mustSend(t, s, "sam", "leon", "a1")
	mustSend(t, s, "morgan", "sam", "side channel")
	mustSend(t, s, "leon", "sam", "q2")

	msgs, err := s.RecentConversation("core", "sam", "leon", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("peer filter should drop other traffic, got %d", len(msgs))
	}
	if msgs[0].Content != "q1" || msgs[2].Content != "q2" {
		t.Fatalf("conversation not chronological: %v", msgs)
	}

	limited, err := s.RecentConversation("core", "sam", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[1].Content != "q2" {
		t.Fatalf("limit should keep the newest turns: %v", limited)
	}
}

func TestCommandResult(t *testing.T) {
	s, _, _ := newStore(t)
	id, err := s.Send("core", "morgan", "sam", `{"op":"status"}`, TypeCommand, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetResult(id, `{"ok":true}`); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}
	m, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Result != `{"ok":true}` {
		t.Fatalf("result = %q", m.Result)
	}
	if err := s.SetResult(99999, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id should be ErrNotFound, got %v", err)
	}
}

func TestSessionTelemetry(t *testing.T) {
	s, _, _ := newStore(t)

	id, err := s.StartSession("core", "sam", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := s.UpdateSessionTokens(id, 100, 20, 5, 2, 0.01); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSessionTokens(id, 50, 10, 0, 0, 0.005); err != nil {
		t.Fatal(err)
	}
	if err := s.EndSession(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartSession("core", "morgan", nil); err != nil {
		t.Fatal(err)
	}

	stats, err := s.StatsByAgent("core")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected stats for 2 agents, got %v", stats)
	}
	var sam AgentStats
	for _, st := range stats {
		if st.Agent == "sam" {
			sam = st
		}
	}
	if sam.Sessions != 1 || sam.InputTokens != 150 || sam.OutputTokens != 30 {
		t.Fatalf("token deltas should accumulate: %+v", sam)
	}
	if sam.CostUSD < 0.014 || sam.CostUSD > 0.016 {
		t.Fatalf("cost should accumulate: %v", sam.CostUSD)
	}
}
