package telephone

import (
	"context"
	"strings"
	"testing"

	"github.com/leonletto/delegate/internal/agentsdk"
)

// fakePool hands out scripted clients, newest first, recording each one.
type fakePool struct {
	scripts [][][]agentsdk.Message
	made    []*agentsdk.FakeClient
}

func (p *fakePool) newClient(_ agentsdk.Options) agentsdk.Client {
	var script [][]agentsdk.Message
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	f := &agentsdk.FakeClient{Responses: script}
	p.made = append(p.made, f)
	return f
}

func drain(t *testing.T, ch <-chan agentsdk.Message) string {
	t.Helper()
	var b strings.Builder
	for m := range ch {
		b.WriteString(m.Text())
	}
	return b.String()
}

func resultWith(input int) agentsdk.Message {
	return agentsdk.Message{Type: "result", Usage: &agentsdk.Usage{InputTokens: input}}
}

func TestSendComposesFirstTurn(t *testing.T) {
	pool := &fakePool{}
	phone := New(Config{
		Preamble:  "You are the engineer.",
		Memory:    "Earlier you fixed the parser.",
		NewClient: pool.newClient,
	})

	stream, err := phone.Send(context.Background(), "start T0001")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	drain(t, stream)

	stream, err = phone.Send(context.Background(), "keep going")
	if err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	drain(t, stream)

	queries := pool.made[0].Queries()
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(queries))
	}
	first := queries[0]
	for _, want := range []string{"## PREAMBLE", "You are the engineer.", "## MEMORY", "Earlier you fixed the parser.", "start T0001"} {
		if !strings.Contains(first, want) {
			t.Fatalf("turn 0 missing %q:\n%s", want, first)
		}
	}
	if queries[1] != "keep going" {
		t.Fatalf("later turns should be the bare prompt, got %q", queries[1])
	}
}

func TestSendOmitsEmptyMemory(t *testing.T) {
	pool := &fakePool{}
	phone := New(Config{Preamble: "P", NewClient: pool.newClient})

	stream, err := phone.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	drain(t, stream)

	if q := pool.made[0].Queries()[0]; strings.Contains(q, "## MEMORY") {
		t.Fatalf("empty memory should not emit a MEMORY section:\n%s", q)
	}
}

func TestUsageFoldsCumulativeDeltas(t *testing.T) {
	pool := &fakePool{scripts: [][][]agentsdk.Message{{
		{resultWith(100)},
		{resultWith(150)},
	}}}
	phone := New(Config{Preamble: "P", NewClient: pool.newClient})

	for _, prompt := range []string{"one", "two"} {
		stream, err := phone.Send(context.Background(), prompt)
		if err != nil {
			t.Fatalf("Send %q failed: %v", prompt, err)
		}
		drain(t, stream)
	}

	if got := phone.Usage().InputTokens; got != 150 {
		t.Fatalf("usage should track the cumulative figure, got %d", got)
	}
}

func TestRotationOverBudget(t *testing.T) {
	summary := agentsdk.Message{
		Type:    "assistant",
		Content: []agentsdk.ContentBlock{{Type: "text", Text: "carry the parser fix forward"}},
	}
	pool := &fakePool{scripts: [][][]agentsdk.Message{
		{
			{resultWith(200)},       // first turn blows the budget
			{summary, resultWith(210)}, // rotation summary turn
		},
		{
			{resultWith(10)},
		},
	}}

	var persisted string
	phone := New(Config{
		Preamble:         "P",
		MaxContextTokens: 100,
		RotationPrompt:   "summarize what matters",
		OnRotation:       func(m string) { persisted = m },
		NewClient:        pool.newClient,
	})

	stream, err := phone.Send(context.Background(), "big turn")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	drain(t, stream)

	if !phone.NeedsRotation() {
		t.Fatal("expected rotation to be needed after blowing the budget")
	}

	stream, err = phone.Send(context.Background(), "after rotation")
	if err != nil {
		t.Fatalf("post-budget Send failed: %v", err)
	}
	drain(t, stream)

	if phone.Generation() != 1 {
		t.Fatalf("expected generation 1, got %d", phone.Generation())
	}
	if phone.Memory() != "carry the parser fix forward" {
		t.Fatalf("rotation summary should become memory, got %q", phone.Memory())
	}
	if persisted != "carry the parser fix forward" {
		t.Fatalf("OnRotation should receive the new memory, got %q", persisted)
	}

	// The old generation got exactly two queries: the turn and the summary.
	if got := pool.made[0].Queries(); len(got) != 2 || got[1] != "summarize what matters" {
		t.Fatalf("old generation queries wrong: %v", got)
	}
	// The new generation re-opens with preamble and the fresh memory.
	if len(pool.made) != 2 {
		t.Fatalf("expected a second client after rotation, got %d", len(pool.made))
	}
	opening := pool.made[1].Queries()[0]
	for _, want := range []string{"## PREAMBLE", "## MEMORY", "carry the parser fix forward", "after rotation"} {
		if !strings.Contains(opening, want) {
			t.Fatalf("new generation opening missing %q:\n%s", want, opening)
		}
	}

	// Prior usage survives the rotation; the new generation starts fresh.
	if total := phone.TotalUsage().InputTokens; total != 220 {
		t.Fatalf("TotalUsage should span generations, got %d", total)
	}
	if cur := phone.Usage().InputTokens; cur != 10 {
		t.Fatalf("current generation usage should restart, got %d", cur)
	}
}

func TestResetPreservesMemoryAndTotals(t *testing.T) {
	pool := &fakePool{scripts: [][][]agentsdk.Message{{{resultWith(42)}}}}
	phone := New(Config{Preamble: "P", NewClient: pool.newClient})

	stream, err := phone.Send(context.Background(), "work")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	drain(t, stream)

	oldID := phone.ID()
	phone.Reset()

	if phone.ID() == oldID {
		t.Fatal("reset should mint a new conversation id")
	}
	if phone.Generation() != 1 {
		t.Fatalf("expected generation 1 after reset, got %d", phone.Generation())
	}
	if phone.Usage().InputTokens != 0 {
		t.Fatal("reset should clear the current generation's usage")
	}
	if phone.TotalUsage().InputTokens != 42 {
		t.Fatalf("reset should fold usage into the prior total, got %d", phone.TotalUsage().InputTokens)
	}
}
