package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/schema"
	"github.com/leonletto/delegate/internal/taskstore"
	"github.com/leonletto/delegate/internal/workflow"
)

// newTestServer builds a server through NewServer with the identity env the
// daemon would stamp, so the startup path is covered too.
func newTestServer(t *testing.T, agent string) *Server {
	t.Helper()
	home := t.TempDir()
	t.Setenv(paths.HomeEnvVar, home)
	t.Setenv(TeamEnvVar, "core")
	t.Setenv(AgentEnvVar, agent)

	db, err := schema.Open(home)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
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
	_ = db.Close()

	s, err := NewServer(WithVersion("test"))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { _ = s.db.Close() })
	return s
}

func TestNewServerRequiresIdentity(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, t.TempDir())
	t.Setenv(TeamEnvVar, "")
	t.Setenv(AgentEnvVar, "")
	if _, err := NewServer(); err == nil {
		t.Fatal("missing identity env should fail startup")
	}
}

func TestSendMessageTool(t *testing.T) {
	s := newTestServer(t, "sam")
	ctx := context.Background()

	if _, _, err := s.handleSendMessage(ctx, nil, SendMessageInput{To: "morgan"}); err == nil {
		t.Fatal("empty content should be rejected")
	}
	if _, _, err := s.handleSendMessage(ctx, nil, SendMessageInput{To: "sam", Content: "hi"}); err == nil {
		t.Fatal("self-send should be rejected")
	}
	if _, _, err := s.handleSendMessage(ctx, nil, SendMessageInput{To: "ghost", Content: "hi"}); err == nil {
		t.Fatal("unknown recipient should be rejected")
	}

	_, out, err := s.handleSendMessage(ctx, nil, SendMessageInput{To: "morgan", Content: "build is green"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if out.Status != "delivered" || out.MessageID == 0 {
		t.Fatalf("unexpected output: %+v", out)
	}

	inbox, err := s.mail.ReadInbox("core", "morgan", true)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("message not delivered: %v (%v)", inbox, err)
	}
	if inbox[0].Sender != "sam" {
		t.Fatalf("sender should be the calling agent, got %q", inbox[0].Sender)
	}

	// Humans are valid recipients too.
	if _, _, err := s.handleSendMessage(ctx, nil, SendMessageInput{To: "leon", Content: "done"}); err != nil {
		t.Fatalf("send to human failed: %v", err)
	}
}

func TestSendMessageRejectsForeignTask(t *testing.T) {
	s := newTestServer(t, "sam")
	if _, err := s.reg.RegisterTeam("other", ""); err != nil {
		t.Fatal(err)
	}
	foreign, err := taskstore.NewStore(s.db, s.reg, workflow.NewRegistry()).Create("other", taskstore.NewTask{Title: "not yours"})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = s.handleSendMessage(context.Background(), nil, SendMessageInput{
		To: "morgan", Content: "about that task", TaskID: foreign.ID,
	})
	if err == nil || !strings.Contains(err.Error(), "does not belong") {
		t.Fatalf("cross-team task reference should fail, got %v", err)
	}
}

func TestCheckMessagesMarksSeenNotProcessed(t *testing.T) {
	s := newTestServer(t, "sam")
	ctx := context.Background()

	_, out, err := s.handleCheckMessages(ctx, nil, CheckMessagesInput{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != "empty" || len(out.Messages) != 0 {
		t.Fatalf("empty inbox expected: %+v", out)
	}

	id, err := s.mail.Send("core", "morgan", "sam", "status?", mailbox.TypeChat, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, out, err = s.handleCheckMessages(ctx, nil, CheckMessagesInput{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 1 || out.Messages[0].From != "morgan" || out.Messages[0].MessageID != id {
		t.Fatalf("unexpected messages: %+v", out.Messages)
	}

	// Seen but not processed: the daemon still owes a dispatch.
	m, err := s.mail.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.SeenAt == nil {
		t.Fatal("check_messages should stamp seen_at")
	}
	if m.ProcessedAt != nil {
		t.Fatal("check_messages must not mark messages processed")
	}
	if n, _ := s.mail.CountUnread("core", "sam"); n != 1 {
		t.Fatalf("message should still count as unread, got %d", n)
	}
}

func TestUpdateTaskStatusTool(t *testing.T) {
	s := newTestServer(t, "sam")
	ctx := context.Background()
	task, err := s.tasks.Create("core", taskstore.NewTask{Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	_, out, err := s.handleUpdateTaskStatus(ctx, nil, UpdateTaskStatusInput{
		TaskID: task.ID, Status: taskstore.StatusInProgress, Assignee: "sam",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if out.OldStatus != taskstore.StatusTodo || out.NewStatus != taskstore.StatusInProgress {
		t.Fatalf("unexpected output: %+v", out)
	}
	got, _ := s.tasks.Get(task.ID)
	if got.Assignee != "sam" {
		t.Fatalf("assignee not set: %+v", got)
	}

	// Illegal transitions surface the store error.
	if _, _, err := s.handleUpdateTaskStatus(ctx, nil, UpdateTaskStatusInput{
		TaskID: task.ID, Status: taskstore.StatusDone,
	}); err == nil {
		t.Fatal("in_progress -> done should be rejected")
	}
}

func TestAddTaskCommentTool(t *testing.T) {
	s := newTestServer(t, "sam")
	ctx := context.Background()
	task, err := s.tasks.Create("core", taskstore.NewTask{Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.handleAddTaskComment(ctx, nil, AddTaskCommentInput{TaskID: task.ID}); err == nil {
		t.Fatal("empty body should be rejected")
	}
	_, out, err := s.handleAddTaskComment(ctx, nil, AddTaskCommentInput{TaskID: task.ID, Body: "on it"})
	if err != nil {
		t.Fatal(err)
	}
	if out.CommentID == 0 {
		t.Fatalf("missing comment id: %+v", out)
	}
	comments, err := s.tasks.Comments(task.ID)
	if err != nil || len(comments) != 1 || comments[0].Author != "sam" {
		t.Fatalf("comment should be authored by the agent: %v (%v)", comments, err)
	}
}

func TestSubmitReviewTool(t *testing.T) {
	s := newTestServer(t, "morgan")
	ctx := context.Background()
	task, err := s.tasks.Create("core", taskstore.NewTask{Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range []string{taskstore.StatusInProgress, taskstore.StatusInApproval} {
		if err := s.tasks.ChangeStatus(task.ID, st); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := s.handleSubmitReview(ctx, nil, SubmitReviewInput{TaskID: task.ID, Verdict: "maybe"}); err == nil {
		t.Fatal("invalid verdict should be rejected")
	}

	_, out, err := s.handleSubmitReview(ctx, nil, SubmitReviewInput{
		TaskID: task.ID, Verdict: taskstore.VerdictApproved, Summary: "clean",
	})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if out.Verdict != taskstore.VerdictApproved || out.Attempt != 1 {
		t.Fatalf("unexpected output: %+v", out)
	}
	review, err := s.tasks.CurrentReview(task.ID)
	if err != nil || review.Reviewer != "morgan" {
		t.Fatalf("review should carry the agent as reviewer: %+v (%v)", review, err)
	}
	// Approval leaves the status alone; the merge worker picks it up.
	got, _ := s.tasks.Get(task.ID)
	if got.Status != taskstore.StatusInApproval {
		t.Fatalf("status = %s, want in_approval", got.Status)
	}
}

func TestSubmitReviewRejectionMovesTask(t *testing.T) {
	s := newTestServer(t, "morgan")
	task, err := s.tasks.Create("core", taskstore.NewTask{Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range []string{taskstore.StatusInProgress, taskstore.StatusInApproval} {
		if err := s.tasks.ChangeStatus(task.ID, st); err != nil {
			t.Fatal(err)
		}
	}

	_, _, err = s.handleSubmitReview(context.Background(), nil, SubmitReviewInput{
		TaskID: task.ID, Verdict: taskstore.VerdictRejected, Summary: "tests missing",
	})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	got, _ := s.tasks.Get(task.ID)
	if got.Status != taskstore.StatusRejected {
		t.Fatalf("rejection should move the task back, got %s", got.Status)
	}
}
