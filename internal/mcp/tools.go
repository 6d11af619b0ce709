package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/taskstore"
)

// handleSendMessage delivers a chat message into the team mailbox. The
// recipient picks it up on their next dispatched turn (or in the dashboard,
// for humans).
func (s *Server) handleSendMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SendMessageInput,
) (*gomcp.CallToolResult, SendMessageOutput, error) {
	if input.To == "" {
		return nil, SendMessageOutput{}, fmt.Errorf("'to' is required")
	}
	if input.Content == "" {
		return nil, SendMessageOutput{}, fmt.Errorf("'content' is required")
	}
	if input.To == s.agent {
		return nil, SendMessageOutput{}, fmt.Errorf("cannot send a message to yourself")
	}
	if _, err := s.reg.ResolveMemberFlexible(s.teamUUID, input.To); err != nil {
		return nil, SendMessageOutput{}, fmt.Errorf("unknown recipient %q on team %s", input.To, s.team)
	}

	var taskID *int64
	if input.TaskID > 0 {
		if _, err := s.teamTask(input.TaskID); err != nil {
			return nil, SendMessageOutput{}, err
		}
		id := int64(input.TaskID)
		taskID = &id
	}

	id, err := s.mail.Send(s.team, s.agent, input.To, input.Content, mailbox.TypeChat, taskID)
	if err != nil {
		return nil, SendMessageOutput{}, fmt.Errorf("send message: %w", err)
	}
	return nil, SendMessageOutput{Status: "delivered", MessageID: id}, nil
}

// handleCheckMessages returns unseen inbox messages, oldest first, and marks
// them seen. Seen is not processed; the daemon still dispatches a turn for
// anything not yet folded into a batch.
func (s *Server) handleCheckMessages(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input CheckMessagesInput,
) (*gomcp.CallToolResult, CheckMessagesOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	inbox, err := s.mail.ReadInbox(s.team, s.agent, true)
	if err != nil {
		return nil, CheckMessagesOutput{}, fmt.Errorf("read inbox: %w", err)
	}
	if len(inbox) > limit {
		inbox = inbox[:limit]
	}
	if len(inbox) == 0 {
		return nil, CheckMessagesOutput{Status: "empty", Messages: []MessageInfo{}}, nil
	}

	messages := make([]MessageInfo, 0, len(inbox))
	ids := make([]int64, 0, len(inbox))
	for _, m := range inbox {
		messages = append(messages, MessageInfo{
			MessageID: m.ID,
			From:      m.Sender,
			Content:   m.Content,
			TaskID:    m.TaskID,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		})
		ids = append(ids, m.ID)
	}
	if err := s.mail.MarkSeen(ids); err != nil {
		return nil, CheckMessagesOutput{}, fmt.Errorf("mark seen: %w", err)
	}
	return nil, CheckMessagesOutput{Status: "messages", Messages: messages}, nil
}

// handleUpdateTaskStatus applies a workflow transition. Illegal transitions
// are rejected by the store with the legal ones unaffected.
func (s *Server) handleUpdateTaskStatus(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input UpdateTaskStatusInput,
) (*gomcp.CallToolResult, UpdateTaskStatusOutput, error) {
	if input.Status == "" {
		return nil, UpdateTaskStatusOutput{}, fmt.Errorf("'status' is required")
	}
	t, err := s.teamTask(input.TaskID)
	if err != nil {
		return nil, UpdateTaskStatusOutput{}, err
	}

	if input.Assignee != "" {
		err = s.tasks.Transition(t.ID, input.Status, input.Assignee)
	} else {
		err = s.tasks.ChangeStatus(t.ID, input.Status)
	}
	if err != nil {
		return nil, UpdateTaskStatusOutput{}, err
	}
	return nil, UpdateTaskStatusOutput{
		TaskID:    t.ID,
		OldStatus: t.Status,
		NewStatus: input.Status,
	}, nil
}

// handleAddTaskComment appends a timeline comment authored by this agent.
func (s *Server) handleAddTaskComment(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input AddTaskCommentInput,
) (*gomcp.CallToolResult, AddTaskCommentOutput, error) {
	if input.Body == "" {
		return nil, AddTaskCommentOutput{}, fmt.Errorf("'body' is required")
	}
	t, err := s.teamTask(input.TaskID)
	if err != nil {
		return nil, AddTaskCommentOutput{}, err
	}
	id, err := s.tasks.AddComment(t.ID, s.agent, input.Body)
	if err != nil {
		return nil, AddTaskCommentOutput{}, err
	}
	return nil, AddTaskCommentOutput{CommentID: id}, nil
}

// handleSubmitReview records a verdict on the current review attempt. A
// rejection also moves the task to rejected so the author gets it back.
func (s *Server) handleSubmitReview(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SubmitReviewInput,
) (*gomcp.CallToolResult, SubmitReviewOutput, error) {
	if input.Verdict != taskstore.VerdictApproved && input.Verdict != taskstore.VerdictRejected {
		return nil, SubmitReviewOutput{}, fmt.Errorf("verdict must be %q or %q", taskstore.VerdictApproved, taskstore.VerdictRejected)
	}
	t, err := s.teamTask(input.TaskID)
	if err != nil {
		return nil, SubmitReviewOutput{}, err
	}
	if err := s.tasks.SetVerdict(t.ID, input.Verdict, input.Summary, s.agent); err != nil {
		return nil, SubmitReviewOutput{}, err
	}
	if input.Verdict == taskstore.VerdictRejected {
		if err := s.tasks.ChangeStatus(t.ID, taskstore.StatusRejected); err != nil {
			return nil, SubmitReviewOutput{}, err
		}
	}
	return nil, SubmitReviewOutput{
		TaskID:  t.ID,
		Attempt: t.ReviewAttempt,
		Verdict: input.Verdict,
	}, nil
}
