package mcp

// SendMessageInput is the input for the send_message MCP tool.
type SendMessageInput struct {
	To      string `json:"to" jsonschema:"Recipient: teammate name or the default human"`
	Content string `json:"content" jsonschema:"Message text, markdown allowed"`
	TaskID  int    `json:"task_id,omitempty" jsonschema:"Task to associate the message with"`
}

// SendMessageOutput is the output for the send_message MCP tool.
type SendMessageOutput struct {
	Status    string `json:"status" jsonschema:"Delivery status: delivered"`
	MessageID int64  `json:"message_id" jsonschema:"ID of the sent message"`
}

// CheckMessagesInput is the input for the check_messages MCP tool.
// The sender identity is resolved by the server at startup, so the
// client does not pass it.
type CheckMessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Max messages to return. Default 50"`
}

// MessageInfo is a single message returned by check_messages.
type MessageInfo struct {
	MessageID int64  `json:"message_id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	TaskID    *int64 `json:"task_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CheckMessagesOutput is the output for the check_messages MCP tool.
type CheckMessagesOutput struct {
	Status   string        `json:"status" jsonschema:"Result status: messages or empty"`
	Messages []MessageInfo `json:"messages" jsonschema:"Unseen messages, oldest first"`
}

// UpdateTaskStatusInput is the input for the update_task_status MCP tool.
type UpdateTaskStatusInput struct {
	TaskID   int    `json:"task_id" jsonschema:"Task to transition"`
	Status   string `json:"status" jsonschema:"Target status, must be a legal workflow transition"`
	Assignee string `json:"assignee,omitempty" jsonschema:"Reassign the task while transitioning"`
}

// UpdateTaskStatusOutput is the output for the update_task_status MCP tool.
type UpdateTaskStatusOutput struct {
	TaskID    int    `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// AddTaskCommentInput is the input for the add_task_comment MCP tool.
type AddTaskCommentInput struct {
	TaskID int    `json:"task_id" jsonschema:"Task to comment on"`
	Body   string `json:"body" jsonschema:"Comment text, markdown allowed"`
}

// AddTaskCommentOutput is the output for the add_task_comment MCP tool.
type AddTaskCommentOutput struct {
	CommentID int64 `json:"comment_id"`
}

// SubmitReviewInput is the input for the submit_review MCP tool.
type SubmitReviewInput struct {
	TaskID  int    `json:"task_id" jsonschema:"Task under review"`
	Verdict string `json:"verdict" jsonschema:"approved or rejected"`
	Summary string `json:"summary,omitempty" jsonschema:"Review summary shown on the task"`
}

// SubmitReviewOutput is the output for the submit_review MCP tool.
type SubmitReviewOutput struct {
	TaskID  int    `json:"task_id"`
	Attempt int    `json:"attempt"`
	Verdict string `json:"verdict"`
}
