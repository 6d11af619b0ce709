package turn

import (
	"github.com/leonletto/delegate/internal/mailbox"
)

// MaxBatchSize caps how many inbox messages one turn consumes.
const MaxBatchSize = 5

// Batch is the slice of inbox messages a single turn will answer, plus the
// target that selected them.
type Batch struct {
	Messages []mailbox.Message
	// TaskID is the anchor's task, nil for non-task chatter.
	TaskID *int64
	// Sender restricts the batch to one sender when TaskID is nil.
	Sender string
}

// IDs returns the message ids in the batch.
func (b Batch) IDs() []int64 {
	ids := make([]int64, len(b.Messages))
	for i, m := range b.Messages {
		ids[i] = m.ID
	}
	return ids
}

func sameTask(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SelectBatch picks up to MaxBatchSize messages from an oldest-first inbox.
//
// The anchor is the earliest message from the default human when one is
// present, else the oldest message overall. The batch targets the anchor's
// task; with no task it is further restricted to the anchor's sender so
// unrelated chatter doesn't mix. A sender is eligible only if their own
// earliest message matches the target, which preserves per-sender FIFO: a
// sender's later message can never jump ahead of their earlier one.
func SelectBatch(inbox []mailbox.Message, defaultHuman string) Batch {
	if len(inbox) == 0 {
		return Batch{}
	}

	anchor := inbox[0]
	for _, m := range inbox {
		if m.Sender == defaultHuman {
			anchor = m
			break
		}
	}

	b := Batch{TaskID: anchor.TaskID}
	if b.TaskID == nil {
		b.Sender = anchor.Sender
	}

	// A sender qualifies only when their earliest unprocessed message is
	// part of this batch's target.
	firstBySender := make(map[string]mailbox.Message)
	for _, m := range inbox {
		if _, ok := firstBySender[m.Sender]; !ok {
			firstBySender[m.Sender] = m
		}
	}
	eligible := make(map[string]bool)
	for sender, first := range firstBySender {
		if !sameTask(first.TaskID, b.TaskID) {
			continue
		}
		if b.Sender != "" && sender != b.Sender {
			continue
		}
		eligible[sender] = true
	}

	for _, m := range inbox {
		if len(b.Messages) >= MaxBatchSize {
			break
		}
		if !eligible[m.Sender] || !sameTask(m.TaskID, b.TaskID) {
			continue
		}
		b.Messages = append(b.Messages, m)
	}
	return b
}
