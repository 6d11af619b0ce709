package merge

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/leonletto/delegate/internal/config"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/taskstore"
)

// MaxMergeAttempts bounds retries of retryable failures before escalation.
const MaxMergeAttempts = 3

// backoff returns the wait before retry attempt n (1-based): roughly 5s,
// 15s, 45s with ±30% jitter, floored at 5s.
func backoff(attempt int) time.Duration {
	base := 5 * time.Second
	for i := 1; i < attempt; i++ {
		base *= 3
	}
	f := 0.7 + rand.Float64()*0.6 //nolint:gosec // G404: jitter, not crypto
	d := time.Duration(float64(base) * f)
	if d < 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// MergeOnce runs one merge-dispatch cycle for a team: promote approved
// in_approval tasks to merging and merge them, then continue or retry tasks
// already in merging.
func (w *Worker) MergeOnce(ctx context.Context, team string) error {
	repos, err := config.LoadRepos(w.Home, team)
	if err != nil {
		return err
	}

	pending, err := w.Tasks.List(team, taskstore.StatusInApproval)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if !w.readyToMerge(t, repos) {
			continue
		}
		manager := w.FindManager(t.TeamUUID)
		if err := w.Tasks.Transition(t.ID, taskstore.StatusMerging, manager); err != nil {
			continue
		}
		res := w.MergeTask(ctx, team, t.ID)
		w.handleResult(team, t.ID, res)
	}

	merging, err := w.Tasks.List(team, taskstore.StatusMerging)
	if err != nil {
		return err
	}
	for _, t := range merging {
		if t.RetryAfter != nil && w.now().Before(*t.RetryAfter) {
			continue
		}
		res := w.MergeTask(ctx, team, t.ID)
		w.handleResult(team, t.ID, res)
	}
	return nil
}

// readyToMerge reports whether an in_approval task may enter merging:
// every repo is in auto-approval mode, or the current review is approved.
func (w *Worker) readyToMerge(t *taskstore.Task, repos config.ReposConfig) bool {
	if len(t.Repos) > 0 {
		auto := true
		for _, r := range t.Repos {
			if repos.ApprovalMode(r) != config.ApprovalAuto {
				auto = false
				break
			}
		}
		if auto {
			return true
		}
	}
	approved, err := w.Tasks.HasApprovedReview(t.ID)
	return err == nil && approved
}

// handleResult applies the retry/escalation policy after one MergeTask.
func (w *Worker) handleResult(team string, taskID int, res Result) {
	if res.Success {
		return
	}
	t, err := w.Tasks.Get(taskID)
	if err != nil {
		return
	}

	attempts := t.MergeAttempts + 1
	_ = w.Tasks.Update(taskID, taskstore.Update{MergeAttempts: &attempts})

	if res.Reason.Retryable() && attempts < MaxMergeAttempts {
		if res.Reason == ReasonWorktreeError {
			retryAt := w.now().Add(backoff(attempts))
			_ = w.Tasks.Update(taskID, taskstore.Update{RetryAfter: &retryAt})
		}
		// Status stays merging; the next cycle retries.
		return
	}

	w.escalate(team, t, res)
}

// escalate moves the task to merge_failed under the manager and tells them
// why.
func (w *Worker) escalate(team string, t *taskstore.Task, res Result) {
	detail := res.Reason.ShortMessage()
	_ = w.Tasks.Update(t.ID, taskstore.Update{StatusDetail: &detail, ClearRetryAfter: true})

	manager := w.FindManager(t.TeamUUID)
	if err := w.Tasks.Transition(t.ID, taskstore.StatusMergeFailed, manager); err != nil {
		return
	}
	if manager == "" {
		return
	}

	body := fmt.Sprintf("Merge of %s (%s) failed: %s.\n\n%s",
		t.Slug(), t.Title, detail, truncate(res.Message, 2000))
	if res.ConflictContext != "" {
		body += "\n\n" + res.ConflictContext
	}
	taskID := int64(t.ID)
	_, _ = w.Mail.Send(team, "delegate", manager, body, mailbox.TypeChat, &taskID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
