// Package merge integrates approved task branches into main: rebase (with a
// squash-reapply fallback), reset the shared agent worktrees, run pre-merge
// scripts, and fast-forward main. Failures are classified so the dispatcher
// can decide between retry and escalation.
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/delegate/internal/config"
	"github.com/leonletto/delegate/internal/envscript"
	"github.com/leonletto/delegate/internal/gitops"
	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/taskstore"
	"github.com/leonletto/delegate/internal/telephone"
)

// PremergeTimeout bounds each lifecycle script during phase 3.
const PremergeTimeout = 600 * time.Second

// FailureReason classifies why a merge attempt did not land.
type FailureReason string

// Failure reasons. Conflicts and failing tests need a human or agent fix;
// environmental failures are retried.
const (
	ReasonNone            FailureReason = ""
	ReasonRebaseConflict  FailureReason = "REBASE_CONFLICT"
	ReasonSquashConflict  FailureReason = "SQUASH_CONFLICT"
	ReasonPreMergeFailed  FailureReason = "PRE_MERGE_FAILED"
	ReasonWorktreeError   FailureReason = "WORKTREE_ERROR"
	ReasonDirtyMain       FailureReason = "DIRTY_MAIN"
	ReasonFFNotPossible   FailureReason = "FF_NOT_POSSIBLE"
	ReasonUpdateRefFailed FailureReason = "UPDATE_REF_FAILED"
)

// Retryable reports whether another attempt could succeed without a fix.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonWorktreeError, ReasonDirtyMain, ReasonFFNotPossible, ReasonUpdateRefFailed:
		return true
	}
	return false
}

// ShortMessage is the status_detail text stored on the task.
func (r FailureReason) ShortMessage() string {
	switch r {
	case ReasonRebaseConflict:
		return "rebase conflict with main"
	case ReasonSquashConflict:
		return "squash-reapply conflict with main"
	case ReasonPreMergeFailed:
		return "pre-merge tests failed"
	case ReasonWorktreeError:
		return "worktree busy or broken"
	case ReasonDirtyMain:
		return "main checkout has uncommitted changes"
	case ReasonFFNotPossible:
		return "main moved; fast-forward not possible"
	case ReasonUpdateRefFailed:
		return "main ref update raced"
	}
	return ""
}

// Result is the outcome of one MergeTask invocation.
type Result struct {
	Success         bool
	Message         string
	Reason          FailureReason
	ConflictContext string
}

func failure(reason FailureReason, format string, args ...any) Result {
	return Result{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Worker holds the dependencies merge operations need.
type Worker struct {
	Home     string
	Tasks    *taskstore.Store
	Mail     *mailbox.Store
	Registry *identity.Registry
	Exchange *telephone.Exchange

	// Now is overridable in tests.
	Now func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func uid12() string {
	return strings.ToLower(ulid.Make().String())[:12]
}

// tempBranchFor derives a disposable branch from the feature branch by
// inserting _merge/<uid>/ before the last segment.
func tempBranchFor(branch, uid string) string {
	i := strings.LastIndex(branch, "/")
	if i < 0 {
		return "_merge/" + uid + "/" + branch
	}
	return branch[:i] + "/_merge/" + uid + "/" + branch[i+1:]
}

// repoState tracks one repo's progress through the merge phases.
type repoState struct {
	repo       string
	repoDir    string
	tempPath   string
	tempBranch string
	tip        string // post-rebase (or post-squash) tip SHA
}

// MergeTask integrates a task's branch into main across all its repos.
// Phase 1 rebases every repo in disposable worktrees (all-or-nothing with a
// squash-reapply fallback); phase 2 resets the shared agent worktrees under
// the task's worktree lock; phase 3 runs pre-merge scripts; phase 4
// fast-forwards main; phase 5 marks the task done and cleans up.
func (w *Worker) MergeTask(ctx context.Context, team string, taskID int) Result {
	task, err := w.Tasks.Get(taskID)
	if err != nil {
		return failure(ReasonWorktreeError, "load task: %v", err)
	}
	if len(task.Repos) == 0 || task.Branch == "" {
		return failure(ReasonWorktreeError, "task %s has no repos or branch", task.Slug())
	}
	teamUUID := task.TeamUUID
	if teamUUID == "" {
		teamUUID, err = w.Registry.ResolveTeam(team)
		if err != nil {
			return failure(ReasonWorktreeError, "resolve team: %v", err)
		}
	}

	// Phase 1: rebase every repo, all-or-nothing.
	states := make([]*repoState, 0, len(task.Repos))
	rollbackTemps := func() {
		for _, st := range states {
			gitops.RemoveDisposableWorktree(st.repoDir, st.tempPath, st.tempBranch)
		}
	}
	for _, repo := range task.Repos {
		st, res := w.rebaseRepo(teamUUID, task, repo)
		if st == nil {
			rollbackTemps()
			return res
		}
		states = append(states, st)
	}

	// Phase 2: move the shared agent worktrees to the rebased tips.
	lock := w.Exchange.WorktreeLock(team, taskID)
	if err := lock.Acquire(ctx, telephone.WorktreeLockTimeout); err != nil {
		rollbackTemps()
		return failure(ReasonWorktreeError, "acquire worktree lock: %v", err)
	}
	if res, ok := w.resetAgentWorktrees(teamUUID, task, states); !ok {
		lock.Release()
		rollbackTemps()
		return res
	}
	lock.Release()

	newBase := map[string]string{}
	for _, st := range states {
		if sha, err := gitops.Head(st.repoDir, gitops.MainBranch); err == nil {
			newBase[st.repo] = sha
		}
	}
	if err := w.Tasks.Update(taskID, taskstore.Update{BaseSHA: &newBase}); err != nil {
		return failure(ReasonWorktreeError, "record base shas: %v", err)
	}
	rollbackTemps()

	// Phase 3: pre-merge scripts in the (now rebased) agent worktrees.
	for _, st := range states {
		agentWT := paths.TaskWorktree(w.Home, teamUUID, st.repo, taskID)
		for _, script := range []string{envscript.SetupScript, envscript.PremergeScript} {
			res := envscript.Run(ctx, agentWT, script, PremergeTimeout)
			if res.Err != nil {
				return Result{
					Reason:  ReasonPreMergeFailed,
					Message: fmt.Sprintf("%s in %s: %v\n%s", script, st.repo, res.Err, res.Output),
				}
			}
		}
	}

	// Phase 4: fast-forward main in every repo.
	if res, ok := w.fastForward(task, states); !ok {
		return res
	}

	// Phase 5: done + cleanup.
	if err := w.Tasks.ChangeStatus(taskID, taskstore.StatusDone); err != nil {
		return failure(ReasonWorktreeError, "mark done: %v", err)
	}
	w.cleanupWorktrees(teamUUID, task, states)
	w.Exchange.DiscardLock(team, taskID)

	return Result{Success: true, Message: fmt.Sprintf("task %s merged", task.Slug())}
}

// rebaseRepo runs phase 1 for one repo. Returns the repo state on success,
// or (nil, failure) after cleaning up its own temp worktrees.
func (w *Worker) rebaseRepo(teamUUID string, task *taskstore.Task, repo string) (*repoState, Result) {
	repoDir, err := gitops.RepoPath(w.Home, teamUUID, repo)
	if err != nil {
		return nil, failure(ReasonWorktreeError, "repo %s: %v", repo, err)
	}

	uid := uid12()
	st := &repoState{
		repo:       repo,
		repoDir:    repoDir,
		tempPath:   paths.MergeWorktree(w.Home, teamUUID, uid, task.ID),
		tempBranch: tempBranchFor(task.Branch, uid),
	}
	if err := gitops.AddDisposableWorktree(repoDir, st.tempPath, st.tempBranch, task.Branch); err != nil {
		return nil, failure(ReasonWorktreeError, "repo %s: %v", repo, err)
	}

	rebaseErr := gitops.Rebase(st.tempPath, gitops.MainBranch, task.BaseSHA[repo])
	if rebaseErr == nil {
		tip, err := gitops.Head(st.tempPath, "HEAD")
		if err != nil {
			gitops.RemoveDisposableWorktree(repoDir, st.tempPath, st.tempBranch)
			return nil, failure(ReasonWorktreeError, "repo %s: %v", repo, err)
		}
		st.tip = tip
		return st, Result{}
	}

	// Rebase conflicted: drop the temp worktree and try squash-reapply.
	gitops.RemoveDisposableWorktree(repoDir, st.tempPath, st.tempBranch)
	squashed, res := w.squashReapply(teamUUID, task, repo, repoDir)
	if squashed == nil {
		return nil, res
	}
	return squashed, Result{}
}

// squashReapply applies the branch's net diff against main as one commit in
// a fresh worktree rooted at main.
func (w *Worker) squashReapply(teamUUID string, task *taskstore.Task, repo, repoDir string) (*repoState, Result) {
	uid := uid12()
	st := &repoState{
		repo:       repo,
		repoDir:    repoDir,
		tempPath:   paths.MergeWorktree(w.Home, teamUUID, uid, task.ID),
		tempBranch: "_merge/" + uid + "/squash-" + task.Slug(),
	}
	if err := gitops.AddDisposableWorktree(repoDir, st.tempPath, st.tempBranch, gitops.MainBranch); err != nil {
		return nil, failure(ReasonRebaseConflict, "repo %s: rebase conflicted and squash worktree failed: %v", repo, err)
	}

	patch, err := gitops.DiffPatch(repoDir, gitops.MainBranch, task.Branch)
	if err == nil && strings.TrimSpace(patch) == "" {
		// Branch contributes nothing new on top of main.
		err = fmt.Errorf("empty diff against %s", gitops.MainBranch)
	}
	if err == nil {
		err = gitops.ApplyPatch(st.tempPath, patch)
	}
	if err == nil {
		err = gitops.Commit(st.tempPath, fmt.Sprintf("%s: %s (squashed)", task.Slug(), task.Title), "")
	}
	if err != nil {
		conflictCtx := w.conflictContext(repoDir, task.Branch)
		gitops.RemoveDisposableWorktree(repoDir, st.tempPath, st.tempBranch)
		res := failure(ReasonSquashConflict, "repo %s: squash-reapply failed: %v", repo, err)
		res.ConflictContext = conflictCtx
		return nil, res
	}

	tip, err := gitops.Head(st.tempPath, "HEAD")
	if err != nil {
		gitops.RemoveDisposableWorktree(repoDir, st.tempPath, st.tempBranch)
		return nil, failure(ReasonWorktreeError, "repo %s: %v", repo, err)
	}
	st.tip = tip
	return st, Result{}
}

// conflictContext lists files changed on both main and the feature branch
// since their merge base, truncated to 10.
func (w *Worker) conflictContext(repoDir, branch string) string {
	base, err := gitops.MergeBaseOf(repoDir, gitops.MainBranch, branch)
	if err != nil {
		return ""
	}
	onMain, err := gitops.DiffNameOnly(repoDir, base+".."+gitops.MainBranch)
	if err != nil {
		return ""
	}
	onBranch, err := gitops.DiffNameOnly(repoDir, base+".."+branch)
	if err != nil {
		return ""
	}
	mainSet := make(map[string]bool, len(onMain))
	for _, f := range onMain {
		mainSet[f] = true
	}
	var both []string
	for _, f := range onBranch {
		if mainSet[f] {
			both = append(both, f)
		}
	}
	if len(both) == 0 {
		return ""
	}
	truncated := false
	if len(both) > 10 {
		both = both[:10]
		truncated = true
	}
	msg := "Files changed on both main and the branch:\n- " + strings.Join(both, "\n- ")
	if truncated {
		msg += "\n- ..."
	}
	return msg
}

// resetAgentWorktrees moves every shared agent worktree to its rebased tip,
// rolling back already-reset repos on failure. Caller holds the lock.
func (w *Worker) resetAgentWorktrees(teamUUID string, task *taskstore.Task, states []*repoState) (Result, bool) {
	type done struct {
		path string
		prev string
	}
	var resets []done
	for _, st := range states {
		agentWT := paths.TaskWorktree(w.Home, teamUUID, st.repo, task.ID)
		prev, err := gitops.Head(agentWT, "HEAD")
		if err == nil {
			err = gitops.ResetHard(agentWT, st.tip)
		}
		if err != nil {
			for _, d := range resets {
				_ = gitops.ResetHard(d.path, d.prev)
			}
			return failure(ReasonWorktreeError, "reset %s worktree: %v", st.repo, err), false
		}
		resets = append(resets, done{path: agentWT, prev: prev})
	}
	return Result{}, true
}

// fastForward advances main to each repo's rebased tip, recording pre/post
// SHAs on the task. A mid-sequence failure rolls already-advanced repos
// back so a retry starts from a consistent state.
func (w *Worker) fastForward(task *taskstore.Task, states []*repoState) (Result, bool) {
	type advanced struct {
		st      *repoState
		preMain string
	}
	var landed []advanced
	rollback := func() {
		for _, a := range landed {
			_ = gitops.UpdateRef(a.st.repoDir, gitops.MainBranch, a.preMain, a.st.tip)
		}
	}

	mergeBase := map[string]string{}
	mergeTip := map[string]string{}
	for _, st := range states {
		ok, err := gitops.IsAncestor(st.repoDir, gitops.MainBranch, st.tip)
		if err != nil || !ok {
			rollback()
			return failure(ReasonFFNotPossible, "repo %s: tip is not a descendant of main", st.repo), false
		}
		preMain, err := gitops.Head(st.repoDir, gitops.MainBranch)
		if err != nil {
			rollback()
			return failure(ReasonWorktreeError, "repo %s: %v", st.repo, err), false
		}

		branch, err := gitops.CurrentBranch(st.repoDir)
		if err != nil {
			rollback()
			return failure(ReasonWorktreeError, "repo %s: %v", st.repo, err), false
		}
		if branch == gitops.MainBranch {
			dirty, err := gitops.IsDirty(st.repoDir)
			if err != nil {
				rollback()
				return failure(ReasonWorktreeError, "repo %s: %v", st.repo, err), false
			}
			if dirty {
				rollback()
				return failure(ReasonDirtyMain, "repo %s: main checkout is dirty", st.repo), false
			}
			if err := gitops.FFMerge(st.repoDir, st.tip); err != nil {
				rollback()
				return failure(ReasonFFNotPossible, "repo %s: %v", st.repo, err), false
			}
		} else {
			if err := gitops.UpdateRef(st.repoDir, gitops.MainBranch, st.tip, preMain); err != nil {
				rollback()
				return failure(ReasonUpdateRefFailed, "repo %s: %v", st.repo, err), false
			}
		}
		landed = append(landed, advanced{st: st, preMain: preMain})
		mergeBase[st.repo] = preMain
		mergeTip[st.repo] = st.tip
	}

	if err := w.Tasks.Update(task.ID, taskstore.Update{MergeBase: &mergeBase, MergeTip: &mergeTip}); err != nil {
		return failure(ReasonWorktreeError, "record merge shas: %v", err), false
	}
	return Result{}, true
}

// cleanupWorktrees removes the task's agent worktrees and branch once no
// sibling task still shares the branch.
func (w *Worker) cleanupWorktrees(teamUUID string, task *taskstore.Task, states []*repoState) {
	siblings, err := w.Tasks.Siblings(task)
	if err != nil || len(siblings) > 0 {
		return
	}
	for _, st := range states {
		agentWT := paths.TaskWorktree(w.Home, teamUUID, st.repo, task.ID)
		_ = gitops.RemoveWorktree(st.repoDir, agentWT)
		if gitops.BranchExists(st.repoDir, task.Branch) {
			_ = gitops.DeleteBranch(st.repoDir, task.Branch)
		}
	}
}

// FindManager returns the team's manager agent, or empty.
func (w *Worker) FindManager(teamUUID string) string {
	agents, err := w.Registry.ListAgents(teamUUID)
	if err != nil {
		return ""
	}
	for _, a := range agents {
		st, err := config.LoadAgentState(w.Home, teamUUID, a)
		if err == nil && st.Role == "manager" {
			return a
		}
	}
	return ""
}
