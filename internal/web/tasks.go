package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/leonletto/delegate/internal/gitops"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/taskstore"
)

func (s *Server) taskFromPath(w http.ResponseWriter, r *http.Request) (*taskstore.Task, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return nil, false
	}
	t, err := s.Tasks.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return t, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTaskStats summarizes per-repo commit counts and session telemetry
// for one task.
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	commits := 0
	for _, list := range t.Commits {
		commits += len(list)
	}
	stats, err := s.Mail.StatsByAgent(t.Team)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":        t.ID,
		"status":         t.Status,
		"review_attempt": t.ReviewAttempt,
		"merge_attempts": t.MergeAttempts,
		"commit_count":   commits,
		"agent_stats":    stats,
	})
}

// handleTaskDiff returns the branch's net diff against main per repo.
func (s *Server) handleTaskDiff(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	diffs := map[string]string{}
	for _, repo := range t.Repos {
		repoDir, err := gitops.RepoPath(s.Home, t.TeamUUID, repo)
		if err != nil {
			continue
		}
		if patch, err := gitops.DiffPatch(repoDir, gitops.MainBranch, t.Branch); err == nil {
			diffs[repo] = patch
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diffs": diffs})
}

// handleMergePreview reports, per repo, whether the branch fast-forwards
// cleanly onto main and which files conflict otherwise.
func (s *Server) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	type preview struct {
		CleanFF       bool     `json:"clean_ff"`
		ChangedFiles  []string `json:"changed_files"`
		ConflictFiles []string `json:"conflict_files,omitempty"`
	}
	previews := map[string]preview{}
	for _, repo := range t.Repos {
		repoDir, err := gitops.RepoPath(s.Home, t.TeamUUID, repo)
		if err != nil {
			continue
		}
		p := preview{}
		if ok, err := gitops.IsAncestor(repoDir, gitops.MainBranch, t.Branch); err == nil {
			p.CleanFF = ok
		}
		if files, err := gitops.DiffNameOnly(repoDir, gitops.MainBranch+"..."+t.Branch); err == nil {
			p.ChangedFiles = files
		}
		if !p.CleanFF {
			if base, err := gitops.MergeBaseOf(repoDir, gitops.MainBranch, t.Branch); err == nil {
				onMain, _ := gitops.DiffNameOnly(repoDir, base+".."+gitops.MainBranch)
				mainSet := map[string]bool{}
				for _, f := range onMain {
					mainSet[f] = true
				}
				for _, f := range p.ChangedFiles {
					if mainSet[f] {
						p.ConflictFiles = append(p.ConflictFiles, f)
					}
				}
			}
		}
		previews[repo] = p
	}
	writeJSON(w, http.StatusOK, map[string]any{"previews": previews})
}

func (s *Server) handleTaskCommits(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	commits := map[string][]string{}
	for _, repo := range t.Repos {
		repoDir, err := gitops.RepoPath(s.Home, t.TeamUUID, repo)
		if err != nil {
			continue
		}
		spec := gitops.MainBranch + ".." + t.Branch
		if base, ok := t.BaseSHA[repo]; ok && base != "" {
			spec = base + ".." + t.Branch
		}
		if list, err := gitops.LogOneline(repoDir, spec, 100); err == nil {
			commits[repo] = list
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *Server) handleTaskActivity(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.Tasks.Timeline(t.ID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

func (s *Server) handleTaskComments(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	comments, err := s.Tasks.Comments(t.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *Server) handleAddTaskComment(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		Body string `json:"body"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Body) == "" {
		writeError(w, http.StatusBadRequest, "comment body is required")
		return
	}
	id, err := s.Tasks.AddComment(t.ID, s.Cfg.DefaultHuman, body.Body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// handleApprove records an approved verdict on the current review attempt.
// The merge worker picks the task up on its next cycle.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	if t.Status != taskstore.StatusInApproval {
		writeError(w, http.StatusBadRequest, "task is not in approval")
		return
	}
	var body struct {
		Summary string `json:"summary,omitempty"`
	}
	_ = decodeBody(w, r, &body)
	if err := s.Tasks.SetVerdict(t.ID, taskstore.VerdictApproved, body.Summary, s.Cfg.DefaultHuman); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": t.Status, "verdict": taskstore.VerdictApproved})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		Summary string `json:"summary,omitempty"`
	}
	_ = decodeBody(w, r, &body)
	if t.Status == taskstore.StatusInApproval {
		if err := s.Tasks.SetVerdict(t.ID, taskstore.VerdictRejected, body.Summary, s.Cfg.DefaultHuman); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if err := s.Tasks.ChangeStatus(t.ID, taskstore.StatusRejected); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": taskstore.StatusRejected})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	if err := s.Tasks.ChangeStatus(t.ID, taskstore.StatusCancelled); err != nil {
		writeStoreError(w, err)
		return
	}
	s.cleanupWorkspace(t)
	writeJSON(w, http.StatusOK, map[string]any{"status": taskstore.StatusCancelled})
}

// cleanupWorkspace removes a cancelled task's worktrees and, when no sibling
// task still shares it, the task branch.
func (s *Server) cleanupWorkspace(t *taskstore.Task) {
	siblings, err := s.Tasks.Siblings(t)
	branchShared := err != nil || len(siblings) > 0
	for _, repo := range t.Repos {
		repoDir, err := gitops.RepoPath(s.Home, t.TeamUUID, repo)
		if err != nil {
			continue
		}
		_ = gitops.RemoveWorktree(repoDir, paths.TaskWorktree(s.Home, t.TeamUUID, repo, t.ID))
		if !branchShared && t.Branch != "" && gitops.BranchExists(repoDir, t.Branch) {
			_ = gitops.DeleteBranch(repoDir, t.Branch)
		}
	}
}

// handleRetryMerge puts a merge_failed task back into merging with a fresh
// attempt counter; the merge worker retries on its next cycle.
func (s *Server) handleRetryMerge(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	if t.Status != taskstore.StatusMergeFailed {
		writeError(w, http.StatusBadRequest, "task is not in merge_failed")
		return
	}
	zero := 0
	empty := ""
	if err := s.Tasks.Update(t.ID, taskstore.Update{
		MergeAttempts:   &zero,
		StatusDetail:    &empty,
		ClearRetryAfter: true,
	}); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.Tasks.ChangeStatus(t.ID, taskstore.StatusMerging); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": taskstore.StatusMerging})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	reviews, err := s.Tasks.Reviews(t.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

func (s *Server) handleCurrentReview(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	review, err := s.Tasks.CurrentReview(t.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	comments, err := s.Tasks.ReviewComments(t.ID, review.Attempt)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review": review, "comments": comments})
}

func (s *Server) handleAddReviewComment(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Body string `json:"body"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Body) == "" {
		writeError(w, http.StatusBadRequest, "comment body is required")
		return
	}
	attempt := t.ReviewAttempt
	if attempt == 0 {
		attempt = 1
	}
	id, err := s.Tasks.AddReviewComment(t.ID, attempt, body.File, body.Line, body.Body, s.Cfg.DefaultHuman)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleUpdateReviewComment(w http.ResponseWriter, r *http.Request) {
	cid, err := strconv.ParseInt(r.PathValue("cid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid comment id")
		return
	}
	var body struct {
		Body string `json:"body"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.Tasks.UpdateReviewComment(cid, body.Body); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": cid})
}

func (s *Server) handleDeleteReviewComment(w http.ResponseWriter, r *http.Request) {
	cid, err := strconv.ParseInt(r.PathValue("cid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid comment id")
		return
	}
	if err := s.Tasks.DeleteReviewComment(cid); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": cid})
}

// worktreeFor returns the task's first-repo agent worktree path.
func (s *Server) worktreeFor(t *taskstore.Task) (repo, path string, ok bool) {
	if len(t.Repos) == 0 {
		return "", "", false
	}
	repo = t.Repos[0]
	return repo, paths.TaskWorktree(s.Home, t.TeamUUID, repo, t.ID), true
}
