package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/delegate/internal/gitops"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/taskstore"
)

// reviewerEditStatuses are the task states in which a human may edit branch
// files directly.
func reviewerEditAllowed(status string) bool {
	switch status {
	case taskstore.StatusInReview, taskstore.StatusInApproval, taskstore.StatusMergeFailed:
		return true
	}
	return false
}

// handleGetFile returns a file's content at the branch head along with the
// head SHA the caller must echo back as expected_sha when editing.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	relPath := r.URL.Query().Get("path")
	if relPath == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	if !validRelPath(relPath) {
		writeError(w, http.StatusForbidden, "path escapes the repository")
		return
	}
	repo, _, ok := s.worktreeFor(t)
	if !ok {
		writeError(w, http.StatusBadRequest, "task has no repos")
		return
	}
	repoDir, err := gitops.RepoPath(s.Home, t.TeamUUID, repo)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	headSHA, err := gitops.Head(repoDir, t.Branch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	content, err := gitops.ShowFile(repoDir, t.Branch, relPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found on branch: "+relPath)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":  content,
		"head_sha": headSHA,
	})
}

// handleReviewerEdits applies human edits to the task branch with optimistic
// concurrency: every edit carries the head SHA the reviewer saw; a stale SHA
// is a 409 and nothing is written. Clean edits land as one commit authored
// by the human, advancing the branch ref atomically via a disposable
// worktree.
func (s *Server) handleReviewerEdits(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	if !reviewerEditAllowed(t.Status) {
		writeError(w, http.StatusForbidden, "task status "+t.Status+" does not allow reviewer edits")
		return
	}
	var body struct {
		Edits []struct {
			File        string `json:"file"`
			Content     string `json:"content"`
			ExpectedSHA string `json:"expected_sha"`
		} `json:"edits"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Edits) == 0 {
		writeError(w, http.StatusBadRequest, "edits are required")
		return
	}
	for _, e := range body.Edits {
		if !validRelPath(e.File) {
			writeError(w, http.StatusForbidden, "path escapes the repository: "+e.File)
			return
		}
	}

	repo, _, ok := s.worktreeFor(t)
	if !ok {
		writeError(w, http.StatusBadRequest, "task has no repos")
		return
	}
	repoDir, err := gitops.RepoPath(s.Home, t.TeamUUID, repo)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	currentSHA, err := gitops.Head(repoDir, t.Branch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	for _, e := range body.Edits {
		if e.ExpectedSHA != currentSHA {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "stale",
				"current_sha": currentSHA,
			})
			return
		}
	}

	uid := strings.ToLower(ulid.Make().String())[:12]
	wtPath := paths.ReviewWorktree(s.Home, t.TeamUUID, uid, t.ID)
	tempBranch := reviewBranchFor(t.Branch, uid)
	if err := gitops.AddDisposableWorktree(repoDir, wtPath, tempBranch, t.Branch); err != nil {
		writeStoreError(w, err)
		return
	}
	defer gitops.RemoveDisposableWorktree(repoDir, wtPath, tempBranch)

	changed := false
	for _, e := range body.Edits {
		target := filepath.Join(wtPath, e.File)
		if existing, err := os.ReadFile(target); err == nil && string(existing) == e.Content { //nolint:gosec // G304 - path validated above
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := os.WriteFile(target, []byte(e.Content), 0600); err != nil {
			writeStoreError(w, err)
			return
		}
		changed = true
	}
	if !changed {
		writeJSON(w, http.StatusOK, map[string]any{"new_sha": currentSHA})
		return
	}

	if err := gitops.AddAll(wtPath); err != nil {
		writeStoreError(w, err)
		return
	}
	author := s.Cfg.DefaultHuman + " <" + s.Cfg.DefaultHuman + "@delegate.local>"
	if err := gitops.Commit(wtPath, "Reviewer edits on "+t.Slug(), author); err != nil {
		writeStoreError(w, err)
		return
	}
	newSHA, err := gitops.Head(wtPath, "HEAD")
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := gitops.UpdateRef(repoDir, t.Branch, newSHA, currentSHA); err != nil {
		// Someone advanced the branch while we committed.
		latest, _ := gitops.Head(repoDir, t.Branch)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       "stale",
			"current_sha": latest,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"new_sha": newSHA})
}

// reviewBranchFor derives the disposable branch by inserting _review/<uid>/
// before the last segment.
func reviewBranchFor(branch, uid string) string {
	i := strings.LastIndex(branch, "/")
	if i < 0 {
		return "_review/" + uid + "/" + branch
	}
	return branch[:i] + "/_review/" + uid + "/" + branch[i+1:]
}

// validRelPath rejects absolute paths and parent-directory traversal.
func validRelPath(p string) bool {
	if p == "" || filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}
