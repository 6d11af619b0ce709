package gitops

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/leonletto/delegate/internal/envscript"
)

// MainBranch is the integration branch every task forks from and merges to.
const MainBranch = "main"

// CreateTaskWorktree materializes the shared worktree for one task+repo at
// path, on the given branch forked from main. Returns the main HEAD the
// worktree was cut from, for recording into the task's base_sha map.
// A branch that already exists (sibling task on the same branch) is checked
// out instead of re-created.
func CreateTaskWorktree(repoDir, path, branch string) (string, error) {
	Fetch(repoDir)

	baseSHA, err := Head(repoDir, MainBranch)
	if err != nil {
		return "", fmt.Errorf("resolve %s head: %w", MainBranch, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	if BranchExists(repoDir, branch) {
		_, err = runWrite(repoDir, "worktree", "add", path, branch)
	} else {
		_, err = runWrite(repoDir, "worktree", "add", path, "-b", branch, MainBranch)
	}
	if err != nil {
		return "", fmt.Errorf("add worktree: %w", err)
	}

	if err := envscript.EnsureDefaults(path); err != nil {
		return "", err
	}
	return baseSHA, nil
}

// AddDisposableWorktree creates a temp worktree on a new branch cut from
// startPoint. Used by the merge worker and the reviewer-edit flow.
func AddDisposableWorktree(repoDir, path, tempBranch, startPoint string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	if _, err := runWrite(repoDir, "worktree", "add", path, "-b", tempBranch, startPoint); err != nil {
		return fmt.Errorf("add temp worktree: %w", err)
	}
	return nil
}

// RemoveWorktree deletes a worktree directory and prunes git's bookkeeping.
// Missing paths are not an error.
func RemoveWorktree(repoDir, path string) error {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove worktree dir: %w", err)
	}
	_, _ = runWrite(repoDir, "worktree", "prune")
	return nil
}

// RemoveDisposableWorktree tears down a temp worktree and its branch.
// Best-effort: cleanup of an already-gone worktree is a no-op.
func RemoveDisposableWorktree(repoDir, path, tempBranch string) {
	_ = RemoveWorktree(repoDir, path)
	if tempBranch != "" && BranchExists(repoDir, tempBranch) {
		_ = DeleteBranch(repoDir, tempBranch)
	}
}

// WorktreeExists reports whether a task worktree directory is present.
func WorktreeExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
