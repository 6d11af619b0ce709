// Package gitops wraps the git CLI for everything the daemon does to
// repositories: registered-repo symlinks, task worktrees, rebases, resets,
// and fast-forwards. Only local repos with a .git directory are supported;
// the merge worker operates entirely on local refs.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/leonletto/delegate/internal/paths"
)

const (
	// statusTimeout bounds cheap read-only git calls.
	statusTimeout = 30 * time.Second
	// commandTimeout bounds mutating git calls (commits, rebases, merges).
	commandTimeout = 120 * time.Second
)

// Run executes a git command in dir with the given timeout and returns
// trimmed stdout.
func Run(dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), timeout)
		}
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

func runRead(dir string, args ...string) (string, error) {
	return Run(dir, statusTimeout, args...)
}

func runWrite(dir string, args ...string) (string, error) {
	return Run(dir, commandTimeout, args...)
}

// RegisterRepo symlinks teams/<uuid>/repos/<name> to a real repository on
// disk. The target must contain a .git directory. Re-registering the same
// target is idempotent.
func RegisterRepo(home, teamUUID, name, realPath string) error {
	realPath, err := filepath.Abs(realPath)
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}
	info, err := os.Stat(filepath.Join(realPath, ".git"))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a local git repository (no .git directory)", realPath)
	}

	link := paths.RepoLink(home, teamUUID, name)
	if err := os.MkdirAll(filepath.Dir(link), 0750); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	if existing, err := os.Readlink(link); err == nil {
		if existing == realPath {
			return nil
		}
		return fmt.Errorf("repo %s already registered to %s", name, existing)
	}

	if err := os.Symlink(realPath, link); err != nil {
		return fmt.Errorf("symlink repo %s: %w", name, err)
	}
	return nil
}

// RepoPath resolves the registered-repo symlink for a team repo.
func RepoPath(home, teamUUID, name string) (string, error) {
	link := paths.RepoLink(home, teamUUID, name)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("repo %s not registered: %w", name, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	return target, nil
}

// ListRepos returns the registered repo names for a team.
func ListRepos(home, teamUUID string) ([]string, error) {
	entries, err := os.ReadDir(paths.ReposDir(home, teamUUID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repos dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Head returns the SHA a ref points to.
func Head(dir, ref string) (string, error) {
	return runRead(dir, "rev-parse", ref)
}

// CurrentBranch returns the checked-out branch name, empty when detached.
func CurrentBranch(dir string) (string, error) {
	return runRead(dir, "branch", "--show-current")
}

// IsDirty reports whether the working tree has staged or unstaged changes.
// Untracked files do not count as dirty.
func IsDirty(dir string) (bool, error) {
	out, err := runRead(dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Fetch updates remote refs. Best-effort: a repo with no remote is a no-op.
func Fetch(dir string) {
	if _, err := runRead(dir, "remote"); err != nil {
		return
	}
	_, _ = runWrite(dir, "fetch", "--quiet")
}

// BranchExists reports whether a local branch exists.
func BranchExists(dir, branch string) bool {
	_, err := runRead(dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func IsAncestor(dir, ancestor, descendant string) (bool, error) {
	_, err := runRead(dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	// Exit code 1 means "not an ancestor"; anything else is a real failure.
	if strings.Contains(err.Error(), "exit status 1") {
		return false, nil
	}
	return false, err
}

// MergeBaseOf returns the merge base of two refs.
func MergeBaseOf(dir, a, b string) (string, error) {
	return runRead(dir, "merge-base", a, b)
}

// DiffNameOnly returns the files changed between two refs using the given
// range notation (".." or "...").
func DiffNameOnly(dir, spec string) ([]string, error) {
	out, err := runRead(dir, "diff", "--name-only", spec)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ResetHard moves the worktree's HEAD (and its branch ref) to sha,
// preserving untracked files.
func ResetHard(dir, sha string) error {
	_, err := runWrite(dir, "reset", "--hard", sha)
	return err
}

// FFMerge fast-forwards the checked-out branch to tip, refusing to create a
// merge commit.
func FFMerge(dir, tip string) error {
	_, err := runWrite(dir, "merge", "--ff-only", tip)
	return err
}

// UpdateRef atomically moves refs/heads/<branch> from old to new. Fails if
// someone raced the ref (compare-and-swap semantics).
func UpdateRef(dir, branch, newSHA, oldSHA string) error {
	_, err := runWrite(dir, "update-ref", "refs/heads/"+branch, newSHA, oldSHA)
	return err
}

// DeleteBranch force-deletes a local branch. Rebases rewrite SHAs, so a
// plain -d would reject the deletion.
func DeleteBranch(dir, branch string) error {
	_, err := runWrite(dir, "branch", "-D", branch)
	return err
}

// Rebase rebases the current branch of the worktree onto target using
// base as the upstream cut point: git rebase --onto <target> <base>.
// With an empty base it runs git rebase <target>. On failure the rebase is
// aborted so the worktree is left clean.
func Rebase(dir, target, base string) error {
	var err error
	if base != "" {
		_, err = runWrite(dir, "rebase", "--onto", target, base)
	} else {
		_, err = runWrite(dir, "rebase", target)
	}
	if err != nil {
		_, _ = runWrite(dir, "rebase", "--abort")
		return err
	}
	return nil
}

// DiffPatch returns the full patch between two refs using three-dot
// notation (net feature diff against the merge base).
func DiffPatch(dir, from, to string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "diff", from+"..."+to)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git diff %s...%s: %w (stderr: %s)", from, to, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ApplyPatch applies a patch to the worktree index with three-way fallback.
func ApplyPatch(dir, patch string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "apply", "--index", "--3way")
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(patch)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git apply --index --3way: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Commit records staged changes with the given message and author.
func Commit(dir, message, author string) error {
	args := []string{"commit", "-m", message}
	if author != "" {
		args = append(args, "--author", author)
	}
	_, err := runWrite(dir, args...)
	return err
}

// AddAll stages every change in the worktree.
func AddAll(dir string) error {
	_, err := runWrite(dir, "add", "-A")
	return err
}

// LogOneline returns up to limit commit subjects in range spec.
func LogOneline(dir, spec string, limit int) ([]string, error) {
	out, err := runRead(dir, "log", spec, "--format=%H %s", fmt.Sprintf("--max-count=%d", limit))
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ShowFile returns the content of a file at a ref.
func ShowFile(dir, ref, path string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "show", ref+":"+path)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git show %s:%s: %w (stderr: %s)", ref, path, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}
