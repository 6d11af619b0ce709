package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := Run(dir, commandTimeout, args...)
	if err != nil {
		t.Fatalf("git %s failed: %v", strings.Join(args, " "), err)
	}
	return out
}

// initRepo builds a throwaway repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	git(t, dir, "init", "--quiet")
	git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	git(t, dir, "config", "user.email", "test@delegate.local")
	git(t, dir, "config", "user.name", "test")
	writeAndCommit(t, dir, "README.md", "hello\n", "initial commit")
	return dir
}

func writeAndCommit(t *testing.T, dir, file, content, message string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	git(t, dir, "add", "-A")
	git(t, dir, "commit", "--quiet", "-m", message)
	return git(t, dir, "rev-parse", "HEAD")
}

func TestHeadAndCurrentBranch(t *testing.T) {
	dir := initRepo(t)

	sha, err := Head(dir, "main")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if len(sha) != 40 {
		t.Fatalf("expected a full SHA, got %q", sha)
	}
	branch, err := CurrentBranch(dir)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != "main" {
		t.Fatalf("expected main, got %q", branch)
	}
}

func TestIsDirtyIgnoresUntracked(t *testing.T) {
	dir := initRepo(t)

	dirty, err := IsDirty(dir)
	if err != nil || dirty {
		t.Fatalf("fresh repo should be clean: dirty=%v err=%v", dirty, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	dirty, err = IsDirty(dir)
	if err != nil || dirty {
		t.Fatalf("untracked files must not count as dirty: dirty=%v err=%v", dirty, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0600); err != nil {
		t.Fatal(err)
	}
	dirty, err = IsDirty(dir)
	if err != nil || !dirty {
		t.Fatalf("modified tracked file should be dirty: dirty=%v err=%v", dirty, err)
	}
}

func TestBranchExistsAndAncestry(t *testing.T) {
	dir := initRepo(t)
	mainSHA := git(t, dir, "rev-parse", "main")

	if BranchExists(dir, "feature") {
		t.Fatal("feature should not exist yet")
	}
	git(t, dir, "checkout", "--quiet", "-b", "feature")
	featureSHA := writeAndCommit(t, dir, "f.txt", "f\n", "feature work")
	if !BranchExists(dir, "feature") {
		t.Fatal("feature should exist")
	}

	ok, err := IsAncestor(dir, mainSHA, featureSHA)
	if err != nil || !ok {
		t.Fatalf("main should be an ancestor of feature: ok=%v err=%v", ok, err)
	}
	ok, err = IsAncestor(dir, featureSHA, mainSHA)
	if err != nil || ok {
		t.Fatalf("feature is not an ancestor of main: ok=%v err=%v", ok, err)
	}

	base, err := MergeBaseOf(dir, "main", "feature")
	if err != nil || base != mainSHA {
		t.Fatalf("merge base should be main's tip: %q err=%v", base, err)
	}
}

func TestUpdateRefCAS(t *testing.T) {
	dir := initRepo(t)
	oldSHA := git(t, dir, "rev-parse", "main")
	git(t, dir, "checkout", "--quiet", "-b", "feature")
	newSHA := writeAndCommit(t, dir, "f.txt", "f\n", "feature work")
	git(t, dir, "checkout", "--quiet", "main")

	// CAS with a wrong expected value must fail and leave the ref alone.
	if err := UpdateRef(dir, "feature", oldSHA, newSHA+"0000"); err == nil {
		t.Fatal("UpdateRef with a bogus old SHA should fail")
	}
	if got := git(t, dir, "rev-parse", "feature"); got != newSHA {
		t.Fatalf("failed CAS must not move the ref: %s", got)
	}

	if err := UpdateRef(dir, "feature", oldSHA, newSHA); err != nil {
		t.Fatalf("UpdateRef failed: %v", err)
	}
	if got := git(t, dir, "rev-parse", "feature"); got != oldSHA {
		t.Fatalf("ref should have moved to %s, got %s", oldSHA, got)
	}
}

func TestFFMergeAndDiff(t *testing.T) {
	dir := initRepo(t)
	git(t, dir, "checkout", "--quiet", "-b", "feature")
	tip := writeAndCommit(t, dir, "f.txt", "f\n", "feature work")
	git(t, dir, "checkout", "--quiet", "main")

	files, err := DiffNameOnly(dir, "main...feature")
	if err != nil {
		t.Fatalf("DiffNameOnly failed: %v", err)
	}
	if len(files) != 1 || files[0] != "f.txt" {
		t.Fatalf("expected [f.txt], got %v", files)
	}

	if err := FFMerge(dir, "feature"); err != nil {
		t.Fatalf("FFMerge failed: %v", err)
	}
	if got := git(t, dir, "rev-parse", "main"); got != tip {
		t.Fatalf("main should fast-forward to %s, got %s", tip, got)
	}
}

func TestRebaseOntoAdvancedMain(t *testing.T) {
	repo := initRepo(t)
	base := git(t, repo, "rev-parse", "main")

	wt := filepath.Join(t.TempDir(), "wt")
	if err := AddDisposableWorktree(repo, wt, "feature", "main"); err != nil {
		t.Fatalf("AddDisposableWorktree failed: %v", err)
	}
	writeAndCommit(t, wt, "f.txt", "f\n", "feature work")

	// main moves on independently.
	newMain := writeAndCommit(t, repo, "m.txt", "m\n", "mainline work")

	if err := Rebase(wt, "main", base); err != nil {
		t.Fatalf("Rebase failed: %v", err)
	}
	ok, err := IsAncestor(repo, newMain, "feature")
	if err != nil || !ok {
		t.Fatalf("rebased feature should contain new main: ok=%v err=%v", ok, err)
	}
	RemoveDisposableWorktree(repo, wt, "feature")
	if BranchExists(repo, "feature") {
		t.Fatal("disposable branch should be gone")
	}
}

func TestRebaseConflictAborts(t *testing.T) {
	repo := initRepo(t)
	base := git(t, repo, "rev-parse", "main")

	wt := filepath.Join(t.TempDir(), "wt")
	if err := AddDisposableWorktree(repo, wt, "feature", "main"); err != nil {
		t.Fatal(err)
	}
	writeAndCommit(t, wt, "README.md", "feature version\n", "feature edit")
	writeAndCommit(t, repo, "README.md", "main version\n", "main edit")

	if err := Rebase(wt, "main", base); err == nil {
		t.Fatal("conflicting rebase should fail")
	}
	// The abort must leave the worktree clean for cleanup.
	dirty, err := IsDirty(wt)
	if err != nil || dirty {
		t.Fatalf("worktree should be clean after aborted rebase: dirty=%v err=%v", dirty, err)
	}
	RemoveDisposableWorktree(repo, wt, "feature")
}

func TestDiffPatchApply(t *testing.T) {
	repo := initRepo(t)
	git(t, repo, "checkout", "--quiet", "-b", "feature")
	writeAndCommit(t, repo, "f.txt", "patched\n", "feature work")
	git(t, repo, "checkout", "--quiet", "main")

	patch, err := DiffPatch(repo, "main", "feature")
	if err != nil {
		t.Fatalf("DiffPatch failed: %v", err)
	}
	if !strings.Contains(patch, "patched") {
		t.Fatalf("patch missing content:\n%s", patch)
	}

	if err := ApplyPatch(repo, patch); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(repo, "f.txt"))
	if err != nil || string(data) != "patched\n" {
		t.Fatalf("patch not applied: %q err=%v", data, err)
	}
}

func TestRegisterRepo(t *testing.T) {
	repo := initRepo(t)
	home := t.TempDir()

	if err := RegisterRepo(home, "team-1", "api", repo); err != nil {
		t.Fatalf("RegisterRepo failed: %v", err)
	}
	// Idempotent for the same target.
	if err := RegisterRepo(home, "team-1", "api", repo); err != nil {
		t.Fatalf("re-register same target failed: %v", err)
	}
	// A different target for the same name is an error.
	other := initRepo(t)
	if err := RegisterRepo(home, "team-1", "api", other); err == nil {
		t.Fatal("re-register with a different target should fail")
	}

	resolved, err := RepoPath(home, "team-1", "api")
	if err != nil {
		t.Fatalf("RepoPath failed: %v", err)
	}
	wantAbs, _ := filepath.Abs(repo)
	if resolved != wantAbs {
		t.Fatalf("RepoPath = %q, want %q", resolved, wantAbs)
	}

	names, err := ListRepos(home, "team-1")
	if err != nil || len(names) != 1 || names[0] != "api" {
		t.Fatalf("ListRepos = %v err=%v", names, err)
	}

	if err := RegisterRepo(home, "team-1", "bad", t.TempDir()); err == nil {
		t.Fatal("registering a non-repo should fail")
	}
}

func TestCreateTaskWorktree(t *testing.T) {
	repo := initRepo(t)
	mainSHA := git(t, repo, "rev-parse", "main")

	wt := filepath.Join(t.TempDir(), "T0001", "api")
	baseSHA, err := CreateTaskWorktree(repo, wt, "delegate/ab12cd34/core/T0001")
	if err != nil {
		t.Fatalf("CreateTaskWorktree failed: %v", err)
	}
	if baseSHA != mainSHA {
		t.Fatalf("base SHA should be main's head: %s vs %s", baseSHA, mainSHA)
	}
	if !WorktreeExists(wt) {
		t.Fatal("worktree directory missing")
	}
	if !BranchExists(repo, "delegate/ab12cd34/core/T0001") {
		t.Fatal("task branch missing")
	}
	// Lifecycle scripts are seeded into fresh worktrees.
	if _, err := os.Stat(filepath.Join(wt, ".delegate", "setup.sh")); err != nil {
		t.Fatalf("setup script missing: %v", err)
	}

	// An existing branch is checked out, not re-created.
	if err := RemoveWorktree(repo, wt); err != nil {
		t.Fatalf("RemoveWorktree failed: %v", err)
	}
	wt2 := filepath.Join(t.TempDir(), "T0001-again", "api")
	if _, err := CreateTaskWorktree(repo, wt2, "delegate/ab12cd34/core/T0001"); err != nil {
		t.Fatalf("re-create on existing branch failed: %v", err)
	}
}
