package turn

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leonletto/delegate/internal/paths"
)

func writeNote(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestBuildPreambleComposesSections(t *testing.T) {
	home := t.TempDir()
	teamUUID := "abcdef1234567890abcdef1234567890"

	writeNote(t, filepath.Join(paths.ProtectedTeamDir(home, "core"), "roster.md"), "morgan (manager), sam (engineer)")
	writeNote(t, filepath.Join(paths.SharedDir(home, teamUUID), "instructions.md"), "Keep commits small.")
	writeNote(t, filepath.Join(paths.AgentNotesDir(home, teamUUID, "sam"), "reflections.md"), "Prefer table tests.")

	wt := t.TempDir()
	writeNote(t, filepath.Join(wt, "AGENTS.md"), "Run make lint before committing.")

	got := BuildPreamble(home, teamUUID, "core", "sam", "engineer", map[string]string{"api": wt})

	if !strings.HasPrefix(got, "You are sam, role engineer, on team core.") {
		t.Fatalf("preamble header wrong:\n%s", got)
	}
	for _, want := range []string{
		"software engineer on the team",
		"## Team roster",
		"morgan (manager)",
		"## Team instructions",
		"Keep commits small.",
		"## Instructions for repo api",
		"make lint",
		"## Your reflections",
		"Prefer table tests.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("preamble missing %q:\n%s", want, got)
		}
	}
	// No feedback file: the section is skipped entirely.
	if strings.Contains(got, "Feedback you have received") {
		t.Fatal("empty sections should be omitted")
	}
}

func TestBuildPreambleUnknownRole(t *testing.T) {
	got := BuildPreamble(t.TempDir(), "u", "core", "quinn", "designer", nil)
	if !strings.Contains(got, "AI member of a software team") {
		t.Fatalf("unknown roles should fall back to the generic charter:\n%s", got)
	}
}

func TestBuildPreambleIsDeterministic(t *testing.T) {
	home := t.TempDir()
	wtA, wtB := t.TempDir(), t.TempDir()
	writeNote(t, filepath.Join(wtA, "AGENTS.md"), "a rules")
	writeNote(t, filepath.Join(wtB, "AGENTS.md"), "b rules")
	worktrees := map[string]string{"beta": wtB, "alpha": wtA}

	first := BuildPreamble(home, "u", "core", "sam", "engineer", worktrees)
	for range 10 {
		if BuildPreamble(home, "u", "core", "sam", "engineer", worktrees) != first {
			t.Fatal("preamble should be stable for an unchanged tree")
		}
	}
	if strings.Index(first, "repo alpha") > strings.Index(first, "repo beta") {
		t.Fatal("repo sections should be sorted by name")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "0001.md")
	if err := writeFileAtomic(path, "first"); err != nil {
		t.Fatalf("writeFileAtomic failed: %v", err)
	}
	if err := writeFileAtomic(path, "second"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err := readFile(path)
	if err != nil || got != "second" {
		t.Fatalf("read back %q (%v)", got, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("tmp file should not survive a successful write")
	}
}
