package paths_test

import (
	"path/filepath"
	"testing"

	"github.com/leonletto/delegate/internal/paths"
)

func TestHome_EnvOverride(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, "/tmp/delegate-test-home")

	home, err := paths.Home()
	if err != nil {
		t.Fatalf("Home() failed: %v", err)
	}
	if home != "/tmp/delegate-test-home" {
		t.Errorf("Home() = %q, want env override", home)
	}
}

func TestHome_Default(t *testing.T) {
	t.Setenv(paths.HomeEnvVar, "")
	t.Setenv("HOME", "/home/op")

	home, err := paths.Home()
	if err != nil {
		t.Fatalf("Home() failed: %v", err)
	}
	if home != filepath.Join("/home/op", ".delegate") {
		t.Errorf("Home() = %q, want $HOME/.delegate", home)
	}
}

func TestTaskSlug(t *testing.T) {
	tests := []struct {
		id   int
		want string
	}{
		{1, "T0001"},
		{42, "T0042"},
		{9999, "T9999"},
		{12345, "T12345"},
	}
	for _, tt := range tests {
		if got := paths.TaskSlug(tt.id); got != tt.want {
			t.Errorf("TaskSlug(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestProtectedLayout(t *testing.T) {
	home := "/h"

	if got := paths.DBPath(home); got != "/h/protected/db.sqlite" {
		t.Errorf("DBPath = %q", got)
	}
	if got := paths.PIDFile(home); got != "/h/protected/daemon.pid" {
		t.Errorf("PIDFile = %q", got)
	}
	if got := paths.LockFile(home); got != "/h/protected/daemon.lock" {
		t.Errorf("LockFile = %q", got)
	}
	if got := paths.ReposYAML(home, "alpha"); got != "/h/protected/teams/alpha/repos.yaml" {
		t.Errorf("ReposYAML = %q", got)
	}
	if got := paths.MemberFile(home, "sam"); got != "/h/protected/members/sam.yaml" {
		t.Errorf("MemberFile = %q", got)
	}
}

func TestTeamLayout(t *testing.T) {
	home := "/h"
	team := "0123456789abcdef0123456789abcdef"

	if got := paths.AgentStateFile(home, team, "ada"); got != "/h/teams/"+team+"/agents/ada/state.yaml" {
		t.Errorf("AgentStateFile = %q", got)
	}
	if got := paths.TaskWorktree(home, team, "api", 7); got != "/h/teams/"+team+"/worktrees/api/T0007" {
		t.Errorf("TaskWorktree = %q", got)
	}
	if got := paths.MergeWorktree(home, team, "01HXYZABCDEF", 7); got != "/h/teams/"+team+"/worktrees/_merge/01HXYZABCDEF/T0007" {
		t.Errorf("MergeWorktree = %q", got)
	}
	if got := paths.ReviewWorktree(home, team, "01HXYZABCDEF", 7); got != "/h/teams/"+team+"/worktrees/_review/01HXYZABCDEF/T0007" {
		t.Errorf("ReviewWorktree = %q", got)
	}
	if got := paths.RepoLink(home, team, "api"); got != "/h/teams/"+team+"/repos/api" {
		t.Errorf("RepoLink = %q", got)
	}
	if got := paths.AgentJournalFile(home, team, "ada", 12); got != "/h/teams/"+team+"/agents/ada/journals/T0012.md" {
		t.Errorf("AgentJournalFile = %q", got)
	}
	if got := paths.UploadsDir(home, team, "2026", "08"); got != "/h/teams/"+team+"/uploads/2026/08" {
		t.Errorf("UploadsDir = %q", got)
	}
}

func TestMigrationBackup(t *testing.T) {
	got := paths.MigrationBackup("/h", 3, "20260824T120000")
	want := "/h/protected/db.sqlite.bak.V3.20260824T120000"
	if got != want {
		t.Errorf("MigrationBackup = %q, want %q", got, want)
	}
}
