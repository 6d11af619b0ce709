// Package paths maps logical Delegate entities (team, agent, task, repo,
// worktree) to filesystem locations under a home directory.
//
// Every function is pure: it joins path segments and never touches the
// filesystem, except Home which consults the environment. The layout splits
// protected/ (daemon infrastructure, never exposed to agent subprocesses)
// from teams/ (agent-visible working data).
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnvVar overrides the default home directory when set.
const HomeEnvVar = "DELEGATE_HOME"

/// Home returns the Delegate root directory: $DELEGATE_HOME if set,
// otherwise $HOME/.delegate.
func Home() (string, error) {
	if dir := os.Getenv(HomeEnvVar); dir != "" {
		return dir, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(userHome, ".delegate"), nil
}

// TaskSlug formats an integer task id as the user-visible form "T<nnnn>",
// zero-padded to 4 digits. Ids above 9999 widen naturally.
func TaskSlug(taskID int) string {
	return fmt.Sprintf("T%04d", taskID)
}

// Protected returns the infrastructure directory, never writable from the
// agent sandbox.
func Protected(home string) string {
	return filepath.Join(home, "protected")
}

// DBPath returns the global SQLite database file.
func DBPath(home string) string {
	return filepath.Join(Protected(home), "db.sqlite")
}

// PIDFile returns the daemon PID file path.
func PIDFile(home string) string {
	return filepath.Join(Protected(home), "daemon.pid")
}

// LockFile returns the daemon singleton lock file path.
func LockFile(home string) string {
	return filepath.Join(Protected(home), "daemon.lock")
}

// ConfigFile returns the daemon configuration file path.
func ConfigFile(home string) string {
	return filepath.Join(Protected(home), "config.yaml")
}

// TeamMapFile returns the JSON file mirroring the teams table, reconciled
// on daemon startup.
func TeamMapFile(home string) string {
	return filepath.Join(Protected(home), "team_map.json")
}

// MembersDir returns the directory holding human member records.
func MembersDir(home string) string {
	return filepath.Join(Protected(home), "members")
}

// MemberFile returns the record file for a human member.
func MemberFile(home, name string) string {
	return filepath.Join(MembersDir(home), name+".yaml")
}

// ProtectedTeamDir returns the protected per-team directory, keyed by the
// human-readable team name.
func ProtectedTeamDir(home, teamName string) string {
	return filepath.Join(Protected(home), "teams", teamName)
}

// ReposYAML returns the registered-repos file for a team.
func ReposYAML(home, teamName string) string {
	return filepath.Join(ProtectedTeamDir(home, teamName), "repos.yaml")
}

// TeamIDFile returns the file recording a team's UUID.
func TeamIDFile(home, teamName string) string {
	return filepath.Join(ProtectedTeamDir(home, teamName), "team_id")
}

// TeamDir returns the agent-visible working directory for a team,
// keyed by the team's UUID so the tree survives name reuse.
func TeamDir(home, teamUUID string) string {
	return filepath.Join(home, "teams", teamUUID)
}

// AgentsDir returns the directory holding per-agent state for a team.
func AgentsDir(home, teamUUID string) string {
	return filepath.Join(TeamDir(home, teamUUID), "agents")
}

// AgentDir returns the working directory for one agent.
func AgentDir(home, teamUUID, agent string) string {
	return filepath.Join(AgentsDir(home, teamUUID), agent)
}

// AgentStateFile returns the agent's state.yaml (role, model, token budget).
func AgentStateFile(home, teamUUID, agent string) string {
	return filepath.Join(AgentDir(home, teamUUID, agent), "state.yaml")
}

// AgentContextFile returns the agent's rotation-memory file.
func AgentContextFile(home, teamUUID, agent string) string {
	return filepath.Join(AgentDir(home, teamUUID, agent), "context.md")
}

// AgentLogsDir returns the agent's per-turn worklog directory.
func AgentLogsDir(home, teamUUID, agent string) string {
	return filepath.Join(AgentDir(home, teamUUID, agent), "logs")
}

// AgentNotesDir returns the agent's notes directory (reflections, feedback).
func AgentNotesDir(home, teamUUID, agent string) string {
	return filepath.Join(AgentDir(home, teamUUID, agent), "notes")
}

// AgentJournalsDir returns the agent's per-task journal directory.
func AgentJournalsDir(home, teamUUID, agent string) string {
	return filepath.Join(AgentDir(home, teamUUID, agent), "journals")
}

// AgentJournalFile returns the journal file for one task.
func AgentJournalFile(home, teamUUID, agent string, taskID int) string {
	return filepath.Join(AgentJournalsDir(home, teamUUID, agent), TaskSlug(taskID)+".md")
}

// SharedDir returns the team-shared scratch directory.
func SharedDir(home, teamUUID string) string {
	return filepath.Join(TeamDir(home, teamUUID), "shared")
}

// ReposDir returns the directory of registered-repo symlinks for a team.
func ReposDir(home, teamUUID string) string {
	return filepath.Join(TeamDir(home, teamUUID), "repos")
}

// RepoLink returns the symlink path for one registered repo.
func RepoLink(home, teamUUID, repo string) string {
	return filepath.Join(ReposDir(home, teamUUID), repo)
}

// WorktreesDir returns the root of all task worktrees for a team.
func WorktreesDir(home, teamUUID string) string {
	return filepath.Join(TeamDir(home, teamUUID), "worktrees")
}

// TaskWorktree returns the shared worktree for a task+repo pair.
func TaskWorktree(home, teamUUID, repo string, taskID int) string {
	return filepath.Join(WorktreesDir(home, teamUUID), repo, TaskSlug(taskID))
}

// MergeWorktree returns a disposable merge worktree path for one attempt.
// uid is a fresh 12-character identifier per merge invocation.
func MergeWorktree(home, teamUUID, uid string, taskID int) string {
	return filepath.Join(WorktreesDir(home, teamUUID), "_merge", uid, TaskSlug(taskID))
}

// ReviewWorktree returns a disposable reviewer-edit worktree path.
func ReviewWorktree(home, teamUUID, uid string, taskID int) string {
	return filepath.Join(WorktreesDir(home, teamUUID), "_review", uid, TaskSlug(taskID))
}

// UploadsDir returns the uploads directory for a given year/month.
func UploadsDir(home, teamUUID, year, month string) string {
	return filepath.Join(TeamDir(home, teamUUID), "uploads", year, month)
}

// MigrationBackup returns the snapshot path taken before upgrading the DB
// from schema version v. ts is a caller-supplied timestamp component.
func MigrationBackup(home string, v int, ts string) string {
	return fmt.Sprintf("%s.bak.V%d.%s", DBPath(home), v, ts)
}
