package turn

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leonletto/delegate/internal/paths"
)

// roleCharters are the built-in role instructions. Teams layer their own
// charter and overrides on top via files.
var roleCharters = map[string]string{
	"manager": `You are the team manager. You break work into tasks, assign them,
review progress, and keep the human informed. You do not write code yourself;
you coordinate the engineers and escalate blockers.`,
	"engineer": `You are a software engineer on the team. You pick up assigned
tasks, implement them in the task worktree, keep your journal current, and
move tasks through review when done. Commit your work with clear messages.
Never manipulate branches yourself; merging is handled for you.`,
}

const genericCharter = `You are an AI member of a software team. Follow your
assigned role, answer messages addressed to you, and keep your work inside
the task workspace.`

// BuildPreamble assembles the static role instructions for an agent's
// telephone. Rebuilt every turn: it folds in the team roster, the team's
// shared instruction override, per-repo instruction files from the task
// worktrees, and the agent's accumulated reflections and feedback.
func BuildPreamble(home, teamUUID, team, agent, role string, worktrees map[string]string) string {
	var b strings.Builder

	charter, ok := roleCharters[role]
	if !ok {
		charter = genericCharter
	}
	fmt.Fprintf(&b, "You are %s, role %s, on team %s.\n\n%s\n", agent, role, team, charter)

	appendFileSection(&b, "Team roster", filepath.Join(paths.ProtectedTeamDir(home, team), "roster.md"))
	appendFileSection(&b, "Team instructions", filepath.Join(paths.SharedDir(home, teamUUID), "instructions.md"))

	// Deterministic order so an unchanged tree yields an unchanged
	// preamble; rotation fires only on real changes.
	repos := make([]string, 0, len(worktrees))
	for r := range worktrees {
		repos = append(repos, r)
	}
	sort.Strings(repos)
	for _, repo := range repos {
		appendFileSection(&b, "Instructions for repo "+repo, filepath.Join(worktrees[repo], "AGENTS.md"))
	}

	notes := paths.AgentNotesDir(home, teamUUID, agent)
	appendFileSection(&b, "Your reflections", filepath.Join(notes, "reflections.md"))
	appendFileSection(&b, "Feedback you have received", filepath.Join(notes, "feedback.md"))

	return b.String()
}

func appendFileSection(b *strings.Builder, title, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal layout
	if err != nil {
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n%s\n", title, content)
}
