package telephone

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/leonletto/delegate/internal/agentsdk"
)

// DefaultDeniedBash are command substrings no agent may run. Branch
// manipulation and direct database access belong to the daemon.
var DefaultDeniedBash = []string{
	"git push",
	"git rebase",
	"git worktree",
	"sqlite3 ",
	"DROP TABLE",
	"rm -rf .git",
}

// DisallowedGitTools are tool patterns forbidden at the runtime layer.
// Merges and branch manipulation are the merge worker's exclusive job.
var DisallowedGitTools = []string{
	"Bash(git rebase*)",
	"Bash(git merge*)",
	"Bash(git pull*)",
	"Bash(git push*)",
	"Bash(git fetch*)",
	"Bash(git checkout*)",
	"Bash(git switch*)",
	"Bash(git reset --hard*)",
	"Bash(git worktree*)",
	"Bash(git branch*)",
	"Bash(git remote*)",
	"Bash(git filter-branch*)",
}

// writeTools are the tools that target a file path.
var writeTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Guard builds the permission callback for one conversation. Path-writing
// tools must target a path under one of the allowed write roots (resolved
// against cwd, symlinks followed). Bash commands containing a denied
// substring are blocked. Everything else passes.
func Guard(cwd string, allowedWritePaths, deniedBash []string) agentsdk.PermissionFunc {
	roots := make([]string, 0, len(allowedWritePaths))
	for _, p := range allowedWritePaths {
		roots = append(roots, resolvePath(cwd, p))
	}

	return func(toolName string, input map[string]any) agentsdk.PermissionResult {
		if toolName == "Bash" {
			cmd, _ := input["command"].(string)
			for _, bad := range deniedBash {
				if strings.Contains(cmd, bad) {
					return agentsdk.Deny(fmt.Sprintf("command contains forbidden operation %q", bad))
				}
			}
			return agentsdk.Allow()
		}
		if !writeTools[toolName] {
			return agentsdk.Allow()
		}

		target, _ := input["file_path"].(string)
		if target == "" {
			target, _ = input["notebook_path"].(string)
		}
		if target == "" {
			return agentsdk.Deny(toolName + " call missing a file path")
		}
		resolved := resolvePath(cwd, target)
		for _, root := range roots {
			if underDir(root, resolved) {
				return agentsdk.Allow()
			}
		}
		return agentsdk.Deny(fmt.Sprintf("%s may only write under the task workspace, not %s", toolName, target))
	}
}

// resolvePath makes p absolute against cwd and follows symlinks on the
// nearest existing ancestor so a link into the workspace can't smuggle
// writes outside it.
func resolvePath(cwd, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	p = filepath.Clean(p)

	// EvalSymlinks fails on paths that don't exist yet; walk up to the
	// nearest existing ancestor and re-join the remainder.
	rest := ""
	dir := p
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

func underDir(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
