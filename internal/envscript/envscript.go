// Package envscript manages the per-worktree lifecycle scripts under
// .delegate/: setup.sh runs once when a task worktree is created, and
// premerge.sh gates the merge worker's fast-forward. Both are generated
// with safe no-op defaults when absent.
package envscript

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ScriptDir is the per-worktree directory holding lifecycle scripts.
const ScriptDir = ".delegate"

const (
	// SetupScript is executed in a fresh task worktree before the first turn.
	SetupScript = ScriptDir + "/setup.sh"
	// PremergeScript is executed in the agent worktree before fast-forward.
	PremergeScript = ScriptDir + "/premerge.sh"
)

const defaultSetup = `#!/bin/sh
# Runs once when a task worktree is created. Install dependencies, copy
# env files, or generate code here. A non-zero exit fails worktree setup.
exit 0
`

const defaultPremerge = `#!/bin/sh
# Runs in the merge worktree before main is fast-forwarded. Build and test
# here. A non-zero exit blocks the merge.
exit 0
`

// EnsureDefaults writes no-op setup.sh and premerge.sh under
// <worktree>/.delegate/ when they do not already exist. Existing scripts
// are never touched.
func EnsureDefaults(worktree string) error {
	if err := os.MkdirAll(filepath.Join(worktree, ScriptDir), 0750); err != nil {
		return fmt.Errorf("create %s dir: %w", ScriptDir, err)
	}
	if err := ensureScript(filepath.Join(worktree, SetupScript), defaultSetup); err != nil {
		return err
	}
	return ensureScript(filepath.Join(worktree, PremergeScript), defaultPremerge)
}

func ensureScript(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0750); err != nil { //nolint:gosec // G306: scripts must be executable
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// RunResult captures what a script run produced.
type RunResult struct {
	Script   string
	ExitCode int
	Output   string // combined stdout+stderr, tail-truncated
	Err      error
}

const maxOutputBytes = 16 * 1024

// Run executes a lifecycle script inside dir with the given timeout. A
// missing script counts as success. The returned result carries the tail of
// combined output for failure reporting.
func Run(ctx context.Context, dir, script string, timeout time.Duration) RunResult {
	path := filepath.Join(dir, script)
	if _, err := os.Stat(path); err != nil {
		return RunResult{Script: script, ExitCode: 0}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", path)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := RunResult{Script: script, Output: tail(out.Bytes())}
	if err == nil {
		return res
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.Err = fmt.Errorf("%s: timed out after %s", script, timeout)
		return res
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	res.Err = fmt.Errorf("%s: %w", script, err)
	return res
}

func tail(b []byte) string {
	if len(b) <= maxOutputBytes {
		return string(b)
	}
	return string(b[len(b)-maxOutputBytes:])
}
