package turn

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var worklogNameRe = regexp.MustCompile(`^(\d+)\.worklog\.md$`)

// worklogMu serializes numbering within the process; two concurrent turns
// for different agents write to different dirs, but a paranoid lock is
// cheaper than a partial write.
var worklogMu sync.Mutex

// WorklogBuffer accumulates one turn's transcript for the agent's logs dir.
type WorklogBuffer struct {
	b strings.Builder
}

// Printf appends a formatted line to the worklog.
func (w *WorklogBuffer) Printf(format string, args ...any) {
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteString("\n")
}

// Section appends a markdown heading.
func (w *WorklogBuffer) Section(title string) {
	fmt.Fprintf(&w.b, "\n## %s\n\n", title)
}

// Len returns the buffered byte count.
func (w *WorklogBuffer) Len() int { return w.b.Len() }

// String returns the buffered transcript.
func (w *WorklogBuffer) String() string { return w.b.String() }

// WriteWorklog persists the buffer as <n>.worklog.md in logsDir, where n is
// one past the highest existing number. The write is atomic (tmp + rename).
func WriteWorklog(logsDir string, w *WorklogBuffer) (string, error) {
	worklogMu.Lock()
	defer worklogMu.Unlock()

	if err := os.MkdirAll(logsDir, 0750); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}

	next := 1
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return "", fmt.Errorf("read logs dir: %w", err)
	}
	for _, e := range entries {
		m := worklogNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= next {
			next = n + 1
		}
	}

	path := filepath.Join(logsDir, fmt.Sprintf("%d.worklog.md", next))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(w.String()), 0600); err != nil {
		return "", fmt.Errorf("write worklog: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename worklog: %w", err)
	}
	return path, nil
}
