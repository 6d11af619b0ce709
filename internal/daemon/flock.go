package daemon

import "os"

// FileLock holds the daemon singleton lock. The OS releases it when the
// process dies, even on SIGKILL, so stale locks cannot wedge a restart.
type FileLock struct {
	path string
	file *os.File
}

// LockPath returns the path to the lock file.
func (l *FileLock) LockPath() string {
	return l.path
}
