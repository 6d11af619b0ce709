package telephone

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WorktreeLockTimeout bounds lock acquisition by the merge worker.
const WorktreeLockTimeout = 30 * time.Second

// WorktreeLock serializes worktree mutation between agent turns and the
// merge worker's reset. Writer-only, with timed acquisition.
type WorktreeLock struct {
	ch chan struct{}
}

func newWorktreeLock() *WorktreeLock {
	l := &WorktreeLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire takes the lock, waiting at most timeout.
func (l *WorktreeLock) Acquire(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("worktree lock: timed out after %s", timeout)
	case <-ctx.Done():
		return fmt.Errorf("worktree lock: %w", ctx.Err())
	}
}

// Release returns the lock. Must pair with a successful Acquire.
func (l *WorktreeLock) Release() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

type agentKey struct {
	team  string
	agent string
}

type taskKey struct {
	team   string
	taskID int
}

// Exchange is the process-wide registry of telephones and per-task
// worktree locks.
type Exchange struct {
	mu     sync.Mutex
	phones map[agentKey]*Telephone
	locks  map[taskKey]*WorktreeLock
}

// NewExchange creates an empty exchange.
func NewExchange() *Exchange {
	return &Exchange{
		phones: make(map[agentKey]*Telephone),
		locks:  make(map[taskKey]*WorktreeLock),
	}
}

// Phone returns the telephone for (team, agent) if one is registered.
func (e *Exchange) Phone(team, agent string) (*Telephone, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.phones[agentKey{team, agent}]
	return t, ok
}

// GetOrCreate returns the telephone for (team, agent), building one with
// the given constructor when absent.
func (e *Exchange) GetOrCreate(team, agent string, build func() *Telephone) *Telephone {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := agentKey{team, agent}
	if t, ok := e.phones[k]; ok {
		return t
	}
	t := build()
	e.phones[k] = t
	return t
}

// Drop removes and closes the telephone for (team, agent).
func (e *Exchange) Drop(team, agent string) {
	e.mu.Lock()
	t := e.phones[agentKey{team, agent}]
	delete(e.phones, agentKey{team, agent})
	e.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

// WorktreeLock returns the per-task lock for (team, taskID), creating it on
// first use.
func (e *Exchange) WorktreeLock(team string, taskID int) *WorktreeLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := taskKey{team, taskID}
	if l, ok := e.locks[k]; ok {
		return l
	}
	l := newWorktreeLock()
	e.locks[k] = l
	return l
}

// DiscardLock forgets the per-task lock after a merge completes.
func (e *Exchange) DiscardLock(team string, taskID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, taskKey{team, taskID})
}

// CloseAll disconnects every registered telephone, bounded by the context
// deadline. Used on daemon shutdown.
func (e *Exchange) CloseAll(ctx context.Context) {
	e.mu.Lock()
	phones := make([]*Telephone, 0, len(e.phones))
	for _, t := range e.phones {
		phones = append(phones, t)
	}
	e.phones = make(map[agentKey]*Telephone)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, t := range phones {
			_ = t.Close()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
