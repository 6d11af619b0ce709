package telephone

import (
	"context"
	"testing"
	"time"
)

func TestExchangeGetOrCreate(t *testing.T) {
	e := NewExchange()
	built := 0
	build := func() *Telephone {
		built++
		return New(Config{Preamble: "P"})
	}

	a := e.GetOrCreate("core", "alex", build)
	b := e.GetOrCreate("core", "alex", build)
	if a != b {
		t.Fatal("same (team, agent) should return the same telephone")
	}
	if built != 1 {
		t.Fatalf("constructor should run once, ran %d times", built)
	}

	c := e.GetOrCreate("core", "sam", build)
	if c == a {
		t.Fatal("different agents must not share a telephone")
	}

	e.Drop("core", "alex")
	if _, ok := e.Phone("core", "alex"); ok {
		t.Fatal("dropped telephone still registered")
	}
}

func TestWorktreeLockTimesOut(t *testing.T) {
	e := NewExchange()
	lock := e.WorktreeLock("core", 7)
	if lock != e.WorktreeLock("core", 7) {
		t.Fatal("same task should return the same lock")
	}

	if err := lock.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := lock.Acquire(context.Background(), 50*time.Millisecond); err == nil {
		t.Fatal("second acquire should time out while held")
	}
	lock.Release()
	if err := lock.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	lock.Release()

	e.DiscardLock("core", 7)
	if lock == e.WorktreeLock("core", 7) {
		t.Fatal("discarded lock should be replaced on next use")
	}
}

func TestWorktreeLockHonorsContext(t *testing.T) {
	lock := newWorktreeLock()
	if err := lock.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := lock.Acquire(ctx, time.Minute); err == nil {
		t.Fatal("canceled context should abort acquisition")
	}
}
