package pipeline

import (
	"testing"
	"time"
)

// mockClock implements clock.Clock for lock tests.
type mockClock struct {
	now time.Time
}

func newMockClock(t time.Time) *mockClock { return &mockClock{now: t} }

func (c *mockClock) Now() time.Time { return c.now }
func (c *mockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *mockClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c *mockClock) Advance(d time.Duration)         { c.now = c.now.Add(d) }

func TestLockAcquireAndRelease(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLock(clk)

	if !l.Acquire("a1", 1, "popup", 5*time.Second) {
		t.Fatal("free lock not granted")
	}
	if !l.Held() {
		t.Fatal("lock not held after acquire")
	}
	if l.Release("a2") {
		t.Fatal("non-owner released the lock")
	}
	if !l.Release("a1") {
		t.Fatal("owner could not release")
	}
	if l.Held() {
		t.Fatal("lock held after release")
	}
}

func TestLockPreemptionIsStrict(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLock(clk)

	l.Acquire("a1", 1, "popup", 5*time.Second)

	if l.Acquire("a5", 5, "banner", 5*time.Second) {
		t.Fatal("higher priority number preempted")
	}
	if l.Acquire("b1", 1, "equal", 5*time.Second) {
		t.Fatal("equal priority preempted")
	}
	if !l.Acquire("a0", 0, "crash recovery", 5*time.Second) {
		t.Fatal("strictly lower priority number refused")
	}
	owner, _, ok := l.Owner()
	if !ok || owner != "a0" {
		t.Fatalf("owner = %q, want a0", owner)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLock(clk)

	l.Acquire("a1", 1, "popup", 5*time.Second)
	clk.Advance(5*time.Second + time.Millisecond)

	if l.Held() {
		t.Fatal("lock held past its TTL")
	}
	if !l.Acquire("a5", 5, "next", 5*time.Second) {
		t.Fatal("expired lock not reacquirable")
	}
}
