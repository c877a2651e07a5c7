package pipeline

import (
	"sync"
	"time"

	"github.com/cba-labs/starlight-hub/internal/clock"
)

// Lock is the preemption lock. At most one agent owns it; while held the
// queue does not advance. A lower priority number preempts a higher one.
type Lock struct {
	mu  sync.Mutex
	clk clock.Clock

	owner      string
	priority   int
	reason     string
	deadline   time.Time
	acquiredAt time.Time
}

// NewLock creates a free lock.
func NewLock(clk clock.Clock) *Lock {
	return &Lock{clk: clk}
}

// Acquire grants the lock if it is free, expired, or held by an owner with a
// strictly higher priority number. Returns whether the caller now owns it.
func (l *Lock) Acquire(agentID string, priority int, reason string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	held := l.owner != "" && now.Before(l.deadline)
	if held && priority >= l.priority {
		return false
	}

	l.owner = agentID
	l.priority = priority
	l.reason = reason
	l.deadline = now.Add(ttl)
	l.acquiredAt = now
	return true
}

// Release frees the lock if agentID owns it.
func (l *Lock) Release(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != agentID {
		return false
	}
	l.clear()
	return true
}

// ReleaseAny frees the lock regardless of owner. Used on shutdown.
func (l *Lock) ReleaseAny() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clear()
}

func (l *Lock) clear() {
	l.owner = ""
	l.priority = 0
	l.reason = ""
	l.deadline = time.Time{}
	l.acquiredAt = time.Time{}
}

// Held reports whether the lock currently blocks the queue. An expired lock
// counts as free and is cleared on observation.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" {
		return false
	}
	if !l.clk.Now().Before(l.deadline) {
		l.clear()
		return false
	}
	return true
}

// Owner returns the current owner id and its hold duration so far.
func (l *Lock) Owner() (string, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" || !l.clk.Now().Before(l.deadline) {
		return "", 0, false
	}
	return l.owner, l.clk.Now().Sub(l.acquiredAt), true
}
