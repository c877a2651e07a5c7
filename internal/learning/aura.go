package learning

import (
	"sync"
	"time"
)

// Auras tracks which elapsed-time buckets of a mission have historically
// shown page instability. Trace timestamps from a previous run are bucketed
// relative to mission start; a marked bucket (or either neighbor) predicts
// instability at the same point of the next run.
type Auras struct {
	mu     sync.RWMutex
	bucket time.Duration
	marks  map[int64]struct{}
}

// NewAuras creates an aura tracker with the given bucket width.
func NewAuras(bucket time.Duration) *Auras {
	if bucket <= 0 {
		bucket = 500 * time.Millisecond
	}
	return &Auras{bucket: bucket, marks: make(map[int64]struct{})}
}

// Mark records instability evidence at the given elapsed time since mission
// start.
func (a *Auras) Mark(elapsed time.Duration) {
	if elapsed < 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks[int64(elapsed/a.bucket)] = struct{}{}
}

// Unstable reports whether the bucket at the given elapsed time, its
// predecessor, or its successor was marked unstable.
func (a *Auras) Unstable(elapsed time.Duration) bool {
	if elapsed < 0 {
		return false
	}
	b := int64(elapsed / a.bucket)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, n := range [3]int64{b - 1, b, b + 1} {
		if _, ok := a.marks[n]; ok {
			return true
		}
	}
	return false
}

// Count returns the number of marked buckets.
func (a *Auras) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.marks)
}
