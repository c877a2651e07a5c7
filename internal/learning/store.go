// Package learning holds the hub's self-healing memory: semantic-goal to
// selector mappings and observed settlement latencies ("ghosts"). Entries
// discovered mid-mission stay in memory and are merged onto the on-disk
// state at save time. The store is never decremented: a mapping can be
// overwritten, never implicitly deleted.
package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ghostPrefix namespaces latency entries inside the flat memory file so the
// persisted format stays a single string-to-string object.
const ghostPrefix = "ghost:"

// Store is the in-memory learning map with persistent merge.
type Store struct {
	mu      sync.RWMutex
	entries map[string]string // goal or "cmd:goal" -> selector, plus ghost: keys
	dirty   map[string]string // mid-mission discoveries, merged at save

	// saveSem is the atomic save lock. Held for at most saveLockTTL; a
	// holder that disappears does not wedge shutdown.
	saveSem     chan struct{}
	saveLockTTL time.Duration

	path string
}

// NewStore creates a Store persisting to path. Call Load before use.
func NewStore(path string) *Store {
	s := &Store{
		entries:     make(map[string]string),
		dirty:       make(map[string]string),
		saveSem:     make(chan struct{}, 1),
		saveLockTTL: 5 * time.Second,
		path:        path,
	}
	s.saveSem <- struct{}{}
	return s
}

// Load merges the on-disk state into memory. Parse errors are ignored: a
// corrupt memory file means starting fresh, not failing the mission.
func (s *Store) Load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range flat {
		s.entries[k] = v
	}
}

func goalKey(cmd, goal string) string { return cmd + ":" + goal }

// Learn records a successful (cmd, goal) -> selector mapping, both under the
// command-qualified key and the bare goal.
func (s *Store) Learn(cmd, goal, selector string) {
	if goal == "" || selector == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[goalKey(cmd, goal)] = selector
	s.entries[goal] = selector
	s.dirty[goalKey(cmd, goal)] = selector
	s.dirty[goal] = selector
}

// Lookup resolves a goal to a learned selector, preferring the
// command-qualified mapping.
func (s *Store) Lookup(cmd, goal string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sel, ok := s.entries[goalKey(cmd, goal)]; ok {
		return sel, true
	}
	sel, ok := s.entries[goal]
	return sel, ok
}

// LookupBare resolves a goal without command qualification. Used by the
// self-healing fallback after a live resolution miss.
func (s *Store) LookupBare(goal string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.entries[goal]
	return sel, ok
}

// RecordGhost stores an observed settlement latency for (cmd, selector).
func (s *Store) RecordGhost(cmd, selector string, latency time.Duration) {
	if selector == "" || latency <= 0 {
		return
	}
	key := ghostPrefix + cmd + "|" + selector
	ms := latency.Milliseconds()
	if ms == 0 {
		ms = 1 // sub-millisecond settlements still round-trip
	}
	val := strconv.FormatInt(ms, 10)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = val
	s.dirty[key] = val
}

// Ghost returns the recorded settlement latency for (cmd, selector).
func (s *Store) Ghost(cmd, selector string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.entries[ghostPrefix+cmd+"|"+selector]
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Len returns the number of entries, ghosts included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Save merges the mid-mission discoveries onto the current on-disk state and
// writes the result atomically (temp file + rename). The save lock is
// acquired with a TTL so a stuck writer cannot block shutdown forever.
func (s *Store) Save() error {
	select {
	case <-s.saveSem:
		defer func() { s.saveSem <- struct{}{} }()
	case <-time.After(s.saveLockTTL):
		return fmt.Errorf("memory save lock not acquired within %s", s.saveLockTTL)
	}

	// Re-read disk under the lock: another process (or a previous run) may
	// have written mappings we never loaded. In-memory overrides win.
	merged := make(map[string]string)
	if data, err := os.ReadFile(s.path); err == nil {
		_ = json.Unmarshal(data, &merged) // parse errors: start from empty
	}

	s.mu.RLock()
	for k, v := range s.dirty {
		merged[k] = v
	}
	s.mu.RUnlock()

	return writeAtomic(s.path, merged)
}

// writeAtomic marshals v and replaces path via temp-file-plus-rename.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".memory-*.json")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
