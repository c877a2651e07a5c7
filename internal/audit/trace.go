// Package audit keeps the best-effort mission record: a bounded trace ring
// of what happened and a throttled screenshot store of what it looked like.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry kinds for typed trace events. Raw envelope summaries appended by the
// gateway carry an empty kind and the wire method instead.
const (
	KindHijack         = "HIJACK"
	KindCommand        = "COMMAND"
	KindFailure        = "FAILURE"
	KindSentinelError  = "SENTINEL_ERROR"
	KindMissionFailure = "MISSION_FAILURE"
)

// Entry is one trace record.
type Entry struct {
	Ts       int64  `json:"ts"` // unix ms
	Kind     string `json:"kind,omitempty"`
	Method   string `json:"method,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Command  string `json:"command,omitempty"`
	Selector *string `json:"selector,omitempty"`
	Success  *bool  `json:"success,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
}

// Trace is a bounded ring of entries. Oldest entries are dropped when full.
type Trace struct {
	mu   sync.RWMutex
	max  int
	ring []Entry
	path string
}

// NewTrace creates a trace ring persisting to path, keeping at most max
// entries.
func NewTrace(path string, max int) *Trace {
	if max <= 0 {
		max = 500
	}
	return &Trace{max: max, path: path}
}

// Append adds an entry, evicting the oldest if the ring is full.
func (t *Trace) Append(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ring) >= t.max {
		copy(t.ring, t.ring[1:])
		t.ring = t.ring[:len(t.ring)-1]
	}
	t.ring = append(t.ring, e)
}

// Entries returns the ordered trace snapshot, oldest first.
func (t *Trace) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.ring))
	copy(out, t.ring)
	return out
}

// Len returns the current entry count.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ring)
}

// CountKind returns how many entries carry the given kind.
func (t *Trace) CountKind(kind string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.ring {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// LoadPrevious reads the trace written by an earlier run. Used to derive
// temporal auras; the current run's ring starts empty either way. A missing
// or corrupt file yields nil.
func LoadPrevious(path string) []Entry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// Save writes the ring atomically via temp-file-plus-rename.
func (t *Trace) Save() error {
	entries := t.Entries()
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".trace-*.json")
	if err != nil {
		return fmt.Errorf("create temp trace: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write trace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close trace: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename trace: %w", err)
	}
	return nil
}

// NowMs converts a time to the trace's unix-millisecond timestamp.
func NowMs(t time.Time) int64 { return t.UnixMilli() }
