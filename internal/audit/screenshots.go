package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/metrics"
)

// Str returns a pointer to s, for optional trace fields.
func Str(s string) *string { return &s }

// Bool returns a pointer to b, for optional trace fields.
func Bool(b bool) *bool { return &b }

// Screenshots writes before/after captures to disk, throttled so capture
// cost cannot dominate the pipeline. Test mode disables the throttle.
type Screenshots struct {
	mu       sync.Mutex
	dir      string
	throttle time.Duration
	clk      clock.Clock
	last     time.Time
	seq      int
}

// NewScreenshots creates a store under dir. A zero throttle disables
// throttling.
func NewScreenshots(dir string, throttle time.Duration, clk clock.Clock) *Screenshots {
	return &Screenshots{dir: dir, throttle: throttle, clk: clk}
}

// Save writes a capture tagged with the command id and phase ("before" or
// "after"). Returns the file path, or "" when the throttle skipped the shot.
func (s *Screenshots) Save(commandID, phase string, jpeg []byte) (string, error) {
	if len(jpeg) == 0 {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if s.throttle > 0 && !s.last.IsZero() && now.Sub(s.last) < s.throttle {
		metrics.ScreenshotsSkipped.Inc()
		return "", nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("screenshot dir: %w", err)
	}
	s.seq++
	name := fmt.Sprintf("%d-%04d-%s-%s.jpg", now.UnixMilli(), s.seq, commandID, phase)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	s.last = now
	return path, nil
}

// Prune deletes captures older than maxAge. Runs on the maintenance cron.
func (s *Screenshots) Prune(maxAge time.Duration) (removed int, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read screenshot dir: %w", err)
	}

	cutoff := s.clk.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(filepath.Join(s.dir, e.Name())); rmErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}
