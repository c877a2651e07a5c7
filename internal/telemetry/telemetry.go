// Package telemetry accumulates cumulative mission counters and flushes them
// to a JSON file, merging with whatever previous runs recorded.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cba-labs/starlight-hub/internal/events"
)

// Collector counts notable events since process start.
type Collector struct {
	mu       sync.Mutex
	counters map[string]int64
	path     string
	cancel   func()
}

// New creates a collector persisting to path.
func New(path string) *Collector {
	return &Collector{counters: make(map[string]int64), path: path}
}

// Attach subscribes the collector to the event bus. Call Detach on shutdown.
func (c *Collector) Attach(bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	c.cancel = cancel
	go func() {
		for ev := range ch {
			switch ev.Type {
			case events.EventCommandComplete:
				if ev.Success {
					c.Inc("commands_succeeded")
				} else {
					c.Inc("commands_failed")
				}
			case events.EventHijack:
				c.Inc("hijacks")
			case events.EventConsensus:
				c.Inc("consensus_rounds")
			case events.EventEntropy:
				c.Inc("entropy_events")
			case events.EventAgentReady:
				c.Inc("agent_registrations")
			case events.EventAgentLeft:
				c.Inc("agent_departures")
			}
		}
	}()
}

// Detach stops the bus subscription.
func (c *Collector) Detach() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Inc adds one to the named counter.
func (c *Collector) Inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name]++
}

// Get returns the current value of a counter.
func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Flush merges the in-process counters onto the on-disk totals and writes the
// result atomically. Counters accumulate across runs.
func (c *Collector) Flush() error {
	totals := make(map[string]int64)
	if data, err := os.ReadFile(c.path); err == nil {
		_ = json.Unmarshal(data, &totals)
	}

	c.mu.Lock()
	for k, v := range c.counters {
		totals[k] += v
	}
	c.counters = make(map[string]int64)
	c.mu.Unlock()

	data, err := json.MarshalIndent(totals, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".telemetry-*.json")
	if err != nil {
		return fmt.Errorf("create temp telemetry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write telemetry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close telemetry: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename telemetry: %w", err)
	}
	return nil
}
