package pipeline

import (
	"sync"

	"github.com/cba-labs/starlight-hub/internal/metrics"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

// Queue is the FIFO command queue with head re-insertion for retries.
type Queue struct {
	mu    sync.Mutex
	items []*protocol.Command
}

// Push appends a command to the tail.
func (q *Queue) Push(cmd *protocol.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, cmd)
	metrics.QueueDepth.Set(float64(len(q.items)))
}

// Unshift inserts a command at the head. Used for WAIT retries and the
// re-check sentinel.
func (q *Queue) Unshift(cmd *protocol.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*protocol.Command{cmd}, q.items...)
	metrics.QueueDepth.Set(float64(len(q.items)))
}

// Pop removes and returns the head command.
func (q *Queue) Pop() (*protocol.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	return cmd, true
}

// Len returns the queued command count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
