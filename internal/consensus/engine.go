// Package consensus runs the timed approval round that decides whether a
// queued command may execute: broadcast a pre-check, collect votes, apply
// quorum, veto and timeout rules.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/metrics"
)

// Decision is the round's resolution.
type Decision int

const (
	// Clear approves execution.
	Clear Decision = iota
	// Wait defers the command for a retry.
	Wait
	// Canceled means the round was torn down (hijack or shutdown) and the
	// command goes back to the front of the queue.
	Canceled
)

func (d Decision) String() string {
	switch d {
	case Clear:
		return "clear"
	case Wait:
		return "wait"
	default:
		return "canceled"
	}
}

// Outcome carries the resolution and its context.
type Outcome struct {
	Decision     Decision
	RetryAfter   time.Duration // veto's requested delay, zero otherwise
	Unresponsive []string      // agents that never voted (budget expiry)
}

// Participant is one relevant agent in a round.
type Participant struct {
	ID       string
	Priority int
}

// VoteKind is the reply an agent can give.
type VoteKind int

const (
	VoteClear VoteKind = iota
	VoteWait
	VoteError
)

type vote struct {
	agent      string
	kind       VoteKind
	confidence float64
	retryAfter time.Duration
}

type roundState struct {
	participants map[string]struct{}
	votes        chan vote
	cancelOnce   sync.Once
	cancel       chan struct{}
}

// Engine resolves one round at a time. The pipeline's single-flight loop
// guarantees no concurrent Run calls.
type Engine struct {
	log *logging.Logger
	clk clock.Clock

	budget     time.Duration // overall round budget
	secondary  time.Duration // consensus timeout after first response
	settlement time.Duration // mandatory window absorbing late vetoes
	threshold  float64       // quorum fraction of participant count

	mu     sync.Mutex
	active *roundState
}

// New creates an engine with the given timing policy.
func New(log *logging.Logger, clk clock.Clock, budget, secondary, settlement time.Duration, threshold float64) *Engine {
	return &Engine{
		log:        log.With("component", "consensus"),
		clk:        clk,
		budget:     budget,
		secondary:  secondary,
		settlement: settlement,
		threshold:  threshold,
	}
}

// Deliver routes an agent's vote to the active round. Votes outside a round,
// or from agents that are not participants, are discarded. Returns whether
// the vote was accepted.
func (e *Engine) Deliver(agentID string, kind VoteKind, confidence float64, retryAfter time.Duration) bool {
	e.mu.Lock()
	rs := e.active
	e.mu.Unlock()
	if rs == nil {
		return false
	}
	if _, ok := rs.participants[agentID]; !ok {
		return false
	}
	select {
	case rs.votes <- vote{agent: agentID, kind: kind, confidence: confidence, retryAfter: retryAfter}:
		return true
	default:
		return false
	}
}

// Cancel tears down the active round, if any. Safe to call concurrently.
func (e *Engine) Cancel() {
	e.mu.Lock()
	rs := e.active
	e.mu.Unlock()
	if rs != nil {
		rs.cancelOnce.Do(func() { close(rs.cancel) })
	}
}

// Active reports whether a round is in flight.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Run executes one round for the given participants and blocks until it
// resolves. An empty participant set resolves Clear immediately.
func (e *Engine) Run(ctx context.Context, commandID string, parts []Participant) Outcome {
	if len(parts) == 0 {
		metrics.ConsensusRounds.WithLabelValues("clear").Inc()
		return Outcome{Decision: Clear}
	}

	rs := &roundState{
		participants: make(map[string]struct{}, len(parts)),
		votes:        make(chan vote, 64),
		cancel:       make(chan struct{}),
	}
	for _, p := range parts {
		rs.participants[p.ID] = struct{}{}
	}

	e.mu.Lock()
	e.active = rs
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	start := e.clk.Now()
	out := e.collect(ctx, commandID, rs, len(parts))
	metrics.ConsensusRounds.WithLabelValues(out.Decision.String()).Inc()
	metrics.ConsensusDuration.Observe(e.clk.Since(start).Seconds())
	return out
}

func (e *Engine) collect(ctx context.Context, commandID string, rs *roundState, n int) Outcome {
	required := e.threshold * float64(n)

	budgetC := e.clk.After(e.budget)
	settleC := e.clk.After(e.settlement)
	var secondaryC <-chan time.Time

	responded := make(map[string]struct{}, n)
	sum := 0.0
	settled := false
	resolveOnSettle := false

	for {
		// Quorum resolution is gated on the settlement window so a late
		// veto can still win the round.
		if settled && (resolveOnSettle || sum >= required) {
			return Outcome{Decision: Clear}
		}
		if len(responded) == n && !resolveOnSettle {
			if sum >= required {
				resolveOnSettle = true
				continue
			}
			e.log.Info("quorum not met", "command", commandID, "confidence", sum, "required", required)
			return Outcome{Decision: Wait}
		}

		select {
		case v := <-rs.votes:
			if v.kind == VoteWait {
				// Veto dominates regardless of arrival order, including an
				// agent that already voted clear.
				e.log.Info("round vetoed", "command", commandID, "agent", v.agent, "retry_after", v.retryAfter)
				return Outcome{Decision: Wait, RetryAfter: v.retryAfter}
			}
			if _, dup := responded[v.agent]; dup {
				continue
			}
			responded[v.agent] = struct{}{}
			if v.kind == VoteClear {
				sum += v.confidence
			}
			// The shorter consensus timeout only applies when the quorum can
			// resolve without every participant; a unanimous-threshold round
			// rides the full budget for stragglers.
			if secondaryC == nil && e.threshold < 1.0 {
				secondaryC = e.clk.After(e.secondary)
			}

		case <-settleC:
			settled = true

		case <-secondaryC:
			if sum >= required {
				resolveOnSettle = true
				secondaryC = nil
				continue
			}
			e.log.Info("consensus timeout", "command", commandID, "responded", len(responded), "of", n)
			return Outcome{Decision: Wait}

		case <-budgetC:
			missing := make([]string, 0, n-len(responded))
			for id := range rs.participants {
				if _, ok := responded[id]; !ok {
					missing = append(missing, id)
				}
			}
			e.log.Warn("sync budget exceeded", "command", commandID, "unresponsive", missing)
			return Outcome{Decision: Wait, Unresponsive: missing}

		case <-rs.cancel:
			return Outcome{Decision: Canceled}

		case <-ctx.Done():
			return Outcome{Decision: Canceled}
		}
	}
}
