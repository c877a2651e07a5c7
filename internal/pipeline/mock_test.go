package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cba-labs/starlight-hub/internal/audit"
	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/config"
	"github.com/cba-labs/starlight-hub/internal/consensus"
	"github.com/cba-labs/starlight-hub/internal/driver"
	"github.com/cba-labs/starlight-hub/internal/events"
	"github.com/cba-labs/starlight-hub/internal/learning"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/protocol"
	"github.com/cba-labs/starlight-hub/internal/registry"
	"github.com/cba-labs/starlight-hub/internal/resolver"
)

// fakeConn implements registry.Conn, recording outbound frames.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	seen   chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{seen: make(chan []byte, 64)}
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	select {
	case c.seen <- data:
	default:
	}
	return true
}

func (c *fakeConn) CloseWithCode(int, string) {}

// firstFrame returns the first recorded frame containing the substring.
func (c *fakeConn) firstFrame(sub string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if strings.Contains(string(f), sub) {
			return f
		}
	}
	return nil
}

// countFrames returns how many recorded frames contain the substring.
func (c *fakeConn) countFrames(sub string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if strings.Contains(string(f), sub) {
			n++
		}
	}
	return n
}

// fakeBroadcaster records BroadcastAll calls and signals command
// completions.
type fakeBroadcaster struct {
	mu        sync.Mutex
	messages  []protocol.CommandCompleteParams
	completed chan protocol.CommandCompleteParams
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{completed: make(chan protocol.CommandCompleteParams, 16)}
}

func (b *fakeBroadcaster) BroadcastAll(kind protocol.MethodKind, params any) {
	if kind != protocol.MethodCommandComplete {
		return
	}
	cc, ok := params.(protocol.CommandCompleteParams)
	if !ok {
		return
	}
	b.mu.Lock()
	b.messages = append(b.messages, cc)
	b.mu.Unlock()
	b.completed <- cc
}

func (b *fakeBroadcaster) waitCompletion(t *testing.T) protocol.CommandCompleteParams {
	t.Helper()
	select {
	case cc := <-b.completed:
		return cc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command completion")
		return protocol.CommandCompleteParams{}
	}
}

// harness bundles a pipeline with its collaborators for tests.
type harness struct {
	pipe  *Pipeline
	reg   *registry.Registry
	eng   *consensus.Engine
	store *learning.Store
	trace *audit.Trace
	drv   driver.Driver
	bcast *fakeBroadcaster
	cfg   *config.Config
}

func newHarness(t *testing.T, drv driver.Driver) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SettlementWindow = 10 * time.Millisecond
	cfg.ConsensusTimeout = 100 * time.Millisecond
	cfg.SyncBudget = 2 * time.Second
	cfg.AuraPredictiveWait = 5 * time.Millisecond
	cfg.LockTTL = 100 * time.Millisecond
	cfg.TestMode = true

	log := logging.Discard()
	clk := clock.Real{}
	bus := events.New()
	store := learning.NewStore(cfg.MemoryFile())
	trace := audit.NewTrace(cfg.TraceFile(), cfg.TraceMaxEvents)
	shots := audit.NewScreenshots(cfg.ScreenshotDir(), 0, clk)
	reg := registry.New(log, clk, bus, "", cfg.HeartbeatTimeout)
	eng := consensus.New(log, clk, cfg.SyncBudget, cfg.ConsensusTimeout, cfg.SettlementWindow, cfg.QuorumThreshold)
	bcast := newFakeBroadcaster()

	pipe := New(Deps{
		Log:       log,
		Clock:     clk,
		Config:    cfg,
		Driver:    drv,
		Resolver:  &resolver.Resolver{ShadowEnabled: true, ShadowMaxDepth: 5},
		Store:     store,
		Auras:     learning.NewAuras(cfg.AuraBucket),
		Trace:     trace,
		Shots:     shots,
		Engine:    eng,
		Registry:  reg,
		Bus:       bus,
		Broadcast: bcast,
	})
	reg.OnEvict(pipe.ReleaseFor)

	return &harness{pipe: pipe, reg: reg, eng: eng, store: store, trace: trace, drv: drv, bcast: bcast, cfg: cfg}
}

// vote is one scripted consensus reply.
type vote struct {
	kind       consensus.VoteKind
	confidence float64
	retryAfter time.Duration
}

func clearVote() vote { return vote{kind: consensus.VoteClear, confidence: 1.0} }

func waitVote(retryAfter time.Duration) vote {
	return vote{kind: consensus.VoteWait, retryAfter: retryAfter}
}

// start runs the executor loop for the duration of the test.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pipe.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// addAgent registers an agent, completes its challenge and returns its id.
func (h *harness) addAgent(t *testing.T, conn *fakeConn, priority int, selectors []string) string {
	t.Helper()
	agent, result, err := h.reg.Register(conn, protocol.RegistrationParams{
		Layer:     "test",
		Priority:  priority,
		Selectors: selectors,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !h.reg.CompleteChallenge(agent.ID, result.Challenge) {
		t.Fatal("challenge failed")
	}
	return agent.ID
}

// voteOnPreChecks replies to every pre_check broadcast with the given votes,
// in order; the last vote repeats.
func (h *harness) voteOnPreChecks(t *testing.T, conn *fakeConn, agentID string, votes []vote) {
	t.Helper()
	go func() {
		i := 0
		for data := range conn.seen {
			if !strings.Contains(string(data), protocol.MethodPreCheck.Method()) {
				continue
			}
			v := votes[min(i, len(votes)-1)]
			i++
			// Retry delivery until the round is accepting.
			for j := 0; j < 200; j++ {
				if h.eng.Deliver(agentID, v.kind, v.confidence, v.retryAfter) {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

// decodePreCheck extracts the pre_check params from a frame.
func decodePreCheck(t *testing.T, data []byte) protocol.PreCheckParams {
	t.Helper()
	var env struct {
		Method string                  `json:"method"`
		Params protocol.PreCheckParams `json:"params"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode pre_check: %v", err)
	}
	return env.Params
}
