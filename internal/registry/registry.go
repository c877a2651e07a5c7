// Package registry tracks connected sentinel agents through the handshake
// state machine and supervises their liveness.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/events"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/metrics"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

// State is the handshake position of an agent.
type State int

const (
	StateUnauthenticated State = iota
	StateChallengePending
	StateReady
)

func (s State) String() string {
	switch s {
	case StateChallengePending:
		return "challenge_pending"
	case StateReady:
		return "ready"
	default:
		return "unauthenticated"
	}
}

// Conn is what the registry needs from a peer connection. The gateway's
// websocket conn implements it.
type Conn interface {
	// Send enqueues an outbound frame without blocking. False means the
	// peer's buffer is full or the connection is closing.
	Send(data []byte) bool
	// CloseWithCode closes the connection with a websocket policy code.
	CloseWithCode(code int, reason string)
}

// Agent is one registered sentinel. Fields are guarded by the registry lock.
type Agent struct {
	ID           string
	Layer        string
	Priority     int
	Selectors    []string
	Capabilities []string
	Version      string

	State    State
	Nonce    string
	LastSeen time.Time
	Conn     Conn
}

// Info is the read-only visibility summary broadcast to peers.
type Info struct {
	ID           string   `json:"id"`
	Layer        string   `json:"layer"`
	Priority     int      `json:"priority"`
	Capabilities []string `json:"capabilities"`
}

// maxRelevantPriority bounds which agents take part in consensus.
const maxRelevantPriority = 10

// heartbeatTick is the supervisor cadence; the eviction threshold is the
// configured heartbeat timeout.
const heartbeatTick = time.Second

// ErrAuthFailed is returned when registration presents a bad token. The
// gateway maps it to close code 4001.
var ErrAuthFailed = fmt.Errorf("registration auth token mismatch")

// Registry is the agent arena plus its heartbeat supervisor.
type Registry struct {
	log *logging.Logger
	clk clock.Clock
	bus *events.Bus

	authToken string
	timeout   time.Duration

	// onEvict runs whenever an agent leaves for any reason, before the
	// departure event is published. The hub uses it to release a held lock.
	onEvict func(agentID string)

	mu     sync.RWMutex
	agents map[string]*Agent
}

// New creates a registry. authToken may be a bcrypt hash (compared as such)
// or a plain shared secret (compared in constant time); empty disables the
// check.
func New(log *logging.Logger, clk clock.Clock, bus *events.Bus, authToken string, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		log:       log.With("component", "registry"),
		clk:       clk,
		bus:       bus,
		authToken: authToken,
		timeout:   heartbeatTimeout,
		agents:    make(map[string]*Agent),
	}
}

// OnEvict installs the departure hook. Call before Run.
func (r *Registry) OnEvict(fn func(agentID string)) { r.onEvict = fn }

// Register admits a new agent into CHALLENGE_PENDING and issues its nonce.
func (r *Registry) Register(conn Conn, p protocol.RegistrationParams) (*Agent, *protocol.RegistrationResult, error) {
	if err := r.checkToken(p.AuthToken); err != nil {
		return nil, nil, err
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("issue challenge: %w", err)
	}

	a := &Agent{
		ID:           uuid.NewString(),
		Layer:        p.Layer,
		Priority:     p.Priority,
		Selectors:    p.Selectors,
		Capabilities: p.Capabilities,
		Version:      p.Version,
		State:        StateChallengePending,
		Nonce:        nonce,
		LastSeen:     r.clk.Now(),
		Conn:         conn,
	}

	r.mu.Lock()
	r.agents[a.ID] = a
	r.mu.Unlock()

	r.log.Info("agent registered", "agent", a.ID, "layer", a.Layer, "priority", a.Priority)
	return a, &protocol.RegistrationResult{
		AssignedID:        a.ID,
		ProtocolVersion:   protocol.HubProtocolVersion,
		Challenge:         nonce,
		HeartbeatInterval: heartbeatTick.Milliseconds(),
	}, nil
}

func (r *Registry) checkToken(presented string) error {
	if r.authToken == "" {
		return nil
	}
	if strings.HasPrefix(r.authToken, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(r.authToken), []byte(presented)) != nil {
			return ErrAuthFailed
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(r.authToken), []byte(presented)) != 1 {
		return ErrAuthFailed
	}
	return nil
}

// newNonce returns 32 random hex characters.
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CompleteChallenge verifies the nonce echo and promotes the agent to READY.
// A wrong response removes the agent; the gateway closes with 4003.
func (r *Registry) CompleteChallenge(agentID, response string) bool {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok || a.State != StateChallengePending {
		r.mu.Unlock()
		return false
	}
	if subtle.ConstantTimeCompare([]byte(a.Nonce), []byte(response)) != 1 {
		delete(r.agents, agentID)
		r.mu.Unlock()
		r.log.Warn("challenge failed", "agent", agentID)
		return false
	}
	a.State = StateReady
	a.Nonce = ""
	a.LastSeen = r.clk.Now()
	layer := a.Layer
	r.mu.Unlock()

	metrics.AgentsConnected.Inc()
	r.log.Info("agent ready", "agent", agentID, "layer", layer)
	r.bus.Publish(events.Event{Type: events.EventAgentReady, AgentID: agentID, Layer: layer, Timestamp: r.clk.Now()})
	return true
}

// Touch refreshes an agent's liveness.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.LastSeen = r.clk.Now()
	}
}

// Get returns the agent by id.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Priority returns a READY agent's priority.
func (r *Registry) Priority(agentID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok || a.State != StateReady {
		return 0, false
	}
	return a.Priority, true
}

// Remove drops an agent for the given reason. The departure hook runs first
// so a held lock is released before anyone learns of the departure.
func (r *Registry) Remove(agentID, reason string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agentID)
	wasReady := a.State == StateReady
	layer := a.Layer
	r.mu.Unlock()

	if r.onEvict != nil {
		r.onEvict(agentID)
	}
	if wasReady {
		metrics.AgentsConnected.Dec()
		r.bus.Publish(events.Event{Type: events.EventAgentLeft, AgentID: agentID, Layer: layer, Message: reason, Timestamp: r.clk.Now()})
	}
	r.log.Info("agent removed", "agent", agentID, "reason", reason)
}

// Ready returns the READY agents in ascending priority order.
func (r *Registry) Ready() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.State == StateReady {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ReadyInfo is the visibility snapshot sent to newly opened connections.
func (r *Registry) ReadyInfo() []Info {
	ready := r.Ready()
	out := make([]Info, 0, len(ready))
	for _, a := range ready {
		out = append(out, Info{ID: a.ID, Layer: a.Layer, Priority: a.Priority, Capabilities: a.Capabilities})
	}
	return out
}

// Relevant returns the READY agents that take part in consensus.
func (r *Registry) Relevant() []*Agent {
	var out []*Agent
	for _, a := range r.Ready() {
		if a.Priority <= maxRelevantPriority {
			out = append(out, a)
		}
	}
	return out
}

// SelectorUnion merges the selector interests of the relevant agents.
func (r *Registry) SelectorUnion() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range r.Relevant() {
		for _, s := range a.Selectors {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// AnyRelevantCapability reports whether any relevant agent advertises the
// capability.
func (r *Registry) AnyRelevantCapability(cap string) bool {
	for _, a := range r.Relevant() {
		for _, c := range a.Capabilities {
			if c == cap {
				return true
			}
		}
	}
	return false
}

// Run drives the heartbeat supervisor until ctx is done. Each tick pings the
// READY agents and evicts any whose lastSeen exceeds the timeout.
func (r *Registry) Run(ctx context.Context) {
	ping := protocol.Marshal(protocol.NewNotification(protocol.MethodPing, map[string]any{}))
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(heartbeatTick):
		}

		now := r.clk.Now()
		var stale []string
		r.mu.RLock()
		for id, a := range r.agents {
			if a.State != StateReady {
				continue
			}
			if now.Sub(a.LastSeen) > r.timeout {
				stale = append(stale, id)
				continue
			}
			a.Conn.Send(ping)
		}
		r.mu.RUnlock()

		for _, id := range stale {
			metrics.Evictions.Inc()
			r.log.Warn("agent heartbeat timeout", "agent", id)
			if a, ok := r.Get(id); ok && a.Conn != nil {
				a.Conn.CloseWithCode(1000, "heartbeat timeout")
			}
			r.Remove(id, "heartbeat timeout")
		}
	}
}
