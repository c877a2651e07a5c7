package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/events"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

type nopConn struct {
	mu         sync.Mutex
	closedCode int
}

func (c *nopConn) Send([]byte) bool { return true }
func (c *nopConn) CloseWithCode(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedCode = code
}

func (c *nopConn) closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedCode
}

func testRegistry(token string) *Registry {
	return New(logging.Discard(), clock.Real{}, events.New(), token, 5*time.Second)
}

func register(t *testing.T, r *Registry, priority int) (*Agent, *protocol.RegistrationResult) {
	t.Helper()
	a, res, err := r.Register(&nopConn{}, protocol.RegistrationParams{
		Layer:    "popup",
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return a, res
}

func TestHandshakeLifecycle(t *testing.T) {
	r := testRegistry("")
	a, res := register(t, r, 5)

	if a.State != StateChallengePending {
		t.Fatalf("state = %v, want challenge_pending", a.State)
	}
	if len(res.Challenge) != 32 {
		t.Fatalf("challenge length = %d, want 32", len(res.Challenge))
	}
	if res.AssignedID != a.ID || res.ProtocolVersion != protocol.HubProtocolVersion {
		t.Fatalf("result = %+v", res)
	}

	if !r.CompleteChallenge(a.ID, res.Challenge) {
		t.Fatal("correct nonce echo rejected")
	}
	got, _ := r.Get(a.ID)
	if got.State != StateReady {
		t.Fatalf("state = %v, want ready", got.State)
	}
}

func TestChallengeNonceUniquePerHandshake(t *testing.T) {
	r := testRegistry("")
	_, res1 := register(t, r, 5)
	_, res2 := register(t, r, 5)
	if res1.Challenge == res2.Challenge {
		t.Fatal("two handshakes issued the same nonce")
	}
}

func TestWrongNonceRemovesAgent(t *testing.T) {
	r := testRegistry("")
	a, _ := register(t, r, 5)

	if r.CompleteChallenge(a.ID, "not-the-nonce") {
		t.Fatal("wrong nonce accepted")
	}
	if _, ok := r.Get(a.ID); ok {
		t.Fatal("agent survived a failed challenge")
	}
}

func TestAuthTokenPlainMismatch(t *testing.T) {
	r := testRegistry("hub-secret")

	_, _, err := r.Register(&nopConn{}, protocol.RegistrationParams{AuthToken: "wrong"})
	if err != ErrAuthFailed {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if _, _, err := r.Register(&nopConn{}, protocol.RegistrationParams{AuthToken: "hub-secret"}); err != nil {
		t.Fatalf("matching token rejected: %v", err)
	}
}

func TestAuthTokenBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hub-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	r := testRegistry(string(hash))

	if _, _, err := r.Register(&nopConn{}, protocol.RegistrationParams{AuthToken: "hub-secret"}); err != nil {
		t.Fatalf("matching token rejected: %v", err)
	}
	if _, _, err := r.Register(&nopConn{}, protocol.RegistrationParams{AuthToken: "wrong"}); err != ErrAuthFailed {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestRelevantFiltersByPriority(t *testing.T) {
	r := testRegistry("")
	for _, prio := range []int{0, 5, 10, 11, 50} {
		a, res := register(t, r, prio)
		r.CompleteChallenge(a.ID, res.Challenge)
	}

	relevant := r.Relevant()
	if len(relevant) != 3 {
		t.Fatalf("relevant agents = %d, want 3 (priority <= 10)", len(relevant))
	}
	for i := 1; i < len(relevant); i++ {
		if relevant[i-1].Priority > relevant[i].Priority {
			t.Fatal("relevant agents not sorted by priority")
		}
	}
}

func TestSelectorUnionDeduplicates(t *testing.T) {
	r := testRegistry("")
	for _, sels := range [][]string{{".modal", ".toast"}, {".toast", ".banner"}} {
		a, res, err := r.Register(&nopConn{}, protocol.RegistrationParams{Priority: 1, Selectors: sels})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		r.CompleteChallenge(a.ID, res.Challenge)
	}

	union := r.SelectorUnion()
	if len(union) != 3 {
		t.Fatalf("union = %v, want 3 unique selectors", union)
	}
}

func TestRemoveRunsEvictHookFirst(t *testing.T) {
	r := testRegistry("")
	var evicted string
	r.OnEvict(func(id string) { evicted = id })

	a, res := register(t, r, 5)
	r.CompleteChallenge(a.ID, res.Challenge)
	r.Remove(a.ID, "disconnect")

	if evicted != a.ID {
		t.Fatalf("evict hook saw %q, want %q", evicted, a.ID)
	}
	if _, ok := r.Get(a.ID); ok {
		t.Fatal("agent still present after remove")
	}
}

func TestHeartbeatTimeoutEvictsAgent(t *testing.T) {
	fake := clock.NewFake()
	r := New(logging.Discard(), fake, events.New(), "", 5*time.Second)

	var evicted string
	var evictMu sync.Mutex
	r.OnEvict(func(id string) {
		evictMu.Lock()
		defer evictMu.Unlock()
		evicted = id
	})

	conn := &nopConn{}
	a, res, err := r.Register(conn, protocol.RegistrationParams{Layer: "popup", Priority: 5})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	r.CompleteChallenge(a.ID, res.Challenge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Keep moving the clock until a supervisor tick lands with lastSeen
	// past the timeout. Repeated advances ride out supervisor startup.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Get(a.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale agent never evicted")
		}
		fake.Advance(6 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	if conn.closed() != 1000 {
		t.Fatalf("close code = %d, want 1000", conn.closed())
	}
	evictMu.Lock()
	defer evictMu.Unlock()
	if evicted != a.ID {
		t.Fatalf("evict hook saw %q, want %q", evicted, a.ID)
	}
}

func TestPendingAgentIsNotRelevant(t *testing.T) {
	r := testRegistry("")
	register(t, r, 5) // never completes the challenge

	if len(r.Relevant()) != 0 {
		t.Fatal("challenge-pending agent counted as relevant")
	}
	if len(r.ReadyInfo()) != 0 {
		t.Fatal("challenge-pending agent in visibility snapshot")
	}
}
