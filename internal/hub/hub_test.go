package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cba-labs/starlight-hub/internal/audit"
	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/config"
	"github.com/cba-labs/starlight-hub/internal/driver/drivertest"
	"github.com/cba-labs/starlight-hub/internal/learning"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

func TestSeedAurasFromPreviousTrace(t *testing.T) {
	auras := learning.NewAuras(500 * time.Millisecond)
	seedAuras(auras, []audit.Entry{
		{Ts: 10_000, Method: protocol.MethodRegistration.Method()},
		{Ts: 11_200, Method: protocol.MethodEntropyStream.Method()},
		{Ts: 12_000, Method: protocol.MethodCommandComplete.Method()},
		{Ts: 13_400, Method: protocol.MethodEntropyStream.Method()},
	})

	if auras.Count() != 2 {
		t.Fatalf("marked buckets = %d, want 2", auras.Count())
	}
	// 1200ms after that run's start, plus neighbors.
	if !auras.Unstable(1200 * time.Millisecond) {
		t.Fatal("entropy moment not marked")
	}
	if auras.Unstable(10 * time.Second) {
		t.Fatal("quiet moment marked unstable")
	}
}

func TestSeedAurasEmptyTrace(t *testing.T) {
	auras := learning.NewAuras(500 * time.Millisecond)
	seedAuras(auras, nil)
	if auras.Count() != 0 {
		t.Fatal("empty trace seeded buckets")
	}
}

func TestMergeContextAccumulates(t *testing.T) {
	h := newTestHub(t)

	first := h.mergeContext(map[string]any{"cart": "open"})
	if first["cart"] != "open" {
		t.Fatalf("snapshot = %v", first)
	}
	second := h.mergeContext(map[string]any{"user": "alice"})
	if second["cart"] != "open" || second["user"] != "alice" {
		t.Fatalf("snapshot = %v, want both keys", second)
	}
	// Snapshots are copies; mutating one must not leak into the hub.
	second["cart"] = "poisoned"
	third := h.mergeContext(nil)
	if third["cart"] != "open" {
		t.Fatal("snapshot aliasing leaked into shared context")
	}
}

func newTestHub(t *testing.T, opts ...func(*config.Config)) *Hub {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.TestMode = true
	cfg.MissionTimeout = 0
	for _, opt := range opts {
		opt(cfg)
	}
	return New(logging.Discard(), clock.Real{}, cfg, &drivertest.Fake{})
}

// wsPeer is one websocket client against a hub under httptest.
type wsPeer struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialHub(t *testing.T, srv *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &wsPeer{t: t, ws: ws}
}

func (p *wsPeer) send(raw string) {
	p.t.Helper()
	if err := p.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *wsPeer) call(method string, id any, params any) {
	p.t.Helper()
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  protocol.Namespace + method,
		"params":  params,
		"id":      id,
	})
	if err != nil {
		p.t.Fatal(err)
	}
	p.send(string(data))
}

// next reads frames until one matches pred, skipping broadcasts.
func (p *wsPeer) next(pred func(map[string]any) bool) map[string]any {
	p.t.Helper()
	p.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			p.t.Fatalf("read: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			p.t.Fatalf("unmarshal %s: %v", data, err)
		}
		if pred(msg) {
			return msg
		}
	}
}

func (p *wsPeer) response(id any) map[string]any {
	return p.next(func(m map[string]any) bool { return m["id"] == id })
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.Gateway().ServeWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func TestHandshakeOverWire(t *testing.T) {
	_, srv := startHub(t)
	peer := dialHub(t, srv)

	peer.call("registration", "r1", map[string]any{"layer": "popup", "priority": 3})
	res := peer.response("r1")
	result, _ := res["result"].(map[string]any)
	challenge, _ := result["challenge"].(string)
	if len(challenge) != 32 {
		t.Fatalf("challenge = %q", challenge)
	}

	peer.call("challenge_response", "r2", map[string]any{"response": challenge})
	res = peer.response("r2")
	result, _ = res["result"].(map[string]any)
	if result["status"] != "ready" {
		t.Fatalf("result = %v", res)
	}
}

func TestUnknownMethodGetsInvalidRequest(t *testing.T) {
	_, srv := startHub(t)
	peer := dialHub(t, srv)

	peer.send(`{"jsonrpc":"2.0","method":"starlight.teleport","params":{},"id":1}`)
	res := peer.next(func(m map[string]any) bool { return m["error"] != nil })
	errObj := res["error"].(map[string]any)
	if errObj["code"] != float64(-32600) {
		t.Fatalf("code = %v, want -32600", errObj["code"])
	}
	if res["id"] != nil {
		t.Fatalf("id = %v, want null", res["id"])
	}
}

func TestAgentMethodBeforeHandshakeIsRejected(t *testing.T) {
	_, srv := startHub(t)
	peer := dialHub(t, srv)

	peer.call("hijack", "h1", map[string]any{"reason": "popup"})
	res := peer.response("h1")
	errObj, _ := res["error"].(map[string]any)
	if errObj == nil || errObj["code"] != float64(-32001) {
		t.Fatalf("response = %v, want handshake violation", res)
	}
}

func TestRegistrationAuthFailureCloses4001(t *testing.T) {
	h := newTestHub(t, func(cfg *config.Config) { cfg.AuthToken = "hub-secret" })
	srv := httptest.NewServer(http.HandlerFunc(h.Gateway().ServeWS))
	t.Cleanup(srv.Close)

	peer := dialHub(t, srv)
	peer.call("registration", "r1", map[string]any{"authToken": "wrong"})

	peer.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := peer.ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != protocol.CloseAuthFailed {
		t.Fatalf("err = %v, want close %d", err, protocol.CloseAuthFailed)
	}
}

func TestIntentQueuesCommand(t *testing.T) {
	h, srv := startHub(t)
	peer := dialHub(t, srv)

	peer.call("intent", "i1", map[string]any{"cmd": "goto", "url": "https://example.test"})
	res := peer.response("i1")
	result, _ := res["result"].(map[string]any)
	if result["queued"] != true || result["commandId"] == "" {
		t.Fatalf("result = %v", res)
	}
	if h.QueueLen() != 1 {
		t.Fatalf("queue = %d, want 1", h.QueueLen())
	}
}

func TestFinishShutsDownAndCloses(t *testing.T) {
	h, srv := startHub(t)
	done := make(chan string, 1)
	h.OnFinish(func(reason string) { done <- reason })

	peer := dialHub(t, srv)
	peer.call("finish", "f1", map[string]any{"reason": "all steps done"})
	res := peer.response("f1")
	result, _ := res["result"].(map[string]any)
	if result["status"] != "finishing" {
		t.Fatalf("result = %v", res)
	}

	select {
	case reason := <-done:
		if reason != "all steps done" {
			t.Fatalf("reason = %q", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("finish callback never fired")
	}
}

func TestFinishAckArrivesBeforeClose(t *testing.T) {
	_, srv := startHub(t)
	peer := dialHub(t, srv)

	peer.call("finish", "f1", map[string]any{"reason": "done"})

	// The queued ack must be flushed before the shutdown close frame lands.
	res := peer.response("f1")
	result, _ := res["result"].(map[string]any)
	if result["status"] != "finishing" {
		t.Fatalf("result = %v", res)
	}

	peer.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := peer.ws.ReadMessage()
		if err == nil {
			continue // shutdown broadcasts may precede the close
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok || closeErr.Code != websocket.CloseGoingAway {
			t.Fatalf("err = %v, want close 1001", err)
		}
		return
	}
}
