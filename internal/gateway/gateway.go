// Package gateway owns the websocket transport: upgrading connections,
// validating envelope shape, assigning admission lanes and demultiplexing to
// the hub. Semantics live behind the Handler interface.
package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/cba-labs/starlight-hub/internal/audit"
	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/protocol"
	"github.com/cba-labs/starlight-hub/internal/redact"
)

// Handler consumes admitted envelopes. The hub implements it.
type Handler interface {
	// HandleOpen runs after the connection is established, before any read.
	HandleOpen(c *Conn)
	// HandleMessage runs for every shape-valid envelope.
	HandleMessage(c *Conn, env *protocol.Envelope)
	// HandleClose runs once when the connection goes away.
	HandleClose(c *Conn)
}

// Gateway is the websocket front door.
type Gateway struct {
	log      *logging.Logger
	clk      clock.Clock
	handler  Handler
	trace    *audit.Trace
	redactor redact.Redactor

	// jwtSecret, when set, validates bearer tokens presented by mission
	// clients at upgrade time. Agents authenticate in-band instead.
	jwtSecret string

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a gateway dispatching to handler.
func New(log *logging.Logger, clk clock.Clock, handler Handler, trace *audit.Trace, redactor redact.Redactor, jwtSecret string) *Gateway {
	return &Gateway{
		log:       log.With("component", "gateway"),
		clk:       clk,
		handler:   handler,
		trace:     trace,
		redactor:  redactor,
		jwtSecret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeWS upgrades an HTTP request to the hub websocket.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	bearerOK, err := g.checkBearer(r)
	if err != nil {
		g.log.Warn("upgrade rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, g.log, bearerOK)
	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()

	g.log.Info("peer connected", "conn", c.ID, "remote", r.RemoteAddr)
	go c.writePump()
	g.handler.HandleOpen(c)
	go c.readPump(g)
}

// checkBearer validates the client bearer token when a secret is configured.
// A missing header is not an upgrade error, because agents authenticate
// through the registration handshake instead; it does mean the connection
// never earns client-lane access. A present-but-invalid token rejects the
// upgrade outright.
func (g *Gateway) checkBearer(r *http.Request) (bool, error) {
	if g.jwtSecret == "" {
		return true, nil
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return false, nil
	}
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false, fmt.Errorf("malformed authorization header")
	}
	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(g.jwtSecret), nil
	})
	if err != nil {
		return false, fmt.Errorf("bearer token: %w", err)
	}
	return true, nil
}

// dispatch validates shape, assigns the admission lane, records the trace
// summary and hands the envelope to the hub.
func (g *Gateway) dispatch(c *Conn, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		g.log.Debug("invalid envelope", "conn", c.ID, "error", err)
		c.SendError(nil, protocol.CodeInvalidRequest, err.Error())
		return
	}

	kind := env.Kind()
	switch {
	case kind == protocol.MethodRegistration:
		c.SetLane(LaneAgent)
	case protocol.ClientAllowlist[kind]:
		if !c.bearerOK {
			g.log.Warn("client method without bearer token", "conn", c.ID, "method", env.Method)
			c.SendError(env.ID, protocol.CodeHandshakeViolation, "client bearer token required")
			return
		}
		c.SetLane(LaneClient)
	}

	g.trace.Append(audit.Entry{
		Ts:      audit.NowMs(g.clk.Now()),
		Method:  env.Method,
		Summary: g.redactor.Redact(paramsSummary(env)),
	})

	g.handler.HandleMessage(c, env)
}

// summaryLimit bounds how much of a params blob reaches the trace.
const summaryLimit = 200

func paramsSummary(env *protocol.Envelope) string {
	s := string(env.Params)
	if len(s) > summaryLimit {
		s = s[:summaryLimit] + "…"
	}
	return s
}

// drop unregisters a connection and notifies the hub.
func (g *Gateway) drop(c *Conn) {
	g.mu.Lock()
	_, present := g.conns[c.ID]
	delete(g.conns, c.ID)
	g.mu.Unlock()
	if present {
		g.log.Info("peer disconnected", "conn", c.ID)
		g.handler.HandleClose(c)
	}
}

// BroadcastAll fans a notification out to every connected peer.
func (g *Gateway) BroadcastAll(kind protocol.MethodKind, params any) {
	data := protocol.Marshal(protocol.NewNotification(kind, params))
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		c.Send(data)
	}
}

// BroadcastClients fans a notification out to client-lane peers only.
func (g *Gateway) BroadcastClients(kind protocol.MethodKind, params any) {
	data := protocol.Marshal(protocol.NewNotification(kind, params))
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		if c.Lane() == LaneClient {
			c.Send(data)
		}
	}
}

// ConnCount returns the number of open connections.
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// CloseAll tears down every connection. Used at shutdown.
func (g *Gateway) CloseAll(code int, reason string) {
	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	for _, c := range conns {
		c.CloseWithCode(code, reason)
	}
}
