package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20

	sendBufferSize = 64
)

// Lane is the admission class of a connection, decided by its first
// substantive method. Agents complete the challenge handshake; mission
// clients do not.
type Lane int

const (
	LaneUnknown Lane = iota
	LaneAgent
	LaneClient
)

// Conn is one websocket peer. A single writer goroutine owns the socket;
// everything outbound goes through the buffered send channel.
type Conn struct {
	ID string

	ws   *websocket.Conn
	send chan []byte
	log  *logging.Logger

	closeOnce sync.Once
	closed    chan struct{}

	// bearerOK records whether the peer presented a valid bearer token at
	// upgrade time. Checked before client-lane methods are dispatched.
	bearerOK bool

	mu      sync.Mutex
	lane    Lane
	agentID string
}

func newConn(ws *websocket.Conn, log *logging.Logger, bearerOK bool) *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		log:      log,
		closed:   make(chan struct{}),
		bearerOK: bearerOK,
	}
}

// Lane returns the connection's admission lane.
func (c *Conn) Lane() Lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lane
}

// SetLane assigns the admission lane once; later calls are ignored.
func (c *Conn) SetLane(l Lane) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lane == LaneUnknown {
		c.lane = l
	}
}

// AgentID returns the registered agent id bound to this connection.
func (c *Conn) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// BindAgent associates the connection with a registered agent.
func (c *Conn) BindAgent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = id
}

// Send enqueues a frame without blocking. False means the peer is too slow
// or the connection is closing; the frame is dropped.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendResult replies to a request id with a result.
func (c *Conn) SendResult(id, result any) {
	c.Send(protocol.Marshal(protocol.NewResult(id, result)))
}

// SendError replies to a request id with a JSON-RPC error.
func (c *Conn) SendError(id any, code int, message string) {
	c.Send(protocol.Marshal(protocol.NewError(id, code, message)))
}

// Notify sends a hub notification to this peer.
func (c *Conn) Notify(kind protocol.MethodKind, params any) {
	c.Send(protocol.Marshal(protocol.NewNotification(kind, params)))
}

// CloseWithCode sends a close frame with a policy code and tears down. Frames
// already queued on the send channel are given a grace window to flush first,
// so a reply enqueued just before shutdown still reaches the peer.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		drainDeadline := time.Now().Add(writeWait)
		for len(c.send) > 0 && time.Now().Before(drainDeadline) {
			time.Sleep(time.Millisecond)
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// readPump delivers inbound frames to the handler until the peer goes away.
// Runs on the connection's reader goroutine.
func (c *Conn) readPump(g *Gateway) {
	defer func() {
		g.drop(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxMsgSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read error", "conn", c.ID, "error", err)
			}
			return
		}
		g.dispatch(c, data)
	}
}

// writePump is the connection's single writer: frames from the send channel
// plus keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
