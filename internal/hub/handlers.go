package hub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cba-labs/starlight-hub/internal/audit"
	"github.com/cba-labs/starlight-hub/internal/consensus"
	"github.com/cba-labs/starlight-hub/internal/gateway"
	"github.com/cba-labs/starlight-hub/internal/protocol"
	"github.com/cba-labs/starlight-hub/internal/registry"
)

// driverCallTimeout bounds hub-initiated driver calls made outside the
// pipeline loop (page context queries, lock-holder actions).
const driverCallTimeout = 15 * time.Second

// HandleOpen informs the new peer of every agent already READY.
func (h *Hub) HandleOpen(c *gateway.Conn) {
	for _, info := range h.reg.ReadyInfo() {
		c.Notify(protocol.MethodAgentReady, protocol.AgentNoticeParams{
			ID:           info.ID,
			Layer:        info.Layer,
			Capabilities: info.Capabilities,
		})
	}
}

// HandleClose removes a departed agent; a departed client needs no cleanup.
func (h *Hub) HandleClose(c *gateway.Conn) {
	if id := c.AgentID(); id != "" {
		h.reg.Remove(id, "disconnect")
		h.broadcastOrdered(protocol.MethodAgentLeft, protocol.AgentNoticeParams{ID: id, Reason: "disconnect"})
	}
}

// HandleMessage routes one shape-valid envelope. Lane assignment already
// happened at the gateway; this applies handshake gating and semantics.
func (h *Hub) HandleMessage(c *gateway.Conn, env *protocol.Envelope) {
	kind := env.Kind()

	if agentID := c.AgentID(); agentID != "" {
		h.reg.Touch(agentID)
	}

	switch kind {
	case protocol.MethodRegistration:
		h.handleRegistration(c, env)
		return
	case protocol.MethodChallengeResponse:
		h.handleChallengeResponse(c, env)
		return
	}

	// Liveness traffic is accepted in any handshake state; the Touch above
	// already refreshed the sender.
	if protocol.LivenessBypass[kind] {
		if kind == protocol.MethodContextUpdate {
			h.handleContextUpdate(c, env)
		}
		return
	}

	if protocol.ClientAllowlist[kind] {
		h.handleClientMethod(c, env)
		return
	}

	// Everything below is an agent interaction and requires READY.
	agent, ok := h.readyAgent(c)
	if !ok {
		c.SendError(env.ID, protocol.CodeHandshakeViolation, "method requires a completed handshake")
		return
	}

	switch kind {
	case protocol.MethodClear:
		h.handleVote(c, env, agent, consensus.VoteClear)
	case protocol.MethodWait:
		h.handleVote(c, env, agent, consensus.VoteWait)
	case protocol.MethodHijack:
		h.handleHijack(c, env, agent)
	case protocol.MethodResume:
		h.handleResume(c, env, agent)
	case protocol.MethodAction:
		h.handleAction(c, env, agent)
	case protocol.MethodSidetalk:
		h.handleSidetalk(c, env, agent)
	case protocol.MethodError:
		h.handleErrorReport(env, agent)
	case protocol.MethodEntropyStream:
		var p protocol.EntropyStreamParams
		if env.DecodeParams(&p) == nil {
			h.ReportEntropy(p.Mutations, p.Entropy)
		}
	default:
		c.SendError(env.ID, protocol.CodeInvalidRequest, "method not accepted from peers")
	}
}

func (h *Hub) readyAgent(c *gateway.Conn) (*registry.Agent, bool) {
	id := c.AgentID()
	if id == "" {
		return nil, false
	}
	a, ok := h.reg.Get(id)
	if !ok || a.State != registry.StateReady {
		return nil, false
	}
	return a, true
}

func (h *Hub) handleRegistration(c *gateway.Conn, env *protocol.Envelope) {
	var p protocol.RegistrationParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	agent, result, err := h.reg.Register(c, p)
	if err != nil {
		if errors.Is(err, registry.ErrAuthFailed) {
			c.CloseWithCode(protocol.CloseAuthFailed, "auth token mismatch")
			return
		}
		c.SendError(env.ID, protocol.CodeInternal, err.Error())
		return
	}

	c.BindAgent(agent.ID)
	c.SendResult(env.ID, result)
}

func (h *Hub) handleChallengeResponse(c *gateway.Conn, env *protocol.Envelope) {
	var p protocol.ChallengeResponseParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	agentID := c.AgentID()
	if agentID == "" || !h.reg.CompleteChallenge(agentID, p.Response) {
		c.CloseWithCode(protocol.CloseChallengeFailed, "challenge failed")
		return
	}

	c.SendResult(env.ID, map[string]any{"status": "ready"})
	if a, ok := h.reg.Get(agentID); ok {
		h.broadcastOrdered(protocol.MethodAgentReady, protocol.AgentNoticeParams{
			ID:           a.ID,
			Layer:        a.Layer,
			Capabilities: a.Capabilities,
		})
	}
}

// handleContextUpdate merges shared mission context and rebroadcasts the
// merged snapshot as a sovereign_update.
func (h *Hub) handleContextUpdate(c *gateway.Conn, env *protocol.Envelope) {
	var p protocol.ContextUpdateParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if len(p.Context) == 0 {
		return
	}
	merged := h.mergeContext(p.Context)
	h.broadcastOrdered(protocol.MethodSovereignUpdate, protocol.SovereignUpdateParams{Context: merged})
}

func (h *Hub) handleVote(c *gateway.Conn, env *protocol.Envelope, agent *registry.Agent, kind consensus.VoteKind) {
	var p protocol.VoteParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	confidence := 1.0
	if p.Confidence != nil {
		confidence = *p.Confidence
	}
	h.eng.Deliver(agent.ID, kind, confidence, time.Duration(p.RetryAfterMs)*time.Millisecond)
}

func (h *Hub) handleHijack(c *gateway.Conn, env *protocol.Envelope, agent *registry.Agent) {
	var p protocol.HijackParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	granted := h.pipe.Hijack(ctx, agent.ID, p.Reason)
	c.SendResult(env.ID, map[string]any{"granted": granted})
}

func (h *Hub) handleResume(c *gateway.Conn, env *protocol.Envelope, agent *registry.Agent) {
	var p protocol.ResumeParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	released := h.pipe.Resume(agent.ID, p.ReCheck)
	c.SendResult(env.ID, map[string]any{"released": released})
}

func (h *Hub) handleAction(c *gateway.Conn, env *protocol.Envelope, agent *registry.Agent) {
	var p protocol.ActionParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	result, err := h.pipe.Action(ctx, agent.ID, p)
	if err != nil {
		c.SendError(env.ID, protocol.CodeInternal, err.Error())
		return
	}
	c.SendResult(env.ID, map[string]any{"result": result})
}

// handleSidetalk relays a message between sentinels, addressed by layer name
// so peers need not learn each other's assigned ids. "*" broadcasts to every
// READY agent except the sender; an unknown layer gets an undeliverable ack
// listing who is available.
func (h *Hub) handleSidetalk(c *gateway.Conn, env *protocol.Envelope, agent *registry.Agent) {
	var p protocol.SidetalkParams
	if err := env.DecodeParams(&p); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	p.From = agent.Layer

	relay := protocol.Marshal(protocol.NewNotification(protocol.MethodSidetalk, p))
	ack := protocol.SidetalkAckParams{Status: "delivered"}
	if env.ID != nil {
		if s, ok := env.ID.(string); ok {
			ack.OriginalID = s
		}
	}

	delivered := 0
	for _, a := range h.reg.Ready() {
		if a.ID == agent.ID {
			continue
		}
		if p.To == "*" || a.Layer == p.To {
			a.Conn.Send(relay)
			delivered++
		}
	}
	if p.To != "*" && delivered == 0 {
		ack.Status = "undeliverable"
		ack.Reason = "no such sentinel"
		for _, a := range h.reg.Ready() {
			ack.AvailableSentinels = append(ack.AvailableSentinels, a.Layer)
		}
	}

	c.Notify(protocol.MethodSidetalkAck, ack)
}

func (h *Hub) handleErrorReport(env *protocol.Envelope, agent *registry.Agent) {
	var p protocol.ErrorReportParams
	if err := env.DecodeParams(&p); err != nil {
		return
	}
	h.log.Warn("sentinel error", "agent", agent.ID, "error", p.Error)
	h.trace.Append(audit.Entry{
		Ts:      audit.NowMs(h.clk.Now()),
		Kind:    audit.KindSentinelError,
		Agent:   agent.ID,
		Summary: p.Error,
	})
	// A failing sentinel counts as responded in an open round, so consensus
	// does not wait out the budget on its account.
	h.eng.Deliver(agent.ID, consensus.VoteError, 0, 0)
}

// handleClientMethod serves the client-lane allowlist.
func (h *Hub) handleClientMethod(c *gateway.Conn, env *protocol.Envelope) {
	switch env.Kind() {
	case protocol.MethodIntent:
		h.handleIntent(c, env)

	case protocol.MethodFinish:
		var p protocol.FinishParams
		_ = env.DecodeParams(&p)
		reason := p.Reason
		if reason == "" {
			reason = "client finish"
		}
		c.SendResult(env.ID, map[string]any{"status": "finishing"})
		go h.Shutdown(reason)

	case protocol.MethodGetPageContext:
		ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
		defer cancel()
		pc, err := h.drv.PageContext(ctx)
		if err != nil {
			c.SendError(env.ID, protocol.CodeInternal, err.Error())
			return
		}
		c.SendResult(env.ID, pc)

	case protocol.MethodRecordingStart, protocol.MethodRecordingStop:
		// Recorder serialization lives outside the hub; acknowledge so SDK
		// clients do not stall.
		c.SendResult(env.ID, map[string]any{"status": "ok"})
	}
}

func (h *Hub) handleIntent(c *gateway.Conn, env *protocol.Envelope) {
	var cmd protocol.Command
	if err := env.DecodeParams(&cmd); err != nil {
		c.SendError(env.ID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if cmd.Cmd == "" {
		c.SendError(env.ID, protocol.CodeInvalidRequest, "intent requires a cmd")
		return
	}
	if cmd.NeedsSelector() && cmd.Selector == "" && cmd.Goal == "" {
		c.SendError(env.ID, protocol.CodeInvalidRequest, "intent requires a selector or goal")
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.ClientID = c.ID

	h.pipe.Enqueue(&cmd)
	c.SendResult(env.ID, map[string]any{"queued": true, "commandId": cmd.ID})
}
