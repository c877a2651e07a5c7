package protocol

// RegistrationParams opens the agent handshake.
type RegistrationParams struct {
	Layer        string   `json:"layer"`
	Priority     int      `json:"priority"`
	Capabilities []string `json:"capabilities"`
	Selectors    []string `json:"selectors"`
	AuthToken    string   `json:"authToken,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// RegistrationResult is the hub's reply to a registration.
type RegistrationResult struct {
	AssignedID        string `json:"assignedId"`
	ProtocolVersion   string `json:"protocolVersion"`
	Challenge         string `json:"challenge"`
	HeartbeatInterval int64  `json:"heartbeatInterval"` // milliseconds
}

// ChallengeResponseParams completes the handshake by echoing the nonce.
type ChallengeResponseParams struct {
	Response string `json:"response"`
}

// VoteParams carries a clear or wait vote in a consensus round.
type VoteParams struct {
	Confidence   *float64 `json:"confidence,omitempty"` // default 1.0
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
}

// HijackParams requests the preemption lock.
type HijackParams struct {
	Reason string `json:"reason"`
}

// ResumeParams releases the preemption lock.
type ResumeParams struct {
	ReCheck bool `json:"re_check"`
}

// ActionParams is a lock-holder's direct browser action, executed without
// pre-check.
type ActionParams struct {
	Cmd      string   `json:"cmd"`
	Selector string   `json:"selector,omitempty"`
	Text     string   `json:"text,omitempty"`
	Value    string   `json:"value,omitempty"`
	Key      string   `json:"key,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// FinishParams is the client's shutdown request.
type FinishParams struct {
	Reason string `json:"reason"`
}

// SidetalkParams relays a message between sentinels. To may be "*" for
// broadcast.
type SidetalkParams struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	ReplyTo string         `json:"replyTo,omitempty"`
}

// SidetalkAckParams reports side-talk delivery back to the sender.
type SidetalkAckParams struct {
	OriginalID         string   `json:"originalId,omitempty"`
	Status             string   `json:"status"` // "delivered" or "undeliverable"
	Reason             string   `json:"reason,omitempty"`
	AvailableSentinels []string `json:"availableSentinels,omitempty"`
}

// ErrorReportParams is an agent-reported error.
type ErrorReportParams struct {
	Error string `json:"error"`
	Stack string `json:"stack,omitempty"`
}

// ContextUpdateParams merges data into the hub's shared context.
type ContextUpdateParams struct {
	Context map[string]any `json:"context"`
}

// Rect is a pre-computed target rectangle for overlap analysis.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PreCheckParams opens a consensus round with the relevant agents.
type PreCheckParams struct {
	Command      *Command `json:"command"`
	Blocking     []string `json:"blocking"`
	TargetRect   *Rect    `json:"targetRect,omitempty"`
	Screenshot   string   `json:"screenshot,omitempty"` // base64 JPEG
	PageText     string   `json:"page_text,omitempty"`
	A11ySnapshot any      `json:"a11y_snapshot,omitempty"`
}

// EntropyStreamParams carries DOM mutation evidence to agents.
type EntropyStreamParams struct {
	Mutations int     `json:"mutations"`
	Entropy   float64 `json:"entropy"`
}

// SovereignUpdateParams broadcasts the merged shared context.
type SovereignUpdateParams struct {
	Context map[string]any `json:"context"`
}

// AgentNoticeParams announces agent membership changes to all peers.
type AgentNoticeParams struct {
	ID           string   `json:"id"`
	Layer        string   `json:"layer"`
	Capabilities []string `json:"capabilities,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// CommandCompleteParams is broadcast to clients after each terminal command
// outcome. Type is fixed to "COMMAND_COMPLETE" for SDK compatibility.
type CommandCompleteParams struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Learned    bool           `json:"learned,omitempty"`
	SelfHealed bool           `json:"selfHealed,omitempty"`
	Forced     bool           `json:"forcedProceed,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}
