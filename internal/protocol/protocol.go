// Package protocol defines the Starlight wire protocol: JSON-RPC 2.0
// envelopes over a single WebSocket, all methods under the "starlight."
// namespace. The gateway validates shape here; semantics live elsewhere.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the JSON-RPC protocol tag every envelope must carry.
const Version = "2.0"

// Namespace prefixes every method name.
const Namespace = "starlight."

// HubProtocolVersion is reported to agents in the registration response.
const HubProtocolVersion = "1.2"

// JSON-RPC error codes.
const (
	CodeInvalidRequest     = -32600 // malformed envelope or unknown method
	CodeHandshakeViolation = -32001 // method not allowed before READY
	CodeInternal           = -32603
)

// WebSocket close policy codes.
const (
	CloseAuthFailed      = 4001 // registration auth token mismatch
	CloseChallengeFailed = 4003 // challenge response did not echo the nonce
)

// MethodKind is the closed set of recognized methods. Unknown methods are
// validation errors, not extension points.
type MethodKind int

const (
	MethodUnknown MethodKind = iota

	// Peer -> hub.
	MethodRegistration
	MethodChallengeResponse
	MethodPulse
	MethodPong
	MethodContextUpdate
	MethodClear
	MethodWait
	MethodHijack
	MethodResume
	MethodAction
	MethodIntent
	MethodFinish
	MethodSidetalk
	MethodError
	MethodGetPageContext
	MethodRecordingStart
	MethodRecordingStop

	// Hub -> peer.
	MethodPreCheck
	MethodPing
	MethodSovereignUpdate
	MethodEntropyStream
	MethodSidetalkAck
	MethodAgentReady
	MethodAgentLeft
	MethodCommandComplete
)

var methodNames = map[MethodKind]string{
	MethodRegistration:      "registration",
	MethodChallengeResponse: "challenge_response",
	MethodPulse:             "pulse",
	MethodPong:              "pong",
	MethodContextUpdate:     "context_update",
	MethodClear:             "clear",
	MethodWait:              "wait",
	MethodHijack:            "hijack",
	MethodResume:            "resume",
	MethodAction:            "action",
	MethodIntent:            "intent",
	MethodFinish:            "finish",
	MethodSidetalk:          "sidetalk",
	MethodError:             "error",
	MethodGetPageContext:    "getPageContext",
	MethodRecordingStart:    "recording_start",
	MethodRecordingStop:     "recording_stop",
	MethodPreCheck:          "pre_check",
	MethodPing:              "ping",
	MethodSovereignUpdate:   "sovereign_update",
	MethodEntropyStream:     "entropy_stream",
	MethodSidetalkAck:       "sidetalk_ack",
	MethodAgentReady:        "agent_ready",
	MethodAgentLeft:         "agent_left",
	MethodCommandComplete:   "command_complete",
}

var methodKinds = func() map[string]MethodKind {
	m := make(map[string]MethodKind, len(methodNames))
	for k, v := range methodNames {
		m[v] = k
	}
	return m
}()

// Name returns the bare method name (without namespace).
func (k MethodKind) Name() string { return methodNames[k] }

// Method returns the fully qualified method name.
func (k MethodKind) Method() string { return Namespace + methodNames[k] }

// ParseMethod resolves a fully qualified method name to its kind.
// Returns MethodUnknown for anything outside the closed set.
func ParseMethod(method string) MethodKind {
	bare, ok := strings.CutPrefix(method, Namespace)
	if !ok {
		return MethodUnknown
	}
	return methodKinds[bare]
}

// ClientAllowlist is the set of client-origin methods accepted without the
// agent handshake. Mission clients never complete the challenge.
var ClientAllowlist = map[MethodKind]bool{
	MethodIntent:         true,
	MethodFinish:         true,
	MethodGetPageContext: true,
	MethodRecordingStart: true,
	MethodRecordingStop:  true,
}

// LivenessBypass is the set of unaddressed agent messages accepted in any
// handshake state.
var LivenessBypass = map[MethodKind]bool{
	MethodPulse:         true,
	MethodPong:          true,
	MethodContextUpdate: true,
}

// Envelope is a single inbound JSON-RPC message. ID is opaque and echoed
// back verbatim; notifications omit it.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id,omitempty"`
}

// Kind returns the envelope's method kind.
func (e *Envelope) Kind() MethodKind { return ParseMethod(e.Method) }

// Parse validates envelope shape: the protocol tag, a namespaced method from
// the closed set, and a params object. A shape failure is reported to the
// peer with CodeInvalidRequest and the connection stays open.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported protocol tag %q", env.JSONRPC)
	}
	if env.Kind() == MethodUnknown {
		return nil, fmt.Errorf("unknown method %q", env.Method)
	}
	if len(env.Params) == 0 || string(env.Params) == "null" {
		env.Params = json.RawMessage("{}")
	}
	return &env, nil
}

// DecodeParams unmarshals the envelope params into dst.
func (e *Envelope) DecodeParams(dst any) error {
	if err := json.Unmarshal(e.Params, dst); err != nil {
		return fmt.Errorf("decode %s params: %w", e.Method, err)
	}
	return nil
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is an outbound result or error for a request that carried an id.
type Response struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      any          `json:"id"`
	Result  any          `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

// Notification is an outbound hub -> peer message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewResult builds a result response echoing the request id.
func NewResult(id, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response echoing the request id.
func NewError(id any, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

// NewNotification builds a hub -> peer notification.
func NewNotification(kind MethodKind, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: kind.Method(), Params: params}
}

// Marshal encodes any outbound message, swallowing the (impossible for our
// own types) encoding error.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"encode failure"}}`)
	}
	return data
}
