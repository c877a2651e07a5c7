package protocol

// Command kinds accepted on the intent method. Nop is an internal sentinel
// unshifted after resume(re_check) to force a fresh pre-check cycle.
const (
	CmdGoto       = "goto"
	CmdClick      = "click"
	CmdFill       = "fill"
	CmdPress      = "press"
	CmdType       = "type"
	CmdScroll     = "scroll"
	CmdSelect     = "select"
	CmdHover      = "hover"
	CmdCheck      = "check"
	CmdUncheck    = "uncheck"
	CmdUpload     = "upload"
	CmdCheckpoint = "checkpoint"
	CmdNop        = "nop"
)

// Command is a client intent plus the hub's bookkeeping. Commands are
// enqueued once, dequeued exactly once, and either executed or rejected.
type Command struct {
	ID       string `json:"id"`
	Cmd      string `json:"cmd"`
	Selector string `json:"selector,omitempty"`
	Goal     string `json:"goal,omitempty"`

	URL   string   `json:"url,omitempty"`
	Text  string   `json:"text,omitempty"`
	Key   string   `json:"key,omitempty"`
	Value string   `json:"value,omitempty"`
	Files []string `json:"files,omitempty"`
	Name  string   `json:"name,omitempty"` // checkpoint label

	StabilityHintMs int64 `json:"stabilityHint,omitempty"`

	// Bookkeeping added by the hub.
	SelfHealed      bool `json:"selfHealed,omitempty"`
	PreCheckRetries int  `json:"preCheckRetries,omitempty"`
	ForcedProceed   bool `json:"forcedProceed,omitempty"`
	PredictiveWait  bool `json:"predictiveWait,omitempty"`
	Learned         bool `json:"learned,omitempty"`

	// ClientID identifies the originating connection for the
	// COMMAND_COMPLETE broadcast. Not serialized to peers.
	ClientID string `json:"-"`
}

// IsNop reports whether the command is the re-check sentinel.
func (c *Command) IsNop() bool { return c.Cmd == CmdNop }

// NeedsSelector reports whether the command kind targets an element.
func (c *Command) NeedsSelector() bool {
	switch c.Cmd {
	case CmdGoto, CmdCheckpoint, CmdNop, CmdType, CmdPress, CmdScroll:
		return false
	}
	return true
}
