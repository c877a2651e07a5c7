// Package pipeline serializes command execution: a single-flight queue loop
// gated by the consensus engine and the preemption lock.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cba-labs/starlight-hub/internal/audit"
	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/config"
	"github.com/cba-labs/starlight-hub/internal/consensus"
	"github.com/cba-labs/starlight-hub/internal/driver"
	"github.com/cba-labs/starlight-hub/internal/events"
	"github.com/cba-labs/starlight-hub/internal/learning"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/metrics"
	"github.com/cba-labs/starlight-hub/internal/protocol"
	"github.com/cba-labs/starlight-hub/internal/registry"
	"github.com/cba-labs/starlight-hub/internal/resolver"
)

// retryDelay is the pause before the single driver retry.
const retryDelay = 200 * time.Millisecond

// waitRequeueDelay is the default pause after a WAIT resolution when the
// veto carried no retryAfterMs.
const waitRequeueDelay = time.Second

// Capability names agents advertise to opt into pre-check payload sections.
const (
	CapScreenshot = "screenshot"
	CapPII        = "pii"
	CapA11y       = "a11y"
)

// Broadcaster fans a hub notification out to every connected peer.
type Broadcaster interface {
	BroadcastAll(kind protocol.MethodKind, params any)
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Log       *logging.Logger
	Clock     clock.Clock
	Config    *config.Config
	Driver    driver.Driver
	Resolver  *resolver.Resolver
	Store     *learning.Store
	Auras     *learning.Auras
	Trace     *audit.Trace
	Shots     *audit.Screenshots
	Engine    *consensus.Engine
	Registry  *registry.Registry
	Bus       *events.Bus
	Broadcast Broadcaster
}

// Pipeline owns the command queue, the preemption lock, and the execution
// loop. All driver access funnels through it.
type Pipeline struct {
	log   *logging.Logger
	clk   clock.Clock
	cfg   *config.Config
	drv   driver.Driver
	res   *resolver.Resolver
	store *learning.Store
	auras *learning.Auras
	trace *audit.Trace
	shots *audit.Screenshots
	eng   *consensus.Engine
	reg   *registry.Registry
	bus   *events.Bus
	bcast Broadcaster

	queue Queue
	lock  *Lock

	// drvMu serializes browser access between the executor and the
	// lock-holder paths (hijack screenshot, direct actions).
	drvMu sync.Mutex

	// kick wakes the executor; buffered so state changes never block.
	kick chan struct{}

	missionStart time.Time
	lastPreShot  time.Time

	shuttingDown atomic.Bool
	healthy      atomic.Bool
}

// New wires a pipeline. Run must be started for commands to execute.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		log:          d.Log.With("component", "pipeline"),
		clk:          d.Clock,
		cfg:          d.Config,
		drv:          d.Driver,
		res:          d.Resolver,
		store:        d.Store,
		auras:        d.Auras,
		trace:        d.Trace,
		shots:        d.Shots,
		eng:          d.Engine,
		reg:          d.Registry,
		bus:          d.Bus,
		bcast:        d.Broadcast,
		lock:         NewLock(d.Clock),
		kick:         make(chan struct{}, 1),
		missionStart: d.Clock.Now(),
	}
	p.healthy.Store(true)
	return p
}

// MissionElapsed returns time since mission start, the aura time base.
func (p *Pipeline) MissionElapsed() time.Duration {
	return p.clk.Now().Sub(p.missionStart)
}

// Enqueue adds a client command and wakes the executor.
func (p *Pipeline) Enqueue(cmd *protocol.Command) {
	p.queue.Push(cmd)
	p.Kick()
}

// Kick wakes the executor without blocking.
func (p *Pipeline) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// QueueLen returns the current queue depth.
func (p *Pipeline) QueueLen() int { return p.queue.Len() }

// SetHealthy flips the execution gate. An unhealthy pipeline holds the
// queue without dropping it.
func (p *Pipeline) SetHealthy(ok bool) {
	p.healthy.Store(ok)
	if ok {
		p.Kick()
	}
}

// BeginShutdown stops the loop from dequeuing further commands.
func (p *Pipeline) BeginShutdown() { p.shuttingDown.Store(true) }

// LockedBy returns the current lock owner, if any.
func (p *Pipeline) LockedBy() (string, bool) {
	owner, _, ok := p.lock.Owner()
	return owner, ok
}

// Run drives the executor until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		}
		for p.processOne(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// processOne runs a single queue iteration. Returns true when the loop
// should immediately try again.
func (p *Pipeline) processOne(ctx context.Context) bool {
	if p.shuttingDown.Load() || !p.healthy.Load() || p.lock.Held() {
		return false
	}
	cmd, ok := p.queue.Pop()
	if !ok {
		return false
	}
	started := p.clk.Now()

	// Ghost prior: a previously observed settlement latency raises the
	// stability hint before any waiting happens.
	if cmd.Selector != "" {
		if g, ok := p.store.Ghost(cmd.Cmd, cmd.Selector); ok && g.Milliseconds() > cmd.StabilityHintMs {
			cmd.StabilityHintMs = g.Milliseconds()
		}
	}

	preWait := time.Duration(cmd.StabilityHintMs) * time.Millisecond
	if p.auras.Unstable(p.MissionElapsed()) {
		cmd.PredictiveWait = true
		if p.cfg.AuraPredictiveWait > preWait {
			preWait = p.cfg.AuraPredictiveWait
		}
	}
	if preWait > 0 {
		p.sleep(ctx, preWait)
	}

	if !cmd.ForcedProceed {
		switch out := p.runConsensus(ctx, cmd); out.Decision {
		case consensus.Canceled:
			p.queue.Unshift(cmd)
			return false
		case consensus.Wait:
			cmd.PreCheckRetries++
			if cmd.PreCheckRetries > p.cfg.MaxPreCheckRetries {
				cmd.ForcedProceed = true
				p.log.Warn("pre-check retries exhausted, forcing", "command", cmd.ID, "retries", cmd.PreCheckRetries)
			} else {
				p.queue.Unshift(cmd)
				delay := out.RetryAfter
				if delay <= 0 {
					delay = waitRequeueDelay
				}
				p.sleep(ctx, delay)
				return true
			}
		}
	}

	// Optional settlement extension from the stability hint. Off by
	// default; the hint otherwise affects only the pre-wait.
	if p.cfg.SettlementUsesStabilityHint {
		if extra := time.Duration(cmd.StabilityHintMs)*time.Millisecond - p.cfg.SettlementWindow; extra > 0 {
			p.sleep(ctx, extra)
		}
	}

	p.execute(ctx, cmd, started)
	return true
}

// runConsensus broadcasts the pre-check to the relevant agents and blocks on
// the round.
func (p *Pipeline) runConsensus(ctx context.Context, cmd *protocol.Command) consensus.Outcome {
	relevant := p.reg.Relevant()
	parts := make([]consensus.Participant, 0, len(relevant))
	for _, a := range relevant {
		parts = append(parts, consensus.Participant{ID: a.ID, Priority: a.Priority})
	}
	if len(parts) == 0 {
		return consensus.Outcome{Decision: consensus.Clear}
	}

	pcp := protocol.PreCheckParams{Command: cmd, Blocking: p.reg.SelectorUnion()}
	p.drvMu.Lock()
	if cmd.Selector != "" {
		if rect, err := p.drv.TargetRect(ctx, cmd.Selector); err == nil {
			pcp.TargetRect = rect
		}
	}
	if p.reg.AnyRelevantCapability(CapScreenshot) {
		if shot := p.preCheckShot(ctx); shot != nil {
			pcp.Screenshot = base64.StdEncoding.EncodeToString(shot)
		}
	}
	if p.reg.AnyRelevantCapability(CapPII) {
		if text, err := p.drv.PageText(ctx); err == nil {
			pcp.PageText = text
		}
	}
	if p.reg.AnyRelevantCapability(CapA11y) {
		if snap, err := p.drv.A11ySnapshot(ctx); err == nil {
			pcp.A11ySnapshot = snap
		}
	}
	p.drvMu.Unlock()

	data := protocol.Marshal(protocol.NewNotification(protocol.MethodPreCheck, pcp))
	for _, a := range relevant {
		if !a.Conn.Send(data) {
			p.log.Warn("pre-check send dropped", "agent", a.ID)
		}
	}

	p.bus.Publish(events.Event{Type: events.EventConsensus, CommandID: cmd.ID, Timestamp: p.clk.Now()})
	return p.eng.Run(ctx, cmd.ID, parts)
}

// preCheckShot captures a throttled screenshot for the pre-check payload.
func (p *Pipeline) preCheckShot(ctx context.Context) []byte {
	if !p.cfg.TestMode && p.cfg.ScreenshotThrottle > 0 &&
		!p.lastPreShot.IsZero() && p.clk.Now().Sub(p.lastPreShot) < p.cfg.ScreenshotThrottle {
		metrics.ScreenshotsSkipped.Inc()
		return nil
	}
	shot, err := p.drv.Screenshot(ctx)
	if err != nil {
		return nil
	}
	p.lastPreShot = p.clk.Now()
	return shot
}

// execute resolves, drives, learns and completes one approved command. Holds
// the driver for the whole attempt so hijack actions cannot interleave.
func (p *Pipeline) execute(ctx context.Context, cmd *protocol.Command, started time.Time) {
	p.drvMu.Lock()
	defer p.drvMu.Unlock()

	if cmd.IsNop() {
		p.complete(ctx, cmd, started, true, "", "")
		return
	}

	beforeShot, _ := p.captureShot(ctx, cmd.ID, "before")

	if !p.resolve(ctx, cmd) {
		p.complete(ctx, cmd, started, false, fmt.Sprintf("could not resolve goal %q for %s", cmd.Goal, cmd.Cmd), beforeShot)
		return
	}

	driveStart := p.clk.Now()
	err := p.drive(ctx, cmd)
	if err != nil {
		p.sleep(ctx, retryDelay)
		err = p.drive(ctx, cmd)
	}
	settle := p.clk.Now().Sub(driveStart)

	if err == nil {
		if cmd.Goal != "" && cmd.Selector != "" {
			p.store.Learn(cmd.Cmd, cmd.Goal, cmd.Selector)
			cmd.Learned = true
		}
		if cmd.Selector != "" {
			p.store.RecordGhost(cmd.Cmd, cmd.Selector, settle)
		}
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	p.complete(ctx, cmd, started, err == nil, errMsg, beforeShot)
}

// resolve fills cmd.Selector from its goal. Returns false on a terminal
// resolution miss.
func (p *Pipeline) resolve(ctx context.Context, cmd *protocol.Command) bool {
	if cmd.Goal == "" || cmd.Selector != "" {
		return true
	}

	var (
		sel string
		ok  bool
		err error
	)
	switch cmd.Cmd {
	case protocol.CmdClick, protocol.CmdHover, protocol.CmdScroll:
		sel, ok, err = p.res.ResolveGeneral(ctx, p.drv, cmd.Goal)
		if err == nil && !ok {
			// Historical mapping under the bare goal is the self-healing
			// fallback.
			if learned, hit := p.store.LookupBare(cmd.Goal); hit {
				sel, ok = learned, true
				cmd.SelfHealed = true
				metrics.SelfHeals.Inc()
			}
		}
	case protocol.CmdFill, protocol.CmdPress, protocol.CmdUpload:
		sel, ok, err = p.res.ResolveForm(ctx, p.drv, cmd.Goal)
	case protocol.CmdSelect:
		sel, ok, err = p.res.ResolveSelect(ctx, p.drv, cmd.Goal)
	case protocol.CmdCheck, protocol.CmdUncheck:
		sel, ok, err = p.res.ResolveCheckbox(ctx, p.drv, cmd.Goal)
	default:
		return true
	}

	if err != nil {
		p.log.Warn("resolution error", "command", cmd.ID, "goal", cmd.Goal, "error", err)
		return false
	}
	if !ok {
		return false
	}
	cmd.Selector = sel
	return true
}

// drive invokes the browser for the command.
func (p *Pipeline) drive(ctx context.Context, cmd *protocol.Command) error {
	switch cmd.Cmd {
	case protocol.CmdGoto:
		return p.drv.Goto(ctx, cmd.URL)
	case protocol.CmdClick:
		return p.drv.Click(ctx, cmd.Selector)
	case protocol.CmdFill:
		return p.drv.Fill(ctx, cmd.Selector, cmd.Text)
	case protocol.CmdPress:
		return p.drv.Press(ctx, cmd.Selector, cmd.Key)
	case protocol.CmdType:
		return p.drv.Type(ctx, cmd.Selector, cmd.Text)
	case protocol.CmdScroll:
		return p.drv.Scroll(ctx, cmd.Selector)
	case protocol.CmdSelect:
		return p.drv.SelectOption(ctx, cmd.Selector, cmd.Value)
	case protocol.CmdHover:
		return p.drv.Hover(ctx, cmd.Selector)
	case protocol.CmdCheck:
		return p.drv.SetChecked(ctx, cmd.Selector, true)
	case protocol.CmdUncheck:
		return p.drv.SetChecked(ctx, cmd.Selector, false)
	case protocol.CmdUpload:
		return p.drv.Upload(ctx, cmd.Selector, cmd.Files)
	case protocol.CmdCheckpoint, protocol.CmdNop:
		return nil
	}
	return fmt.Errorf("unknown command kind %q", cmd.Cmd)
}

// captureShot saves an audit screenshot, throttled by the store.
func (p *Pipeline) captureShot(ctx context.Context, commandID, phase string) (string, error) {
	jpeg, err := p.drv.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	return p.shots.Save(commandID, phase, jpeg)
}

// complete records the command's single terminal outcome.
func (p *Pipeline) complete(ctx context.Context, cmd *protocol.Command, started time.Time, success bool, errMsg, beforeShot string) {
	var afterShot string
	if !cmd.IsNop() && success {
		afterShot, _ = p.captureShot(ctx, cmd.ID, "after")
	}

	entry := audit.Entry{
		Ts:      audit.NowMs(p.clk.Now()),
		Kind:    audit.KindCommand,
		Command: cmd.ID,
		Method:  cmd.Cmd,
		Success: audit.Bool(success),
		Summary: p.traceSummary(cmd, errMsg, beforeShot, afterShot),
	}
	if cmd.Selector != "" {
		entry.Selector = audit.Str(cmd.Selector)
	}
	p.trace.Append(entry)

	outcome := "failure"
	switch {
	case cmd.ForcedProceed && success:
		outcome = "forced"
	case success:
		outcome = "success"
	}
	metrics.CommandsTotal.WithLabelValues(outcome).Inc()
	metrics.CommandDuration.Observe(p.clk.Since(started).Seconds())

	if !cmd.IsNop() {
		params := protocol.CommandCompleteParams{
			Type:       "COMMAND_COMPLETE",
			ID:         cmd.ID,
			Success:    success,
			Error:      errMsg,
			Learned:    cmd.Learned,
			SelfHealed: cmd.SelfHealed,
			Forced:     cmd.ForcedProceed,
		}
		if success {
			if pc, err := p.drv.PageContext(ctx); err == nil {
				params.Context = map[string]any{"url": pc.URL, "title": pc.Title}
			}
		}
		p.bcast.BroadcastAll(protocol.MethodCommandComplete, params)
	}

	p.bus.Publish(events.Event{
		Type:      events.EventCommandComplete,
		CommandID: cmd.ID,
		Success:   success,
		Message:   errMsg,
		Timestamp: p.clk.Now(),
	})
}

func (p *Pipeline) traceSummary(cmd *protocol.Command, errMsg, beforeShot, afterShot string) string {
	s := cmd.Cmd
	if cmd.Goal != "" {
		s += " goal=" + cmd.Goal
	}
	var flags []byte
	appendFlag := func(name string, on bool) {
		if on {
			flags = append(flags, (" " + name)...)
		}
	}
	appendFlag("selfHealed", cmd.SelfHealed)
	appendFlag("predictiveWait", cmd.PredictiveWait)
	appendFlag("forcedProceed", cmd.ForcedProceed)
	appendFlag("learned", cmd.Learned)
	s += string(flags)
	if errMsg != "" {
		s += " error=" + errMsg
	}
	if beforeShot != "" {
		s += " before=" + beforeShot
	}
	if afterShot != "" {
		s += " after=" + afterShot
	}
	return s
}

// Hijack grants the preemption lock to the agent, preempting a
// higher-numbered owner. A granted hijack cancels any consensus round in
// flight.
func (p *Pipeline) Hijack(ctx context.Context, agentID, reason string) bool {
	prio, ok := p.reg.Priority(agentID)
	if !ok {
		return false
	}
	if !p.lock.Acquire(agentID, prio, reason, p.cfg.LockTTL) {
		return false
	}

	metrics.Hijacks.Inc()
	p.eng.Cancel()
	p.log.Info("lock acquired", "agent", agentID, "priority", prio, "reason", reason)

	p.drvMu.Lock()
	shot, _ := p.captureShot(ctx, "hijack-"+agentID, "before")
	p.drvMu.Unlock()
	p.trace.Append(audit.Entry{
		Ts:       audit.NowMs(p.clk.Now()),
		Kind:     audit.KindHijack,
		Agent:    agentID,
		Summary:  reason,
		Snapshot: shot,
	})
	p.bus.Publish(events.Event{Type: events.EventHijack, AgentID: agentID, Message: reason, Timestamp: p.clk.Now()})

	// Queue processing resumes on TTL expiry even without a resume.
	go func() {
		<-p.clk.After(p.cfg.LockTTL)
		p.Kick()
	}()
	return true
}

// Resume releases the lock if agentID owns it. With reCheck, a nop sentinel
// is unshifted so the next real command gets a fresh pre-check cycle.
func (p *Pipeline) Resume(agentID string, reCheck bool) bool {
	if !p.lock.Release(agentID) {
		return false
	}
	if reCheck {
		p.queue.Unshift(&protocol.Command{ID: "nop-" + uuid.NewString(), Cmd: protocol.CmdNop})
	}
	p.log.Info("lock released", "agent", agentID, "re_check", reCheck)
	p.bus.Publish(events.Event{Type: events.EventResume, AgentID: agentID, Timestamp: p.clk.Now()})
	p.Kick()
	return true
}

// ReleaseFor frees the lock when its owner leaves. Registry departure hook.
func (p *Pipeline) ReleaseFor(agentID string) {
	if p.lock.Release(agentID) {
		p.log.Info("lock released by departure", "agent", agentID)
		p.Kick()
	}
}

// hideOverlaysScript removes fixed-position overlays and dialogs. Used by
// the lock holder's action interface.
const hideOverlaysScript = `(() => {
  const sels = ['[role=dialog]', '.modal', '.overlay', '.popup', '[class*=cookie]'];
  let n = 0;
  for (const sel of sels) {
    document.querySelectorAll(sel).forEach(el => { el.style.display = 'none'; n++; });
  }
  return n;
})()`

// Action executes a lock-holder's direct browser action without pre-check.
// Non-owner actions are ignored.
func (p *Pipeline) Action(ctx context.Context, agentID string, act protocol.ActionParams) (any, error) {
	owner, _, held := p.lock.Owner()
	if !held || owner != agentID {
		return nil, nil
	}

	p.drvMu.Lock()
	defer p.drvMu.Unlock()

	switch act.Cmd {
	case "force_click", protocol.CmdClick:
		return nil, p.drv.Click(ctx, act.Selector)
	case protocol.CmdFill:
		return nil, p.drv.Fill(ctx, act.Selector, act.Text)
	case protocol.CmdPress:
		return nil, p.drv.Press(ctx, act.Selector, act.Key)
	case protocol.CmdType:
		return nil, p.drv.Type(ctx, act.Selector, act.Text)
	case protocol.CmdScroll:
		return nil, p.drv.Scroll(ctx, act.Selector)
	case protocol.CmdHover:
		return nil, p.drv.Hover(ctx, act.Selector)
	case protocol.CmdSelect:
		return nil, p.drv.SelectOption(ctx, act.Selector, act.Value)
	case protocol.CmdCheck:
		return nil, p.drv.SetChecked(ctx, act.Selector, true)
	case protocol.CmdUncheck:
		return nil, p.drv.SetChecked(ctx, act.Selector, false)
	case protocol.CmdUpload:
		return nil, p.drv.Upload(ctx, act.Selector, act.Files)
	case "evaluate":
		return p.drv.Evaluate(ctx, act.Text)
	case "hide_overlays":
		return p.drv.Evaluate(ctx, hideOverlaysScript)
	case "a11y_snapshot":
		return p.drv.A11ySnapshot(ctx)
	}
	return nil, fmt.Errorf("unknown action %q", act.Cmd)
}

// sleep blocks for d or until ctx is done.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-p.clk.After(d):
	case <-ctx.Done():
	}
}
