// Package hub wires the coordination engine together: registry, consensus,
// pipeline, learning and audit behind the websocket gateway. It implements
// the gateway's Handler and owns the mission lifecycle.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cba-labs/starlight-hub/internal/audit"
	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/config"
	"github.com/cba-labs/starlight-hub/internal/consensus"
	"github.com/cba-labs/starlight-hub/internal/driver"
	"github.com/cba-labs/starlight-hub/internal/events"
	"github.com/cba-labs/starlight-hub/internal/gateway"
	"github.com/cba-labs/starlight-hub/internal/learning"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/pipeline"
	"github.com/cba-labs/starlight-hub/internal/protocol"
	"github.com/cba-labs/starlight-hub/internal/redact"
	"github.com/cba-labs/starlight-hub/internal/registry"
	"github.com/cba-labs/starlight-hub/internal/resolver"
	"github.com/cba-labs/starlight-hub/internal/telemetry"
)

// drain parameters for graceful shutdown: wait for in-flight commands in
// bounded slices.
const (
	drainSlices = 50
	drainSlice  = 100 * time.Millisecond
)

// Hub is the coordination core. One hub per process, one browser.
type Hub struct {
	log *logging.Logger
	clk clock.Clock
	cfg *config.Config
	bus *events.Bus

	reg   *registry.Registry
	eng   *consensus.Engine
	pipe  *pipeline.Pipeline
	store *learning.Store
	auras *learning.Auras
	trace *audit.Trace
	tel   *telemetry.Collector
	drv   driver.Driver
	gw    *gateway.Gateway

	cron *cron.Cron

	startedAt time.Time

	ctxMu  sync.Mutex
	shared map[string]any

	entropyMu   sync.Mutex
	lastEntropy time.Time

	shutdownOnce sync.Once
	finished     atomic.Bool
	onFinish     func(reason string)
}

// New assembles a hub from its configuration and browser driver.
func New(log *logging.Logger, clk clock.Clock, cfg *config.Config, drv driver.Driver) *Hub {
	bus := events.New()

	store := learning.NewStore(cfg.MemoryFile())
	store.Load()

	auras := learning.NewAuras(cfg.AuraBucket)
	seedAuras(auras, audit.LoadPrevious(cfg.TraceFile()))

	trace := audit.NewTrace(cfg.TraceFile(), cfg.TraceMaxEvents)

	shotThrottle := cfg.ScreenshotThrottle
	if cfg.TestMode {
		shotThrottle = 0
	}
	shots := audit.NewScreenshots(cfg.ScreenshotDir(), shotThrottle, clk)

	reg := registry.New(log, clk, bus, cfg.AuthToken, cfg.HeartbeatTimeout)
	eng := consensus.New(log, clk, cfg.SyncBudget, cfg.ConsensusTimeout, cfg.SettlementWindow, cfg.QuorumThreshold)

	h := &Hub{
		log:       log.With("component", "hub"),
		clk:       clk,
		cfg:       cfg,
		bus:       bus,
		reg:       reg,
		eng:       eng,
		store:     store,
		auras:     auras,
		trace:     trace,
		tel:       telemetry.New(cfg.TelemetryFile()),
		drv:       drv,
		cron:      cron.New(),
		startedAt: clk.Now(),
		shared:    make(map[string]any),
	}

	h.gw = gateway.New(log, clk, h, trace, redact.Basic{}, cfg.JWTSecret)

	h.pipe = pipeline.New(pipeline.Deps{
		Log:    log,
		Clock:  clk,
		Config: cfg,
		Driver: drv,
		Resolver: &resolver.Resolver{
			ShadowEnabled:  cfg.ShadowDOM.Enabled,
			ShadowMaxDepth: cfg.ShadowDOM.MaxDepth,
		},
		Store:     store,
		Auras:     auras,
		Trace:     trace,
		Shots:     shots,
		Engine:    eng,
		Registry:  reg,
		Bus:       bus,
		Broadcast: h.gw,
	})

	reg.OnEvict(h.pipe.ReleaseFor)
	h.tel.Attach(bus)
	return h
}

// seedAuras marks instability buckets from a previous run's trace. The
// first entry anchors that run's mission start.
func seedAuras(auras *learning.Auras, prev []audit.Entry) {
	if len(prev) == 0 {
		return
	}
	start := prev[0].Ts
	for _, e := range prev {
		if e.Method == protocol.MethodEntropyStream.Method() {
			auras.Mark(time.Duration(e.Ts-start) * time.Millisecond)
		}
	}
}

// Gateway returns the websocket front door for HTTP mounting.
func (h *Hub) Gateway() *gateway.Gateway { return h.gw }

// Bus returns the event bus for embedders.
func (h *Hub) Bus() *events.Bus { return h.bus }

// Uptime reports time since the hub was assembled.
func (h *Hub) Uptime() time.Duration { return h.clk.Now().Sub(h.startedAt) }

// AgentCount returns the number of READY agents.
func (h *Hub) AgentCount() int { return len(h.reg.Ready()) }

// Agents returns a snapshot of the READY agents for the health surface.
func (h *Hub) Agents() []registry.Info { return h.reg.ReadyInfo() }

// QueueLen returns the pending command count.
func (h *Hub) QueueLen() int { return h.pipe.QueueLen() }

// Locked reports whether the preemption lock is held.
func (h *Hub) Locked() bool {
	_, ok := h.pipe.LockedBy()
	return ok
}

// Active reports whether the mission is still running.
func (h *Hub) Active() bool { return !h.finished.Load() }

// AuthEnabled reports whether agent registration requires a token.
func (h *Hub) AuthEnabled() bool { return h.cfg.AuthToken != "" }

// OnFinish installs the mission-end callback invoked exactly once.
func (h *Hub) OnFinish(fn func(reason string)) { h.onFinish = fn }

// Run starts the supervisor loops and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	go h.reg.Run(ctx)
	go h.pipe.Run(ctx)

	h.cron.AddFunc("@every 1h", h.pruneScreenshots)
	h.cron.AddFunc("@every 5m", h.flushTelemetry)
	h.cron.Start()
	defer h.cron.Stop()

	var missionExpiry <-chan time.Time
	if h.cfg.MissionTimeout > 0 {
		missionExpiry = h.clk.After(h.cfg.MissionTimeout)
	}

	select {
	case <-ctx.Done():
	case <-missionExpiry:
		h.log.Error("mission timeout exceeded", "timeout", h.cfg.MissionTimeout)
		h.trace.Append(audit.Entry{
			Ts:      audit.NowMs(h.clk.Now()),
			Kind:    audit.KindFailure,
			Summary: "mission timeout",
		})
		h.Shutdown("mission timeout")
	}
}

func (h *Hub) pruneScreenshots() {
	shots := audit.NewScreenshots(h.cfg.ScreenshotDir(), 0, h.clk)
	if n, err := shots.Prune(h.cfg.ScreenshotMaxAge); err != nil {
		h.log.Warn("screenshot prune failed", "error", err)
	} else if n > 0 {
		h.log.Info("pruned screenshots", "removed", n)
	}
}

func (h *Hub) flushTelemetry() {
	if err := h.tel.Flush(); err != nil {
		h.log.Warn("telemetry flush failed", "error", err)
	}
}

// Shutdown drains the pipeline, persists state and closes every peer.
// Idempotent; only the first reason wins.
func (h *Hub) Shutdown(reason string) {
	h.shutdownOnce.Do(func() {
		h.finished.Store(true)
		h.log.Info("shutting down", "reason", reason)
		h.pipe.BeginShutdown()

		for i := 0; i < drainSlices && h.pipe.QueueLen() > 0; i++ {
			<-h.clk.After(drainSlice)
		}

		if err := h.store.Save(); err != nil {
			h.log.Error("memory save failed", "error", err)
		}
		if err := h.trace.Save(); err != nil {
			h.log.Error("trace save failed", "error", err)
		}
		h.flushTelemetry()
		h.tel.Detach()

		h.bus.Publish(events.Event{Type: events.EventMissionEnd, Message: reason, Timestamp: h.clk.Now()})
		h.gw.CloseAll(1001, "hub shutting down")

		if h.onFinish != nil {
			h.onFinish(reason)
		}
	})
}

// FailMission records an unrecoverable failure in the trace and ends the
// mission. Distinct from per-command failures, which the pipeline records.
func (h *Hub) FailMission(reason string) {
	h.trace.Append(audit.Entry{
		Ts:      audit.NowMs(h.clk.Now()),
		Kind:    audit.KindMissionFailure,
		Summary: reason,
	})
	h.Shutdown(reason)
}

// broadcastOrdered fans a notification out to the READY agents in ascending
// priority order, then to mission clients. Higher-criticality sentinels hear
// about peer changes before lower ones.
func (h *Hub) broadcastOrdered(kind protocol.MethodKind, params any) {
	data := protocol.Marshal(protocol.NewNotification(kind, params))
	for _, a := range h.reg.Ready() {
		a.Conn.Send(data)
	}
	h.gw.BroadcastClients(kind, params)
}

// ReportEntropy records page-instability evidence: marks the current aura
// bucket and rebroadcasts to agents, throttled.
func (h *Hub) ReportEntropy(mutations int, entropy float64) {
	h.auras.Mark(h.pipe.MissionElapsed())

	h.entropyMu.Lock()
	throttled := h.cfg.EntropyThrottle > 0 && !h.lastEntropy.IsZero() &&
		h.clk.Now().Sub(h.lastEntropy) < h.cfg.EntropyThrottle
	if !throttled {
		h.lastEntropy = h.clk.Now()
	}
	h.entropyMu.Unlock()
	if throttled {
		return
	}

	h.trace.Append(audit.Entry{
		Ts:     audit.NowMs(h.clk.Now()),
		Method: protocol.MethodEntropyStream.Method(),
	})
	h.broadcastOrdered(protocol.MethodEntropyStream, protocol.EntropyStreamParams{
		Mutations: mutations,
		Entropy:   entropy,
	})
	h.bus.Publish(events.Event{Type: events.EventEntropy, Timestamp: h.clk.Now()})
}

// mergeContext folds a context_update into the shared mission context and
// returns the merged snapshot.
func (h *Hub) mergeContext(update map[string]any) map[string]any {
	h.ctxMu.Lock()
	defer h.ctxMu.Unlock()
	for k, v := range update {
		h.shared[k] = v
	}
	snapshot := make(map[string]any, len(h.shared))
	for k, v := range h.shared {
		snapshot[k] = v
	}
	return snapshot
}
