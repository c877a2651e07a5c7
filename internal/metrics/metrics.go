package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "starlight_agents_connected",
		Help: "Number of agents currently in READY state.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "starlight_queue_depth",
		Help: "Number of commands waiting in the queue.",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starlight_commands_total",
		Help: "Total commands executed by outcome.",
	}, []string{"outcome"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "starlight_command_duration_seconds",
		Help:    "Duration of command execution including consensus.",
		Buckets: prometheus.DefBuckets,
	})
	ConsensusRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starlight_consensus_rounds_total",
		Help: "Total consensus rounds by decision.",
	}, []string{"decision"})
	ConsensusDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "starlight_consensus_duration_seconds",
		Help:    "Duration of consensus rounds.",
		Buckets: prometheus.DefBuckets,
	})
	Hijacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starlight_hijacks_total",
		Help: "Total preemption lock acquisitions.",
	})
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starlight_agent_evictions_total",
		Help: "Total agents evicted for missed heartbeats.",
	})
	SelfHeals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starlight_self_heals_total",
		Help: "Total selector resolutions served from learned memory.",
	})
	ScreenshotsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starlight_screenshots_skipped_total",
		Help: "Screenshot captures skipped by the throttle.",
	})
)
