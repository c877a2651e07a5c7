// Package config holds all Starlight hub configuration. Options are read
// from an optional config file (JSON or YAML), then overridden by
// STARLIGHT_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ShadowDOM controls shadow-root traversal in the semantic resolvers.
type ShadowDOM struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	MaxDepth int  `json:"maxDepth" yaml:"maxDepth"`
}

// Browser selects and configures the driver backend. The emulation sub-keys
// are passed to the driver opaquely.
type Browser struct {
	Engine   string         `json:"engine" yaml:"engine"` // chromium, firefox, webkit, stealth
	Headless bool           `json:"headless" yaml:"headless"`
	Mobile   map[string]any `json:"mobile,omitempty" yaml:"mobile,omitempty"`
	Network  map[string]any `json:"network,omitempty" yaml:"network,omitempty"`
}

// Config holds every recognized hub option.
type Config struct {
	Port      int    `json:"port" yaml:"port"`
	AuthToken string `json:"authToken" yaml:"authToken"` // plain, or bcrypt hash ($2…)

	HeartbeatTimeout time.Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"` // ms in file
	LockTTL          time.Duration `json:"lockTTL" yaml:"lockTTL"`
	MissionTimeout   time.Duration `json:"missionTimeout" yaml:"missionTimeout"`

	SyncBudget       time.Duration `json:"syncBudget" yaml:"syncBudget"`
	ConsensusTimeout time.Duration `json:"consensusTimeout" yaml:"consensusTimeout"`
	SettlementWindow time.Duration `json:"settlementWindow" yaml:"settlementWindow"`
	QuorumThreshold  float64       `json:"quorumThreshold" yaml:"quorumThreshold"`

	MaxPreCheckRetries int `json:"maxPreCheckRetries" yaml:"maxPreCheckRetries"`

	AuraPredictiveWait time.Duration `json:"auraPredictiveWaitMs" yaml:"auraPredictiveWaitMs"`
	AuraBucket         time.Duration `json:"auraBucketMs" yaml:"auraBucketMs"`
	EntropyThrottle    time.Duration `json:"entropyThrottle" yaml:"entropyThrottle"`

	ScreenshotThrottle time.Duration `json:"screenshotThrottleMs" yaml:"screenshotThrottleMs"`
	ScreenshotMaxAge   time.Duration `json:"screenshotMaxAge" yaml:"screenshotMaxAge"`

	TraceMaxEvents int `json:"traceMaxEvents" yaml:"traceMaxEvents"`

	// SettlementUsesStabilityHint extends the consensus settlement window by a
	// command's stabilityHint. The hint otherwise only raises the aura
	// pre-wait.
	SettlementUsesStabilityHint bool `json:"settlementUsesStabilityHint" yaml:"settlementUsesStabilityHint"`

	ShadowDOM ShadowDOM `json:"shadowDom" yaml:"shadowDom"`
	Browser   Browser   `json:"browser" yaml:"browser"`

	// Persisted state locations.
	DataDir string `json:"dataDir" yaml:"dataDir"`

	LogJSON bool `json:"logJson" yaml:"logJson"`

	// Environment-only options.
	JWTSecret string `json:"-" yaml:"-"` // STARLIGHT_JWT_SECRET: client-lane bearer auth
	TestMode  bool   `json:"-" yaml:"-"` // STARLIGHT_TEST_MODE: disables screenshot throttling
}

// Default returns a Config with all documented defaults.
func Default() *Config {
	return &Config{
		Port:               8080,
		HeartbeatTimeout:   5 * time.Second,
		LockTTL:            5 * time.Second,
		MissionTimeout:     180 * time.Second,
		SyncBudget:         30 * time.Second,
		ConsensusTimeout:   5 * time.Second,
		SettlementWindow:   500 * time.Millisecond,
		QuorumThreshold:    1.0,
		MaxPreCheckRetries: 3,
		AuraPredictiveWait: 1500 * time.Millisecond,
		AuraBucket:         500 * time.Millisecond,
		EntropyThrottle:    500 * time.Millisecond,
		ScreenshotThrottle: 1500 * time.Millisecond,
		ScreenshotMaxAge:   24 * time.Hour,
		TraceMaxEvents:     500,
		ShadowDOM:          ShadowDOM{Enabled: true, MaxDepth: 5},
		Browser:            Browser{Engine: "chromium", Headless: true},
		DataDir:            ".",
		LogJSON:            true,
	}
}

// fileConfig mirrors Config with millisecond integers for durations, matching
// the config.json format the sentinel SDK reads.
type fileConfig struct {
	Port                        *int           `json:"port" yaml:"port"`
	AuthToken                   *string        `json:"authToken" yaml:"authToken"`
	HeartbeatTimeout            *int64         `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`
	LockTTL                     *int64         `json:"lockTTL" yaml:"lockTTL"`
	MissionTimeout              *int64         `json:"missionTimeout" yaml:"missionTimeout"`
	SyncBudget                  *int64         `json:"syncBudget" yaml:"syncBudget"`
	ConsensusTimeout            *int64         `json:"consensusTimeout" yaml:"consensusTimeout"`
	SettlementWindow            *int64         `json:"settlementWindow" yaml:"settlementWindow"`
	QuorumThreshold             *float64       `json:"quorumThreshold" yaml:"quorumThreshold"`
	MaxPreCheckRetries          *int           `json:"maxPreCheckRetries" yaml:"maxPreCheckRetries"`
	AuraPredictiveWaitMs        *int64         `json:"auraPredictiveWaitMs" yaml:"auraPredictiveWaitMs"`
	AuraBucketMs                *int64         `json:"auraBucketMs" yaml:"auraBucketMs"`
	EntropyThrottle             *int64         `json:"entropyThrottle" yaml:"entropyThrottle"`
	ScreenshotThrottleMs        *int64         `json:"screenshotThrottleMs" yaml:"screenshotThrottleMs"`
	ScreenshotMaxAge            *int64         `json:"screenshotMaxAge" yaml:"screenshotMaxAge"`
	TraceMaxEvents              *int           `json:"traceMaxEvents" yaml:"traceMaxEvents"`
	SettlementUsesStabilityHint *bool          `json:"settlementUsesStabilityHint" yaml:"settlementUsesStabilityHint"`
	ShadowDOM                   *ShadowDOM     `json:"shadowDom" yaml:"shadowDom"`
	Browser                     *Browser       `json:"browser" yaml:"browser"`
	DataDir                     *string        `json:"dataDir" yaml:"dataDir"`
	LogJSON                     *bool          `json:"logJson" yaml:"logJson"`
	Hub                         *nestedHub     `json:"hub" yaml:"hub"`
	Sentinel                    map[string]any `json:"sentinel" yaml:"sentinel"` // SDK section, ignored
}

// nestedHub accepts the SDK config layout where security options live under
// hub.security.
type nestedHub struct {
	Security *struct {
		AuthToken *string `json:"authToken" yaml:"authToken"`
	} `json:"security" yaml:"security"`
}

// Load builds the configuration: defaults, then the file at path (if any),
// then environment overrides. An empty path means "no file".
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.mergeEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setMs := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}

	setInt(&c.Port, fc.Port)
	if fc.AuthToken != nil {
		c.AuthToken = *fc.AuthToken
	}
	if fc.Hub != nil && fc.Hub.Security != nil && fc.Hub.Security.AuthToken != nil {
		c.AuthToken = *fc.Hub.Security.AuthToken
	}
	setMs(&c.HeartbeatTimeout, fc.HeartbeatTimeout)
	setMs(&c.LockTTL, fc.LockTTL)
	setMs(&c.MissionTimeout, fc.MissionTimeout)
	setMs(&c.SyncBudget, fc.SyncBudget)
	setMs(&c.ConsensusTimeout, fc.ConsensusTimeout)
	setMs(&c.SettlementWindow, fc.SettlementWindow)
	if fc.QuorumThreshold != nil {
		c.QuorumThreshold = *fc.QuorumThreshold
	}
	setInt(&c.MaxPreCheckRetries, fc.MaxPreCheckRetries)
	setMs(&c.AuraPredictiveWait, fc.AuraPredictiveWaitMs)
	setMs(&c.AuraBucket, fc.AuraBucketMs)
	setMs(&c.EntropyThrottle, fc.EntropyThrottle)
	setMs(&c.ScreenshotThrottle, fc.ScreenshotThrottleMs)
	setMs(&c.ScreenshotMaxAge, fc.ScreenshotMaxAge)
	setInt(&c.TraceMaxEvents, fc.TraceMaxEvents)
	if fc.SettlementUsesStabilityHint != nil {
		c.SettlementUsesStabilityHint = *fc.SettlementUsesStabilityHint
	}
	if fc.ShadowDOM != nil {
		c.ShadowDOM = *fc.ShadowDOM
	}
	if fc.Browser != nil {
		c.Browser = *fc.Browser
	}
	if fc.DataDir != nil {
		c.DataDir = *fc.DataDir
	}
	if fc.LogJSON != nil {
		c.LogJSON = *fc.LogJSON
	}
	return nil
}

func (c *Config) mergeEnv() {
	c.Port = envInt("STARLIGHT_PORT", c.Port)
	c.AuthToken = envStr("STARLIGHT_AUTH_TOKEN", c.AuthToken)
	c.HeartbeatTimeout = envDuration("STARLIGHT_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.LockTTL = envDuration("STARLIGHT_LOCK_TTL", c.LockTTL)
	c.MissionTimeout = envDuration("STARLIGHT_MISSION_TIMEOUT", c.MissionTimeout)
	c.SyncBudget = envDuration("STARLIGHT_SYNC_BUDGET", c.SyncBudget)
	c.DataDir = envStr("STARLIGHT_DATA_DIR", c.DataDir)
	c.LogJSON = envBool("STARLIGHT_LOG_JSON", c.LogJSON)
	c.JWTSecret = envStr("STARLIGHT_JWT_SECRET", c.JWTSecret)
	c.TestMode = envBool("STARLIGHT_TEST_MODE", c.TestMode)
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in 1..65535, got %d", c.Port))
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeatTimeout must be > 0, got %s", c.HeartbeatTimeout))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lockTTL must be > 0, got %s", c.LockTTL))
	}
	if c.QuorumThreshold < 0 || c.QuorumThreshold > 1 {
		errs = append(errs, fmt.Errorf("quorumThreshold must be in 0..1, got %g", c.QuorumThreshold))
	}
	if c.MaxPreCheckRetries < 0 {
		errs = append(errs, fmt.Errorf("maxPreCheckRetries must be >= 0, got %d", c.MaxPreCheckRetries))
	}
	if c.TraceMaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("traceMaxEvents must be > 0, got %d", c.TraceMaxEvents))
	}
	if c.ShadowDOM.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("shadowDom.maxDepth must be >= 0, got %d", c.ShadowDOM.MaxDepth))
	}
	switch c.Browser.Engine {
	case "chromium", "firefox", "webkit", "stealth":
		// valid
	default:
		errs = append(errs, fmt.Errorf("browser.engine must be chromium, firefox, webkit, or stealth, got %q", c.Browser.Engine))
	}
	return errors.Join(errs...)
}

// MemoryFile returns the path of the learned-selector store.
func (c *Config) MemoryFile() string { return filepath.Join(c.DataDir, "memory.json") }

// TraceFile returns the path of the rolling mission trace.
func (c *Config) TraceFile() string { return filepath.Join(c.DataDir, "trace.json") }

// TelemetryFile returns the path of the cumulative telemetry counters.
func (c *Config) TelemetryFile() string { return filepath.Join(c.DataDir, "telemetry.json") }

// ScreenshotDir returns the directory audit screenshots are written to.
func (c *Config) ScreenshotDir() string { return filepath.Join(c.DataDir, "screenshots") }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
