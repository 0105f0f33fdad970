// Package config provides FORGE's configuration, built from environment
// variables with sensible defaults. Full YAML loading is treated as an
// external collaborator (see LoadYAML) — the core only ever consumes a
// *Config struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds FORGE's runtime configuration. Values come from env vars
// or defaults; LoadYAML builds the same struct from a config.yaml file.
type Config struct {
	// --- Root layout ---

	// Root is the FORGE root directory (env: FORGE_ROOT). Default: ~/.forge.
	Root string

	// --- Worker supervisor ---

	// LauncherPath is the external launcher executable (env: FORGE_LAUNCHER_PATH).
	LauncherPath string

	// SessionPattern matches multiplexer session names recognized as workers
	// during discover() (env: FORGE_SESSION_PATTERN).
	SessionPattern string

	// SpawnTimeout bounds how long spawn() waits for the launcher's stdout
	// line (env: FORGE_SPAWN_TIMEOUT). Default: 60s.
	SpawnTimeout time.Duration

	// MaxConcurrentWorkers caps total live workers (env: FORGE_MAX_WORKERS).
	// 0 means unlimited.
	MaxConcurrentWorkers int

	// MaxSpawnsPerPass caps how many new workers a single routing pass may
	// suggest spawning (env: FORGE_MAX_SPAWNS_PER_PASS). Default: 3.
	MaxSpawnsPerPass int

	// --- Status/log watchers ---

	// StatusDebounce coalesces bursty writes to the same status file
	// (env: FORGE_STATUS_DEBOUNCE). Default: 250ms.
	StatusDebounce time.Duration

	// PollInterval is the fallback poll period when filesystem notification
	// is unavailable (env: FORGE_POLL_INTERVAL). Default: 5s.
	PollInterval time.Duration

	// LogRingSize bounds how many recent log events are retained per worker
	// (env: FORGE_LOG_RING_SIZE). Default: 1000.
	LogRingSize int

	// --- Health monitor ---

	CheckIntervalSecs     int  // env: FORGE_CHECK_INTERVAL_SECS, default 30
	StaleThresholdSecs    int  // env: FORGE_STALE_THRESHOLD_SECS, default 900
	TaskStuckThresholdSecs int // env: FORGE_TASK_STUCK_THRESHOLD_SECS, default 1800
	MemoryLimitMB         int  // env: FORGE_MEMORY_LIMIT_MB, default 0 (off)
	ResponseProbeEnabled  bool // env: FORGE_RESPONSE_PROBE_ENABLED, default false
	ResponseProbeTimeoutSecs int // env: FORGE_RESPONSE_PROBE_TIMEOUT_SECS, default 5

	// --- Task router / scorer weights ---

	PriorityWeights [5]int // env: FORGE_PRIORITY_WEIGHTS (comma-separated), default 40,30,20,10,5
	BlockerPoints   int    // per-blocker points, default 10
	BlockerCap      int    // max blocker points, default 30
	AgePointsPerDay int    // default 3
	AgeCap          int    // default 20
	LabelBonus      int    // default 10
	CriticalLabels  []string

	// --- Cost ledger ---

	// LedgerPath is the bbolt-backed costs.db file (env: FORGE_LEDGER_PATH).
	LedgerPath string

	// LedgerRetryDelaysMS is the backoff ladder applied to BUSY/LOCKED
	// ledger errors (env: FORGE_LEDGER_RETRY_DELAYS_MS, comma-separated).
	LedgerRetryDelaysMS []int

	// LedgerMaxRetries caps total attempts (env: FORGE_LEDGER_MAX_RETRIES). Default 5.
	LedgerMaxRetries int

	// --- API retry core ---

	AnthropicAPIKey   string        // env: FORGE_ANTHROPIC_API_KEY
	ClaudeModel       string        // env: CLAUDE_MODEL
	APIRequestTimeout time.Duration // env: FORGE_API_REQUEST_TIMEOUT, default 30s
	APIMaxRetries     int           // env: FORGE_API_MAX_RETRIES, default 3
	APIDefaultWaitSecs int          // env: FORGE_API_DEFAULT_WAIT_SECS, default 60
	APITransientBaseDelay time.Duration // env: FORGE_API_TRANSIENT_BASE_DELAY, default 500ms
	APITransientCapDelay  time.Duration // env: FORGE_API_TRANSIENT_CAP_DELAY, default 30s
	RateLimitRPS      float64       // env: FORGE_RATE_LIMIT_RPS, default 0 (unlimited)

	// --- Self-update ---

	UpdateSourceURL string // env: FORGE_UPDATE_SOURCE_URL
	AutoRestart     bool   // env: FORGE_AUTO_RESTART (presence, not value, matters — see internal/selfupdate)

	// --- Logging ---

	LogLevel  string // env: FORGE_LOG_LEVEL, default info
	LogFormat string // env: FORGE_LOG_FORMAT, default text
}

// Parse reads configuration from environment variables.
func Parse() *Config {
	root := envOr("FORGE_ROOT", defaultRoot())
	return &Config{
		Root: root,

		LauncherPath:          envOr("FORGE_LAUNCHER_PATH", "forge-launcher"),
		SessionPattern:        envOr("FORGE_SESSION_PATTERN", `^(claude-code|glm)-.+$`),
		SpawnTimeout:          envDurationOr("FORGE_SPAWN_TIMEOUT", 60*time.Second),
		MaxConcurrentWorkers:  envIntOr("FORGE_MAX_WORKERS", 0),
		MaxSpawnsPerPass:      envIntOr("FORGE_MAX_SPAWNS_PER_PASS", 3),

		StatusDebounce: envDurationOr("FORGE_STATUS_DEBOUNCE", 250*time.Millisecond),
		PollInterval:   envDurationOr("FORGE_POLL_INTERVAL", 5*time.Second),
		LogRingSize:    envIntOr("FORGE_LOG_RING_SIZE", 1000),

		CheckIntervalSecs:      envIntOr("FORGE_CHECK_INTERVAL_SECS", 30),
		StaleThresholdSecs:     envIntOr("FORGE_STALE_THRESHOLD_SECS", 900),
		TaskStuckThresholdSecs: envIntOr("FORGE_TASK_STUCK_THRESHOLD_SECS", 1800),
		MemoryLimitMB:          envIntOr("FORGE_MEMORY_LIMIT_MB", 0),
		ResponseProbeEnabled:   envBoolOr("FORGE_RESPONSE_PROBE_ENABLED", false),
		ResponseProbeTimeoutSecs: envIntOr("FORGE_RESPONSE_PROBE_TIMEOUT_SECS", 5),

		PriorityWeights: [5]int{40, 30, 20, 10, 5},
		BlockerPoints:   10,
		BlockerCap:      30,
		AgePointsPerDay: 3,
		AgeCap:          20,
		LabelBonus:      10,
		CriticalLabels:  []string{"critical", "urgent", "blocker", "hotfix"},

		LedgerPath:          envOr("FORGE_LEDGER_PATH", root+"/costs.db"),
		LedgerRetryDelaysMS: []int{100, 200, 400, 800, 1600},
		LedgerMaxRetries:    envIntOr("FORGE_LEDGER_MAX_RETRIES", 5),

		AnthropicAPIKey:        os.Getenv("FORGE_ANTHROPIC_API_KEY"),
		ClaudeModel:            envOr("CLAUDE_MODEL", "claude-sonnet-4-5"),
		APIRequestTimeout:      envDurationOr("FORGE_API_REQUEST_TIMEOUT", 30*time.Second),
		APIMaxRetries:          envIntOr("FORGE_API_MAX_RETRIES", 3),
		APIDefaultWaitSecs:     envIntOr("FORGE_API_DEFAULT_WAIT_SECS", 60),
		APITransientBaseDelay:  envDurationOr("FORGE_API_TRANSIENT_BASE_DELAY", 500*time.Millisecond),
		APITransientCapDelay:   envDurationOr("FORGE_API_TRANSIENT_CAP_DELAY", 30*time.Second),
		RateLimitRPS:           envFloatOr("FORGE_RATE_LIMIT_RPS", 0),

		UpdateSourceURL: os.Getenv("FORGE_UPDATE_SOURCE_URL"),
		AutoRestart:     os.Getenv("FORGE_AUTO_RESTART") != "",

		LogLevel:  envOr("FORGE_LOG_LEVEL", "info"),
		LogFormat: envOr("FORGE_LOG_FORMAT", "text"),
	}
}

// LoadYAML reads a config.yaml file and overlays its fields onto the
// env-derived defaults. Per spec, YAML loading itself is an external
// collaborator's concern; this is a convenience the core exposes so an
// embedder can hand FORGE either form without owning its own env parsing.
func LoadYAML(path string) (*Config, error) {
	cfg := Parse()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	overlay.applyTo(cfg)
	return cfg, nil
}

// yamlOverlay mirrors the subset of Config a user is expected to tune by
// hand; zero values are left untouched so env defaults still apply.
type yamlOverlay struct {
	Root                 string `yaml:"root"`
	LauncherPath          string `yaml:"launcher_path"`
	SessionPattern        string `yaml:"session_pattern"`
	MaxConcurrentWorkers  int    `yaml:"max_concurrent_workers"`
	StaleThresholdSecs    int    `yaml:"stale_threshold_secs"`
	TaskStuckThresholdSecs int   `yaml:"task_stuck_threshold_secs"`
	LogLevel              string `yaml:"log_level"`
}

func (o *yamlOverlay) applyTo(cfg *Config) {
	if o.Root != "" {
		cfg.Root = o.Root
	}
	if o.LauncherPath != "" {
		cfg.LauncherPath = o.LauncherPath
	}
	if o.SessionPattern != "" {
		cfg.SessionPattern = o.SessionPattern
	}
	if o.MaxConcurrentWorkers != 0 {
		cfg.MaxConcurrentWorkers = o.MaxConcurrentWorkers
	}
	if o.StaleThresholdSecs != 0 {
		cfg.StaleThresholdSecs = o.StaleThresholdSecs
	}
	if o.TaskStuckThresholdSecs != 0 {
		cfg.TaskStuckThresholdSecs = o.TaskStuckThresholdSecs
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forge"
	}
	return home + "/.forge"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
