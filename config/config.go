package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/andybalholm/cascadia"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Browser    BrowserConfig    `toml:"browser"`
	Extraction ExtractionConfig `toml:"extraction"`
	Queue      QueueConfig      `toml:"queue"`
	Cache      CacheConfig      `toml:"cache"`
	Auth       AuthConfig       `toml:"auth"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Relay      RelayConfig      `toml:"relay"`
	Batch      BatchConfig      `toml:"batch"`
	Log        LogConfig        `toml:"log"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `toml:"host"` // default: "0.0.0.0"
	Port int    `toml:"port"` // default: 8080
	Mode string `toml:"mode"` // "debug", "release", "test"; default: "release"

	// ShutdownTimeout is how long in-flight requests get to drain.
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"` // default: 10s
}

// BrowserConfig controls the browser pool and the Chrome processes in it.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool `toml:"headless"` // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool `toml:"no_sandbox"` // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string `toml:"browser_bin"`

	// Proxy is passed to every launched browser.
	Proxy string `toml:"proxy"`

	// PoolSize is the number of managed browsers kept warm.
	PoolSize int `toml:"pool_size"` // default: 2

	// InitWait bounds how long an acquire waits for warm-up.
	InitWait time.Duration `toml:"init_wait"` // default: 15s

	// MaxUses and MaxAge recycle long-lived browsers. Zero disables.
	MaxUses int           `toml:"max_uses"` // default: 50
	MaxAge  time.Duration `toml:"max_age"`  // default: 50m

	// BlockedResourceTypes are aborted inside the page.
	// default: ["Image", "Stylesheet", "Font"]
	BlockedResourceTypes []string `toml:"blocked_resource_types"`
}

// ExtractionConfig tunes the extraction state machine.
type ExtractionConfig struct {
	OuterTimeout      time.Duration `toml:"outer_timeout"`      // default: 60s
	NavigationTimeout time.Duration `toml:"navigation_timeout"` // default: 20s
	SettleDelay       time.Duration `toml:"settle_delay"`       // default: 2s
	MaxAttempts       int           `toml:"max_attempts"`       // default: 6
	InteractionBudget time.Duration `toml:"interaction_budget"` // default: 25s
	AttemptInterval   time.Duration `toml:"attempt_interval"`   // default: 1.5s
	EarlyExitGrace    time.Duration `toml:"early_exit_grace"`   // default: 1.5s
	FinalSettle       time.Duration `toml:"final_settle"`       // default: 3s
	Retries           int           `toml:"retries"`            // default: 1
	RetryPause        time.Duration `toml:"retry_pause"`        // default: 1s
	CleanupGrace      time.Duration `toml:"cleanup_grace"`      // default: 15s

	// Aggressive turns on grid clicks and iframe descent for every request.
	Aggressive bool `toml:"aggressive"` // default: false

	// EscalateOnRetry runs the retry with the aggressive strategy.
	EscalateOnRetry bool `toml:"escalate_on_retry"` // default: true

	// StrategyMemoryTTL is how long a host stays marked as needing the
	// aggressive strategy.
	StrategyMemoryTTL time.Duration `toml:"strategy_memory_ttl"` // default: 24h

	ConsoleScan bool  `toml:"console_scan"` // default: true
	DOMScan     bool  `toml:"dom_scan"`     // default: true
	BodyLimit   int64 `toml:"body_limit"`   // default: 2 MiB

	// PlaySelectors override the built-in play-button selectors.
	PlaySelectors []string `toml:"play_selectors"`
}

// QueueConfig controls request admission.
type QueueConfig struct {
	// Capacity is the number of extractions allowed to run at once.
	Capacity int `toml:"capacity"` // default: 2
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	TTL           time.Duration `toml:"ttl"`            // default: 30m
	SweepInterval time.Duration `toml:"sweep_interval"` // default: 5m

	// MaxEntries is the maximum number of cached results.
	MaxEntries int `toml:"max_entries"` // default: 1000
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication. With no keys configured the
	// middleware lets every request through.
	Enabled bool `toml:"enabled"` // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string `toml:"api_keys"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 `toml:"requests_per_second"` // default: 5

	// Burst is the maximum burst size per API key.
	Burst int `toml:"burst"` // default: 10

	// ProxyRequestsPerSecond and ProxyBurst limit GET /proxy separately;
	// a player fetches every segment through it.
	ProxyRequestsPerSecond float64 `toml:"proxy_requests_per_second"` // default: 50
	ProxyBurst             int     `toml:"proxy_burst"`                // default: 100
}

// RelayConfig controls the /proxy forwarder.
type RelayConfig struct {
	// Timeout bounds connecting and reading response headers upstream.
	Timeout time.Duration `toml:"timeout"` // default: 30s
}

// BatchConfig controls batch jobs.
type BatchConfig struct {
	// JobTTL is how long finished jobs stay queryable.
	JobTTL time.Duration `toml:"job_ttl"` // default: 1h
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `toml:"level"`  // default: "info"
	Format string `toml:"format"` // "json" or "text"; default: "json"
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:             true,
			PoolSize:             2,
			InitWait:             15 * time.Second,
			MaxUses:              50,
			MaxAge:               50 * time.Minute,
			BlockedResourceTypes: []string{"Image", "Stylesheet", "Font"},
		},
		Extraction: ExtractionConfig{
			OuterTimeout:      60 * time.Second,
			NavigationTimeout: 20 * time.Second,
			SettleDelay:       2 * time.Second,
			MaxAttempts:       6,
			InteractionBudget: 25 * time.Second,
			AttemptInterval:   1500 * time.Millisecond,
			EarlyExitGrace:    1500 * time.Millisecond,
			FinalSettle:       3 * time.Second,
			Retries:           1,
			RetryPause:        time.Second,
			CleanupGrace:      15 * time.Second,
			EscalateOnRetry:   true,
			StrategyMemoryTTL: 24 * time.Hour,
			ConsoleScan:       true,
			DOMScan:           true,
			BodyLimit:         2 << 20,
		},
		Queue: QueueConfig{Capacity: 2},
		Cache: CacheConfig{
			TTL:           30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			MaxEntries:    1000,
		},
		Auth: AuthConfig{Enabled: true},
		RateLimit: RateLimitConfig{
			RequestsPerSecond:      5,
			Burst:                  10,
			ProxyRequestsPerSecond: 50,
			ProxyBurst:             100,
		},
		Relay: RelayConfig{Timeout: 30 * time.Second},
		Batch: BatchConfig{JobTTL: time.Hour},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty), then STREAMPROBE_* environment variables,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("STREAMPROBE_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = envOr("STREAMPROBE_HOST", c.Server.Host)
	c.Server.Port = envIntOr("STREAMPROBE_PORT", c.Server.Port)
	c.Server.Mode = envOr("STREAMPROBE_MODE", c.Server.Mode)
	c.Server.ShutdownTimeout = envDurationOr("STREAMPROBE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Browser.Headless = envBoolOr("STREAMPROBE_HEADLESS", c.Browser.Headless)
	c.Browser.NoSandbox = envBoolOr("STREAMPROBE_NO_SANDBOX", c.Browser.NoSandbox)
	c.Browser.BrowserBin = envOr("STREAMPROBE_BROWSER_BIN", c.Browser.BrowserBin)
	c.Browser.Proxy = envOr("STREAMPROBE_PROXY", c.Browser.Proxy)
	c.Browser.PoolSize = envIntOr("STREAMPROBE_POOL_SIZE", c.Browser.PoolSize)
	c.Browser.InitWait = envDurationOr("STREAMPROBE_POOL_INIT_WAIT", c.Browser.InitWait)
	c.Browser.MaxUses = envIntOr("STREAMPROBE_BROWSER_MAX_USES", c.Browser.MaxUses)
	c.Browser.MaxAge = envDurationOr("STREAMPROBE_BROWSER_MAX_AGE", c.Browser.MaxAge)
	c.Browser.BlockedResourceTypes = envSliceOr("STREAMPROBE_BLOCKED_RESOURCES", c.Browser.BlockedResourceTypes)

	x := &c.Extraction
	x.OuterTimeout = envDurationOr("STREAMPROBE_TIMEOUT", x.OuterTimeout)
	x.NavigationTimeout = envDurationOr("STREAMPROBE_NAV_TIMEOUT", x.NavigationTimeout)
	x.SettleDelay = envDurationOr("STREAMPROBE_SETTLE_DELAY", x.SettleDelay)
	x.MaxAttempts = envIntOr("STREAMPROBE_MAX_ATTEMPTS", x.MaxAttempts)
	x.InteractionBudget = envDurationOr("STREAMPROBE_INTERACTION_BUDGET", x.InteractionBudget)
	x.AttemptInterval = envDurationOr("STREAMPROBE_ATTEMPT_INTERVAL", x.AttemptInterval)
	x.EarlyExitGrace = envDurationOr("STREAMPROBE_EARLY_EXIT_GRACE", x.EarlyExitGrace)
	x.FinalSettle = envDurationOr("STREAMPROBE_FINAL_SETTLE", x.FinalSettle)
	x.Retries = envIntOr("STREAMPROBE_RETRIES", x.Retries)
	x.RetryPause = envDurationOr("STREAMPROBE_RETRY_PAUSE", x.RetryPause)
	x.CleanupGrace = envDurationOr("STREAMPROBE_CLEANUP_GRACE", x.CleanupGrace)
	x.Aggressive = envBoolOr("STREAMPROBE_AGGRESSIVE", x.Aggressive)
	x.EscalateOnRetry = envBoolOr("STREAMPROBE_ESCALATE_ON_RETRY", x.EscalateOnRetry)
	x.StrategyMemoryTTL = envDurationOr("STREAMPROBE_STRATEGY_TTL", x.StrategyMemoryTTL)
	x.ConsoleScan = envBoolOr("STREAMPROBE_CONSOLE_SCAN", x.ConsoleScan)
	x.DOMScan = envBoolOr("STREAMPROBE_DOM_SCAN", x.DOMScan)
	x.BodyLimit = int64(envIntOr("STREAMPROBE_BODY_LIMIT", int(x.BodyLimit)))
	x.PlaySelectors = envSliceOr("STREAMPROBE_PLAY_SELECTORS", x.PlaySelectors)

	c.Queue.Capacity = envIntOr("STREAMPROBE_QUEUE_CAPACITY", c.Queue.Capacity)

	c.Cache.TTL = envDurationOr("STREAMPROBE_CACHE_TTL", c.Cache.TTL)
	c.Cache.SweepInterval = envDurationOr("STREAMPROBE_CACHE_SWEEP", c.Cache.SweepInterval)
	c.Cache.MaxEntries = envIntOr("STREAMPROBE_CACHE_MAX_ENTRIES", c.Cache.MaxEntries)

	c.Auth.Enabled = envBoolOr("STREAMPROBE_AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.APIKeys = envSliceOr("STREAMPROBE_API_KEYS", c.Auth.APIKeys)

	c.RateLimit.RequestsPerSecond = envFloatOr("STREAMPROBE_RATE_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.Burst = envIntOr("STREAMPROBE_RATE_BURST", c.RateLimit.Burst)
	c.RateLimit.ProxyRequestsPerSecond = envFloatOr("STREAMPROBE_PROXY_RATE_RPS", c.RateLimit.ProxyRequestsPerSecond)
	c.RateLimit.ProxyBurst = envIntOr("STREAMPROBE_PROXY_RATE_BURST", c.RateLimit.ProxyBurst)

	c.Relay.Timeout = envDurationOr("STREAMPROBE_RELAY_TIMEOUT", c.Relay.Timeout)
	c.Batch.JobTTL = envDurationOr("STREAMPROBE_BATCH_TTL", c.Batch.JobTTL)

	c.Log.Level = envOr("STREAMPROBE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("STREAMPROBE_LOG_FORMAT", c.Log.Format)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("server.port", c.Server.Port)
	positive("browser.pool_size", c.Browser.PoolSize)
	positive("queue.capacity", c.Queue.Capacity)
	positive("cache.max_entries", c.Cache.MaxEntries)
	positive("extraction.max_attempts", c.Extraction.MaxAttempts)
	positive("rate_limit.burst", c.RateLimit.Burst)
	positive("rate_limit.proxy_burst", c.RateLimit.ProxyBurst)

	positiveDur("browser.init_wait", c.Browser.InitWait)
	positiveDur("extraction.outer_timeout", c.Extraction.OuterTimeout)
	positiveDur("extraction.navigation_timeout", c.Extraction.NavigationTimeout)
	positiveDur("extraction.interaction_budget", c.Extraction.InteractionBudget)
	positiveDur("cache.ttl", c.Cache.TTL)
	positiveDur("cache.sweep_interval", c.Cache.SweepInterval)
	positiveDur("relay.timeout", c.Relay.Timeout)

	if c.Extraction.Retries < 0 {
		errs = append(errs, fmt.Errorf("extraction.retries must not be negative, got %d", c.Extraction.Retries))
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second must be positive, got %g", c.RateLimit.RequestsPerSecond))
	}
	if c.RateLimit.ProxyRequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.proxy_requests_per_second must be positive, got %g", c.RateLimit.ProxyRequestsPerSecond))
	}
	for _, sel := range c.Extraction.PlaySelectors {
		if _, err := cascadia.Compile(sel); err != nil {
			errs = append(errs, fmt.Errorf("extraction.play_selectors: %q: %w", sel, err))
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
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

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
