package pilot

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/dompilot/action"
	"github.com/hazyhaar/dompilot/page/rodpage"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/perception/cache"
	"github.com/hazyhaar/dompilot/resolve"
	"github.com/hazyhaar/dompilot/session"
)

// Config is the top-level dompilot configuration.
type Config struct {
	Browser       BrowserConfig       `yaml:"browser"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Cache         CacheConfig         `yaml:"cache"`
	Perception    PerceptionConfig    `yaml:"perception"`
	Resolver      ResolverConfig      `yaml:"resolver"`
	Actions       ActionsConfig       `yaml:"actions"`
	Observability ObservabilityConfig `yaml:"observability"`
	HTTP          HTTPConfig          `yaml:"http"`
}

// BrowserConfig selects and tunes the page facade.
type BrowserConfig struct {
	Engine           string        `yaml:"engine"` // static | chrome
	Remote           string        `yaml:"remote"`
	Mode             string        `yaml:"mode"` // headless | headful
	Stealth          bool          `yaml:"stealth"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
	UserAgent        string        `yaml:"user_agent"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// SessionsConfig bounds the session pool.
type SessionsConfig struct {
	Max            int           `yaml:"max"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
	DegradedAfter  int           `yaml:"degraded_after"`
}

// CacheConfig tunes each session's perception cache.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

// PerceptionConfig tunes the tier engine.
type PerceptionConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	BudgetMultiple float64       `yaml:"budget_multiple"`
	Threshold      float64       `yaml:"threshold"`
	ContentLimit   int           `yaml:"content_limit"`
}

// ResolverConfig tunes target resolution.
type ResolverConfig struct {
	Threshold     float64       `yaml:"threshold"`
	MaxCandidates int           `yaml:"max_candidates"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// ActionsConfig tunes the executor.
type ActionsConfig struct {
	Retries     int           `yaml:"retries"`
	Backoff     string        `yaml:"backoff"` // exponential | fixed
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	Timeout     time.Duration `yaml:"timeout"`
	Rate        float64       `yaml:"rate"` // primitives per second, 0 = unlimited
	Burst       int           `yaml:"burst"`
}

// ObservabilityConfig locates the event journal.
type ObservabilityConfig struct {
	Path          string        `yaml:"path"` // empty = in-memory
	Buffer        int           `yaml:"buffer"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pilot: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML and validates it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pilot: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.Engine == "" {
		c.Browser.Engine = "static"
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Browser.FetchTimeout <= 0 {
		c.Browser.FetchTimeout = 30 * time.Second
	}
	if c.Sessions.Max <= 0 {
		c.Sessions.Max = 8
	}
	if c.Sessions.IdleTimeout <= 0 {
		c.Sessions.IdleTimeout = 5 * time.Minute
	}
	if c.Sessions.ReapInterval <= 0 {
		c.Sessions.ReapInterval = 30 * time.Second
	}
	if c.Sessions.ReleaseTimeout <= 0 {
		c.Sessions.ReleaseTimeout = 5 * time.Second
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 30 * time.Second
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 32
	}
	if c.Perception.CallTimeout <= 0 {
		c.Perception.CallTimeout = 5 * time.Second
	}
	if c.Perception.Threshold <= 0 {
		c.Perception.Threshold = 0.5
	}
	if c.Resolver.Threshold <= 0 {
		c.Resolver.Threshold = 0.5
	}
	if c.Actions.Retries <= 0 {
		c.Actions.Retries = 3
	}
	if c.Actions.Backoff == "" {
		c.Actions.Backoff = string(action.Exponential)
	}
	if c.Actions.Timeout <= 0 {
		c.Actions.Timeout = 10 * time.Second
	}
	if c.Observability.Retention <= 0 {
		c.Observability.Retention = 24 * time.Hour
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8765"
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 2 * time.Minute
	}
}

func (c *Config) validate() error {
	switch c.Browser.Engine {
	case "static", "chrome":
	default:
		return fmt.Errorf("pilot: browser.engine must be static or chrome, got %q", c.Browser.Engine)
	}
	if _, err := action.ParseBackoffKind(c.Actions.Backoff); err != nil {
		return fmt.Errorf("pilot: actions.backoff: %w", err)
	}
	if c.Perception.Threshold > 1 || c.Resolver.Threshold > 1 {
		return fmt.Errorf("pilot: thresholds must be within (0, 1]")
	}
	if c.Actions.Rate < 0 {
		return fmt.Errorf("pilot: actions.rate must not be negative")
	}
	return nil
}

func (c *Config) engineConfig() perception.Config {
	return perception.Config{
		CallTimeout:    c.Perception.CallTimeout,
		BudgetMultiple: c.Perception.BudgetMultiple,
		Threshold:      c.Perception.Threshold,
		ContentLimit:   c.Perception.ContentLimit,
	}
}

func (c *Config) resolverConfig() resolve.Config {
	return resolve.Config{
		Threshold:     c.Resolver.Threshold,
		MaxCandidates: c.Resolver.MaxCandidates,
		CallTimeout:   c.Resolver.CallTimeout,
	}
}

func (c *Config) executorConfig() action.Config {
	kind, _ := action.ParseBackoffKind(c.Actions.Backoff)
	cfg := action.Config{
		DefaultRetries: c.Actions.Retries,
		Backoff:        action.Backoff{Kind: kind, Base: c.Actions.BackoffBase, Max: c.Actions.BackoffMax},
		ActionTimeout:  c.Actions.Timeout,
		Burst:          c.Actions.Burst,
	}
	if c.Actions.Rate > 0 {
		cfg.Rate = rate.Limit(c.Actions.Rate)
	}
	return cfg
}

func (c *Config) sessionConfig() session.Config {
	return session.Config{
		MaxSessions:    c.Sessions.Max,
		IdleTimeout:    c.Sessions.IdleTimeout,
		ReapInterval:   c.Sessions.ReapInterval,
		ReleaseTimeout: c.Sessions.ReleaseTimeout,
		HistoryLimit:   c.Sessions.HistoryLimit,
		DegradedAfter:  c.Sessions.DegradedAfter,
		Cache:          cache.Config{TTL: c.Cache.TTL, Capacity: c.Cache.Capacity},
	}
}

// ManagerConfig maps the browser section onto the Chrome manager.
func (c *Config) ManagerConfig() rodpage.Config {
	return rodpage.Config{
		RemoteURL:        c.Browser.Remote,
		MemoryLimit:      c.Browser.MemoryLimit,
		RecycleInterval:  c.Browser.RecycleInterval,
		ResourceBlocking: c.Browser.ResourceBlocking,
		Mode:             rodpage.ParseMode(c.Browser.Mode),
		Stealth:          c.Browser.Stealth,
		XvfbDisplay:      c.Browser.XvfbDisplay,
		CallTimeout:      c.Browser.CallTimeout,
	}
}
