package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all funnelbot configuration.
type Config struct {
	// Pool settings
	Concurrency   int    `yaml:"concurrency"`    // simultaneous sessions
	Tick          string `yaml:"tick"`           // top-up interval
	UserBase      int    `yaml:"user_base"`      // number of distinct session IDs
	SessionPrefix string `yaml:"session_prefix"` // session ID = prefix + zero-padded number
	Seed          uint64 `yaml:"seed"`           // 0 = random per process

	Identity IdentityConfig `yaml:"identity"`
	Funnel   FunnelConfig   `yaml:"funnel"`
	Browser  BrowserConfig  `yaml:"browser"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig selects the identity store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, sqlite3, memory
	Path   string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:   6,
		Tick:          "1s",
		UserBase:      5000,
		SessionPrefix: "ecommerce01/session_",

		Identity: DefaultIdentityConfig(),
		Funnel:   DefaultFunnelConfig(),
		Browser:  DefaultBrowserConfig(),
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join("data", "funnelbot.db"),
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			File:         filepath.Join("data", "funnelbot.log"),
			Audit:        filepath.Join("data", "audit.jsonl"),
			Console:      true,
			SnapshotSize: 30,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
// Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("CHURN_PROBABILITY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHURN_PROBABILITY: %w", err)
		}
		c.Identity.ChurnProbability = f
	}
	if v := os.Getenv("NAVIGATION_SKIP_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("NAVIGATION_SKIP_THRESHOLD: %w", err)
		}
		c.Funnel.SkipThreshold = f
	}
	if v := os.Getenv("USERBASE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USERBASE: %w", err)
		}
		c.UserBase = n
	}

	// Anything but an explicit "false" keeps the browser headless.
	if v, ok := os.LookupEnv("HEADLESS"); ok {
		c.Browser.Headless = v != "false"
	}
	if v, ok := os.LookupEnv("DEVTOOLS"); ok {
		c.Browser.Devtools = v == "true"
	}

	if v := os.Getenv("FUNNELBOT_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FUNNELBOT_STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("FUNNELBOT_BROWSER_DRIVER"); v != "" {
		c.Browser.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("FUNNELBOT_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	return nil
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetTick returns the pool top-up interval.
func (c *Config) GetTick() time.Duration {
	return parseDuration(c.Tick, time.Second)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.UserBase < 1 {
		return fmt.Errorf("user_base must be at least 1, got %d", c.UserBase)
	}
	if err := checkProbability("identity.churn_probability", c.Identity.ChurnProbability); err != nil {
		return err
	}
	if err := checkProbability("funnel.skip_threshold", c.Funnel.SkipThreshold); err != nil {
		return err
	}
	if err := checkProbability("funnel.banner_accept_probability", c.Funnel.BannerAcceptProbability); err != nil {
		return err
	}
	if c.Funnel.BaseURL == "" {
		return fmt.Errorf("funnel.base_url is required")
	}
	if len(c.Funnel.MeasurementIDs) == 0 {
		return fmt.Errorf("funnel.measurement_ids must not be empty")
	}
	for name, s := range map[string]string{
		"tick":                  c.Tick,
		"identity.cookie_ttl":   c.Identity.CookieTTL,
		"funnel.step_dwell":     c.Funnel.StepDwell,
		"funnel.engaged_dwell":  c.Funnel.EngagedDwell,
		"funnel.join_timeout":   c.Funnel.JoinTimeout,
		"funnel.banner_timeout": c.Funnel.BannerTimeout,
		"browser.nav_timeout":   c.Browser.NavigationTimeout,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Store.Driver {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Browser.Driver {
	case "", "rod", "chromedp":
	default:
		return fmt.Errorf("unknown browser driver %q", c.Browser.Driver)
	}
	return nil
}

func checkProbability(name string, p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%s must be within [0, 1], got %v", name, p)
	}
	return nil
}
