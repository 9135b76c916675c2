package config

import "time"

// BrowserConfig configures the browser driver.
type BrowserConfig struct {
	Driver            string `yaml:"driver"` // rod, chromedp
	Headless          bool   `yaml:"headless"`
	Devtools          bool   `yaml:"devtools"`
	Device            string `yaml:"device"` // emulated device; empty disables emulation
	NavigationTimeout string `yaml:"nav_timeout"`
	DebuggerURL       string `yaml:"debugger_url"` // attach instead of launching
	Bin               string `yaml:"bin"`
}

// DefaultBrowserConfig returns the browser defaults.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Driver:            "rod",
		Headless:          true,
		Device:            "Nexus 10",
		NavigationTimeout: "60s",
	}
}

// GetNavigationTimeout returns the per-call driver timeout.
func (c BrowserConfig) GetNavigationTimeout() time.Duration {
	return parseDuration(c.NavigationTimeout, 60*time.Second)
}
