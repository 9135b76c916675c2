// Package browser drives a real Chrome for the funnel sessions.
//
// The Driver/Context/Page interfaces are what the rest of funnelbot programs
// against. Two adapters implement them: go-rod (the default) and chromedp. Both
// surface every request and response as an event.Raw and hand back the final
// cookies and localStorage when a context closes.
package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"funnelbot/internal/event"
	"funnelbot/internal/identity"
)

// ErrClosed is returned by operations on a closed context or page.
var ErrClosed = errors.New("browser: closed")

// Driver names accepted by New.
const (
	DriverRod      = "rod"
	DriverChromedp = "chromedp"
)

// Config holds browser configuration.
type Config struct {
	Driver            string
	DebuggerURL       string // attach to a running Chrome instead of launching one
	Bin               string // Chrome binary; empty lets the driver find one
	Headless          bool
	Devtools          bool
	NavigationTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:            DriverRod,
		Headless:          true,
		NavigationTimeout: 60 * time.Second,
	}
}

// Timeout returns the per-call navigation timeout.
func (c Config) Timeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 60 * time.Second
	}
	return c.NavigationTimeout
}

// WaitPolicy says when a navigation counts as finished.
type WaitPolicy int

const (
	WaitNone WaitPolicy = iota
	WaitLoad
	WaitNetworkIdle
)

func (w WaitPolicy) String() string {
	switch w {
	case WaitNone:
		return "none"
	case WaitLoad:
		return "load"
	case WaitNetworkIdle:
		return "networkidle"
	}
	return fmt.Sprintf("wait(%d)", int(w))
}

// Locator finds a clickable element by tag and visible text. Index picks among
// several matches, zero-based.
type Locator struct {
	Tag   string // "a", "button"; empty matches any element
	Text  string
	Index int
}

// XPath renders the locator for both drivers. Without a tag only an element's own
// text counts, otherwise every ancestor up to <html> would match first.
func (l Locator) XPath() string {
	if l.Tag == "" {
		return fmt.Sprintf(`(//*[text()[contains(normalize-space(.), %s)]])[%d]`, xpathLiteral(l.Text), l.Index+1)
	}
	return fmt.Sprintf(`(//%s[contains(normalize-space(.), %s)])[%d]`, l.Tag, xpathLiteral(l.Text), l.Index+1)
}

func (l Locator) String() string {
	tag := l.Tag
	if tag == "" {
		tag = "*"
	}
	return fmt.Sprintf("%s %q #%d", tag, l.Text, l.Index)
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		quoted = append(quoted, `"`+p+`"`)
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// ContextOptions configures a new isolated context.
type ContextOptions struct {
	Device string // emulated device name, e.g. "Nexus 10"; empty disables emulation
}

// Driver owns the browser process.
type Driver interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close() error
}

// Context is an isolated browsing context (its own cookie jar and storage).
type Context interface {
	AddCookies(ctx context.Context, cookies []identity.Cookie) error
	Cookies(ctx context.Context) ([]identity.Cookie, error)
	// AddInitScript runs js in every document of pages opened afterwards.
	AddInitScript(ctx context.Context, js string) error
	// OnNetwork registers the request/response listener for pages opened afterwards.
	OnNetwork(fn func(event.Raw))
	NewPage(ctx context.Context) (Page, error)
	// Close tears the context down and returns its final cookies and storage.
	Close(ctx context.Context) (identity.State, error)
}

// Page is a single tab.
type Page interface {
	Navigate(ctx context.Context, url, referrer string, wait WaitPolicy) error
	Click(ctx context.Context, loc Locator) error
	WaitURL(ctx context.Context, pattern *regexp.Regexp, wait WaitPolicy) error
	WaitTimeout(ctx context.Context, d time.Duration) error
	URL(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// New starts the configured driver.
func New(ctx context.Context, cfg Config) (Driver, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverRod:
		return NewRodDriver(ctx, cfg)
	case DriverChromedp:
		return NewChromedpDriver(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

// Sleep waits for d or until ctx is done. Both adapters use it for WaitTimeout.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollURL calls current until it returns a URL matching pattern.
func pollURL(ctx context.Context, pattern *regexp.Regexp, current func() (string, error)) (string, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	last := ""
	for {
		u, err := current()
		if err == nil {
			last = u
			if pattern.MatchString(u) {
				return u, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("wait for url %s (at %q): %w", pattern, last, ctx.Err())
		case <-ticker.C:
		}
	}
}
