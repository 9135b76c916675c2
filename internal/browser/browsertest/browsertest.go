// Package browsertest provides a scripted in-memory browser.Driver.
//
// A Site maps link texts to URLs and decides which network events each page load
// or click produces. Events are delivered synchronously from inside the action, so
// tests are deterministic and need no Chrome.
package browsertest

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"funnelbot/internal/browser"
	"funnelbot/internal/event"
	"funnelbot/internal/identity"
)

// Site scripts the fake browser.
type Site struct {
	// Links maps a locator text to the URL a click navigates to. An empty URL means
	// the element exists but the click stays on the page.
	Links map[string]string
	// Emit returns the events produced by a trigger: the URL for a page load,
	// "click:<text>" for a click.
	Emit func(trigger string) []event.Raw
	// Fail maps a locator text or URL to the error its action returns.
	Fail map[string]error
	// CloseErr is returned (with the state) by every Context.Close.
	CloseErr error
	// Storage is the localStorage per origin. A page reports its current origin's
	// items when it closes, the way the real adapters snapshot pages.
	Storage map[string]map[string]string
}

// Driver is a fake browser.Driver.
type Driver struct {
	site Site

	mu       sync.Mutex
	contexts []*Context
	closed   bool
}

// New returns a Driver serving site.
func New(site Site) *Driver {
	return &Driver{site: site}
}

func (d *Driver) NewContext(_ context.Context, opts browser.ContextOptions) (browser.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, browser.ErrClosed
	}
	c := &Context{site: d.site, Device: opts.Device}
	d.contexts = append(d.contexts, c)
	return c, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Contexts returns every context created so far.
func (d *Driver) Contexts() []*Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Context(nil), d.contexts...)
}

// Context is a fake browser.Context.
type Context struct {
	site   Site
	Device string

	mu         sync.Mutex
	cookies    []identity.Cookie
	scripts    []string
	onNet      func(event.Raw)
	pages      []*Page
	kept       map[string]map[string]string
	closeCalls int
}

func (c *Context) AddCookies(_ context.Context, cookies []identity.Cookie) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalls > 0 {
		return browser.ErrClosed
	}
	st := identity.State{Cookies: c.cookies}
	for _, ck := range cookies {
		st.SetCookie(ck)
	}
	c.cookies = st.Cookies
	return nil
}

func (c *Context) Cookies(context.Context) ([]identity.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]identity.Cookie(nil), c.cookies...), nil
}

func (c *Context) AddInitScript(_ context.Context, js string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalls > 0 {
		return browser.ErrClosed
	}
	c.scripts = append(c.scripts, js)
	return nil
}

func (c *Context) OnNetwork(fn func(event.Raw)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNet = fn
}

func (c *Context) NewPage(context.Context) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCalls > 0 {
		return nil, browser.ErrClosed
	}
	p := &Page{ctx: c, url: "about:blank"}
	c.pages = append(c.pages, p)
	return p, nil
}

// Close closes every open page, then returns the cookies plus the storage the
// pages reported.
func (c *Context) Close(ctx context.Context) (identity.State, error) {
	c.mu.Lock()
	c.closeCalls++
	if c.closeCalls > 1 {
		c.mu.Unlock()
		return identity.State{}, browser.ErrClosed
	}
	pages := append([]*Page(nil), c.pages...)
	c.mu.Unlock()

	for _, p := range pages {
		_ = p.Close(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := identity.State{Cookies: append([]identity.Cookie(nil), c.cookies...)}
	if len(c.kept) > 0 {
		st.LocalStorage = identity.State{LocalStorage: c.kept}.Clone().LocalStorage
	}
	return st, c.site.CloseErr
}

func (c *Context) keep(origin string, items map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kept == nil {
		c.kept = make(map[string]map[string]string)
	}
	c.kept[origin] = items
}

// Scripts returns the init scripts added so far.
func (c *Context) Scripts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.scripts...)
}

// CloseCalls reports how many times Close was called.
func (c *Context) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Pages returns the pages opened in this context.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

func (c *Context) emit(trigger string) {
	c.mu.Lock()
	fn := c.onNet
	c.mu.Unlock()
	if fn == nil || c.site.Emit == nil {
		return
	}
	for _, raw := range c.site.Emit(trigger) {
		if raw.Time.IsZero() {
			raw.Time = time.Now()
		}
		fn(raw)
	}
}

// Page is a fake browser.Page.
type Page struct {
	ctx *Context

	mu        sync.Mutex
	url       string
	history   []string
	referrers []string
	sleeps    []time.Duration
	closed    bool
}

func (p *Page) check(ctx context.Context, key string) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return browser.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := p.ctx.site.Fail[key]; ok {
		return err
	}
	return nil
}

func (p *Page) load(u string) {
	p.mu.Lock()
	p.url = u
	p.history = append(p.history, u)
	p.mu.Unlock()
	p.ctx.emit(u)
}

func (p *Page) Navigate(ctx context.Context, u, referrer string, _ browser.WaitPolicy) error {
	if err := p.check(ctx, u); err != nil {
		return fmt.Errorf("navigate %s: %w", u, err)
	}
	p.mu.Lock()
	p.referrers = append(p.referrers, referrer)
	p.mu.Unlock()
	p.load(u)
	return nil
}

func (p *Page) Click(ctx context.Context, loc browser.Locator) error {
	if err := p.check(ctx, loc.Text); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	target, ok := p.ctx.site.Links[loc.Text]
	if !ok {
		return fmt.Errorf("click %s: element not found", loc)
	}
	p.ctx.emit("click:" + loc.Text)
	if target != "" {
		p.load(p.resolve(target))
	}
	return nil
}

// resolve makes target absolute against the current URL.
func (p *Page) resolve(target string) string {
	p.mu.Lock()
	cur := p.url
	p.mu.Unlock()
	base, err := url.Parse(cur)
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}

func (p *Page) WaitURL(ctx context.Context, pattern *regexp.Regexp, _ browser.WaitPolicy) error {
	if err := p.check(ctx, ""); err != nil {
		return err
	}
	p.mu.Lock()
	cur := p.url
	p.mu.Unlock()
	if !pattern.MatchString(cur) {
		return fmt.Errorf("wait for url %s (at %q): %w", pattern, cur, context.DeadlineExceeded)
	}
	return nil
}

// WaitTimeout records d and returns at once.
func (p *Page) WaitTimeout(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.sleeps = append(p.sleeps, d)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// Close reports the current origin's storage to the context, then closes.
func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return browser.ErrClosed
	}
	p.closed = true
	cur := p.url
	p.mu.Unlock()

	if origin := originOf(cur); origin != "" {
		if items, ok := p.ctx.site.Storage[origin]; ok && len(items) > 0 {
			p.ctx.keep(origin, items)
		}
	}
	return nil
}

// originOf returns scheme://host of u, or "" for opaque URLs like about:blank.
func originOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// History returns the URLs loaded in order.
func (p *Page) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}

// Referrers returns the referrers passed to Navigate.
func (p *Page) Referrers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.referrers...)
}

// Sleeps returns the durations passed to WaitTimeout.
func (p *Page) Sleeps() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.sleeps...)
}

// Collect builds a GA4 collect beacon carrying one event per name.
func Collect(dir event.Direction, measurementID string, names ...string) event.Raw {
	var body strings.Builder
	for i, n := range names {
		if i > 0 {
			body.WriteString("\n")
		}
		body.WriteString("en=" + url.QueryEscape(n))
		if n == "user_engagement" {
			body.WriteString("&_et=1000")
		}
	}
	return event.Raw{
		Direction: dir,
		URL:       "https://region1.google-analytics.com/g/collect?v=2&tid=" + url.QueryEscape(measurementID),
		Body:      body.String(),
	}
}
