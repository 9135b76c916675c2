package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"funnelbot/internal/event"
	"funnelbot/internal/identity"
	"funnelbot/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/devices"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

var rodDevices = map[string]devices.Device{
	"nexus 10":  devices.Nexus10,
	"nexus 7":   devices.Nexus7,
	"ipad":      devices.IPad,
	"iphone x":  devices.IPhoneX,
	"pixel 2":   devices.Pixel2,
	"galaxy s5": devices.GalaxyS5,
}

// RodDriver owns one Chrome instance, launched or attached.
type RodDriver struct {
	cfg      Config
	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	closed   bool
}

// NewRodDriver connects to cfg.DebuggerURL or launches a new Chrome.
func NewRodDriver(ctx context.Context, cfg Config) (*RodDriver, error) {
	d := &RodDriver{cfg: cfg}

	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless).Devtools(cfg.Devtools)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
		d.launcher = l
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		if d.launcher != nil {
			d.launcher.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	// The connect context only bounds startup.
	d.browser = b.Context(context.Background())
	logging.Browser("rod connected to %s (headless=%v)", controlURL, cfg.Headless)
	return d, nil
}

// NewContext implements Driver.
func (d *RodDriver) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	b := d.browser
	d.mu.Unlock()

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	var device *devices.Device
	if opts.Device != "" {
		dev, ok := rodDevices[strings.ToLower(opts.Device)]
		if !ok {
			_ = incognito.Close()
			return nil, fmt.Errorf("unknown device %q", opts.Device)
		}
		device = &dev
	}
	return &rodContext{
		driver:    d,
		incognito: incognito,
		device:    device,
	}, nil
}

// Close shuts the browser down.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	return err
}

type rodContext struct {
	driver    *RodDriver
	incognito *rod.Browser
	device    *devices.Device

	mu      sync.Mutex
	scripts []string
	onNet   func(event.Raw)
	pages   []*rodPage
	kept    []storageSnapshot // taken by pages as they close
	closed  bool
}

func (c *rodContext) keep(snap storageSnapshot) {
	c.mu.Lock()
	c.kept = append(c.kept, snap)
	c.mu.Unlock()
}

func (c *rodContext) AddCookies(_ context.Context, cookies []identity.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, ck := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  proto.TimeSinceEpoch(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: proto.NetworkCookieSameSite(ck.SameSite),
		})
	}
	if err := c.incognito.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (c *rodContext) Cookies(_ context.Context) ([]identity.Cookie, error) {
	got, err := c.incognito.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]identity.Cookie, 0, len(got))
	for _, ck := range got {
		out = append(out, identity.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  float64(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}
	return out, nil
}

func (c *rodContext) AddInitScript(_ context.Context, js string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.scripts = append(c.scripts, js)
	return nil
}

func (c *rodContext) OnNetwork(fn func(event.Raw)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNet = fn
}

func (c *rodContext) NewPage(ctx context.Context) (Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	scripts := append([]string(nil), c.scripts...)
	onNet := c.onNet
	c.mu.Unlock()

	page, err := c.incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if c.device != nil {
		if err := page.Emulate(*c.device); err != nil {
			logging.BrowserWarn("emulate %s: %v", c.device.Title, err)
		}
	}
	for _, js := range scripts {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("add init script: %w", err)
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	p := &rodPage{ctx: c, page: page, timeout: c.driver.cfg.Timeout(), stopStream: cancel}
	if onNet != nil {
		p.startEventStream(streamCtx, onNet)
	}

	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	logging.BrowserDebug("page %s opened", page.TargetID)
	return p, nil
}

func (c *rodContext) Close(ctx context.Context) (identity.State, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return identity.State{}, ErrClosed
	}
	c.closed = true
	pages := c.pages
	c.pages = nil
	c.mu.Unlock()

	var errs []error
	for _, p := range pages {
		if err := p.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.mu.Lock()
	kept := c.kept
	c.kept = nil
	c.mu.Unlock()

	var state identity.State
	for _, snap := range kept {
		mergeSnapshot(&state, snap)
	}
	cookies, err := c.Cookies(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	state.Cookies = cookies
	if err := c.incognito.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close incognito: %w", err))
	}
	return state, errors.Join(errs...)
}

type rodPage struct {
	ctx        *rodContext
	page       *rod.Page
	timeout    time.Duration
	stopStream context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// bounded returns a page clone bound to ctx and the navigation timeout.
func (p *rodPage) bounded(ctx context.Context) (*rod.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.page.Context(ctx).Timeout(p.timeout), nil
}

func lifecycleFor(w WaitPolicy) proto.PageLifecycleEventName {
	if w == WaitNetworkIdle {
		return proto.PageLifecycleEventNameNetworkIdle
	}
	return proto.PageLifecycleEventNameLoad
}

func (p *rodPage) Navigate(ctx context.Context, url, referrer string, wait WaitPolicy) error {
	page, err := p.bounded(ctx)
	if err != nil {
		return err
	}
	defer page.CancelTimeout()

	var waitNav func()
	if wait != WaitNone {
		waitNav = page.WaitNavigation(lifecycleFor(wait))
	}
	res, err := proto.PageNavigate{URL: url, Referrer: referrer}.Call(page)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
	}
	if waitNav != nil {
		waitNav()
	}
	return page.GetContext().Err()
}

func (p *rodPage) Click(ctx context.Context, loc Locator) error {
	page, err := p.bounded(ctx)
	if err != nil {
		return err
	}
	defer page.CancelTimeout()

	el, err := page.ElementX(loc.XPath())
	if err != nil {
		return fmt.Errorf("click %s: element not found: %w", loc, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return nil
}

func (p *rodPage) WaitURL(ctx context.Context, pattern *regexp.Regexp, wait WaitPolicy) error {
	page, err := p.bounded(ctx)
	if err != nil {
		return err
	}
	defer page.CancelTimeout()

	if _, err := pollURL(page.GetContext(), pattern, func() (string, error) {
		info, err := page.Info()
		if err != nil {
			return "", err
		}
		return info.URL, nil
	}); err != nil {
		return err
	}
	switch wait {
	case WaitLoad:
		return page.WaitLoad()
	case WaitNetworkIdle:
		if err := page.WaitLoad(); err != nil {
			return err
		}
		return page.WaitIdle(p.timeout)
	}
	return nil
}

func (p *rodPage) WaitTimeout(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	page, err := p.bounded(ctx)
	if err != nil {
		return "", err
	}
	defer page.CancelTimeout()
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Close snapshots the page's localStorage onto its context, then closes it.
func (p *rodPage) Close(ctx context.Context) error {
	snap, ok := p.snapshot(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	if ok {
		p.ctx.keep(snap)
	}
	p.stopStream()
	return p.page.Close()
}

// snapshot reads the page's localStorage before teardown.
func (p *rodPage) snapshot(ctx context.Context) (storageSnapshot, bool) {
	page, err := p.bounded(ctx)
	if err != nil {
		return storageSnapshot{}, false
	}
	defer page.CancelTimeout()

	res, err := page.Evaluate(&rod.EvalOptions{
		JS:           snapshotScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return storageSnapshot{}, false
	}
	return parseSnapshot(res.Value.Str())
}

// startEventStream forwards requests and responses to fn until the page closes.
// Responses reuse the body of their request so both directions flatten alike.
func (p *rodPage) startEventStream(ctx context.Context, fn func(event.Raw)) {
	var mu sync.Mutex
	bodies := make(map[proto.NetworkRequestID]string)

	wait := p.page.Context(ctx).EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil {
				return
			}
			body := rodPostData(ev.Request)
			mu.Lock()
			bodies[ev.RequestID] = body
			mu.Unlock()
			fn(event.Raw{Direction: event.Request, URL: ev.Request.URL, Body: body, Time: time.Now()})
		},
		func(ev *proto.NetworkResponseReceived) {
			if ev.Response == nil {
				return
			}
			mu.Lock()
			body := bodies[ev.RequestID]
			delete(bodies, ev.RequestID)
			mu.Unlock()
			fn(event.Raw{Direction: event.Response, URL: ev.Response.URL, Body: body, Time: time.Now()})
		},
	)
	go wait()
}

func rodPostData(r *proto.NetworkRequest) string {
	if len(r.PostDataEntries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range r.PostDataEntries {
		if e != nil {
			b.Write(e.Bytes)
		}
	}
	return b.String()
}
