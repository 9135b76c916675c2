package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"funnelbot/internal/event"
	"funnelbot/internal/identity"
	"funnelbot/internal/logging"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/device"
)

var chromedpDevices = map[string]chromedp.Device{
	"nexus 10":  device.Nexus10,
	"nexus 7":   device.Nexus7,
	"ipad":      device.IPad,
	"iphone x":  device.IPhoneX,
	"pixel 2":   device.Pixel2,
	"galaxy s5": device.GalaxyS5,
}

// ChromedpDriver runs Chrome through chromedp's allocator.
type ChromedpDriver struct {
	cfg         Config
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewChromedpDriver starts (or attaches to) Chrome and keeps the browser
// context alive until Close.
func NewChromedpDriver(ctx context.Context, cfg Config) (*ChromedpDriver, error) {
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.DebuggerURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.DebuggerURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("auto-open-devtools-for-tabs", cfg.Devtools),
			chromedp.Flag("disable-gpu", cfg.Headless),
		)
		if cfg.Bin != "" {
			opts = append(opts, chromedp.ExecPath(cfg.Bin))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	if err := ctx.Err(); err != nil {
		allocCancel()
		return nil, err
	}
	// The first Run allocates the browser and ties it to browserCtx, so it must
	// not run on a shorter-lived context.
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	logging.Browser("chromedp started (headless=%v)", cfg.Headless)
	return &ChromedpDriver{cfg: cfg, allocCancel: allocCancel, browserCtx: browserCtx, cancel: cancel}, nil
}

// NewContext implements Driver.
func (d *ChromedpDriver) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.mu.Unlock()

	var dev chromedp.Device
	if opts.Device != "" {
		found, ok := chromedpDevices[strings.ToLower(opts.Device)]
		if !ok {
			return nil, fmt.Errorf("unknown device %q", opts.Device)
		}
		dev = found
	}

	tabCtx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithNewBrowserContext())
	c := &chromedpContext{driver: d, tabCtx: tabCtx, cancel: cancel, device: dev}
	if err := c.run(ctx, tabCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	return c, nil
}

// Close shuts the browser down.
func (d *ChromedpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := chromedp.Cancel(d.browserCtx)
	d.cancel()
	d.allocCancel()
	return err
}

// chromedpContext is one browser context. Its first tab doubles as the first page.
type chromedpContext struct {
	driver *ChromedpDriver
	tabCtx context.Context
	cancel context.CancelFunc
	device chromedp.Device

	mu       sync.Mutex
	scripts  []string
	onNet    func(event.Raw)
	pages    []*chromedpPage
	kept     []storageSnapshot // taken by pages as they close
	tabTaken bool
	closed   bool
}

// run executes actions on target, bounded by ctx and the navigation timeout.
func (c *chromedpContext) run(ctx context.Context, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(target, c.driver.cfg.Timeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (c *chromedpContext) AddCookies(ctx context.Context, cookies []identity.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: network.CookieSameSite(ck.SameSite),
		}
		if ck.Expires > 0 {
			sec := int64(ck.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(sec, int64((ck.Expires-float64(sec))*1e9)))
			p.Expires = &expires
		}
		params = append(params, p)
	}
	if err := c.run(ctx, c.tabCtx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (c *chromedpContext) Cookies(ctx context.Context) ([]identity.Cookie, error) {
	c.mu.Lock()
	var urls []string
	for _, p := range c.pages {
		urls = append(urls, p.visitedURLs()...)
	}
	c.mu.Unlock()

	var got []*network.Cookie
	err := c.run(ctx, c.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.GetCookies()
		if urls = uniqueURLs(urls); len(urls) > 0 {
			params = params.WithURLs(urls)
		}
		var err error
		got, err = params.Do(ctx)
		return err
	}))
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
			Expires:  ck.Expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}
	return out, nil
}

func (c *chromedpContext) AddInitScript(_ context.Context, js string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.scripts = append(c.scripts, js)
	return nil
}

func (c *chromedpContext) OnNetwork(fn func(event.Raw)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNet = fn
}

func (c *chromedpContext) NewPage(ctx context.Context) (Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	scripts := append([]string(nil), c.scripts...)
	onNet := c.onNet
	reuse := !c.tabTaken
	c.tabTaken = true
	c.mu.Unlock()

	tab, cancel := c.tabCtx, context.CancelFunc(func() {})
	if !reuse {
		tab, cancel = chromedp.NewContext(c.tabCtx)
	}

	p := &chromedpPage{ctx: c, tab: tab, cancel: cancel}
	if onNet != nil {
		p.listen(onNet)
	}

	actions := []chromedp.Action{network.Enable()}
	if c.device != nil {
		actions = append(actions, chromedp.Emulate(c.device))
	}
	for _, js := range scripts {
		src := js
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
			return err
		}))
	}
	if err := c.run(ctx, tab, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("create page: %w", err)
	}

	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *chromedpContext) Close(ctx context.Context) (identity.State, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return identity.State{}, ErrClosed
	}
	c.closed = true
	pages := c.pages
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
	// The first page shares tabCtx, which stays usable until the cancel below.
	cookies, err := c.Cookies(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	state.Cookies = cookies
	// Cancelling the tab context disposes the browser context.
	if err := chromedp.Cancel(c.tabCtx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("close browser context: %w", err))
	}
	c.cancel()
	return state, errors.Join(errs...)
}

type chromedpPage struct {
	ctx    *chromedpContext
	tab    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	visited []string
	closed  bool
}

func (p *chromedpPage) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *chromedpPage) visit(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, u)
}

func (p *chromedpPage) visitedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

func waitAction(w WaitPolicy) chromedp.Action {
	switch w {
	case WaitLoad:
		return chromedp.WaitReady("body", chromedp.ByQuery)
	case WaitNetworkIdle:
		return chromedp.Tasks{
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(500 * time.Millisecond),
		}
	}
	return chromedp.Tasks{}
}

func (p *chromedpPage) Navigate(ctx context.Context, url, referrer string, wait WaitPolicy) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	headers := network.Headers{}
	if referrer != "" {
		headers["Referer"] = referrer
	}
	err := p.ctx.run(ctx, p.tab,
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(url),
		network.SetExtraHTTPHeaders(network.Headers{}),
		waitAction(wait),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	p.visit(url)
	return nil
}

func (p *chromedpPage) Click(ctx context.Context, loc Locator) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.ctx.run(ctx, p.tab, chromedp.Click(loc.XPath(), chromedp.BySearch, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return nil
}

func (p *chromedpPage) WaitURL(ctx context.Context, pattern *regexp.Regexp, wait WaitPolicy) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.ctx.driver.cfg.Timeout())
	defer cancel()
	u, err := pollURL(waitCtx, pattern, func() (string, error) { return p.URL(waitCtx) })
	if err != nil {
		return err
	}
	p.visit(u)
	if err := p.ctx.run(ctx, p.tab, waitAction(wait)); err != nil {
		return fmt.Errorf("wait for %s: %w", wait, err)
	}
	return nil
}

func (p *chromedpPage) WaitTimeout(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

func (p *chromedpPage) URL(ctx context.Context) (string, error) {
	if err := p.checkOpen(); err != nil {
		return "", err
	}
	var u string
	if err := p.ctx.run(ctx, p.tab, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

// Close snapshots the page's localStorage onto its context, then closes it.
func (p *chromedpPage) Close(ctx context.Context) error {
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
	p.cancel()
	return nil
}

func (c *chromedpContext) keep(snap storageSnapshot) {
	c.mu.Lock()
	c.kept = append(c.kept, snap)
	c.mu.Unlock()
}

func (p *chromedpPage) snapshot(ctx context.Context) (storageSnapshot, bool) {
	if p.checkOpen() != nil {
		return storageSnapshot{}, false
	}
	var raw string
	if err := p.ctx.run(ctx, p.tab, chromedp.Evaluate("("+snapshotScript+")()", &raw)); err != nil {
		return storageSnapshot{}, false
	}
	return parseSnapshot(raw)
}

// listen forwards network events of this tab to fn.
func (p *chromedpPage) listen(fn func(event.Raw)) {
	var mu sync.Mutex
	bodies := make(map[network.RequestID]string)

	chromedp.ListenTarget(p.tab, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			if ev.Request == nil {
				return
			}
			body := chromedpPostData(ev.Request)
			mu.Lock()
			bodies[ev.RequestID] = body
			mu.Unlock()
			fn(event.Raw{Direction: event.Request, URL: ev.Request.URL, Body: body, Time: time.Now()})
		case *network.EventResponseReceived:
			if ev.Response == nil {
				return
			}
			mu.Lock()
			body := bodies[ev.RequestID]
			delete(bodies, ev.RequestID)
			mu.Unlock()
			fn(event.Raw{Direction: event.Response, URL: ev.Response.URL, Body: body, Time: time.Now()})
		}
	})
}

// chromedpPostData decodes the base64 post data entries.
func chromedpPostData(r *network.Request) string {
	var b strings.Builder
	for _, e := range r.PostDataEntries {
		if e == nil {
			continue
		}
		if raw, err := base64.StdEncoding.DecodeString(e.Bytes); err == nil {
			b.Write(raw)
		} else {
			b.WriteString(e.Bytes)
		}
	}
	return b.String()
}
