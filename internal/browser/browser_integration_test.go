//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"funnelbot/internal/browser"
	"funnelbot/internal/event"
	"funnelbot/internal/identity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const homePage = `<html><body>
<a href="/pdl1.html">pdl1.html</a>
<script>
localStorage.setItem("visited", "yes");
fetch("/g/collect?v=2&tid=G-TEST&en=page_view&bot=" + window.is_bot_traffic, {method: "POST", body: "en=scroll\nen=user_engagement&_et=42"});
</script>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/g/collect"):
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/pdl1.html":
			fmt.Fprintln(w, "<html><body><h1>PDL</h1></body></html>")
		default:
			fmt.Fprintln(w, homePage)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

type collector struct {
	mu     sync.Mutex
	events []event.Raw
}

func (c *collector) add(r event.Raw) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, r)
}

func (c *collector) find(dir event.Direction, substr string) (event.Raw, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Direction == dir && strings.Contains(e.URL, substr) {
			return e, true
		}
	}
	return event.Raw{}, false
}

func exerciseDriver(t *testing.T, driverName string) {
	site := newSite(t)
	cfg := browser.DefaultConfig()
	cfg.Driver = driverName
	cfg.NavigationTimeout = 15 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	d, err := browser.New(ctx, cfg)
	require.NoError(t, err, "Failed to start browser")
	defer func() {
		if err := d.Close(); err != nil {
			t.Logf("Shutdown error: %v", err)
		}
	}()

	bctx, err := d.NewContext(ctx, browser.ContextOptions{Device: "Nexus 10"})
	require.NoError(t, err)

	host := strings.TrimPrefix(site.URL, "http://")
	host = host[:strings.Index(host, ":")]
	require.NoError(t, bctx.AddCookies(ctx, []identity.Cookie{{Name: "variant", Value: "1", Domain: host, Path: "/"}}))
	require.NoError(t, bctx.AddInitScript(ctx, "window.is_bot_traffic = true;"))

	events := &collector{}
	bctx.OnNetwork(events.add)

	page, err := bctx.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, page.Navigate(ctx, site.URL+"/home.html", "https://www.google.com/", browser.WaitLoad))

	require.Eventually(t, func() bool {
		_, ok := events.find(event.Response, "/g/collect")
		return ok
	}, 10*time.Second, 50*time.Millisecond)

	req, ok := events.find(event.Request, "/g/collect")
	require.True(t, ok)
	assert.Contains(t, req.URL, "bot=true")
	assert.Contains(t, req.Body, "_et=42")
	resp, _ := events.find(event.Response, "/g/collect")
	assert.Equal(t, req.Body, resp.Body)

	require.NoError(t, page.Click(ctx, browser.Locator{Tag: "a", Text: "pdl1.html"}))
	require.NoError(t, page.WaitURL(ctx, regexp.MustCompile(`/pdl.\.html`), browser.WaitLoad))
	u, err := page.URL(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/pdl1.html"))

	state, err := bctx.Close(ctx)
	require.NoError(t, err)
	c, ok := state.Cookie("variant")
	require.True(t, ok)
	assert.Equal(t, "1", c.Value)
	assert.Equal(t, "yes", state.LocalStorage[site.URL]["visited"])

	_, err = bctx.Close(ctx)
	assert.ErrorIs(t, err, browser.ErrClosed)

	// Closing the page before its context still keeps the page's storage.
	second, err := d.NewContext(ctx, browser.ContextOptions{})
	require.NoError(t, err)
	page, err = second.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, page.Navigate(ctx, site.URL+"/home.html", "", browser.WaitLoad))
	require.NoError(t, page.Close(ctx))
	assert.ErrorIs(t, page.Close(ctx), browser.ErrClosed)

	state, err = second.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, "yes", state.LocalStorage[site.URL]["visited"])
}

func TestRodDriver_Integration(t *testing.T) {
	exerciseDriver(t, browser.DriverRod)
}

func TestChromedpDriver_Integration(t *testing.T) {
	exerciseDriver(t, browser.DriverChromedp)
}
