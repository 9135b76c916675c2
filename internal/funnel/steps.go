package funnel

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"funnelbot/internal/browser"
	"funnelbot/internal/event"
	"funnelbot/internal/session"
)

// Move is the browser work of a step, with every random choice already made.
type Move func(ctx context.Context, page browser.Page) error

// Action draws a step's random choices on the session goroutine and returns the
// work to run.
type Action func(e *Engine, r *rand.Rand) Move

// Hit is one analytics event a step expects, sent once per measurement ID.
type Hit struct {
	Direction event.Direction
	Name      string
}

// Step is one row of the funnel.
type Step struct {
	State   session.Step
	Action  Action
	Hits    []Hit
	Banner  bool // dismiss the consent banner after the action
	Engaged bool // extra dwell after passing the skip check
}

func resp(names ...string) []Hit {
	hits := make([]Hit, 0, len(names))
	for _, n := range names {
		hits = append(hits, Hit{Direction: event.Response, Name: n})
	}
	return hits
}

func req(names ...string) []Hit {
	hits := make([]Hit, 0, len(names))
	for _, n := range names {
		hits = append(hits, Hit{Direction: event.Request, Name: n})
	}
	return hits
}

var (
	pdlURL      = regexp.MustCompile(`pdl.\.html`)
	pdpURL      = regexp.MustCompile(`pdp.\.html`)
	cartURL     = regexp.MustCompile(`cart\.html`)
	checkoutURL = regexp.MustCompile(`checkout\.html`)
	typURL      = regexp.MustCompile(`typ\.html`)
)

// DefaultSteps is the e-commerce funnel, Home through Purchase.
func DefaultSteps() []Step {
	return []Step{
		{
			State:   session.StepHome,
			Action:  home,
			Hits:    resp("page_view", "view_promotion", "scroll"),
			Banner:  true,
			Engaged: true,
		},
		{
			State:  session.StepPDL,
			Action: click(pick(0.75, text("pdl1.html"), text("pdl2.html")), pdlURL),
			Hits:   resp("page_view", "view_item_list", "scroll"),
		},
		{
			State: session.StepPDP,
			Action: click(pick(0.75,
				browser.Locator{Tag: "button", Text: "pdp", Index: 0},
				browser.Locator{Tag: "button", Text: "pdp", Index: 1},
			), pdpURL),
			Hits: append(req("select_item"), resp("page_view", "view_item", "scroll")...),
		},
		{
			State:  session.StepAddToCart,
			Action: click(always(text("add_to_cart")), nil),
			Hits:   resp("add_to_cart"),
		},
		{
			State:  session.StepCart,
			Action: click(always(text("cart.html")), cartURL),
			Hits:   resp("page_view", "view_cart", "scroll"),
		},
		{
			State:  session.StepCheckout,
			Action: click(always(text("checkout")), checkoutURL),
			Hits:   append(req("begin_checkout"), resp("page_view", "scroll")...),
		},
		{
			State:  session.StepPaymentInfo,
			Action: click(always(text("add_payment_info")), nil),
			Hits:   resp("add_payment_info"),
		},
		{
			State:  session.StepShippingInfo,
			Action: click(always(text("add_shipping_info")), nil),
			Hits:   resp("add_shipping_info"),
		},
		{
			State:  session.StepPurchase,
			Action: click(always(text("finalizar compra")), typURL),
			Hits:   resp("page_view", "purchase", "scroll"),
		},
	}
}

func text(t string) browser.Locator {
	return browser.Locator{Text: t}
}

type chooser func(r *rand.Rand) browser.Locator

func always(l browser.Locator) chooser {
	return func(*rand.Rand) browser.Locator { return l }
}

// pick returns a with probability p, otherwise b.
func pick(p float64, a, b browser.Locator) chooser {
	return func(r *rand.Rand) browser.Locator {
		if r.Float64() < p {
			return a
		}
		return b
	}
}

// click clicks the chosen element and, when wait is set, waits for the URL to
// match with the network idle.
func click(choose chooser, wait *regexp.Regexp) Action {
	return func(_ *Engine, r *rand.Rand) Move {
		loc := choose(r)
		return func(ctx context.Context, page browser.Page) error {
			if err := page.Click(ctx, loc); err != nil {
				return err
			}
			if wait == nil {
				return nil
			}
			return page.WaitURL(ctx, wait, browser.WaitNetworkIdle)
		}
	}
}

// home lands on the home page from a campaign or a referrer.
func home(e *Engine, r *rand.Rand) Move {
	query, referrer := e.trafficSource(r)
	target := e.pageURL("home.html") + query
	return func(ctx context.Context, page browser.Page) error {
		return page.Navigate(ctx, target, referrer, browser.WaitLoad)
	}
}

// trafficSource decides between campaign traffic (a UTM query string) and referral
// traffic. Campaign traffic carrying a gclid comes from Google half the time.
func (e *Engine) trafficSource(r *rand.Rand) (query, referrer string) {
	if len(e.cfg.UTMs) > 0 && r.Float64() < e.cfg.UTMProbability {
		query = e.cfg.UTMs[r.IntN(len(e.cfg.UTMs))]
		if strings.Contains(query, "gclid=") && r.Float64() < 0.5 {
			referrer = e.cfg.GoogleReferrer
		}
		return query, referrer
	}
	if len(e.cfg.Referrers) == 0 {
		return "", ""
	}
	return "", e.cfg.Referrers[r.IntN(len(e.cfg.Referrers))]
}

func (e *Engine) pageURL(name string) string {
	return strings.TrimSuffix(e.cfg.BaseURL, "/") + "/" + name
}

// patterns expands a step's hits over every measurement ID.
func (e *Engine) patterns(st Step) []event.Pattern {
	out := make([]event.Pattern, 0, len(st.Hits)*len(e.cfg.MeasurementIDs))
	for _, h := range st.Hits {
		for _, id := range e.cfg.MeasurementIDs {
			name := fmt.Sprintf("%s/%s", h.Name, id)
			if h.Direction == event.Request {
				name += " (request)"
			}
			out = append(out, event.Pattern{
				Name:      name,
				Direction: h.Direction,
				URL:       e.collect,
				Params: map[string]*regexp.Regexp{
					"tid": regexp.MustCompile("^" + regexp.QuoteMeta(id) + "$"),
					"en":  regexp.MustCompile("^" + regexp.QuoteMeta(h.Name) + "$"),
				},
			})
		}
	}
	return out
}
