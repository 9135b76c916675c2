package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"funnelbot/internal/browser"
	"funnelbot/internal/event"
	"funnelbot/internal/identity"
	"funnelbot/internal/logging"
	"funnelbot/internal/store"
)

// Config holds the identity settings the manager applies to every session.
type Config struct {
	ChurnProbability float64
	SkipThreshold    float64
	Device           string

	CookieDomain  string // domain of the cookies funnelbot sets
	CookieURL     string // the marker is looked up for this URL
	MarkerCookie  string
	MarkerDomain  string // mailbox domain of generated markers
	VariantCookie string // empty disables the variant cookie
	VariantValue  string
	CookieTTL     time.Duration
	BotFlag       string // empty disables the init script

	// TeardownTimeout bounds Release, which runs even after the job's context is done.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the defaults used by funnelbot.
func DefaultConfig() Config {
	return Config{
		Device:          "Nexus 10",
		CookieDomain:    ".louren.co.in",
		CookieURL:       "https://louren.co.in",
		MarkerCookie:    "email",
		MarkerDomain:    "gmail.com",
		VariantCookie:   "variant",
		VariantValue:    "1",
		CookieTTL:       365 * 24 * time.Hour,
		BotFlag:         "is_playwright_bot",
		TeardownTimeout: 30 * time.Second,
	}
}

// Observer receives every network event of a session, keyed by RunID.
type Observer func(runID string, raw event.Raw)

// Ticket names the lifecycle to acquire.
type Ticket struct {
	SessionID string
	RunID     string
	Rand      *rand.Rand
}

// Manager acquires and releases sessions against a driver and an identity store.
type Manager struct {
	driver  browser.Driver
	store   store.Store
	cfg     Config
	observe Observer
	now     func() time.Time
}

// NewManager creates a lifecycle manager. observe may be nil.
func NewManager(driver browser.Driver, st store.Store, cfg Config, observe Observer) *Manager {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	return &Manager{
		driver:  driver,
		store:   st,
		cfg:     cfg,
		observe: observe,
		now:     time.Now,
	}
}

// Acquire opens an isolated browser context for t.SessionID, restores the stored
// identity unless the session churns, marks the user and opens the page.
func (m *Manager) Acquire(ctx context.Context, t Ticket) (*Session, error) {
	if t.Rand == nil {
		return nil, fmt.Errorf("acquire %s: ticket has no PRNG", t.SessionID)
	}
	timer := logging.StartTimer(logging.CategorySession, "Acquire "+t.SessionID)
	defer timer.StopWithThreshold(5 * time.Second)

	bctx, err := m.driver.NewContext(ctx, browser.ContextOptions{Device: m.cfg.Device})
	if err != nil {
		return nil, fmt.Errorf("acquire %s: new context: %w", t.SessionID, err)
	}
	if m.observe != nil {
		runID := t.RunID
		bctx.OnNetwork(func(raw event.Raw) { m.observe(runID, raw) })
	}

	s := &Session{
		ID:               t.SessionID,
		RunID:            t.RunID,
		ChurnProbability: m.cfg.ChurnProbability,
		SkipThreshold:    m.cfg.SkipThreshold,
		Rand:             t.Rand,
		Context:          bctx,
	}

	if err := m.prepare(ctx, s); err != nil {
		if _, cerr := bctx.Close(ctx); cerr != nil {
			logging.SessionWarn("%s: teardown after failed acquire: %v", s.ID, cerr)
		}
		return nil, fmt.Errorf("acquire %s: %w", t.SessionID, err)
	}

	logging.SessionDebug("%s acquired (run %s, restored=%t, marker=%s)", s.ID, s.RunID, s.Restored, s.Marker)
	return s, nil
}

func (m *Manager) prepare(ctx context.Context, s *Session) error {
	if s.Rand.Float64() >= m.cfg.ChurnProbability {
		if err := m.restore(ctx, s); err != nil {
			return err
		}
	} else {
		logging.SessionDebug("%s churned, starting fresh", s.ID)
	}

	if err := m.ensureMarker(ctx, s); err != nil {
		return err
	}

	if m.cfg.VariantCookie != "" {
		if err := s.Context.AddCookies(ctx, []identity.Cookie{m.siteCookie(m.cfg.VariantCookie, m.cfg.VariantValue)}); err != nil {
			return fmt.Errorf("variant cookie: %w", err)
		}
	}

	if m.cfg.BotFlag != "" {
		if err := s.Context.AddInitScript(ctx, BotFlagScript(m.cfg.BotFlag)); err != nil {
			return fmt.Errorf("bot flag: %w", err)
		}
	}

	page, err := s.Context.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("new page: %w", err)
	}
	s.Page = page
	return nil
}

// restore applies the stored identity. A store failure counts as no prior state.
func (m *Manager) restore(ctx context.Context, s *Session) error {
	state, ok, err := m.store.Get(ctx, s.ID)
	if err != nil {
		logging.StoreWarn("read identity %s: %v (starting fresh)", s.ID, err)
		return nil
	}
	if !ok || state.Empty() {
		return nil
	}

	if len(state.Cookies) > 0 {
		if err := s.Context.AddCookies(ctx, state.Cookies); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
	}
	if js := browser.RestoreScript(state); js != "" {
		if err := s.Context.AddInitScript(ctx, js); err != nil {
			return fmt.Errorf("restore storage: %w", err)
		}
	}
	s.Identity = state
	s.Restored = true
	return nil
}

// ensureMarker keeps an existing marker cookie or plants a new one.
func (m *Manager) ensureMarker(ctx context.Context, s *Session) error {
	if m.cfg.MarkerCookie == "" {
		return nil
	}
	cookies, err := s.Context.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	for _, c := range cookies {
		if c.Name == m.cfg.MarkerCookie && cookieApplies(c, m.cfg.CookieURL) {
			s.Marker = c.Value
			return nil
		}
	}

	s.Marker = NewMarker(s.Rand.Uint64(), m.cfg.MarkerDomain)
	if err := s.Context.AddCookies(ctx, []identity.Cookie{m.siteCookie(m.cfg.MarkerCookie, s.Marker)}); err != nil {
		return fmt.Errorf("marker cookie: %w", err)
	}
	return nil
}

func (m *Manager) siteCookie(name, value string) identity.Cookie {
	return identity.Cookie{
		Name:    name,
		Value:   value,
		Domain:  m.cfg.CookieDomain,
		Path:    "/",
		Expires: float64(m.now().Add(m.cfg.CookieTTL).Unix()),
	}
}

// Release tears the session down and, on a clean outcome, persists its final
// identity. Only the first call does anything. It never fails: problems are logged.
func (m *Manager) Release(ctx context.Context, s *Session, outcome Outcome) {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TeardownTimeout)
	defer cancel()

	if s.Page != nil {
		if err := s.Page.Close(ctx); err != nil && !errors.Is(err, browser.ErrClosed) {
			logging.SessionWarn("%s: close page: %v", s.ID, err)
		}
	}

	state, err := s.Context.Close(ctx)
	if err != nil {
		logging.SessionWarn("%s: close context: %v", s.ID, err)
	}

	if !outcome.Clean() {
		logging.Session("%s released (%s, at %s), identity not saved", s.ID, outcome, s.Step())
		return
	}
	if state.Empty() {
		logging.SessionDebug("%s released (%s), nothing to save", s.ID, outcome)
		return
	}
	if err := m.store.Set(ctx, s.ID, state); err != nil {
		logging.StoreError("write identity %s: %v", s.ID, err)
		return
	}
	logging.Session("%s released (%s, at %s), saved %d cookies", s.ID, outcome, s.Step(), len(state.Cookies))
}

// NewMarker generates a marker email for seed: a first name with spaces turned
// into dots, lowercased, at domain.
func NewMarker(seed uint64, domain string) string {
	f := gofakeit.New(seed)
	local := strings.ReplaceAll(f.FirstName(), " ", ".")
	return strings.ToLower(local + "@" + domain)
}

// BotFlagScript marks every document of the context as synthetic traffic.
func BotFlagScript(flag string) string {
	return fmt.Sprintf("window.%s = true;", flag)
}

// cookieApplies reports whether c would be sent to rawURL.
func cookieApplies(c identity.Cookie, rawURL string) bool {
	if rawURL == "" || c.Domain == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}
