package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"funnelbot/internal/browser"
	"funnelbot/internal/config"
	"funnelbot/internal/correlator"
	"funnelbot/internal/event"
	"funnelbot/internal/funnel"
	"funnelbot/internal/logbook"
	"funnelbot/internal/logging"
	"funnelbot/internal/pool"
	"funnelbot/internal/runner"
	"funnelbot/internal/session"
	"funnelbot/internal/store"
)

var (
	concurrencyFlag int
	seedFlag        uint64
)

// runCmd generates traffic until interrupted
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate traffic until interrupted",
	Long: `Starts the worker pool. Every slot runs one shopper session at a time:
restore (or churn) the shopper's identity, walk the funnel, save the identity.

SIGINT/SIGTERM stops launching new sessions and waits for running ones to finish.`,
	RunE: runTraffic,
}

func init() {
	runCmd.Flags().IntVar(&concurrencyFlag, "concurrency", 0, "Simultaneous sessions (overrides config)")
	runCmd.Flags().Uint64Var(&seedFlag, "seed", 0, "PRNG seed for reproducible runs (overrides config)")
}

func runTraffic(cmd *cobra.Command, args []string) error {
	if concurrencyFlag > 0 {
		cfg.Concurrency = concurrencyFlag
	}
	if seedFlag != 0 {
		cfg.Seed = seedFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer st.Close()

	drv, err := browser.New(ctx, browserConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer drv.Close()

	var sink logbook.Sink
	if cfg.Logging.Console {
		sink = logbook.NewConsole(os.Stdout, true)
	}
	book := logbook.New(cfg.Logging.SnapshotSize, sink)

	watch, err := consoleWatch(cfg)
	if err != nil {
		return err
	}
	corr := correlator.New(correlator.WithRecorder(watch, book))

	engine, err := funnel.New(funnelConfig(cfg), corr)
	if err != nil {
		return err
	}
	rc := runnerConfig(cfg)
	if cfg.Logging.Audit != "" {
		audit, err := logging.OpenAudit(cfg.Logging.Audit)
		if err != nil {
			return err
		}
		defer audit.Close()
		rc.Audit = audit
	}

	manager := session.NewManager(drv, st, sessionConfig(cfg), runner.Observer(corr))
	r := runner.New(rc, manager, engine, corr)

	p := pool.New(pool.Config{Size: cfg.Concurrency, Tick: cfg.GetTick()}, r.Job)

	logger.Info("funnelbot started",
		zap.Int("concurrency", cfg.Concurrency),
		zap.String("browser", cfg.Browser.Driver),
		zap.String("store", cfg.Store.Driver),
		zap.String("db", cfg.Store.Path),
		zap.Float64("churn_probability", cfg.Identity.ChurnProbability),
		zap.Float64("skip_threshold", cfg.Funnel.SkipThreshold),
	)

	if err := p.Run(ctx); err != nil {
		return err
	}

	stats := p.Stats()
	logger.Info("funnelbot stopped",
		zap.Int64("launched", stats.Launched),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("panicked", stats.Panicked),
	)
	return nil
}

// consoleWatch selects the events shown on the console: every outgoing analytics
// beacon, so blocked or failed ones are listed too.
func consoleWatch(c *config.Config) (event.Pattern, error) {
	watch, err := event.NewPattern("collect", event.Request, c.Funnel.CollectPattern, nil)
	if err != nil {
		return event.Pattern{}, fmt.Errorf("invalid collect pattern: %w", err)
	}
	return watch, nil
}

func browserConfig(c *config.Config) browser.Config {
	return browser.Config{
		Driver:            c.Browser.Driver,
		DebuggerURL:       c.Browser.DebuggerURL,
		Bin:               c.Browser.Bin,
		Headless:          c.Browser.Headless,
		Devtools:          c.Browser.Devtools,
		NavigationTimeout: c.Browser.GetNavigationTimeout(),
	}
}

func sessionConfig(c *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.ChurnProbability = c.Identity.ChurnProbability
	sc.SkipThreshold = c.Funnel.SkipThreshold
	sc.Device = c.Browser.Device
	sc.CookieDomain = c.Identity.CookieDomain
	sc.CookieURL = c.Identity.CookieURL
	sc.MarkerCookie = c.Identity.MarkerCookie
	sc.MarkerDomain = c.Identity.MarkerDomain
	sc.VariantCookie = c.Identity.VariantCookie
	sc.VariantValue = c.Identity.VariantValue
	sc.CookieTTL = c.Identity.GetCookieTTL()
	sc.BotFlag = c.Identity.BotFlag
	return sc
}

func funnelConfig(c *config.Config) funnel.Config {
	f := c.Funnel
	return funnel.Config{
		BaseURL:                 f.BaseURL,
		MeasurementIDs:          f.MeasurementIDs,
		CollectPattern:          f.CollectPattern,
		StepDwell:               f.GetStepDwell(),
		EngagedDwell:            f.GetEngagedDwell(),
		JoinTimeout:             f.GetJoinTimeout(),
		BannerTimeout:           f.GetBannerTimeout(),
		BannerAcceptProbability: f.BannerAcceptProbability,
		BannerAccept:            f.BannerAccept,
		BannerDeny:              f.BannerDeny,
		UTMProbability:          f.UTMProbability,
		UTMs:                    f.UTMs,
		Referrers:               f.Referrers,
		GoogleReferrer:          f.GoogleReferrer,
	}
}

func runnerConfig(c *config.Config) runner.Config {
	return runner.Config{
		SessionPrefix: c.SessionPrefix,
		UserBase:      c.UserBase,
		Seed:          c.Seed,
	}
}
