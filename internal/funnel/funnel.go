// Package funnel walks a session through the e-commerce funnel.
//
// Every step opens a join on the analytics hits it should produce, runs its
// browser action alongside the join, dwells, and then may end the visit early.
// Joins never gate progression: their result is only recorded.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"funnelbot/internal/browser"
	"funnelbot/internal/correlator"
	"funnelbot/internal/logging"
	"funnelbot/internal/session"
)

// Config holds funnel configuration.
type Config struct {
	BaseURL        string
	MeasurementIDs []string
	CollectPattern string

	StepDwell     time.Duration
	EngagedDwell  time.Duration
	JoinTimeout   time.Duration
	BannerTimeout time.Duration

	BannerAcceptProbability float64
	BannerAccept            string
	BannerDeny              string

	UTMProbability float64
	UTMs           []string
	Referrers      []string
	GoogleReferrer string
}

// Engine runs the funnel. It is safe for concurrent use by many sessions.
type Engine struct {
	cfg     Config
	corr    *correlator.Correlator
	steps   []Step
	collect *regexp.Regexp
}

// New creates an engine running DefaultSteps.
func New(cfg Config, corr *correlator.Correlator) (*Engine, error) {
	return NewWithSteps(cfg, corr, DefaultSteps())
}

// NewWithSteps creates an engine running steps in order.
func NewWithSteps(cfg Config, corr *correlator.Correlator, steps []Step) (*Engine, error) {
	if corr == nil {
		return nil, errors.New("funnel: correlator is required")
	}
	collect, err := regexp.Compile(cfg.CollectPattern)
	if err != nil {
		return nil, fmt.Errorf("funnel: collect pattern: %w", err)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].State <= steps[i-1].State {
			return nil, fmt.Errorf("funnel: step %s does not follow %s", steps[i].State, steps[i-1].State)
		}
	}
	return &Engine{cfg: cfg, corr: corr, steps: steps, collect: collect}, nil
}

// Collect returns the compiled analytics beacon expression.
func (e *Engine) Collect() *regexp.Regexp {
	return e.collect
}

// Run drives s from Start to End or Aborted. A driver failure aborts the session
// with OutcomeFailed and is returned; a drop-off is not an error.
func (e *Engine) Run(ctx context.Context, s *session.Session) (session.Outcome, error) {
	var banner sync.WaitGroup
	defer banner.Wait()

	last := len(e.steps) - 1
	for i, st := range e.steps {
		if err := s.Advance(st.State); err != nil {
			return e.abort(s, session.OutcomeFailed, err)
		}
		if err := e.runStep(ctx, s, st); err != nil {
			return e.abort(s, session.OutcomeFailed, fmt.Errorf("%s: %w", st.State, err))
		}
		if st.Banner {
			e.dismissBanner(ctx, s, &banner)
		}
		if err := s.Page.WaitTimeout(ctx, e.cfg.StepDwell); err != nil {
			return e.abort(s, session.OutcomeFailed, fmt.Errorf("%s: dwell: %w", st.State, err))
		}
		if i == last {
			break
		}
		if s.Rand.Float64() < s.SkipThreshold {
			logging.Funnel("%s dropped off after %s", s.ID, st.State)
			return e.abort(s, session.OutcomeDroppedOff, nil)
		}
		if st.Engaged {
			if err := s.Page.WaitTimeout(ctx, e.cfg.EngagedDwell); err != nil {
				return e.abort(s, session.OutcomeFailed, fmt.Errorf("%s: engaged dwell: %w", st.State, err))
			}
		}
	}

	if err := s.Advance(session.StepEnd); err != nil {
		return e.abort(s, session.OutcomeFailed, err)
	}
	logging.Funnel("%s completed the funnel", s.ID)
	return session.OutcomeCompleted, nil
}

func (e *Engine) abort(s *session.Session, outcome session.Outcome, err error) (session.Outcome, error) {
	if !s.Step().Terminal() {
		_ = s.Advance(session.StepAborted)
	}
	if err != nil {
		logging.FunnelWarn("%s aborted: %v", s.ID, err)
	}
	return outcome, err
}

// runStep opens the join first, then runs the action and waits for the join
// concurrently. It returns once both are done.
func (e *Engine) runStep(ctx context.Context, s *session.Session, st Step) error {
	move := st.Action(e, s.Rand)
	join := e.corr.OpenJoin(s.RunID, e.patterns(st), e.cfg.JoinTimeout)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return move(gctx, s.Page)
	})
	g.Go(func() error {
		res, err := join.Wait(gctx)
		if err != nil {
			// The action failed or the run is shutting down.
			return nil
		}
		e.recordJoin(s, st, join, res)
		return nil
	})
	err := g.Wait()

	logging.FunnelDebug("%s %s finished in %v", s.ID, st.State, time.Since(start))
	return err
}

func (e *Engine) recordJoin(s *session.Session, st Step, join *correlator.Join, res correlator.Result) {
	if res == correlator.Satisfied {
		s.Record(fmt.Sprintf("%s: %s", st.State, res))
		return
	}
	missing := join.Missing()
	s.Record(fmt.Sprintf("%s: %s (missing %s)", st.State, res, strings.Join(missing, ", ")))
	logging.FunnelWarn("%s %s: %d expected hits not seen: %s", s.ID, st.State, len(missing), strings.Join(missing, ", "))
}

// dismissBanner clicks the consent banner in the background. It is best effort:
// a missing banner or a slow click is only logged.
func (e *Engine) dismissBanner(ctx context.Context, s *session.Session, wg *sync.WaitGroup) {
	label := e.cfg.BannerDeny
	if s.Rand.Float64() <= e.cfg.BannerAcceptProbability {
		label = e.cfg.BannerAccept
	}
	if label == "" {
		return
	}
	loc := browser.Locator{Tag: "button", Text: label}

	wg.Add(1)
	go func() {
		defer wg.Done()
		bctx, cancel := context.WithTimeout(ctx, e.cfg.BannerTimeout)
		defer cancel()
		if err := s.Page.Click(bctx, loc); err != nil {
			logging.FunnelDebug("%s banner %s: %v", s.ID, loc, err)
		}
	}()
}
