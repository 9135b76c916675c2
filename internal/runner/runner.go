// Package runner turns one pool slot into one complete session lifecycle:
// pick a user, acquire, walk the funnel, release.
package runner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"funnelbot/internal/correlator"
	"funnelbot/internal/event"
	"funnelbot/internal/funnel"
	"funnelbot/internal/logging"
	"funnelbot/internal/session"
)

// Config selects which simulated users are visited.
type Config struct {
	SessionPrefix string
	UserBase      int
	Seed          uint64 // 0 picks a random seed

	Audit *logging.AuditLog // optional session trail
}

// Runner executes session jobs. Job is safe for concurrent use.
type Runner struct {
	cfg     Config
	manager *session.Manager
	engine  *funnel.Engine
	corr    *correlator.Correlator

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a runner.
func New(cfg Config, manager *session.Manager, engine *funnel.Engine, corr *correlator.Correlator) *Runner {
	if cfg.UserBase <= 0 {
		cfg.UserBase = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Runner{
		cfg:     cfg,
		manager: manager,
		engine:  engine,
		corr:    corr,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SessionID renders the store key of user n.
func (r *Runner) SessionID(n int) string {
	return fmt.Sprintf("%s%05d", r.cfg.SessionPrefix, n)
}

// next draws a user and the seed of its session PRNG.
func (r *Runner) next() (string, *rand.Rand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.rng.IntN(r.cfg.UserBase)
	return r.SessionID(n), rand.New(rand.NewPCG(r.rng.Uint64(), r.rng.Uint64()))
}

// Job runs one session lifecycle. Release always runs once acquisition succeeded;
// the returned error is the acquisition or funnel failure, if any.
func (r *Runner) Job(ctx context.Context) error {
	sessionID, rng := r.next()
	runID := uuid.NewString()

	r.corr.Begin(runID, sessionID)
	defer r.corr.End(runID)

	sess, err := r.manager.Acquire(ctx, session.Ticket{SessionID: sessionID, RunID: runID, Rand: rng})
	if err != nil {
		r.cfg.Audit.AcquireError(sessionID, runID, err)
		return err
	}
	r.cfg.Audit.SessionStart(sessionID, runID, sess.Restored)
	started := time.Now()

	outcome := session.OutcomeFailed
	defer func() {
		r.manager.Release(ctx, sess, outcome)
		r.cfg.Audit.SessionEnd(sessionID, runID, sess.Step().String(), outcome.String(),
			stepNames(sess.History()), time.Since(started), err)
	}()

	outcome, err = r.engine.Run(ctx, sess)
	logging.SessionDebug("%s run %s: %s at %s", sessionID, runID, outcome, sess.Step())
	return err
}

func stepNames(steps []session.Step) []string {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.String()
	}
	return names
}

// Observer routes a session's network events into the correlator.
func Observer(corr *correlator.Correlator) session.Observer {
	return func(runID string, raw event.Raw) {
		corr.Observe(runID, event.Observe(raw))
	}
}
