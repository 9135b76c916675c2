// Package pool keeps a fixed number of session jobs running.
//
// Free slots are refilled on every tick, and immediately when a job returns
// cleanly. A slot freed by an error or panic waits for the next tick, so a broken
// browser costs one launch per tick per slot rather than a busy loop. Errors and
// panics are logged and counted like any other completion; nothing is retried. Cancelling the context stops launching and drains the running jobs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funnelbot/internal/logging"
)

// ErrRunning is returned when Run is called on a pool that is already running.
var ErrRunning = errors.New("pool is already running")

// Job is one unit of work, typically a whole session lifecycle.
type Job func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	Size int           // concurrency cap
	Tick time.Duration // top-up interval
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Size: 6,
		Tick: time.Second,
	}
}

// Stats counts jobs. Completed includes jobs that failed or panicked.
type Stats struct {
	Launched  int64
	Completed int64
	Failed    int64
	Panicked  int64
}

// Pool runs Job with at most Config.Size instances at once.
type Pool struct {
	cfg Config
	job Job

	mu     sync.Mutex
	active int
	stats  Stats
	seq    int64

	running  atomic.Bool
	finished chan struct{}
	wg       sync.WaitGroup
}

// New creates a pool. Zero config values fall back to the defaults.
func New(cfg Config, job Job) *Pool {
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	return &Pool{
		cfg:      cfg,
		job:      job,
		finished: make(chan struct{}, cfg.Size),
	}
}

// Run keeps the pool topped up until ctx is cancelled, then waits for running
// jobs to return. It never fails because of a job.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer p.running.Store(false)

	logging.Pool("pool: started (size=%d, tick=%v)", p.cfg.Size, p.cfg.Tick)

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	p.topUp(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Pool("pool: stopping, waiting for %d running jobs", p.Active())
			p.wg.Wait()
			st := p.Stats()
			logging.Pool("pool: stopped (launched=%d completed=%d failed=%d panicked=%d)",
				st.Launched, st.Completed, st.Failed, st.Panicked)
			return nil
		case <-ticker.C:
			p.topUp(ctx)
		case <-p.finished:
			p.topUp(ctx)
		}
	}
}

// topUp launches jobs until every slot is busy.
func (p *Pool) topUp(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active < p.cfg.Size {
		if ctx.Err() != nil {
			return
		}
		p.active++
		p.seq++
		p.stats.Launched++
		p.wg.Add(1)
		go p.runJob(ctx, p.seq)
	}
}

func (p *Pool) runJob(ctx context.Context, id int64) {
	var err error
	panicked := false

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("job %d panicked: %v", id, r)
			logging.PoolError("PANIC RECOVERED in job %d: %v", id, r)
		}

		p.mu.Lock()
		p.active--
		p.stats.Completed++
		if panicked {
			p.stats.Panicked++
		} else if err != nil {
			p.stats.Failed++
		}
		p.mu.Unlock()

		// One pending signal is enough: topUp fills every free slot.
		if err == nil {
			select {
			case p.finished <- struct{}{}:
			default:
			}
		}
		p.wg.Done()
	}()

	logging.PoolDebug("job %d started", id)
	err = p.job(ctx)
	if err != nil && ctx.Err() == nil {
		logging.PoolWarn("job %d failed: %v", id, err)
	}
}

// Active returns the number of running jobs.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
