// Package correlator joins independently arriving network events against the
// patterns a funnel step expects.
//
// A join is opened per step with a set of patterns and a deadline. Every observed
// event is offered to every open join of its session; a join is satisfied once each
// of its patterns has matched at least once since it was opened. Matches are not
// consumed, so overlapping joins all see the same event.
package correlator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"funnelbot/internal/event"
	"funnelbot/internal/logging"
)

// Result is how a join resolved.
type Result int

const (
	Pending Result = iota
	Satisfied
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Pending:
		return "pending"
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed out"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Recorder receives human-readable descriptions of observed analytics events.
// logbook.Book satisfies it.
type Recorder interface {
	Record(key, description string)
}

// Correlator tracks open joins per session run.
type Correlator struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	watch    *event.Pattern
	recorder Recorder
}

type sessionState struct {
	label string
	joins map[*Join]struct{}
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithRecorder records every event matching watch (typically the analytics collect
// endpoint) under the session label.
func WithRecorder(watch event.Pattern, r Recorder) Option {
	return func(c *Correlator) {
		w := watch
		c.watch = &w
		c.recorder = r
	}
}

// New creates a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{sessions: make(map[string]*sessionState)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin starts accepting events for runID. label is the key used when recording.
func (c *Correlator) Begin(runID, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[runID]; ok {
		return
	}
	c.sessions[runID] = &sessionState{label: label, joins: make(map[*Join]struct{})}
}

// End stops accepting events for runID. Joins still open resolve as TimedOut.
func (c *Correlator) End(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[runID]
	if !ok {
		return
	}
	for j := range st.joins {
		j.resolveLocked(TimedOut)
	}
	delete(c.sessions, runID)
}

// Active reports the number of open joins for runID.
func (c *Correlator) Active(runID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.sessions[runID]; ok {
		return len(st.joins)
	}
	return 0
}

// OpenJoin waits for every pattern to match at least once. An empty pattern set is
// satisfied immediately. A non-positive timeout never expires on its own; the join
// then resolves when satisfied or when the session ends. Joins opened for a run
// that has not begun (or already ended) resolve as TimedOut.
func (c *Correlator) OpenJoin(runID string, patterns []event.Pattern, timeout time.Duration) *Join {
	j := &Join{
		c:        c,
		runID:    runID,
		patterns: append([]event.Pattern(nil), patterns...),
		matched:  make([]bool, len(patterns)),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(patterns) == 0 {
		j.resolveLocked(Satisfied)
		return j
	}
	st, ok := c.sessions[runID]
	if !ok {
		j.resolveLocked(TimedOut)
		return j
	}
	j.remaining = len(patterns)
	st.joins[j] = struct{}{}
	if timeout > 0 {
		j.timer = time.AfterFunc(timeout, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			j.resolveLocked(TimedOut)
		})
	}
	return j
}

// Observe offers ev to every open join of runID. Events for unknown runs are
// discarded.
func (c *Correlator) Observe(runID string, ev event.Observed) {
	c.mu.Lock()
	st, ok := c.sessions[runID]
	if !ok {
		c.mu.Unlock()
		return
	}
	label := st.label
	for j := range st.joins {
		j.offerLocked(ev)
	}
	c.mu.Unlock()

	if c.recorder != nil && c.watch != nil && c.watch.Match(ev) {
		if desc := Describe(ev); desc != "" {
			c.recorder.Record(label, desc)
		}
	}
}

var engagementTime = regexp.MustCompile(`en=user_engagement.*?&_et=(\d+)`)

// Describe renders the analytics event names an event carries. A user_engagement
// event shows its engagement time, as in "user_engagement (10500)".
func Describe(ev event.Observed) string {
	names := ev.Names()
	if len(names) == 0 {
		return ""
	}
	engaged := ""
	if m := engagementTime.FindStringSubmatch(ev.Flat); m != nil {
		engaged = m[1]
	}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if name == "user_engagement" {
			name = fmt.Sprintf("user_engagement (%s)", engaged)
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, ", ")
}

// Join is a pending wait for a set of patterns.
type Join struct {
	c         *Correlator
	runID     string
	patterns  []event.Pattern
	matched   []bool
	remaining int
	timer     *time.Timer
	result    Result
	done      chan struct{}
}

// offerLocked marks patterns matched by ev. Caller holds c.mu.
func (j *Join) offerLocked(ev event.Observed) {
	if j.result != Pending {
		return
	}
	for i, p := range j.patterns {
		if j.matched[i] || !p.Match(ev) {
			continue
		}
		j.matched[i] = true
		j.remaining--
		logging.CorrelatorDebug("join %s matched %s (%d left)", j.runID, p, j.remaining)
	}
	if j.remaining == 0 {
		j.resolveLocked(Satisfied)
	}
}

// resolveLocked settles the join once. Caller holds c.mu.
func (j *Join) resolveLocked(r Result) {
	if j.result != Pending {
		return
	}
	j.result = r
	if j.timer != nil {
		j.timer.Stop()
	}
	if st, ok := j.c.sessions[j.runID]; ok {
		delete(st.joins, j)
	}
	close(j.done)
}

// Done is closed once the join resolves.
func (j *Join) Done() <-chan struct{} {
	return j.done
}

// Result returns the current state without blocking.
func (j *Join) Result() Result {
	j.c.mu.Lock()
	defer j.c.mu.Unlock()
	return j.result
}

// Wait blocks until the join resolves or ctx is done.
func (j *Join) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.Result(), nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

// Missing names the patterns not matched so far.
func (j *Join) Missing() []string {
	j.c.mu.Lock()
	defer j.c.mu.Unlock()
	var out []string
	for i, p := range j.patterns {
		if !j.matched[i] {
			out = append(out, p.String())
		}
	}
	return out
}
