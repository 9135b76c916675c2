// Package session owns the lifecycle of one simulated visit: an isolated browser
// context with the user's identity restored into it, and the funnel state the
// visit has reached.
package session

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"funnelbot/internal/browser"
	"funnelbot/internal/identity"
)

// Step is a funnel state.
type Step int32

const (
	StepStart Step = iota
	StepHome
	StepPDL
	StepPDP
	StepAddToCart
	StepCart
	StepCheckout
	StepPaymentInfo
	StepShippingInfo
	StepPurchase
	StepEnd
	StepAborted
)

func (s Step) String() string {
	switch s {
	case StepStart:
		return "start"
	case StepHome:
		return "home"
	case StepPDL:
		return "pdl"
	case StepPDP:
		return "pdp"
	case StepAddToCart:
		return "add_to_cart"
	case StepCart:
		return "cart"
	case StepCheckout:
		return "checkout"
	case StepPaymentInfo:
		return "add_payment_info"
	case StepShippingInfo:
		return "add_shipping_info"
	case StepPurchase:
		return "purchase"
	case StepEnd:
		return "end"
	case StepAborted:
		return "aborted"
	}
	return fmt.Sprintf("step(%d)", int32(s))
}

// Terminal reports whether no further transition is allowed.
func (s Step) Terminal() bool {
	return s == StepEnd || s == StepAborted
}

// Outcome is how a session's funnel ended.
type Outcome int

const (
	OutcomeCompleted  Outcome = iota // reached End
	OutcomeDroppedOff                // probabilistic early exit
	OutcomeFailed                    // a driver action failed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDroppedOff:
		return "dropped_off"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Clean reports whether the session ended on its own terms, so its identity is
// worth keeping.
func (o Outcome) Clean() bool {
	return o == OutcomeCompleted || o == OutcomeDroppedOff
}

// Session is one lifecycle of a simulated user.
type Session struct {
	ID               string // stable store key
	RunID            string // unique per lifecycle
	ChurnProbability float64
	SkipThreshold    float64

	// Identity is the state restored at Acquire; empty when churned or new.
	Identity identity.State
	Restored bool
	Marker   string // value of the marker cookie for this visit

	Rand    *rand.Rand
	Context browser.Context
	Page    browser.Page

	mu      sync.Mutex
	step    Step
	history []Step
	events  []string

	released atomic.Bool
}

// Step returns the current funnel state.
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// History returns the states entered after Start, in order.
func (s *Session) History() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.history...)
}

// Advance moves the session to next. States only move forward; Aborted is
// reachable from any non-terminal state.
func (s *Session) Advance(next Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step.Terminal() {
		return fmt.Errorf("session %s: cannot leave terminal state %s for %s", s.ID, s.step, next)
	}
	if next != StepAborted && next <= s.step {
		return fmt.Errorf("session %s: %s does not follow %s", s.ID, next, s.step)
	}
	if next > StepAborted {
		return fmt.Errorf("session %s: unknown state %s", s.ID, next)
	}
	s.step = next
	s.history = append(s.history, next)
	return nil
}

// Record appends a line to the session's event trail.
func (s *Session) Record(desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, desc)
}

// Events returns the event trail.
func (s *Session) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// Released reports whether Release has run for this session.
func (s *Session) Released() bool {
	return s.released.Load()
}
