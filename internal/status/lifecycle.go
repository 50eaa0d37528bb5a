// Package status tracks where a domain is in its lifecycle and maps the
// hypervisor's state codes to display states.
package status

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a transition is not allowed from
// the current phase.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// Phase is a step in a domain's lifecycle as driven by this tool.
type Phase string

const (
	PhaseUndefined  Phase = "Undefined"
	PhaseDefining   Phase = "Defining"
	PhaseDefined    Phase = "Defined"
	PhaseStarting   Phase = "Starting"
	PhaseActive     Phase = "Active"
	PhaseStopping   Phase = "Stopping"
	PhaseUndefining Phase = "Undefining"
)

// Transition records one phase change.
type Transition struct {
	From   Phase
	To     Phase
	At     time.Time
	Reason string
}

// Lifecycle holds the current phase of one domain and how it got there.
// It is not safe for concurrent use.
type Lifecycle struct {
	phase   Phase
	history []Transition
	now     func() time.Time
}

// NewLifecycle returns a Lifecycle starting at phase. Use PhaseUndefined
// for a domain about to be created, or ObservedPhase for an existing one.
func NewLifecycle(phase Phase) *Lifecycle {
	return &Lifecycle{phase: phase, now: time.Now}
}

// ObservedPhase is the phase to resume from for an existing domain.
func ObservedPhase(active bool) Phase {
	if active {
		return PhaseActive
	}
	return PhaseDefined
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	return l.phase
}

// History returns the transitions made so far, oldest first.
func (l *Lifecycle) History() []Transition {
	return append([]Transition(nil), l.history...)
}

func (l *Lifecycle) transition(to Phase, reason string, from ...Phase) error {
	for _, f := range from {
		if l.phase == f {
			l.history = append(l.history, Transition{From: l.phase, To: to, At: l.now(), Reason: reason})
			l.phase = to
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move to %s from %s", ErrIllegalTransition, to, l.phase)
}

// BeginDefine moves Undefined to Defining.
func (l *Lifecycle) BeginDefine() error {
	return l.transition(PhaseDefining, "defining domain", PhaseUndefined)
}

// MarkDefined moves Defining to Defined.
func (l *Lifecycle) MarkDefined() error {
	return l.transition(PhaseDefined, "domain defined", PhaseDefining)
}

// BeginStart moves Defined to Starting.
func (l *Lifecycle) BeginStart() error {
	return l.transition(PhaseStarting, "starting domain", PhaseDefined)
}

// MarkActive moves Starting to Active.
func (l *Lifecycle) MarkActive() error {
	return l.transition(PhaseActive, "domain running", PhaseStarting)
}

// BeginStop moves Active or Defined to Stopping.
func (l *Lifecycle) BeginStop() error {
	return l.transition(PhaseStopping, "stopping domain", PhaseActive, PhaseDefined)
}

// BeginUndefine moves to Undefining. Defining and Starting are accepted
// so a failed create can be rolled back.
func (l *Lifecycle) BeginUndefine(reason string) error {
	return l.transition(PhaseUndefining, reason, PhaseStopping, PhaseDefined, PhaseDefining, PhaseStarting)
}

// MarkUndefined moves Undefining to Undefined.
func (l *Lifecycle) MarkUndefined() error {
	return l.transition(PhaseUndefined, "domain undefined", PhaseUndefining)
}

// IsTransitioning returns true if the phase is an in-flight step.
func IsTransitioning(phase Phase) bool {
	switch phase {
	case PhaseDefining, PhaseStarting, PhaseStopping, PhaseUndefining:
		return true
	}
	return false
}
