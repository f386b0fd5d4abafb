package resources

import (
	"fmt"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

// DefaultWarningThreshold is the fraction of the soft limit at which
// LimitApproaching fires.
const DefaultWarningThreshold = 0.8

// DefaultHysteresis is subtracted from the warning threshold to re-arm the
// approach warning.
const DefaultHysteresis = 0.05

// Spec is the configured limit for one resource kind.
type Spec struct {
	Kind             Kind    `json:"kind" yaml:"kind"`
	Soft             uint64  `json:"soft" yaml:"soft"`
	Hard             uint64  `json:"hard" yaml:"hard"`
	Enforce          bool    `json:"enforce" yaml:"enforce"`
	WarnOnApproach   bool    `json:"warn_on_approach" yaml:"warn_on_approach"`
	WarningThreshold float64 `json:"warning_threshold" yaml:"warning_threshold"`
	Strict           bool    `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// Validate checks the limit invariants.
func (s Spec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown resource kind %q", errdefs.ErrInvalidLimit, s.Kind)
	}
	if s.Soft > s.Hard {
		return fmt.Errorf("%w: %s soft limit %d exceeds hard limit %d", errdefs.ErrInvalidLimit, s.Kind, s.Soft, s.Hard)
	}
	if s.WarningThreshold < 0 || s.WarningThreshold > 1 {
		return fmt.Errorf("%w: %s warning threshold %.2f outside [0,1]", errdefs.ErrInvalidLimit, s.Kind, s.WarningThreshold)
	}
	return nil
}

// EventKind classifies limit events.
type EventKind string

const (
	LimitApproaching  EventKind = "limit-approaching"
	SoftLimitExceeded EventKind = "soft-limit-exceeded"
	HardLimitExceeded EventKind = "hard-limit-exceeded"
)

// Event is emitted when usage crosses a threshold.
type Event struct {
	Kind     EventKind `json:"kind"`
	Resource Kind      `json:"resource"`
	Value    uint64    `json:"value"`
	Soft     uint64    `json:"soft"`
	Hard     uint64    `json:"hard"`
	Enforced bool      `json:"enforced"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s: %d (soft %d, hard %d)", e.Resource, e.Kind, e.Value, e.Soft, e.Hard)
}

// Limit is the live mirror of a Spec inside a sandbox.
type Limit struct {
	Spec
	Current uint64 `json:"current"`
	Peak    uint64 `json:"peak"`

	approachArmed bool
	aboveSoft     bool
	aboveHard     bool
	sampledBreach bool
	consecutive   int
}

func newLimit(spec Spec) *Limit {
	l := &Limit{Spec: spec}
	l.reset()
	return l
}

func (l *Limit) reset() {
	l.Current = 0
	l.Peak = 0
	l.approachArmed = true
	l.aboveSoft = false
	l.aboveHard = false
	l.sampledBreach = false
	l.consecutive = 0
}

// Breaches returns the number of consecutive enforced breaches.
func (l *Limit) Breaches() int {
	return l.consecutive
}

func (l *Limit) enforcedCeiling() uint64 {
	if l.Strict {
		return l.Soft
	}
	return l.Hard
}

func (l *Limit) event(kind EventKind, value uint64) Event {
	return Event{
		Kind:     kind,
		Resource: l.Kind,
		Value:    value,
		Soft:     l.Soft,
		Hard:     l.Hard,
		Enforced: l.Enforce,
	}
}

func (l *Limit) set(value uint64) {
	l.Current = value
	if l.Current > l.Peak {
		l.Peak = l.Current
	}
}

// evaluate emits edge-triggered events for the current value.
func (l *Limit) evaluate(hysteresis float64) []Event {
	var events []Event

	if l.WarnOnApproach && l.Soft > 0 {
		warnAt := float64(l.Soft) * l.WarningThreshold
		rearmBelow := float64(l.Soft) * (l.WarningThreshold - hysteresis)
		switch {
		case l.approachArmed && l.Current > 0 && float64(l.Current) >= warnAt:
			l.approachArmed = false
			events = append(events, l.event(LimitApproaching, l.Current))
		case !l.approachArmed && float64(l.Current) < rearmBelow:
			l.approachArmed = true
		}
	}

	above := l.Current > l.Soft
	if above && !l.aboveSoft && l.Current <= l.Hard {
		events = append(events, l.event(SoftLimitExceeded, l.Current))
	}
	l.aboveSoft = above

	aboveHard := l.Current > l.Hard
	if aboveHard && !l.aboveHard {
		events = append(events, l.event(HardLimitExceeded, l.Current))
	}
	l.aboveHard = aboveHard

	return events
}
