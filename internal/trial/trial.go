// Package trial holds calibration trials and the stores that persist them.
package trial

import (
	"errors"
	"maps"
	"time"

	"github.com/GoSim-25-26J-441/calibration-core/internal/param"
)

// State is the lifecycle state of a trial
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrTrialNotFound     = errors.New("trial not found")
	ErrInvalidTransition = errors.New("invalid trial state transition")
	ErrTrialTerminal     = errors.New("trial is terminal")
)

// CanTransition reports whether from -> to is a legal state change
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// Well-known labels written when a trial starts running
const (
	LabelRunID      = "run_id"
	LabelOutputDir  = "output_dir"
	LabelArtifact   = "artifact"
	LabelChainInput = "chain_input"
)

// Trial is one round of parameter assignment, simulation and measurement
type Trial struct {
	Number      int
	State       State
	Params      map[string]float64
	Attrs       map[string]float64
	Labels      map[string]string
	Error       string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

func newTrial(number int) *Trial {
	return &Trial{
		Number:    number,
		State:     StatePending,
		Params:    make(map[string]float64),
		Attrs:     make(map[string]float64),
		Labels:    make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
}

// Param returns the value assigned to key
func (t *Trial) Param(k param.Key) (float64, bool) {
	v, ok := t.Params[k.String()]
	return v, ok
}

// Attr returns a recorded numeric attribute
func (t *Trial) Attr(name string) (float64, bool) {
	v, ok := t.Attrs[name]
	return v, ok
}

// Share returns the observed share recorded for key's stratum and mode
func (t *Trial) Share(k param.Key) (float64, bool) {
	return t.Attr(param.ShareAttr(k))
}

// Clone returns a deep copy so callers never alias store state
func (t *Trial) Clone() *Trial {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = maps.Clone(t.Params)
	c.Attrs = maps.Clone(t.Attrs)
	c.Labels = maps.Clone(t.Labels)
	if c.Params == nil {
		c.Params = make(map[string]float64)
	}
	if c.Attrs == nil {
		c.Attrs = make(map[string]float64)
	}
	if c.Labels == nil {
		c.Labels = make(map[string]string)
	}
	return &c
}
