// Package adapt implements the transformed up-down procedures that steer a
// run's test variable toward threshold.
//
// A Procedure is a small state machine over the ordered correctness history of
// one run. Each call to Adapt inspects the trailing responses, updates the step
// size and the reversal counter, and returns either the signed change to apply
// to the test variable or a convergence signal. Reversals only count while the
// step size sits at its floor (MinStep), so convergence always reflects the
// fine-grained phase of a run.
//
// References:
//   - Levitt, "Transformed up-down procedures in psychoacoustics",
//     JASA 49 (1971), p. 467-477.
//   - Kaernbach, "Simple adaptive testing with the weighted up-down method",
//     Perception & Psychophysics 49 (1991), p. 227-229.
package adapt

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidSetting is returned when an adaptive setting cannot drive a procedure.
var ErrInvalidSetting = errors.New("invalid adaptive setting")

// Kind identifies one of the supported procedure variants.
type Kind string

const (
	OneUpTwoDown   Kind = "1up2down"
	TwoUpOneDown   Kind = "2up1down"
	OneUpThreeDown Kind = "1up3down"
	WeightedUpDown Kind = "WUD"
)

// Kinds lists every supported variant in a stable order.
func Kinds() []Kind {
	return []Kind{OneUpTwoDown, TwoUpOneDown, OneUpThreeDown, WeightedUpDown}
}

// ParseKind maps a declared procedure name to its Kind.
// Matching is case-insensitive; "wud" and "weighted" both select WeightedUpDown.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1up2down":
		return OneUpTwoDown, nil
	case "2up1down":
		return TwoUpOneDown, nil
	case "1up3down":
		return OneUpThreeDown, nil
	case "wud", "weighted":
		return WeightedUpDown, nil
	default:
		return "", fmt.Errorf("%w: unknown procedure %q", ErrInvalidSetting, s)
	}
}

// Halving selects when 1up3down and WUD halve their step size.
type Halving string

const (
	// HalvingTransition halves the step whenever the "down" reversal pattern
	// occurs, like 1up2down and 2up1down do.
	HalvingTransition Halving = "transition"

	// HalvingFloor halves only when the step already equals MinStep, so the
	// step never leaves StartStep unless StartStep == MinStep.
	HalvingFloor Halving = "floor"
)

// Setting declares one adaptive procedure configuration. It is immutable
// once declared; every run built from it gets its own Procedure.
type Setting struct {
	Kind         Kind    `json:"kind" yaml:"kind"`
	MaxReversals int     `json:"max_reversals" yaml:"max_reversals"`
	StartStep    float64 `json:"start_step" yaml:"start_step"`
	MinStep      float64 `json:"min_step" yaml:"min_step"`

	// TargetProportion is the convergence point (0..1) of the weighted
	// up-down method. Ignored by the other variants.
	TargetProportion float64 `json:"target_proportion,omitempty" yaml:"target_proportion,omitempty"`

	// Halving defaults to HalvingTransition when empty.
	Halving Halving `json:"halving,omitempty" yaml:"halving,omitempty"`
}

// Validate checks that the setting can drive a procedure.
func (s Setting) Validate() error {
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	if s.MaxReversals < 1 {
		return fmt.Errorf("%w: max_reversals must be at least 1, got %d", ErrInvalidSetting, s.MaxReversals)
	}
	if !(s.MinStep > 0) || math.IsInf(s.MinStep, 0) {
		return fmt.Errorf("%w: min_step must be positive, got %v", ErrInvalidSetting, s.MinStep)
	}
	if !(s.StartStep >= s.MinStep) || math.IsInf(s.StartStep, 0) {
		return fmt.Errorf("%w: start_step (%v) must be finite and >= min_step (%v)", ErrInvalidSetting, s.StartStep, s.MinStep)
	}
	if s.Kind == WeightedUpDown && !(s.TargetProportion > 0 && s.TargetProportion < 1) {
		return fmt.Errorf("%w: target_proportion must be in (0, 1), got %v", ErrInvalidSetting, s.TargetProportion)
	}
	switch s.Halving {
	case "", HalvingTransition, HalvingFloor:
	default:
		return fmt.Errorf("%w: unknown halving mode %q", ErrInvalidSetting, s.Halving)
	}
	return nil
}

// String renders the setting as kind(max_reversals,start_step,min_step), with
// the target proportion appended for the weighted method.
func (s Setting) String() string {
	if s.Kind == WeightedUpDown {
		return fmt.Sprintf("%s(%d,%g,%g,p=%g)", s.Kind, s.MaxReversals, s.StartStep, s.MinStep, s.TargetProportion)
	}
	return fmt.Sprintf("%s(%d,%g,%g)", s.Kind, s.MaxReversals, s.StartStep, s.MinStep)
}

// Result is the outcome of one Adapt call.
type Result struct {
	// Delta is the signed change to apply to the test variable.
	// It is zero when Converged is set.
	Delta float64

	// Converged reports that the reversal target has been reached. The run
	// is finished and Delta must not be applied.
	Converged bool
}

// Procedure tracks step size and reversals for one run.
type Procedure interface {
	// Adapt evaluates the full correctness history, most recent last.
	// It must be called exactly once after each answered trial.
	Adapt(history []bool) Result

	Setting() Setting
	Step() float64

	// Reversals starts at -1 so that the first counted reversal only marks
	// entry into the fine phase.
	Reversals() int

	// Restore overwrites step and reversal count, e.g. when resuming a run.
	Restore(step float64, reversals int)
}

// New builds the procedure for a setting.
func New(s Setting) (Procedure, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	kind, _ := ParseKind(string(s.Kind))
	s.Kind = kind
	if s.Halving == "" {
		s.Halving = HalvingTransition
	}

	st := state{setting: s, step: s.StartStep, reversals: -1}
	switch kind {
	case OneUpTwoDown:
		return &oneUpTwoDown{state: st}, nil
	case TwoUpOneDown:
		return &twoUpOneDown{state: st}, nil
	case OneUpThreeDown:
		return &oneUpThreeDown{state: st}, nil
	default:
		return &weightedUpDown{state: st}, nil
	}
}

// state holds the mutable fields shared by every variant.
type state struct {
	setting   Setting
	step      float64
	reversals int
}

func (s *state) Setting() Setting { return s.setting }
func (s *state) Step() float64    { return s.step }
func (s *state) Reversals() int   { return s.reversals }

func (s *state) Restore(step float64, reversals int) {
	s.step = step
	s.reversals = reversals
}

func (s *state) atFloor() bool {
	return s.step == s.setting.MinStep
}

// reverse counts a reversal, but only in the fine phase.
func (s *state) reverse() {
	if s.atFloor() {
		s.reversals++
	}
}

func (s *state) halve() {
	s.step = math.Max(s.setting.MinStep, s.step/2)
}

// reverseAndHalve applies the "down" reversal pattern of the variants that
// expose a Halving mode.
func (s *state) reverseAndHalve() {
	if s.setting.Halving == HalvingFloor {
		if s.atFloor() {
			s.reversals++
			s.halve()
		}
		return
	}
	s.reverse()
	s.halve()
}

func (s *state) converged() bool {
	return s.reversals == s.setting.MaxReversals
}
