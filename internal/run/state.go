package run

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/earyx-lab/earyx/internal/adapt"
	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/signal"
)

// State is a detached copy of everything a run owns, used for checkpoints
// and archives. A presented but unanswered trial is not part of it.
type State struct {
	Index            int                    `json:"index"`
	Parameters       []experiment.AxisValue `json:"parameters"`
	Setting          adapt.Setting          `json:"setting"`
	Start            float64                `json:"variable_start"`
	Variable         float64                `json:"variable"`
	Step             float64                `json:"step"`
	Reversals        int                    `json:"reversals"`
	Finished         bool                   `json:"finished"`
	FinishedAt       time.Time              `json:"finished_at,omitzero"`
	Skipped          bool                   `json:"skipped"`
	MeasurementStart *int                   `json:"measurement_start"`
	Adapted          int                    `json:"adapted"`
	Prepared         bool                   `json:"prepared"`
	Stimulus         signal.Stimulus        `json:"stimulus"`
	Trials           []Trial                `json:"trials"`
}

// State returns a deep copy of the run.
func (r *Run) State() State {
	st := State{
		Index:      r.index,
		Parameters: r.Parameters(),
		Setting:    r.setting,
		Start:      r.start,
		Variable:   r.variable,
		Step:       r.proc.Step(),
		Reversals:  r.proc.Reversals(),
		Finished:   r.finished,
		FinishedAt: r.finishedAt,
		Skipped:    r.skipped,
		Adapted:    r.adapted,
		Prepared:   r.prepared,
		Stimulus:   r.base.Clone(),
		Trials:     r.Trials(),
	}
	if ms, ok := r.MeasurementStart(); ok {
		st.MeasurementStart = &ms
	}
	return st
}

// Reset returns the state of a run that has not started yet, keeping its
// identity, the skipped flag and the run-level stimulus.
func (s State) Reset() State {
	return State{
		Index:      s.Index,
		Parameters: append([]experiment.AxisValue(nil), s.Parameters...),
		Setting:    s.Setting,
		Start:      s.Start,
		Variable:   s.Start,
		Step:       s.Setting.StartStep,
		Reversals:  -1,
		Skipped:    s.Skipped,
		Prepared:   s.Prepared,
		Stimulus:   s.Stimulus.Clone(),
		Trials:     []Trial{},
	}
}

// Restore rebuilds a run from a state. Every field is checked against the
// run's own invariants; nothing is coerced.
func Restore(st State) (*Run, error) {
	if err := st.check(); err != nil {
		return nil, fmt.Errorf("run %d: %w", st.Index, err)
	}
	r, err := New(st.Index, st.Parameters, st.Setting, st.Start)
	if err != nil {
		return nil, fmt.Errorf("run %d: %w", st.Index, err)
	}
	r.proc.Restore(st.Step, st.Reversals)
	r.variable = st.Variable
	r.finished = st.Finished
	r.finishedAt = st.FinishedAt
	r.skipped = st.Skipped
	r.adapted = st.Adapted
	r.prepared = st.Prepared
	r.base = st.Stimulus.Clone()
	if st.MeasurementStart != nil {
		r.measurementStart = *st.MeasurementStart
	}
	r.trials = make([]Trial, len(st.Trials))
	for i, t := range st.Trials {
		t.Stimulus = t.Stimulus.Clone()
		r.trials[i] = t
	}
	return r, nil
}

func (st State) check() error {
	if err := st.Setting.Validate(); err != nil {
		return err
	}
	if !finite(st.Start) || !finite(st.Variable) {
		return errors.New("variable is not finite")
	}
	if !finite(st.Step) || st.Step < st.Setting.MinStep || st.Step > st.Setting.StartStep {
		return fmt.Errorf("step %v outside [%v, %v]", st.Step, st.Setting.MinStep, st.Setting.StartStep)
	}
	if st.Reversals < -1 || st.Reversals > st.Setting.MaxReversals {
		return fmt.Errorf("reversals %d outside [-1, %d]", st.Reversals, st.Setting.MaxReversals)
	}
	if st.Finished && st.Skipped {
		return errors.New("run is both finished and skipped")
	}
	if st.Finished != (st.Reversals == st.Setting.MaxReversals) {
		return fmt.Errorf("finished=%v does not match %d/%d reversals", st.Finished, st.Reversals, st.Setting.MaxReversals)
	}
	if st.Adapted < 0 || st.Adapted > len(st.Trials) {
		return fmt.Errorf("adapted count %d outside [0, %d]", st.Adapted, len(st.Trials))
	}
	if ms := st.MeasurementStart; ms != nil && (*ms < 1 || *ms > len(st.Trials)) {
		return fmt.Errorf("measurement start %d outside [1, %d]", *ms, len(st.Trials))
	}
	for i, t := range st.Trials {
		if t.Index != i || t.Run != st.Index {
			return fmt.Errorf("trial %d is out of place (run %d, index %d)", i, t.Run, t.Index)
		}
		if !t.Answered {
			return fmt.Errorf("trial %d has no answer", i)
		}
		if t.Correct != (t.Answer == t.CorrectAnswer) {
			return fmt.Errorf("trial %d correctness does not match its answer", i)
		}
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
