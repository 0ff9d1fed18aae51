// Package run tracks one measurement condition: a fixed combination of
// parameter values and one adaptive setting, its trial history and the live
// value of the test variable.
//
// A Run is not safe for concurrent use. The session serializes access.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/earyx-lab/earyx/internal/adapt"
	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/signal"
)

var (
	// ErrInactive is returned when a finished or skipped run is asked for
	// more trials or answers.
	ErrInactive = errors.New("run is not active")

	// ErrAlreadyAnswered is returned when a trial's answer is set twice.
	ErrAlreadyAnswered = errors.New("trial already answered")

	// ErrForeignTrial is returned when a trial is recorded on a run that did
	// not present it.
	ErrForeignTrial = errors.New("trial does not belong to this run")

	// ErrNoAnswer is returned by Advance when no answer has been recorded
	// since the last adaptation.
	ErrNoAnswer = errors.New("no new answer to adapt to")
)

// Transition is the outcome of Advance.
type Transition int

const (
	// Continue means the run goes on with the updated variable.
	Continue Transition = iota
	// MeasurementEntered fires once, the first time the step reaches its floor.
	MeasurementEntered
	// Converged means the reversal target was reached; the run is finished.
	Converged
)

func (t Transition) String() string {
	switch t {
	case Continue:
		return "continue"
	case MeasurementEntered:
		return "measurement_entered"
	case Converged:
		return "converged"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

// Trial is one presentation and its response.
type Trial struct {
	Run           int             `json:"run"`
	Index         int             `json:"index"`
	Variable      float64         `json:"variable"`
	CorrectAnswer string          `json:"correct_answer"`
	Answer        string          `json:"answer,omitempty"`
	Answered      bool            `json:"answered"`
	Correct       bool            `json:"correct"`
	Stimulus      signal.Stimulus `json:"stimulus"`
	PresentedAt   time.Time       `json:"presented_at,omitzero"`
}

// Run is one element of the settings x axes product.
type Run struct {
	index    int
	params   []experiment.AxisValue
	setting  adapt.Setting
	start    float64
	proc     adapt.Procedure
	variable float64

	trials  []Trial
	pending *Trial
	adapted int

	finished   bool
	finishedAt time.Time
	skipped    bool

	// measurementStart is the trial count at which the measurement phase
	// began, or -1.
	measurementStart int

	base     signal.Stimulus
	prepared bool
}

// New creates a run in its initial state.
func New(index int, params []experiment.AxisValue, setting adapt.Setting, start float64) (*Run, error) {
	proc, err := adapt.New(setting)
	if err != nil {
		return nil, err
	}
	return &Run{
		index:            index,
		params:           append([]experiment.AxisValue(nil), params...),
		setting:          proc.Setting(),
		start:            start,
		proc:             proc,
		variable:         start,
		measurementStart: -1,
	}, nil
}

func (r *Run) Index() int                { return r.index }
func (r *Run) Setting() adapt.Setting    { return r.setting }
func (r *Run) Variable() float64         { return r.variable }
func (r *Run) Start() float64            { return r.start }
func (r *Run) Step() float64             { return r.proc.Step() }
func (r *Run) Reversals() int            { return r.proc.Reversals() }
func (r *Run) Finished() bool            { return r.finished }
func (r *Run) FinishedAt() time.Time     { return r.finishedAt }
func (r *Run) Skipped() bool             { return r.skipped }
func (r *Run) Active() bool              { return !r.finished && !r.skipped }
func (r *Run) Prepared() bool            { return r.prepared }
func (r *Run) Stimulus() signal.Stimulus { return r.base.Clone() }

// Parameters returns the fixed axis values of the run.
func (r *Run) Parameters() []experiment.AxisValue {
	return append([]experiment.AxisValue(nil), r.params...)
}

// Param returns the value of the named axis.
func (r *Run) Param(name string) (float64, bool) {
	for _, p := range r.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// Trials returns a copy of the answered trials.
func (r *Run) Trials() []Trial {
	out := make([]Trial, len(r.trials))
	for i, t := range r.trials {
		t.Stimulus = t.Stimulus.Clone()
		out[i] = t
	}
	return out
}

// Len returns the number of answered trials.
func (r *Run) Len() int { return len(r.trials) }

// Pending returns the presented but unanswered trial, if any.
func (r *Run) Pending() (Trial, bool) {
	if r.pending == nil {
		return Trial{}, false
	}
	t := *r.pending
	t.Stimulus = t.Stimulus.Clone()
	return t, true
}

// MeasurementStart returns the trial count at which the measurement phase
// began.
func (r *Run) MeasurementStart() (int, bool) {
	return r.measurementStart, r.measurementStart >= 0
}

// Prepare sets the run-level stimulus. It is called once, on first activation.
func (r *Run) Prepare(st signal.Stimulus) {
	r.base = st.Clone()
	r.prepared = true
}

// Present creates the next trial at the current variable value. It returns
// the pending trial unchanged if one is still waiting for an answer.
func (r *Run) Present(correct string, st signal.Stimulus, at time.Time) (Trial, error) {
	if !r.Active() {
		return Trial{}, ErrInactive
	}
	if t, ok := r.Pending(); ok {
		return t, nil
	}
	r.pending = &Trial{
		Run:           r.index,
		Index:         len(r.trials),
		Variable:      r.variable,
		CorrectAnswer: correct,
		Stimulus:      st.Inherit(r.base),
		PresentedAt:   at,
	}
	t, _ := r.Pending()
	return t, nil
}

// RecordAnswer sets the answer and correctness of the pending trial and
// appends it to the history. The answer must already be normalized.
// No adaptation happens here.
func (r *Run) RecordAnswer(t Trial, answer string) (Trial, error) {
	if !r.Active() {
		return Trial{}, ErrInactive
	}
	if t.Run != r.index {
		return Trial{}, ErrForeignTrial
	}
	if r.pending == nil || t.Index != r.pending.Index {
		if t.Index >= 0 && t.Index < len(r.trials) {
			return Trial{}, ErrAlreadyAnswered
		}
		return Trial{}, ErrForeignTrial
	}

	p := *r.pending
	p.Answer = answer
	p.Answered = true
	p.Correct = answer == p.CorrectAnswer
	r.trials = append(r.trials, p)
	r.pending = nil

	p.Stimulus = p.Stimulus.Clone()
	return p, nil
}

// Advance runs the adaptive procedure over the whole history. On
// convergence the run is marked finished and the variable is left as is.
// Otherwise the delta is applied, and the first time its magnitude equals the
// minimum step the measurement phase starts.
func (r *Run) Advance(now time.Time) (Transition, error) {
	if !r.Active() {
		return Continue, ErrInactive
	}
	if r.adapted >= len(r.trials) {
		return Continue, ErrNoAnswer
	}
	r.adapted = len(r.trials)

	res := r.proc.Adapt(r.history())
	if res.Converged {
		r.finished = true
		r.finishedAt = now
		return Converged, nil
	}

	r.variable += res.Delta
	if abs(res.Delta) == r.setting.MinStep && r.measurementStart < 0 {
		r.measurementStart = len(r.trials)
		return MeasurementEntered, nil
	}
	return Continue, nil
}

// Skip abandons the run. A skipped run is never selected again.
func (r *Run) Skip() error {
	if !r.Active() {
		return ErrInactive
	}
	r.skipped = true
	r.pending = nil
	return nil
}

func (r *Run) history() []bool {
	h := make([]bool, len(r.trials))
	for i, t := range r.trials {
		h[i] = t.Correct
	}
	return h
}

// Measurement returns the variable values from the measurement phase on.
func (r *Run) Measurement() []float64 {
	if r.measurementStart < 0 {
		return nil
	}
	var out []float64
	for _, t := range r.trials[min(r.measurementStart, len(r.trials)):] {
		out = append(out, t.Variable)
	}
	return out
}

// Summary computes the measurement statistics.
func (r *Run) Summary() (Summary, bool) {
	return Summarize(r.Measurement())
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
