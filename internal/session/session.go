// Package session drives one experiment instance: it expands the declared
// conditions into runs, selects the next run, produces trials through the
// experiment, records answers, adapts, and writes checkpoints.
//
// All Session methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/logging"
	"github.com/earyx-lab/earyx/internal/run"
	"github.com/earyx-lab/earyx/internal/sanitize"
	"github.com/earyx-lab/earyx/internal/signal"
)

var (
	// ErrClosed is returned by every driver call after Finalize.
	ErrClosed = errors.New("session is finalized")

	// ErrRunInactive is returned when a finished or skipped run is driven.
	ErrRunInactive = errors.New("run is finished or skipped")

	// ErrUnknownRun is returned for a run that belongs to another session.
	ErrUnknownRun = errors.New("run does not belong to this session")

	// ErrNoArchiver is returned by Finalize(persist=true) without an Archiver.
	ErrNoArchiver = errors.New("no archiver configured")
)

// Checkpointer receives the durable state of the session after transitions.
type Checkpointer interface {
	Checkpoint(ctx context.Context, st State) error
}

// Archiver packs the final state and its signals into an artifact and
// returns its path.
type Archiver interface {
	Archive(ctx context.Context, st State, store *signal.Store) (string, error)
}

// Options configures a Session. The zero value is usable.
type Options struct {
	Order                 Order
	DiscardUnfinishedRuns bool
	Subject               string

	// Store defaults to an in-memory store.
	Store        *signal.Store
	Checkpointer Checkpointer
	Archiver     Archiver

	Logger *slog.Logger
	Events *logging.EventLogger

	// Rand drives answer generation, signal synthesis and interleaving.
	Rand *rand.Rand
	Now  func() time.Time
	// ID defaults to a random UUID.
	ID string
}

// Session is one running experiment instance.
type Session struct {
	mu sync.Mutex

	id      string
	created time.Time
	exp     experiment.Experiment
	decl    experiment.Declaration
	scheme  experiment.AnswerScheme
	runs    []*run.Run
	opts    Options
	closed  bool
	idle    bool
}

func (o *Options) defaults() {
	if o.Order == "" {
		o.Order = Sequential
	}
	if o.Store == nil {
		o.Store = signal.NewStore(nil)
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
}

// New expands the experiment's declaration into runs.
func New(exp experiment.Experiment, opts Options) (*Session, error) {
	if _, err := ParseOrder(string(opts.Order)); err != nil {
		return nil, err
	}
	opts.Subject = sanitize.Subject(opts.Subject)
	opts.defaults()
	scheme := exp.Answers()
	if err := scheme.Validate(); err != nil {
		return nil, fmt.Errorf("answers of %s: %w", exp.Name(), err)
	}
	decl := exp.Declaration()
	runs, err := Expand(decl)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", exp.Name(), err)
	}

	s := &Session{
		id:      opts.ID,
		created: opts.Now(),
		exp:     exp,
		decl:    decl,
		scheme:  scheme,
		runs:    runs,
		opts:    opts,
	}
	s.opts.Logger.Info("session created",
		"id", s.id, "experiment", exp.Name(), "runs", len(runs),
		"order", opts.Order, "discard_unfinished_runs", opts.DiscardUnfinishedRuns)
	return s, nil
}

// FromState resumes a session from a saved state. Identity, subject and
// durability policy come from the state; an empty opts.Order keeps the saved
// order. Every referenced digest must already be present in opts.Store.
func FromState(exp experiment.Experiment, st State, opts Options) (*Session, error) {
	if st.Experiment != exp.Name() {
		return nil, fmt.Errorf("%w: state is for %q, not %q", ErrIncompatibleState, st.Experiment, exp.Name())
	}
	if opts.Order == "" {
		opts.Order = st.Order
	}
	if _, err := ParseOrder(string(opts.Order)); err != nil {
		return nil, err
	}
	opts.ID = st.ID
	opts.Subject = st.Subject
	opts.DiscardUnfinishedRuns = st.DiscardUnfinishedRuns
	opts.defaults()

	scheme := exp.Answers()
	if err := scheme.Validate(); err != nil {
		return nil, fmt.Errorf("answers of %s: %w", exp.Name(), err)
	}
	decl := exp.Declaration()
	if st.Declaration.Variable.Name != decl.Variable.Name {
		return nil, fmt.Errorf("%w: variable %q, want %q", ErrIncompatibleState, st.Declaration.Variable.Name, decl.Variable.Name)
	}
	expected, err := Expand(decl)
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", exp.Name(), err)
	}
	runs, err := restoreRuns(st, expected, opts.Store)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      st.ID,
		created: st.Created,
		exp:     exp,
		decl:    decl,
		scheme:  scheme,
		runs:    runs,
		opts:    opts,
	}
	finished, skipped, total := st.Progress()
	s.opts.Logger.Info("session resumed",
		"id", s.id, "experiment", exp.Name(), "finished", finished, "skipped", skipped, "runs", total)
	return s, nil
}

func (s *Session) ID() string                          { return s.id }
func (s *Session) Experiment() experiment.Experiment   { return s.exp }
func (s *Session) Answers() experiment.AnswerScheme    { return s.scheme }
func (s *Session) Store() *signal.Store                { return s.opts.Store }
func (s *Session) Declaration() experiment.Declaration { return s.decl }

// Runs returns every run in declaration order.
func (s *Session) Runs() []*run.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*run.Run(nil), s.runs...)
}

// NextRun selects the next active run. It reports false once every run is
// finished or skipped, or after Finalize.
func (s *Session) NextRun() (*run.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}

	var active []*run.Run
	for _, r := range s.runs {
		if r.Active() {
			active = append(active, r)
		}
	}
	r := s.opts.Order.pick(active, s.opts.Rand)
	if r == nil {
		if !s.idle {
			s.idle = true
			s.opts.Logger.Info("runs exhausted", "id", s.id, "runs", len(s.runs))
		}
		return nil, false
	}
	return r, true
}

// NextTrial returns the pending trial of r, or generates a new one. The
// run-level stimulus is prepared on first use.
func (s *Session) NextTrial(ctx context.Context, r *run.Run) (run.Trial, error) {
	if err := ctx.Err(); err != nil {
		return run.Trial{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(r); err != nil {
		return run.Trial{}, err
	}
	if t, ok := r.Pending(); ok {
		return t, nil
	}

	rc := experiment.RunContext{
		Index:      r.Index(),
		Parameters: r.Parameters(),
		Setting:    r.Setting(),
		Rand:       s.opts.Rand,
		Signals:    s.opts.Store,
	}
	if !r.Prepared() {
		var base signal.Stimulus
		if p, ok := s.exp.(experiment.RunPreparer); ok {
			seg, err := p.PrepareRun(rc)
			if err != nil {
				return run.Trial{}, fmt.Errorf("preparing run %d: %w", r.Index(), err)
			}
			if base, err = s.opts.Store.InternSegments(seg); err != nil {
				return run.Trial{}, fmt.Errorf("preparing run %d: %w", r.Index(), err)
			}
		}
		r.Prepare(base)
	}

	correct := s.scheme.CorrectAnswer(s.opts.Rand)
	seg, err := s.exp.Trial(experiment.TrialContext{
		RunContext:    rc,
		Variable:      r.Variable(),
		CorrectAnswer: correct,
		RunStimulus:   r.Stimulus(),
	})
	if err != nil {
		return run.Trial{}, fmt.Errorf("building trial for run %d: %w", r.Index(), err)
	}
	st, err := s.opts.Store.InternSegments(seg)
	if err != nil {
		return run.Trial{}, fmt.Errorf("building trial for run %d: %w", r.Index(), err)
	}
	t, err := r.Present(correct, st, s.opts.Now())
	if err != nil {
		return run.Trial{}, err
	}

	s.opts.Logger.Debug("trial presented", "run", r.Index(), "trial", t.Index, "variable", t.Variable)
	s.opts.Events.Log(logging.EventTrialPresented, map[string]any{
		"session": s.id, "run": r.Index(), "trial": t.Index, "variable": t.Variable,
	})
	return t, nil
}

// RecordAnswer validates the raw answer with the experiment's answer scheme
// and records it on the trial. An invalid answer leaves the run untouched and
// the error wraps experiment.ErrInvalidAnswer.
func (s *Session) RecordAnswer(r *run.Run, t run.Trial, answer string) (run.Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(r); err != nil {
		return run.Trial{}, err
	}
	normalized, err := s.scheme.Check(answer)
	if err != nil {
		return run.Trial{}, err
	}
	got, err := r.RecordAnswer(t, normalized)
	if err != nil {
		return run.Trial{}, err
	}

	s.opts.Logger.Debug("trial answered",
		"run", r.Index(), "trial", got.Index, "answer", got.Answer, "correct", got.Correct)
	s.opts.Events.Log(logging.EventTrialAnswered, map[string]any{
		"session": s.id, "run": r.Index(), "trial": got.Index,
		"answer": got.Answer, "correct": got.Correct, "variable": got.Variable,
	})
	return got, nil
}

// Advance adapts r to its latest answer. A checkpoint is written after every
// call when unfinished runs are kept, and only on convergence when they are
// discarded. A checkpoint failure is returned after the transition has been
// applied.
func (s *Session) Advance(ctx context.Context, r *run.Run) (run.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(r); err != nil {
		return run.Continue, err
	}

	before := r.Reversals()
	tr, err := r.Advance(s.opts.Now())
	if err != nil {
		return run.Continue, err
	}

	if r.Reversals() != before {
		s.opts.Events.Log(logging.EventReversal, map[string]any{
			"session": s.id, "run": r.Index(), "reversals": r.Reversals(), "step": r.Step(),
		})
	}
	switch tr {
	case run.MeasurementEntered:
		s.opts.Logger.Info("measurement phase entered", "run", r.Index(), "trial", r.Len(), "variable", r.Variable())
		s.opts.Events.Log(logging.EventMeasurementEntered, map[string]any{
			"session": s.id, "run": r.Index(), "trial": r.Len(), "variable": r.Variable(),
		})
	case run.Converged:
		s.opts.Logger.Info("run converged",
			"run", r.Index(), "setting", r.Setting().String(), "trials", r.Len())
		s.opts.Events.Log(logging.EventRunConverged, map[string]any{
			"session": s.id, "run": r.Index(), "trials": r.Len(),
		})
	default:
		s.opts.Logger.Debug("run advanced", "run", r.Index(), "variable", r.Variable(), "step", r.Step())
	}

	if !s.opts.DiscardUnfinishedRuns || tr == run.Converged {
		if err := s.checkpoint(ctx); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

// Skip abandons r permanently and writes a checkpoint.
func (s *Session) Skip(ctx context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(r); err != nil {
		return err
	}
	if err := r.Skip(); err != nil {
		return fmt.Errorf("%w: run %d", ErrRunInactive, r.Index())
	}
	s.opts.Logger.Info("run skipped", "run", r.Index(), "trials", r.Len())
	s.opts.Events.Log(logging.EventRunSkipped, map[string]any{
		"session": s.id, "run": r.Index(), "trials": r.Len(),
	})
	return s.checkpoint(ctx)
}

// Finalize closes the session. With persist set, the durable state is handed
// to the Archiver and the archive path is returned.
func (s *Session) Finalize(ctx context.Context, persist bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	var path string
	if persist {
		if s.opts.Archiver == nil {
			return "", ErrNoArchiver
		}
		var err error
		if path, err = s.opts.Archiver.Archive(ctx, s.stateLocked(), s.opts.Store); err != nil {
			return "", fmt.Errorf("archiving session %s: %w", s.id, err)
		}
	}
	// The session stays open when archiving fails so Finalize can be retried.
	s.closed = true

	finished, skipped, total := s.stateLocked().Progress()
	s.opts.Logger.Info("session finalized",
		"id", s.id, "persist", persist, "finished", finished, "skipped", skipped, "runs", total)
	fields := map[string]any{"session": s.id}
	if path != "" {
		fields["archive"] = path
	}
	s.opts.Events.Log(logging.EventFinalized, fields)
	return path, nil
}

// Checkpoint writes the durable state now. Drivers call it once a session is
// created or restored so that it is resumable before any run ends.
func (s *Session) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.checkpoint(ctx)
}

// State returns the durable state of the session: with
// DiscardUnfinishedRuns set, unfinished runs appear reset.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// LiveState returns the full in-memory state regardless of the durability
// policy.
func (s *Session) LiveState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

// LayoutDigests returns the presentation order of a trial as digests.
func (s *Session) LayoutDigests(t run.Trial) ([]signal.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheme.Layout(t.Stimulus, t.CorrectAnswer, s.opts.Rand)
}

// Layout resolves the presentation order of a trial into buffers.
func (s *Session) Layout(t run.Trial) ([]*signal.Buffer, error) {
	digests, err := s.LayoutDigests(t)
	if err != nil {
		return nil, err
	}
	out := make([]*signal.Buffer, len(digests))
	for i, d := range digests {
		if out[i], err = s.opts.Store.Get(d); err != nil {
			return nil, err
		}
	}
	s.opts.Logger.Log(context.Background(), logging.LevelTrace, "trial layout",
		"run", t.Run, "trial", t.Index, "segments", len(out))
	return out, nil
}

// Closed reports whether Finalize has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) liveLocked() State {
	st := State{
		ID:                    s.id,
		Experiment:            s.exp.Name(),
		Subject:               s.opts.Subject,
		Created:               s.created,
		Order:                 s.opts.Order,
		DiscardUnfinishedRuns: s.opts.DiscardUnfinishedRuns,
		Declaration:           s.decl,
		Runs:                  make([]run.State, len(s.runs)),
	}
	for i, r := range s.runs {
		st.Runs[i] = r.State()
	}
	return st
}

func (s *Session) stateLocked() State {
	return s.liveLocked().Durable()
}

func (s *Session) checkpoint(ctx context.Context) error {
	if s.opts.Checkpointer == nil {
		return nil
	}
	st := s.stateLocked()
	if err := s.opts.Checkpointer.Checkpoint(ctx, st); err != nil {
		s.opts.Logger.Warn("checkpoint failed", "id", s.id, "error", err)
		return fmt.Errorf("checkpoint: %w", err)
	}
	s.opts.Events.Log(logging.EventCheckpoint, map[string]any{"session": s.id, "runs": len(st.Runs)})
	return nil
}

func (s *Session) check(r *run.Run) error {
	if s.closed {
		return ErrClosed
	}
	if r == nil || r.Index() < 0 || r.Index() >= len(s.runs) || s.runs[r.Index()] != r {
		return ErrUnknownRun
	}
	if !r.Active() {
		return fmt.Errorf("%w: run %d", ErrRunInactive, r.Index())
	}
	return nil
}
