package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/run"
	"github.com/earyx-lab/earyx/internal/signal"
)

// ErrIncompatibleState is returned when a saved state cannot be attached to
// an experiment: different name, declaration, run set, or unresolvable
// signal references.
var ErrIncompatibleState = errors.New("state does not match experiment")

// State is a detached copy of a whole session. Signals appear only as digest
// references into the session's store.
type State struct {
	ID                    string                 `json:"id"`
	Experiment            string                 `json:"experiment"`
	Subject               string                 `json:"subject"`
	Created               time.Time              `json:"created"`
	Order                 Order                  `json:"order"`
	DiscardUnfinishedRuns bool                   `json:"discard_unfinished_runs"`
	Declaration           experiment.Declaration `json:"declaration"`
	Runs                  []run.State            `json:"runs"`
}

// Durable applies the discard-unfinished-runs policy: with it enabled,
// every run that has not converged is reset to its initial state. Skipped
// runs stay skipped.
func (st State) Durable() State {
	out := st
	out.Runs = make([]run.State, len(st.Runs))
	for i, r := range st.Runs {
		if st.DiscardUnfinishedRuns && !r.Finished {
			r = r.Reset()
		}
		out.Runs[i] = r
	}
	return out
}

// Digests lists every digest referenced by the state, without duplicates,
// in first-reference order.
func (st State) Digests() []signal.Digest {
	seen := map[signal.Digest]bool{}
	var out []signal.Digest
	add := func(s signal.Stimulus) {
		for _, d := range s.Digests() {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	for _, r := range st.Runs {
		add(r.Stimulus)
		for _, t := range r.Trials {
			add(t.Stimulus)
		}
	}
	return out
}

// Progress counts finished and skipped runs.
func (st State) Progress() (finished, skipped, total int) {
	for _, r := range st.Runs {
		switch {
		case r.Finished:
			finished++
		case r.Skipped:
			skipped++
		}
	}
	return finished, skipped, len(st.Runs)
}

// restoreRuns rebuilds the runs of st after checking them against the runs
// the experiment declares and the signals in store.
func restoreRuns(st State, expected []*run.Run, store *signal.Store) ([]*run.Run, error) {
	if len(st.Runs) != len(expected) {
		return nil, fmt.Errorf("%w: %d runs saved, experiment declares %d", ErrIncompatibleState, len(st.Runs), len(expected))
	}
	runs := make([]*run.Run, len(st.Runs))
	for i, rs := range st.Runs {
		if rs.Index != i {
			return nil, fmt.Errorf("%w: run at position %d has index %d", ErrIncompatibleState, i, rs.Index)
		}
		r, err := run.Restore(rs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncompatibleState, err)
		}
		if err := sameCondition(r, expected[i]); err != nil {
			return nil, fmt.Errorf("%w: run %d: %v", ErrIncompatibleState, i, err)
		}
		runs[i] = r
	}
	for _, d := range st.Digests() {
		if !store.Has(d) {
			return nil, fmt.Errorf("%w: signal %s: %w", ErrIncompatibleState, d, signal.ErrNotFound)
		}
	}
	return runs, nil
}

func sameCondition(got, want *run.Run) error {
	if got.Setting() != want.Setting() {
		return fmt.Errorf("setting %+v, want %+v", got.Setting(), want.Setting())
	}
	if got.Start() != want.Start() {
		return fmt.Errorf("variable start %v, want %v", got.Start(), want.Start())
	}
	gp, wp := got.Parameters(), want.Parameters()
	if len(gp) != len(wp) {
		return fmt.Errorf("%d parameters, want %d", len(gp), len(wp))
	}
	for i := range gp {
		if gp[i] != wp[i] {
			return fmt.Errorf("parameter %v, want %v", gp[i], wp[i])
		}
	}
	return nil
}
