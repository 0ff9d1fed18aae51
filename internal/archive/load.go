package archive

import (
	"context"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/signal"
)

// Load opens the archive at src and resumes its session. The session is
// first rebuilt against a staging store; signals reach opts.Store only once
// that succeeded, so a failed load leaves the caller's store untouched.
func Load(ctx context.Context, src string, exp experiment.Experiment, opts session.Options) (*session.Session, *Contents, error) {
	c, err := Open(ctx, src)
	if err != nil {
		return nil, nil, err
	}

	staging := signal.NewStore(nil)
	if err := c.Intern(staging); err != nil {
		return nil, nil, err
	}
	target := opts.Store
	opts.Store = staging
	s, err := Restore(c.Document, exp, opts)
	if err != nil {
		return nil, nil, err
	}
	if target == nil {
		return s, c, nil
	}

	if err := c.Intern(target); err != nil {
		return nil, nil, err
	}
	opts.Store = target
	s, err = Restore(c.Document, exp, opts)
	if err != nil {
		return nil, nil, err
	}
	return s, c, nil
}
