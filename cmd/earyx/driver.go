package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/run"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/workspace"
)

// Commands accepted at the answer prompt besides answers.
const (
	quitCommand = "q"
	skipCommand = "s"
)

// errQuit stops the driver without finalizing the session.
var errQuit = errors.New("session interrupted")

// driver runs a session on a terminal: it prints each trial, optionally
// hands the segment files to an external player and reads answers line by
// line.
type driver struct {
	sess   *session.Session
	ws     *workspace.Workspace
	in     *bufio.Scanner
	out    io.Writer
	player string
}

// result is what a driven session ended with.
type result struct {
	Archive  string
	Finished int
	Skipped  int
	Total    int
	Quit     bool
}

func newDriver(sess *session.Session, ws *workspace.Workspace, in io.Reader, out io.Writer, player string) *driver {
	return &driver{sess: sess, ws: ws, in: bufio.NewScanner(in), out: out, player: player}
}

// Run presents runs until every run is finished or skipped, then finalizes
// the session into an archive. Quitting or reaching the end of input leaves
// the session resumable from its last checkpoint.
func (d *driver) Run(ctx context.Context) (result, error) {
	if err := d.sess.Checkpoint(ctx); err != nil {
		return d.result(false), err
	}
	for {
		if err := ctx.Err(); err != nil {
			return d.result(true), nil
		}
		r, ok := d.sess.NextRun()
		if !ok {
			break
		}
		err := d.runOne(ctx, r)
		if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
			return d.result(true), nil
		}
		if err != nil {
			return d.result(false), err
		}
	}

	path, err := d.sess.Finalize(ctx, true)
	res := d.result(false)
	res.Archive = path
	return res, err
}

func (d *driver) result(quit bool) result {
	finished, skipped, total := d.sess.LiveState().Progress()
	return result{Finished: finished, Skipped: skipped, Total: total, Quit: quit}
}

func (d *driver) runOne(ctx context.Context, r *run.Run) error {
	fmt.Fprintf(d.out, "\nRun %d%s, %s\n", r.Index(), formatParams(r.Parameters()), r.Setting())
	for r.Active() {
		t, err := d.sess.NextTrial(ctx, r)
		if err != nil {
			return err
		}
		if err := d.play(ctx, t); err != nil {
			return err
		}

		answer, err := d.prompt(t)
		if err != nil {
			return err
		}
		switch answer {
		case quitCommand:
			return errQuit
		case skipCommand:
			if err := d.sess.Skip(ctx, r); err != nil {
				return err
			}
			fmt.Fprintf(d.out, "  run %d skipped\n", r.Index())
			return nil
		}

		got, err := d.sess.RecordAnswer(r, t, answer)
		if errors.Is(err, experiment.ErrInvalidAnswer) {
			fmt.Fprintf(d.out, "  %v\n", err)
			continue
		}
		if err != nil {
			return err
		}
		tr, err := d.sess.Advance(ctx, r)
		if err != nil {
			return err
		}
		d.report(r, got, tr)
	}
	return nil
}

func (d *driver) prompt(t run.Trial) (string, error) {
	fmt.Fprintf(d.out, "trial %d (%g): %s [%s=skip, %s=quit] ",
		t.Index+1, t.Variable, d.sess.Answers().Prompt(), skipCommand, quitCommand)
	if !d.in.Scan() {
		fmt.Fprintln(d.out)
		if err := d.in.Err(); err != nil {
			return "", err
		}
		return "", errQuit
	}
	return strings.TrimSpace(d.in.Text()), nil
}

func (d *driver) report(r *run.Run, t run.Trial, tr run.Transition) {
	mark := "wrong"
	if t.Correct {
		mark = "correct"
	}
	switch tr {
	case run.MeasurementEntered:
		fmt.Fprintf(d.out, "  %s, measurement phase started at %g\n", mark, r.Variable())
	case run.Converged:
		fmt.Fprintf(d.out, "  %s, run %d converged after %d trials", mark, r.Index(), r.Len())
		if s, ok := r.Summary(); ok {
			fmt.Fprintf(d.out, ": median %g, std %.3g (n=%d)", s.Median, s.StdDev, s.N)
		}
		fmt.Fprintln(d.out)
	default:
		fmt.Fprintf(d.out, "  %s\n", mark)
	}
}

// play passes the trial's segment files, in playback order, to the
// configured player.
func (d *driver) play(ctx context.Context, t run.Trial) error {
	if d.player == "" {
		return nil
	}
	digests, err := d.sess.LayoutDigests(t)
	if err != nil {
		return err
	}
	fields := strings.Fields(d.player)
	args := fields[1:]
	for _, dg := range digests {
		args = append(args, d.ws.SignalPath(dg))
	}
	cmd := exec.CommandContext(ctx, fields[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("player failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func formatParams(params []experiment.AxisValue) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("%s=%g", p.Name, p.Value)
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// printResult reports how a driven session ended.
func printResult(out io.Writer, id string, res result) {
	switch {
	case res.Quit:
		fmt.Fprintf(out, "Session %s saved: %d of %d runs finished\n", id, res.Finished, res.Total)
		fmt.Fprintf(out, "  Resume with: earyx resume %s\n", id)
	case res.Archive != "":
		fmt.Fprintf(out, "Session %s complete: %d finished, %d skipped\n", id, res.Finished, res.Skipped)
		fmt.Fprintf(out, "  Archive: %s\n", res.Archive)
	}
}
