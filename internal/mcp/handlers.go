package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/earyx-lab/earyx/internal/archive"
	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/pathutil"
	"github.com/earyx-lab/earyx/internal/ratelimit"
	"github.com/earyx-lab/earyx/internal/run"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/workspace"
)

var (
	// ErrNoSession is returned by trial tools before a session is opened.
	ErrNoSession = errors.New("no open session, call earyx_start, earyx_resume or earyx_load first")

	// ErrSessionOpen is returned when a second session is opened.
	ErrSessionOpen = errors.New("a session is already open, call earyx_finalize first")

	// ErrNoCurrentRun is returned when no run was given and none is current.
	ErrNoCurrentRun = errors.New("no current run, call earyx_next_run or pass a run index")
)

// registerTools registers all earyx MCP tools with the server.
func (s *Server) registerTools() error {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_experiments",
		Description: "List the registered experiments with their parameter axes, test variable and run count",
	}, s.handleExperiments)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_start",
		Description: "Start a new session of an experiment for a subject",
	}, s.handleStart)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_resume",
		Description: "Resume an interrupted session from its latest checkpoint",
	}, s.handleResume)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_load",
		Description: "Open a session archive and continue it",
	}, s.handleLoad)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_next_run",
		Description: "Select the next active run; reports exhausted once every run is finished or skipped",
	}, s.handleNextRun)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_next_trial",
		Description: "Present the next trial of a run and return the signal files to play in order",
	}, s.handleNextTrial)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_answer",
		Description: "Record the subject's answer to the pending trial and adapt the run",
	}, s.handleAnswer)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_skip",
		Description: "Abandon a run permanently",
	}, s.handleSkip)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_status",
		Description: "Show the progress of the open session and every run",
	}, s.handleStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "earyx_finalize",
		Description: "Close the session and write its archive",
	}, s.handleFinalize)

	return nil
}

const experimentsURI = "earyx://experiments"

// registerResources registers MCP resources.
func (s *Server) registerResources() error {
	s.server.AddResource(&sdk.Resource{
		URI:         experimentsURI,
		Name:        "earyx-experiments",
		Description: "Registered experiments and how to answer their trials.",
		MIMEType:    "text/markdown",
	}, s.handleExperimentsResource)

	return nil
}

func (s *Server) handleExperimentsResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	var b strings.Builder
	b.WriteString("# Experiments\n")
	for _, e := range describeExperiments() {
		fmt.Fprintf(&b, "\n## %s\n\n", e.Name)
		fmt.Fprintf(&b, "- variable: %s (start %g %s)\n", e.Variable, e.Start, e.Unit)
		for _, a := range e.Axes {
			fmt.Fprintf(&b, "- %s: %v %s\n", a.Name, a.Values, a.Unit)
		}
		fmt.Fprintf(&b, "- runs: %d\n- answer: %s\n", e.Runs, e.Prompt)
	}
	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{{
			URI:      experimentsURI,
			MIMEType: "text/markdown",
			Text:     b.String(),
		}},
	}, nil
}

func describeExperiments() []ExperimentSummary {
	var out []ExperimentSummary
	for _, name := range experiment.Names() {
		exp, err := experiment.Lookup(name)
		if err != nil {
			continue
		}
		decl := exp.Declaration()
		e := ExperimentSummary{
			Name:     name,
			Variable: decl.Variable.Name,
			Start:    decl.Variable.Start,
			Unit:     decl.Variable.Unit,
			Runs:     decl.RunCount(),
			Prompt:   exp.Answers().Prompt(),
		}
		for _, a := range decl.Axes {
			e.Axes = append(e.Axes, AxisSummary{Name: a.Name, Values: a.Values, Unit: a.Unit})
		}
		for _, st := range decl.Settings {
			e.Settings = append(e.Settings, st.String())
		}
		out = append(out, e)
	}
	return out
}

// handleExperiments implements the earyx_experiments tool.
func (s *Server) handleExperiments(ctx context.Context, req *sdk.CallToolRequest, args ExperimentsInput) (*sdk.CallToolResult, ExperimentsOutput, error) {
	return nil, ExperimentsOutput{Experiments: describeExperiments()}, nil
}

// handleStart implements the earyx_start tool.
func (s *Server) handleStart(ctx context.Context, req *sdk.CallToolRequest, args StartInput) (_ *sdk.CallToolResult, _ SessionOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_start", start, retErr, sanitizeToolParams(map[string]any{
			"experiment": args.Experiment, "subject": args.Subject, "order": args.Order,
			"keep_unfinished_runs": args.KeepAll,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_start"); err != nil {
		return nil, SessionOutput{}, err
	}
	if args.Experiment == "" {
		return nil, SessionOutput{}, fmt.Errorf("'experiment' parameter is required")
	}
	exp, err := experiment.Lookup(args.Experiment)
	if err != nil {
		return nil, SessionOutput{}, err
	}

	opts := s.cfg.Defaults
	if args.Subject != "" {
		opts.Subject = args.Subject
	}
	if args.Order != "" {
		order, err := session.ParseOrder(args.Order)
		if err != nil {
			return nil, SessionOutput{}, err
		}
		opts.Order = order
	}
	if args.KeepAll {
		opts.DiscardUnfinishedRuns = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return nil, SessionOutput{}, ErrSessionOpen
	}

	// The session ID names the workspace, so it is fixed up front.
	if opts.ID == "" {
		opts.ID = newSessionID()
	}
	ws, err := workspace.Create(s.cfg.DataDir, opts.ID, s.cfg.LogLevel)
	if err != nil {
		return nil, SessionOutput{}, err
	}
	sess, err := session.New(exp, s.options(ws, opts))
	if err != nil {
		ws.Remove()
		return nil, SessionOutput{}, err
	}
	if err := sess.Checkpoint(ctx); err != nil {
		ws.Remove()
		return nil, SessionOutput{}, err
	}
	s.sess, s.ws, s.current = sess, ws, nil

	out := s.sessionOutputLocked()
	out.Message = fmt.Sprintf("Started %s with %d runs", exp.Name(), out.Runs)
	return nil, out, nil
}

// handleResume implements the earyx_resume tool. The workspace state file is
// preferred; the journal is consulted when the workspace has none.
func (s *Server) handleResume(ctx context.Context, req *sdk.CallToolRequest, args ResumeInput) (_ *sdk.CallToolResult, _ SessionOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_resume", start, retErr, sanitizeToolParams(map[string]any{
			"session_id": args.SessionID,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_resume"); err != nil {
		return nil, SessionOutput{}, err
	}
	if args.SessionID == "" {
		return nil, SessionOutput{}, fmt.Errorf("'session_id' parameter is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return nil, SessionOutput{}, ErrSessionOpen
	}

	ws, err := workspace.Open(ctx, s.cfg.DataDir, args.SessionID, s.cfg.LogLevel)
	if err != nil {
		return nil, SessionOutput{}, err
	}
	st, ok, err := ws.State()
	if err == nil && !ok && s.cfg.Journal != nil {
		st, ok, err = s.cfg.Journal.Latest(ctx, args.SessionID)
	}
	if err != nil {
		ws.Close()
		return nil, SessionOutput{}, err
	}
	if !ok {
		ws.Close()
		return nil, SessionOutput{}, fmt.Errorf("no checkpoint for session %s", args.SessionID)
	}

	exp, err := experiment.Lookup(st.Experiment)
	if err != nil {
		ws.Close()
		return nil, SessionOutput{}, err
	}
	sess, err := session.FromState(exp, st, s.options(ws, session.Options{}))
	if err != nil {
		ws.Close()
		return nil, SessionOutput{}, err
	}
	s.sess, s.ws, s.current = sess, ws, nil

	out := s.sessionOutputLocked()
	out.Message = fmt.Sprintf("Resumed %s: %d of %d runs finished", exp.Name(), out.Finished, out.Runs)
	return nil, out, nil
}

// handleLoad implements the earyx_load tool.
func (s *Server) handleLoad(ctx context.Context, req *sdk.CallToolRequest, args LoadInput) (_ *sdk.CallToolResult, _ SessionOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_load", start, retErr, sanitizeToolParams(map[string]any{
			"archive_path": args.ArchivePath,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_load"); err != nil {
		return nil, SessionOutput{}, err
	}
	if args.ArchivePath == "" {
		return nil, SessionOutput{}, fmt.Errorf("'archive_path' parameter is required")
	}
	if err := pathutil.ValidatePath(args.ArchivePath, s.allowedArchiveDirs()); err != nil {
		return nil, SessionOutput{}, fmt.Errorf("archive path rejected: %w", err)
	}

	m, err := archive.Verify(args.ArchivePath)
	if err != nil {
		return nil, SessionOutput{}, err
	}
	exp, err := experiment.Lookup(m.Experiment)
	if err != nil {
		return nil, SessionOutput{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return nil, SessionOutput{}, ErrSessionOpen
	}

	ws, err := workspace.Create(s.cfg.DataDir, m.Session, s.cfg.LogLevel)
	if err != nil {
		return nil, SessionOutput{}, err
	}
	sess, _, err := archive.Load(ctx, args.ArchivePath, exp, s.options(ws, session.Options{}))
	if err == nil {
		err = sess.Checkpoint(ctx)
	}
	if err != nil {
		ws.Close()
		return nil, SessionOutput{}, err
	}
	s.sess, s.ws, s.current = sess, ws, nil

	out := s.sessionOutputLocked()
	out.Message = fmt.Sprintf("Loaded %s: %d of %d runs finished", exp.Name(), out.Finished, out.Runs)
	return nil, out, nil
}

// handleNextRun implements the earyx_next_run tool.
func (s *Server) handleNextRun(ctx context.Context, req *sdk.CallToolRequest, args NextRunInput) (_ *sdk.CallToolResult, _ NextRunOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_next_run", start, retErr, nil)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_next_run"); err != nil {
		return nil, NextRunOutput{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, NextRunOutput{}, ErrNoSession
	}

	r, ok := s.sess.NextRun()
	if !ok {
		s.current = nil
		return nil, NextRunOutput{Exhausted: true}, nil
	}
	s.current = r
	summary := runSummary(r)
	return nil, NextRunOutput{Run: &summary}, nil
}

// handleNextTrial implements the earyx_next_trial tool.
func (s *Server) handleNextTrial(ctx context.Context, req *sdk.CallToolRequest, args RunInput) (_ *sdk.CallToolResult, _ TrialOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_next_trial", start, retErr, sanitizeToolParams(runParams(args.Run)))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_next_trial"); err != nil {
		return nil, TrialOutput{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.resolveRunLocked(args.Run)
	if err != nil {
		return nil, TrialOutput{}, err
	}

	t, err := s.sess.NextTrial(ctx, r)
	if err != nil {
		return nil, TrialOutput{}, err
	}
	digests, err := s.sess.LayoutDigests(t)
	if err != nil {
		return nil, TrialOutput{}, err
	}

	out := TrialOutput{
		Run:      t.Run,
		Trial:    t.Index,
		Variable: t.Variable,
		Prompt:   s.sess.Answers().Prompt(),
		Segments: make([]SegmentInfo, len(digests)),
	}
	for i, d := range digests {
		out.Segments[i] = SegmentInfo{Digest: string(d), Path: s.ws.SignalPath(d)}
	}
	return nil, out, nil
}

// handleAnswer implements the earyx_answer tool.
func (s *Server) handleAnswer(ctx context.Context, req *sdk.CallToolRequest, args AnswerInput) (_ *sdk.CallToolResult, _ AnswerOutput, retErr error) {
	start := time.Now()
	defer func() {
		params := runParams(args.Run)
		params["answer"] = args.Answer
		s.auditTool("earyx_answer", start, retErr, sanitizeToolParams(params))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_answer"); err != nil {
		return nil, AnswerOutput{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.resolveRunLocked(args.Run)
	if err != nil {
		return nil, AnswerOutput{}, err
	}
	pending, ok := r.Pending()
	if !ok {
		return nil, AnswerOutput{}, fmt.Errorf("run %d has no pending trial, call earyx_next_trial first", r.Index())
	}

	t, err := s.sess.RecordAnswer(r, pending, args.Answer)
	if err != nil {
		return nil, AnswerOutput{}, err
	}
	tr, err := s.sess.Advance(ctx, r)
	if err != nil {
		return nil, AnswerOutput{}, fmt.Errorf("answer recorded but not saved: %w", err)
	}

	return nil, AnswerOutput{
		Run:        t.Run,
		Trial:      t.Index,
		Answer:     t.Answer,
		Correct:    t.Correct,
		Transition: tr.String(),
		State:      runSummary(r),
	}, nil
}

// handleSkip implements the earyx_skip tool.
func (s *Server) handleSkip(ctx context.Context, req *sdk.CallToolRequest, args RunInput) (_ *sdk.CallToolResult, _ SkipOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_skip", start, retErr, sanitizeToolParams(runParams(args.Run)))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_skip"); err != nil {
		return nil, SkipOutput{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.resolveRunLocked(args.Run)
	if err != nil {
		return nil, SkipOutput{}, err
	}
	if err := s.sess.Skip(ctx, r); err != nil {
		return nil, SkipOutput{}, err
	}
	if s.current == r {
		s.current = nil
	}
	return nil, SkipOutput{Run: r.Index(), Message: fmt.Sprintf("Run %d skipped after %d trials", r.Index(), r.Len())}, nil
}

// handleStatus implements the earyx_status tool.
func (s *Server) handleStatus(ctx context.Context, req *sdk.CallToolRequest, args StatusInput) (_ *sdk.CallToolResult, _ StatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_status", start, retErr, nil)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_status"); err != nil {
		return nil, StatusOutput{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, StatusOutput{}, nil
	}

	st := s.sess.LiveState()
	finished, skipped, total := st.Progress()
	out := StatusOutput{
		Active:     true,
		SessionID:  st.ID,
		Experiment: st.Experiment,
		Subject:    st.Subject,
		Order:      string(st.Order),
		Finished:   finished,
		Skipped:    skipped,
		Total:      total,
	}
	if s.current != nil {
		idx := s.current.Index()
		out.Current = &idx
	}
	for _, r := range s.sess.Runs() {
		out.Runs = append(out.Runs, runSummary(r))
	}
	return nil, out, nil
}

// handleFinalize implements the earyx_finalize tool.
func (s *Server) handleFinalize(ctx context.Context, req *sdk.CallToolRequest, args FinalizeInput) (_ *sdk.CallToolResult, _ FinalizeOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("earyx_finalize", start, retErr, sanitizeToolParams(map[string]any{
			"discard": args.Discard,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "earyx_finalize"); err != nil {
		return nil, FinalizeOutput{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, FinalizeOutput{}, ErrNoSession
	}

	finished, skipped, total := s.sess.State().Progress()
	out := FinalizeOutput{SessionID: s.sess.ID(), Finished: finished, Skipped: skipped, Total: total}

	path, err := s.sess.Finalize(ctx, !args.Discard)
	if err != nil {
		return nil, FinalizeOutput{}, err
	}
	s.closeSessionLocked()

	out.Archive = path
	if path != "" {
		out.Message = fmt.Sprintf("Session archived: %d of %d runs finished -> %s", finished, total, path)
	} else {
		out.Message = fmt.Sprintf("Session closed without archive: %d of %d runs finished", finished, total)
	}
	return nil, out, nil
}

// resolveRunLocked returns the run selected by idx or the current run.
func (s *Server) resolveRunLocked(idx *int) (*run.Run, error) {
	if s.sess == nil {
		return nil, ErrNoSession
	}
	if idx == nil {
		if s.current == nil {
			return nil, ErrNoCurrentRun
		}
		return s.current, nil
	}
	runs := s.sess.Runs()
	if *idx < 0 || *idx >= len(runs) {
		return nil, fmt.Errorf("%w: %d", session.ErrUnknownRun, *idx)
	}
	return runs[*idx], nil
}

func (s *Server) sessionOutputLocked() SessionOutput {
	st := s.sess.LiveState()
	finished, skipped, total := st.Progress()
	return SessionOutput{
		SessionID:  st.ID,
		Experiment: st.Experiment,
		Subject:    st.Subject,
		Runs:       total,
		Finished:   finished,
		Skipped:    skipped,
		Workspace:  s.ws.Dir(),
	}
}

func runSummary(r *run.Run) RunSummary {
	out := RunSummary{
		Index:     r.Index(),
		Setting:   r.Setting().String(),
		Variable:  r.Variable(),
		Step:      r.Step(),
		Reversals: r.Reversals(),
		Trials:    r.Len(),
		Finished:  r.Finished(),
		Skipped:   r.Skipped(),
	}
	if params := r.Parameters(); len(params) > 0 {
		out.Parameters = make(map[string]float64, len(params))
		for _, p := range params {
			out.Parameters[p.Name] = p.Value
		}
	}
	if sum, ok := r.Summary(); ok {
		out.Measurement = &MeasurementOutput{
			N: sum.N, Median: sum.Median, StdDev: sum.StdDev, Min: sum.Min, Max: sum.Max,
		}
	}
	return out
}

func runParams(idx *int) map[string]any {
	params := map[string]any{}
	if idx != nil {
		params["run"] = *idx
	}
	return params
}
