package mcp

// ExperimentsInput defines the input for the earyx_experiments tool.
type ExperimentsInput struct{}

// ExperimentsOutput defines the output for the earyx_experiments tool.
type ExperimentsOutput struct {
	Experiments []ExperimentSummary `json:"experiments" jsonschema:"registered experiments"`
}

// ExperimentSummary describes one registered experiment.
type ExperimentSummary struct {
	Name     string        `json:"name"`
	Variable string        `json:"variable"`
	Start    float64       `json:"start"`
	Unit     string        `json:"unit,omitempty"`
	Axes     []AxisSummary `json:"axes,omitempty"`
	Settings []string      `json:"settings"`
	Runs     int           `json:"runs"`
	Prompt   string        `json:"prompt"`
}

// AxisSummary describes a parameter axis.
type AxisSummary struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
	Unit   string    `json:"unit,omitempty"`
}

// StartInput defines the input for the earyx_start tool.
type StartInput struct {
	Experiment string `json:"experiment" jsonschema:"name of a registered experiment"`
	Subject    string `json:"subject,omitempty" jsonschema:"subject identifier (defaults to the configured subject)"`
	Order      string `json:"order,omitempty" jsonschema:"run order: sequential or interleaved"`
	KeepAll    bool   `json:"keep_unfinished_runs,omitempty" jsonschema:"checkpoint unfinished runs trial by trial instead of discarding them"`
}

// ResumeInput defines the input for the earyx_resume tool.
type ResumeInput struct {
	SessionID string `json:"session_id" jsonschema:"ID of a session with a workspace or journal checkpoint"`
}

// LoadInput defines the input for the earyx_load tool.
type LoadInput struct {
	ArchivePath string `json:"archive_path" jsonschema:"path of a session archive inside the archive directory"`
}

// SessionOutput is returned by the tools that open a session.
type SessionOutput struct {
	SessionID  string `json:"session_id"`
	Experiment string `json:"experiment"`
	Subject    string `json:"subject,omitempty"`
	Runs       int    `json:"runs"`
	Finished   int    `json:"finished"`
	Skipped    int    `json:"skipped"`
	Workspace  string `json:"workspace" jsonschema:"directory holding the session's signal files"`
	Message    string `json:"message"`
}

// NextRunInput defines the input for the earyx_next_run tool.
type NextRunInput struct{}

// NextRunOutput defines the output for the earyx_next_run tool.
type NextRunOutput struct {
	Exhausted bool        `json:"exhausted" jsonschema:"true once every run is finished or skipped"`
	Run       *RunSummary `json:"run,omitempty"`
}

// RunSummary describes the state of one run.
type RunSummary struct {
	Index       int                `json:"index"`
	Parameters  map[string]float64 `json:"parameters,omitempty"`
	Setting     string             `json:"setting"`
	Variable    float64            `json:"variable"`
	Step        float64            `json:"step"`
	Reversals   int                `json:"reversals"`
	Trials      int                `json:"trials"`
	Finished    bool               `json:"finished"`
	Skipped     bool               `json:"skipped"`
	Measurement *MeasurementOutput `json:"measurement,omitempty"`
}

// MeasurementOutput summarizes the measurement phase of a run.
type MeasurementOutput struct {
	N      int     `json:"n"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// RunInput selects a run; without one the run chosen by the last
// earyx_next_run call is used.
type RunInput struct {
	Run *int `json:"run,omitempty" jsonschema:"run index (defaults to the current run)"`
}

// TrialOutput defines the output for the earyx_next_trial tool.
type TrialOutput struct {
	Run      int           `json:"run"`
	Trial    int           `json:"trial"`
	Variable float64       `json:"variable"`
	Prompt   string        `json:"prompt"`
	Segments []SegmentInfo `json:"segments" jsonschema:"signal files to play, in order"`
}

// SegmentInfo locates one signal file.
type SegmentInfo struct {
	Digest string `json:"digest"`
	Path   string `json:"path"`
}

// AnswerInput defines the input for the earyx_answer tool.
type AnswerInput struct {
	Run    *int   `json:"run,omitempty" jsonschema:"run index (defaults to the current run)"`
	Answer string `json:"answer" jsonschema:"the subject's answer to the pending trial"`
}

// AnswerOutput defines the output for the earyx_answer tool.
type AnswerOutput struct {
	Run        int        `json:"run"`
	Trial      int        `json:"trial"`
	Answer     string     `json:"answer"`
	Correct    bool       `json:"correct"`
	Transition string     `json:"transition" jsonschema:"continue, measurement_entered or converged"`
	State      RunSummary `json:"state"`
}

// SkipOutput defines the output for the earyx_skip tool.
type SkipOutput struct {
	Run     int    `json:"run"`
	Message string `json:"message"`
}

// StatusInput defines the input for the earyx_status tool.
type StatusInput struct{}

// StatusOutput defines the output for the earyx_status tool.
type StatusOutput struct {
	Active     bool         `json:"active" jsonschema:"whether a session is open"`
	SessionID  string       `json:"session_id,omitempty"`
	Experiment string       `json:"experiment,omitempty"`
	Subject    string       `json:"subject,omitempty"`
	Order      string       `json:"order,omitempty"`
	Finished   int          `json:"finished"`
	Skipped    int          `json:"skipped"`
	Total      int          `json:"total"`
	Current    *int         `json:"current,omitempty"`
	Runs       []RunSummary `json:"runs,omitempty"`
}

// FinalizeInput defines the input for the earyx_finalize tool.
type FinalizeInput struct {
	Discard bool `json:"discard,omitempty" jsonschema:"close the session without writing an archive"`
}

// FinalizeOutput defines the output for the earyx_finalize tool.
type FinalizeOutput struct {
	SessionID string `json:"session_id"`
	Archive   string `json:"archive,omitempty"`
	Finished  int    `json:"finished"`
	Skipped   int    `json:"skipped"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}
