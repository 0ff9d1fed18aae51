package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// AuditEntry records one tool invocation. It carries metadata about the call
// but never the subject's identity or answers.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	Session    string            `json:"session,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"` // sanitized metadata only
}

// AuditLogger appends audit entries to a JSONL file. It is safe for
// concurrent use. A nil AuditLogger is safe to use; all methods are no-ops
// on nil receiver.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger opens <dir>/audit.jsonl for appending. If the file cannot
// be created, a warning is printed to stderr and nil is returned.
func NewAuditLogger(dir string) *AuditLogger {
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create audit log directory %s: %v\n", dir, err)
		return nil
	}

	path := filepath.Join(dir, AuditFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open audit log %s: %v\n", path, err)
		return nil
	}

	return &AuditLogger{file: f}
}

// Log appends a JSON-encoded entry as a single line. Safe to call on nil.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return // silently skip malformed entries
	}

	data = append(data, '\n')
	_, _ = a.file.Write(data)
}

// Close closes the audit log file. Safe to call on nil receiver.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// paramPolicy says how each known tool parameter may appear in the audit
// log. Parameters missing from the table are dropped.
var paramPolicy = map[string]bool{
	// value logged
	"experiment":           true,
	"order":                true,
	"run":                  true,
	"discard":              true,
	"keep_unfinished_runs": true,
	"session_id":           true,
	// presence only: these identify a listener or their responses
	"subject":      false,
	"answer":       false,
	"archive_path": false,
}

// sanitizeToolParams reduces tool arguments to loggable metadata plus a
// "_param_count" entry.
func sanitizeToolParams(params map[string]any) map[string]string {
	if params == nil {
		return nil
	}

	out := map[string]string{"_param_count": strconv.Itoa(len(params))}
	for key, val := range params {
		logValue, known := paramPolicy[key]
		switch {
		case !known:
		case logValue:
			out[key] = fmt.Sprint(val)
		default:
			out[key] = "(set)"
		}
	}
	return out
}

// auditTool logs a tool invocation to the audit log.
func (s *Server) auditTool(toolName string, start time.Time, err error, params map[string]string) {
	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}

	var id string
	s.mu.Lock()
	if s.sess != nil {
		id = s.sess.ID()
	}
	s.mu.Unlock()

	s.auditLogger.Log(AuditEntry{
		Timestamp:  start,
		Tool:       toolName,
		Session:    id,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Error:      errMsg,
		Params:     params,
	})
}
