// Package journal keeps a SQLite history of session checkpoints so that an
// interrupted session can be resumed from its most recent durable state.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/earyx-lab/earyx/internal/session"
)

// DBFile is the journal database filename inside a data directory.
const DBFile = "journal.db"

// ErrNoSessionID is returned when a checkpoint carries no session ID.
var ErrNoSessionID = errors.New("session ID is required")

// Journal implements session.Checkpointer on top of SQLite. Every checkpoint
// is appended; nothing is overwritten.
type Journal struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	now  func() time.Time
}

// Entry summarizes one journaled session by its latest checkpoint.
type Entry struct {
	ID          string    `json:"id"`
	Experiment  string    `json:"experiment"`
	Subject     string    `json:"subject"`
	Created     time.Time `json:"created"`
	Checkpoints int       `json:"checkpoints"`
	LastSaved   time.Time `json:"last_saved"`
	Finished    int       `json:"finished"`
	Skipped     int       `json:"skipped"`
	Total       int       `json:"total"`
}

// CheckpointInfo describes a single stored checkpoint without its state.
type CheckpointInfo struct {
	ID       int64     `json:"id"`
	SavedAt  time.Time `json:"saved_at"`
	Finished int       `json:"finished"`
	Skipped  int       `json:"skipped"`
	Total    int       `json:"total"`
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// Checkpoint appends st to the session's history.
func (j *Journal) Checkpoint(ctx context.Context, st session.State) error {
	if st.ID == "" {
		return ErrNoSessionID
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}
	finished, skipped, total := st.Progress()

	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, experiment, subject, created) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET subject = excluded.subject`,
		st.ID, st.Experiment, st.Subject, formatTime(st.Created))
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	var experiment string
	if err := tx.QueryRowContext(ctx, `SELECT experiment FROM sessions WHERE id = ?`, st.ID).Scan(&experiment); err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if experiment != st.Experiment {
		return fmt.Errorf("session %s belongs to experiment %q, not %q", st.ID, experiment, st.Experiment)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, saved_at, finished, skipped, total, state)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, formatTime(j.now()), finished, skipped, total, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	return tx.Commit()
}

// Latest returns the most recent checkpoint of a session. It reports false
// if the session has never been checkpointed.
func (j *Journal) Latest(ctx context.Context, sessionID string) (session.State, bool, error) {
	return j.loadState(ctx, `
		SELECT state FROM checkpoints WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID)
}

// MostRecent returns the newest checkpoint across all sessions.
func (j *Journal) MostRecent(ctx context.Context) (session.State, bool, error) {
	return j.loadState(ctx, `SELECT state FROM checkpoints ORDER BY id DESC LIMIT 1`)
}

// At returns a specific checkpoint by its ID.
func (j *Journal) At(ctx context.Context, checkpointID int64) (session.State, bool, error) {
	return j.loadState(ctx, `SELECT state FROM checkpoints WHERE id = ?`, checkpointID)
}

func (j *Journal) loadState(ctx context.Context, query string, args ...any) (session.State, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var data string
	err := j.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return session.State{}, false, nil
	}
	if err != nil {
		return session.State{}, false, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	var st session.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return session.State{}, false, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	return st, true, nil
}

// Sessions lists every journaled session, most recently checkpointed first.
func (j *Journal) Sessions(ctx context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT s.id, s.experiment, s.subject, s.created, c.n, l.saved_at, l.finished, l.skipped, l.total
		FROM sessions s
		JOIN (SELECT session_id, COUNT(*) AS n, MAX(id) AS last FROM checkpoints GROUP BY session_id) c
		  ON c.session_id = s.id
		JOIN checkpoints l ON l.id = c.last
		ORDER BY l.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created, saved string
		if err := rows.Scan(&e.ID, &e.Experiment, &e.Subject, &created, &e.Checkpoints, &saved, &e.Finished, &e.Skipped, &e.Total); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		e.Created = parseTime(created)
		e.LastSaved = parseTime(saved)
		out = append(out, e)
	}
	return out, rows.Err()
}

// History lists a session's checkpoints, oldest first.
func (j *Journal) History(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, saved_at, finished, skipped, total FROM checkpoints
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointInfo
	for rows.Next() {
		var c CheckpointInfo
		var saved string
		if err := rows.Scan(&c.ID, &saved, &c.Finished, &c.Skipped, &c.Total); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.SavedAt = parseTime(saved)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep checkpoints of a session and returns
// how many were removed.
func (j *Journal) Prune(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE session_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`, sessionID, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Delete removes a session and all of its checkpoints.
func (j *Journal) Delete(ctx context.Context, sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
