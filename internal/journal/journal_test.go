package journal

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/signal"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data", DBFile))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })

	tick := epoch
	j.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return j
}

func newSession(t *testing.T, j *Journal, id string, store *signal.Store) *session.Session {
	t.Helper()
	exp, err := experiment.Lookup(experiment.ToneDetectionName)
	if err != nil {
		t.Fatal(err)
	}
	s, err := session.New(exp, session.Options{
		Subject:      "jd",
		Store:        store,
		Checkpointer: j,
		Rand:         rand.New(rand.NewPCG(1, 2)),
		Now:          func() time.Time { return epoch },
		ID:           id,
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	return s
}

// answer runs n trials of the first run, always correctly.
func answer(t *testing.T, s *session.Session, n int) {
	t.Helper()
	ctx := context.Background()
	r := s.Runs()[0]
	for i := 0; i < n; i++ {
		tr, err := s.NextTrial(ctx, r)
		if err != nil {
			t.Fatalf("NextTrial() error = %v", err)
		}
		if _, err := s.RecordAnswer(r, tr, tr.CorrectAnswer); err != nil {
			t.Fatalf("RecordAnswer() error = %v", err)
		}
		if _, err := s.Advance(ctx, r); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	j := openJournal(t)

	version, err := getSchemaVersion(context.Background(), j.db)
	if err != nil {
		t.Fatalf("getSchemaVersion() error = %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
	if err := ValidateIntegrity(context.Background(), j.db); err != nil {
		t.Errorf("ValidateIntegrity() error = %v", err)
	}
}

func TestReopenKeepsCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), DBFile)
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(t, j, "s-1", nil)
	answer(t, s, 2)
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j2.Close()

	st, ok, err := j2.Latest(context.Background(), "s-1")
	if err != nil || !ok {
		t.Fatalf("Latest() = %v, %v", ok, err)
	}
	if got := len(st.Runs[0].Trials); got != 2 {
		t.Errorf("trials = %d, want 2", got)
	}
}

func TestCheckpointAndResume(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	store := signal.NewStore(nil)
	s := newSession(t, j, "s-1", store)
	answer(t, s, 5)

	st, ok, err := j.Latest(ctx, "s-1")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if !ok {
		t.Fatal("Latest() found nothing")
	}
	if st.ID != "s-1" || st.Subject != "jd" || st.Experiment != experiment.ToneDetectionName {
		t.Errorf("state identity = %q %q %q", st.ID, st.Subject, st.Experiment)
	}
	if got := len(st.Runs[0].Trials); got != 5 {
		t.Errorf("trials = %d, want 5", got)
	}

	exp, _ := experiment.Lookup(experiment.ToneDetectionName)
	resumed, err := session.FromState(exp, st, session.Options{Store: store})
	if err != nil {
		t.Fatalf("FromState() error = %v", err)
	}
	want := s.State().Runs[0]
	got := resumed.State().Runs[0]
	if got.Variable != want.Variable || got.Step != want.Step || got.Reversals != want.Reversals {
		t.Errorf("resumed run = %v/%v/%d, want %v/%v/%d",
			got.Variable, got.Step, got.Reversals, want.Variable, want.Step, want.Reversals)
	}
}

func TestLatestUnknownSession(t *testing.T) {
	j := openJournal(t)
	_, ok, err := j.Latest(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if ok {
		t.Error("Latest() found a checkpoint for an unknown session")
	}
	if _, ok, _ := j.MostRecent(context.Background()); ok {
		t.Error("MostRecent() found a checkpoint in an empty journal")
	}
}

func TestCheckpointRequiresID(t *testing.T) {
	j := openJournal(t)
	err := j.Checkpoint(context.Background(), session.State{Experiment: "x"})
	if !errors.Is(err, ErrNoSessionID) {
		t.Errorf("Checkpoint() error = %v, want ErrNoSessionID", err)
	}
}

func TestCheckpointRejectsExperimentChange(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	if err := j.Checkpoint(ctx, session.State{ID: "s", Experiment: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := j.Checkpoint(ctx, session.State{ID: "s", Experiment: "b"}); err == nil {
		t.Error("expected error when a session changes experiment")
	}
}

func TestSessionsAndHistory(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	answer(t, newSession(t, j, "first", nil), 3)
	answer(t, newSession(t, j, "second", nil), 1)

	entries, err := j.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Sessions() = %d entries, want 2", len(entries))
	}
	if entries[0].ID != "second" || entries[1].ID != "first" {
		t.Errorf("order = %s, %s; want second, first", entries[0].ID, entries[1].ID)
	}
	if entries[1].Checkpoints != 3 {
		t.Errorf("first checkpoints = %d, want 3", entries[1].Checkpoints)
	}
	if entries[1].Total != 3 || entries[1].Subject != "jd" {
		t.Errorf("entry = %+v", entries[1])
	}
	if !entries[1].Created.Equal(epoch) {
		t.Errorf("Created = %v, want %v", entries[1].Created, epoch)
	}

	hist, err := j.History(ctx, "first")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History() = %d, want 3", len(hist))
	}
	if !hist[0].SavedAt.Before(hist[2].SavedAt) {
		t.Errorf("history not oldest first: %v, %v", hist[0].SavedAt, hist[2].SavedAt)
	}

	st, ok, err := j.At(ctx, hist[0].ID)
	if err != nil || !ok {
		t.Fatalf("At() = %v, %v", ok, err)
	}
	if got := len(st.Runs[0].Trials); got != 1 {
		t.Errorf("first checkpoint trials = %d, want 1", got)
	}

	recent, ok, err := j.MostRecent(ctx)
	if err != nil || !ok {
		t.Fatalf("MostRecent() = %v, %v", ok, err)
	}
	if recent.ID != "second" {
		t.Errorf("MostRecent() = %s, want second", recent.ID)
	}
}

func TestPruneAndDelete(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	answer(t, newSession(t, j, "s-1", nil), 4)

	if _, err := j.Prune(ctx, "s-1", 0); err == nil {
		t.Error("Prune(0) should fail")
	}
	n, err := j.Prune(ctx, "s-1", 1)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Prune() removed %d, want 3", n)
	}
	st, _, _ := j.Latest(ctx, "s-1")
	if got := len(st.Runs[0].Trials); got != 4 {
		t.Errorf("latest after prune has %d trials, want 4", got)
	}

	if err := j.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := j.Latest(ctx, "s-1"); ok {
		t.Error("checkpoints survived Delete()")
	}
}
