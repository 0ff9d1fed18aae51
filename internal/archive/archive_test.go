package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/run"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/signal"
)

var (
	epoch  = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	script = []bool{true, true, false, false, true, true, false}
)

func toneDetection(t *testing.T) experiment.Experiment {
	t.Helper()
	exp, err := experiment.Lookup(experiment.ToneDetectionName)
	if err != nil {
		t.Fatal(err)
	}
	return exp
}

func options(discard bool) session.Options {
	return session.Options{
		DiscardUnfinishedRuns: discard,
		Subject:               "jane doe",
		Rand:                  rand.New(rand.NewPCG(3, 5)),
		Now:                   func() time.Time { return epoch },
		ID:                    "s-1",
	}
}

func step(t *testing.T, s *session.Session, r *run.Run, correct bool) {
	t.Helper()
	ctx := context.Background()
	tr, err := s.NextTrial(ctx, r)
	if err != nil {
		t.Fatalf("NextTrial() error = %v", err)
	}
	a := tr.CorrectAnswer
	if !correct {
		a = map[string]string{"1": "2", "2": "1"}[a]
	}
	if _, err := s.RecordAnswer(r, tr, a); err != nil {
		t.Fatalf("RecordAnswer() error = %v", err)
	}
	if _, err := s.Advance(ctx, r); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
}

// progressed returns a session with run 0 finished, run 1 halfway and run 2
// skipped.
func progressed(t *testing.T, discard bool) *session.Session {
	t.Helper()
	s, err := session.New(toneDetection(t), options(discard))
	if err != nil {
		t.Fatal(err)
	}
	runs := s.Runs()
	for i := 0; runs[0].Active(); i++ {
		step(t, s, runs[0], script[i%len(script)])
	}
	for i := 0; i < 9; i++ {
		step(t, s, runs[1], script[i%len(script)])
	}
	if err := s.Skip(context.Background(), runs[2]); err != nil {
		t.Fatal(err)
	}
	return s
}

func assertSameRuns(t *testing.T, got, want session.State, store *signal.Store, wantStore *signal.Store) {
	t.Helper()
	if len(got.Runs) != len(want.Runs) {
		t.Fatalf("got %d runs, want %d", len(got.Runs), len(want.Runs))
	}
	for i := range want.Runs {
		g, w := got.Runs[i], want.Runs[i]
		if g.Variable != w.Variable || g.Step != w.Step || g.Reversals != w.Reversals ||
			g.Finished != w.Finished || g.Skipped != w.Skipped || len(g.Trials) != len(w.Trials) {
			t.Errorf("run %d = var %v step %v rev %d fin %v skip %v len %d; want %v %v %d %v %v %d", i,
				g.Variable, g.Step, g.Reversals, g.Finished, g.Skipped, len(g.Trials),
				w.Variable, w.Step, w.Reversals, w.Finished, w.Skipped, len(w.Trials))
			continue
		}
		if (g.MeasurementStart == nil) != (w.MeasurementStart == nil) {
			t.Errorf("run %d measurement start = %v, want %v", i, g.MeasurementStart, w.MeasurementStart)
		}
		for j := range w.Trials {
			gt, wt := g.Trials[j], w.Trials[j]
			if gt.Variable != wt.Variable || gt.Correct != wt.Correct || gt.Answer != wt.Answer || !gt.Stimulus.Equal(wt.Stimulus) {
				t.Errorf("run %d trial %d = %+v, want %+v", i, j, gt, wt)
			}
			for _, d := range wt.Stimulus.Digests() {
				a, err := store.Get(d)
				if err != nil {
					t.Fatalf("restored store lacks %s: %v", d, err)
				}
				b, _ := wantStore.Get(d)
				if !a.Equal(b) {
					t.Errorf("signal %s differs after restore", d)
				}
			}
		}
	}
}

func TestPackLoadRoundTripKeepsEverything(t *testing.T) {
	s := progressed(t, false)
	want := s.State()
	arch := &Archiver{Dir: t.TempDir(), Now: func() time.Time { return epoch }}

	path, err := arch.Archive(context.Background(), want, s.Store())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if filepath.Base(path) != "tone-detection_20260301-100000_janedoe.zip" {
		t.Errorf("archive name = %s", filepath.Base(path))
	}

	resumed, c, err := Load(context.Background(), path, toneDetection(t), session.Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Manifest.Runs != 3 || c.Manifest.Finished != 1 || c.Manifest.Signals != len(want.Digests()) {
		t.Errorf("manifest = %+v", c.Manifest)
	}
	got := resumed.State()
	if got.ID != "s-1" || got.Subject != "jane doe" || !got.Created.Equal(epoch) {
		t.Errorf("identity = %q %q %v", got.ID, got.Subject, got.Created)
	}
	assertSameRuns(t, got, want, resumed.Store(), s.Store())

	// the resumed session continues where it stopped
	r, ok := resumed.NextRun()
	if !ok || r.Index() != 1 || r.Len() != 9 {
		t.Fatalf("NextRun() = %v, %v", r, ok)
	}
}

func TestPackLoadRoundTripDiscardsUnfinished(t *testing.T) {
	s := progressed(t, true)
	live := s.LiveState()
	path := filepath.Join(t.TempDir(), "a.zip")
	if _, err := Pack(context.Background(), path, Snapshot(s.State(), epoch), s.Store()); err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	resumed, _, err := Load(context.Background(), path, toneDetection(t), session.Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := resumed.State()

	if len(got.Runs[0].Trials) != len(live.Runs[0].Trials) || !got.Runs[0].Finished {
		t.Errorf("finished run not kept: %d trials", len(got.Runs[0].Trials))
	}
	r1 := got.Runs[1]
	if len(r1.Trials) != 0 || r1.Variable != -30 || r1.Step != 8 || r1.Reversals != -1 || r1.MeasurementStart != nil {
		t.Errorf("unfinished run not reset: %+v", r1)
	}
	if !got.Runs[2].Skipped || len(got.Runs[2].Trials) != 0 {
		t.Errorf("skipped run = %+v", got.Runs[2])
	}
}

func TestSnapshotDoesNotMutateState(t *testing.T) {
	s := progressed(t, true)
	live := s.LiveState()
	_ = Snapshot(live, epoch)
	if len(live.Runs[1].Trials) != 9 {
		t.Errorf("Snapshot() mutated its input: %d trials", len(live.Runs[1].Trials))
	}
}

func TestDecodeRejectsMalformedDocuments(t *testing.T) {
	s := progressed(t, false)
	var buf bytes.Buffer
	if err := Snapshot(s.State(), epoch).Encode(&buf); err != nil {
		t.Fatal(err)
	}
	good := buf.String()
	if _, err := DecodeBytes([]byte(good)); err != nil {
		t.Fatalf("Decode(good) error = %v", err)
	}

	tests := map[string]string{
		"not json":       "{",
		"unknown field":  strings.Replace(good, `"version": 1,`, `"version": 1, "extra": true,`, 1),
		"wrong version":  strings.Replace(good, `"version": 1,`, `"version": 7,`, 1),
		"trailing data":  good + "{}",
		"missing runs":   `{"version": 1, "saved_at": "2026-03-01T10:00:00Z", "session": {"id": "x", "experiment": "e", "order": "sequential"}}`,
		"bad order":      strings.Replace(good, `"order": "sequential"`, `"order": "shuffled"`, 1),
		"wrong type":     strings.Replace(good, `"reversals": 3`, `"reversals": "three"`, 1),
		"invalid digest": `{"version": 1, "session": {"id": "x", "experiment": "e", "order": "sequential", "runs": [{"stimulus": {"test": "../etc/passwd"}}]}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeBytes([]byte(doc)); !errors.Is(err, ErrMalformedArchive) {
				t.Errorf("Decode() error = %v, want ErrMalformedArchive", err)
			}
		})
	}
}

func TestRestoreRejectsOtherExperiment(t *testing.T) {
	s := progressed(t, false)
	doc := Snapshot(s.State(), epoch)
	other, _ := experiment.Lookup(experiment.SineInNoiseName)
	if _, err := Restore(doc, other, session.Options{Store: s.Store()}); !errors.Is(err, ErrMalformedArchive) {
		t.Errorf("Restore() error = %v, want ErrMalformedArchive", err)
	}
	if _, err := Restore(doc, toneDetection(t), session.Options{}); !errors.Is(err, ErrMalformedArchive) {
		t.Errorf("Restore() with an empty store error = %v, want ErrMalformedArchive", err)
	}
	if _, err := Restore(doc, toneDetection(t), session.Options{Store: s.Store()}); err != nil {
		t.Errorf("Restore() error = %v", err)
	}
}

func TestLoadFailureLeavesStoreUntouched(t *testing.T) {
	s := progressed(t, false)
	path := filepath.Join(t.TempDir(), "a.zip")
	if _, err := Pack(context.Background(), path, Snapshot(s.State(), epoch), s.Store()); err != nil {
		t.Fatal(err)
	}
	target := signal.NewStore(nil)
	other, _ := experiment.Lookup(experiment.LoudnessMatchName)
	if _, _, err := Load(context.Background(), path, other, session.Options{Store: target}); !errors.Is(err, ErrMalformedArchive) {
		t.Fatalf("Load() error = %v, want ErrMalformedArchive", err)
	}
	if target.Len() != 0 {
		t.Errorf("target store has %d buffers after a failed load", target.Len())
	}

	if _, _, err := Load(context.Background(), path, toneDetection(t), session.Options{Store: target}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := len(s.State().Digests()); target.Len() != want {
		t.Errorf("target store has %d buffers, want %d", target.Len(), want)
	}
}

func TestPackRejectsSignalMissingFromStore(t *testing.T) {
	s := progressed(t, false)
	path := filepath.Join(t.TempDir(), "a.zip")
	if _, err := Pack(context.Background(), path, Snapshot(s.State(), epoch), signal.NewStore(nil)); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("Pack() error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("failed Pack left %s behind", path)
	}
}

func TestPackOnlyReferencedSignals(t *testing.T) {
	shared := signal.NewStore(nil)
	newShared := func(id string, seed uint64) *session.Session {
		opts := options(true)
		opts.ID = id
		opts.Store = shared
		opts.Rand = rand.New(rand.NewPCG(seed, 1))
		s, err := session.New(toneDetection(t), opts)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	a, b := newShared("a", 1), newShared("b", 2)

	for i := 0; i < 5; i++ {
		step(t, b, b.Runs()[2], script[i])
	}
	r := a.Runs()[0]
	for i := 0; r.Active(); i++ {
		step(t, a, r, script[i%len(script)])
	}
	// a's discarded run 1 also leaves buffers behind
	step(t, a, a.Runs()[1], true)

	st := a.State()
	referenced := map[signal.Digest]bool{}
	for _, d := range st.Digests() {
		referenced[d] = true
	}
	if len(referenced) >= shared.Len() {
		t.Fatalf("store holds %d buffers, session references %d", shared.Len(), len(referenced))
	}

	path := filepath.Join(t.TempDir(), "a.zip")
	m, err := Pack(context.Background(), path, Snapshot(st, epoch), shared)
	if err != nil {
		t.Fatal(err)
	}
	if m.Signals != len(referenced) {
		t.Errorf("manifest lists %d signals, session references %d", m.Signals, len(referenced))
	}
	c, err := Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	for d := range c.Signals {
		if !referenced[d] {
			t.Errorf("archive packs unreferenced signal %s", d)
		}
	}
	for _, d := range shared.Digests() {
		if _, packed := c.Signals[d]; packed != referenced[d] {
			t.Errorf("signal %s packed = %v, referenced = %v", d, packed, referenced[d])
		}
	}
}

func TestOpenRejectsMissingSignal(t *testing.T) {
	s := progressed(t, false)
	src := filepath.Join(t.TempDir(), "a.zip")
	if _, err := Pack(context.Background(), src, Snapshot(s.State(), epoch), s.Store()); err != nil {
		t.Fatal(err)
	}

	// drop one signal along with its checksum so only the reference dangles
	dropped := signalEntry(s.State().Digests()[0])
	dst := filepath.Join(t.TempDir(), "b.zip")
	rewrite(t, src, dst, func(name string, data []byte) []byte {
		switch name {
		case dropped:
			return nil
		case ManifestEntry:
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatal(err)
			}
			delete(m.Checksums, dropped)
			out, _ := json.Marshal(m)
			return out
		}
		return data
	})

	if _, err := Verify(dst); err != nil {
		t.Errorf("Verify() error = %v (checksums are intact)", err)
	}
	if _, err := Open(context.Background(), dst); !errors.Is(err, ErrMalformedArchive) {
		t.Errorf("Open() error = %v, want ErrMalformedArchive", err)
	}
}

// rewrite copies the archive at src to dst, passing every entry through fn.
func rewrite(t *testing.T, src, dst string, fn func(name string, data []byte) []byte) {
	t.Helper()
	zr, err := zip.OpenReader(src)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	f, err := os.Create(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for _, e := range zr.File {
		rc, err := e.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		data = fn(e.Name, data)
		if data == nil {
			continue
		}
		w, _ := zw.Create(e.Name)
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := progressed(t, false)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	m, err := Pack(context.Background(), path, Snapshot(s.State(), epoch), s.Store())
	if err != nil {
		t.Fatal(err)
	}
	if got, err := Verify(path); err != nil || got.Session != m.Session {
		t.Fatalf("Verify() = %+v, %v", got, err)
	}

	tests := map[string]func(name string, data []byte) []byte{
		"edited snapshot": func(name string, data []byte) []byte {
			if name == SnapshotEntry {
				return bytes.Replace(data, []byte(`"answer": "1"`), []byte(`"answer": "2"`), 1)
			}
			return data
		},
		"dropped manifest": func(name string, data []byte) []byte {
			if name == ManifestEntry {
				return nil
			}
			return data
		},
		"dropped signal": func(name string, data []byte) []byte {
			if strings.HasPrefix(name, SignalsDir) {
				return nil
			}
			return data
		},
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			dst := filepath.Join(dir, strings.ReplaceAll(name, " ", "-")+".zip")
			rewrite(t, path, dst, fn)
			if _, err := Verify(dst); !errors.Is(err, ErrMalformedArchive) {
				t.Errorf("Verify() error = %v, want ErrMalformedArchive", err)
			}
			if _, err := Open(context.Background(), dst); !errors.Is(err, ErrMalformedArchive) {
				t.Errorf("Open() error = %v, want ErrMalformedArchive", err)
			}
		})
	}

	garbage := filepath.Join(dir, "garbage.zip")
	os.WriteFile(garbage, []byte("not a zip"), 0600)
	if _, err := Verify(garbage); !errors.Is(err, ErrMalformedArchive) {
		t.Errorf("Verify(garbage) error = %v, want ErrMalformedArchive", err)
	}
}

func TestPackLeavesNoTempFiles(t *testing.T) {
	s := progressed(t, false)
	dir := t.TempDir()
	if _, err := Pack(context.Background(), filepath.Join(dir, "a.zip"), Snapshot(s.State(), epoch), s.Store()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Pack(ctx, filepath.Join(dir, "b.zip"), Snapshot(s.State(), epoch), s.Store()); err == nil {
		t.Error("Pack() with a cancelled context should fail")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "a.zip" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v, want only a.zip", names)
	}
}

func TestPsydat(t *testing.T) {
	s := progressed(t, false)
	var buf bytes.Buffer
	if err := WritePsydat(&buf, s.State()); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("psydat has %d lines, want 5:\n%s", len(lines), buf.String())
	}
	if lines[0] != PsydatHeader {
		t.Errorf("header = %q", lines[0])
	}
	if want := "#### tone-detection jane doe 01-Mar-2026__10:00:00 npar 1 ####"; lines[1] != want {
		t.Errorf("block header = %q, want %q", lines[1], want)
	}
	if want := "%----- PAR1: frequency 500 Hz"; lines[2] != want {
		t.Errorf("parameter line = %q, want %q", lines[2], want)
	}
	if !strings.HasPrefix(lines[3], "%----- VAL: -30 1 -30 1 -38 0 ") || len(strings.Fields(lines[3])) != 2+2*20 {
		t.Errorf("value line = %q", lines[3])
	}
	if !strings.HasPrefix(lines[4], "  level -20 0.816") || !strings.HasSuffix(lines[4], " -19 -21 dB") {
		t.Errorf("statistics line = %q", lines[4])
	}
	if PsydatName("jane doe") != "psydat_janedoe" {
		t.Errorf("PsydatName() = %q", PsydatName("jane doe"))
	}
}

func TestPsydatWithoutMeasurementPhase(t *testing.T) {
	st := session.State{
		Experiment: "e",
		Subject:    "s",
		Declaration: experiment.Declaration{
			Variable: experiment.Variable{Name: "gain", Unit: "dB"},
		},
		Runs: []run.State{{Finished: true, FinishedAt: epoch, Trials: []run.Trial{{Variable: 3, Correct: true}}}},
	}
	var buf bytes.Buffer
	if err := WritePsydat(&buf, st); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "  gain nan nan nan nan dB\n") {
		t.Errorf("psydat = %q", buf.String())
	}
	if !strings.Contains(buf.String(), "npar 0") || !strings.Contains(buf.String(), "%----- VAL: 3 1\n") {
		t.Errorf("psydat = %q", buf.String())
	}
}

func TestNameIsSinglePathElement(t *testing.T) {
	st := session.State{Experiment: "tone-detection", Subject: "../x/y", Created: epoch}
	name := Name(st)
	if filepath.Base(name) != name {
		t.Errorf("Name() = %q is not a single path element", name)
	}
	st.Subject = "///"
	if got := Name(st); got != "tone-detection_20260301-100000_anonymous.zip" {
		t.Errorf("Name() = %q", got)
	}
}
