package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/earyx-lab/earyx/internal/session"
)

// writeArchive creates a placeholder archive named the way Archiver names
// them.
func writeArchive(t *testing.T, dir, exp, subject string, created time.Time, size int) string {
	t.Helper()
	path := filepath.Join(dir, Name(session.State{Experiment: exp, Subject: subject, Created: created}))
	if err := os.WriteFile(path, make([]byte, size), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		exp     string
		subject string
		ok      bool
	}{
		{"tone-detection_20260301-100000_janedoe.zip", "tone-detection", "janedoe", true},
		{"my_exp_20260301-100000_jane_doe.zip", "my_exp", "jane_doe", true},
		{"tone-detection_20260301-100000_.zip", "", "", false},
		{"tone-detection_2026-03-01_janedoe.zip", "", "", false},
		{"tone-detection_20261301-100000_janedoe.zip", "", "", false},
		{"old.zip", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, created, subject, ok := ParseName(tt.name)
			if ok != tt.ok || exp != tt.exp || subject != tt.subject {
				t.Fatalf("ParseName() = %q, %q, %v; want %q, %q, %v", exp, subject, ok, tt.exp, tt.subject, tt.ok)
			}
			if ok && !created.Equal(epoch) {
				t.Errorf("created = %v, want %v", created, epoch)
			}
		})
	}
}

func TestNameRoundTrip(t *testing.T) {
	st := session.State{Experiment: "tone-detection", Subject: "", Created: epoch}
	exp, created, subject, ok := ParseName(Name(st))
	if !ok || exp != st.Experiment || subject != "anonymous" || !created.Equal(epoch) {
		t.Errorf("ParseName(Name()) = %q, %v, %q, %v", exp, created, subject, ok)
	}
}

func TestSelectorMatches(t *testing.T) {
	a := ArchiveInfo{Experiment: "tone-detection", Subject: "janedoe"}
	tests := []struct {
		sel  Selector
		want bool
	}{
		{Selector{}, true},
		{Selector{Experiment: "tone-detection"}, true},
		{Selector{Experiment: "loudness-match"}, false},
		{Selector{Subject: "jane doe"}, true},
		{Selector{Subject: "john"}, false},
		{Selector{Experiment: "tone-detection", Subject: "jane doe"}, true},
		{Selector{Experiment: "loudness-match", Subject: "jane doe"}, false},
	}
	for _, tt := range tests {
		if got := tt.sel.Matches(a); got != tt.want {
			t.Errorf("%+v.Matches() = %v, want %v", tt.sel, got, tt.want)
		}
	}
	if (Selector{Subject: "jane doe"}).Matches(ArchiveInfo{Path: "old.zip"}) {
		t.Error("subject selector matched an archive without a subject")
	}
}

func TestRetentionSurvivors(t *testing.T) {
	series := []ArchiveInfo{
		{CreatedAt: epoch, Size: 500},
		{CreatedAt: epoch.Add(-1 * time.Hour), Size: 500},
		{CreatedAt: epoch.Add(-48 * time.Hour), Size: 500},
		{CreatedAt: epoch.Add(-72 * time.Hour), Size: 500},
	}
	tests := []struct {
		name string
		r    Retention
		now  time.Time
		want int
	}{
		{"no limits", Retention{}, epoch, 4},
		{"count", Retention{MaxCount: 3}, epoch, 3},
		{"count above series", Retention{MaxCount: 9}, epoch, 4},
		{"age", Retention{MaxAge: 24 * time.Hour}, epoch, 2},
		{"size", Retention{MaxBytes: 1200}, epoch, 2},
		{"tightest limit wins", Retention{MaxCount: 3, MaxAge: 24 * time.Hour}, epoch, 2},
		{"newest survives age", Retention{MaxAge: time.Hour}, epoch.Add(30 * 24 * time.Hour), 1},
		{"newest survives size", Retention{MaxBytes: 10}, epoch, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.survivors(series, tt.now); got != tt.want {
				t.Errorf("survivors() = %d, want %d", got, tt.want)
			}
		})
	}
	if got := (&Retention{MaxCount: 1}).survivors(nil, epoch); got != 0 {
		t.Errorf("survivors(empty) = %d", got)
	}
}

func TestRetentionFromConfig(t *testing.T) {
	r, err := RetentionFromConfig(0, "", "")
	if err != nil || r != nil {
		t.Errorf("RetentionFromConfig(none) = %v, %v; want nil, nil", r, err)
	}
	r, err = RetentionFromConfig(3, "30d", "1GB")
	if err != nil {
		t.Fatalf("RetentionFromConfig() error = %v", err)
	}
	want := Retention{MaxCount: 3, MaxAge: 30 * 24 * time.Hour, MaxBytes: 1 << 30}
	if *r != want {
		t.Errorf("RetentionFromConfig() = %+v, want %+v", *r, want)
	}
	if _, err := RetentionFromConfig(0, "soon", ""); err == nil {
		t.Error("RetentionFromConfig() accepted an invalid age")
	}
	if _, err := RetentionFromConfig(0, "", "lots"); err == nil {
		t.Error("RetentionFromConfig() accepted an invalid size")
	}
}

func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	named := writeArchive(t, dir, "tone-detection", "jane doe", epoch.Add(-time.Hour), 10)
	// Files are touched after the session dates; the name wins.
	later := epoch.Add(time.Hour)
	os.Chtimes(named, later, later)

	loose := filepath.Join(dir, "copy.zip")
	os.WriteFile(loose, []byte("data"), 0600)
	os.Chtimes(loose, epoch, epoch)
	os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0600)
	os.WriteFile(filepath.Join(dir, ".pack-123.zip"), nil, 0600)
	os.Mkdir(filepath.Join(dir, "sub.zip"), 0700)

	archives, err := ListArchives(dir)
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("ListArchives() found %d, want 2", len(archives))
	}
	if archives[0].Path != loose || archives[0].Experiment != "" {
		t.Errorf("newest = %+v, want the unnamed copy", archives[0])
	}
	a := archives[1]
	if a.Experiment != "tone-detection" || a.Subject != "janedoe" || !a.CreatedAt.Equal(epoch.Add(-time.Hour)) || a.Size != 10 {
		t.Errorf("named archive = %+v", a)
	}

	missing, err := ListArchives(filepath.Join(dir, "missing"))
	if err != nil || missing != nil {
		t.Errorf("ListArchives(missing) = %v, %v", missing, err)
	}
}

func TestPruneLimitsEachSeries(t *testing.T) {
	dir := t.TempDir()
	var jane []string
	for i := 0; i < 4; i++ {
		jane = append(jane, writeArchive(t, dir, "tone-detection", "jane", epoch.Add(-time.Duration(i)*time.Hour), 10))
	}
	john := writeArchive(t, dir, "tone-detection", "john", epoch.Add(-100*time.Hour), 10)
	other := writeArchive(t, dir, "loudness-match", "jane", epoch.Add(-100*time.Hour), 10)

	deleted, err := (&Retention{MaxCount: 2}).Prune(dir, Selector{}, epoch)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(deleted) != 2 || deleted[0] != jane[2] || deleted[1] != jane[3] {
		t.Errorf("deleted = %v, want jane's two oldest", deleted)
	}
	for _, path := range []string{jane[0], jane[1], john, other} {
		if !exists(path) {
			t.Errorf("%s was removed", filepath.Base(path))
		}
	}
}

func TestPruneSelector(t *testing.T) {
	dir := t.TempDir()
	tone := []string{
		writeArchive(t, dir, "tone-detection", "jane", epoch, 10),
		writeArchive(t, dir, "tone-detection", "jane", epoch.Add(-time.Hour), 10),
	}
	loud := []string{
		writeArchive(t, dir, "loudness-match", "jane", epoch, 10),
		writeArchive(t, dir, "loudness-match", "jane", epoch.Add(-time.Hour), 10),
	}
	r := &Retention{MaxCount: 1}

	deleted, err := r.Prune(dir, Selector{Subject: "john"}, epoch)
	if err != nil || len(deleted) != 0 {
		t.Fatalf("Prune(john) = %v, %v; want nothing removed", deleted, err)
	}
	deleted, err = r.Prune(dir, Selector{Experiment: "loudness-match"}, epoch)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(deleted) != 1 || deleted[0] != loud[1] {
		t.Errorf("deleted = %v, want %s", deleted, filepath.Base(loud[1]))
	}
	if !exists(tone[1]) {
		t.Error("archive of an unselected experiment was removed")
	}
}

func TestPruneByAge(t *testing.T) {
	dir := t.TempDir()
	recent := writeArchive(t, dir, "tone-detection", "jane", epoch.Add(-2*time.Hour), 10)
	stale := writeArchive(t, dir, "tone-detection", "jane", epoch.Add(-10*24*time.Hour), 10)
	only := writeArchive(t, dir, "tone-detection", "john", epoch.Add(-10*24*time.Hour), 10)

	deleted, err := (&Retention{MaxAge: 7 * 24 * time.Hour}).Prune(dir, Selector{}, epoch)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(deleted) != 1 || deleted[0] != stale {
		t.Errorf("deleted = %v, want only the stale archive", deleted)
	}
	if !exists(recent) || !exists(only) {
		t.Error("the newest archive of a subject was removed")
	}
}

func TestArchiverPrunesOwnSeries(t *testing.T) {
	dir := t.TempDir()
	s := progressed(t, false)
	st := s.State()
	older := writeArchive(t, dir, st.Experiment, st.Subject, epoch.Add(-time.Hour), 10)
	otherSubject := writeArchive(t, dir, st.Experiment, "john", epoch.Add(-time.Hour), 10)

	arch := &Archiver{Dir: dir, Retention: &Retention{MaxCount: 1}, Now: func() time.Time { return epoch }}
	path, err := arch.Archive(context.Background(), st, s.Store())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if exists(older) {
		t.Error("older archive of the same subject survived retention")
	}
	if !exists(otherSubject) {
		t.Error("archive of another subject was removed")
	}
	if !exists(path) {
		t.Error("new archive missing")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"720h", 720 * time.Hour, false},
		{"0d", 0, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-1d", 0, true},
		{"3y", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"100MB", 100 << 20, false},
		{"1GB", 1 << 30, false},
		{" 500KB ", 500 << 10, false},
		{"1024B", 1024, false},
		{"0MB", 0, false},
		{"", 0, true},
		{"MB", 0, true},
		{"-5MB", 0, true},
		{"5TB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
