package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ArchiveInfo describes one archive file. Experiment, Subject and CreatedAt
// are read from a file name built by Name; for other names CreatedAt is the
// modification time and both labels stay empty.
type ArchiveInfo struct {
	Path       string
	Size       int64
	CreatedAt  time.Time
	Experiment string
	Subject    string
}

// Series groups the archives of one subject in one experiment.
func (a ArchiveInfo) Series() string {
	return a.Experiment + "/" + a.Subject
}

var archiveName = regexp.MustCompile(`^(.+?)_(\d{8}-\d{6})_(.+)\.zip$`)

// ParseName splits a file name built by Name into the experiment, the
// session creation time and the subject component.
func ParseName(name string) (experiment string, created time.Time, subject string, ok bool) {
	m := archiveName.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, "", false
	}
	created, err := time.Parse(nameTime, m[2])
	if err != nil {
		return "", time.Time{}, "", false
	}
	return m[1], created, m[3], true
}

// Selector narrows pruning to some experiments or subjects. Empty fields
// match every archive.
type Selector struct {
	Experiment string
	// Subject is the subject as entered; it is compared in its file name
	// form.
	Subject string
}

// Matches reports whether a is in scope.
func (s Selector) Matches(a ArchiveInfo) bool {
	if s.Experiment != "" && a.Experiment != s.Experiment {
		return false
	}
	return s.Subject == "" || a.Subject == subjectComponent(s.Subject)
}

// Retention bounds the archives kept per series. Zero fields disable the
// corresponding limit. The newest archive of a series is never pruned.
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
	MaxBytes int64
}

// RetentionFromConfig parses the configured limits. It returns nil when
// every limit is disabled.
func RetentionFromConfig(maxCount int, maxAge, maxSize string) (*Retention, error) {
	r := &Retention{MaxCount: maxCount}
	if maxAge != "" {
		d, err := ParseDuration(maxAge)
		if err != nil {
			return nil, err
		}
		r.MaxAge = d
	}
	if maxSize != "" {
		n, err := ParseSize(maxSize)
		if err != nil {
			return nil, err
		}
		r.MaxBytes = n
	}
	if *r == (Retention{}) {
		return nil, nil
	}
	return r, nil
}

// survivors returns how many archives at the head of series, sorted
// newest-first, stay within every limit at now.
func (r *Retention) survivors(series []ArchiveInfo, now time.Time) int {
	var total int64
	for i, a := range series {
		if i > 0 {
			switch {
			case r.MaxCount > 0 && i >= r.MaxCount,
				r.MaxAge > 0 && now.Sub(a.CreatedAt) > r.MaxAge,
				r.MaxBytes > 0 && total+a.Size > r.MaxBytes:
				return i
			}
		}
		total += a.Size
	}
	return len(series)
}

// Prune deletes the archives in dir that fall outside the limits of their
// series. Only archives matched by sel are considered; the paths removed are
// returned in listing order.
func (r *Retention) Prune(dir string, sel Selector, now time.Time) (deleted []string, err error) {
	archives, err := ListArchives(dir)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]ArchiveInfo)
	var order []string
	for _, a := range archives {
		if !sel.Matches(a) {
			continue
		}
		key := a.Series()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], a)
	}

	for _, key := range order {
		series := groups[key]
		for _, a := range series[r.survivors(series, now):] {
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				return deleted, fmt.Errorf("removing %s: %w", filepath.Base(a.Path), err)
			}
			deleted = append(deleted, a.Path)
		}
	}
	return deleted, nil
}

// ListArchives returns the zip files in dir newest-first. A missing
// directory holds no archives.
func ListArchives(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}

	var archives []ArchiveInfo
	for _, e := range entries {
		name := e.Name()
		// Pack stages into hidden temp files.
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".zip" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		a := ArchiveInfo{Path: filepath.Join(dir, name), Size: info.Size(), CreatedAt: info.ModTime()}
		if exp, created, subject, ok := ParseName(name); ok {
			a.Experiment, a.Subject, a.CreatedAt = exp, subject, created
		}
		archives = append(archives, a)
	}

	sort.SliceStable(archives, func(i, j int) bool {
		if !archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].CreatedAt.After(archives[j].CreatedAt)
		}
		return archives[i].Path > archives[j].Path
	})
	return archives, nil
}

// ParseDuration accepts Go durations plus whole days ("30d") and weeks
// ("2w").
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	units := map[byte]time.Duration{'d': 24 * time.Hour, 'w': 7 * 24 * time.Hour}
	if len(s) >= 2 {
		if unit, ok := units[s[len(s)-1]]; ok {
			if n, err := strconv.Atoi(s[:len(s)-1]); err == nil && n >= 0 {
				return time.Duration(n) * unit, nil
			}
		}
	}
	return 0, fmt.Errorf("invalid duration %q (want e.g. 12h, 30d or 2w)", s)
}

var sizeUnits = []struct {
	suffix string
	bytes  int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize parses byte counts such as "500KB", "100MB" or "1GB".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, u := range sizeUnits {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil || n < 0 {
			break
		}
		return n * u.bytes, nil
	}
	return 0, fmt.Errorf("invalid size %q (want e.g. 500KB, 100MB or 1GB)", s)
}
