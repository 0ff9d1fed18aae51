package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/earyx-lab/earyx/internal/sanitize"
	"github.com/earyx-lab/earyx/internal/signal"
)

// Entry names inside an archive.
const (
	SnapshotEntry = "snapshot.json"
	ManifestEntry = "manifest.json"
	SignalsDir    = "signals/"
	psydatPrefix  = "psydat_"
)

// MaxEntrySize is the largest entry Open will decompress (200MB).
const MaxEntrySize = 200 * 1024 * 1024

// Manifest is the last entry of an archive. It lists the checksum of every
// other entry.
type Manifest struct {
	Version    int               `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	Session    string            `json:"session"`
	Experiment string            `json:"experiment"`
	Subject    string            `json:"subject"`
	Runs       int               `json:"runs"`
	Finished   int               `json:"finished"`
	Signals    int               `json:"signals"`
	Checksums  map[string]string `json:"checksums"`
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

func signalEntry(d signal.Digest) string {
	return SignalsDir + string(d) + signal.FileExt
}

// PsydatName returns the export file name for a subject.
func PsydatName(subject string) string {
	return psydatPrefix + sanitize.FileComponent(subject)
}

// Pack writes doc, the psydat export and the buffers doc references to a zip
// at dst. Other buffers in store, from discarded trials or from sessions
// sharing the store, are left out. The archive is written to a temporary file in the same directory and
// renamed into place, so readers never see a partial archive.
func Pack(ctx context.Context, dst string, doc Document, store *signal.Store) (*Manifest, error) {
	var snap bytes.Buffer
	if err := doc.Encode(&snap); err != nil {
		return nil, err
	}
	var psydat bytes.Buffer
	if err := WritePsydat(&psydat, doc.Session); err != nil {
		return nil, err
	}

	finished, _, total := doc.Session.Progress()
	m := &Manifest{
		Version:    FormatVersion,
		CreatedAt:  doc.SavedAt,
		Session:    doc.Session.ID,
		Experiment: doc.Session.Experiment,
		Subject:    doc.Session.Subject,
		Runs:       total,
		Finished:   finished,
		Checksums:  make(map[string]string),
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".pack-*.zip")
	if err != nil {
		return nil, fmt.Errorf("creating temp archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	add := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: doc.SavedAt})
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		m.Checksums[name] = checksum(data)
		return nil
	}

	if err := add(SnapshotEntry, snap.Bytes()); err != nil {
		return nil, err
	}
	if err := add(PsydatName(doc.Session.Subject), psydat.Bytes()); err != nil {
		return nil, err
	}
	for _, d := range doc.Session.Digests() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := store.Get(d)
		if err != nil {
			return nil, fmt.Errorf("packing referenced signal: %w", err)
		}
		wav, err := signal.EncodeWAV(b)
		if err != nil {
			return nil, fmt.Errorf("signal %s: %w", d, err)
		}
		if err := add(signalEntry(d), wav); err != nil {
			return nil, err
		}
		m.Signals++
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: ManifestEntry, Method: zip.Deflate, Modified: doc.SavedAt})
	if err != nil {
		return nil, fmt.Errorf("adding manifest: %w", err)
	}
	if _, err := w.Write(manifest); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("renaming archive: %w", err)
	}
	committed = true
	return m, nil
}

// Contents is a fully read and verified archive.
type Contents struct {
	Manifest Manifest
	Document Document
	Psydat   []byte
	// Signals holds every buffer in the archive, keyed by its verified digest.
	Signals map[signal.Digest]*signal.Buffer
}

// Open reads the archive at src, verifies every checksum, decodes the
// document and every signal, and checks that each signal hashes to its
// name. Any failure wraps ErrMalformedArchive.
func Open(ctx context.Context, src string) (*Contents, error) {
	entries, m, err := readVerified(src)
	if err != nil {
		return nil, err
	}

	c := &Contents{Manifest: *m, Signals: make(map[signal.Digest]*signal.Buffer)}
	snap, ok := entries[SnapshotEntry]
	if !ok {
		return nil, fmt.Errorf("%w: %s is missing", ErrMalformedArchive, SnapshotEntry)
	}
	if c.Document, err = DecodeBytes(snap); err != nil {
		return nil, err
	}
	c.Psydat = entries[PsydatName(c.Document.Session.Subject)]

	for name, data := range entries {
		if !strings.HasPrefix(name, SignalsDir) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := signal.Digest(strings.TrimSuffix(path.Base(name), signal.FileExt))
		if !d.Valid() || name != signalEntry(d) {
			return nil, fmt.Errorf("%w: unexpected entry %s", ErrMalformedArchive, name)
		}
		b, err := signal.DecodeWAV(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedArchive, name, err)
		}
		if got := signal.DigestOf(b); got != d {
			return nil, fmt.Errorf("%w: %s hashes to %s", ErrMalformedArchive, name, got)
		}
		c.Signals[d] = b
	}

	for _, d := range c.Document.Session.Digests() {
		if _, ok := c.Signals[d]; !ok {
			return nil, fmt.Errorf("%w: signal %s is referenced but not packed", ErrMalformedArchive, d)
		}
	}
	return c, nil
}

// Intern adds every signal of the archive to store.
func (c *Contents) Intern(store *signal.Store) error {
	digests := make([]signal.Digest, 0, len(c.Signals))
	for d := range c.Signals {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	for _, d := range digests {
		if _, err := store.Intern(c.Signals[d]); err != nil {
			return fmt.Errorf("interning %s: %w", d, err)
		}
	}
	return nil
}

// Verify checks every checksum of the archive without decoding signals.
func Verify(src string) (*Manifest, error) {
	_, m, err := readVerified(src)
	return m, err
}

func readVerified(src string) (map[string][]byte, *Manifest, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	defer zr.Close()

	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if _, dup := entries[f.Name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate entry %s", ErrMalformedArchive, f.Name)
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedArchive, f.Name, err)
		}
		entries[f.Name] = data
	}

	raw, ok := entries[ManifestEntry]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is missing", ErrMalformedArchive, ManifestEntry)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing manifest: %v", ErrMalformedArchive, err)
	}
	if m.Version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported manifest version %d", ErrMalformedArchive, m.Version)
	}
	delete(entries, ManifestEntry)

	if len(m.Checksums) != len(entries) {
		return nil, nil, fmt.Errorf("%w: manifest lists %d entries, archive has %d", ErrMalformedArchive, len(m.Checksums), len(entries))
	}
	for name, data := range entries {
		want, ok := m.Checksums[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s is not in the manifest", ErrMalformedArchive, name)
		}
		if got := checksum(data); got != want {
			return nil, nil, fmt.Errorf("%w: checksum mismatch for %s: expected %s, got %s", ErrMalformedArchive, name, want, got)
		}
	}
	return entries, &m, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > MaxEntrySize {
		return nil, fmt.Errorf("entry exceeds maximum size of %d bytes", MaxEntrySize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, MaxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxEntrySize {
		return nil, fmt.Errorf("entry exceeds maximum size of %d bytes", MaxEntrySize)
	}
	return data, nil
}
