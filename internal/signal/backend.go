package signal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Backend persists interned buffers keyed by digest. Put must be idempotent.
type Backend interface {
	Put(d Digest, b *Buffer) error
	Get(d Digest) (*Buffer, error)
	List() ([]Digest, error)
}

// MemoryBackend keeps buffers in a map. Used for tests and for sessions
// that never persist.
type MemoryBackend struct {
	mu      sync.RWMutex
	buffers map[Digest]*Buffer
	puts    int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buffers: make(map[Digest]*Buffer)}
}

func (m *MemoryBackend) Put(d Digest, b *Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buffers[d]; ok {
		return nil
	}
	m.buffers[d] = b
	m.puts++
	return nil
}

func (m *MemoryBackend) Get(d Digest) (*Buffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buffers[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	return b, nil
}

func (m *MemoryBackend) List() ([]Digest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Digest, 0, len(m.buffers))
	for d := range m.buffers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Puts returns how many buffers were actually written.
func (m *MemoryBackend) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.puts
}

// FileExt is the extension of persisted signal files.
const FileExt = ".wav"

// DirBackend stores one WAV file per digest, named <digest>.wav.
type DirBackend struct {
	dir string
}

// NewDirBackend creates dir if needed and returns a backend rooted there.
func NewDirBackend(dir string) (*DirBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating signal directory: %w", err)
	}
	return &DirBackend{dir: dir}, nil
}

// Dir returns the backend's root directory.
func (b *DirBackend) Dir() string {
	return b.dir
}

// Path returns the file path for d.
func (b *DirBackend) Path(d Digest) string {
	return filepath.Join(b.dir, string(d)+FileExt)
}

// Put writes the WAV file via temp file + rename so readers never observe a
// partial file. Existing files are left untouched.
func (b *DirBackend) Put(d Digest, buf *Buffer) error {
	path := b.Path(d)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := EncodeWAV(buf)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.dir, "."+string(d)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing signal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing signal file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming signal file: %w", err)
	}
	return nil
}

func (b *DirBackend) Get(d Digest) (*Buffer, error) {
	data, err := os.ReadFile(b.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, fmt.Errorf("reading signal file: %w", err)
	}
	return DecodeWAV(bytes.NewReader(data))
}

// List returns the digests of every well-formed signal file in the directory.
func (b *DirBackend) List() ([]Digest, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("reading signal directory: %w", err)
	}
	var out []Digest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, FileExt) {
			continue
		}
		d := Digest(strings.TrimSuffix(name, FileExt))
		if d.Valid() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
