package signal

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store maps digests to their single stored buffer. It is safe for
// concurrent use and may be shared by several sessions in one process to
// widen deduplication.
type Store struct {
	mu      sync.RWMutex
	buffers map[Digest]*Buffer
	backend Backend
}

// NewStore creates a store persisting through backend. A nil backend keeps
// buffers in memory only.
func NewStore(backend Backend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{
		buffers: make(map[Digest]*Buffer),
		backend: backend,
	}
}

// Backend returns the persistence backend of the store.
func (s *Store) Backend() Backend {
	return s.backend
}

// Intern stores b under its digest unless an identical buffer is already
// present, and returns the digest. The check and the insert happen under one
// lock, so concurrent callers interning the same content persist it once.
// The store keeps its own copy of the samples.
func (s *Store) Intern(b *Buffer) (Digest, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	d := DigestOf(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buffers[d]; ok {
		return d, nil
	}
	stored := &Buffer{
		SampleRate: b.SampleRate,
		Channels:   b.Channels,
		BitDepth:   b.BitDepth,
		Samples:    append([]int(nil), b.Samples...),
	}
	if err := s.backend.Put(d, stored); err != nil {
		return "", fmt.Errorf("persisting signal %s: %w", d, err)
	}
	s.buffers[d] = stored
	return d, nil
}

// InternSegments interns every present segment and returns the references.
func (s *Store) InternSegments(seg Segments) (Stimulus, error) {
	var st Stimulus
	var err error
	one := func(b *Buffer, name string) Digest {
		if b == nil || err != nil {
			return ""
		}
		d, ierr := s.Intern(b)
		if ierr != nil {
			err = fmt.Errorf("interning %s segment: %w", name, ierr)
		}
		return d
	}

	st.Pre = one(seg.Pre, "pre")
	for i, b := range seg.Reference {
		if d := one(b, fmt.Sprintf("reference[%d]", i)); d != "" {
			st.Reference = append(st.Reference, d)
		}
	}
	st.Between = one(seg.Between, "between")
	st.Test = one(seg.Test, "test")
	st.Post = one(seg.Post, "post")
	if err != nil {
		return Stimulus{}, err
	}
	return st, nil
}

// Get returns the stored buffer for d. The result must not be modified.
func (s *Store) Get(d Digest) (*Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buffers[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	return b, nil
}

// Has reports whether d resolves to a stored buffer.
func (s *Store) Has(d Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.buffers[d]
	return ok
}

// Len returns the number of distinct stored buffers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.buffers)
}

// Digests returns every stored digest in sorted order.
func (s *Store) Digests() []Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Digest, 0, len(s.buffers))
	for d := range s.buffers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Load reads every buffer the backend holds into the lookup table. A file
// whose content does not hash to its name is rejected.
func (s *Store) Load(ctx context.Context) (int, error) {
	digests, err := s.backend.List()
	if err != nil {
		return 0, fmt.Errorf("listing signals: %w", err)
	}

	loaded := make(map[Digest]*Buffer, len(digests))
	for _, d := range digests {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := s.backend.Get(d)
		if err != nil {
			return 0, fmt.Errorf("reading signal %s: %w", d, err)
		}
		if got := DigestOf(b); got != d {
			return 0, fmt.Errorf("signal %s hashes to %s", d, got)
		}
		loaded[d] = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for d, b := range loaded {
		if _, ok := s.buffers[d]; !ok {
			s.buffers[d] = b
		}
	}
	return len(loaded), nil
}
