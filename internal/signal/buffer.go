// Package signal provides the content-addressed store for stimulus buffers.
//
// Every buffer presented in a trial is interned once: structurally identical
// buffers collapse to a single stored instance identified by its Digest, and
// runs and trials only ever hold digest references (see Stimulus).
package signal

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrEmptyBuffer is returned when interning a buffer without samples.
	ErrEmptyBuffer = errors.New("buffer has no samples")

	// ErrNotFound is returned when a digest has no stored buffer.
	ErrNotFound = errors.New("signal not found")
)

// Buffer is an immutable block of interleaved PCM samples. Once interned it
// must not be modified.
type Buffer struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []int
}

// NewBuffer validates and returns a buffer that owns a copy of samples.
func NewBuffer(sampleRate, channels, bitDepth int, samples []int) (*Buffer, error) {
	b := &Buffer{
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   bitDepth,
		Samples:    append([]int(nil), samples...),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the format fields and that every sample fits the bit depth.
func (b *Buffer) Validate() error {
	if b == nil || len(b.Samples) == 0 {
		return ErrEmptyBuffer
	}
	if b.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", b.SampleRate)
	}
	if b.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", b.Channels)
	}
	if len(b.Samples)%b.Channels != 0 {
		return fmt.Errorf("%d samples do not divide into %d channels", len(b.Samples), b.Channels)
	}
	var limit int
	switch b.BitDepth {
	case 16:
		limit = 1<<15 - 1
	case 24:
		limit = 1<<23 - 1
	case 32:
		limit = 1<<31 - 1
	default:
		return fmt.Errorf("unsupported bit depth %d (want 16, 24 or 32)", b.BitDepth)
	}
	for i, v := range b.Samples {
		if v > limit || v < -limit-1 {
			return fmt.Errorf("sample %d (%d) exceeds %d-bit range", i, v, b.BitDepth)
		}
	}
	return nil
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Equal reports whether two buffers have the same format and samples.
func (b *Buffer) Equal(o *Buffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.SampleRate != o.SampleRate || b.Channels != o.Channels || b.BitDepth != o.BitDepth {
		return false
	}
	if len(b.Samples) != len(o.Samples) {
		return false
	}
	for i := range b.Samples {
		if b.Samples[i] != o.Samples[i] {
			return false
		}
	}
	return true
}

// Digest is the content address of a buffer: 16 lowercase hex characters.
type Digest string

// DigestOf hashes the format header (rate, channels, depth) followed by every
// sample as a little-endian int32 with xxHash64.
func DigestOf(b *Buffer) Digest {
	h := xxhash.New()
	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(b.SampleRate))
	binary.LittleEndian.PutUint32(header[4:], uint32(b.Channels))
	binary.LittleEndian.PutUint32(header[8:], uint32(b.BitDepth))
	_, _ = h.Write(header[:])

	var chunk [4096]byte
	n := 0
	for _, v := range b.Samples {
		binary.LittleEndian.PutUint32(chunk[n:], uint32(int32(v)))
		n += 4
		if n == len(chunk) {
			_, _ = h.Write(chunk[:])
			n = 0
		}
	}
	_, _ = h.Write(chunk[:n])

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return Digest(hex.EncodeToString(sum[:]))
}

// Valid reports whether d is well formed.
func (d Digest) Valid() bool {
	if len(d) != 16 {
		return false
	}
	for _, c := range d {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
