// Package archive snapshots sessions into structured documents, restores
// them, and packs documents together with their signals into checksummed
// zip archives with a psydat export.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/session"
	"github.com/earyx-lab/earyx/internal/signal"
)

// ErrMalformedArchive is returned when a document or archive does not have
// the expected shape, fails its checksums, or references a missing signal.
var ErrMalformedArchive = errors.New("malformed archive")

// FormatVersion is the current document format.
const FormatVersion = 1

// Document is the structured snapshot of a session. Signals appear only as
// digest references.
type Document struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"saved_at"`
	Session session.State `json:"session"`
}

// Snapshot builds a document from a session state, applying the state's
// discard-unfinished-runs policy.
func Snapshot(st session.State, now time.Time) Document {
	return Document{
		Version: FormatVersion,
		SavedAt: now.UTC(),
		Session: st.Durable(),
	}
}

// Encode writes the document as indented JSON.
func (d Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	return nil
}

// Decode reads a document. Unknown fields, trailing data and missing
// required fields are rejected.
func Decode(r io.Reader) (Document, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var d Document
	if err := dec.Decode(&d); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	if dec.More() {
		return Document{}, fmt.Errorf("%w: trailing data after document", ErrMalformedArchive)
	}
	if err := d.validate(); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	return d, nil
}

// DecodeBytes is Decode over a byte slice.
func DecodeBytes(data []byte) (Document, error) {
	return Decode(bytes.NewReader(data))
}

func (d Document) validate() error {
	if d.Version != FormatVersion {
		return fmt.Errorf("unsupported document version %d", d.Version)
	}
	st := d.Session
	if st.ID == "" {
		return errors.New("session id is missing")
	}
	if st.Experiment == "" {
		return errors.New("experiment name is missing")
	}
	if st.Runs == nil {
		return errors.New("runs are missing")
	}
	if _, err := session.ParseOrder(string(st.Order)); err != nil {
		return err
	}
	for _, dg := range st.Digests() {
		if !dg.Valid() {
			return fmt.Errorf("invalid digest %q", dg)
		}
	}
	return nil
}

// Restore rebuilds a session from a document. Every referenced digest must
// resolve in opts.Store. On failure nothing is returned and the error wraps
// ErrMalformedArchive.
func Restore(d Document, exp experiment.Experiment, opts session.Options) (*session.Session, error) {
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	if opts.Store == nil {
		opts.Store = signal.NewStore(nil)
	}
	s, err := session.FromState(exp, d.Session, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
	}
	return s, nil
}
