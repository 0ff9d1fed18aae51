package signal

// Segments holds the raw buffers for one presentation. Nil fields are absent
// segments.
type Segments struct {
	Pre       *Buffer
	Reference []*Buffer
	Between   *Buffer
	Test      *Buffer
	Post      *Buffer
}

// Stimulus holds digest references to the segments of one presentation:
// pre, one or more references, between, test and post.
type Stimulus struct {
	Pre       Digest   `json:"pre,omitempty"`
	Reference []Digest `json:"reference,omitempty"`
	Between   Digest   `json:"between,omitempty"`
	Test      Digest   `json:"test,omitempty"`
	Post      Digest   `json:"post,omitempty"`
}

// Digests returns every referenced digest in segment order.
func (s Stimulus) Digests() []Digest {
	var out []Digest
	add := func(d Digest) {
		if d != "" {
			out = append(out, d)
		}
	}
	add(s.Pre)
	for _, d := range s.Reference {
		add(d)
	}
	add(s.Between)
	add(s.Test)
	add(s.Post)
	return out
}

// Inherit fills every empty segment of s from base.
func (s Stimulus) Inherit(base Stimulus) Stimulus {
	if s.Pre == "" {
		s.Pre = base.Pre
	}
	if len(s.Reference) == 0 {
		s.Reference = base.Reference
	}
	if s.Between == "" {
		s.Between = base.Between
	}
	if s.Test == "" {
		s.Test = base.Test
	}
	if s.Post == "" {
		s.Post = base.Post
	}
	s.Reference = append([]Digest(nil), s.Reference...)
	return s
}

// Clone returns a copy that shares no slices with s.
func (s Stimulus) Clone() Stimulus {
	s.Reference = append([]Digest(nil), s.Reference...)
	return s
}

// Equal reports whether both stimuli reference the same digests.
func (s Stimulus) Equal(o Stimulus) bool {
	if s.Pre != o.Pre || s.Between != o.Between || s.Test != o.Test || s.Post != o.Post {
		return false
	}
	if len(s.Reference) != len(o.Reference) {
		return false
	}
	for i := range s.Reference {
		if s.Reference[i] != o.Reference[i] {
			return false
		}
	}
	return true
}
