// Package sanitize cleans subject identifiers before they reach session
// state, archive file names and psydat exports.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxSubjectLength is the maximum allowed length, in runes, of a subject.
const MaxSubjectLength = 64

// MaxFileComponentLength is the maximum allowed length of a file name
// component.
const MaxFileComponentLength = 80

var (
	// reWhitespace matches runs of whitespace, including newlines and tabs.
	reWhitespace = regexp.MustCompile(`\s+`)

	// reRepeatedHyphens matches 2 or more consecutive hyphens.
	reRepeatedHyphens = regexp.MustCompile(`-{2,}`)

	// reRepeatedUnderscores matches 2 or more consecutive underscores.
	reRepeatedUnderscores = regexp.MustCompile(`_{2,}`)
)

// Subject normalizes a subject identifier: whitespace runs become a single
// space, control characters are dropped, the result is trimmed and cut to
// MaxSubjectLength runes. A subject never spans more than one line, so it
// can be written into line-oriented exports.
func Subject(input string) string {
	if input == "" {
		return ""
	}
	s := reWhitespace.ReplaceAllString(input, " ")
	s = stripControlChars(s)
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > MaxSubjectLength {
		s = strings.TrimSpace(string(r[:MaxSubjectLength]))
	}
	return s
}

// FileComponent reduces input to a single safe path element: only
// [a-zA-Z0-9-_.] are kept, repeated hyphens and underscores are collapsed,
// leading dots are removed and the result is cut to MaxFileComponentLength.
func FileComponent(input string) string {
	if input == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}
	s := b.String()

	s = reRepeatedHyphens.ReplaceAllString(s, "-")
	s = reRepeatedUnderscores.ReplaceAllString(s, "_")
	s = strings.TrimLeft(s, ".")

	if len(s) > MaxFileComponentLength {
		s = s[:MaxFileComponentLength]
	}
	return s
}

// stripControlChars removes ASCII control characters (0x00-0x1F and DEL).
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
