package experiment

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/earyx-lab/earyx/internal/signal"
)

// ErrInvalidAnswer is returned when a raw answer fails validation. The
// driver should re-prompt; no run state has changed.
var ErrInvalidAnswer = errors.New("invalid answer")

// AnswerScheme defines what counts as a valid and a correct answer, and how
// a trial's segments are laid out for presentation.
type AnswerScheme interface {
	// CorrectAnswer draws the correct answer for a new trial.
	CorrectAnswer(rng *rand.Rand) string

	// Check validates and normalizes a raw answer.
	Check(raw string) (string, error)

	// Layout returns the digests to present, in order.
	Layout(st signal.Stimulus, correct string, rng *rand.Rand) ([]signal.Digest, error)

	// Prompt is the question shown to the subject.
	Prompt() string

	// Validate rejects a scheme that cannot produce trials.
	Validate() error
}

// AFC is an N-alternative forced choice: the test segment is placed in one
// of N intervals and the subject names the interval.
type AFC struct {
	Intervals int
}

// Validate requires at least one interval.
func (a AFC) Validate() error {
	if a.Intervals < 1 {
		return fmt.Errorf("%w: %d-AFC needs at least one interval", ErrInvalidDeclaration, a.Intervals)
	}
	return nil
}

// CorrectAnswer returns "" for an invalid scheme; Check rejects every answer
// to such a trial.
func (a AFC) CorrectAnswer(rng *rand.Rand) string {
	if a.Validate() != nil {
		return ""
	}
	return strconv.Itoa(rng.IntN(a.Intervals) + 1)
}

func (a AFC) Check(raw string) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: please enter a whole number", ErrInvalidAnswer)
	}
	if n < 1 || n > a.Intervals {
		return "", fmt.Errorf("%w: please enter a number between 1 and %d", ErrInvalidAnswer, a.Intervals)
	}
	return strconv.Itoa(n), nil
}

// Layout interleaves the intervals with the between segment. With N-1
// references they are shuffled over the non-test intervals; a single
// reference is repeated.
func (a AFC) Layout(st signal.Stimulus, correct string, rng *rand.Rand) ([]signal.Digest, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	pos, err := strconv.Atoi(correct)
	if err != nil || pos < 1 || pos > a.Intervals {
		return nil, fmt.Errorf("correct answer %q outside 1..%d", correct, a.Intervals)
	}
	refs := append([]signal.Digest(nil), st.Reference...)
	switch len(refs) {
	case 1:
	case a.Intervals - 1:
		rng.Shuffle(len(refs), func(i, j int) { refs[i], refs[j] = refs[j], refs[i] })
	default:
		return nil, fmt.Errorf("%d reference segments do not fit %d intervals", len(refs), a.Intervals)
	}

	var out []signal.Digest
	add := func(d signal.Digest) {
		if d != "" {
			out = append(out, d)
		}
	}
	add(st.Pre)
	next := 0
	for x := 1; x <= a.Intervals; x++ {
		if x == pos {
			add(st.Test)
		} else {
			add(refs[next%len(refs)])
			next++
		}
		if x != a.Intervals {
			add(st.Between)
		}
	}
	add(st.Post)
	return out, nil
}

func (a AFC) Prompt() string {
	return fmt.Sprintf("In which interval do you hear the test tone? (1-%d)", a.Intervals)
}

// Matching asks whether the test should go up or down to match the
// reference. The correct answer is always "d".
type Matching struct {
	// ReferencePosition places the reference first (1), second (2), or
	// randomly (0).
	ReferencePosition int
}

// Validate checks the reference position.
func (m Matching) Validate() error {
	if m.ReferencePosition < 0 || m.ReferencePosition > 2 {
		return fmt.Errorf("%w: invalid reference position %d", ErrInvalidDeclaration, m.ReferencePosition)
	}
	return nil
}

func (m Matching) CorrectAnswer(*rand.Rand) string {
	return "d"
}

func (m Matching) Check(raw string) (string, error) {
	switch a := strings.ToLower(strings.TrimSpace(raw)); a {
	case "u", "d":
		return a, nil
	default:
		return "", fmt.Errorf("%w: only answers 'u' and 'd' are allowed", ErrInvalidAnswer)
	}
}

func (m Matching) Layout(st signal.Stimulus, _ string, rng *rand.Rand) ([]signal.Digest, error) {
	if len(st.Reference) == 0 {
		return nil, errors.New("matching needs a reference segment")
	}
	first, second := st.Reference[0], st.Test
	switch m.ReferencePosition {
	case 1:
	case 2:
		first, second = second, first
	case 0:
		if rng.IntN(2) == 1 {
			first, second = second, first
		}
	default:
		return nil, fmt.Errorf("invalid reference position %d", m.ReferencePosition)
	}

	var out []signal.Digest
	for _, d := range []signal.Digest{st.Pre, first, st.Between, second, st.Post} {
		if d != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m Matching) Prompt() string {
	return "Does the test tone need to go (u)p or (d)own?"
}
