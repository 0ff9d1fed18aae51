package experiment

import (
	"fmt"

	"github.com/earyx-lab/earyx/internal/adapt"
	"github.com/earyx-lab/earyx/internal/signal"
)

func init() {
	Register(SineInNoiseName, func() Experiment { return sineInNoise{} })
	Register(ToneDetectionName, func() Experiment { return toneDetection{} })
	Register(LoudnessMatchName, func() Experiment { return loudnessMatch{} })
}

// Names of the builtin experiments.
const (
	SineInNoiseName   = "sine-in-noise"
	ToneDetectionName = "tone-detection"
	LoudnessMatchName = "loudness-match"
)

const (
	intervalSeconds = 0.3
	pauseSeconds    = 0.3
)

// sineInNoise is a 3-AFC detection of a 1 kHz tone in white noise at two
// noise levels.
type sineInNoise struct{}

func (sineInNoise) Name() string { return SineInNoiseName }

func (sineInNoise) Declaration() Declaration {
	var d Declaration
	d.AddParameter("noise_level", "dB", "level of the masking noise", -40, -60)
	d.SetVariable("sine_level", -20, "dB", "level of the 1 kHz sine")
	d.AddAdaptSetting(adapt.Setting{Kind: adapt.OneUpTwoDown, MaxReversals: 8, StartStep: 5, MinStep: 1})
	return d
}

func (sineInNoise) Answers() AnswerScheme { return AFC{Intervals: 3} }

func (sineInNoise) Trial(tc TrialContext) (signal.Segments, error) {
	noise, ok := tc.Param("noise_level")
	if !ok {
		return signal.Segments{}, fmt.Errorf("run %d has no noise_level", tc.Index)
	}
	refs := make([]*signal.Buffer, 2)
	for i := range refs {
		refs[i] = PCM(Noise(tc.Rand, intervalSeconds, noise))
	}
	test := Mix(Noise(tc.Rand, intervalSeconds, noise), Sine(1000, intervalSeconds, tc.Variable))
	return signal.Segments{
		Reference: refs,
		Between:   PCM(Silence(pauseSeconds)),
		Test:      PCM(test),
	}, nil
}

// toneDetection is a 2-AFC detection of a tone in silence at three
// frequencies.
type toneDetection struct{}

func (toneDetection) Name() string { return ToneDetectionName }

func (toneDetection) Declaration() Declaration {
	var d Declaration
	d.AddParameter("frequency", "Hz", "frequency of the test tone", 500, 1500, 3000)
	d.SetVariable("level", -30, "dB", "level of the test tone")
	d.AddAdaptSetting(adapt.Setting{Kind: adapt.OneUpTwoDown, MaxReversals: 3, StartStep: 8, MinStep: 1})
	return d
}

func (toneDetection) Answers() AnswerScheme { return AFC{Intervals: 2} }

func (toneDetection) PrepareRun(RunContext) (signal.Segments, error) {
	silence := PCM(Silence(intervalSeconds))
	return signal.Segments{
		Reference: []*signal.Buffer{silence},
		Between:   PCM(Silence(pauseSeconds)),
	}, nil
}

func (toneDetection) Trial(tc TrialContext) (signal.Segments, error) {
	freq, ok := tc.Param("frequency")
	if !ok {
		return signal.Segments{}, fmt.Errorf("run %d has no frequency", tc.Index)
	}
	return signal.Segments{Test: PCM(Sine(freq, intervalSeconds, tc.Variable))}, nil
}

// loudnessMatch adjusts the gain of a test tone against a fixed -30 dB
// reference of the same frequency.
type loudnessMatch struct{}

func (loudnessMatch) Name() string { return LoudnessMatchName }

func (loudnessMatch) Declaration() Declaration {
	var d Declaration
	d.AddParameter("frequency", "Hz", "frequency of both tones", 500, 1500, 3000)
	d.SetVariable("gain", -15, "dB", "level of the test tone")
	d.AddAdaptSetting(adapt.Setting{Kind: adapt.OneUpTwoDown, MaxReversals: 3, StartStep: 8, MinStep: 1})
	return d
}

func (loudnessMatch) Answers() AnswerScheme { return Matching{ReferencePosition: 0} }

func (loudnessMatch) PrepareRun(rc RunContext) (signal.Segments, error) {
	freq, ok := rc.Param("frequency")
	if !ok {
		return signal.Segments{}, fmt.Errorf("run %d has no frequency", rc.Index)
	}
	quiet := PCM(Silence(0.5))
	return signal.Segments{
		Pre:       quiet,
		Reference: []*signal.Buffer{PCM(Sine(freq, 1, -30))},
		Between:   quiet,
		Post:      quiet,
	}, nil
}

func (loudnessMatch) Trial(tc TrialContext) (signal.Segments, error) {
	freq, ok := tc.Param("frequency")
	if !ok {
		return signal.Segments{}, fmt.Errorf("run %d has no frequency", tc.Index)
	}
	return signal.Segments{Test: PCM(Sine(freq, 1, tc.Variable))}, nil
}
