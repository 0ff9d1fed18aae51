package experiment

import (
	"math"
	"math/rand/v2"

	"github.com/earyx-lab/earyx/internal/signal"
)

// SampleRate is used by the builtin experiments.
const SampleRate = 48000

const (
	bitDepth   = 16
	fullScale  = 1<<(bitDepth-1) - 1
	rampLength = 0.05
)

// Gain converts a level in dB relative to full scale into a linear factor.
func Gain(db float64) float64 {
	return math.Pow(10, db/20)
}

// Sine returns a sine tone with raised-cosine flanks, scaled so its RMS
// equals the given level in dB full scale.
func Sine(freq, seconds, levelDB float64) []float64 {
	n := int(math.Round(seconds * SampleRate))
	out := make([]float64, n)
	amp := math.Sqrt2 * Gain(levelDB)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)
	}
	ramp(out)
	return out
}

// Noise returns uniform white noise at the given RMS level in dB full scale.
func Noise(rng *rand.Rand, seconds, levelDB float64) []float64 {
	n := int(math.Round(seconds * SampleRate))
	out := make([]float64, n)
	// uniform on [-a, a] has RMS a/sqrt(3)
	amp := math.Sqrt(3) * Gain(levelDB)
	for i := range out {
		out[i] = amp * (2*rng.Float64() - 1)
	}
	ramp(out)
	return out
}

// Silence returns a zero-valued buffer.
func Silence(seconds float64) []float64 {
	return make([]float64, int(math.Round(seconds*SampleRate)))
}

// Mix adds b onto a sample by sample; the result has the length of a.
func Mix(a, b []float64) []float64 {
	out := append([]float64(nil), a...)
	for i := 0; i < len(out) && i < len(b); i++ {
		out[i] += b[i]
	}
	return out
}

// PCM quantizes a float signal in [-1, 1] to a mono 16-bit buffer.
// Samples outside the range are clipped.
func PCM(x []float64) *signal.Buffer {
	samples := make([]int, len(x))
	for i, v := range x {
		s := math.Round(v * fullScale)
		s = math.Max(-fullScale, math.Min(fullScale, s))
		samples[i] = int(s)
	}
	return &signal.Buffer{SampleRate: SampleRate, Channels: 1, BitDepth: bitDepth, Samples: samples}
}

func ramp(x []float64) {
	n := int(rampLength * SampleRate)
	if 2*n > len(x) {
		n = len(x) / 2
	}
	for i := 0; i < n; i++ {
		w := 0.5 - 0.5*math.Cos(math.Pi*float64(i)/float64(n))
		x[i] *= w
		x[len(x)-1-i] *= w
	}
}
