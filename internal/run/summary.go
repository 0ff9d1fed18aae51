package run

import (
	"math"
	"slices"
)

// Summary describes the variable over the measurement phase.
type Summary struct {
	N      int     `json:"n"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize computes the median, sample standard deviation and range of xs.
// It reports false for an empty input. A single value has zero deviation.
func Summarize(xs []float64) (Summary, bool) {
	n := len(xs)
	if n == 0 {
		return Summary{}, false
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	s := Summary{N: n, Min: sorted[0], Max: sorted[n-1]}
	if n%2 == 1 {
		s.Median = sorted[n/2]
	} else {
		s.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	if n > 1 {
		var mean float64
		for _, x := range xs {
			mean += x
		}
		mean /= float64(n)
		var ss float64
		for _, x := range xs {
			ss += (x - mean) * (x - mean)
		}
		s.StdDev = math.Sqrt(ss / float64(n-1))
	}
	return s, true
}
