package session

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/earyx-lab/earyx/internal/experiment"
	"github.com/earyx-lab/earyx/internal/run"
)

// Order selects the next run among those still active.
type Order string

const (
	// Sequential picks the first active run in declaration order.
	Sequential Order = "sequential"
	// Interleaved picks uniformly among all active runs.
	Interleaved Order = "interleaved"
)

// ParseOrder maps a configuration value to an Order.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case Sequential, Interleaved:
		return o, nil
	case "":
		return Sequential, nil
	default:
		return "", fmt.Errorf("unknown order %q (want sequential or interleaved)", s)
	}
}

func (o Order) pick(active []*run.Run, rng *rand.Rand) *run.Run {
	if len(active) == 0 {
		return nil
	}
	if o == Interleaved {
		return active[rng.IntN(len(active))]
	}
	return active[0]
}

// Expand builds one run per combination of adaptive setting and axis values.
// Settings vary slowest and the last declared axis fastest.
func Expand(d experiment.Declaration) ([]*run.Run, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var runs []*run.Run
	for _, s := range d.Settings {
		for _, combo := range product(d.Axes) {
			r, err := run.New(len(runs), combo, s, d.Variable.Start)
			if err != nil {
				return nil, err
			}
			runs = append(runs, r)
		}
	}
	return runs, nil
}

func product(axes []experiment.ParameterAxis) [][]experiment.AxisValue {
	out := [][]experiment.AxisValue{nil}
	for _, a := range axes {
		next := make([][]experiment.AxisValue, 0, len(out)*len(a.Values))
		for _, prefix := range out {
			for _, v := range a.Values {
				combo := append(append([]experiment.AxisValue(nil), prefix...), experiment.AxisValue{Name: a.Name, Value: v})
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}
