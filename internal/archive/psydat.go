package archive

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/earyx-lab/earyx/internal/run"
	"github.com/earyx-lab/earyx/internal/session"
)

// PsydatHeader is the first line of every psydat export.
const PsydatHeader = "######## psydat version 2 header ########  DO NOT change THIS line ########"

// psydatTime is the layout of the finished timestamp in block headers.
const psydatTime = "02-Jan-2006__15:04:05"

// WritePsydat writes the flat text export: one block per finished run with
// its parameter values, the variable/correctness series and the measurement
// statistics. Runs that never entered the measurement phase get nan
// statistics.
func WritePsydat(w io.Writer, st session.State) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, PsydatHeader)

	units := make(map[string]string, len(st.Declaration.Axes))
	for _, a := range st.Declaration.Axes {
		units[a.Name] = a.Unit
	}
	v := st.Declaration.Variable

	for _, r := range st.Runs {
		if !r.Finished {
			continue
		}
		fmt.Fprintf(bw, "#### %s %s %s npar %d ####\n",
			st.Experiment, st.Subject, r.FinishedAt.Format(psydatTime), len(r.Parameters))
		for i, p := range r.Parameters {
			fmt.Fprintf(bw, "%%----- PAR%d: %s %s %s\n", i+1, p.Name, num(p.Value), units[p.Name])
		}

		bw.WriteString("%----- VAL:")
		for _, t := range r.Trials {
			c := 0
			if t.Correct {
				c = 1
			}
			fmt.Fprintf(bw, " %s %d", num(t.Variable), c)
		}
		fmt.Fprintln(bw)

		med, std, hi, lo := "nan", "nan", "nan", "nan"
		if s, ok := run.Summarize(measurement(r)); ok {
			med, std, hi, lo = num(s.Median), num(s.StdDev), num(s.Max), num(s.Min)
		}
		fmt.Fprintf(bw, "  %s %s %s %s %s %s\n", v.Name, med, std, hi, lo, v.Unit)
	}
	return bw.Flush()
}

func measurement(r run.State) []float64 {
	if r.MeasurementStart == nil {
		return nil
	}
	var out []float64
	for _, t := range r.Trials[min(*r.MeasurementStart, len(r.Trials)):] {
		out = append(out, t.Variable)
	}
	return out
}

func num(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}
