package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/earyx-lab/earyx/internal/experiment"
)

func newExperimentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "experiments",
		Short: "List the registered experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			type axisEntry struct {
				Name   string    `json:"name"`
				Unit   string    `json:"unit,omitempty"`
				Values []float64 `json:"values"`
			}
			type entry struct {
				Name     string      `json:"name"`
				Variable string      `json:"variable"`
				Start    float64     `json:"start"`
				Unit     string      `json:"unit,omitempty"`
				Axes     []axisEntry `json:"axes"`
				Settings []string    `json:"settings"`
				Runs     int         `json:"runs"`
			}

			var entries []entry
			for _, name := range experiment.Names() {
				exp, err := experiment.Lookup(name)
				if err != nil {
					return err
				}
				decl := exp.Declaration()
				e := entry{
					Name:     name,
					Variable: decl.Variable.Name,
					Start:    decl.Variable.Start,
					Unit:     decl.Variable.Unit,
					Runs:     decl.RunCount(),
				}
				for _, a := range decl.Axes {
					e.Axes = append(e.Axes, axisEntry{Name: a.Name, Unit: a.Unit, Values: a.Values})
				}
				for _, s := range decl.Settings {
					e.Settings = append(e.Settings, s.String())
				}
				entries = append(entries, e)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"experiments": entries,
				})
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s: %s from %g %s, %d runs\n", e.Name, e.Variable, e.Start, e.Unit, e.Runs)
				for _, a := range e.Axes {
					values := make([]string, len(a.Values))
					for i, v := range a.Values {
						values[i] = fmt.Sprintf("%g", v)
					}
					fmt.Fprintf(out, "  %s [%s]: %s\n", a.Name, a.Unit, strings.Join(values, ", "))
				}
				fmt.Fprintf(out, "  settings: %s\n", strings.Join(e.Settings, ", "))
			}
			return nil
		},
	}
}
