package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/config"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <experiment.yaml>",
		Short: "Preview a simulation against a recorded run",
		Long: `Apply one named simulation from an experiment file to a recorded run
and summarize the perturbed series without persisting anything.

Useful for sanity-checking transform parameters before a full sweep:
  lunatb simulate sweep.yaml --sim noise-high --run-id 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			simName, _ := cmd.Flags().GetString("sim")
			runID, _ := cmd.Flags().GetInt64("run-id")
			jsonOut, _ := cmd.Flags().GetBool("json")

			exp, err := config.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			exp.ResolveSeeds()

			var simCfg *simulation.Config
			for i := range exp.Simulations {
				if exp.Simulations[i].Name == simName {
					simCfg = &exp.Simulations[i]
					break
				}
			}
			if simCfg == nil {
				return apperr.Configf("experiment %s defines no simulation named %q", args[0], simName)
			}

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			series, err := s.Series(context.Background(), runID)
			if err != nil {
				return err
			}

			engine := simulation.NewEngine(exp.DerivationSettings())
			sim, err := engine.Simulate(series, *simCfg)
			if err != nil {
				return err
			}

			before := seriesSummary(series.Samples)
			after := seriesSummary(sim.Series.Samples)

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"run_id":     runID,
					"simulation": simCfg.Name,
					"seed":       simCfg.Seed,
					"severity":   simCfg.Severity,
					"before":     before,
					"after":      after,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Simulation %s (seed %d, severity %g) on run %d:\n\n",
				simCfg.Name, simCfg.Seed, simCfg.Severity, runID)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tSAMPLES\tMISSING\tLOAD MIN\tLOAD MAX\tLOAD MEAN")
			for _, row := range []struct {
				label string
				s     channelSummary
			}{{"before", before}, {"after", after}} {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.3f\t%.3f\t%.3f\n",
					row.label, row.s.Samples, row.s.Missing, row.s.LoadMin, row.s.LoadMax, row.s.LoadMean)
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("sim", "", "Name of the simulation to apply (required)")
	cmd.Flags().Int64("run-id", 0, "Run to simulate against (required)")
	cmd.MarkFlagRequired("sim")
	cmd.MarkFlagRequired("run-id")

	return cmd
}

type channelSummary struct {
	Samples  int     `json:"samples"`
	Missing  int     `json:"missing"`
	LoadMin  float64 `json:"load_min"`
	LoadMax  float64 `json:"load_max"`
	LoadMean float64 `json:"load_mean"`
}

// seriesSummary condenses the load channel for display. Missing counts
// samples whose load is NaN; min/max/mean skip them.
func seriesSummary(samples []signal.Sample) channelSummary {
	sum := channelSummary{
		Samples: len(samples),
		LoadMin: math.Inf(1),
		LoadMax: math.Inf(-1),
	}
	var total float64
	var n int
	for _, s := range samples {
		if math.IsNaN(s.Load) {
			sum.Missing++
			continue
		}
		if s.Load < sum.LoadMin {
			sum.LoadMin = s.Load
		}
		if s.Load > sum.LoadMax {
			sum.LoadMax = s.Load
		}
		total += s.Load
		n++
	}
	if n == 0 {
		sum.LoadMin, sum.LoadMax, sum.LoadMean = 0, 0, 0
		return sum
	}
	sum.LoadMean = total / float64(n)
	return sum
}
