package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JoergBesier/LUNA-device-detector/internal/grid"
	"github.com/JoergBesier/LUNA-device-detector/internal/metrics"
	"github.com/JoergBesier/LUNA-device-detector/internal/store"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report [experiment-id]",
		Short: "Report stored experiment results",
		Long: `Without arguments, list stored experiments. With an experiment ID,
print every cell's scores plus robustness across severity sweeps.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			if len(args) == 0 {
				return listExperiments(cmd, s, ctx, jsonOut)
			}
			return reportExperiment(cmd, s, ctx, args[0], jsonOut)
		},
	}
}

func listExperiments(cmd *cobra.Command, s *store.Store, ctx context.Context, jsonOut bool) error {
	exps, err := s.Experiments(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		out := make([]map[string]any, 0, len(exps))
		for _, e := range exps {
			out = append(out, map[string]any{
				"id":          e.ID,
				"created_at":  e.CreatedAt,
				"description": e.Description,
				"state":       e.State,
				"seed":        e.Seed,
				"runs":        len(e.Definition.Runs),
				"simulations": len(e.Definition.Simulations),
				"algorithms":  len(e.Definition.Algorithms),
			})
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
	}

	if len(exps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No experiments stored. Use 'lunatb run' to execute one.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCREATED\tGRID\tDESCRIPTION")
	for _, e := range exps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dx%dx%d\t%s\n",
			e.ID, e.State, e.CreatedAt.Format("2006-01-02 15:04"),
			len(e.Definition.Runs), len(e.Definition.Simulations), len(e.Definition.Algorithms),
			e.Description)
	}
	return w.Flush()
}

func reportExperiment(cmd *cobra.Command, s *store.Store, ctx context.Context, id string, jsonOut bool) error {
	results, err := s.Results(ctx, id)
	if err != nil {
		return err
	}

	var ok []*grid.CellResult
	for _, res := range results {
		if res.Status == grid.CellOK {
			ok = append(ok, res)
		}
	}
	reports := sweepReportsFor(ok)

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"experiment_id": id,
			"results":       results,
			"robustness":    reports,
		})
	}

	if len(results) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No results stored for experiment %s.\n", id)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSIMULATION\tSEV\tALGORITHM\tSTATUS\tPREC\tRECALL\tF1\tFP/H\tLAT P50")
	for _, res := range results {
		if res.Status != grid.CellOK || res.Metrics == nil {
			errText := res.Error
			if len(errText) > 60 {
				errText = errText[:57] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%g\t%s\t%s\t%s\n",
				res.Cell.RunID, res.Cell.Simulation.Name, res.Cell.Simulation.Severity,
				res.Cell.Algorithm.Algorithm, res.Status, errText)
			continue
		}
		m := res.Metrics
		fmt.Fprintf(w, "%d\t%s\t%g\t%s\t%s\t%.3f\t%.3f\t%.3f\t%.2f\t%.1fs\n",
			res.Cell.RunID, res.Cell.Simulation.Name, res.Cell.Simulation.Severity,
			res.Cell.Algorithm.Algorithm, res.Status,
			m.Precision, m.Recall, m.F1, m.FPPerHour, m.Latency.P50)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(reports) == 0 {
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRobustness across severity sweeps (%d):\n", len(reports))
	for _, rep := range reports {
		first := rep.Points[0]
		last := rep.Points[len(rep.Points)-1]
		fmt.Fprintf(cmd.OutOrStdout(), "  severity %g..%g over %d points: F1 delta %+.3f",
			first.Severity, last.Severity, len(rep.Points), rep.F1Delta)
		if len(rep.NonMonotonicAt) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), " (non-monotonic at %v)", rep.NonMonotonicAt)
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

// sweepReportsFor groups successful results by sweep key and evaluates each
// group with at least two severity points. Groups too small to sweep are
// silently omitted.
func sweepReportsFor(results []*grid.CellResult) []*metrics.RobustnessReport {
	groups := make(map[string][]metrics.SweepPoint)
	var order []string
	for _, res := range results {
		if res.Metrics == nil {
			continue
		}
		key := res.Cell.SweepKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], metrics.SweepPoint{
			CellID:   res.CellID,
			Severity: res.Cell.Simulation.Severity,
			Metrics:  res.Metrics,
		})
	}

	var reports []*metrics.RobustnessReport
	for _, key := range order {
		points := groups[key]
		if len(points) < 2 {
			continue
		}
		rep, err := metrics.EvaluateSweep(points)
		if err != nil {
			continue
		}
		reports = append(reports, rep)
	}
	return reports
}
