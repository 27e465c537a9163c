package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JoergBesier/LUNA-device-detector/internal/config"
	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/grid"
	"github.com/JoergBesier/LUNA-device-detector/internal/logging"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <experiment.yaml>",
		Short: "Run an experiment grid",
		Long: `Expand an experiment file into its grid of (run, simulation, algorithm)
cells and execute every cell: simulate, detect, evaluate, persist.

Cells whose identity already has a stored result are skipped unless
--force is given, so an interrupted experiment resumes where it
stopped. Ctrl-C cancels at the next cell boundary; in-flight cells
finish and their results are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			workers, _ := cmd.Flags().GetInt("workers")
			tracePath, _ := cmd.Flags().GetString("trace")
			jsonOut, _ := cmd.Flags().GetBool("json")

			expCfg, err := config.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			expCfg.ResolveSeeds()
			if force {
				expCfg.Force = true
			}
			if workers > 0 {
				expCfg.Workers = workers
			}

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			log := newLogger(cmd)

			exp := grid.NewExperiment(expCfg.Description, version, expCfg.Seed, grid.Definition{
				Runs:        expCfg.Runs,
				Simulations: expCfg.Simulations,
				Algorithms:  expCfg.Algorithms,
			})

			ctx := context.Background()
			if err := s.SaveExperiment(ctx, exp); err != nil {
				return err
			}

			trace := logging.NewProvenanceLogger(tracePath)
			defer trace.Close()

			runner := grid.NewRunner(
				simulation.NewEngine(expCfg.DerivationSettings()),
				detector.DefaultRegistry(),
				s, s, s,
				log,
				trace,
				grid.Config{
					Workers:     expCfg.Workers,
					CellTimeout: expCfg.CellTimeout,
					ToleranceS:  expCfg.ToleranceS,
					Force:       expCfg.Force,
				},
			)

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, runErr := runner.Run(runCtx, exp)
			if summary != nil {
				if err := s.UpdateExperimentState(ctx, exp.ID, summary.State); err != nil {
					log.Error("failed to persist experiment state", "experiment", exp.ID, "error", err)
				}
			}
			if runErr != nil {
				return runErr
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s %s in %.1fs\n",
				exp.ID, summary.State, summary.ElapsedS)
			fmt.Fprintf(cmd.OutOrStdout(), "  cells: %d total, %d ok, %d failed, %d skipped",
				summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)
			if summary.Cancelled > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d cancelled", summary.Cancelled)
			}
			fmt.Fprintln(cmd.OutOrStdout())

			for _, res := range summary.Results {
				if res.Status != grid.CellFailed {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  failed: %s: %s\n", res.Cell, res.Error)
			}

			if len(summary.Robustness) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  sweeps: %d (use 'lunatb report %s' for details)\n",
					len(summary.Robustness), exp.ID)
			}
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Recompute cells that already have stored results")
	cmd.Flags().Int("workers", 0, "Override the worker count from the experiment file")
	cmd.Flags().String("trace", "", "Write a per-cell provenance trace to this JSONL file")

	return cmd
}
