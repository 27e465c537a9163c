package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.Runs(context.Background())
			if err != nil {
				return err
			}

			if jsonOut {
				out := make([]map[string]any, 0, len(runs))
				for _, r := range runs {
					m := map[string]any{
						"id":                  r.ID,
						"device_id":           r.DeviceID,
						"diaper_type":         r.DiaperType,
						"sensor_layout":       r.SensorLayout,
						"external_run_id":     r.ExternalRunID,
						"file_name":           r.FileName,
						"started_at":          r.StartedAt,
						"sampling_interval_s": r.SamplingIntervalS,
					}
					if r.HasBaseline {
						m["baseline_ah_g_m3"] = r.Baseline.AH
					}
					out = append(out, m)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}

			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded. Use 'lunatb ingest' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEVICE\tDIAPER\tLAYOUT\tSTARTED\tINTERVAL\tFILE")
			for _, r := range runs {
				started := ""
				if !r.StartedAt.IsZero() {
					started = r.StartedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.1fs\t%s\n",
					r.ID, r.DeviceID, r.DiaperType, r.SensorLayout,
					started, r.SamplingIntervalS, r.FileName)
			}
			return w.Flush()
		},
	}
}
