package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JoergBesier/LUNA-device-detector/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <log-file>...",
		Short: "Ingest lab log files as recorded runs",
		Long: `Parse one or more .csv or .log session files and store them as runs.

Every log file must already appear in the run registry (see
'lunatb import-registry'); ingest links the new run to its registry
entry and refuses files whose entry is already linked.

Example:
  lunatb ingest session_017.log --device luna-03 --diaper brand-a --layout center`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, _ := cmd.Flags().GetString("device")
			diaper, _ := cmd.Flags().GetString("diaper")
			layout, _ := cmd.Flags().GetString("layout")
			notes, _ := cmd.Flags().GetString("notes")
			tz, _ := cmd.Flags().GetString("tz")
			jsonOut, _ := cmd.Flags().GetBool("json")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			in := ingest.NewIngestor(s, newLogger(cmd))
			runIDs, err := in.IngestLogs(context.Background(), args, ingest.Options{
				DeviceID:     device,
				DiaperType:   diaper,
				SensorLayout: layout,
				Notes:        notes,
				Timezone:     tz,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status":  "ingested",
					"run_ids": runIDs,
				})
			} else {
				for i, runID := range runIDs {
					fmt.Fprintf(cmd.OutOrStdout(), "Ingested %s as run %d\n", args[i], runID)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("device", "", "Device ID on the bench (required)")
	cmd.Flags().String("diaper", "", "Diaper type under test")
	cmd.Flags().String("layout", "", "Sensor layout")
	cmd.Flags().String("notes", "", "Run notes")
	cmd.Flags().String("tz", "", "Timezone for logs without their own marker")
	cmd.MarkFlagRequired("device")

	return cmd
}

func newImportLabelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-labels <csv-file>",
		Short: "Import ground-truth event labels from a CSV file",
		Long: `Import labeled events (known wetting moments) for recorded runs.

The CSV requires event_type and event_time_s columns. A run_id column
assigns labels per row; without one, --run-id applies to every row.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetInt64("run-id")
			jsonOut, _ := cmd.Flags().GetBool("json")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			in := ingest.NewIngestor(s, newLogger(cmd))
			n, err := in.ImportLabels(context.Background(), args[0], runID)
			if err != nil {
				return err
			}

			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status": "imported",
					"labels": n,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d labels from %s\n", n, args[0])
			}
			return nil
		},
	}

	cmd.Flags().Int64("run-id", 0, "Run ID for rows without a run_id column")

	return cmd
}

func newImportRegistryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-registry <csv-file>",
		Short: "Import the bench-session registry from a tracking sheet export",
		Long: `Upsert run registry rows from the lab's tracking sheet, keyed by
external run ID. Re-importing an updated sheet refreshes existing rows
without losing their links to ingested runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			in := ingest.NewIngestor(s, newLogger(cmd))
			n, err := in.ImportRegistry(context.Background(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status":  "imported",
					"entries": n,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d registry entries from %s\n", n, args[0])
			}
			return nil
		},
	}
}
