package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/JoergBesier/LUNA-device-detector/internal/logging"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
	"github.com/JoergBesier/LUNA-device-detector/internal/store"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lunatb",
		Short: "LUNA testbench - wetness detection experiments on recorded runs",
		Long: `lunatb manages recorded sensor runs, ground-truth labels, and
detection experiments for the LUNA wetness device.

It ingests lab log files, applies deterministic perturbations to the
recorded series, runs detection algorithms over the resulting grid, and
scores them against labeled events.`,
	}

	// Global flags
	rootCmd.PersistentFlags().String("db", "lunatb.db", "Path to the testbench database")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (error, warn, info, debug)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newIngestCmd(),
		newImportLabelsCmd(),
		newImportRegistryCmd(),
		newRunsCmd(),
		newSimulateCmd(),
		newRunCmd(),
		newReportCmd(),
		newArchiveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "lunatb version %s\n", version)
			}
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the testbench database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")

			s, err := store.Open(dbPath, signal.DefaultDerivationConfig())
			if err != nil {
				return err
			}
			defer s.Close()

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"status": "initialized",
					"db":     dbPath,
				})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Initialized testbench database at %s\n", dbPath)
			}
			return nil
		},
	}
}

// openStore opens the database named by the global --db flag.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	return store.Open(dbPath, signal.DefaultDerivationConfig())
}

// newLogger builds the operational logger from the global --log-level flag.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.NewLogger(level, cmd.ErrOrStderr())
}
