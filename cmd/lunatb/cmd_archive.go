package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JoergBesier/LUNA-device-detector/internal/archive"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export, import, and prune experiment archives",
	}
	cmd.AddCommand(
		newArchiveExportCmd(),
		newArchiveImportCmd(),
		newArchiveListCmd(),
		newArchivePruneCmd(),
	)
	return cmd
}

func newArchiveExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <experiment-id>",
		Short: "Write an experiment and its results to an archive file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			out, _ := cmd.Flags().GetString("out")

			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			path := out
			if path == "" {
				path = filepath.Join(dir, archive.FileName(args[0], time.Now()))
			}

			header, err := archive.Export(cmd.Context(), s, args[0], path)
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status":       "exported",
					"path":         path,
					"experiment":   header.ExperimentID,
					"result_count": header.ResultCount,
					"checksum":     header.Checksum,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported experiment %s (%d results) to %s\n",
				header.ExperimentID, header.ResultCount, path)
			return nil
		},
	}
	cmd.Flags().String("dir", "archives", "Directory for generated archive files")
	cmd.Flags().String("out", "", "Explicit output path (overrides --dir)")
	return cmd
}

func newArchiveImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive-file>",
		Short: "Restore an archive into the database",
		Long: `Restore an archived experiment into the database. Results already
present locally keep priority; the archive only fills gaps.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := archive.Import(cmd.Context(), s, args[0])
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status":     "imported",
					"experiment": stats.ExperimentID,
					"imported":   stats.Imported,
					"skipped":    stats.Skipped,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported experiment %s: %d results restored, %d already present\n",
				stats.ExperimentID, stats.Imported, stats.Skipped)
			return nil
		},
	}
}

func newArchiveListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archive files",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			archives, err := archive.List(dir)
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				out := make([]map[string]any, 0, len(archives))
				for _, a := range archives {
					out = append(out, map[string]any{
						"path":         a.Path,
						"size":         a.Size,
						"created_at":   a.CreatedAt,
						"experiment":   a.ExperimentID,
						"result_count": a.ResultCount,
					})
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}

			if len(archives) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No archives found. Use 'lunatb archive export' to create one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tEXPERIMENT\tRESULTS\tSIZE\tCREATED")
			for _, a := range archives {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					filepath.Base(a.Path), a.ExperimentID, a.ResultCount, a.Size,
					a.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("dir", "archives", "Directory holding archive files")
	return cmd
}

func newArchivePruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old archives by count, age, or total size",
		Long: `Delete archive files not kept by the retention policy. An archive
survives if ANY given limit keeps it, so combining --keep and
--max-age keeps the union.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			keep, _ := cmd.Flags().GetInt("keep")
			maxAge, _ := cmd.Flags().GetString("max-age")
			maxSize, _ := cmd.Flags().GetString("max-size")

			var policies []archive.RetentionPolicy
			if keep > 0 {
				policies = append(policies, &archive.CountPolicy{MaxCount: keep})
			}
			if maxAge != "" {
				age, err := archive.ParseDuration(maxAge)
				if err != nil {
					return err
				}
				policies = append(policies, &archive.AgePolicy{MaxAge: age})
			}
			if maxSize != "" {
				size, err := archive.ParseSize(maxSize)
				if err != nil {
					return err
				}
				policies = append(policies, &archive.SizePolicy{MaxTotalBytes: size})
			}
			if len(policies) == 0 {
				return fmt.Errorf("no retention limit given (use --keep, --max-age, or --max-size)")
			}

			deleted, err := archive.ApplyRetention(dir, &archive.CompositePolicy{Policies: policies})
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				names := make([]string, 0, len(deleted))
				for _, p := range deleted {
					names = append(names, filepath.Base(p))
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status":  "pruned",
					"deleted": names,
				})
			}
			if len(deleted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
				return nil
			}
			for _, p := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", filepath.Base(p))
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "archives", "Directory holding archive files")
	cmd.Flags().Int("keep", 0, "Keep the N newest archives")
	cmd.Flags().String("max-age", "", "Keep archives newer than this (e.g. 30d, 2w, 720h)")
	cmd.Flags().String("max-size", "", "Keep archives until total size exceeds this (e.g. 500MB)")
	return cmd
}
