package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/merge"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <category> <extent>",
	Short: "Merge a metric category across an extent once every boundary is done",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		category, extent := args[0], args[1]
		out, _ := cmd.Flags().GetString("out")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tbl, err := merge.NewMerger(st, newTracker(st)).Merge(ctx, extent, category)
		if err != nil {
			var incomplete *merge.IncompleteExtentError
			if errors.As(err, &incomplete) {
				fmt.Fprintf(os.Stderr, "%d boundaries not done; run `netmetrics metrics %s %s` first\n",
					len(incomplete.Pending), category, extent)
			}
			return err
		}

		if out == "" {
			fmt.Printf("Merged %d rows from %d boundaries.\n", len(tbl.Rows), len(tbl.CountByBoundary()))
			return nil
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrap(err, "merge: create output")
		}
		if err := tbl.WriteCSV(f); err != nil {
			f.Close() //nolint:errcheck
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "merge: close output")
		}
		zap.L().Info("merged table written", zap.String("path", out), zap.Int("rows", len(tbl.Rows)))
		return nil
	},
}

func init() {
	mergeCmd.Flags().String("out", "", "write the merged table as CSV to this path")
	rootCmd.AddCommand(mergeCmd)
}
