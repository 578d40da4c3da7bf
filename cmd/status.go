package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/monitoring"
	"github.com/sells-group/network-metrics/internal/tracker"
)

// statusRow is one boundary's standing for a stage.
type statusRow struct {
	BoundaryID  int64      `json:"boundary_id" yaml:"boundary_id"`
	Status      string     `json:"status" yaml:"status"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	LastError   string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ClaimedBy   string     `json:"claimed_by,omitempty" yaml:"claimed_by,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty" yaml:"heartbeat_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// statusReport is what status prints and serve returns.
type statusReport struct {
	Extent     string      `json:"extent" yaml:"extent"`
	Stage      string      `json:"stage" yaml:"stage"`
	Total      int         `json:"total" yaml:"total"`
	Pending    int         `json:"pending" yaml:"pending"`
	InProgress int         `json:"in_progress" yaml:"in_progress"`
	Done       int         `json:"done" yaml:"done"`
	Failed     int         `json:"failed" yaml:"failed"`
	Boundaries []statusRow `json:"boundaries" yaml:"boundaries"`
}

func toRows(statuses []boundary.StageStatus) []statusRow {
	rows := make([]statusRow, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, statusRow{
			BoundaryID:  s.BoundaryID,
			Status:      string(s.Status),
			Attempts:    s.Attempts,
			LastError:   s.LastError,
			ClaimedBy:   s.ClaimedBy,
			HeartbeatAt: s.HeartbeatAt,
			UpdatedAt:   s.UpdatedAt,
		})
	}
	return rows
}

func buildStatusReport(ctx context.Context, st boundary.Store, extent string, stage boundary.Stage) (*statusReport, error) {
	snap, err := monitoring.NewCollector(st).CollectStage(ctx, extent, stage)
	if err != nil {
		return nil, err
	}
	statuses, err := tracker.New(st, tracker.Options{}).Statuses(ctx, stage, extent)
	if err != nil {
		return nil, err
	}
	return &statusReport{
		Extent:     extent,
		Stage:      string(stage),
		Total:      snap.Total,
		Pending:    snap.Pending,
		InProgress: snap.InProgress,
		Done:       snap.Done,
		Failed:     snap.Failed,
		Boundaries: toRows(statuses),
	}, nil
}

func formatStatusTable(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "=== %s / %s ===\n", r.Extent, r.Stage)
	fmt.Fprintf(w, "Total:        %d\n", r.Total)
	fmt.Fprintf(w, "Pending:      %d\n", r.Pending)
	fmt.Fprintf(w, "In progress:  %d\n", r.InProgress)
	fmt.Fprintf(w, "Done:         %d\n", r.Done)
	fmt.Fprintf(w, "Failed:       %d\n", r.Failed)
	if len(r.Boundaries) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BOUNDARY\tSTATUS\tATTEMPTS\tCLAIMED BY\tERROR")
	for _, b := range r.Boundaries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", b.BoundaryID, b.Status, b.Attempts, b.ClaimedBy, truncate(b.LastError, 80))
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status <extent> <stage>",
	Short: "Show per-boundary progress of a stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		stage, err := boundary.ParseStage(args[1])
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := buildStatusReport(ctx, st, args[0], stage)
		if err != nil {
			return err
		}
		switch format {
		case "table":
			formatStatusTable(os.Stdout, report)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close() //nolint:errcheck
			return eris.Wrap(enc.Encode(report), "status: encode yaml")
		default:
			return eris.Errorf("status: unknown format %q (want table or yaml)", format)
		}
		return nil
	},
}

// -- failed --

var failedCmd = &cobra.Command{
	Use:   "failed <extent> <stage>",
	Short: "List the boundaries that failed a stage and their errors",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stage, err := boundary.ParseStage(args[1])
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		failed, err := newTracker(st).Failed(ctx, stage, args[0])
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			fmt.Fprintln(os.Stderr, "No failed boundaries.")
			return nil
		}
		formatFailed(os.Stdout, failed)
		return nil
	},
}

func formatFailed(w io.Writer, failed []boundary.StageStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BOUNDARY\tATTEMPTS\tUPDATED\tERROR")
	for _, f := range failed {
		updated := "-"
		if f.UpdatedAt != nil {
			updated = f.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", f.BoundaryID, f.Attempts, updated, f.LastError)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	statusCmd.Flags().String("format", "table", "output format: table or yaml")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failedCmd)
}
