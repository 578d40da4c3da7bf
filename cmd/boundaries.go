package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/ingest"
)

var boundariesCmd = &cobra.Command{
	Use:   "boundaries",
	Short: "Manage the boundary catalog",
}

// -- boundaries load --

var boundariesLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load boundary polygons from a shapefile or GeoJSON into an extent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		extent, _ := cmd.Flags().GetString("extent")
		idField, _ := cmd.Flags().GetString("id-field")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s3c, err := s3Client(ctx, args)
		if err != nil {
			return err
		}
		path, err := ingest.NewResolver(cfg.Ingest.TempDir, s3c).Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		feats, err := geo.ReadFeatures(path, idField)
		if err != nil {
			return eris.Wrap(err, "boundaries load")
		}
		bs, err := boundary.FromFeatures(extent, feats, idField, time.Now().UTC())
		if err != nil {
			return err
		}
		n, err := st.UpsertBoundaries(ctx, bs)
		if err != nil {
			return eris.Wrap(err, "boundaries load")
		}

		zap.L().Info("boundaries loaded",
			zap.String("extent", extent),
			zap.Int("features", len(feats)),
			zap.Int64("upserted", n),
		)
		return nil
	},
}

// -- boundaries list --

var boundariesListCmd = &cobra.Command{
	Use:   "list <extent>",
	Short: "List the boundaries of an extent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		bs, err := st.ListBoundaries(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "boundaries list")
		}
		if len(bs) == 0 {
			fmt.Fprintln(os.Stderr, "No boundaries found.")
			return nil
		}
		formatBoundaries(os.Stdout, bs)
		return nil
	},
}

func formatBoundaries(w io.Writer, bs []boundary.Boundary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMIN X\tMIN Y\tMAX X\tMAX Y\tDEFINED")
	for _, b := range bs {
		env := b.Envelope()
		fmt.Fprintf(tw, "%d\t%.1f\t%.1f\t%.1f\t%.1f\t%s\n",
			b.ID, env.MinX, env.MinY, env.MaxX, env.MaxY, b.DefinedAt.Format(time.DateOnly))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	boundariesLoadCmd.Flags().String("extent", "", "extent group the boundaries belong to")
	boundariesLoadCmd.Flags().String("id-field", "", "integer id attribute (default: file order)")
	_ = boundariesLoadCmd.MarkFlagRequired("extent")

	boundariesCmd.AddCommand(boundariesLoadCmd)
	boundariesCmd.AddCommand(boundariesListCmd)
	rootCmd.AddCommand(boundariesCmd)
}
