package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/network-metrics/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <dataset> <extent>",
	Short: "Clip a raw dataset into every pending boundary of an extent",
	Long: "Parses the dataset sources once, then writes each boundary's features (plus ingest.buffer_m of context) " +
		"to the store. Datasets: " + strings.Join(ingest.Names(), ", ") + ". " +
		"The network dataset takes two --source flags: nodes first, then edges.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ds, err := ingest.Lookup(args[0])
		if err != nil {
			return err
		}
		sources, _ := cmd.Flags().GetStringArray("source")
		workers, drop := stageFlags(cmd)

		st, err := openStore(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s3c, err := s3Client(ctx, sources)
		if err != nil {
			return err
		}
		stage := ingest.NewStage(ds, st, ingestFields(cmd), cfg.Ingest.BufferM)
		if err := stage.Load(ctx, ingest.NewResolver(cfg.Ingest.TempDir, s3c), sources); err != nil {
			return err
		}

		return finishRun(newRunner(st, workers).Run(ctx, stage.Job(args[1], drop)))
	},
}

// s3Client connects to object storage only when a URI needs it.
func s3Client(ctx context.Context, uris []string) (ingest.ObjectGetter, error) {
	for _, u := range uris {
		if strings.HasPrefix(u, "s3://") {
			c, err := ingest.NewS3Client(ctx, cfg.Ingest.S3)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	return nil, nil
}

func ingestFields(cmd *cobra.Command) ingest.Fields {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return ingest.Fields{
		ID:         get("id-field"),
		Class:      get("class-field"),
		Value:      get("value-field"),
		Connectors: get("connectors-field"),
		Flags:      get("flags-field"),
		Source:     get("source-field"),
	}
}

func init() {
	d := ingest.DefaultFields()
	ingestCmd.Flags().StringArray("source", nil, "source URI (path, file://, s3:// or http(s)://); repeat per source role")
	ingestCmd.Flags().String("id-field", d.ID, "feature id attribute")
	ingestCmd.Flags().String("class-field", d.Class, "class attribute (network class, land-use code)")
	ingestCmd.Flags().String("value-field", d.Value, "numeric value attribute (population)")
	ingestCmd.Flags().String("connectors-field", d.Connectors, "edge connector list attribute")
	ingestCmd.Flags().String("flags-field", d.Flags, "edge flag list attribute")
	ingestCmd.Flags().String("source-field", d.Source, "source dataset attribute")
	_ = ingestCmd.MarkFlagRequired("source")
	addStageFlags(ingestCmd)
	rootCmd.AddCommand(ingestCmd)
}
