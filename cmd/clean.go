package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/network-metrics/internal/network"
)

var cleanCmd = &cobra.Command{
	Use:   "clean <extent>",
	Short: "Clean the raw network of every pending boundary into a routable graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		workers, drop := stageFlags(cmd)
		st, err := openStore(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cleaner := network.NewCleaner(network.OptionsFromConfig(cfg.Network))
		stage := network.NewStage(st, cleaner, cfg.Ingest.BufferM)
		return finishRun(newRunner(st, workers).Run(ctx, stage.Job(args[0], drop)))
	},
}

func init() {
	addStageFlags(cleanCmd)
	rootCmd.AddCommand(cleanCmd)
}
