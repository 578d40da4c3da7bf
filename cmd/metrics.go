package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/network-metrics/internal/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics <category> <extent>",
	Short: "Compute a metric category for every pending boundary of an extent",
	Long: "Computes one metric family per boundary over the cleaned network within metrics.buffer_m of it. " +
		"Categories: centrality, greenspace, landuse, morphology, places, population.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg, err := metrics.Builtins(cfg.Metrics)
		if err != nil {
			return err
		}
		fn, err := reg.Get(args[0])
		if err != nil {
			return err
		}
		workers, drop := stageFlags(cmd)

		st, err := openStore(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine := metrics.NewEngine(st, cfg.Metrics)
		return finishRun(engine.Run(ctx, newRunner(st, workers), fn, args[1], drop))
	},
}

func init() {
	addStageFlags(metricsCmd)
	rootCmd.AddCommand(metricsCmd)
}
