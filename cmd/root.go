package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "netmetrics",
	Short: "Resumable street network cleaning and metrics pipeline",
	Long: "Ingests street network and land-use datasets per boundary, cleans the network into a routable graph, " +
		"computes centrality, green-space, land-use and population metrics, and merges them per extent.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
