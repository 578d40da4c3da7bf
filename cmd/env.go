package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/monitoring"
	"github.com/sells-group/network-metrics/internal/pipeline"
	"github.com/sells-group/network-metrics/internal/store"
	"github.com/sells-group/network-metrics/internal/tracker"
)

// openStore validates cfg for mode and connects to the configured backend.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store, cfg.Network.SRID)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

func newTracker(st store.Store) *tracker.Tracker {
	return tracker.New(st, tracker.Options{
		StaleAfter:     cfg.Pipeline.StaleAfter(),
		HeartbeatEvery: cfg.Pipeline.HeartbeatInterval(),
	})
}

// newRunner builds the stage runner; workers <= 0 uses pipeline.workers.
func newRunner(st store.Store, workers int) *pipeline.Runner {
	return pipeline.New(newTracker(st), pipeline.OptionsFromConfig(cfg.Pipeline, workers))
}

// finishRun exports telemetry and turns failed boundaries into a non-zero exit.
func finishRun(sum pipeline.Summary, runErr error) error {
	if path := cfg.Telemetry.Textfile; path != "" {
		if err := monitoring.WriteTextfile(path); err != nil {
			zap.L().Warn("telemetry export failed", zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}
	return sum.Err()
}

func addStageFlags(cmd *cobra.Command) {
	cmd.Flags().Int("parallel_workers", 0, "worker pool size (default pipeline.workers, 0 = CPU count)")
	cmd.Flags().Bool("drop", false, "reset every boundary of the extent to pending before running")
}

func stageFlags(cmd *cobra.Command) (workers int, drop bool) {
	workers, _ = cmd.Flags().GetInt("parallel_workers")
	drop, _ = cmd.Flags().GetBool("drop")
	return workers, drop
}
