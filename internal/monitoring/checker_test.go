package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := &statusStore{extents: []string{"grid"}}
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		Stages:               []string{"clean"},
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_IgnoresUnknownStages(t *testing.T) {
	cfg := config.MonitoringConfig{Stages: []string{"clean", "bogus", "metrics:centrality"}}
	checker := NewChecker(NewCollector(&statusStore{}), NewAlerter(cfg), cfg)
	assert.Equal(t, []boundary.Stage{boundary.StageClean, boundary.MetricsStage("centrality")}, checker.stages)
}

func TestChecker_CheckRemembersSnapshots(t *testing.T) {
	st := &statusStore{
		extents: []string{"check-grid"},
		rows: map[string][]boundary.StageStatus{
			"check-grid/clean": rows(boundary.StatusInProgress, boundary.StatusDone),
		},
	}
	cfg := config.MonitoringConfig{Stages: []string{"clean"}}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg)

	checker.check(context.Background(), zap.NewNop())
	assert.Contains(t, checker.prev, "check-grid/clean")
	assert.Equal(t, 1, checker.prev["check-grid/clean"].InProgress)
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&statusStore{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
