package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
)

// Checker runs periodic catalog checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	stages    []boundary.Stage
	prev      map[string]StageSnapshot
}

// NewChecker creates a background catalog checker. Unparseable stage names
// in cfg are logged and ignored.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		prev:      make(map[string]StageSnapshot),
	}
	for _, s := range cfg.Stages {
		stage, err := boundary.ParseStage(s)
		if err != nil {
			zap.L().Warn("monitoring: ignoring stage", zap.String("stage", s), zap.Error(err))
			continue
		}
		c.stages = append(c.stages, stage)
	}
	return c
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting catalog checker",
		zap.Duration("interval", interval),
		zap.Int("stages", len(c.stages)),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("catalog checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snaps, err := c.collector.Collect(ctx, c.stages)
	if err != nil {
		log.Error("monitoring: failed to collect catalog status", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snaps, c.prev)
	for _, s := range snaps {
		c.prev[snapshotKey(s)] = s
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
