package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/boundary"
)

// StageSnapshot is a point-in-time count of one stage's catalog rows in one extent.
type StageSnapshot struct {
	Extent     string    `json:"extent"`
	Stage      string    `json:"stage"`
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	InProgress int       `json:"in_progress"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	FailRate   float64   `json:"fail_rate"`
	Retried    int       `json:"retried"`
	Collected  time.Time `json:"collected_at"`
}

// Finished counts boundaries that reached a terminal state on their last attempt.
func (s StageSnapshot) Finished() int { return s.Done + s.Failed }

// Collector reads stage progress from the boundary catalog.
type Collector struct {
	store boundary.Store
}

// NewCollector creates a new catalog collector.
func NewCollector(st boundary.Store) *Collector {
	return &Collector{store: st}
}

// Collect snapshots every requested stage of every extent in the catalog and
// refreshes the netmetrics_boundary_status gauge.
func (c *Collector) Collect(ctx context.Context, stages []boundary.Stage) ([]StageSnapshot, error) {
	extents, err := c.store.Extents(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list extents")
	}

	now := time.Now().UTC()
	var snaps []StageSnapshot
	for _, extent := range extents {
		for _, stage := range stages {
			snap, err := c.CollectStage(ctx, extent, stage)
			if err != nil {
				return nil, err
			}
			snap.Collected = now
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}

// CollectStage snapshots a single (extent, stage).
func (c *Collector) CollectStage(ctx context.Context, extent string, stage boundary.Stage) (StageSnapshot, error) {
	rows, err := c.store.StageStatuses(ctx, extent, stage)
	if err != nil {
		return StageSnapshot{}, eris.Wrapf(err, "monitoring: statuses for %s/%s", extent, stage)
	}

	snap := StageSnapshot{Extent: extent, Stage: string(stage), Total: len(rows), Collected: time.Now().UTC()}
	for _, r := range rows {
		switch r.Status {
		case boundary.StatusPending:
			snap.Pending++
		case boundary.StatusInProgress:
			snap.InProgress++
		case boundary.StatusDone:
			snap.Done++
		case boundary.StatusFailed:
			snap.Failed++
		}
		if r.Attempts > 1 {
			snap.Retried++
		}
	}
	if f := snap.Finished(); f > 0 {
		snap.FailRate = float64(snap.Failed) / float64(f)
	}

	boundaryStatus.WithLabelValues(extent, snap.Stage, string(boundary.StatusPending)).Set(float64(snap.Pending))
	boundaryStatus.WithLabelValues(extent, snap.Stage, string(boundary.StatusInProgress)).Set(float64(snap.InProgress))
	boundaryStatus.WithLabelValues(extent, snap.Stage, string(boundary.StatusDone)).Set(float64(snap.Done))
	boundaryStatus.WithLabelValues(extent, snap.Stage, string(boundary.StatusFailed)).Set(float64(snap.Failed))
	return snap, nil
}
