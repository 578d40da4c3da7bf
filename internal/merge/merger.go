// Package merge combines per-boundary metric records into one table per
// extent and category, attributing every feature to the boundary that owns
// it in the cleaned network.
package merge

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/tracker"
)

// IncompleteExtentError is returned when a merge is asked for before every
// boundary of the extent finished the metric stage.
type IncompleteExtentError struct {
	Extent  string
	Stage   boundary.Stage
	Pending []int64
}

func (e *IncompleteExtentError) Error() string {
	return fmt.Sprintf("merge: extent %s has %d boundaries not done for %s: %v",
		e.Extent, len(e.Pending), e.Stage, e.Pending)
}

// Merger builds merged tables.
type Merger struct {
	repo    Repository
	tracker *tracker.Tracker
	log     *zap.Logger
}

// NewMerger creates a Merger.
func NewMerger(repo Repository, tr *tracker.Tracker) *Merger {
	return &Merger{
		repo:    repo,
		tracker: tr,
		log:     zap.L().With(zap.String("component", "merge")),
	}
}

// Merge builds and stores the merged table of category over extent. Each
// record is kept only when the boundary that computed it owns the feature
// and is done with the metric stage.
func (m *Merger) Merge(ctx context.Context, extent, category string) (*Table, error) {
	stage := boundary.MetricsStage(category)
	pending, err := m.tracker.Pending(ctx, stage, extent)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: pending boundaries of %s", extent)
	}
	if len(pending) > 0 {
		ids := make([]int64, len(pending))
		for i, b := range pending {
			ids[i] = b.ID
		}
		return nil, &IncompleteExtentError{Extent: extent, Stage: stage, Pending: ids}
	}

	statuses, err := m.tracker.Statuses(ctx, stage, extent)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: statuses of %s", extent)
	}
	done := make(map[int64]bool, len(statuses))
	for _, s := range statuses {
		if s.Status == boundary.StatusDone {
			done[s.BoundaryID] = true
		}
	}

	recs, err := m.repo.OwnedRecords(ctx, extent, category)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: load %s records of %s", category, extent)
	}
	t := &Table{Extent: extent, Category: category}
	var foreign int
	for _, r := range recs {
		if r.Owner != r.BoundaryID || !done[r.BoundaryID] {
			foreign++
			continue
		}
		t.Rows = append(t.Rows, Row{
			Extent:     extent,
			Category:   category,
			Kind:       r.Kind,
			FeatureID:  r.FeatureID,
			BoundaryID: r.BoundaryID,
			Metric:     r.Metric,
			Value:      r.Value,
			ComputedAt: r.ComputedAt,
		})
	}
	sortRows(t.Rows)

	if err := m.repo.ReplaceMerged(ctx, extent, category, t.Rows); err != nil {
		return nil, eris.Wrapf(err, "merge: write merged %s of %s", category, extent)
	}
	m.log.Info("merged metrics",
		zap.String("extent", extent),
		zap.String("category", category),
		zap.Int("rows", len(t.Rows)),
		zap.Int("dropped", foreign),
	)
	return t, nil
}
