package metrics

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/monitoring"
	"github.com/sells-group/network-metrics/internal/pipeline"
)

// Engine runs metric families per boundary and persists their records.
type Engine struct {
	repo   Repository
	buffer func(category string) float64
	now    func() time.Time
	log    *zap.Logger
}

// NewEngine creates an Engine reading context buffers from cfg.
func NewEngine(repo Repository, cfg config.MetricsConfig) *Engine {
	return &Engine{
		repo:   repo,
		buffer: cfg.BufferFor,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "metrics")),
	}
}

// Compute runs fn for b and atomically replaces b's records for the category.
// Values for features b does not own are dropped.
func (e *Engine) Compute(ctx context.Context, b boundary.Boundary, fn Func) ([]Record, error) {
	category := fn.Name()
	buffer := e.buffer(category)

	env := b.Envelope().Expand(buffer)

	g, err := e.repo.CleanedWithin(ctx, b.Extent, env)
	if err != nil {
		return nil, eris.Wrapf(err, "metrics: load graph context for boundary %d", b.ID)
	}
	owned := make(map[Key]bool)
	for id, n := range g.Nodes {
		if n.Owner == b.ID {
			owned[Key{KindNode, id}] = true
		}
	}
	for id, ed := range g.Edges {
		if ed.Owner == b.ID {
			owned[Key{KindEdge, id}] = true
		}
	}

	layers := make(map[string][]geo.Feature, len(fn.Layers()))
	for _, name := range fn.Layers() {
		feats, err := e.repo.Layer(ctx, name, b.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "metrics: load layer %s for boundary %d", name, b.ID)
		}
		layers[name] = within(feats, env)
	}

	values, err := fn.Compute(ctx, Input{
		Boundary: b,
		Graph:    g,
		Owned:    owned,
		Layers:   layers,
		Buffer:   buffer,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "metrics: compute %s for boundary %d", category, b.ID)
	}

	now := e.now().UTC()
	recs := make([]Record, 0, len(values))
	type slot struct {
		key    Key
		metric string
	}
	seen := make(map[slot]bool, len(values))
	var foreign, nonFinite int
	for _, v := range values {
		k := Key{v.Kind, v.FeatureID}
		if !owned[k] {
			foreign++
			continue
		}
		if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
			nonFinite++
			continue
		}
		s := slot{k, v.Metric}
		if seen[s] {
			return nil, eris.Errorf("metrics: %s returned %s twice for %s %s", category, v.Metric, v.Kind, v.FeatureID)
		}
		seen[s] = true
		recs = append(recs, Record{
			BoundaryID: b.ID,
			Category:   category,
			Kind:       v.Kind,
			FeatureID:  v.FeatureID,
			Metric:     v.Metric,
			Value:      v.Value,
			ComputedAt: now,
		})
	}
	if nonFinite > 0 {
		e.log.Warn("dropped non-finite metric values",
			zap.Int64("boundary_id", b.ID), zap.String("category", category), zap.Int("count", nonFinite))
	}

	if err := e.repo.ReplaceRecords(ctx, b.ID, category, recs); err != nil {
		return nil, eris.Wrapf(err, "metrics: write %s records for boundary %d", category, b.ID)
	}
	monitoring.RecordMetricRecords(category, len(recs))
	e.log.Debug("computed metrics",
		zap.Int64("boundary_id", b.ID),
		zap.String("category", category),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)),
		zap.Int("records", len(recs)),
		zap.Int("foreign", foreign),
	)
	return recs, nil
}

// within keeps the features whose envelope meets env. Ingest stores a wider
// margin than any metric buffer, so layers are cut down here.
func within(feats []geo.Feature, env geo.Envelope) []geo.Feature {
	out := feats[:0:0]
	for _, f := range feats {
		if f.Geom != nil && f.Envelope().Intersects(env) {
			out = append(out, f)
		}
	}
	return out
}

// Job returns the pipeline job computing fn for every pending boundary of
// extent. Each auxiliary layer fn reads must have been ingested first.
func (e *Engine) Job(fn Func, extent string, drop bool) pipeline.Job {
	var requires []boundary.Stage
	for _, l := range fn.Layers() {
		requires = append(requires, boundary.IngestStage(l))
	}
	return pipeline.Job{
		Stage:    boundary.MetricsStage(fn.Name()),
		Extent:   extent,
		Requires: requires,
		Drop:     drop,
		Process: func(ctx context.Context, b boundary.Boundary) error {
			_, err := e.Compute(ctx, b, fn)
			return err
		},
	}
}

// Run computes fn over extent with r.
func (e *Engine) Run(ctx context.Context, r *pipeline.Runner, fn Func, extent string, drop bool) (pipeline.Summary, error) {
	return r.Run(ctx, e.Job(fn, extent, drop))
}
