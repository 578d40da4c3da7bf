package merge_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/ingest"
	"github.com/sells-group/network-metrics/internal/merge"
	"github.com/sells-group/network-metrics/internal/metrics"
	"github.com/sells-group/network-metrics/internal/network"
	"github.com/sells-group/network-metrics/internal/pipeline"
	"github.com/sells-group/network-metrics/internal/resilience"
	"github.com/sells-group/network-metrics/internal/store"
	"github.com/sells-group/network-metrics/internal/tracker"
)

const nodesJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"n1","properties":{},"geometry":{"type":"Point","coordinates":[10,50]}},
{"type":"Feature","id":"n2","properties":{},"geometry":{"type":"Point","coordinates":[40,50]}},
{"type":"Feature","id":"n3","properties":{},"geometry":{"type":"Point","coordinates":[120,50]}},
{"type":"Feature","id":"n4","properties":{},"geometry":{"type":"Point","coordinates":[180,50]}},
{"type":"Feature","id":"n5","properties":{},"geometry":{"type":"Point","coordinates":[60,30]}},
{"type":"Feature","id":"n6","properties":{},"geometry":{"type":"Point","coordinates":[130,30]}}
]}`

// e3 spans A and B with its midpoint (95, 30) inside A.
const edgesJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"e1","properties":{"class":"residential","connectors":"n1;n2"},
 "geometry":{"type":"LineString","coordinates":[[10,50],[40,50]]}},
{"type":"Feature","id":"e2","properties":{"class":"residential","connectors":"n3;n4"},
 "geometry":{"type":"LineString","coordinates":[[120,50],[180,50]]}},
{"type":"Feature","id":"e3","properties":{"class":"primary","connectors":"n5;n6"},
 "geometry":{"type":"LineString","coordinates":[[60,30],[130,30]]}}
]}`

func square(x0, y0, size float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		x0, y0, x0 + size, y0, x0 + size, y0 + size, x0, y0 + size, x0, y0,
	}, []int{10})
}

type env struct {
	st     *store.SQLiteStore
	runner *pipeline.Runner
	engine *metrics.Engine
	merger *merge.Merger
}

// setup seeds boundaries A=1, B=2 and C=3, then ingests and cleans the
// network of every one of them.
func setup(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "e2e.db"), 3035)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	_, err = st.UpsertBoundaries(ctx, []boundary.Boundary{
		{ID: 1, Extent: "grid", Geom: square(0, 0, 100), DefinedAt: time.Now()},
		{ID: 2, Extent: "grid", Geom: square(100, 0, 100), DefinedAt: time.Now()},
		{ID: 3, Extent: "grid", Geom: square(500, 0, 100), DefinedAt: time.Now()},
	})
	require.NoError(t, err)

	tr := tracker.New(st, tracker.Options{Owner: "e2e"})
	runner := pipeline.New(tr, pipeline.Options{
		Workers: 2,
		Retry:   resilience.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	})

	dir := t.TempDir()
	nodes := filepath.Join(dir, "nodes.geojson")
	edges := filepath.Join(dir, "edges.geojson")
	require.NoError(t, os.WriteFile(nodes, []byte(nodesJSON), 0o644))
	require.NoError(t, os.WriteFile(edges, []byte(edgesJSON), 0o644))

	ds, err := ingest.Lookup("network")
	require.NoError(t, err)
	in := ingest.NewStage(ds, st, ingest.Fields{}, 50)
	require.NoError(t, in.Load(ctx, ingest.NewResolver(t.TempDir(), nil), []string{nodes, edges}))
	sum, err := runner.Run(ctx, in.Job("grid", false))
	require.NoError(t, err)
	require.NoError(t, sum.Err())

	clean := network.NewStage(st, network.NewCleaner(network.Options{Tolerance: 1}), 50)
	sum, err = runner.Run(ctx, clean.Job("grid", false))
	require.NoError(t, err)
	require.NoError(t, sum.Err())
	require.Equal(t, 3, sum.Processed)

	cfg := config.MetricsConfig{BufferM: map[string]float64{"default": 500}}
	return env{
		st:     st,
		runner: runner,
		engine: metrics.NewEngine(st, cfg),
		merger: merge.NewMerger(st, tr),
	}
}

// failFor fails the wrapped family for one boundary.
type failFor struct {
	metrics.Func
	id int64
}

func (f failFor) Compute(ctx context.Context, in metrics.Input) ([]metrics.Value, error) {
	if in.Boundary.ID == f.id {
		return nil, errors.New("boom")
	}
	return f.Func.Compute(ctx, in)
}

func TestEndToEnd_SpanningEdgeOwnedByA(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	g, err := e.st.CleanedWithin(ctx, "grid", geo.Envelope{MinX: -1e6, MinY: -1e6, MaxX: 1e6, MaxY: 1e6})
	require.NoError(t, err)
	owners := make(map[int64][]string)
	for _, id := range g.EdgeIDs() {
		owners[g.Edges[id].Owner] = append(owners[g.Edges[id].Owner], id)
	}
	assert.Equal(t, map[int64][]string{1: {"e1", "e3"}, 2: {"e2"}}, owners)
	assert.Equal(t, int64(2), g.Nodes["n6"].Owner)

	_, err = e.merger.Merge(ctx, "grid", "centrality")
	var incomplete *merge.IncompleteExtentError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int64{1, 2, 3}, incomplete.Pending)

	sum, err := e.engine.Run(ctx, e.runner, metrics.NewCentrality([]float64{1000}), "grid", false)
	require.NoError(t, err)
	require.NoError(t, sum.Err())

	tbl, err := e.merger.Merge(ctx, "grid", "centrality")
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 9, 2: 9}, tbl.CountByBoundary())

	byNode := make(map[string]int64)
	for _, r := range tbl.Rows {
		assert.Equal(t, metrics.KindNode, r.Kind)
		byNode[r.FeatureID] = r.BoundaryID
	}
	assert.Equal(t, map[string]int64{"n1": 1, "n2": 1, "n5": 1, "n3": 2, "n4": 2, "n6": 2}, byNode)

	stored, err := e.st.Merged(ctx, "grid", "centrality")
	require.NoError(t, err)
	assert.Len(t, stored, len(tbl.Rows))
}

func TestEndToEnd_FailedBoundaryBlocksMergeUntilRerun(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	centrality := metrics.NewCentrality([]float64{1000})

	sum, err := e.engine.Run(ctx, e.runner, failFor{Func: centrality, id: 2}, "grid", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, sum.FailedIDs)
	assert.Error(t, sum.Err())

	_, err = e.merger.Merge(ctx, "grid", "centrality")
	var incomplete *merge.IncompleteExtentError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int64{2}, incomplete.Pending)

	failed, err := e.runner.Tracker().Failed(ctx, boundary.MetricsStage("centrality"), "grid")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "boom")

	sum, err = e.engine.Run(ctx, e.runner, centrality, "grid", false)
	require.NoError(t, err)
	require.NoError(t, sum.Err())
	assert.Equal(t, 1, sum.Processed)

	tbl, err := e.merger.Merge(ctx, "grid", "centrality")
	require.NoError(t, err)
	ids := make([]int64, 0)
	for id := range tbl.CountByBoundary() {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{1, 2}, ids)
}
