package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/merge"
	"github.com/sells-group/network-metrics/internal/metrics"
	"github.com/sells-group/network-metrics/internal/network"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, 3035)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func square(x0, y0, size float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		x0, y0, x0 + size, y0, x0 + size, y0 + size, x0, y0 + size, x0, y0,
	}, []int{10})
}

func line(coords ...float64) *geom.LineString {
	return geom.NewLineStringFlat(geom.XY, coords)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedBoundaries(t *testing.T, st *SQLiteStore) {
	t.Helper()
	n, err := st.UpsertBoundaries(context.Background(), []boundary.Boundary{
		{ID: 2, Extent: "grid", Geom: square(100, 0, 100), DefinedAt: t0},
		{ID: 1, Extent: "grid", Geom: square(0, 0, 100), DefinedAt: t0},
		{ID: 3, Extent: "other", Geom: square(500, 500, 100), DefinedAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLite_Boundaries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)

	bs, err := st.ListBoundaries(ctx, "grid")
	require.NoError(t, err)
	require.Len(t, bs, 2)
	assert.Equal(t, int64(1), bs[0].ID)
	assert.Equal(t, int64(2), bs[1].ID)
	assert.Equal(t, t0, bs[0].DefinedAt)
	assert.InDelta(t, 10000, bs[0].Geom.Area(), 1e-9)

	b, err := st.GetBoundary(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "other", b.Extent)

	_, err = st.GetBoundary(ctx, 99)
	assert.ErrorIs(t, err, boundary.ErrNotFound)

	extents, err := st.Extents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"grid", "other"}, extents)
}

func TestSQLite_UpsertBoundaries_KeepsDefinedAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)

	_, err := st.UpsertBoundaries(ctx, []boundary.Boundary{
		{ID: 1, Extent: "grid", Geom: square(0, 0, 50), DefinedAt: t0.Add(time.Hour)},
	})
	require.NoError(t, err)

	b, err := st.GetBoundary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, t0, b.DefinedAt)
	assert.InDelta(t, 2500, b.Geom.Area(), 1e-9)
}

func TestSQLite_ClaimLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)
	stage := boundary.StageClean

	status, err := st.StatusOf(ctx, 1, stage)
	require.NoError(t, err)
	assert.Equal(t, boundary.StatusPending, status)

	ok, err := st.Claim(ctx, 1, stage, "w1", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claimant loses the compare-and-swap.
	ok, err = st.Claim(ctx, 1, stage, "w2", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder may heartbeat or complete.
	ok, err = st.Heartbeat(ctx, 1, stage, "w2", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = st.Heartbeat(ctx, 1, stage, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Complete(ctx, 1, stage, "w2", t0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = st.Complete(ctx, 1, stage, "w1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// done is terminal.
	ok, err = st.Claim(ctx, 1, stage, "w3", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := st.StageStatuses(ctx, "grid", stage)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, boundary.StatusDone, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, "w1", rows[0].ClaimedBy)
	require.NotNil(t, rows[0].HeartbeatAt)
	assert.Equal(t, t0.Add(time.Minute), *rows[0].HeartbeatAt)
	assert.Equal(t, boundary.StatusPending, rows[1].Status)
	assert.Nil(t, rows[1].UpdatedAt)
}

func TestSQLite_FailThenReclaim(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)
	stage := boundary.MetricsStage("centrality")

	ok, err := st.Claim(ctx, 2, stage, "w1", t0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.Fail(ctx, 2, stage, "w1", "topology: too few nodes", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Claim(ctx, 2, stage, "w2", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err := st.StageStatuses(ctx, "grid", stage)
	require.NoError(t, err)
	assert.Equal(t, boundary.StatusInProgress, rows[1].Status)
	assert.Equal(t, 2, rows[1].Attempts)
	assert.Equal(t, "topology: too few nodes", rows[1].LastError)
}

func TestSQLite_ResetAndReleaseStale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)
	stage := boundary.StageClean

	for _, id := range []int64{1, 2, 3} {
		ok, err := st.Claim(ctx, id, stage, "w1", t0)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err := st.Heartbeat(ctx, 2, stage, "w1", t0.Add(30*time.Minute))
	require.NoError(t, err)

	n, err := st.ReleaseStale(ctx, "grid", stage, t0.Add(10*time.Minute), "stale", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	status, err := st.StatusOf(ctx, 1, stage)
	require.NoError(t, err)
	assert.Equal(t, boundary.StatusFailed, status)
	status, err = st.StatusOf(ctx, 2, stage)
	require.NoError(t, err)
	assert.Equal(t, boundary.StatusInProgress, status)
	// Other extents are untouched.
	status, err = st.StatusOf(ctx, 3, stage)
	require.NoError(t, err)
	assert.Equal(t, boundary.StatusInProgress, status)

	n, err = st.Reset(ctx, "grid", stage, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := st.StageStatuses(ctx, "grid", stage)
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, boundary.StatusPending, r.Status)
		assert.Zero(t, r.Attempts)
		assert.Empty(t, r.LastError)
		assert.Empty(t, r.ClaimedBy)
	}
}

func TestSQLite_RawNetworkRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)

	nodes := []network.RawNode{{ID: "n2", X: 10, Y: 0, Source: "overture"}, {ID: "n1", X: 0, Y: 0, Source: "overture"}}
	edges := []network.RawEdge{{
		ID: "e1", Connectors: []string{"n1", "n2"}, Class: "residential",
		Flags: []string{"is_bridge"}, Source: "overture", Geom: line(0, 0, 10, 0),
	}}
	require.NoError(t, st.ReplaceRaw(ctx, 1, nodes, edges))

	gotNodes, gotEdges, err := st.RawNetwork(ctx, 1)
	require.NoError(t, err)
	require.Len(t, gotNodes, 2)
	assert.Equal(t, "n1", gotNodes[0].ID)
	require.Len(t, gotEdges, 1)
	assert.Equal(t, []string{"n1", "n2"}, gotEdges[0].Connectors)
	assert.Equal(t, []string{"is_bridge"}, gotEdges[0].Flags)
	assert.Equal(t, []float64{0, 0, 10, 0}, gotEdges[0].Geom.FlatCoords())

	// Replacing drops rows that are no longer delivered.
	require.NoError(t, st.ReplaceRaw(ctx, 1, nodes[:1], nil))
	gotNodes, gotEdges, err = st.RawNetwork(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, gotNodes, 1)
	assert.Empty(t, gotEdges)
}

func cleanedGraph(t *testing.T, boundaryID int64, owner int64, edgeID string, from, to *network.Node) *network.Graph {
	t.Helper()
	g := network.NewGraph(boundaryID)
	g.AddNode(from)
	g.AddNode(to)
	ls := line(from.X, from.Y, to.X, to.Y)
	require.NoError(t, g.AddEdge(&network.Edge{
		ID: edgeID, From: from.ID, To: to.ID, Class: "residential", Length: ls.Length(), Geom: ls, Owner: owner,
	}))
	return g
}

func TestSQLite_CleanedWithin(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)

	require.NoError(t, st.ReplaceCleaned(ctx, cleanedGraph(t, 1, 1, "a",
		&network.Node{ID: "n1", X: 10, Y: 10, Owner: 1}, &network.Node{ID: "n2", X: 90, Y: 10, Owner: 1})))
	require.NoError(t, st.ReplaceCleaned(ctx, cleanedGraph(t, 2, 2, "b",
		&network.Node{ID: "n2", X: 90, Y: 10, Owner: 1}, &network.Node{ID: "n3", X: 150, Y: 10, Owner: 2})))

	g, err := st.CleanedWithin(ctx, "grid", geo.Envelope{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.EdgeIDs())
	assert.Equal(t, []string{"n1", "n2", "n3"}, g.NodeIDs())
	assert.Equal(t, int64(1), g.Nodes["n2"].Owner)
	assert.Equal(t, int64(2), g.Edges["b"].Owner)
	assert.NoError(t, g.Validate())

	g, err = st.CleanedWithin(ctx, "grid", geo.Envelope{MinX: 0, MinY: 0, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.EdgeIDs())
	assert.Equal(t, []string{"n1", "n2"}, g.NodeIDs())

	g, err = st.CleanedWithin(ctx, "other", geo.Envelope{MinX: 0, MinY: 0, MaxX: 50, MaxY: 50})
	require.NoError(t, err)
	assert.Empty(t, g.Edges)
}

func TestSQLite_Layers(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)

	feats := []geo.Feature{
		{ID: "p1", Props: map[string]string{"class": "14100"}, Geom: square(10, 10, 5)},
		{ID: "c1", Props: map[string]string{"value": "42.5"}, Geom: geom.NewPointFlat(geom.XY, []float64{5, 5})},
	}
	require.NoError(t, st.ReplaceLayer(ctx, "landuse", 1, feats))

	got, err := st.Layer(ctx, "landuse", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	v, ok := got[0].Float("value")
	assert.True(t, ok)
	assert.InDelta(t, 42.5, v, 1e-9)
	assert.Equal(t, "14100", got[1].Prop("class"))
	_, ok = got[1].Float("value")
	assert.False(t, ok)

	got, err = st.Layer(ctx, "trees", 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_OwnedRecordsAndMerged(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedBoundaries(t, st)

	require.NoError(t, st.ReplaceCleaned(ctx, cleanedGraph(t, 1, 1, "a",
		&network.Node{ID: "n1", X: 10, Y: 10, Owner: 1}, &network.Node{ID: "n2", X: 90, Y: 10, Owner: 1})))

	recs := []metrics.Record{
		{BoundaryID: 1, Category: "centrality", Kind: metrics.KindNode, FeatureID: "n1", Metric: "reach_500", Value: 1, ComputedAt: t0},
		{BoundaryID: 1, Category: "centrality", Kind: metrics.KindEdge, FeatureID: "a", Metric: "length", Value: 80, ComputedAt: t0},
		{BoundaryID: 1, Category: "centrality", Kind: metrics.KindNode, FeatureID: "ghost", Metric: "reach_500", Value: 3, ComputedAt: t0},
	}
	require.NoError(t, st.ReplaceRecords(ctx, 1, "centrality", recs))

	owned, err := st.OwnedRecords(ctx, "grid", "centrality")
	require.NoError(t, err)
	require.Len(t, owned, 3)
	assert.Equal(t, "a", owned[0].FeatureID)
	assert.Equal(t, int64(1), owned[0].Owner)
	assert.Equal(t, "ghost", owned[1].FeatureID)
	assert.Equal(t, int64(0), owned[1].Owner)
	assert.Equal(t, t0, owned[2].ComputedAt)

	// Recomputing replaces the category for the boundary wholesale.
	require.NoError(t, st.ReplaceRecords(ctx, 1, "centrality", recs[:1]))
	owned, err = st.OwnedRecords(ctx, "grid", "centrality")
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	rows := []merge.Row{{Extent: "grid", Category: "centrality", Kind: metrics.KindNode, FeatureID: "n1",
		BoundaryID: 1, Metric: "reach_500", Value: 1, ComputedAt: t0}}
	require.NoError(t, st.ReplaceMerged(ctx, "grid", "centrality", rows))
	require.NoError(t, st.ReplaceMerged(ctx, "grid", "centrality", rows))
	got, err := st.Merged(ctx, "grid", "centrality")
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}
