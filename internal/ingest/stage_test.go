package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/network"
)

type memStore struct {
	mu     sync.Mutex
	nodes  map[int64][]network.RawNode
	edges  map[int64][]network.RawEdge
	layers map[string][]geo.Feature
}

func newMemStore() *memStore {
	return &memStore{
		nodes:  make(map[int64][]network.RawNode),
		edges:  make(map[int64][]network.RawEdge),
		layers: make(map[string][]geo.Feature),
	}
}

func (m *memStore) ReplaceRaw(_ context.Context, id int64, nodes []network.RawNode, edges []network.RawEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[id] = nodes
	m.edges[id] = edges
	return nil
}

func (m *memStore) ReplaceLayer(_ context.Context, layer string, id int64, feats []geo.Feature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[layer] = feats
	return nil
}

func writeSource(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const nodesJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"n1","properties":{},"geometry":{"type":"Point","coordinates":[10,50]}},
{"type":"Feature","id":"n2","properties":{"source":"osm"},"geometry":{"type":"Point","coordinates":[90,50]}},
{"type":"Feature","id":"n3","properties":{},"geometry":{"type":"Point","coordinates":[5000,50]}},
{"type":"Feature","id":"n4","properties":{},"geometry":{"type":"Point","coordinates":[20000,50]}}
]}`

const edgesJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"e1","properties":{"class":"residential","connectors":["n1","n2"]},
 "geometry":{"type":"LineString","coordinates":[[10,50],[90,50]]}},
{"type":"Feature","id":"e2","properties":{"class":"primary","connectors":"n2;n3","is_tunnel":true},
 "geometry":{"type":"LineString","coordinates":[[90,50],[5000,50]]}},
{"type":"Feature","id":"e3","properties":{"class":"primary","connectors":["n4","n5"]},
 "geometry":{"type":"LineString","coordinates":[[20000,50],[20100,50]]}},
{"type":"Feature","id":"e1","properties":{"class":"duplicate"},
 "geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]}}
]}`

func square(id int64, x0, y0, size float64) boundary.Boundary {
	return boundary.Boundary{
		ID:     id,
		Extent: "grid",
		Geom: geom.NewPolygonFlat(geom.XY, []float64{
			x0, y0, x0 + size, y0, x0 + size, y0 + size, x0, y0 + size, x0, y0,
		}, []int{10}),
	}
}

func TestLookup(t *testing.T) {
	ds, err := Lookup("network")
	require.NoError(t, err)
	assert.Equal(t, KindNetwork, ds.Kind)
	assert.Equal(t, []string{"nodes", "edges"}, ds.Sources)

	ds, err = Lookup("places")
	require.NoError(t, err)
	assert.Equal(t, KindPoints, ds.Kind)

	_, err = Lookup("noise")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network, landuse, trees, population, buildings, places")
}

func TestParseConnectors(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a;b;c", []string{"a", "b", "c"}},
		{" a ; ;b", []string{"a", "b"}},
		{`["a","b"]`, []string{"a", "b"}},
		{`[{"connector_id":"a","at":0},{"connector_id":"b","at":1}]`, []string{"a", "b"}},
		{`{"at":0,"connector_id":"a"};{"at":1,"connector_id":"b"}`, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseConnectors(tt.in))
		})
	}
}

func TestParseFlags(t *testing.T) {
	f := geo.Feature{Props: map[string]string{"flags": "is_bridge; private", "is_tunnel": "true", "is_link": "false"}}
	assert.Equal(t, []string{"is_bridge", "is_tunnel", "private"}, parseFlags(f, "flags"))
	assert.Nil(t, parseFlags(geo.Feature{}, "flags"))
}

func TestStage_NetworkClipsWithReferencedNodes(t *testing.T) {
	dir := t.TempDir()
	nodes := writeSource(t, dir, "nodes.geojson", nodesJSON)
	edges := writeSource(t, dir, "edges.geojson", edgesJSON)
	ds, err := Lookup("network")
	require.NoError(t, err)

	st := newMemStore()
	s := NewStage(ds, st, Fields{}, 100)
	require.NoError(t, s.Load(context.Background(), NewResolver(t.TempDir(), nil), []string{nodes, edges}))
	require.NoError(t, s.Process(context.Background(), square(1, 0, 0, 100)))

	got := st.edges[1]
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "residential", got[0].Class)
	assert.Equal(t, []string{"n1", "n2"}, got[0].Connectors)
	assert.Equal(t, "e2", got[1].ID)
	assert.Equal(t, []string{"n2", "n3"}, got[1].Connectors)
	assert.Equal(t, []string{"is_tunnel"}, got[1].Flags)

	// n3 lies far outside the clip envelope but e2 needs it.
	var ids []string
	for _, n := range st.nodes[1] {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"n1", "n2", "n3"}, ids)
	assert.Equal(t, "osm", st.nodes[1][1].Source)
	assert.Equal(t, "network", st.nodes[1][0].Source)
}

func TestStage_LoadRejectsWrongSourceCount(t *testing.T) {
	ds, err := Lookup("network")
	require.NoError(t, err)
	err = NewStage(ds, newMemStore(), Fields{}, 100).Load(context.Background(), NewResolver(t.TempDir(), nil), []string{"a.geojson"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "takes 2 sources")
}

func TestStage_ProcessBeforeLoad(t *testing.T) {
	ds, err := Lookup("trees")
	require.NoError(t, err)
	err = NewStage(ds, newMemStore(), Fields{}, 100).Process(context.Background(), square(1, 0, 0, 100))
	assert.ErrorContains(t, err, "not loaded")
}

func TestStage_PopulationPolygonsBecomeCentroids(t *testing.T) {
	dir := t.TempDir()
	cells := writeSource(t, dir, "pop.geojson", `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"c1","properties":{"pop":42},"geometry":{"type":"Polygon","coordinates":[[[0,0],[100,0],[100,100],[0,100],[0,0]]]}},
{"type":"Feature","id":"c2","properties":{"pop":7},"geometry":{"type":"Point","coordinates":[9000,9000]}}
]}`)
	ds, err := Lookup("population")
	require.NoError(t, err)

	st := newMemStore()
	s := NewStage(ds, st, Fields{Value: "pop"}, 10)
	require.NoError(t, s.Load(context.Background(), NewResolver(t.TempDir(), nil), []string{cells}))
	require.NoError(t, s.Process(context.Background(), square(1, 0, 0, 100)))

	feats := st.layers["population"]
	require.Len(t, feats, 1)
	pt, ok := feats[0].Geom.(*geom.Point)
	require.True(t, ok)
	assert.InDelta(t, 50, pt.X(), 1e-9)
	assert.InDelta(t, 50, pt.Y(), 1e-9)
	v, ok := feats[0].Float("value")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
}

func TestStage_LanduseKeepsClass(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "ua.geojson", `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"p1","properties":{"code_2018":"14100"},"geometry":{"type":"Polygon","coordinates":[[[10,10],[40,10],[40,40],[10,40],[10,10]]]}},
{"type":"Feature","id":"p2","properties":{"code_2018":"11100"},"geometry":{"type":"Point","coordinates":[20,20]}}
]}`)
	ds, err := Lookup("landuse")
	require.NoError(t, err)

	st := newMemStore()
	s := NewStage(ds, st, Fields{Class: "code_2018"}, 10)
	require.NoError(t, s.Load(context.Background(), NewResolver(t.TempDir(), nil), []string{src}))
	require.NoError(t, s.Process(context.Background(), square(1, 0, 0, 100)))

	feats := st.layers["landuse"]
	require.Len(t, feats, 1)
	assert.Equal(t, "p1", feats[0].ID)
	assert.Equal(t, "14100", feats[0].Prop("class"))
}

func TestStage_PlacesKeepCategory(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "places.geojson", `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"cafe","properties":{"main_cat":"eat_and_drink"},"geometry":{"type":"Point","coordinates":[20,20]}},
{"type":"Feature","id":"mall","properties":{"main_cat":"retail"},"geometry":{"type":"Polygon","coordinates":[[[60,60],[80,60],[80,80],[60,80],[60,60]]]}},
{"type":"Feature","id":"far","properties":{"main_cat":"retail"},"geometry":{"type":"Point","coordinates":[9000,9000]}}
]}`)
	ds, err := Lookup("places")
	require.NoError(t, err)

	st := newMemStore()
	s := NewStage(ds, st, Fields{Class: "main_cat"}, 10)
	require.NoError(t, s.Load(context.Background(), NewResolver(t.TempDir(), nil), []string{src}))
	require.NoError(t, s.Process(context.Background(), square(1, 0, 0, 100)))

	feats := st.layers["places"]
	require.Len(t, feats, 2)
	classes := map[string]string{}
	for _, f := range feats {
		_, ok := f.Geom.(*geom.Point)
		assert.True(t, ok, f.ID)
		classes[f.ID] = f.Prop("class")
	}
	assert.Equal(t, map[string]string{"cafe": "eat_and_drink", "mall": "retail"}, classes)
}

func TestStage_Job(t *testing.T) {
	ds, err := Lookup("trees")
	require.NoError(t, err)
	job := NewStage(ds, newMemStore(), Fields{}, 10).Job("grid", true)
	assert.Equal(t, boundary.IngestStage("trees"), job.Stage)
	assert.Equal(t, "grid", job.Extent)
	assert.True(t, job.Drop)
	assert.NotNil(t, job.Process)
}

func TestEnvIndex_Query(t *testing.T) {
	idx := newEnvIndex(10)
	idx.insert(0, geo.Envelope{MinX: 0, MinY: 0, MaxX: 5, MaxY: 5})
	idx.insert(1, geo.Envelope{MinX: 0, MinY: 0, MaxX: 95, MaxY: 2})
	idx.insert(2, geo.Envelope{MinX: 50, MinY: 50, MaxX: 60, MaxY: 60})

	assert.Equal(t, []int{0, 1}, idx.query(geo.Envelope{MinX: 1, MinY: 1, MaxX: 3, MaxY: 3}))
	assert.Equal(t, []int{1}, idx.query(geo.Envelope{MinX: 80, MinY: 0, MaxX: 81, MaxY: 1}))
	assert.Empty(t, idx.query(geo.Envelope{MinX: 200, MinY: 200, MaxX: 201, MaxY: 201}))
}
