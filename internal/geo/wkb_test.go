package geo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestEncodeDecodePolygon(t *testing.T) {
	data, err := EncodeWKB(square(0, 0, 100), 3035)
	require.NoError(t, err)

	p, err := DecodePolygon(data)
	require.NoError(t, err)
	assert.Equal(t, 3035, p.SRID())
	assert.Equal(t, square(0, 0, 100).FlatCoords(), p.FlatCoords())
}

func TestDecodeLineString_WrongType(t *testing.T) {
	data, err := EncodeWKB(square(0, 0, 1), 0)
	require.NoError(t, err)

	_, err = DecodeLineString(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected linestring")
}

func TestDecodeWKB_Empty(t *testing.T) {
	_, err := DecodeWKB(nil)
	assert.Error(t, err)
}

func TestAsPolygon_LargestPart(t *testing.T) {
	mp := geom.NewMultiPolygon(geom.XY)
	require.NoError(t, mp.Push(square(0, 0, 1)))
	require.NoError(t, mp.Push(square(5, 5, 3)))
	assert.Equal(t, square(5, 5, 3).FlatCoords(), AsPolygon(mp).FlatCoords())
	assert.Nil(t, AsPolygon(line(0, 0, 1, 1)))
}

func TestFromShape(t *testing.T) {
	pt := FromShape(&shp.Point{X: 1, Y: 2})
	assert.Equal(t, []float64{1, 2}, pt.FlatCoords())

	pl := FromShape(shp.NewPolyLine([][]shp.Point{{{X: 0, Y: 0}, {X: 5, Y: 0}}}))
	ls, ok := pl.(*geom.LineString)
	require.True(t, ok)
	assert.Equal(t, []float64{0, 0, 5, 0}, ls.FlatCoords())

	multi := FromShape(shp.NewPolyLine([][]shp.Point{
		{{X: 0, Y: 0}, {X: 5, Y: 0}},
		{{X: 6, Y: 0}, {X: 9, Y: 0}},
	}))
	_, ok = multi.(*geom.MultiLineString)
	assert.True(t, ok)

	assert.Nil(t, FromShape(&shp.Null{}))
}

func TestFromShape_PolygonWithHole(t *testing.T) {
	// Shell clockwise, hole counter-clockwise.
	poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{
		{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0}},
		{{X: 4, Y: 4}, {X: 6, Y: 4}, {X: 6, Y: 6}, {X: 4, Y: 6}, {X: 4, Y: 4}},
	}))
	g := FromShape(&poly)
	p, ok := g.(*geom.Polygon)
	require.True(t, ok)
	assert.Equal(t, 2, p.NumLinearRings())
}

func TestReadFeatures_Shapefile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edges.shp")
	w, err := shp.Create(path, shp.POLYLINE)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("ID", 16), shp.StringField("CLASS", 16)}))
	w.Write(shp.NewPolyLine([][]shp.Point{{{X: 0, Y: 0}, {X: 10, Y: 0}}}))
	require.NoError(t, w.WriteAttribute(0, 0, "e1"))
	require.NoError(t, w.WriteAttribute(0, 1, "residential"))
	w.Write(shp.NewPolyLine([][]shp.Point{{{X: 10, Y: 0}, {X: 10, Y: 10}}}))
	require.NoError(t, w.WriteAttribute(1, 1, "primary"))
	w.Close()
	// go-shp v0.1.1 names the attribute sidecar "<base>dbf".
	require.NoError(t, os.Rename(filepath.Join(dir, "edgesdbf"), filepath.Join(dir, "edges.dbf")))

	feats, err := ReadFeatures(path, "id")
	require.NoError(t, err)
	require.Len(t, feats, 2)
	assert.Equal(t, "e1", feats[0].ID)
	assert.Equal(t, "residential", feats[0].Prop("CLASS"))
	assert.Equal(t, "1", feats[1].ID, "falls back to record number")
	assert.Equal(t, Envelope{10, 0, 10, 10}, feats[1].Envelope())
}

func TestReadFeatures_GeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "landuse.geojson")
	doc := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","id":"lu-1","properties":{"code_2018":"14100","pop":12.5,"flags":["is_bridge","is_tunnel"]},
	   "geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
	  {"type":"Feature","properties":{"code_2018":"12100"},
	   "geometry":{"type":"Point","coordinates":[3,4]}}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	feats, err := ReadFeatures(path, "")
	require.NoError(t, err)
	require.Len(t, feats, 2)
	assert.Equal(t, "lu-1", feats[0].ID)
	assert.Equal(t, "14100", feats[0].Prop("code_2018"))
	assert.Equal(t, "is_bridge;is_tunnel", feats[0].Prop("flags"))
	v, ok := feats[0].Float("pop")
	require.True(t, ok)
	assert.InDelta(t, 12.5, v, 1e-9)
	assert.Equal(t, "1", feats[1].ID)
}

func TestReadFeatures_UnsupportedFormat(t *testing.T) {
	_, err := ReadFeatures("boundaries.kml", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported source format")
}
