package geo

import (
	"math"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
)

// EncodeWKB serializes g as little-endian EWKB carrying srid.
func EncodeWKB(g geom.T, srid int) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	if srid > 0 {
		var err error
		g, err = withSRID(g, srid)
		if err != nil {
			return nil, err
		}
	}
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode WKB")
	}
	return data, nil
}

// DecodeWKB parses EWKB (or plain WKB) bytes.
func DecodeWKB(data []byte) (geom.T, error) {
	if len(data) == 0 {
		return nil, eris.New("geo: decode WKB: empty geometry")
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "geo: decode WKB")
	}
	return g, nil
}

// DecodePolygon parses WKB that must hold a Polygon or a single-part MultiPolygon.
func DecodePolygon(data []byte) (*geom.Polygon, error) {
	g, err := DecodeWKB(data)
	if err != nil {
		return nil, err
	}
	if p := AsPolygon(g); p != nil {
		return p, nil
	}
	return nil, eris.Errorf("geo: expected polygon, got %T", g)
}

// DecodeLineString parses WKB that must hold a LineString.
func DecodeLineString(data []byte) (*geom.LineString, error) {
	g, err := DecodeWKB(data)
	if err != nil {
		return nil, err
	}
	if ls := AsLineString(g); ls != nil {
		return ls, nil
	}
	return nil, eris.Errorf("geo: expected linestring, got %T", g)
}

// AsPolygon returns g as a Polygon. For a MultiPolygon the largest part wins.
func AsPolygon(g geom.T) *geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		return t
	case *geom.MultiPolygon:
		var best *geom.Polygon
		for i := 0; i < t.NumPolygons(); i++ {
			p := t.Polygon(i)
			if best == nil || math.Abs(p.Area()) > math.Abs(best.Area()) {
				best = p
			}
		}
		return best
	}
	return nil
}

// AsLineString returns g as a LineString; a single-part MultiLineString is unwrapped.
func AsLineString(g geom.T) *geom.LineString {
	switch t := g.(type) {
	case *geom.LineString:
		return t
	case *geom.MultiLineString:
		if t.NumLineStrings() == 1 {
			return t.LineString(0)
		}
	}
	return nil
}

func withSRID(g geom.T, srid int) (geom.T, error) {
	switch t := g.(type) {
	case *geom.Point:
		return t.SetSRID(srid), nil
	case *geom.LineString:
		return t.SetSRID(srid), nil
	case *geom.MultiLineString:
		return t.SetSRID(srid), nil
	case *geom.Polygon:
		return t.SetSRID(srid), nil
	case *geom.MultiPolygon:
		return t.SetSRID(srid), nil
	}
	return nil, eris.Errorf("geo: unsupported geometry %T", g)
}

// FromShape converts a go-shp shape into a go-geom geometry. Single-part
// lines and polygons come back unwrapped. Unsupported or empty shapes return nil.
func FromShape(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.PolyLine:
		return fromPolyLine(s.Parts, s.Points)
	case *shp.Polygon:
		return fromShapePolygon(s.Parts, s.Points)
	}
	return nil
}

// partRanges yields the [start, end) point range of every shapefile part.
func partRanges(parts []int32, n int) [][2]int {
	out := make([][2]int, 0, len(parts))
	for i, start := range parts {
		end := n
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if int(start) < end {
			out = append(out, [2]int{int(start), end})
		}
	}
	return out
}

func flatPoints(points []shp.Point) []float64 {
	flat := make([]float64, 0, len(points)*2)
	for _, p := range points {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}

func fromPolyLine(parts []int32, points []shp.Point) geom.T {
	mls := geom.NewMultiLineString(geom.XY)
	for _, r := range partRanges(parts, len(points)) {
		ls := geom.NewLineStringFlat(geom.XY, flatPoints(points[r[0]:r[1]]))
		if err := mls.Push(ls); err != nil {
			zap.L().Debug("geo: skipping malformed line part", zap.Error(err))
		}
	}
	switch mls.NumLineStrings() {
	case 0:
		return nil
	case 1:
		return mls.LineString(0)
	}
	return mls
}

// fromShapePolygon groups rings by orientation: shapefile shells are
// clockwise, holes counter-clockwise and follow their shell.
func fromShapePolygon(parts []int32, points []shp.Point) geom.T {
	mp := geom.NewMultiPolygon(geom.XY)
	var current *geom.Polygon
	flush := func() {
		if current == nil {
			return
		}
		if err := mp.Push(current); err != nil {
			zap.L().Debug("geo: skipping malformed polygon part", zap.Error(err))
		}
		current = nil
	}

	for _, r := range partRanges(parts, len(points)) {
		flat := flatPoints(points[r[0]:r[1]])
		ring := geom.NewLinearRingFlat(geom.XY, flat)
		if current == nil || ring.Area() != 0 && signedArea(flat) < 0 {
			flush()
			current = geom.NewPolygon(geom.XY)
		}
		if err := current.Push(ring); err != nil {
			zap.L().Debug("geo: skipping malformed ring", zap.Error(err))
		}
	}
	flush()

	switch mp.NumPolygons() {
	case 0:
		return nil
	case 1:
		return mp.Polygon(0)
	}
	return mp
}

// signedArea is negative for clockwise rings.
func signedArea(flat []float64) float64 {
	var sum float64
	for i := 0; i+3 < len(flat); i += 2 {
		sum += flat[i]*flat[i+3] - flat[i+2]*flat[i+1]
	}
	return sum / 2
}
