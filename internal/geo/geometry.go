// Package geo holds the planar geometry primitives shared by the cleaner and
// the metric families, plus WKB encoding and source feature readers. All
// coordinates are assumed to be in a projected, metre-based CRS.
package geo

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/lineintersector"
)

// Envelope is an axis-aligned bounding box.
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
}

// EnvelopeOf returns the bounding box of g.
func EnvelopeOf(g geom.T) Envelope {
	b := g.Bounds()
	return Envelope{MinX: b.Min(0), MinY: b.Min(1), MaxX: b.Max(0), MaxY: b.Max(1)}
}

// Expand grows the envelope by d on every side.
func (e Envelope) Expand(d float64) Envelope {
	return Envelope{MinX: e.MinX - d, MinY: e.MinY - d, MaxX: e.MaxX + d, MaxY: e.MaxY + d}
}

// Intersects reports whether the two envelopes share any point.
func (e Envelope) Intersects(o Envelope) bool {
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

// Contains reports whether c lies inside or on the envelope.
func (e Envelope) Contains(c geom.Coord) bool {
	return c.X() >= e.MinX && c.X() <= e.MaxX && c.Y() >= e.MinY && c.Y() <= e.MaxY
}

// Distance returns the gap between c and the envelope (0 when inside).
func (e Envelope) Distance(c geom.Coord) float64 {
	dx := math.Max(math.Max(e.MinX-c.X(), 0), c.X()-e.MaxX)
	dy := math.Max(math.Max(e.MinY-c.Y(), 0), c.Y()-e.MaxY)
	return math.Hypot(dx, dy)
}

// PolygonContains reports whether c is inside the shell of p and outside every hole.
// Points on the shell count as inside.
func PolygonContains(p *geom.Polygon, c geom.Coord) bool {
	if p == nil || p.NumLinearRings() == 0 {
		return false
	}
	layout := p.Layout()
	shell := p.LinearRing(0).FlatCoords()
	if !xy.IsPointInRing(layout, c, shell) && !xy.IsOnLine(layout, c, shell) {
		return false
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(layout, c, p.LinearRing(i).FlatCoords()) {
			return false
		}
	}
	return true
}

// DistanceToPolygon returns 0 for points inside p, otherwise the distance to
// the nearest ring.
func DistanceToPolygon(p *geom.Polygon, c geom.Coord) float64 {
	if PolygonContains(p, c) {
		return 0
	}
	best := math.Inf(1)
	for i := 0; i < p.NumLinearRings(); i++ {
		d := xy.DistanceFromPointToLineString(p.Layout(), c, p.LinearRing(i).FlatCoords())
		best = math.Min(best, d)
	}
	return best
}

// Centroid returns the area centroid of p.
func Centroid(p *geom.Polygon) geom.Coord {
	return xy.PolygonsCentroid(p)
}

// FeatureCentroid returns a representative point for any supported geometry.
func FeatureCentroid(g geom.T) (geom.Coord, bool) {
	if pt, ok := g.(*geom.Point); ok {
		return geom.Coord{pt.X(), pt.Y()}, true
	}
	c, err := xy.Centroid(g)
	if err != nil || len(c) < 2 || math.IsNaN(c[0]) || math.IsNaN(c[1]) {
		return nil, false
	}
	return c, true
}

// Midpoint returns the point halfway along ls by length.
func Midpoint(ls *geom.LineString) geom.Coord {
	return PointAt(ls, ls.Length()/2)
}

// PointAt returns the point at distance m along ls, clamped to its ends.
func PointAt(ls *geom.LineString, m float64) geom.Coord {
	n := ls.NumCoords()
	if n == 0 {
		return nil
	}
	if m <= 0 {
		return cloneXY(ls.Coord(0))
	}
	var walked float64
	for i := 1; i < n; i++ {
		a, b := ls.Coord(i-1), ls.Coord(i)
		seg := xy.Distance(a, b)
		if walked+seg >= m && seg > 0 {
			t := (m - walked) / seg
			return geom.Coord{a.X() + t*(b.X()-a.X()), a.Y() + t*(b.Y()-a.Y())}
		}
		walked += seg
	}
	return cloneXY(ls.Coord(n - 1))
}

// DistanceToLine returns the distance from c to the nearest point of ls.
func DistanceToLine(ls *geom.LineString, c geom.Coord) float64 {
	if ls.NumCoords() == 1 {
		return xy.Distance(c, ls.Coord(0))
	}
	return xy.DistanceFromPointToLineString(ls.Layout(), c, ls.FlatCoords())
}

// Projection locates the nearest point of a line string to some coordinate.
type Projection struct {
	Segment int        // index of the segment's first vertex
	Point   geom.Coord // nearest point on the line
	Measure float64    // distance along the line to Point
	Offset  float64    // distance from the coordinate to Point
}

// Project returns the closest point on ls to c.
func Project(ls *geom.LineString, c geom.Coord) Projection {
	best := Projection{Offset: math.Inf(1)}
	var walked float64
	for i := 1; i < ls.NumCoords(); i++ {
		a, b := ls.Coord(i-1), ls.Coord(i)
		seg := xy.Distance(a, b)
		t := 0.0
		if seg > 0 {
			t = ((c.X()-a.X())*(b.X()-a.X()) + (c.Y()-a.Y())*(b.Y()-a.Y())) / (seg * seg)
			t = math.Max(0, math.Min(1, t))
		}
		p := geom.Coord{a.X() + t*(b.X()-a.X()), a.Y() + t*(b.Y()-a.Y())}
		if d := xy.Distance(c, p); d < best.Offset {
			best = Projection{Segment: i - 1, Point: p, Measure: walked + t*seg, Offset: d}
		}
		walked += seg
	}
	return best
}

// Cut is a split location on a line string, snapped to At.
type Cut struct {
	Projection
	At geom.Coord
}

// SplitAt cuts ls at each position in cuts (which must be sorted by Measure
// and lie strictly inside the line) and returns len(cuts)+1 pieces. Each cut
// vertex is replaced by its At coordinate so pieces meet exactly there.
func SplitAt(ls *geom.LineString, cuts []Cut) []*geom.LineString {
	pieces := make([]*geom.LineString, 0, len(cuts)+1)
	current := []float64{ls.Coord(0).X(), ls.Coord(0).Y()}
	next := 1
	for _, cut := range cuts {
		for ; next <= cut.Segment; next++ {
			current = appendDistinct(current, ls.Coord(next))
		}
		current = appendDistinct(current, cut.At)
		pieces = append(pieces, geom.NewLineStringFlat(geom.XY, current))
		current = []float64{cut.At.X(), cut.At.Y()}
	}
	for ; next < ls.NumCoords(); next++ {
		current = appendDistinct(current, ls.Coord(next))
	}
	return append(pieces, geom.NewLineStringFlat(geom.XY, current))
}

func appendDistinct(flat []float64, c geom.Coord) []float64 {
	n := len(flat)
	if n >= 2 && flat[n-2] == c.X() && flat[n-1] == c.Y() {
		return flat
	}
	return append(flat, c.X(), c.Y())
}

// SelfIntersects reports whether two non-adjacent segments of ls touch. A
// closed ring touching only at its shared endpoint does not count.
func SelfIntersects(ls *geom.LineString) bool {
	n := ls.NumCoords()
	closed := n > 3 && xy.Distance(ls.Coord(0), ls.Coord(n-1)) == 0
	for i := 1; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if closed && i == 1 && j == n-1 {
				continue
			}
			res := lineintersector.LineIntersectsLine(lineintersector.RobustLineIntersector{},
				ls.Coord(i-1), ls.Coord(i), ls.Coord(j-1), ls.Coord(j))
			if res.HasIntersection() {
				return true
			}
		}
	}
	return false
}

// LineIntersectsPolygon reports whether any part of ls lies in or crosses p.
func LineIntersectsPolygon(ls *geom.LineString, p *geom.Polygon) bool {
	if !EnvelopeOf(ls).Intersects(EnvelopeOf(p)) {
		return false
	}
	for i := 0; i < ls.NumCoords(); i++ {
		if PolygonContains(p, ls.Coord(i)) {
			return true
		}
	}
	for r := 0; r < p.NumLinearRings(); r++ {
		ring := p.LinearRing(r)
		for i := 1; i < ls.NumCoords(); i++ {
			for j := 1; j < ring.NumCoords(); j++ {
				res := lineintersector.LineIntersectsLine(lineintersector.RobustLineIntersector{},
					ls.Coord(i-1), ls.Coord(i), ring.Coord(j-1), ring.Coord(j))
				if res.HasIntersection() {
					return true
				}
			}
		}
	}
	return false
}

// WithinDistanceOfPolygon reports whether any vertex of g is within d of p,
// or whether g crosses p.
func WithinDistanceOfPolygon(g geom.T, p *geom.Polygon, d float64) bool {
	if !EnvelopeOf(g).Intersects(EnvelopeOf(p).Expand(d)) {
		return false
	}
	if ls, ok := g.(*geom.LineString); ok && LineIntersectsPolygon(ls, p) {
		return true
	}
	flat, stride := g.FlatCoords(), g.Stride()
	for i := 0; i+1 < len(flat); i += stride {
		if DistanceToPolygon(p, geom.Coord{flat[i], flat[i+1]}) <= d {
			return true
		}
	}
	return false
}

// HausdorffWithin reports whether every vertex of a lies within tol of b and
// every vertex of b lies within tol of a.
func HausdorffWithin(a, b *geom.LineString, tol float64) bool {
	for i := 0; i < a.NumCoords(); i++ {
		if DistanceToLine(b, a.Coord(i)) > tol {
			return false
		}
	}
	for i := 0; i < b.NumCoords(); i++ {
		if DistanceToLine(a, b.Coord(i)) > tol {
			return false
		}
	}
	return true
}

// Reverse returns a copy of ls with its vertex order flipped.
func Reverse(ls *geom.LineString) *geom.LineString {
	n := ls.NumCoords()
	flat := make([]float64, 0, n*2)
	for i := n - 1; i >= 0; i-- {
		c := ls.Coord(i)
		flat = append(flat, c.X(), c.Y())
	}
	return geom.NewLineStringFlat(geom.XY, flat)
}

// DistinctVertices counts vertices that differ from their predecessor.
func DistinctVertices(ls *geom.LineString) int {
	n := ls.NumCoords()
	if n == 0 {
		return 0
	}
	count := 1
	for i := 1; i < n; i++ {
		if xy.Distance(ls.Coord(i-1), ls.Coord(i)) > 0 {
			count++
		}
	}
	return count
}

func cloneXY(c geom.Coord) geom.Coord {
	return geom.Coord{c.X(), c.Y()}
}
