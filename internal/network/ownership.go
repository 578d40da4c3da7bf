package network

import (
	"sort"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/geo"
)

type candidate struct {
	id       int64
	poly     *geom.Polygon
	env      geo.Envelope
	centroid geom.Coord
}

// ownership resolves which boundary reports a feature. It depends only on
// the feature and the candidate polygons, never on which boundary is being
// cleaned, so every boundary reaches the same answer for a shared edge.
type ownership struct {
	cands []candidate
}

func newOwnership(self boundary.Boundary, neighbors []boundary.Boundary) *ownership {
	seen := map[int64]bool{}
	o := &ownership{}
	for _, b := range append([]boundary.Boundary{self}, neighbors...) {
		if seen[b.ID] || b.Geom == nil {
			continue
		}
		seen[b.ID] = true
		o.cands = append(o.cands, candidate{id: b.ID, poly: b.Geom, env: b.Envelope(), centroid: b.Centroid()})
	}
	sort.Slice(o.cands, func(i, j int) bool { return o.cands[i].id < o.cands[j].id })
	return o
}

// edgeOwner picks, among the boundaries the edge touches, the one whose
// centroid is nearest the edge's midpoint. Ties go to the lowest id. ok is
// false when the edge touches none of them.
func (o *ownership) edgeOwner(ls *geom.LineString) (int64, bool) {
	mid := geo.Midpoint(ls)
	env := geo.EnvelopeOf(ls)

	var (
		best  int64
		bestD float64
		found bool
	)
	for _, c := range o.cands {
		if !c.env.Intersects(env) || !geo.LineIntersectsPolygon(ls, c.poly) {
			continue
		}
		if d := xy.Distance(c.centroid, mid); !found || d < bestD {
			best, bestD, found = c.id, d, true
		}
	}
	return best, found
}

// nodeOwner returns the lowest-id boundary containing c, falling back to the
// nearest centroid for nodes outside every candidate.
func (o *ownership) nodeOwner(c geom.Coord) int64 {
	for _, cand := range o.cands {
		if cand.env.Contains(c) && geo.PolygonContains(cand.poly, c) {
			return cand.id
		}
	}
	var (
		best  int64
		bestD float64
	)
	for i, cand := range o.cands {
		if d := xy.Distance(cand.centroid, c); i == 0 || d < bestD {
			best, bestD = cand.id, d
		}
	}
	return best
}
