package metrics

import (
	"context"
	"math"
	"sort"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
)

// Layer names the metric families read.
const (
	LayerLandUse    = "landuse"
	LayerTrees      = "trees"
	LayerPopulation = "population"
	LayerBuildings  = "buildings"
	LayerPlaces     = "places"
)

// GreenSpace measures, per node, the straight-line distance to the nearest
// green land-use polygon and to the nearest tree-cover polygon. A node inside
// a polygon scores 0; a node with no candidate polygon gets no value.
type GreenSpace struct {
	classes map[string]bool
}

// NewGreenSpace creates the green-space family counting the given land-use
// classes as green.
func NewGreenSpace(classes []string) *GreenSpace {
	set := make(map[string]bool, len(classes))
	for _, c := range classes {
		set[c] = true
	}
	return &GreenSpace{classes: set}
}

func (g *GreenSpace) Name() string     { return "greenspace" }
func (g *GreenSpace) Layers() []string { return []string{LayerLandUse, LayerTrees} }

func (g *GreenSpace) Compute(ctx context.Context, in Input) ([]Value, error) {
	var green []*geom.Polygon
	for _, f := range in.Layers[LayerLandUse] {
		if p := geo.AsPolygon(f.Geom); p != nil && g.classes[f.Prop("class")] {
			green = append(green, p)
		}
	}
	var trees []*geom.Polygon
	for _, f := range in.Layers[LayerTrees] {
		if p := geo.AsPolygon(f.Geom); p != nil {
			trees = append(trees, p)
		}
	}
	greenIdx, treeIdx := newNearest(green), newNearest(trees)

	var out []Value
	for _, id := range in.OwnedNodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := in.Graph.Nodes[id]
		if !ok {
			continue
		}
		c := n.Coord()
		if d, ok := greenIdx.distance(c); ok {
			out = append(out, Value{Kind: KindNode, FeatureID: id, Metric: "green_distance", Value: d})
		}
		if d, ok := treeIdx.distance(c); ok {
			out = append(out, Value{Kind: KindNode, FeatureID: id, Metric: "tree_distance", Value: d})
		}
	}
	return out, nil
}

// nearest answers nearest-polygon queries, pruning by envelope distance.
type nearest struct {
	polys []*geom.Polygon
	envs  []geo.Envelope
}

func newNearest(polys []*geom.Polygon) *nearest {
	n := &nearest{polys: polys, envs: make([]geo.Envelope, len(polys))}
	for i, p := range polys {
		n.envs[i] = geo.EnvelopeOf(p)
	}
	return n
}

func (n *nearest) distance(c geom.Coord) (float64, bool) {
	if len(n.polys) == 0 {
		return 0, false
	}
	type cand struct {
		i   int
		env float64
	}
	cands := make([]cand, len(n.polys))
	for i := range n.polys {
		cands[i] = cand{i, n.envs[i].Distance(c)}
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].env < cands[b].env })

	best := math.Inf(1)
	for _, cd := range cands {
		if cd.env >= best {
			break
		}
		best = math.Min(best, geo.DistanceToPolygon(n.polys[cd.i], c))
		if best == 0 {
			break
		}
	}
	return best, true
}
