package metrics

import (
	"context"
	"math"
	"sort"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
)

// Population interpolates the population grid onto nodes by inverse distance
// weighting over the k nearest cells.
type Population struct {
	k int
}

// NewPopulation creates the population family; k <= 0 means 4.
func NewPopulation(k int) *Population {
	if k <= 0 {
		k = 4
	}
	return &Population{k: k}
}

func (p *Population) Name() string     { return "population" }
func (p *Population) Layers() []string { return []string{LayerPopulation} }

type cell struct {
	at    geom.Coord
	value float64
}

func (p *Population) Compute(ctx context.Context, in Input) ([]Value, error) {
	var cells []cell
	for _, f := range in.Layers[LayerPopulation] {
		v, ok := f.Float("value")
		if !ok {
			continue
		}
		c, ok := geo.FeatureCentroid(f.Geom)
		if !ok {
			continue
		}
		cells = append(cells, cell{at: c, value: v})
	}
	if len(cells) == 0 {
		return nil, nil
	}

	var out []Value
	for _, id := range in.OwnedNodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := in.Graph.Nodes[id]
		if !ok {
			continue
		}
		out = append(out, Value{Kind: KindNode, FeatureID: id, Metric: "population", Value: p.interpolate(n.Coord(), cells)})
	}
	return out, nil
}

func (p *Population) interpolate(c geom.Coord, cells []cell) float64 {
	type hit struct {
		d, v float64
	}
	hits := make([]hit, len(cells))
	for i, cl := range cells {
		hits[i] = hit{math.Hypot(cl.at.X()-c.X(), cl.at.Y()-c.Y()), cl.value}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	if len(hits) > p.k {
		hits = hits[:p.k]
	}
	if hits[0].d < 1e-9 {
		return hits[0].v
	}
	var num, den float64
	for _, h := range hits {
		w := 1 / (h.d * h.d)
		num += w * h.v
		den += w
	}
	return num / den
}
