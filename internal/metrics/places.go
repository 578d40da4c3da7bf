package metrics

import (
	"context"
	"math"
	"slices"
	"strconv"

	"github.com/sells-group/network-metrics/internal/geo"
)

// Places measures access to points of interest over the street network. Each
// place is attached to its nearest node; a place counts for a node when the
// network distance to that node plus the attachment distance is within the
// cutoff. Per cutoff it reports the number of reachable places, the number of
// distinct categories and their Shannon diversity.
type Places struct {
	distances []float64
	exclude   map[string]bool
}

// NewPlaces creates the places family. An empty distance list falls back to
// 100, 500 and 1500 metres; places whose category is in exclude are ignored.
func NewPlaces(distances []float64, exclude []string) *Places {
	ds := slices.Clone(distances)
	if len(ds) == 0 {
		ds = []float64{100, 500, 1500}
	}
	slices.Sort(ds)
	set := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		set[c] = true
	}
	return &Places{distances: slices.Compact(ds), exclude: set}
}

func (p *Places) Name() string     { return "places" }
func (p *Places) Layers() []string { return []string{LayerPlaces} }

type attached struct {
	class string
	snap  float64
}

func (p *Places) Compute(ctx context.Context, in Input) ([]Value, error) {
	g := newWeighted(in.Graph)
	if len(g.ids) == 0 {
		return nil, nil
	}
	at := make([][]attached, len(g.ids))
	for _, f := range in.Layers[LayerPlaces] {
		class := f.Prop("class")
		if class == "" || p.exclude[class] {
			continue
		}
		c, ok := geo.FeatureCentroid(f.Geom)
		if !ok {
			continue
		}
		best, snap := -1, math.Inf(1)
		for i, id := range g.ids {
			n := in.Graph.Nodes[id]
			if d := math.Hypot(n.X-c.X(), n.Y-c.Y()); d < snap {
				best, snap = i, d
			}
		}
		at[best] = append(at[best], attached{class: class, snap: snap})
	}

	cutoff := p.distances[len(p.distances)-1]
	sp := newShortestPaths(len(g.ids))
	var out []Value
	for _, id := range in.OwnedNodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, ok := g.index[id]
		if !ok {
			continue
		}
		sp.run(g, s, cutoff)
		for _, d := range p.distances {
			byClass := make(map[string]float64)
			var total float64
			for _, v := range sp.order {
				for _, a := range at[v] {
					if sp.dist[v]+a.snap <= d {
						byClass[a.class]++
						total++
					}
				}
			}
			suffix := "_" + strconv.FormatFloat(d, 'f', -1, 64)
			out = append(out,
				Value{Kind: KindNode, FeatureID: id, Metric: "places_count" + suffix, Value: total},
				Value{Kind: KindNode, FeatureID: id, Metric: "places_classes" + suffix, Value: float64(len(byClass))},
				Value{Kind: KindNode, FeatureID: id, Metric: "places_shannon" + suffix, Value: shannon(byClass, total)},
			)
		}
	}
	return out, nil
}

// shannon is the Shannon diversity of the shares in weights.
func shannon(weights map[string]float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	var h float64
	for _, w := range weights {
		if w > 0 {
			share := w / total
			h -= share * math.Log(share)
		}
	}
	return h
}
