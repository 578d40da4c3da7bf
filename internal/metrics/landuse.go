package metrics

import (
	"context"
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
)

// LandUse scores the land-use mix around each node: the Shannon diversity of
// class areas and the number of distinct classes among polygons whose
// centroid lies within the radius.
type LandUse struct {
	radius float64
}

// NewLandUse creates the land-use family; a non-positive radius means 500 m.
func NewLandUse(radius float64) *LandUse {
	if radius <= 0 {
		radius = 500
	}
	return &LandUse{radius: radius}
}

func (l *LandUse) Name() string     { return "landuse" }
func (l *LandUse) Layers() []string { return []string{LayerLandUse} }

type classedArea struct {
	class    string
	area     float64
	centroid geom.Coord
}

func (l *LandUse) Compute(ctx context.Context, in Input) ([]Value, error) {
	var polys []classedArea
	for _, f := range in.Layers[LayerLandUse] {
		p := geo.AsPolygon(f.Geom)
		class := f.Prop("class")
		if p == nil || class == "" {
			continue
		}
		polys = append(polys, classedArea{class: class, area: math.Abs(p.Area()), centroid: geo.Centroid(p)})
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
		shannon, classes := l.mix(n.Coord(), polys)
		out = append(out,
			Value{Kind: KindNode, FeatureID: id, Metric: "landuse_shannon", Value: shannon},
			Value{Kind: KindNode, FeatureID: id, Metric: "landuse_classes", Value: float64(classes)},
		)
	}
	return out, nil
}

func (l *LandUse) mix(c geom.Coord, polys []classedArea) (float64, int) {
	byClass := make(map[string]float64)
	var total float64
	for _, p := range polys {
		if math.Hypot(p.centroid.X()-c.X(), p.centroid.Y()-c.Y()) > l.radius {
			continue
		}
		byClass[p.class] += p.area
		total += p.area
	}
	return shannon(byClass, total), len(byClass)
}
