package metrics

import (
	"context"
	"math"
	"slices"
	"strconv"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
)

// Morphology summarises the building fabric around each node. For every
// radius it reports the number of buildings whose centroid lies within it and
// the mean footprint area, perimeter, circular compactness and orientation.
type Morphology struct {
	distances []float64
}

// NewMorphology creates the morphology family. An empty list falls back to
// 100, 500 and 1500 metres.
func NewMorphology(distances []float64) *Morphology {
	ds := slices.Clone(distances)
	if len(ds) == 0 {
		ds = []float64{100, 500, 1500}
	}
	slices.Sort(ds)
	return &Morphology{distances: slices.Compact(ds)}
}

func (m *Morphology) Name() string     { return "morphology" }
func (m *Morphology) Layers() []string { return []string{LayerBuildings} }

type footprint struct {
	centroid    geom.Coord
	area        float64
	perimeter   float64
	compactness float64
	orientation float64
}

func newFootprint(p *geom.Polygon) (footprint, bool) {
	area := math.Abs(p.Area())
	shell := p.LinearRing(0)
	perimeter := shell.Length()
	if area <= 0 || perimeter <= 0 {
		return footprint{}, false
	}
	return footprint{
		centroid:    geo.Centroid(p),
		area:        area,
		perimeter:   perimeter,
		compactness: 4 * math.Pi * area / (perimeter * perimeter),
		orientation: orientation(shell),
	}, true
}

// orientation is the bearing of the longest shell side folded into [0, 45]
// degrees, so that a footprint and its 90 degree rotation score the same.
func orientation(shell *geom.LinearRing) float64 {
	flat := shell.FlatCoords()
	stride := shell.Stride()
	var best, angle float64
	for i := 0; i+stride < len(flat); i += stride {
		dx := flat[i+stride] - flat[i]
		dy := flat[i+stride+1] - flat[i+1]
		if l := math.Hypot(dx, dy); l > best {
			best = l
			angle = math.Atan2(dy, dx) * 180 / math.Pi
		}
	}
	a := math.Mod(angle, 90)
	if a < 0 {
		a += 90
	}
	if a > 45 {
		a = 90 - a
	}
	return a
}

func (m *Morphology) Compute(ctx context.Context, in Input) ([]Value, error) {
	var fps []footprint
	for _, f := range in.Layers[LayerBuildings] {
		p := geo.AsPolygon(f.Geom)
		if p == nil {
			continue
		}
		if fp, ok := newFootprint(p); ok {
			fps = append(fps, fp)
		}
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
		c := n.Coord()
		for _, d := range m.distances {
			var count, area, perimeter, compactness, orient float64
			for _, fp := range fps {
				if math.Hypot(fp.centroid.X()-c.X(), fp.centroid.Y()-c.Y()) > d {
					continue
				}
				count++
				area += fp.area
				perimeter += fp.perimeter
				compactness += fp.compactness
				orient += fp.orientation
			}
			suffix := "_" + strconv.FormatFloat(d, 'f', -1, 64)
			out = append(out, Value{Kind: KindNode, FeatureID: id, Metric: "building_count" + suffix, Value: count})
			if count == 0 {
				continue
			}
			out = append(out,
				Value{Kind: KindNode, FeatureID: id, Metric: "building_area" + suffix, Value: area / count},
				Value{Kind: KindNode, FeatureID: id, Metric: "building_perimeter" + suffix, Value: perimeter / count},
				Value{Kind: KindNode, FeatureID: id, Metric: "building_compactness" + suffix, Value: compactness / count},
				Value{Kind: KindNode, FeatureID: id, Metric: "building_orientation" + suffix, Value: orient / count},
			)
		}
	}
	return out, nil
}
