// Package ingest loads raw source datasets and clips them per boundary into
// the store, one resumable ingest:<dataset> stage per dataset.
package ingest

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/network"
)

// Kind says how a dataset's features are stored.
type Kind int

const (
	// KindNetwork datasets become raw nodes and edges.
	KindNetwork Kind = iota
	// KindPolygons datasets become layer polygons, optionally classed.
	KindPolygons
	// KindPoints datasets become valued layer points; polygons are reduced to
	// their centroid.
	KindPoints
)

// Dataset describes one raw dataset.
type Dataset struct {
	Name string
	Kind Kind
	// Sources lists the role of every source URI the dataset takes, in order.
	Sources []string
}

var datasets = []Dataset{
	{Name: "network", Kind: KindNetwork, Sources: []string{"nodes", "edges"}},
	{Name: "landuse", Kind: KindPolygons, Sources: []string{"polygons"}},
	{Name: "trees", Kind: KindPolygons, Sources: []string{"polygons"}},
	{Name: "population", Kind: KindPoints, Sources: []string{"cells"}},
	{Name: "buildings", Kind: KindPolygons, Sources: []string{"polygons"}},
	{Name: "places", Kind: KindPoints, Sources: []string{"points"}},
}

// Lookup returns the named dataset.
func Lookup(name string) (Dataset, error) {
	for _, d := range datasets {
		if d.Name == name {
			return d, nil
		}
	}
	return Dataset{}, eris.Errorf("ingest: unknown dataset %q (want one of %s)", name, strings.Join(Names(), ", "))
}

// Names lists the known datasets.
func Names() []string {
	out := make([]string, len(datasets))
	for i, d := range datasets {
		out[i] = d.Name
	}
	return out
}

// Fields maps source attributes onto what the store keeps.
type Fields struct {
	ID         string
	Class      string
	Value      string
	Connectors string
	Flags      string
	Source     string
}

// DefaultFields matches Overture-style attribute names.
func DefaultFields() Fields {
	return Fields{
		ID:         "id",
		Class:      "class",
		Value:      "value",
		Connectors: "connectors",
		Flags:      "flags",
		Source:     "source",
	}
}

func (f Fields) withDefaults() Fields {
	d := DefaultFields()
	if f.ID == "" {
		f.ID = d.ID
	}
	if f.Class == "" {
		f.Class = d.Class
	}
	if f.Value == "" {
		f.Value = d.Value
	}
	if f.Connectors == "" {
		f.Connectors = d.Connectors
	}
	if f.Flags == "" {
		f.Flags = d.Flags
	}
	if f.Source == "" {
		f.Source = d.Source
	}
	return f
}

// toRawNodes keeps point features as connectors.
func toRawNodes(feats []geo.Feature, fields Fields, defaultSource string) []network.RawNode {
	out := make([]network.RawNode, 0, len(feats))
	for _, f := range feats {
		pt, ok := f.Geom.(*geom.Point)
		if !ok {
			continue
		}
		src := f.Prop(fields.Source)
		if src == "" {
			src = defaultSource
		}
		out = append(out, network.RawNode{ID: f.ID, X: pt.X(), Y: pt.Y(), Source: src})
	}
	return out
}

// toRawEdges keeps line features as street segments. Multi-part lines are
// skipped; the cleaner only accepts single lines.
func toRawEdges(feats []geo.Feature, fields Fields, defaultSource string) (edges []network.RawEdge, skipped int) {
	edges = make([]network.RawEdge, 0, len(feats))
	for _, f := range feats {
		ls := geo.AsLineString(f.Geom)
		if ls == nil {
			skipped++
			continue
		}
		src := f.Prop(fields.Source)
		if src == "" {
			src = defaultSource
		}
		edges = append(edges, network.RawEdge{
			ID:         f.ID,
			Connectors: ParseConnectors(f.Prop(fields.Connectors)),
			Class:      f.Prop(fields.Class),
			Flags:      parseFlags(f, fields.Flags),
			Source:     src,
			Geom:       ls,
		})
	}
	return edges, skipped
}

// ParseConnectors reads a connector list stored as "a;b;c", as a JSON array
// of ids, or as Overture connector objects ({"connector_id": ..., "at": ...}).
func ParseConnectors(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(s), &raw); err == nil {
			out := make([]string, 0, len(raw))
			for _, r := range raw {
				if id := connectorID(string(r)); id != "" {
					out = append(out, id)
				}
			}
			return out
		}
	}
	var out []string
	for _, part := range strings.Split(s, ";") {
		if id := connectorID(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func connectorID(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "{"):
		var obj struct {
			ConnectorID string `json:"connector_id"`
		}
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return ""
		}
		return obj.ConnectorID
	case strings.HasPrefix(s, `"`):
		var id string
		if err := json.Unmarshal([]byte(s), &id); err != nil {
			return ""
		}
		return id
	}
	return s
}

// parseFlags merges the explicit flags list with every boolean attribute set
// to true (is_tunnel, is_bridge, ...). The result is sorted.
func parseFlags(f geo.Feature, field string) []string {
	set := make(map[string]bool)
	for _, part := range strings.Split(f.Prop(field), ";") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	for k, v := range f.Props {
		if strings.EqualFold(v, "true") {
			set[k] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// toLayer normalises features of a polygon or point dataset onto the
// class/value attributes the store keeps.
func toLayer(kind Kind, feats []geo.Feature, fields Fields) (out []geo.Feature, skipped int) {
	out = make([]geo.Feature, 0, len(feats))
	for _, f := range feats {
		g := f.Geom
		switch kind {
		case KindPolygons:
			if poly := geo.AsPolygon(g); poly != nil {
				g = poly
			} else {
				skipped++
				continue
			}
		case KindPoints:
			if _, ok := g.(*geom.Point); !ok {
				c, ok := geo.FeatureCentroid(g)
				if !ok {
					skipped++
					continue
				}
				g = geom.NewPointFlat(geom.XY, []float64{c.X(), c.Y()})
			}
		}

		props := make(map[string]string, 2)
		if v := f.Prop(fields.Class); v != "" {
			props["class"] = v
		}
		if v := f.Prop(fields.Value); v != "" {
			props["value"] = v
		}
		out = append(out, geo.Feature{ID: f.ID, Props: props, Geom: g})
	}
	return out, skipped
}
