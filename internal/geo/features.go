package geo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
)

// Feature is one source record: an id, its string-typed attributes and geometry.
type Feature struct {
	ID    string
	Props map[string]string
	Geom  geom.T
}

// Prop returns the named attribute (case-insensitive), or "".
func (f Feature) Prop(name string) string {
	if v, ok := f.Props[strings.ToLower(name)]; ok {
		return v
	}
	return ""
}

// Float returns the named attribute parsed as a float.
func (f Feature) Float(name string) (float64, bool) {
	v, err := strconv.ParseFloat(f.Prop(name), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Envelope returns the feature's bounding box.
func (f Feature) Envelope() Envelope {
	return EnvelopeOf(f.Geom)
}

// ReadFeatures loads every feature from a shapefile (.shp) or GeoJSON
// (.geojson, .json) file. idField names the attribute used as feature id; when
// empty or missing, the record's position is used.
func ReadFeatures(path, idField string) ([]Feature, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return readShapefile(path, idField)
	case ".geojson", ".json":
		return readGeoJSON(path, idField)
	}
	return nil, eris.Errorf("geo: unsupported source format %q", filepath.Ext(path))
}

func readShapefile(path, idField string) ([]Feature, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ToLower(strings.TrimRight(f.String(), "\x00"))
	}
	idKey := strings.ToLower(idField)

	var out []Feature
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()
		g := FromShape(shape)
		if g == nil {
			skipped++
			continue
		}

		props := make(map[string]string, len(names))
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if val != "" {
				props[name] = val
			}
		}

		id := props[idKey]
		if id == "" {
			id = strconv.Itoa(n)
		}
		out = append(out, Feature{ID: id, Props: props, Geom: g})
	}

	if skipped > 0 {
		zap.L().Debug("geo: skipped shapefile records without usable geometry",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return out, nil
}

func readGeoJSON(path, idField string) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: read %s", path)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrapf(err, "geo: decode GeoJSON %s", path)
	}

	idKey := strings.ToLower(idField)
	out := make([]Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		props := make(map[string]string, len(f.Properties))
		for k, v := range f.Properties {
			if s := propString(v); s != "" {
				props[strings.ToLower(k)] = s
			}
		}

		id := props[idKey]
		if id == "" {
			id = f.ID
		}
		if id == "" {
			id = strconv.Itoa(i)
		}
		out = append(out, Feature{ID: id, Props: props, Geom: f.Geometry})
	}
	return out, nil
}

// propString flattens a decoded JSON property into the string form shapefile
// attributes use. Arrays are joined with ';'.
func propString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := propString(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ";")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
