package store

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
)

// encodedGeom is a geometry column value plus its bounding box.
type encodedGeom struct {
	wkb []byte
	env geo.Envelope
}

func encodeGeom(g geom.T, srid int) (encodedGeom, error) {
	if g == nil {
		return encodedGeom{}, eris.New("store: nil geometry")
	}
	data, err := geo.EncodeWKB(g, srid)
	if err != nil {
		return encodedGeom{}, err
	}
	return encodedGeom{wkb: data, env: geo.EnvelopeOf(g)}, nil
}

// layerValue maps the optional numeric "value" attribute to a nullable column.
func layerValue(f geo.Feature) any {
	if v, ok := f.Float("value"); ok {
		return v
	}
	return nil
}

func layerFeature(id, class string, value *float64, data []byte) (geo.Feature, error) {
	g, err := geo.DecodeWKB(data)
	if err != nil {
		return geo.Feature{}, eris.Wrapf(err, "store: layer feature %s", id)
	}
	props := map[string]string{}
	if class != "" {
		props["class"] = class
	}
	if value != nil {
		props["value"] = strconv.FormatFloat(*value, 'f', -1, 64)
	}
	return geo.Feature{ID: id, Props: props, Geom: g}, nil
}
