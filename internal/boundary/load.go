package boundary

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/geo"
)

// FromFeatures turns polygon features into boundaries of one extent. Ids come
// from the idField attribute when it parses as an integer; otherwise features
// are numbered from 1 in file order. Non-polygon features are skipped.
func FromFeatures(extent string, feats []geo.Feature, idField string, now time.Time) ([]Boundary, error) {
	if extent == "" {
		return nil, eris.New("boundary: extent is required")
	}

	out := make([]Boundary, 0, len(feats))
	seen := make(map[int64]bool, len(feats))
	for i, f := range feats {
		poly := geo.AsPolygon(f.Geom)
		if poly == nil {
			zap.L().Warn("boundary: skipping non-polygon feature", zap.String("feature_id", f.ID))
			continue
		}

		id := int64(i + 1)
		if idField != "" {
			v, err := strconv.ParseInt(f.Prop(idField), 10, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "boundary: feature %s has no integer %s", f.ID, idField)
			}
			id = v
		}
		if seen[id] {
			return nil, eris.Errorf("boundary: duplicate boundary id %d", id)
		}
		seen[id] = true

		out = append(out, Boundary{ID: id, Extent: extent, Geom: poly, DefinedAt: now})
	}

	SortByID(out)
	return out, nil
}
