package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/merge"
	"github.com/sells-group/network-metrics/internal/metrics"
)

const sqliteOwnedRecordsSQL = `WITH owners AS (
	SELECT 'edge' AS feature_kind, e.edge_id AS feature_id, e.boundary_id AS owner
	FROM clean_edges e
	JOIN boundaries b ON b.boundary_id = e.boundary_id
	WHERE b.extent_group = ?
	UNION
	SELECT 'node', n.node_id, n.owner_boundary_id
	FROM clean_nodes n
	JOIN boundaries b ON b.boundary_id = n.boundary_id
	WHERE b.extent_group = ?
)
SELECT r.boundary_id, r.category, r.feature_kind, r.feature_id, r.metric, r.value, r.computed_at, COALESCE(o.owner, 0)
FROM metric_records r
JOIN boundaries rb ON rb.boundary_id = r.boundary_id
LEFT JOIN owners o ON o.feature_kind = r.feature_kind AND o.feature_id = r.feature_id
WHERE rb.extent_group = ? AND r.category = ?
ORDER BY r.feature_kind, r.feature_id, r.metric, r.boundary_id`

func (s *SQLiteStore) ReplaceLayer(ctx context.Context, layer string, boundaryID int64, feats []geo.Feature) error {
	rows := make([][]any, 0, len(feats))
	for _, f := range feats {
		eg, err := encodeGeom(f.Geom, s.srid)
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode %s feature %s", layer, f.ID)
		}
		rows = append(rows, []any{layer, boundaryID, f.ID, f.Prop("class"), layerValue(f), eg.wkb})
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM layer_features WHERE layer = ? AND boundary_id = ?`, layer, boundaryID); err != nil {
			return eris.Wrapf(err, "sqlite: clear layer %s", layer)
		}
		return insertRows(ctx, tx, `INSERT INTO layer_features (layer, boundary_id, feature_id, class, value, geom)
			VALUES (?, ?, ?, ?, ?, ?)`, rows)
	})
}

func (s *SQLiteStore) Layer(ctx context.Context, layer string, boundaryID int64) ([]geo.Feature, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feature_id, class, value, geom FROM layer_features
		WHERE layer = ? AND boundary_id = ? ORDER BY feature_id`, layer, boundaryID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query layer %s", layer)
	}
	defer rows.Close()

	var out []geo.Feature
	for rows.Next() {
		var (
			id, class string
			value     sql.NullFloat64
			data      []byte
		)
		if err := rows.Scan(&id, &class, &value, &data); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan layer %s", layer)
		}
		var v *float64
		if value.Valid {
			v = &value.Float64
		}
		f, err := layerFeature(id, class, v, data)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate layer %s", layer)
}

func (s *SQLiteStore) ReplaceRecords(ctx context.Context, boundaryID int64, category string, recs []metrics.Record) error {
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{r.BoundaryID, r.Category, string(r.Kind), r.FeatureID, r.Metric, r.Value, nanos(r.ComputedAt)})
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM metric_records WHERE boundary_id = ? AND category = ?`, boundaryID, category); err != nil {
			return eris.Wrap(err, "sqlite: clear metric records")
		}
		return insertRows(ctx, tx, `INSERT INTO metric_records
			(boundary_id, category, feature_kind, feature_id, metric, value, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, rows)
	})
}

func (s *SQLiteStore) OwnedRecords(ctx context.Context, extent, category string) ([]merge.OwnedRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqliteOwnedRecordsSQL, extent, extent, extent, category)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query owned records")
	}
	defer rows.Close()

	var out []merge.OwnedRecord
	for rows.Next() {
		var (
			r        merge.OwnedRecord
			kind     string
			computed int64
		)
		if err := rows.Scan(&r.BoundaryID, &r.Category, &kind, &r.FeatureID, &r.Metric, &r.Value, &computed, &r.Owner); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan owned record")
		}
		r.Kind = metrics.FeatureKind(kind)
		r.ComputedAt = fromNanos(computed)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate owned records")
}

func (s *SQLiteStore) ReplaceMerged(ctx context.Context, extent, category string, merged []merge.Row) error {
	rows := make([][]any, 0, len(merged))
	for _, r := range merged {
		rows = append(rows, []any{r.Extent, r.Category, string(r.Kind), r.FeatureID, r.BoundaryID, r.Metric, r.Value, nanos(r.ComputedAt)})
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM metric_merged WHERE extent_group = ? AND category = ?`, extent, category); err != nil {
			return eris.Wrap(err, "sqlite: clear merged")
		}
		return insertRows(ctx, tx, `INSERT INTO metric_merged
			(extent_group, category, feature_kind, feature_id, boundary_id, metric, value, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, rows)
	})
}

// Merged returns the stored merged rows of (extent, category).
func (s *SQLiteStore) Merged(ctx context.Context, extent, category string) ([]merge.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feature_kind, feature_id, boundary_id, metric, value, computed_at FROM metric_merged
		WHERE extent_group = ? AND category = ? ORDER BY feature_kind, feature_id, metric`, extent, category)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query merged")
	}
	defer rows.Close()

	var out []merge.Row
	for rows.Next() {
		r := merge.Row{Extent: extent, Category: category}
		var (
			kind     string
			computed int64
		)
		if err := rows.Scan(&kind, &r.FeatureID, &r.BoundaryID, &r.Metric, &r.Value, &computed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merged row")
		}
		r.Kind = metrics.FeatureKind(kind)
		r.ComputedAt = fromNanos(computed)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate merged")
}
