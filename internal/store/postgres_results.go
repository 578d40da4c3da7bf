package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/db"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/merge"
	"github.com/sells-group/network-metrics/internal/metrics"
)

var (
	layerCols  = []string{"layer", "boundary_id", "feature_id", "class", "value", "geom"}
	recordCols = []string{"boundary_id", "category", "feature_kind", "feature_id", "metric", "value", "computed_at"}
	mergedCols = []string{"extent_group", "category", "feature_kind", "feature_id", "boundary_id", "metric", "value", "computed_at"}
)

// pgOwnedRecordsSQL joins each record to the owner of its feature: edges are
// owned by the boundary that wrote them, nodes carry their owner explicitly.
const pgOwnedRecordsSQL = `WITH owners AS (
	SELECT 'edge' AS feature_kind, e.edge_id AS feature_id, e.boundary_id AS owner
	FROM overture.clean_edges e
	JOIN netmetrics.boundaries b ON b.boundary_id = e.boundary_id
	WHERE b.extent_group = $1
	UNION
	SELECT 'node', n.node_id, n.owner_boundary_id
	FROM overture.clean_nodes n
	JOIN netmetrics.boundaries b ON b.boundary_id = n.boundary_id
	WHERE b.extent_group = $1
)
SELECT r.boundary_id, r.category, r.feature_kind, r.feature_id, r.metric, r.value, r.computed_at, COALESCE(o.owner, 0)
FROM netmetrics.metric_records r
JOIN netmetrics.boundaries rb ON rb.boundary_id = r.boundary_id
LEFT JOIN owners o ON o.feature_kind = r.feature_kind AND o.feature_id = r.feature_id
WHERE rb.extent_group = $1 AND r.category = $2
ORDER BY r.feature_kind, r.feature_id, r.metric, r.boundary_id`

func (s *PostgresStore) ReplaceLayer(ctx context.Context, layer string, boundaryID int64, feats []geo.Feature) error {
	rows := make([][]any, 0, len(feats))
	for _, f := range feats {
		eg, err := encodeGeom(f.Geom, s.srid)
		if err != nil {
			return eris.Wrapf(err, "postgres: encode %s feature %s", layer, f.ID)
		}
		rows = append(rows, []any{layer, boundaryID, f.ID, f.Prop("class"), layerValue(f), eg.wkb})
	}
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := db.ReplaceScoped(ctx, tx, "netmetrics", "layer_features",
			"layer = $1 AND boundary_id = $2", []any{layer, boundaryID}, layerCols, rows)
		return err
	})
}

func (s *PostgresStore) Layer(ctx context.Context, layer string, boundaryID int64) ([]geo.Feature, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT feature_id, class, value, geom FROM netmetrics.layer_features
		WHERE layer = $1 AND boundary_id = $2 ORDER BY feature_id`, layer, boundaryID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query layer %s", layer)
	}
	defer rows.Close()

	var out []geo.Feature
	for rows.Next() {
		var (
			id, class string
			value     *float64
			data      []byte
		)
		if err := rows.Scan(&id, &class, &value, &data); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan layer %s", layer)
		}
		f, err := layerFeature(id, class, value, data)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate layer %s", layer)
}

func (s *PostgresStore) ReplaceRecords(ctx context.Context, boundaryID int64, category string, recs []metrics.Record) error {
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{r.BoundaryID, r.Category, string(r.Kind), r.FeatureID, r.Metric, r.Value, r.ComputedAt.UTC()})
	}
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := db.ReplaceScoped(ctx, tx, "netmetrics", "metric_records",
			"boundary_id = $1 AND category = $2", []any{boundaryID, category}, recordCols, rows)
		return err
	})
}

func (s *PostgresStore) OwnedRecords(ctx context.Context, extent, category string) ([]merge.OwnedRecord, error) {
	rows, err := s.pool.Query(ctx, pgOwnedRecordsSQL, extent, category)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query owned records")
	}
	defer rows.Close()

	var out []merge.OwnedRecord
	for rows.Next() {
		var (
			r    merge.OwnedRecord
			kind string
		)
		if err := rows.Scan(&r.BoundaryID, &r.Category, &kind, &r.FeatureID, &r.Metric, &r.Value, &r.ComputedAt, &r.Owner); err != nil {
			return nil, eris.Wrap(err, "postgres: scan owned record")
		}
		r.Kind = metrics.FeatureKind(kind)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate owned records")
}

func (s *PostgresStore) ReplaceMerged(ctx context.Context, extent, category string, merged []merge.Row) error {
	rows := make([][]any, 0, len(merged))
	for _, r := range merged {
		rows = append(rows, []any{r.Extent, r.Category, string(r.Kind), r.FeatureID, r.BoundaryID, r.Metric, r.Value, r.ComputedAt.UTC()})
	}
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := db.ReplaceScoped(ctx, tx, "netmetrics", "metric_merged",
			"extent_group = $1 AND category = $2", []any{extent, category}, mergedCols, rows)
		return err
	})
}
