package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/db"
	"github.com/sells-group/network-metrics/internal/geo"
)

const (
	pgClaimSQL = `INSERT INTO netmetrics.boundary_status AS s
	(boundary_id, stage, status, attempt_count, claimed_by, heartbeat_at, updated_at)
VALUES ($1, $2, 'in_progress', 1, $3, $4, $4)
ON CONFLICT (boundary_id, stage) DO UPDATE SET
	status = 'in_progress',
	attempt_count = s.attempt_count + 1,
	claimed_by = EXCLUDED.claimed_by,
	heartbeat_at = EXCLUDED.heartbeat_at,
	updated_at = EXCLUDED.updated_at
WHERE s.status IN ('pending', 'failed')`

	pgHeartbeatSQL = `UPDATE netmetrics.boundary_status SET heartbeat_at = $4, updated_at = $4
WHERE boundary_id = $1 AND stage = $2 AND status = 'in_progress' AND claimed_by = $3`

	pgCompleteSQL = `UPDATE netmetrics.boundary_status SET status = 'done', last_error = NULL, updated_at = $4
WHERE boundary_id = $1 AND stage = $2 AND status = 'in_progress' AND claimed_by = $3`

	pgFailSQL = `UPDATE netmetrics.boundary_status SET status = 'failed', last_error = $4, updated_at = $5
WHERE boundary_id = $1 AND stage = $2 AND status = 'in_progress' AND claimed_by = $3`

	pgStatusOfSQL = `SELECT status FROM netmetrics.boundary_status WHERE boundary_id = $1 AND stage = $2`

	pgResetSQL = `UPDATE netmetrics.boundary_status SET
	status = 'pending', attempt_count = 0, last_error = NULL, claimed_by = NULL, heartbeat_at = NULL, updated_at = $3
WHERE stage = $2 AND boundary_id IN (SELECT boundary_id FROM netmetrics.boundaries WHERE extent_group = $1)`

	pgReleaseStaleSQL = `UPDATE netmetrics.boundary_status SET status = 'failed', last_error = $4, updated_at = $5
WHERE stage = $2 AND status = 'in_progress' AND (heartbeat_at IS NULL OR heartbeat_at < $3)
	AND boundary_id IN (SELECT boundary_id FROM netmetrics.boundaries WHERE extent_group = $1)`

	pgStageStatusesSQL = `SELECT b.boundary_id, b.extent_group,
	COALESCE(s.status, 'pending'), COALESCE(s.attempt_count, 0), COALESCE(s.last_error, ''),
	COALESCE(s.claimed_by, ''), s.heartbeat_at, s.updated_at
FROM netmetrics.boundaries b
LEFT JOIN netmetrics.boundary_status s ON s.boundary_id = b.boundary_id AND s.stage = $2
WHERE b.extent_group = $1
ORDER BY b.boundary_id`
)

var boundaryUpsert = db.UpsertConfig{
	Table:        "netmetrics.boundaries",
	Columns:      []string{"boundary_id", "extent_group", "geom", "minx", "miny", "maxx", "maxy", "defined_at"},
	ConflictKeys: []string{"boundary_id"},
	UpdateCols:   []string{"extent_group", "geom", "minx", "miny", "maxx", "maxy"},
}

func (s *PostgresStore) UpsertBoundaries(ctx context.Context, bs []boundary.Boundary) (int64, error) {
	rows := make([][]any, 0, len(bs))
	for _, b := range bs {
		eg, err := encodeGeom(b.Geom, s.srid)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: encode boundary %d", b.ID)
		}
		rows = append(rows, []any{
			b.ID, b.Extent, eg.wkb, eg.env.MinX, eg.env.MinY, eg.env.MaxX, eg.env.MaxY, b.DefinedAt.UTC(),
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, boundaryUpsert, rows)
	return n, eris.Wrap(err, "postgres: upsert boundaries")
}

func (s *PostgresStore) ListBoundaries(ctx context.Context, extent string) ([]boundary.Boundary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT boundary_id, extent_group, geom, defined_at FROM netmetrics.boundaries
		WHERE extent_group = $1 ORDER BY boundary_id`, extent)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list boundaries")
	}
	defer rows.Close()

	var out []boundary.Boundary
	for rows.Next() {
		b, err := scanBoundary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate boundaries")
}

func (s *PostgresStore) GetBoundary(ctx context.Context, id int64) (*boundary.Boundary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT boundary_id, extent_group, geom, defined_at FROM netmetrics.boundaries WHERE boundary_id = $1`, id)
	b, err := scanBoundary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(boundary.ErrNotFound, "boundary %d", id)
	}
	return b, err
}

func scanBoundary(row pgx.Row) (*boundary.Boundary, error) {
	var (
		b    boundary.Boundary
		data []byte
	)
	if err := row.Scan(&b.ID, &b.Extent, &data, &b.DefinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan boundary")
	}
	poly, err := geo.DecodePolygon(data)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: boundary %d geometry", b.ID)
	}
	b.Geom = poly
	return &b, nil
}

func (s *PostgresStore) Extents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT extent_group FROM netmetrics.boundaries ORDER BY extent_group`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extents")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, eris.Wrap(err, "postgres: scan extent")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StageStatuses(ctx context.Context, extent string, stage boundary.Stage) ([]boundary.StageStatus, error) {
	rows, err := s.pool.Query(ctx, pgStageStatusesSQL, extent, string(stage))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stage statuses")
	}
	defer rows.Close()

	var out []boundary.StageStatus
	for rows.Next() {
		st := boundary.StageStatus{Stage: stage}
		var status string
		if err := rows.Scan(&st.BoundaryID, &st.Extent, &status, &st.Attempts, &st.LastError,
			&st.ClaimedBy, &st.HeartbeatAt, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage status")
		}
		st.Status = boundary.Status(status)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate stage statuses")
}

func (s *PostgresStore) StatusOf(ctx context.Context, id int64, stage boundary.Stage) (boundary.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, pgStatusOfSQL, id, string(stage)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return boundary.StatusPending, nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: status of boundary %d", id)
	}
	return boundary.Status(status), nil
}

func (s *PostgresStore) Claim(ctx context.Context, id int64, stage boundary.Stage, owner string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgClaimSQL, id, string(stage), owner, now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim boundary %d", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id int64, stage boundary.Stage, owner string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgHeartbeatSQL, id, string(stage), owner, now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: heartbeat boundary %d", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id int64, stage boundary.Stage, owner string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgCompleteSQL, id, string(stage), owner, now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete boundary %d", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Fail(ctx context.Context, id int64, stage boundary.Stage, owner, msg string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgFailSQL, id, string(stage), owner, msg, now)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: fail boundary %d", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Reset(ctx context.Context, extent string, stage boundary.Stage, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgResetSQL, extent, string(stage), now)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset %s/%s", extent, stage)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ReleaseStale(ctx context.Context, extent string, stage boundary.Stage, cutoff time.Time, msg string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgReleaseStaleSQL, extent, string(stage), cutoff, msg, now)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: release stale %s/%s", extent, stage)
	}
	return tag.RowsAffected(), nil
}
