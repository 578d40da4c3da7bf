package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/geo"
)

const (
	sqliteClaimSQL = `INSERT INTO boundary_status
	(boundary_id, stage, status, attempt_count, claimed_by, heartbeat_at, updated_at)
VALUES (?, ?, 'in_progress', 1, ?, ?, ?)
ON CONFLICT (boundary_id, stage) DO UPDATE SET
	status = 'in_progress',
	attempt_count = boundary_status.attempt_count + 1,
	claimed_by = excluded.claimed_by,
	heartbeat_at = excluded.heartbeat_at,
	updated_at = excluded.updated_at
WHERE boundary_status.status IN ('pending', 'failed')`

	sqliteStageStatusesSQL = `SELECT b.boundary_id, b.extent_group,
	COALESCE(s.status, 'pending'), COALESCE(s.attempt_count, 0), COALESCE(s.last_error, ''),
	COALESCE(s.claimed_by, ''), s.heartbeat_at, s.updated_at
FROM boundaries b
LEFT JOIN boundary_status s ON s.boundary_id = b.boundary_id AND s.stage = ?
WHERE b.extent_group = ?
ORDER BY b.boundary_id`
)

func (s *SQLiteStore) UpsertBoundaries(ctx context.Context, bs []boundary.Boundary) (int64, error) {
	rows := make([][]any, 0, len(bs))
	for _, b := range bs {
		eg, err := encodeGeom(b.Geom, s.srid)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: encode boundary %d", b.ID)
		}
		rows = append(rows, []any{
			b.ID, b.Extent, eg.wkb, eg.env.MinX, eg.env.MinY, eg.env.MaxX, eg.env.MaxY, nanos(b.DefinedAt),
		})
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return insertRows(ctx, tx, `INSERT INTO boundaries
			(boundary_id, extent_group, geom, minx, miny, maxx, maxy, defined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (boundary_id) DO UPDATE SET
				extent_group = excluded.extent_group, geom = excluded.geom,
				minx = excluded.minx, miny = excluded.miny, maxx = excluded.maxx, maxy = excluded.maxy`, rows)
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert boundaries")
	}
	return int64(len(rows)), nil
}

func (s *SQLiteStore) ListBoundaries(ctx context.Context, extent string) ([]boundary.Boundary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT boundary_id, extent_group, geom, defined_at FROM boundaries
		WHERE extent_group = ? ORDER BY boundary_id`, extent)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list boundaries")
	}
	defer rows.Close()

	var out []boundary.Boundary
	for rows.Next() {
		b, err := scanSQLiteBoundary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate boundaries")
}

func (s *SQLiteStore) GetBoundary(ctx context.Context, id int64) (*boundary.Boundary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT boundary_id, extent_group, geom, defined_at FROM boundaries WHERE boundary_id = ?`, id)
	b, err := scanSQLiteBoundary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(boundary.ErrNotFound, "boundary %d", id)
	}
	return b, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBoundary(row scanner) (*boundary.Boundary, error) {
	var (
		b       boundary.Boundary
		data    []byte
		defined int64
	)
	if err := row.Scan(&b.ID, &b.Extent, &data, &defined); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan boundary")
	}
	poly, err := geo.DecodePolygon(data)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: boundary %d geometry", b.ID)
	}
	b.Geom = poly
	b.DefinedAt = fromNanos(defined)
	return &b, nil
}

func (s *SQLiteStore) Extents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT extent_group FROM boundaries ORDER BY extent_group`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extents")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extent")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StageStatuses(ctx context.Context, extent string, stage boundary.Stage) ([]boundary.StageStatus, error) {
	rows, err := s.db.QueryContext(ctx, sqliteStageStatusesSQL, string(stage), extent)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stage statuses")
	}
	defer rows.Close()

	var out []boundary.StageStatus
	for rows.Next() {
		var (
			st        = boundary.StageStatus{Stage: stage}
			status    string
			heartbeat sql.NullInt64
			updated   sql.NullInt64
		)
		if err := rows.Scan(&st.BoundaryID, &st.Extent, &status, &st.Attempts, &st.LastError,
			&st.ClaimedBy, &heartbeat, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage status")
		}
		st.Status = boundary.Status(status)
		st.HeartbeatAt = nullableTime(heartbeat)
		st.UpdatedAt = nullableTime(updated)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate stage statuses")
}

func (s *SQLiteStore) StatusOf(ctx context.Context, id int64, stage boundary.Stage) (boundary.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM boundary_status WHERE boundary_id = ? AND stage = ?`, id, string(stage)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return boundary.StatusPending, nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: status of boundary %d", id)
	}
	return boundary.Status(status), nil
}

// exec runs a single-statement transition and reports how many rows it touched.
func (s *SQLiteStore) exec(ctx context.Context, op, stmt string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s", op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s rows affected", op)
	}
	return n, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, id int64, stage boundary.Stage, owner string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, "claim", sqliteClaimSQL, id, string(stage), owner, nanos(now), nanos(now))
	return n == 1, err
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, id int64, stage boundary.Stage, owner string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, "heartbeat",
		`UPDATE boundary_status SET heartbeat_at = ?, updated_at = ?
		WHERE boundary_id = ? AND stage = ? AND status = 'in_progress' AND claimed_by = ?`,
		nanos(now), nanos(now), id, string(stage), owner)
	return n == 1, err
}

func (s *SQLiteStore) Complete(ctx context.Context, id int64, stage boundary.Stage, owner string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, "complete",
		`UPDATE boundary_status SET status = 'done', last_error = NULL, updated_at = ?
		WHERE boundary_id = ? AND stage = ? AND status = 'in_progress' AND claimed_by = ?`,
		nanos(now), id, string(stage), owner)
	return n == 1, err
}

func (s *SQLiteStore) Fail(ctx context.Context, id int64, stage boundary.Stage, owner, msg string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, "fail",
		`UPDATE boundary_status SET status = 'failed', last_error = ?, updated_at = ?
		WHERE boundary_id = ? AND stage = ? AND status = 'in_progress' AND claimed_by = ?`,
		msg, nanos(now), id, string(stage), owner)
	return n == 1, err
}

func (s *SQLiteStore) Reset(ctx context.Context, extent string, stage boundary.Stage, now time.Time) (int64, error) {
	return s.exec(ctx, "reset",
		`UPDATE boundary_status SET
			status = 'pending', attempt_count = 0, last_error = NULL, claimed_by = NULL,
			heartbeat_at = NULL, updated_at = ?
		WHERE stage = ? AND boundary_id IN (SELECT boundary_id FROM boundaries WHERE extent_group = ?)`,
		nanos(now), string(stage), extent)
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, extent string, stage boundary.Stage, cutoff time.Time, msg string, now time.Time) (int64, error) {
	return s.exec(ctx, "release stale",
		`UPDATE boundary_status SET status = 'failed', last_error = ?, updated_at = ?
		WHERE stage = ? AND status = 'in_progress' AND (heartbeat_at IS NULL OR heartbeat_at < ?)
			AND boundary_id IN (SELECT boundary_id FROM boundaries WHERE extent_group = ?)`,
		msg, nanos(now), string(stage), nanos(cutoff), extent)
}
