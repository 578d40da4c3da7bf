package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. A single connection
// serializes writers, so every catalog compare-and-swap is atomic.
type SQLiteStore struct {
	db   *sql.DB
	srid int
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, srid int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, srid: srid}, nil
}

// Times are stored as unix nanoseconds so range predicates compare numerically.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS boundaries (
	boundary_id  INTEGER PRIMARY KEY,
	extent_group TEXT NOT NULL,
	geom         BLOB NOT NULL,
	minx         REAL NOT NULL,
	miny         REAL NOT NULL,
	maxx         REAL NOT NULL,
	maxy         REAL NOT NULL,
	defined_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_boundaries_extent ON boundaries(extent_group, boundary_id);

CREATE TABLE IF NOT EXISTS boundary_status (
	boundary_id   INTEGER NOT NULL REFERENCES boundaries(boundary_id) ON DELETE CASCADE,
	stage         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'in_progress', 'done', 'failed')),
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	claimed_by    TEXT,
	heartbeat_at  INTEGER,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (boundary_id, stage)
);

CREATE TABLE IF NOT EXISTS raw_nodes (
	boundary_id INTEGER NOT NULL,
	node_id     TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	x           REAL NOT NULL,
	y           REAL NOT NULL,
	PRIMARY KEY (boundary_id, node_id)
);

CREATE TABLE IF NOT EXISTS raw_edges (
	boundary_id INTEGER NOT NULL,
	edge_id     TEXT NOT NULL,
	connectors  TEXT NOT NULL,
	class       TEXT NOT NULL DEFAULT '',
	flags       TEXT NOT NULL DEFAULT '[]',
	source      TEXT NOT NULL DEFAULT '',
	geom        BLOB NOT NULL,
	PRIMARY KEY (boundary_id, edge_id)
);

CREATE TABLE IF NOT EXISTS clean_edges (
	boundary_id INTEGER NOT NULL,
	edge_id     TEXT NOT NULL,
	start_node  TEXT NOT NULL,
	end_node    TEXT NOT NULL,
	class       TEXT NOT NULL DEFAULT '',
	length      REAL NOT NULL,
	geom        BLOB NOT NULL,
	minx        REAL NOT NULL,
	miny        REAL NOT NULL,
	maxx        REAL NOT NULL,
	maxy        REAL NOT NULL,
	PRIMARY KEY (boundary_id, edge_id)
);

CREATE INDEX IF NOT EXISTS idx_clean_edges_bbox ON clean_edges(minx, maxx, miny, maxy);

CREATE TABLE IF NOT EXISTS clean_nodes (
	boundary_id       INTEGER NOT NULL,
	node_id           TEXT NOT NULL,
	owner_boundary_id INTEGER NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	x                 REAL NOT NULL,
	y                 REAL NOT NULL,
	PRIMARY KEY (boundary_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_clean_nodes_owner ON clean_nodes(node_id, owner_boundary_id);

CREATE TABLE IF NOT EXISTS layer_features (
	layer       TEXT NOT NULL,
	boundary_id INTEGER NOT NULL,
	feature_id  TEXT NOT NULL,
	class       TEXT NOT NULL DEFAULT '',
	value       REAL,
	geom        BLOB NOT NULL,
	PRIMARY KEY (layer, boundary_id, feature_id)
);

CREATE TABLE IF NOT EXISTS metric_records (
	boundary_id  INTEGER NOT NULL,
	category     TEXT NOT NULL,
	feature_kind TEXT NOT NULL,
	feature_id   TEXT NOT NULL,
	metric       TEXT NOT NULL,
	value        REAL NOT NULL,
	computed_at  INTEGER NOT NULL,
	PRIMARY KEY (boundary_id, category, feature_kind, feature_id, metric)
);

CREATE TABLE IF NOT EXISTS metric_merged (
	extent_group TEXT NOT NULL,
	category     TEXT NOT NULL,
	feature_kind TEXT NOT NULL,
	feature_id   TEXT NOT NULL,
	boundary_id  INTEGER NOT NULL,
	metric       TEXT NOT NULL,
	value        REAL NOT NULL,
	computed_at  INTEGER NOT NULL,
	PRIMARY KEY (extent_group, category, feature_kind, feature_id, metric)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction. fn must only use tx: the pool holds one
// connection.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// insertRows prepares stmt once and executes it for every row.
func insertRows(ctx context.Context, tx *sql.Tx, stmt string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	ps, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer ps.Close()
	for _, r := range rows {
		if _, err := ps.ExecContext(ctx, r...); err != nil {
			return eris.Wrap(err, "sqlite: insert row")
		}
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: encode list")
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode list")
	}
	return out, nil
}
