// Package store persists the boundary catalog, raw and cleaned networks,
// auxiliary layers and metric results. Postgres is the production backend;
// SQLite serves single-machine runs and tests.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/merge"
	"github.com/sells-group/network-metrics/internal/metrics"
	"github.com/sells-group/network-metrics/internal/network"
)

// Store is every repository the pipeline stages need, plus lifecycle.
type Store interface {
	boundary.Store
	network.Repository
	metrics.Repository
	merge.Repository

	// ReplaceLayer swaps a boundary's features of one auxiliary layer.
	ReplaceLayer(ctx context.Context, layer string, boundaryID int64, feats []geo.Feature) error

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Open connects to the configured backend.
func Open(ctx context.Context, cfg config.StoreConfig, srid int) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns}, srid)
	case "sqlite":
		return NewSQLite(cfg.SQLitePath, srid)
	}
	return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
}
