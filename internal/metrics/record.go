package metrics

import (
	"context"
	"time"

	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/network"
)

// FeatureKind says whether a value belongs to a node or an edge.
type FeatureKind string

const (
	KindNode FeatureKind = "node"
	KindEdge FeatureKind = "edge"
)

// Value is one metric function output for one feature.
type Value struct {
	Kind      FeatureKind
	FeatureID string
	Metric    string
	Value     float64
}

// Record is a persisted metric value, tagged with the boundary that computed it.
type Record struct {
	BoundaryID int64
	Category   string
	Kind       FeatureKind
	FeatureID  string
	Metric     string
	Value      float64
	ComputedAt time.Time
}

// Repository is the storage the engine reads context from and writes results to.
type Repository interface {
	CleanedWithin(ctx context.Context, extent string, env geo.Envelope) (*network.Graph, error)
	// Layer returns the auxiliary features ingested for a boundary.
	Layer(ctx context.Context, layer string, boundaryID int64) ([]geo.Feature, error)
	// ReplaceRecords swaps every record of (boundaryID, category) in one transaction.
	ReplaceRecords(ctx context.Context, boundaryID int64, category string, recs []Record) error
}
