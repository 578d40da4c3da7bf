// Package boundary defines the spatial partitions that every pipeline stage
// works through and the catalog contract that records per-stage progress.
package boundary

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
)

// Boundary is one spatial partition: the unit of work for every stage.
type Boundary struct {
	ID        int64
	Extent    string
	Geom      *geom.Polygon
	DefinedAt time.Time
}

// Envelope returns the boundary's bounding box.
func (b Boundary) Envelope() geo.Envelope {
	return geo.EnvelopeOf(b.Geom)
}

// Centroid returns the area centroid used for cross-boundary ownership.
func (b Boundary) Centroid() geom.Coord {
	return geo.Centroid(b.Geom)
}

// SortByID orders boundaries earliest-defined first.
func SortByID(bs []Boundary) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].ID < bs[j].ID })
}

// Status is the lifecycle state of a (boundary, stage) pair.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Stage names a pipeline step. Ingest and metrics stages carry a suffix
// naming the dataset or metric category.
type Stage string

const StageClean Stage = "clean"

const (
	ingestPrefix  = "ingest:"
	metricsPrefix = "metrics:"
)

// IngestStage is the stage that loads a raw dataset.
func IngestStage(dataset string) Stage { return Stage(ingestPrefix + dataset) }

// MetricsStage is the stage that computes a metric category.
func MetricsStage(category string) Stage { return Stage(metricsPrefix + category) }

// ParseStage validates a stage name as typed on the command line.
func ParseStage(s string) (Stage, error) {
	switch {
	case s == string(StageClean):
		return StageClean, nil
	case strings.HasPrefix(s, ingestPrefix) && len(s) > len(ingestPrefix):
		return Stage(s), nil
	case strings.HasPrefix(s, metricsPrefix) && len(s) > len(metricsPrefix):
		return Stage(s), nil
	}
	return "", eris.Errorf("boundary: unknown stage %q (want clean, ingest:<dataset> or metrics:<category>)", s)
}

// Requires lists the stages that must be done for a boundary before s may
// claim it. Metric families add their auxiliary ingest stages on top.
func (s Stage) Requires() []Stage {
	switch {
	case s == StageClean:
		return []Stage{IngestStage("network")}
	case strings.HasPrefix(string(s), metricsPrefix):
		return []Stage{StageClean}
	}
	return nil
}

// StageStatus is one row of the catalog: where a boundary stands for one stage.
type StageStatus struct {
	BoundaryID  int64
	Extent      string
	Stage       Stage
	Status      Status
	Attempts    int
	LastError   string
	ClaimedBy   string
	HeartbeatAt *time.Time
	UpdatedAt   *time.Time
}

// Store is the durable boundary catalog. Every status mutation is a single
// atomic compare-and-swap; a missing status row reads as pending.
type Store interface {
	UpsertBoundaries(ctx context.Context, bs []Boundary) (int64, error)
	ListBoundaries(ctx context.Context, extent string) ([]Boundary, error)
	GetBoundary(ctx context.Context, id int64) (*Boundary, error)
	Extents(ctx context.Context) ([]string, error)

	// StageStatuses returns one row per boundary in extent, ordered by id.
	StageStatuses(ctx context.Context, extent string, stage Stage) ([]StageStatus, error)
	// StatusOf returns the status of a single (boundary, stage) pair.
	StatusOf(ctx context.Context, id int64, stage Stage) (Status, error)

	// Claim moves pending|failed to in_progress, bumping attempt_count.
	Claim(ctx context.Context, id int64, stage Stage, owner string, now time.Time) (bool, error)
	Heartbeat(ctx context.Context, id int64, stage Stage, owner string, now time.Time) (bool, error)
	// Complete and Fail only succeed for the owner of an in_progress claim.
	Complete(ctx context.Context, id int64, stage Stage, owner string, now time.Time) (bool, error)
	Fail(ctx context.Context, id int64, stage Stage, owner, msg string, now time.Time) (bool, error)

	// Reset forces every boundary of extent back to pending for stage.
	Reset(ctx context.Context, extent string, stage Stage, now time.Time) (int64, error)
	// ReleaseStale fails in_progress claims whose heartbeat is older than cutoff.
	ReleaseStale(ctx context.Context, extent string, stage Stage, cutoff time.Time, msg string, now time.Time) (int64, error)
}

// ErrNotFound is returned when a boundary id is not in the catalog.
var ErrNotFound = eris.New("boundary: not found")
