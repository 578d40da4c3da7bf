package network

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/pipeline"
)

// StageStore is the slice of the store the clean stage reads and writes.
type StageStore interface {
	ListBoundaries(ctx context.Context, extent string) ([]boundary.Boundary, error)
	RawNetwork(ctx context.Context, boundaryID int64) ([]RawNode, []RawEdge, error)
	ReplaceCleaned(ctx context.Context, g *Graph) error
}

// Stage is the clean stage: raw network in, cleaned graph out, one boundary
// at a time.
type Stage struct {
	store   StageStore
	cleaner *Cleaner
	// buffer is the ingest buffer: any boundary within it of b may own part
	// of b's raw input.
	buffer float64
	log    *zap.Logger

	mu      sync.Mutex
	extents map[string][]boundary.Boundary
}

// NewStage creates the clean stage.
func NewStage(st StageStore, cleaner *Cleaner, buffer float64) *Stage {
	return &Stage{
		store:   st,
		cleaner: cleaner,
		buffer:  buffer,
		log:     zap.L().With(zap.String("component", "network.stage")),
		extents: make(map[string][]boundary.Boundary),
	}
}

// Job returns the pipeline job that cleans every pending boundary of extent.
func (s *Stage) Job(extent string, drop bool) pipeline.Job {
	return pipeline.Job{
		Stage:   boundary.StageClean,
		Extent:  extent,
		Drop:    drop,
		Process: s.Process,
	}
}

// Process cleans one boundary and atomically replaces its cleaned tables.
func (s *Stage) Process(ctx context.Context, b boundary.Boundary) error {
	neighbors, err := s.neighbors(ctx, b)
	if err != nil {
		return err
	}
	nodes, edges, err := s.store.RawNetwork(ctx, b.ID)
	if err != nil {
		return eris.Wrapf(err, "network: load raw network for boundary %d", b.ID)
	}

	g, err := s.cleaner.Clean(b, neighbors, nodes, edges)
	if err != nil {
		var te *TopologyError
		if errors.As(err, &te) {
			s.log.Error("unrepairable topology",
				zap.Int64("boundary_id", te.BoundaryID),
				zap.String("feature_id", te.FeatureID),
				zap.String("reason", te.Reason),
			)
		}
		return err
	}
	return eris.Wrapf(s.store.ReplaceCleaned(ctx, g), "network: write cleaned graph for boundary %d", b.ID)
}

// neighbors returns the extent's other boundaries whose envelope comes within
// the ingest buffer of b.
func (s *Stage) neighbors(ctx context.Context, b boundary.Boundary) ([]boundary.Boundary, error) {
	all, err := s.boundaries(ctx, b.Extent)
	if err != nil {
		return nil, err
	}
	reach := b.Envelope().Expand(s.buffer)
	var out []boundary.Boundary
	for _, n := range all {
		if n.ID != b.ID && n.Envelope().Intersects(reach) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Stage) boundaries(ctx context.Context, extent string) ([]boundary.Boundary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bs, ok := s.extents[extent]; ok {
		return bs, nil
	}
	bs, err := s.store.ListBoundaries(ctx, extent)
	if err != nil {
		return nil, eris.Wrapf(err, "network: list boundaries of %s", extent)
	}
	s.extents[extent] = bs
	return bs, nil
}
