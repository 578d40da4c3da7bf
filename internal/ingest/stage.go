package ingest

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/network"
	"github.com/sells-group/network-metrics/internal/pipeline"
)

// Store is the slice of the store ingest writes to.
type Store interface {
	ReplaceRaw(ctx context.Context, boundaryID int64, nodes []network.RawNode, edges []network.RawEdge) error
	ReplaceLayer(ctx context.Context, layer string, boundaryID int64, feats []geo.Feature) error
}

// Stage clips a parsed dataset to each boundary and replaces that
// boundary's raw rows. Sources are parsed once by Load and shared read-only
// by every worker.
type Stage struct {
	dataset Dataset
	store   Store
	fields  Fields
	buffer  float64
	log     *zap.Logger

	nodes map[string]network.RawNode
	edges []network.RawEdge
	feats []geo.Feature
	index *envIndex
}

// NewStage creates the ingest stage for ds. buffer widens every boundary's
// clip envelope so cleaning and metrics see context past the boundary line.
func NewStage(ds Dataset, st Store, fields Fields, buffer float64) *Stage {
	return &Stage{
		dataset: ds,
		store:   st,
		fields:  fields.withDefaults(),
		buffer:  buffer,
		log:     zap.L().With(zap.String("component", "ingest"), zap.String("dataset", ds.Name)),
	}
}

// Load resolves and parses the dataset's sources, one URI per source role.
func (s *Stage) Load(ctx context.Context, r *Resolver, uris []string) error {
	if len(uris) != len(s.dataset.Sources) {
		return eris.Errorf("ingest: dataset %s takes %d sources (%v), got %d",
			s.dataset.Name, len(s.dataset.Sources), s.dataset.Sources, len(uris))
	}

	parsed := make([][]geo.Feature, len(uris))
	g, gctx := errgroup.WithContext(ctx)
	for i, uri := range uris {
		g.Go(func() error {
			path, err := r.Resolve(gctx, uri)
			if err != nil {
				return err
			}
			feats, err := geo.ReadFeatures(path, s.fields.ID)
			if err != nil {
				return eris.Wrapf(err, "ingest: read %s source", s.dataset.Sources[i])
			}
			parsed[i] = dedupeByID(feats)
			s.log.Info("parsed source",
				zap.String("role", s.dataset.Sources[i]),
				zap.String("path", path),
				zap.Int("features", len(parsed[i])),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.index = newEnvIndex(math.Max(s.buffer, 1000))
	switch s.dataset.Kind {
	case KindNetwork:
		s.nodes = make(map[string]network.RawNode)
		for _, n := range toRawNodes(parsed[0], s.fields, s.dataset.Name) {
			s.nodes[n.ID] = n
		}
		var skipped int
		s.edges, skipped = toRawEdges(parsed[1], s.fields, s.dataset.Name)
		for i, e := range s.edges {
			s.index.insert(i, geo.EnvelopeOf(e.Geom))
		}
		if skipped > 0 {
			s.log.Warn("skipped non-line edge features", zap.Int("skipped", skipped))
		}
	default:
		var skipped int
		s.feats, skipped = toLayer(s.dataset.Kind, parsed[0], s.fields)
		for i, f := range s.feats {
			s.index.insert(i, f.Envelope())
		}
		if skipped > 0 {
			s.log.Warn("skipped features with unusable geometry", zap.Int("skipped", skipped))
		}
	}
	return nil
}

// Job returns the pipeline job for extent.
func (s *Stage) Job(extent string, drop bool) pipeline.Job {
	return pipeline.Job{
		Stage:   boundary.IngestStage(s.dataset.Name),
		Extent:  extent,
		Drop:    drop,
		Process: s.Process,
	}
}

// Process writes the features of the loaded dataset near b.
func (s *Stage) Process(ctx context.Context, b boundary.Boundary) error {
	if s.index == nil {
		return eris.Errorf("ingest: dataset %s not loaded", s.dataset.Name)
	}
	env := b.Envelope().Expand(s.buffer)
	hits := s.index.query(env)

	if s.dataset.Kind == KindNetwork {
		nodes, edges := s.clipNetwork(hits)
		s.log.Debug("clipped network",
			zap.Int64("boundary_id", b.ID), zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
		return eris.Wrapf(s.store.ReplaceRaw(ctx, b.ID, nodes, edges), "ingest: write raw network for boundary %d", b.ID)
	}

	feats := make([]geo.Feature, 0, len(hits))
	for _, i := range hits {
		feats = append(feats, s.feats[i])
	}
	s.log.Debug("clipped layer", zap.Int64("boundary_id", b.ID), zap.Int("features", len(feats)))
	return eris.Wrapf(s.store.ReplaceLayer(ctx, s.dataset.Name, b.ID, feats), "ingest: write %s for boundary %d", s.dataset.Name, b.ID)
}

// clipNetwork returns the hit edges plus every connector they reference, so
// the cleaner can resolve endpoints lying past the clip envelope.
func (s *Stage) clipNetwork(hits []int) ([]network.RawNode, []network.RawEdge) {
	edges := make([]network.RawEdge, 0, len(hits))
	used := make(map[string]bool)
	for _, i := range hits {
		e := s.edges[i]
		edges = append(edges, e)
		for _, id := range e.Connectors {
			used[id] = true
		}
	}
	nodes := make([]network.RawNode, 0, len(used))
	for id := range used {
		if n, ok := s.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, edges
}

func dedupeByID(feats []geo.Feature) []geo.Feature {
	seen := make(map[string]bool, len(feats))
	out := feats[:0]
	for _, f := range feats {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}
