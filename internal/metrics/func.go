// Package metrics computes per-boundary metric families over the cleaned
// network and the auxiliary layers ingested around each boundary.
package metrics

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/network"
)

// Key identifies one node or edge.
type Key struct {
	Kind FeatureKind
	ID   string
}

// Input is what a metric function sees for one boundary.
type Input struct {
	Boundary boundary.Boundary
	// Graph holds every cleaned edge within Buffer of the boundary, whichever
	// boundary owns it.
	Graph *network.Graph
	// Owned lists the features the boundary reports.
	Owned  map[Key]bool
	Layers map[string][]geo.Feature
	Buffer float64
}

// OwnedNodes returns the ids of owned nodes, sorted.
func (in Input) OwnedNodes() []string {
	var out []string
	for k := range in.Owned {
		if k.Kind == KindNode {
			out = append(out, k.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Func is one metric family. Compute may return values for any feature of
// the input graph; the engine keeps only the owned ones.
type Func interface {
	Name() string
	// Layers lists the auxiliary layers Compute reads.
	Layers() []string
	Compute(ctx context.Context, in Input) ([]Value, error)
}

// Registry maps category names to metric families.
type Registry struct {
	funcs map[string]Func
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under fn.Name().
func (r *Registry) Register(fn Func) error {
	name := fn.Name()
	if _, ok := r.funcs[name]; ok {
		return eris.Errorf("metrics: category %q already registered", name)
	}
	r.funcs[name] = fn
	r.order = append(r.order, name)
	return nil
}

// Get returns the family registered as name.
func (r *Registry) Get(name string) (Func, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, eris.Errorf("metrics: unknown category %q (want one of %v)", name, r.order)
	}
	return fn, nil
}

// Names lists the categories in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Builtins returns a registry with the built-in families configured from cfg.
func Builtins(cfg config.MetricsConfig) (*Registry, error) {
	r := NewRegistry()
	for _, fn := range []Func{
		NewCentrality(cfg.Centrality.Distances),
		NewGreenSpace(cfg.GreenSpace.Classes),
		NewLandUse(cfg.LandUse.DistanceM),
		NewMorphology(cfg.Morphology.Distances),
		NewPlaces(cfg.Places.Distances, cfg.Places.Exclude),
		NewPopulation(cfg.Population.Neighbors),
	} {
		if err := r.Register(fn); err != nil {
			return nil, eris.Wrap(err, "metrics: builtins")
		}
	}
	return r, nil
}
