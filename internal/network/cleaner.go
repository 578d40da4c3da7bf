package network

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
	"github.com/sells-group/network-metrics/internal/geo"
)

// maxSplitRounds bounds repeated splitting; a round only repeats when a
// previous cut bent a sub-edge onto another node.
const maxSplitRounds = 4

// Options configures a Cleaner.
type Options struct {
	// Tolerance is the snapping and duplicate distance in CRS units.
	Tolerance   float64
	DropClasses []string
	DropFlags   []string
}

// OptionsFromConfig maps the network settings onto cleaner options.
func OptionsFromConfig(cfg config.NetworkConfig) Options {
	return Options{Tolerance: cfg.ToleranceM, DropClasses: cfg.DropClasses, DropFlags: cfg.DropFlags}
}

// Cleaner converts raw per-boundary nodes and edges into a cleaned graph.
type Cleaner struct {
	opts        Options
	dropClasses map[string]bool
	dropFlags   map[string]bool
	log         *zap.Logger
}

// NewCleaner creates a Cleaner. A non-positive tolerance falls back to 1.
func NewCleaner(opts Options) *Cleaner {
	if opts.Tolerance <= 0 {
		opts.Tolerance = 1
	}
	c := &Cleaner{
		opts:        opts,
		dropClasses: make(map[string]bool, len(opts.DropClasses)),
		dropFlags:   make(map[string]bool, len(opts.DropFlags)),
		log:         zap.L().With(zap.String("component", "network.cleaner")),
	}
	for _, s := range opts.DropClasses {
		c.dropClasses[s] = true
	}
	for _, s := range opts.DropFlags {
		c.dropFlags[s] = true
	}
	return c
}

// Tolerance returns the snapping distance in use.
func (c *Cleaner) Tolerance() float64 { return c.opts.Tolerance }

// workEdge is an edge between snapped nodes that may still need splitting at
// its interior connectors.
type workEdge struct {
	id    string
	class string
	from  string
	to    string
	via   []string
	geom  *geom.LineString
}

type rejection struct {
	id     string
	reason string
}

// Clean builds the graph owned by b. neighbors are the other boundaries whose
// polygons may claim edges from b's raw input. An edge crossing into a
// neighbor is kept whole and emitted only by the boundary that owns it.
//
// Malformed edges are logged and skipped. Clean returns a TopologyError only
// when no edge survives and at least one input edge was malformed; the error
// names the first such edge. An empty result from well-formed input (all
// filtered, or all owned by neighbors) is a valid empty graph.
func (c *Cleaner) Clean(b boundary.Boundary, neighbors []boundary.Boundary, rawNodes []RawNode, rawEdges []RawEdge) (*Graph, error) {
	log := c.log.With(zap.Int64("boundary_id", b.ID))

	nodes := make(map[string]RawNode, len(rawNodes))
	for _, n := range rawNodes {
		if _, ok := nodes[n.ID]; !ok {
			nodes[n.ID] = n
		}
	}
	edges := slices.Clone(rawEdges)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	kept, first := c.prefilter(log, nodes, edges)
	rep, coords := c.snap(nodes, kept)
	work, rejected := c.attach(log, rep, coords, kept)
	if first == nil {
		first = rejected
	}

	work = c.dedupe(log, work)
	for round := 0; round < maxSplitRounds; round++ {
		var changed bool
		work, changed = c.split(work, coords)
		if !changed {
			break
		}
		work = c.dedupe(log, work)
	}

	if len(work) == 0 && first != nil {
		return nil, &TopologyError{BoundaryID: b.ID, FeatureID: first.id, Reason: "no edge survived cleaning: " + first.reason}
	}

	own := newOwnership(b, neighbors)
	g := NewGraph(b.ID)
	var foreign, orphan int
	for _, e := range work {
		owner, ok := own.edgeOwner(e.geom)
		switch {
		case !ok:
			orphan++
			continue
		case owner != b.ID:
			foreign++
			continue
		}
		for _, id := range []string{e.from, e.to} {
			pt := coords[id]
			g.AddNode(&Node{ID: id, X: pt.X(), Y: pt.Y(), Source: nodes[id].Source, Owner: own.nodeOwner(pt)})
		}
		if err := g.AddEdge(&Edge{
			ID:     e.id,
			From:   e.from,
			To:     e.to,
			Class:  e.class,
			Length: e.geom.Length(),
			Geom:   e.geom,
			Owner:  b.ID,
		}); err != nil {
			return nil, err
		}
	}

	log.Info("cleaned boundary network",
		zap.Int("raw_edges", len(rawEdges)),
		zap.Int("edges", len(g.Edges)),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("neighbor_owned", foreign),
		zap.Int("unowned", orphan),
	)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// prefilter drops excluded classes and flags, then malformed geometry. The
// first malformed edge is returned for error reporting.
func (c *Cleaner) prefilter(log *zap.Logger, nodes map[string]RawNode, edges []RawEdge) ([]RawEdge, *rejection) {
	var (
		kept  []RawEdge
		first *rejection
	)
	for _, e := range edges {
		if c.dropClasses[e.Class] || slices.ContainsFunc(e.Flags, func(f string) bool { return c.dropFlags[f] }) {
			continue
		}
		reason := c.malformed(nodes, e)
		if reason != "" {
			log.Warn("excluding malformed edge", zap.String("edge_id", e.ID), zap.String("reason", reason))
			if first == nil {
				first = &rejection{id: e.ID, reason: reason}
			}
			continue
		}
		kept = append(kept, e)
	}
	return kept, first
}

func (c *Cleaner) malformed(nodes map[string]RawNode, e RawEdge) string {
	switch {
	case e.Geom == nil || geo.DistinctVertices(e.Geom) < 2:
		return "fewer than two distinct vertices"
	case e.Geom.Length() == 0:
		return "zero length"
	case geo.SelfIntersects(e.Geom):
		return "self-intersecting"
	}
	seen := make(map[string]bool, len(e.Connectors))
	for _, id := range e.Connectors {
		if _, ok := nodes[id]; ok {
			seen[id] = true
		}
	}
	if len(seen) < 2 {
		return "fewer than two resolvable connectors"
	}
	return ""
}

// snap clusters every connector used by kept within tolerance of another and
// maps it to the lowest id of its cluster. coords holds the representative
// positions.
func (c *Cleaner) snap(nodes map[string]RawNode, kept []RawEdge) (map[string]string, map[string]geom.Coord) {
	used := make(map[string]bool)
	for _, e := range kept {
		for _, id := range e.Connectors {
			if _, ok := nodes[id]; ok {
				used[id] = true
			}
		}
	}
	ids := make([]string, 0, len(used))
	for id := range used {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tol := c.opts.Tolerance
	idx := newGridIndex(tol)
	for i, id := range ids {
		idx.insert(i, nodes[id].X, nodes[id].Y)
	}
	uf := newUnionFind(len(ids))
	for i, id := range ids {
		n := nodes[id]
		env := geo.Envelope{MinX: n.X - tol, MinY: n.Y - tol, MaxX: n.X + tol, MaxY: n.Y + tol}
		idx.query(env, func(j int) {
			if j <= i {
				return
			}
			m := nodes[ids[j]]
			if math.Hypot(m.X-n.X, m.Y-n.Y) <= tol {
				uf.union(i, j)
			}
		})
	}

	rep := make(map[string]string, len(ids))
	coords := make(map[string]geom.Coord)
	for i, id := range ids {
		r := ids[uf.find(i)]
		rep[id] = r
		coords[r] = geom.Coord{nodes[r].X, nodes[r].Y}
	}
	return rep, coords
}

// attach rewires each edge onto snapped nodes and moves its end vertices onto
// their node positions, reversing the geometry when it runs against its
// connector order.
func (c *Cleaner) attach(log *zap.Logger, rep map[string]string, coords map[string]geom.Coord, kept []RawEdge) ([]workEdge, *rejection) {
	var (
		work  []workEdge
		first *rejection
	)
	reject := func(id, reason string) {
		log.Warn("excluding malformed edge", zap.String("edge_id", id), zap.String("reason", reason))
		if first == nil {
			first = &rejection{id: id, reason: reason}
		}
	}

	for _, e := range kept {
		var conns []string
		for _, id := range e.Connectors {
			r, ok := rep[id]
			if !ok || (len(conns) > 0 && conns[len(conns)-1] == r) {
				continue
			}
			conns = append(conns, r)
		}
		if len(conns) < 2 {
			reject(e.ID, "collapses to a single node after snapping")
			continue
		}
		from, to := conns[0], conns[len(conns)-1]

		ls := e.Geom
		start, end := ls.Coord(0), ls.Coord(ls.NumCoords()-1)
		if xy.Distance(start, coords[to])+xy.Distance(end, coords[from]) <
			xy.Distance(start, coords[from])+xy.Distance(end, coords[to]) {
			ls = geo.Reverse(ls)
		}
		ls = withEnds(ls, coords[from], coords[to])
		if geo.DistinctVertices(ls) < 2 {
			reject(e.ID, "degenerate after snapping")
			continue
		}
		work = append(work, workEdge{
			id:    e.ID,
			class: e.Class,
			from:  from,
			to:    to,
			via:   conns[1 : len(conns)-1],
			geom:  ls,
		})
	}
	return work, first
}

// withEnds returns a copy of ls whose first and last vertices are a and b.
func withEnds(ls *geom.LineString, a, b geom.Coord) *geom.LineString {
	flat := make([]float64, 0, ls.NumCoords()*2)
	for i := 0; i < ls.NumCoords(); i++ {
		c := ls.Coord(i)
		flat = append(flat, c.X(), c.Y())
	}
	flat[0], flat[1] = a.X(), a.Y()
	flat[len(flat)-2], flat[len(flat)-1] = b.X(), b.Y()
	return geom.NewLineStringFlat(geom.XY, flat)
}

// dedupe keeps the lowest id of every group of edges joining the same pair of
// nodes along near-identical geometry.
func (c *Cleaner) dedupe(log *zap.Logger, work []workEdge) []workEdge {
	sort.SliceStable(work, func(i, j int) bool { return work[i].id < work[j].id })

	type pair struct{ a, b string }
	groups := make(map[pair][]int)
	out := work[:0:0]
	for _, e := range work {
		k := pair{e.from, e.to}
		if k.b < k.a {
			k = pair{e.to, e.from}
		}
		dup := ""
		for _, i := range groups[k] {
			if geo.HausdorffWithin(e.geom, out[i].geom, c.opts.Tolerance) {
				dup = out[i].id
				break
			}
		}
		if dup != "" {
			log.Debug("dropping duplicate edge", zap.String("edge_id", e.id), zap.String("kept", dup))
			continue
		}
		groups[k] = append(groups[k], len(out))
		out = append(out, e)
	}
	return out
}

type cutAt struct {
	geo.Cut
	node string
}

// split cuts every edge at its interior connectors and at any node lying
// within tolerance of its interior. Sub-edges are named <edge>#<k> in order
// along the line. changed reports whether any edge was cut.
func (c *Cleaner) split(work []workEdge, coords map[string]geom.Coord) ([]workEdge, bool) {
	tol := c.opts.Tolerance
	ids := make([]string, 0, len(coords))
	referenced := make(map[string]bool)
	for _, e := range work {
		for _, id := range append([]string{e.from, e.to}, e.via...) {
			if !referenced[id] {
				referenced[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	idx := newGridIndex(math.Max(tol*50, 1))
	for i, id := range ids {
		idx.insert(i, coords[id].X(), coords[id].Y())
	}

	var (
		out     []workEdge
		changed bool
	)
	for _, e := range work {
		length := e.geom.Length()
		seen := map[string]bool{e.from: true, e.to: true}
		var cuts []cutAt
		add := func(id string, p geo.Projection) {
			seen[id] = true
			cuts = append(cuts, cutAt{Cut: geo.Cut{Projection: p, At: coords[id]}, node: id})
		}
		for _, id := range e.via {
			if seen[id] {
				continue
			}
			if p := geo.Project(e.geom, coords[id]); p.Measure > 0 && p.Measure < length {
				add(id, p)
			}
		}
		idx.query(geo.EnvelopeOf(e.geom).Expand(tol), func(i int) {
			id := ids[i]
			if seen[id] {
				return
			}
			if p := geo.Project(e.geom, coords[id]); p.Offset <= tol && p.Measure > 0 && p.Measure < length {
				add(id, p)
			}
		})

		e.via = nil
		if len(cuts) == 0 {
			if e.from != e.to {
				out = append(out, e)
			}
			continue
		}
		changed = true
		sort.Slice(cuts, func(i, j int) bool {
			if cuts[i].Measure != cuts[j].Measure {
				return cuts[i].Measure < cuts[j].Measure
			}
			return cuts[i].node < cuts[j].node
		})

		geoCuts := make([]geo.Cut, len(cuts))
		chain := make([]string, 0, len(cuts)+2)
		chain = append(chain, e.from)
		for i, ct := range cuts {
			geoCuts[i] = ct.Cut
			chain = append(chain, ct.node)
		}
		chain = append(chain, e.to)

		for k, piece := range geo.SplitAt(e.geom, geoCuts) {
			from, to := chain[k], chain[k+1]
			if from == to || geo.DistinctVertices(piece) < 2 {
				continue
			}
			out = append(out, workEdge{
				id:    fmt.Sprintf("%s#%d", e.id, k+1),
				class: e.class,
				from:  from,
				to:    to,
				geom:  piece,
			})
		}
	}
	return out, changed
}
