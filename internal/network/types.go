// Package network turns raw multi-source street data into a deduplicated,
// snapped and routable graph per boundary, and decides which boundary owns
// every edge and node that straddles a boundary line.
package network

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/network-metrics/internal/geo"
)

// RawNode is a connector as delivered by a source dataset.
type RawNode struct {
	ID     string
	X, Y   float64
	Source string
}

// RawEdge is a street segment as delivered by a source dataset. Connectors
// are ordered along the segment: the first and last are its endpoints, any
// others sit on its interior.
type RawEdge struct {
	ID         string
	Connectors []string
	Class      string
	Flags      []string
	Source     string
	Geom       *geom.LineString
}

// Node is a vertex of a cleaned graph. Owner is the boundary whose metrics
// report this node.
type Node struct {
	ID     string
	X, Y   float64
	Source string
	Owner  int64
}

// Coord returns the node position.
func (n *Node) Coord() geom.Coord { return geom.Coord{n.X, n.Y} }

// Edge is a routable segment between two nodes of the same graph. Owner is
// the boundary that emitted it.
type Edge struct {
	ID     string
	From   string
	To     string
	Class  string
	Length float64
	Geom   *geom.LineString
	Owner  int64
}

// Graph is the cleaned network for one boundary, or the union of several
// boundaries' cleaned networks when loaded as metric context.
type Graph struct {
	BoundaryID int64
	Nodes      map[string]*Node
	Edges      map[string]*Edge
	adj        map[string][]string
}

// NewGraph returns an empty graph for boundaryID.
func NewGraph(boundaryID int64) *Graph {
	return &Graph{
		BoundaryID: boundaryID,
		Nodes:      make(map[string]*Node),
		Edges:      make(map[string]*Edge),
	}
}

// AddNode inserts n, keeping the first copy when the id is already present.
func (g *Graph) AddNode(n *Node) {
	if _, ok := g.Nodes[n.ID]; ok {
		return
	}
	g.Nodes[n.ID] = n
	g.adj = nil
}

// AddEdge inserts e. Both endpoints must already be nodes of g.
func (g *Graph) AddEdge(e *Edge) error {
	if _, ok := g.Nodes[e.From]; !ok {
		return eris.Errorf("network: edge %s references missing node %s", e.ID, e.From)
	}
	if _, ok := g.Nodes[e.To]; !ok {
		return eris.Errorf("network: edge %s references missing node %s", e.ID, e.To)
	}
	g.Edges[e.ID] = e
	g.adj = nil
	return nil
}

// Incident returns the ids of edges touching node id, sorted.
func (g *Graph) Incident(id string) []string {
	if g.adj == nil {
		g.adj = make(map[string][]string, len(g.Nodes))
		for _, eid := range g.EdgeIDs() {
			e := g.Edges[eid]
			g.adj[e.From] = append(g.adj[e.From], eid)
			if e.To != e.From {
				g.adj[e.To] = append(g.adj[e.To], eid)
			}
		}
	}
	return g.adj[id]
}

// NodeIDs returns every node id in ascending order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EdgeIDs returns every edge id in ascending order.
func (g *Graph) EdgeIDs() []string {
	ids := make([]string, 0, len(g.Edges))
	for id := range g.Edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Raw converts the graph back into raw input. Cleaning the result with the
// same boundary and neighbors yields an identical graph.
func (g *Graph) Raw() ([]RawNode, []RawEdge) {
	nodes := make([]RawNode, 0, len(g.Nodes))
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		nodes = append(nodes, RawNode{ID: n.ID, X: n.X, Y: n.Y, Source: n.Source})
	}
	edges := make([]RawEdge, 0, len(g.Edges))
	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		edges = append(edges, RawEdge{
			ID:         e.ID,
			Connectors: []string{e.From, e.To},
			Class:      e.Class,
			Geom:       e.Geom,
		})
	}
	return nodes, edges
}

// Validate checks the topology invariant: every edge references two nodes of
// the graph and every node has at least one incident edge.
func (g *Graph) Validate() error {
	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		if g.Nodes[e.From] == nil || g.Nodes[e.To] == nil {
			return eris.Errorf("network: edge %s has a dangling endpoint", id)
		}
	}
	for _, id := range g.NodeIDs() {
		if len(g.Incident(id)) == 0 {
			return eris.Errorf("network: node %s is isolated", id)
		}
	}
	return nil
}

// Repository persists raw and cleaned networks.
type Repository interface {
	// ReplaceRaw swaps a boundary's raw nodes and edges in one transaction.
	ReplaceRaw(ctx context.Context, boundaryID int64, nodes []RawNode, edges []RawEdge) error
	RawNetwork(ctx context.Context, boundaryID int64) ([]RawNode, []RawEdge, error)
	// ReplaceCleaned swaps the cleaned graph written by a boundary in one transaction.
	ReplaceCleaned(ctx context.Context, g *Graph) error
	// CleanedWithin returns the union of every cleaned graph of extent whose
	// edges touch env. The result is read-only context.
	CleanedWithin(ctx context.Context, extent string, env geo.Envelope) (*Graph, error)
}
