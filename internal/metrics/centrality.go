package metrics

import (
	"container/heap"
	"context"
	"slices"
	"strconv"

	"github.com/sells-group/network-metrics/internal/network"
)

// Centrality computes, per node and per distance cutoff, harmonic closeness,
// reach and betweenness over network distance weighted by edge length.
type Centrality struct {
	distances []float64
}

// NewCentrality creates the centrality family. Distances are sorted and
// deduplicated; an empty list falls back to 500, 1000 and 2000 metres.
func NewCentrality(distances []float64) *Centrality {
	ds := slices.Clone(distances)
	if len(ds) == 0 {
		ds = []float64{500, 1000, 2000}
	}
	slices.Sort(ds)
	return &Centrality{distances: slices.Compact(ds)}
}

func (c *Centrality) Name() string     { return "centrality" }
func (c *Centrality) Layers() []string { return nil }

func (c *Centrality) Compute(ctx context.Context, in Input) ([]Value, error) {
	g := newWeighted(in.Graph)
	n := len(g.ids)
	harmonic := make([][]float64, len(c.distances))
	reach := make([][]float64, len(c.distances))
	between := make([][]float64, len(c.distances))
	for k := range c.distances {
		harmonic[k] = make([]float64, n)
		reach[k] = make([]float64, n)
		between[k] = make([]float64, n)
	}

	cutoff := c.distances[len(c.distances)-1]
	sp := newShortestPaths(n)
	delta := make([]float64, n)
	for s := 0; s < n; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sp.run(g, s, cutoff)
		for k, d := range c.distances {
			// order is non-decreasing in distance, so the nodes within d form a prefix.
			m := 0
			for m < len(sp.order) && sp.dist[sp.order[m]] <= d {
				m++
			}
			for _, t := range sp.order[1:m] {
				if dist := sp.dist[t]; dist > 0 {
					harmonic[k][s] += 1 / dist
				}
			}
			reach[k][s] = float64(m - 1)

			for _, v := range sp.order[:m] {
				delta[v] = 0
			}
			for i := m - 1; i > 0; i-- {
				w := sp.order[i]
				for _, v := range sp.preds[w] {
					delta[v] += sp.sigma[v] / sp.sigma[w] * (1 + delta[w])
				}
				between[k][w] += delta[w]
			}
		}
	}

	var out []Value
	for _, id := range in.OwnedNodes() {
		i, ok := g.index[id]
		if !ok {
			continue
		}
		for k, d := range c.distances {
			suffix := "_" + strconv.FormatFloat(d, 'f', -1, 64)
			out = append(out,
				Value{Kind: KindNode, FeatureID: id, Metric: "harmonic" + suffix, Value: harmonic[k][i]},
				Value{Kind: KindNode, FeatureID: id, Metric: "reach" + suffix, Value: reach[k][i]},
				// Every unordered pair is counted from both ends.
				Value{Kind: KindNode, FeatureID: id, Metric: "betweenness" + suffix, Value: between[k][i] / 2},
			)
		}
	}
	return out, nil
}

type arc struct {
	to     int
	length float64
}

// weighted is an index-based adjacency list over a cleaned graph.
type weighted struct {
	ids   []string
	index map[string]int
	adj   [][]arc
}

func newWeighted(g *network.Graph) *weighted {
	w := &weighted{ids: g.NodeIDs(), index: make(map[string]int, len(g.Nodes))}
	for i, id := range w.ids {
		w.index[id] = i
	}
	w.adj = make([][]arc, len(w.ids))
	for _, eid := range g.EdgeIDs() {
		e := g.Edges[eid]
		a, b := w.index[e.From], w.index[e.To]
		if a == b {
			continue
		}
		w.adj[a] = append(w.adj[a], arc{b, e.Length})
		w.adj[b] = append(w.adj[b], arc{a, e.Length})
	}
	return w
}

// shortestPaths is the single-source state of Brandes' algorithm, reused
// across sources.
type shortestPaths struct {
	dist  []float64
	sigma []float64
	preds [][]int
	done  []bool
	// order lists settled nodes by non-decreasing distance, source first.
	order []int
	seen  []int
}

func newShortestPaths(n int) *shortestPaths {
	sp := &shortestPaths{
		dist:  make([]float64, n),
		sigma: make([]float64, n),
		preds: make([][]int, n),
		done:  make([]bool, n),
	}
	for i := range sp.dist {
		sp.dist[i] = -1
	}
	return sp
}

func (sp *shortestPaths) reset() {
	for _, v := range sp.seen {
		sp.dist[v] = -1
		sp.sigma[v] = 0
		sp.preds[v] = sp.preds[v][:0]
		sp.done[v] = false
	}
	sp.seen = sp.seen[:0]
	sp.order = sp.order[:0]
}

func (sp *shortestPaths) run(g *weighted, s int, cutoff float64) {
	sp.reset()
	sp.dist[s] = 0
	sp.sigma[s] = 1
	sp.seen = append(sp.seen, s)
	q := &distQueue{{node: s}}
	for q.Len() > 0 {
		it := heap.Pop(q).(queued)
		v := it.node
		if sp.done[v] || it.dist > sp.dist[v] {
			continue
		}
		sp.done[v] = true
		sp.order = append(sp.order, v)
		for _, a := range g.adj[v] {
			nd := sp.dist[v] + a.length
			if nd > cutoff {
				continue
			}
			w := a.to
			switch {
			case sp.dist[w] < 0:
				sp.seen = append(sp.seen, w)
				fallthrough
			case nd < sp.dist[w]:
				sp.dist[w] = nd
				sp.sigma[w] = sp.sigma[v]
				sp.preds[w] = append(sp.preds[w][:0], v)
				heap.Push(q, queued{node: w, dist: nd})
			case nd == sp.dist[w] && !sp.done[w]:
				sp.sigma[w] += sp.sigma[v]
				sp.preds[w] = append(sp.preds[w], v)
			}
		}
	}
}

type queued struct {
	node int
	dist float64
}

type distQueue []queued

func (q distQueue) Len() int { return len(q) }
func (q distQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node < q[j].node
}
func (q distQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *distQueue) Push(x any)   { *q = append(*q, x.(queued)) }
func (q *distQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}
