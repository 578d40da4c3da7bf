package network

import (
	"math"

	"github.com/sells-group/network-metrics/internal/geo"
)

type cellKey struct{ x, y int64 }

// gridIndex buckets point items into square cells for neighbourhood queries.
type gridIndex struct {
	cell  float64
	cells map[cellKey][]int
}

func newGridIndex(cell float64) *gridIndex {
	return &gridIndex{cell: cell, cells: make(map[cellKey][]int)}
}

func (g *gridIndex) key(x, y float64) cellKey {
	return cellKey{int64(math.Floor(x / g.cell)), int64(math.Floor(y / g.cell))}
}

func (g *gridIndex) insert(item int, x, y float64) {
	k := g.key(x, y)
	g.cells[k] = append(g.cells[k], item)
}

// query calls fn once for every item in a cell overlapping env. Items are
// candidates only; callers still check exact distances.
func (g *gridIndex) query(env geo.Envelope, fn func(item int)) {
	lo, hi := g.key(env.MinX, env.MinY), g.key(env.MaxX, env.MaxY)
	for x := lo.x; x <= hi.x; x++ {
		for y := lo.y; y <= hi.y; y++ {
			for _, item := range g.cells[cellKey{x, y}] {
				fn(item)
			}
		}
	}
}

// unionFind merges snapped nodes. The root of every set is its lowest index.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra < rb:
		u.parent[rb] = ra
	case rb < ra:
		u.parent[ra] = rb
	}
}
