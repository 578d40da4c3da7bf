package ingest

import (
	"math"
	"sort"

	"github.com/sells-group/network-metrics/internal/geo"
)

type cell struct{ x, y int64 }

// envIndex buckets feature envelopes into square cells. A feature spanning
// several cells is listed in each.
type envIndex struct {
	size  float64
	cells map[cell][]int
	envs  []geo.Envelope
}

func newEnvIndex(size float64) *envIndex {
	return &envIndex{size: size, cells: make(map[cell][]int)}
}

func (x *envIndex) span(env geo.Envelope) (lo, hi cell) {
	lo = cell{int64(math.Floor(env.MinX / x.size)), int64(math.Floor(env.MinY / x.size))}
	hi = cell{int64(math.Floor(env.MaxX / x.size)), int64(math.Floor(env.MaxY / x.size))}
	return lo, hi
}

// insert adds item i. Items must be inserted in order 0, 1, 2, ...
func (x *envIndex) insert(i int, env geo.Envelope) {
	x.envs = append(x.envs, env)
	lo, hi := x.span(env)
	for cx := lo.x; cx <= hi.x; cx++ {
		for cy := lo.y; cy <= hi.y; cy++ {
			k := cell{cx, cy}
			x.cells[k] = append(x.cells[k], i)
		}
	}
}

// query returns, ascending, every item whose envelope intersects env.
func (x *envIndex) query(env geo.Envelope) []int {
	seen := make(map[int]bool)
	var out []int
	lo, hi := x.span(env)
	for cx := lo.x; cx <= hi.x; cx++ {
		for cy := lo.y; cy <= hi.y; cy++ {
			for _, i := range x.cells[cell{cx, cy}] {
				if !seen[i] && x.envs[i].Intersects(env) {
					seen[i] = true
					out = append(out, i)
				}
			}
		}
	}
	sort.Ints(out)
	return out
}
