package uow

import (
	"fmt"

	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// dependency states that node from must be written before node to. The
// association lives on the entity whose join column carries the edge.
type dependency struct {
	from, to int
	assoc    *mapping.Association
	holder   int
}

func (d dependency) nullable() bool { return d.assoc.Nullable }

// commitOrder sorts n nodes so that every dependency's from precedes its to,
// preferring the lower node index whenever several nodes are ready. When
// only cycles remain it picks the lowest blocked node whose remaining
// incoming dependencies are all nullable and drops those dependencies; they
// are returned so the caller can write the column in a separate statement.
// A cycle of non-nullable dependencies fails with ErrCircularDependency.
func commitOrder(n int, deps []dependency) (order []int, dropped []dependency, err error) {
	indeg := make([]int, n)
	in := make([][]int, n)
	out := make([][]int, n)
	alive := make([]bool, len(deps))
	for i, d := range deps {
		alive[i] = true
		indeg[d.to]++
		in[d.to] = append(in[d.to], i)
		out[d.from] = append(out[d.from], i)
	}

	done := make([]bool, n)
	order = make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			next = breakable(n, deps, in, alive, done)
			if next < 0 {
				return nil, nil, fmt.Errorf("%w among %d entities", types.ErrCircularDependency, n-len(order))
			}
			for _, di := range in[next] {
				if alive[di] {
					alive[di] = false
					indeg[next]--
					dropped = append(dropped, deps[di])
				}
			}
		}

		done[next] = true
		order = append(order, next)
		for _, di := range out[next] {
			if alive[di] {
				alive[di] = false
				indeg[deps[di].to]--
			}
		}
	}
	return order, dropped, nil
}

func breakable(n int, deps []dependency, in [][]int, alive, done []bool) int {
	for i := 0; i < n; i++ {
		if done[i] {
			continue
		}
		ok := true
		for _, di := range in[i] {
			if alive[di] && !deps[di].nullable() {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}
