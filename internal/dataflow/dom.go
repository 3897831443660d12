package dataflow

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tinyrange/redec/internal/ir"
)

// Dominators computes the dominator tree and dominance frontiers of cfg,
// using Lengauer-Tarjan semidominators with path compression.
func (d *DataFlow) Dominators(cfg *ir.Cfg) error {
	d.indexBlocks(cfg)
	numBB := len(d.BBs)

	d.dfnum = make([]int, numBB)
	d.semi = fill(numBB, -1)
	d.ancestor = fill(numBB, -1)
	d.idom = fill(numBB, -1)
	d.samedom = fill(numBB, -1)
	d.vertex = fill(numBB, -1)
	d.parent = fill(numBB, -1)
	d.best = fill(numBB, -1)
	d.bucket = make([]mapset.Set[int], numBB)
	d.df = make([]mapset.Set[int], numBB)
	for i := range d.bucket {
		d.bucket[i] = mapset.NewThreadUnsafeSet[int]()
		d.df[i] = mapset.NewThreadUnsafeSet[int]()
	}

	d.N = 0
	if err := d.dfs(-1, 0); err != nil {
		return err
	}

	for i := d.N - 1; i >= 1; i-- {
		n := d.vertex[i]
		p := d.parent[n]
		s := p
		// Semidominator of n, by the semidominator theorem.
		for _, pred := range d.BBs[n].InEdges() {
			v, err := d.blockIndex(pred)
			if err != nil {
				return err
			}
			sdash := v
			if d.dfnum[v] > d.dfnum[n] {
				sdash = d.semi[d.ancestorWithLowestSemi(v)]
			}
			if d.dfnum[sdash] < d.dfnum[s] {
				s = sdash
			}
		}
		d.semi[n] = s
		// n's dominator is deferred until the path from s to n is
		// linked into the forest.
		d.bucket[s].Add(n)
		d.link(p, n)
		for _, v := range sortedInts(d.bucket[p]) {
			y := d.ancestorWithLowestSemi(v)
			if d.semi[y] == d.semi[v] {
				d.idom[v] = p
			} else {
				d.samedom[v] = y
			}
		}
		d.bucket[p].Clear()
	}
	// Deferred dominator calculations, second clause of the dominator
	// theorem.
	for i := 1; i < d.N; i++ {
		n := d.vertex[i]
		if d.samedom[n] != -1 {
			d.idom[n] = d.idom[d.samedom[n]]
		}
	}

	d.computeDF(0)
	d.dumpDominators()
	return nil
}

// dfs assigns preorder numbers from n downward. Blocks never reached keep
// dfnum 0 and stay out of the dominator tree.
func (d *DataFlow) dfs(p, n int) error {
	if d.dfnum[n] != 0 || (n == 0 && d.N > 0) {
		return nil
	}
	d.dfnum[n] = d.N
	d.vertex[d.N] = n
	d.parent[n] = p
	d.N++
	for _, succ := range d.BBs[n].OutEdges() {
		w, err := d.blockIndex(succ)
		if err != nil {
			return err
		}
		if err := d.dfs(n, w); err != nil {
			return err
		}
	}
	return nil
}

// ancestorWithLowestSemi walks the spanning forest from v with path
// compression, returning the ancestor whose semidominator has the lowest
// preorder number. Appel 2002, algorithm 19.10b.
func (d *DataFlow) ancestorWithLowestSemi(v int) int {
	a := d.ancestor[v]
	if d.ancestor[a] != -1 {
		b := d.ancestorWithLowestSemi(a)
		d.ancestor[v] = d.ancestor[a]
		if d.dfnum[d.semi[b]] < d.dfnum[d.semi[d.best[v]]] {
			d.best[v] = b
		}
	}
	return d.best[v]
}

func (d *DataFlow) link(p, n int) {
	d.ancestor[n] = p
	d.best[n] = n
}

// DoesDominate reports whether block n strictly dominates block w, by
// walking the idom chain of w. It is false for n == w.
func (d *DataFlow) DoesDominate(n, w int) bool {
	for d.idom[w] != -1 {
		if d.idom[w] == n {
			return true
		}
		w = d.idom[w]
	}
	return false
}

// computeDF fills the dominance frontier of n and, recursively, of every
// dominator-tree descendant of n.
func (d *DataFlow) computeDF(n int) {
	s := mapset.NewThreadUnsafeSet[int]()
	// DF_local: successors not immediately dominated by n.
	for _, succ := range d.BBs[n].OutEdges() {
		y := d.indices[succ]
		if d.idom[y] != n {
			s.Add(y)
		}
	}
	// DF_up of each dominator-tree child. The linear scan over all blocks
	// leaves unreachable ones out, since their idom stays -1.
	for c := 0; c < len(d.idom); c++ {
		if d.idom[c] != n {
			continue
		}
		d.computeDF(c)
		for _, w := range sortedInts(d.df[c]) {
			if n == w || !d.DoesDominate(n, w) {
				s.Add(w)
			}
		}
	}
	d.df[n] = s
}

func fill(n, v int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func sortedInts(s mapset.Set[int]) []int {
	out := s.ToSlice()
	sort.Ints(out)
	return out
}
