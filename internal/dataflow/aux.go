package dataflow

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tinyrange/redec/internal/exp"
	"github.com/tinyrange/redec/internal/ir"
)

// SetDominanceNums assigns every statement of block n and its dominator-tree
// descendants a pre-order dominance number. Call with n = 0 and a counter
// starting point; the counter value after the walk is returned.
func (d *DataFlow) SetDominanceNums(n int, currNum int) int {
	for _, s := range d.BBs[n].Stmts() {
		s.SetDomNumber(currNum)
		currNum++
	}
	for c := 0; c < len(d.idom); c++ {
		if d.idom[c] != n {
			continue
		}
		currNum = d.SetDominanceNums(c, currNum)
	}
	return currNum
}

// FindLiveAtDomPhi walks the dominator tree from block n collecting, into
// used, the SSA locations whose definition is dominated by a phi that uses
// them. used0 holds candidates seen as phi parameters but not yet defined.
// defdByPhi maps each phi's wrapped LHS to the phi; entries that survive the
// walk belong to phis whose value is never used, which the caller may remove.
func (d *DataFlow) FindLiveAtDomPhi(n int, used, used0 *exp.Set, defdByPhi *exp.Map[*ir.PhiAssign]) {
	for _, s := range d.BBs[n].Stmts() {
		if pa, ok := s.(*ir.PhiAssign); ok {
			for _, p := range pa.Params() {
				if p.Arg != nil {
					var def exp.Def
					if p.Def != nil {
						def = p.Def
					}
					used0.Insert(exp.NewRef(p.Arg.Clone(), def))
				}
			}
			defdByPhi.Put(exp.NewRef(pa.Lhs.Clone(), pa), pa)
		}
		ls := exp.NewSet()
		s.AddUsedLocs(ls)
		for _, u := range ls.Exps() {
			// A used location is not a dead phi value.
			defdByPhi.Delete(u)
		}
		ls = exp.NewSet()
		s.Definitions(ls)
		for _, def := range ls.Exps() {
			wrapped := exp.NewRef(def.Clone(), s)
			// A definition already seen as a phi parameter is
			// dominated by that phi's use.
			if used0.Contains(wrapped) {
				used0.Remove(wrapped)
				used.Insert(wrapped)
			}
		}
	}
	for c := 0; c < len(d.idom); c++ {
		if d.idom[c] != n {
			continue
		}
		d.FindLiveAtDomPhi(c, used, used0, defdByPhi)
	}
}

// ConvertImplicits rewrites every implicit {-} subscript held in the phi
// placement maps into a reference to the concrete implicit definition at the
// procedure entry, so that later queries with converted keys succeed.
func (d *DataFlow) ConvertImplicits(cfg *ir.Cfg) {
	ic := ir.NewImplicitConverter(cfg)
	conv := func(e exp.Exp) exp.Exp {
		return exp.Modify(e.Clone(), ic.Convert)
	}

	aPhi := exp.NewMap[mapset.Set[int]]()
	d.aPhi.Each(func(e exp.Exp, s mapset.Set[int]) bool {
		aPhi.Put(conv(e), s)
		return true
	})
	d.aPhi = aPhi

	defsites := exp.NewMap[mapset.Set[int]]()
	d.defsites.Each(func(e exp.Exp, s mapset.Set[int]) bool {
		defsites.Put(conv(e), s)
		return true
	})
	d.defsites = defsites

	for n, se := range d.aOrig {
		seNew := exp.NewSet()
		se.Each(func(e exp.Exp) bool {
			seNew.Insert(conv(e))
			return true
		})
		d.aOrig[n] = seNew
	}
}
