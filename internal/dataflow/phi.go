package dataflow

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/redec/internal/exp"
	"github.com/tinyrange/redec/internal/ir"
)

// CanRename decides whether e may be SSA-renamed in the current phase. An
// outer subscript is peeled before the kind checks.
func (d *DataFlow) CanRename(e exp.Exp) bool {
	if ref, ok := e.(*exp.RefExp); ok {
		e = ref.Base
	}
	switch e.(type) {
	case *exp.Reg, *exp.Temp, *exp.Flags, *exp.MainFlag:
		return true
	case *exp.Local:
		// Locals only rename once escape analysis has run; before that
		// a propagated local could alias memory we cannot see.
		return d.RenameLocalsAndParams
	case *exp.MemOf:
		if !d.proc.IsLocalOrParamPattern(e) {
			return false
		}
		return d.RenameLocalsAndParams && !d.proc.IsAddressEscapedVar(e)
	}
	return false
}

// PlacePhiFunctions inserts trivial phi-functions at the iterated dominance
// frontier of every renamable location's definition sites. It reports whether
// any phi was inserted.
func (d *DataFlow) PlacePhiFunctions() bool {
	// Free vectors needed only during dominator construction.
	d.dfnum = nil
	d.semi = nil
	d.ancestor = nil
	d.samedom = nil
	d.vertex = nil
	d.parent = nil
	d.best = nil
	d.bucket = nil
	d.defsites.Clear()
	d.defallsites.Clear()
	d.aPhi.Clear()
	d.defStmts.Clear()

	change := false
	numBB := len(d.BBs)
	d.aOrig = make([]*exp.Set, numBB)
	for n := range d.aOrig {
		d.aOrig[n] = exp.NewSet()
	}

	// A_orig[n]: locations defined in block n. Rebuilt every run because
	// propagation and CFG edits invalidate old entries.
	for n := 0; n < numBB; n++ {
		for _, s := range d.BBs[n].Stmts() {
			ls := exp.NewSet()
			s.Definitions(ls)
			if ir.IsChildlessCall(s) {
				d.defallsites.Add(n)
			}
			for _, e := range ls.Exps() {
				if d.CanRename(e) {
					d.aOrig[n].Insert(e.Clone())
					d.defStmts.Put(e, s)
				}
			}
		}
	}

	for n := 0; n < numBB; n++ {
		for _, a := range d.aOrig[n].Exps() {
			d.defsitesFor(a).Add(n)
		}
	}

	for _, a := range d.defsites.Keys() {
		sites := d.defsitesFor(a)
		// A childless call defines every variable, so its block counts
		// as a definition site of a.
		for _, da := range sortedInts(d.defallsites) {
			sites.Add(da)
		}

		w := sites.Clone()
		for w.Cardinality() > 0 {
			n := sortedInts(w)[0]
			w.Remove(n)
			for _, y := range sortedInts(d.df[n]) {
				aphi := d.aPhiFor(a)
				if aphi.Contains(y) {
					continue
				}
				change = true
				phi := ir.NewPhiAssign(a.Clone())
				d.proc.NumberStmt(phi)
				d.BBs[y].PrependStmt(phi)
				log.WithFields(logrus.Fields{
					"loc":   a.String(),
					"block": d.BBs[y].Name(),
				}).Debug("inserted phi")
				aphi.Add(y)
				if !d.aOrig[y].Contains(a) {
					w.Add(y)
				}
			}
		}
	}
	d.dumpPhiState()
	return change
}

func (d *DataFlow) defsitesFor(a exp.Exp) mapset.Set[int] {
	if s, ok := d.defsites.Get(a); ok {
		return s
	}
	s := mapset.NewThreadUnsafeSet[int]()
	d.defsites.Put(a.Clone(), s)
	return s
}

func (d *DataFlow) aPhiFor(a exp.Exp) mapset.Set[int] {
	if s, ok := d.aPhi.Get(a); ok {
		return s
	}
	s := mapset.NewThreadUnsafeSet[int]()
	d.aPhi.Put(a.Clone(), s)
	return s
}
