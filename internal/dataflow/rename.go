package dataflow

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/redec/internal/exp"
	"github.com/tinyrange/redec/internal/ir"
)

// defineAll stands for the latest definition from a define-all source. It is
// consulted for variables with no definition of their own yet; as soon as a
// real definition of x appears, Stacks[defineAll] no longer applies to x.
var defineAll exp.Exp = exp.NewDefineAll()

// renameProgress counts recursive renaming calls for the debug tick.
var renameProgress int

func (d *DataFlow) pushDef(a exp.Exp, s ir.Instruction) {
	st, ok := d.stacks.Get(a)
	if !ok {
		// Clone the key: the caller's expression can be rewritten by
		// later passes while the stack entry must stay stable.
		st = &defStack{}
		d.stacks.Put(a.Clone(), st)
	}
	st.push(s)
}

// topDef returns the reaching definition of a without materializing a stack
// entry. The second result distinguishes "no stack or empty" from a nil
// definition.
func (d *DataFlow) topDef(a exp.Exp) (ir.Instruction, bool) {
	st, ok := d.stacks.Get(a)
	if !ok || st.empty() {
		return nil, false
	}
	return st.top(), true
}

func (d *DataFlow) popDef(a exp.Exp, s ir.Instruction) error {
	st, ok := d.stacks.Get(a)
	if !ok || st.empty() {
		return errors.Wrapf(ErrStackUnderflow, "%s at %s", a, s)
	}
	st.pop()
	return nil
}

// reachingDefs snapshots every location with a live definition, in sorted
// key order.
func (d *DataFlow) reachingDefs() []ir.ReachingDef {
	var out []ir.ReachingDef
	d.stacks.Each(func(e exp.Exp, st *defStack) bool {
		if !st.empty() {
			out = append(out, ir.ReachingDef{Loc: e, Def: st.top()})
		}
		return true
	})
	return out
}

// RenameBlockVars subscripts every renamable use in block n and, recursively,
// in the blocks n dominates, maintaining the per-location definition stacks.
// It reports whether any use was rewritten. The driver calls it once with
// n = 0 and clearStacks = true.
func (d *DataFlow) RenameBlockVars(n int, clearStacks bool) (bool, error) {
	renameProgress++
	if renameProgress%200 == 0 {
		log.WithField("calls", renameProgress).Debug("renaming progress")
		d.dumpStacks()
	}
	changed := false
	if clearStacks {
		// Old renamed locations like m[esp-4] would compare unstably
		// once rewritten, so a fresh run starts from an empty map.
		d.stacks.Clear()
	}
	bb := d.BBs[n]

	for _, s := range bb.Stmts() {
		locs := exp.NewSet()
		pa, isPhi := s.(*ir.PhiAssign)
		if isPhi {
			// Only the address of a memory LHS contributes uses; the
			// parameters are defined by predecessors, not used here.
			if mo, ok := pa.Lhs.(*exp.MemOf); ok {
				ir.CollectUses(mo.Addr, locs)
			}
			// A phi may use a location defined in a childless call,
			// whose use collector then needs the phi's LHS.
			for _, p := range pa.Params() {
				if c, ok := p.Def.(*ir.CallStatement); ok {
					c.UseBeforeDefine(pa.Lhs.Clone())
				}
			}
		} else {
			s.AddUsedLocs(locs)
		}

		for _, x := range locs.Exps() {
			if !d.CanRename(x) {
				continue
			}
			if ref, ok := x.(*exp.RefExp); ok {
				// Already subscripted. Redo the usage analysis only:
				// the definition may be a call whose livenesses were
				// just recomputed.
				if c, ok := ref.Def.(*ir.CallStatement); ok {
					c.UseBeforeDefine(ref.Base.Clone())
					continue
				}
				if ref.Def == nil {
					d.proc.UseBeforeDefine(ref.Base.Clone())
				}
				continue
			}
			def, ok := d.topDef(x)
			if !ok {
				if da, okAll := d.topDef(defineAll); okAll {
					def = da
				} else {
					// No definition reaches: leave the subscript
					// null. It becomes a pointer to an implicit
					// entry definition once the memory expressions
					// stop changing.
					d.proc.UseBeforeDefine(x.Clone())
				}
			}
			if c, ok := def.(*ir.CallStatement); ok {
				c.UseBeforeDefine(x.Clone())
			}
			var ch bool
			if isPhi {
				ch = pa.SubscriptLhsAddr(x, def)
			} else {
				ch = s.SubscriptVar(x, def)
			}
			changed = changed || ch
		}

		// Calls and returns snapshot the reaching definitions before
		// their own defines are processed.
		switch t := s.(type) {
		case *ir.CallStatement:
			t.DefCollector().UpdateDefs(d.reachingDefs(), d.proc)
		case *ir.ReturnStatement:
			t.Collector().UpdateDefs(d.reachingDefs(), d.proc)
		}

		defs := exp.NewSet()
		s.Definitions(defs)
		for _, a := range defs.Exps() {
			suitable := d.CanRename(a)
			if suitable {
				d.pushDef(a, s)
			}
			if loc, ok := a.(*exp.Local); ok && suitable {
				// The local also shadows the location its symbol
				// stands for.
				if a1 := d.proc.ExpFromSymbol(loc.Name); a1 != nil {
					d.pushDef(a1, s)
				}
			}
		}
		// A childless call defines every variable at once.
		if ir.IsChildlessCall(s) && !AssumeABI {
			if _, ok := d.stacks.Get(defineAll); !ok {
				d.stacks.Put(defineAll.Clone(), &defStack{})
			}
			d.stacks.Each(func(_ exp.Exp, st *defStack) bool {
				st.push(s)
				return true
			})
		}
	}

	// Fill the phi parameters coming from this block in every successor.
	for _, ybb := range bb.OutEdges() {
		for _, st := range ybb.Stmts() {
			pa, ok := st.(*ir.PhiAssign)
			if !ok {
				// Keep scanning: a phi can be turned into an
				// ordinary assign, leaving phis after non-phis.
				continue
			}
			a := pa.Lhs
			if !d.CanRename(a) {
				continue
			}
			def, _ := d.topDef(a)
			pa.PutAt(bb, def, a.Clone())
		}
	}

	for x := 0; x < len(d.BBs); x++ {
		if d.idom[x] != n {
			continue
		}
		ch, err := d.RenameBlockVars(x, false)
		if err != nil {
			return changed, err
		}
		changed = changed || ch
	}

	// Pop in reverse statement order. Backwards matters here: a childless
	// call pushed itself on every stack, and those entries must come off
	// after the definitions of later statements.
	stmts := bb.Stmts()
	for i := len(stmts) - 1; i >= 0; i-- {
		s := stmts[i]
		defs := exp.NewSet()
		s.Definitions(defs)
		for _, a := range defs.Exps() {
			if !d.CanRename(a) {
				continue
			}
			if err := d.popDef(a, s); err != nil {
				return changed, err
			}
			if loc, ok := a.(*exp.Local); ok {
				if a1 := d.proc.ExpFromSymbol(loc.Name); a1 != nil {
					if err := d.popDef(a1, s); err != nil {
						return changed, err
					}
				}
			}
		}
		if ir.IsChildlessCall(s) {
			d.stacks.Each(func(_ exp.Exp, st *defStack) bool {
				if !st.empty() && st.top() == s {
					st.pop()
				}
				return true
			})
		}
	}
	return changed, nil
}
