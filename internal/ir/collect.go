package ir

import (
	"sort"
	"strings"

	"github.com/tinyrange/redec/internal/exp"
)

// ReachingDef pairs a location with the statement whose definition of it is
// live. Renaming builds a snapshot of these at call and return boundaries.
type ReachingDef struct {
	Loc exp.Exp
	Def Instruction
}

// DefCollector snapshots the definitions reaching a program point as a list
// of assignments loc := loc{def}. Calls and returns each own one; it fills
// once and is then read by later interprocedural stages.
type DefCollector struct {
	defs   []*Assign
	inited bool
}

// UpdateDefs records one assignment per reaching definition. Locations the
// collector already holds keep their first snapshot.
func (c *DefCollector) UpdateDefs(reach []ReachingDef, proc *Proc) {
	for _, rd := range reach {
		if c.ExistsOnLeft(rd.Loc) {
			continue
		}
		a := NewAssign(rd.Loc.Clone(), exp.NewRef(rd.Loc.Clone(), asDef(rd.Def)))
		a.SetProc(proc)
		c.defs = append(c.defs, a)
	}
	c.inited = true
}

// FindDefFor returns the reaching definition recorded for e, or nil.
func (c *DefCollector) FindDefFor(e exp.Exp) exp.Exp {
	for _, a := range c.defs {
		if exp.Equal(a.Lhs, e) {
			return a.Rhs
		}
	}
	return nil
}

func (c *DefCollector) Insert(a *Assign) {
	if c.ExistsOnLeft(a.Lhs) {
		return
	}
	c.defs = append(c.defs, a)
}

func (c *DefCollector) ExistsOnLeft(e exp.Exp) bool {
	for _, a := range c.defs {
		if exp.Equal(a.Lhs, e) {
			return true
		}
	}
	return false
}

func (c *DefCollector) MakeCloneOf(o *DefCollector) {
	c.defs = nil
	for _, a := range o.defs {
		na := NewAssign(a.Lhs.Clone(), a.Rhs.Clone())
		na.SetProc(a.Proc())
		c.defs = append(c.defs, na)
	}
	c.inited = o.inited
}

// SearchReplaceAll substitutes to for every occurrence of from on either side
// of every recorded definition and reports whether anything changed.
func (c *DefCollector) SearchReplaceAll(from, to exp.Exp) bool {
	changed := false
	sub := func(e exp.Exp) exp.Exp {
		if exp.Equal(e, from) {
			changed = true
			return to.Clone()
		}
		return e
	}
	for _, a := range c.defs {
		a.Lhs = exp.Modify(a.Lhs, sub)
		a.Rhs = exp.Modify(a.Rhs, sub)
	}
	return changed
}

// Defs returns the recorded assignments ordered by left hand side.
func (c *DefCollector) Defs() []*Assign {
	out := make([]*Assign, len(c.defs))
	copy(out, c.defs)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Lhs.String() < out[j].Lhs.String()
	})
	return out
}

func (c *DefCollector) Initialised() bool { return c.inited }

func (c *DefCollector) Clear() {
	c.defs = nil
	c.inited = false
}

func (c *DefCollector) String() string {
	parts := make([]string, 0, len(c.defs))
	for _, a := range c.Defs() {
		parts = append(parts, a.Lhs.String()+"="+a.Rhs.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// UseCollector accumulates the locations a program point consumes before any
// definition of them is seen. The zero value is ready to use.
type UseCollector struct {
	locs   *exp.Set
	inited bool
}

func (c *UseCollector) ensure() {
	if c.locs == nil {
		c.locs = exp.NewSet()
	}
}

func (c *UseCollector) Insert(e exp.Exp) {
	c.ensure()
	c.locs.Insert(e)
	c.inited = true
}

func (c *UseCollector) Exists(e exp.Exp) bool {
	return c.locs != nil && c.locs.Contains(e)
}

func (c *UseCollector) Remove(e exp.Exp) bool {
	return c.locs != nil && c.locs.Remove(e)
}

func (c *UseCollector) Size() int {
	if c.locs == nil {
		return 0
	}
	return c.locs.Size()
}

// Each calls f on every collected location in sorted order until f returns
// false.
func (c *UseCollector) Each(f func(exp.Exp) bool) {
	if c.locs == nil {
		return
	}
	c.locs.Each(f)
}

func (c *UseCollector) Equal(o *UseCollector) bool {
	if c.Size() != o.Size() {
		return false
	}
	if c.locs == nil {
		return true
	}
	return c.locs.Equal(o.locs)
}

func (c *UseCollector) MakeCloneOf(o *UseCollector) {
	c.locs = nil
	if o.locs != nil {
		c.locs = o.locs.Clone()
	}
	c.inited = o.inited
}

// FromSSAForm rewrites each collected bare location into its subscripted
// form loc{def} and then applies xform to the result, which replaces the
// entry. Where xform leaves loc{def} unchanged the collector holds loc{def};
// where it strips the subscript again the entry is loc as before.
func (c *UseCollector) FromSSAForm(proc *Proc, def Instruction, xform func(exp.Exp) exp.Exp) {
	if c.locs == nil {
		return
	}
	old := c.locs.Exps()
	for _, loc := range old {
		wrapped := exp.Exp(exp.NewRef(loc.Clone(), asDef(def)))
		ret := wrapped
		if xform != nil {
			ret = exp.Modify(wrapped, xform)
		}
		c.locs.Remove(loc)
		c.locs.Insert(ret)
	}
}

func (c *UseCollector) Initialised() bool { return c.inited }

func (c *UseCollector) Clear() {
	c.locs = nil
	c.inited = false
}

func (c *UseCollector) String() string {
	if c.locs == nil {
		return ""
	}
	return c.locs.String()
}
