// Package ir holds the procedure-level containers the mid-end operates on:
// control-flow graphs of basic blocks, the statement kinds that appear in
// them, and the def/use collectors attached to call and return boundaries.
package ir

import (
	"fmt"
	"strings"

	"github.com/tinyrange/redec/internal/exp"
)

// Instruction is one three-address statement. Statement order within a block
// is authoritative; every statement carries an ordering number unique within
// its procedure (0 is reserved for implicit entry definitions).
type Instruction interface {
	Number() int
	SetNumber(int)
	DomNumber() int
	SetDomNumber(int)
	Proc() *Proc
	SetProc(*Proc)

	// Definitions inserts every location written by the statement.
	Definitions(defs *exp.Set)
	// AddUsedLocs inserts every location read by the statement, including
	// memory dereferences and the locations inside their addresses.
	AddUsedLocs(locs *exp.Set)
	// SubscriptVar rewrites every use of x into x{def} and reports whether
	// anything changed. Definition sides are not touched, except for the
	// address components of a memory-dereference left hand side.
	SubscriptVar(x exp.Exp, def Instruction) bool

	String() string
}

type stmtBase struct {
	num    int
	domNum int
	proc   *Proc
}

func (s *stmtBase) Number() int        { return s.num }
func (s *stmtBase) SetNumber(n int)    { s.num = n }
func (s *stmtBase) DomNumber() int     { return s.domNum }
func (s *stmtBase) SetDomNumber(n int) { s.domNum = n }
func (s *stmtBase) Proc() *Proc        { return s.proc }
func (s *stmtBase) SetProc(p *Proc)    { s.proc = p }

// asDef converts a possibly-nil Instruction into the expression layer's Def
// without producing a typed nil.
func asDef(d Instruction) exp.Def {
	if d == nil {
		return nil
	}
	return d
}

// CollectUses inserts into locs every location read by e, the way statements
// report their own uses.
func CollectUses(e exp.Exp, locs *exp.Set) { collectUses(e, locs) }

func collectUses(e exp.Exp, locs *exp.Set) {
	switch t := e.(type) {
	case *exp.Reg, *exp.Temp, *exp.Flags, *exp.MainFlag, *exp.Local:
		locs.Insert(e)
	case *exp.MemOf:
		locs.Insert(e)
		collectUses(t.Addr, locs)
	case *exp.RefExp:
		locs.Insert(e)
		if mo, ok := t.Base.(*exp.MemOf); ok {
			collectUses(mo.Addr, locs)
		}
	case *exp.Binary:
		collectUses(t.L, locs)
		collectUses(t.R, locs)
	}
}

// Assign is an ordinary assignment lhs := rhs.
type Assign struct {
	stmtBase
	Lhs exp.Exp
	Rhs exp.Exp
}

func NewAssign(lhs, rhs exp.Exp) *Assign {
	return &Assign{Lhs: lhs, Rhs: rhs}
}

func (s *Assign) Definitions(defs *exp.Set) { defs.Insert(s.Lhs) }

func (s *Assign) AddUsedLocs(locs *exp.Set) {
	collectUses(s.Rhs, locs)
	if mo, ok := s.Lhs.(*exp.MemOf); ok {
		collectUses(mo.Addr, locs)
	}
}

func (s *Assign) SubscriptVar(x exp.Exp, def Instruction) bool {
	changed := false
	if e, ch := exp.SubscriptVar(s.Rhs, x, asDef(def)); ch {
		s.Rhs = e
		changed = true
	}
	if mo, ok := s.Lhs.(*exp.MemOf); ok {
		if a, ch := exp.SubscriptVar(mo.Addr, x, asDef(def)); ch {
			s.Lhs = exp.NewMemOf(a)
			changed = true
		}
	}
	return changed
}

func (s *Assign) String() string {
	return fmt.Sprintf("%4d %s := %s", s.num, s.Lhs, s.Rhs)
}

// ImplicitAssign is the definition of a location at procedure entry, created
// on demand when implicit {-} subscripts are converted to concrete ones. It
// always has statement number 0.
type ImplicitAssign struct {
	stmtBase
	Lhs exp.Exp
}

func NewImplicitAssign(lhs exp.Exp) *ImplicitAssign {
	return &ImplicitAssign{Lhs: lhs}
}

func (s *ImplicitAssign) Definitions(defs *exp.Set) { defs.Insert(s.Lhs) }

func (s *ImplicitAssign) AddUsedLocs(*exp.Set) {}

func (s *ImplicitAssign) SubscriptVar(exp.Exp, Instruction) bool { return false }
func (s *ImplicitAssign) String() string {
	return fmt.Sprintf("%4d %s := <implicit>", s.num, s.Lhs)
}

// PhiParam is one incoming value of a phi-function, keyed by the predecessor
// block it flows in from. A nil Def means no definition reaches along that
// edge.
type PhiParam struct {
	Pred *BasicBlock
	Arg  exp.Exp
	Def  Instruction
}

// PhiAssign is the pseudo-assignment lhs := phi(...) at a join block, with
// one parameter per in-edge.
type PhiAssign struct {
	stmtBase
	Lhs    exp.Exp
	params []PhiParam
}

func NewPhiAssign(lhs exp.Exp) *PhiAssign {
	return &PhiAssign{Lhs: lhs}
}

func (s *PhiAssign) Params() []PhiParam { return s.params }

// PutAt sets the parameter coming from pred, replacing an existing entry for
// the same predecessor.
func (s *PhiAssign) PutAt(pred *BasicBlock, def Instruction, arg exp.Exp) {
	for i := range s.params {
		if s.params[i].Pred == pred {
			s.params[i].Def = def
			s.params[i].Arg = arg
			return
		}
	}
	s.params = append(s.params, PhiParam{Pred: pred, Arg: arg, Def: def})
}

func (s *PhiAssign) Definitions(defs *exp.Set) { defs.Insert(s.Lhs) }

// AddUsedLocs reports each filled-in parameter as a subscripted use, plus the
// locations inside a memory-dereference left hand side.
func (s *PhiAssign) AddUsedLocs(locs *exp.Set) {
	for _, p := range s.params {
		if p.Arg != nil {
			locs.Insert(exp.NewRef(p.Arg.Clone(), asDef(p.Def)))
		}
	}
	if mo, ok := s.Lhs.(*exp.MemOf); ok {
		collectUses(mo.Addr, locs)
	}
}

func (s *PhiAssign) SubscriptVar(x exp.Exp, def Instruction) bool {
	return s.SubscriptLhsAddr(x, def)
}

// SubscriptLhsAddr renames a use of x inside the address of a
// memory-dereference left hand side. The parameters themselves are filled by
// the renamer, not by substitution.
func (s *PhiAssign) SubscriptLhsAddr(x exp.Exp, def Instruction) bool {
	mo, ok := s.Lhs.(*exp.MemOf)
	if !ok {
		return false
	}
	a, ch := exp.SubscriptVar(mo.Addr, x, asDef(def))
	if ch {
		s.Lhs = exp.NewMemOf(a)
	}
	return ch
}

func (s *PhiAssign) String() string {
	parts := make([]string, 0, len(s.params))
	for _, p := range s.params {
		if p.Def == nil {
			parts = append(parts, "-")
		} else {
			parts = append(parts, fmt.Sprintf("%d", p.Def.Number()))
		}
	}
	return fmt.Sprintf("%4d %s := phi{%s}", s.num, s.Lhs, strings.Join(parts, ", "))
}

// CallStatement is a call site. A childless call has no callee summary and is
// conservatively treated as defining every variable. Each call carries a
// DefCollector snapshotting the definitions that reach it and a UseCollector
// recording locations used before being defined at it.
type CallStatement struct {
	stmtBase
	Callee    string
	Args      []exp.Exp
	defines   []exp.Exp
	childless bool
	defCol    DefCollector
	useCol    UseCollector
}

func NewCall(callee string) *CallStatement {
	return &CallStatement{Callee: callee}
}

func (s *CallStatement) SetChildless(b bool) { s.childless = b }
func (s *CallStatement) IsChildless() bool   { return s.childless }

func (s *CallStatement) AddDefine(e exp.Exp) { s.defines = append(s.defines, e) }
func (s *CallStatement) Defines() []exp.Exp  { return s.defines }

func (s *CallStatement) DefCollector() *DefCollector { return &s.defCol }
func (s *CallStatement) UseCollector() *UseCollector { return &s.useCol }

// UseBeforeDefine records that loc is consumed at this call before any
// definition of it is seen along the current path.
func (s *CallStatement) UseBeforeDefine(loc exp.Exp) { s.useCol.Insert(loc) }

func (s *CallStatement) Definitions(defs *exp.Set) {
	for _, d := range s.defines {
		defs.Insert(d)
	}
}

func (s *CallStatement) AddUsedLocs(locs *exp.Set) {
	for _, a := range s.Args {
		collectUses(a, locs)
	}
}

func (s *CallStatement) SubscriptVar(x exp.Exp, def Instruction) bool {
	changed := false
	for i, a := range s.Args {
		if e, ch := exp.SubscriptVar(a, x, asDef(def)); ch {
			s.Args[i] = e
			changed = true
		}
	}
	return changed
}

func (s *CallStatement) String() string {
	out := fmt.Sprintf("%4d call %s", s.num, s.Callee)
	if s.childless {
		out += " <childless>"
	}
	if len(s.Args) > 0 {
		parts := make([]string, len(s.Args))
		for i, a := range s.Args {
			parts[i] = a.String()
		}
		out += "(" + strings.Join(parts, ", ") + ")"
	}
	return out
}

// ReturnStatement carries the values flowing out of the procedure and a
// DefCollector snapshotting the definitions that reach the exit.
type ReturnStatement struct {
	stmtBase
	Returns []exp.Exp
	col     DefCollector
}

func NewReturn(returns ...exp.Exp) *ReturnStatement {
	return &ReturnStatement{Returns: returns}
}

func (s *ReturnStatement) Collector() *DefCollector { return &s.col }

func (s *ReturnStatement) Definitions(*exp.Set) {}

func (s *ReturnStatement) AddUsedLocs(locs *exp.Set) {
	for _, r := range s.Returns {
		collectUses(r, locs)
	}
}

func (s *ReturnStatement) SubscriptVar(x exp.Exp, def Instruction) bool {
	changed := false
	for i, r := range s.Returns {
		if e, ch := exp.SubscriptVar(r, x, asDef(def)); ch {
			s.Returns[i] = e
			changed = true
		}
	}
	return changed
}

func (s *ReturnStatement) String() string {
	parts := make([]string, len(s.Returns))
	for i, r := range s.Returns {
		parts[i] = r.String()
	}
	return fmt.Sprintf("%4d ret %s", s.num, strings.Join(parts, ", "))
}

// BranchStatement is a conditional two-way terminator.
type BranchStatement struct {
	stmtBase
	Cond    exp.Exp
	TTarget *BasicBlock
	FTarget *BasicBlock
}

func NewBranch(cond exp.Exp) *BranchStatement {
	return &BranchStatement{Cond: cond}
}

func (s *BranchStatement) Definitions(*exp.Set) {}

func (s *BranchStatement) AddUsedLocs(locs *exp.Set) {
	collectUses(s.Cond, locs)
}

func (s *BranchStatement) SubscriptVar(x exp.Exp, def Instruction) bool {
	e, ch := exp.SubscriptVar(s.Cond, x, asDef(def))
	if ch {
		s.Cond = e
	}
	return ch
}

func (s *BranchStatement) String() string {
	t, f := "?", "?"
	if s.TTarget != nil {
		t = s.TTarget.Name()
	}
	if s.FTarget != nil {
		f = s.FTarget.Name()
	}
	return fmt.Sprintf("%4d branch %s -> %s, %s", s.num, s.Cond, t, f)
}

// GotoStatement is an unconditional terminator.
type GotoStatement struct {
	stmtBase
	Target *BasicBlock
}

func NewGoto(target *BasicBlock) *GotoStatement {
	return &GotoStatement{Target: target}
}

func (s *GotoStatement) Definitions(*exp.Set) {}

func (s *GotoStatement) AddUsedLocs(*exp.Set) {}

func (s *GotoStatement) SubscriptVar(exp.Exp, Instruction) bool { return false }

func (s *GotoStatement) String() string {
	t := "?"
	if s.Target != nil {
		t = s.Target.Name()
	}
	return fmt.Sprintf("%4d goto %s", s.num, t)
}

// IsChildlessCall reports whether s is a call with no callee summary.
func IsChildlessCall(s Instruction) bool {
	c, ok := s.(*CallStatement)
	return ok && c.IsChildless()
}
