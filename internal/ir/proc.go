package ir

import "github.com/tinyrange/redec/internal/exp"

// Proc is the procedure a CFG belongs to. It owns the symbol map used to
// resolve locals, the set of escaped addresses, and the entry UseCollector
// that records locations consumed before any definition reaches them.
type Proc struct {
	name    string
	cfg     *Cfg
	spReg   int
	symbols map[string]exp.Exp
	escaped *exp.Set
	useCol  UseCollector
	nextNum int
}

// NewProc creates an empty procedure. spReg is the stack pointer register
// used by the local-or-parameter address pattern.
func NewProc(name string, spReg int) *Proc {
	p := &Proc{
		name:    name,
		spReg:   spReg,
		symbols: make(map[string]exp.Exp),
		escaped: exp.NewSet(),
		nextNum: 1,
	}
	p.cfg = newCfg(p)
	return p
}

func (p *Proc) Name() string { return p.name }
func (p *Proc) Cfg() *Cfg    { return p.cfg }
func (p *Proc) SPReg() int   { return p.spReg }

// NumberStmt attaches s to the procedure and gives it the next ordering
// number. Number 0 is reserved for implicit entry definitions.
func (p *Proc) NumberStmt(s Instruction) {
	s.SetProc(p)
	s.SetNumber(p.nextNum)
	p.nextNum++
}

// SetSymbol records the expression a named local stands for.
func (p *Proc) SetSymbol(name string, e exp.Exp) {
	p.symbols[name] = e
}

// ExpFromSymbol returns the expression a named local stands for, or nil.
func (p *Proc) ExpFromSymbol(name string) exp.Exp {
	return p.symbols[name]
}

// MarkEscaped records that the address of e escapes the procedure, which
// blocks renaming of the location.
func (p *Proc) MarkEscaped(e exp.Exp) {
	p.escaped.Insert(e.Clone())
}

func (p *Proc) IsAddressEscapedVar(e exp.Exp) bool {
	return p.escaped.Contains(e)
}

// IsLocalOrParamPattern reports whether e is a memory dereference of the
// form m[sp], m[sp + K] or m[sp - K], with the stack pointer possibly
// subscripted.
func (p *Proc) IsLocalOrParamPattern(e exp.Exp) bool {
	mo, ok := e.(*exp.MemOf)
	if !ok {
		return false
	}
	addr := stripRefs(mo.Addr)
	if r, ok := addr.(*exp.Reg); ok {
		return r.Index == p.spReg
	}
	b, ok := addr.(*exp.Binary)
	if !ok || (b.Oper != exp.OpPlus && b.Oper != exp.OpMinus) {
		return false
	}
	if _, ok := b.R.(*exp.Const); !ok {
		return false
	}
	r, ok := stripRefs(b.L).(*exp.Reg)
	return ok && r.Index == p.spReg
}

// UseBeforeDefine records that loc is consumed at procedure entry before any
// definition of it exists.
func (p *Proc) UseBeforeDefine(loc exp.Exp) {
	p.useCol.Insert(loc)
}

// EntryUses is the collector of locations live on entry.
func (p *Proc) EntryUses() *UseCollector { return &p.useCol }

func stripRefs(e exp.Exp) exp.Exp {
	for {
		ref, ok := e.(*exp.RefExp)
		if !ok {
			return e
		}
		e = ref.Base
	}
}
