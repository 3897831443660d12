package ir

import "github.com/tinyrange/redec/internal/exp"

// BasicBlock is a maximal straight-line statement sequence. Edge order is
// authoritative: phi parameters are keyed by predecessor, and successor order
// is reproduced by every pass.
type BasicBlock struct {
	name  string
	stmts []Instruction
	in    []*BasicBlock
	out   []*BasicBlock
}

func (b *BasicBlock) Name() string          { return b.name }
func (b *BasicBlock) Stmts() []Instruction  { return b.stmts }
func (b *BasicBlock) InEdges() []*BasicBlock  { return b.in }
func (b *BasicBlock) OutEdges() []*BasicBlock { return b.out }

func (b *BasicBlock) AppendStmt(s Instruction) {
	b.stmts = append(b.stmts, s)
}

// PrependStmt inserts s at the head of the block, in front of any phi
// functions already there.
func (b *BasicBlock) PrependStmt(s Instruction) {
	b.stmts = append([]Instruction{s}, b.stmts...)
}

// Cfg is a control-flow graph. The first block created is the entry; blocks
// are iterated in creation order, which includes unreachable ones so that
// index lookups by predecessor never fail.
type Cfg struct {
	proc      *Proc
	blocks    []*BasicBlock
	entry     *BasicBlock
	implicits *exp.Map[*ImplicitAssign]
}

func newCfg(proc *Proc) *Cfg {
	return &Cfg{proc: proc, implicits: exp.NewMap[*ImplicitAssign]()}
}

func (c *Cfg) NewBlock(name string) *BasicBlock {
	b := &BasicBlock{name: name}
	c.blocks = append(c.blocks, b)
	if c.entry == nil {
		c.entry = b
	}
	return b
}

func (c *Cfg) AddEdge(pred, succ *BasicBlock) {
	pred.out = append(pred.out, succ)
	succ.in = append(succ.in, pred)
}

func (c *Cfg) Blocks() []*BasicBlock { return c.blocks }
func (c *Cfg) Entry() *BasicBlock    { return c.entry }
func (c *Cfg) NumBlocks() int        { return len(c.blocks) }

// FindImplicitAssign returns the implicit entry definition for e, creating it
// at the head of the entry block on first request. Implicit assignments keep
// statement number 0 so subscripted uses of them print as {0}.
func (c *Cfg) FindImplicitAssign(e exp.Exp) *ImplicitAssign {
	if ia, ok := c.implicits.Get(e); ok {
		return ia
	}
	ia := NewImplicitAssign(e.Clone())
	ia.SetProc(c.proc)
	c.entry.PrependStmt(ia)
	c.implicits.Put(e.Clone(), ia)
	return ia
}

// ImplicitConverter rewrites implicit {-} subscripts into references to the
// concrete implicit assignment at the procedure entry. Apply it with
// exp.Modify so inner subscripts convert before the expressions containing
// them.
type ImplicitConverter struct {
	cfg *Cfg
}

func NewImplicitConverter(cfg *Cfg) *ImplicitConverter {
	return &ImplicitConverter{cfg: cfg}
}

func (ic *ImplicitConverter) Convert(e exp.Exp) exp.Exp {
	if ref, ok := e.(*exp.RefExp); ok && ref.Def == nil {
		return exp.NewRef(ref.Base, ic.cfg.FindImplicitAssign(ref.Base))
	}
	return e
}
