// Package dataflow builds and maintains the SSA form of a procedure: the
// dominator tree and dominance frontiers of its CFG, pruned phi placement for
// every renamable location, the renaming walk that subscripts each use with
// its reaching definition, and the auxiliary passes that run over the
// populated dominator tree.
package dataflow

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/redec/internal/exp"
	"github.com/tinyrange/redec/internal/ir"
)

var log = logrus.WithField("component", "dataflow")

// AssumeABI disables the define-all stack pushes at childless calls. When
// set, a call with no callee summary defines only what it declares.
var AssumeABI = false

var (
	// ErrNoBlockIndex reports a CFG predecessor or successor missing from
	// the block index, a structural violation that aborts the pass.
	ErrNoBlockIndex = errors.New("basic block has no index")

	// ErrStackUnderflow reports a pop from a definition stack with no entry
	// for the location, which means an earlier push was missed.
	ErrStackUnderflow = errors.New("definition stack underflow")
)

// defStack is the LIFO of statements currently defining one location.
type defStack struct {
	defs []ir.Instruction
}

func (s *defStack) push(d ir.Instruction) { s.defs = append(s.defs, d) }

func (s *defStack) pop() {
	s.defs = s.defs[:len(s.defs)-1]
}

func (s *defStack) top() ir.Instruction {
	if len(s.defs) == 0 {
		return nil
	}
	return s.defs[len(s.defs)-1]
}

func (s *defStack) empty() bool { return len(s.defs) == 0 }

// DataFlow holds the per-procedure SSA construction state. It is rebuilt
// from scratch on every run; the driver creates one per procedure and re-runs
// the passes after any CFG mutation.
type DataFlow struct {
	proc *ir.Proc

	// RenameLocalsAndParams widens the rename policy to locals and to
	// stack-pattern memory dereferences. The driver sets it between
	// analysis phases, after escape analysis has run.
	RenameLocalsAndParams bool

	// Block indexing. BBs[0] is the entry block; the rest follow CFG
	// iteration order, including unreachable blocks.
	BBs     []*ir.BasicBlock
	indices map[*ir.BasicBlock]int
	N       int

	dfnum    []int
	semi     []int
	ancestor []int
	idom     []int
	samedom  []int
	vertex   []int
	parent   []int
	best     []int
	bucket   []mapset.Set[int]
	df       []mapset.Set[int]

	aOrig       []*exp.Set
	defsites    *exp.Map[mapset.Set[int]]
	defallsites mapset.Set[int]
	aPhi        *exp.Map[mapset.Set[int]]
	defStmts    *exp.Map[ir.Instruction]

	stacks *exp.Map[*defStack]
}

func New(proc *ir.Proc) *DataFlow {
	return &DataFlow{
		proc:        proc,
		defsites:    exp.NewMap[mapset.Set[int]](),
		defallsites: mapset.NewThreadUnsafeSet[int](),
		aPhi:        exp.NewMap[mapset.Set[int]](),
		defStmts:    exp.NewMap[ir.Instruction](),
		stacks:      exp.NewMap[*defStack](),
	}
}

func (d *DataFlow) Proc() *ir.Proc { return d.proc }

// indexBlocks assigns every block a dense index with the entry at 0.
// Unreachable blocks are indexed too, so that lookups by predecessor never
// fail.
func (d *DataFlow) indexBlocks(cfg *ir.Cfg) {
	numBB := cfg.NumBlocks()
	d.BBs = make([]*ir.BasicBlock, 1, numBB)
	d.indices = make(map[*ir.BasicBlock]int, numBB)
	entry := cfg.Entry()
	d.BBs[0] = entry
	d.indices[entry] = 0
	for _, bb := range cfg.Blocks() {
		if bb == entry {
			continue
		}
		d.indices[bb] = len(d.BBs)
		d.BBs = append(d.BBs, bb)
	}
}

func (d *DataFlow) blockIndex(bb *ir.BasicBlock) (int, error) {
	i, ok := d.indices[bb]
	if !ok {
		return 0, errors.Wrapf(ErrNoBlockIndex, "block %s", bb.Name())
	}
	return i, nil
}

// Idom returns the immediate dominator index of block n, -1 for the entry
// and for unreachable blocks.
func (d *DataFlow) Idom(n int) int { return d.idom[n] }

// DF returns the dominance frontier of block n.
func (d *DataFlow) DF(n int) mapset.Set[int] { return d.df[n] }

func (d *DataFlow) NumBBs() int { return len(d.BBs) }

// APhi returns the set of blocks holding a phi for e, or nil.
func (d *DataFlow) APhi(e exp.Exp) mapset.Set[int] {
	s, ok := d.aPhi.Get(e)
	if !ok {
		return nil
	}
	return s
}

// DefSites returns the set of blocks defining e, or nil.
func (d *DataFlow) DefSites(e exp.Exp) mapset.Set[int] {
	s, ok := d.defsites.Get(e)
	if !ok {
		return nil
	}
	return s
}

func (d *DataFlow) DefAllSites() mapset.Set[int] { return d.defallsites }

// AOrig returns the locations originally defined in block n.
func (d *DataFlow) AOrig(n int) *exp.Set { return d.aOrig[n] }

func (d *DataFlow) dumpDominators() {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	for n := range d.BBs {
		log.WithFields(logrus.Fields{
			"block": d.BBs[n].Name(),
			"idom":  d.idom[n],
			"semi":  d.semi[n],
			"df":    sortedInts(d.df[n]),
		}).Debug("dominator state")
	}
}

func (d *DataFlow) dumpPhiState() {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	d.aPhi.Each(func(e exp.Exp, s mapset.Set[int]) bool {
		log.WithFields(logrus.Fields{
			"loc":    e.String(),
			"blocks": sortedInts(s),
		}).Debug("phi placement")
		return true
	})
	d.defsites.Each(func(e exp.Exp, s mapset.Set[int]) bool {
		log.WithFields(logrus.Fields{
			"loc":    e.String(),
			"blocks": sortedInts(s),
		}).Debug("defsites")
		return true
	})
	for n, se := range d.aOrig {
		log.WithFields(logrus.Fields{
			"block": d.BBs[n].Name(),
			"locs":  se.String(),
		}).Debug("original definitions")
	}
}

func (d *DataFlow) dumpStacks() {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	d.stacks.Each(func(e exp.Exp, st *defStack) bool {
		tops := make([]string, len(st.defs))
		for i, s := range st.defs {
			tops[i] = s.String()
		}
		log.WithFields(logrus.Fields{
			"loc":   e.String(),
			"stack": tops,
		}).Debug("definition stack")
		return true
	})
}
