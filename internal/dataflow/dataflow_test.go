package dataflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/redec/internal/exp"
	"github.com/tinyrange/redec/internal/ir"
	"github.com/tinyrange/redec/internal/textir"
)

func mustParse(t *testing.T, src string) *ir.Proc {
	t.Helper()
	proc, err := textir.ParseProc(src)
	require.NoError(t, err)
	return proc
}

// run performs the full construction: dominators, phi placement, renaming.
func run(t *testing.T, proc *ir.Proc, renameLocals bool) *DataFlow {
	t.Helper()
	df := New(proc)
	df.RenameLocalsAndParams = renameLocals
	require.NoError(t, df.Dominators(proc.Cfg()))
	df.PlacePhiFunctions()
	_, err := df.RenameBlockVars(0, true)
	require.NoError(t, err)
	return df
}

func stmt(t *testing.T, proc *ir.Proc, block, idx int) ir.Instruction {
	t.Helper()
	bb := proc.Cfg().Blocks()[block]
	require.Greater(t, len(bb.Stmts()), idx)
	return bb.Stmts()[idx]
}

const diamondSrc = `
proc diamond {
    block b0 -> b1, b2 { r1 := 1; }
    block b1 -> b3 { r1 := 2; }
    block b2 -> b3 { r1 := 3; }
    block b3 { r2 := r1; }
}`

func TestDominatorsDiamond(t *testing.T) {
	proc := mustParse(t, diamondSrc)
	df := New(proc)
	require.NoError(t, df.Dominators(proc.Cfg()))

	idoms := map[int]int{}
	for n := 0; n < df.NumBBs(); n++ {
		idoms[n] = df.Idom(n)
	}
	wantIdoms := map[int]int{0: -1, 1: 0, 2: 0, 3: 0}
	require.Empty(t, cmp.Diff(wantIdoms, idoms))

	fronts := map[int][]int{}
	for n := 0; n < df.NumBBs(); n++ {
		fronts[n] = sortedInts(df.DF(n))
	}
	wantFronts := map[int][]int{0: {}, 1: {3}, 2: {3}, 3: {}}
	require.Empty(t, cmp.Diff(wantFronts, fronts))
}

func TestDominatorsLoop(t *testing.T) {
	proc := mustParse(t, `
proc loop {
    block b0 -> b1 { r1 := 0; }
    block b1 -> b2 { }
    block b2 -> b1, b3 { r2 := r1; r1 := r1 + 1; }
    block b3 { r3 := r1; }
}`)
	df := New(proc)
	require.NoError(t, df.Dominators(proc.Cfg()))

	assert.Equal(t, -1, df.Idom(0))
	assert.Equal(t, 0, df.Idom(1))
	assert.Equal(t, 1, df.Idom(2))
	assert.Equal(t, 2, df.Idom(3))
	assert.Equal(t, []int{1}, sortedInts(df.DF(2)))
	assert.Equal(t, []int{1}, sortedInts(df.DF(1)))
	assert.Empty(t, sortedInts(df.DF(0)))
}

func TestDoesDominate(t *testing.T) {
	proc := mustParse(t, diamondSrc)
	df := New(proc)
	require.NoError(t, df.Dominators(proc.Cfg()))

	assert.True(t, df.DoesDominate(0, 1))
	assert.True(t, df.DoesDominate(0, 3))
	assert.False(t, df.DoesDominate(1, 3))
	assert.False(t, df.DoesDominate(3, 0))
	assert.False(t, df.DoesDominate(1, 2))
}

func TestUnreachableBlockKeepsNoIdom(t *testing.T) {
	proc := mustParse(t, `
proc dead {
    block b0 -> b1 { r1 := 1; }
    block b1 { ret r1; }
    block orphan { r2 := 2; }
}`)
	df := run(t, proc, false)
	assert.Equal(t, -1, df.Idom(2))
	assert.False(t, df.DoesDominate(0, 2))
}

func TestBlockIndexError(t *testing.T) {
	proc := mustParse(t, diamondSrc)
	df := New(proc)
	require.NoError(t, df.Dominators(proc.Cfg()))

	foreign := mustParse(t, `proc q { block b0 { r1 := 1; } }`)
	_, err := df.blockIndex(foreign.Cfg().Entry())
	require.ErrorIs(t, err, ErrNoBlockIndex)
}

// Straight line: no phi, the use picks up the closest dominating definition.
func TestStraightLine(t *testing.T) {
	proc := mustParse(t, `
proc s1 {
    block b0 -> b1 { r1 := 1; }
    block b1 -> b2 { r1 := 2; }
    block b2 { r2 := r1; }
}`)
	df := New(proc)
	require.NoError(t, df.Dominators(proc.Cfg()))
	assert.False(t, df.PlacePhiFunctions())
	changed, err := df.RenameBlockVars(0, true)
	require.NoError(t, err)
	assert.True(t, changed)

	a := stmt(t, proc, 2, 0).(*ir.Assign)
	assert.Equal(t, "r1{2}", a.Rhs.String())
}

// If-then-else join: one phi at the join, parameters keyed by predecessor.
func TestIfThenElseJoin(t *testing.T) {
	proc := mustParse(t, diamondSrc)
	df := New(proc)
	require.NoError(t, df.Dominators(proc.Cfg()))
	assert.True(t, df.PlacePhiFunctions())
	_, err := df.RenameBlockVars(0, true)
	require.NoError(t, err)

	blocks := proc.Cfg().Blocks()
	phi, ok := stmt(t, proc, 3, 0).(*ir.PhiAssign)
	require.True(t, ok)
	assert.Equal(t, "r1", phi.Lhs.String())

	params := phi.Params()
	require.Len(t, params, 2)
	assert.Equal(t, blocks[1], params[0].Pred)
	assert.Equal(t, 2, params[0].Def.Number())
	assert.Equal(t, blocks[2], params[1].Pred)
	assert.Equal(t, 3, params[1].Def.Number())

	use := stmt(t, proc, 3, 1).(*ir.Assign)
	assert.Equal(t, exp.NewRef(exp.NewReg(1), phi).String(), use.Rhs.String())

	assert.Equal(t, []int{3}, sortedInts(df.APhi(exp.NewReg(1))))
}

// Loop: phi at the loop head, back-edge parameter from the reassignment.
func TestLoop(t *testing.T) {
	proc := mustParse(t, `
proc s3 {
    block b0 -> b1 { r1 := 0; }
    block b1 -> b2 { }
    block b2 -> b1, b3 { r2 := r1; r1 := r1 + 1; }
    block b3 { r3 := r1; }
}`)
	df := run(t, proc, false)

	blocks := proc.Cfg().Blocks()
	// r2 is also defined in b2, so the loop head holds a phi for r2 too;
	// it was prepended after the r1 phi and sits in front of it.
	phi, ok := stmt(t, proc, 1, 1).(*ir.PhiAssign)
	require.True(t, ok)
	assert.Equal(t, "r1", phi.Lhs.String())

	params := phi.Params()
	require.Len(t, params, 2)
	assert.Equal(t, blocks[0], params[0].Pred)
	assert.Equal(t, 1, params[0].Def.Number())
	assert.Equal(t, blocks[2], params[1].Pred)
	assert.Equal(t, 3, params[1].Def.Number())

	useInLoop := stmt(t, proc, 2, 0).(*ir.Assign)
	assert.Equal(t, exp.NewRef(exp.NewReg(1), phi).String(), useInLoop.Rhs.String())

	useAfter := stmt(t, proc, 3, 0).(*ir.Assign)
	assert.Equal(t, "r1{3}", useAfter.Rhs.String())

	assert.Equal(t, []int{1}, sortedInts(df.APhi(exp.NewReg(1))))
}

const childlessSrc = `
proc s4 {
    block b0 -> b1 { r1 := 1; }
    block b1 -> b2 { call helper childless; }
    block b2 { r2 := r1; }
}`

// A childless call defines every variable; the use after it reaches the call.
func TestChildlessCallDefineAll(t *testing.T) {
	proc := mustParse(t, childlessSrc)
	df := run(t, proc, false)

	assert.Equal(t, []int{1}, sortedInts(df.DefAllSites()))
	assert.Equal(t, []int{0, 1}, sortedInts(df.DefSites(exp.NewReg(1))))

	call := stmt(t, proc, 1, 0).(*ir.CallStatement)
	use := stmt(t, proc, 2, 0).(*ir.Assign)
	assert.Equal(t, "r1{2}", use.Rhs.String())

	assert.True(t, call.UseCollector().Exists(exp.NewReg(1)))
	reach := call.DefCollector().FindDefFor(exp.NewReg(1))
	require.NotNil(t, reach)
	assert.Equal(t, "r1{1}", reach.String())
}

func TestChildlessCallAssumeABI(t *testing.T) {
	AssumeABI = true
	defer func() { AssumeABI = false }()

	proc := mustParse(t, childlessSrc)
	run(t, proc, false)

	// With ABI compliance assumed, the call defines nothing, so the use
	// still sees the block-0 assignment.
	use := stmt(t, proc, 2, 0).(*ir.Assign)
	assert.Equal(t, "r1{1}", use.Rhs.String())
}

// A use at entry with no definition at all gets a null subscript and lands in
// the procedure's entry use collector.
func TestUsedBeforeDefined(t *testing.T) {
	proc := mustParse(t, `
proc s5 {
    block b0 -> b1 { r2 := r1; }
    block b1 { ret r2; }
}`)
	run(t, proc, false)

	use := stmt(t, proc, 0, 0).(*ir.Assign)
	assert.Equal(t, "r1{-}", use.Rhs.String())
	assert.True(t, proc.EntryUses().Exists(exp.NewReg(1)))

	ret := stmt(t, proc, 1, 0).(*ir.ReturnStatement)
	assert.Equal(t, "r2{1}", ret.Returns[0].String())
	reach := ret.Collector().FindDefFor(exp.NewReg(2))
	require.NotNil(t, reach)
	assert.Equal(t, "r2{1}", reach.String())
}

const implicitSrc = `
proc s6 sp 28 {
    block b0 -> b1 { r1 := m[r28]; }
    block b1 { m[r28] := r1; }
}`

// Implicit {-} subscripts in the placement maps convert to references to the
// entry definition {0}, and the converted keys answer queries.
func TestConvertImplicits(t *testing.T) {
	proc := mustParse(t, implicitSrc)
	df := run(t, proc, true)

	use := stmt(t, proc, 0, 0).(*ir.Assign)
	assert.Equal(t, "m[r28]{-}", use.Rhs.String())

	def := stmt(t, proc, 1, 0).(*ir.Assign)
	assert.Equal(t, "m[r28{-}]", def.Lhs.String())

	// A second placement run keys the maps on the renamed addresses.
	df.PlacePhiFunctions()
	implicitKey := exp.NewMemOf(exp.NewRef(exp.NewReg(28), nil))
	require.NotNil(t, df.DefSites(implicitKey))

	df.ConvertImplicits(proc.Cfg())

	ia := proc.Cfg().FindImplicitAssign(exp.NewReg(28))
	concreteKey := exp.NewMemOf(exp.NewRef(exp.NewReg(28), ia))
	assert.Equal(t, "m[r28{0}]", concreteKey.String())
	assert.NotNil(t, df.DefSites(concreteKey))
	assert.Nil(t, df.DefSites(implicitKey))

	// The entry definition was materialized at the head of block 0.
	assert.Same(t, ia, stmt(t, proc, 0, 0))
}

func TestConvertImplicitsIdempotent(t *testing.T) {
	proc := mustParse(t, implicitSrc)
	df := run(t, proc, true)
	df.PlacePhiFunctions()

	keyStrings := func() []string {
		var out []string
		for _, k := range df.defsites.Keys() {
			out = append(out, k.String())
		}
		return out
	}

	df.ConvertImplicits(proc.Cfg())
	once := keyStrings()
	df.ConvertImplicits(proc.Cfg())
	twice := keyStrings()
	require.Empty(t, cmp.Diff(once, twice))
}

func TestCanRenamePolicy(t *testing.T) {
	proc := mustParse(t, `proc p sp 28 { block b0 { r1 := 1; } }`)
	escaped := exp.NewMemOf(exp.NewBinary(exp.OpMinus, exp.NewReg(28), exp.NewConst(8)))
	proc.MarkEscaped(escaped)

	df := New(proc)
	assert.True(t, df.CanRename(exp.NewReg(1)))
	assert.True(t, df.CanRename(exp.NewTemp("tmp1")))
	assert.True(t, df.CanRename(exp.NewFlags()))
	assert.True(t, df.CanRename(exp.NewMainFlag("CF")))
	assert.True(t, df.CanRename(exp.NewRef(exp.NewReg(1), nil)))
	assert.False(t, df.CanRename(exp.NewPC()))
	assert.False(t, df.CanRename(exp.NewConst(4)))

	stackLoc := exp.NewMemOf(exp.NewBinary(exp.OpMinus, exp.NewReg(28), exp.NewConst(4)))
	assert.False(t, df.CanRename(exp.NewLocal("local0")))
	assert.False(t, df.CanRename(stackLoc))

	df.RenameLocalsAndParams = true
	assert.True(t, df.CanRename(exp.NewLocal("local0")))
	assert.True(t, df.CanRename(stackLoc))
	assert.False(t, df.CanRename(escaped))
	assert.False(t, df.CanRename(exp.NewMemOf(exp.NewReg(1))))
}

// Defining a named local also shadows the location its symbol stands for.
func TestLocalAliasDefinition(t *testing.T) {
	proc := mustParse(t, `
proc locals sp 28 {
    local local0 = m[r28 - 4];

    block b0 -> b1 { local0 := 1; }
    block b1 { r1 := m[r28 - 4]; }
}`)
	run(t, proc, true)

	use := stmt(t, proc, 1, 0).(*ir.Assign)
	assert.Equal(t, "m[r28 - 4]{1}", use.Rhs.String())
}

func TestRenameIsDeterministic(t *testing.T) {
	a := mustParse(t, childlessSrc)
	b := mustParse(t, childlessSrc)
	run(t, a, false)
	run(t, b, false)
	require.Equal(t, textir.Print(a), textir.Print(b))
}

func TestSetDominanceNums(t *testing.T) {
	proc := mustParse(t, diamondSrc)
	df := run(t, proc, false)

	total := df.SetDominanceNums(0, 0)
	var count int
	prevByBlock := map[int]int{}
	for n, bb := range proc.Cfg().Blocks() {
		for _, s := range bb.Stmts() {
			count++
			prevByBlock[n] = s.DomNumber()
		}
	}
	assert.Equal(t, count, total)
	// Pre-order: every block's statements come after its idom's.
	for n := 1; n < df.NumBBs(); n++ {
		assert.Greater(t, prevByBlock[n], prevByBlock[df.Idom(n)])
	}
}

func TestFindLiveAtDomPhi(t *testing.T) {
	proc := mustParse(t, `
proc loop {
    block b0 -> b1 { r1 := 0; }
    block b1 -> b2 { }
    block b2 -> b1, b3 { r2 := r1; r1 := r1 + 1; }
    block b3 { r3 := r1; }
}`)
	df := run(t, proc, false)

	used := exp.NewSet()
	used0 := exp.NewSet()
	defdByPhi := exp.NewMap[*ir.PhiAssign]()
	df.FindLiveAtDomPhi(0, used, used0, defdByPhi)

	// The reassignment of r1 is dominated by the phi that consumes it.
	reassign := stmt(t, proc, 2, 1)
	assert.True(t, used.Contains(exp.NewRef(exp.NewReg(1), reassign)))
	// The r1 phi's value is used, so it is not left in the dead map; only
	// the r2 phi at the loop head, which nothing reads, remains.
	assert.Equal(t, 1, defdByPhi.Len())
	_, r1PhiDead := defdByPhi.Get(exp.NewRef(exp.NewReg(1), stmt(t, proc, 1, 1)))
	assert.False(t, r1PhiDead)
}

func TestFindLiveAtDomPhiKeepsDeadPhis(t *testing.T) {
	proc := mustParse(t, `
proc deadphi {
    block b0 -> b1, b2 { r1 := 1; }
    block b1 -> b3 { r1 := 2; }
    block b2 -> b3 { r1 := 3; }
    block b3 { r9 := 0; }
}`)
	df := run(t, proc, false)

	used := exp.NewSet()
	used0 := exp.NewSet()
	defdByPhi := exp.NewMap[*ir.PhiAssign]()
	df.FindLiveAtDomPhi(0, used, used0, defdByPhi)

	// Nothing reads the phi at the join, so its entry survives the walk.
	assert.Equal(t, 1, defdByPhi.Len())
}
