package ir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

func TestGraphUniquesPureNodes(t *testing.T) {
	g := ir.NewGraph(nil)
	c7 := g.ConstInt(7)
	require.Equal(t, c7, g.ConstInt(7))
	require.NotEqual(t, c7, g.ConstInt(8))
	require.NotEqual(t, c7, g.ConstLong(7))

	x, y := g.Parameter(0, jvm.KindInt), g.Parameter(1, jvm.KindInt)
	add := g.Unique(ir.OpAdd, jvm.KindInt, 0, nil, x, y)
	require.Equal(t, add, g.Unique(ir.OpAdd, jvm.KindInt, 0, nil, x, y))
	require.NotEqual(t, add, g.Unique(ir.OpAdd, jvm.KindInt, 0, nil, y, x))
	require.NotEqual(t, add, g.Unique(ir.OpSub, jvm.KindInt, 0, nil, x, y))

	cmp := g.Compare(ir.CondLT, false, x, y)
	require.Equal(t, cmp, g.Compare(ir.CondLT, false, x, y))
	require.NotEqual(t, cmp, g.CompareUnsigned(ir.CondLT, x, y))
	require.Equal(t, ir.CondLT, g.Node(cmp).Condition())
	require.True(t, g.Node(g.CompareUnsigned(ir.CondLT, x, y)).IsUnsignedCompare())

	// A comparison and its mirrored form canonicalize to one node.
	require.Equal(t, cmp, g.Compare(ir.CondGT, false, y, x))
	require.Equal(t, ir.CondLT, g.Node(g.Compare(ir.CondGT, false, y, x)).Condition())
	require.Equal(t, g.CompareUnsigned(ir.CondLT, x, y), g.CompareUnsigned(ir.CondGT, y, x))

	// Fixed nodes are never uniqued.
	l1 := g.NewNode(ir.OpArrayLength, jvm.KindInt, x)
	l2 := g.NewNode(ir.OpArrayLength, jvm.KindInt, x)
	require.NotEqual(t, l1, l2)
}

func TestGraphNullConst(t *testing.T) {
	g := ir.NewGraph(nil)
	null := g.NullConst()
	require.Equal(t, null, g.NullConst())
	require.True(t, g.Node(null).IsNullConst())
	ref := new(int)
	require.False(t, g.Node(g.ConstObject(ref)).IsNullConst())
}

func TestGraphEdgeSymmetry(t *testing.T) {
	g := ir.NewGraph(nil)
	begin := g.NewNode(ir.OpBegin, jvm.KindVoid)
	g.SetNext(g.Start(), begin)

	start := g.Node(g.Start())
	require.Equal(t, 1, start.NumSuccs())
	require.Equal(t, begin, start.Succ(0))
	require.Equal(t, g.Start(), g.Node(begin).Pred(0))

	c := g.ConstInt(3)
	ret := g.NewNode(ir.OpReturn, jvm.KindVoid, c)
	g.SetNext(begin, ret)
	require.Contains(t, g.Node(c).Uses(), ret)
	require.NoError(t, g.Verify())
}

func TestGraphReplaceAtUsages(t *testing.T) {
	g := ir.NewGraph(nil)
	a, b := g.ConstInt(1), g.ConstInt(2)
	x := g.Parameter(0, jvm.KindInt)
	add := g.Unique(ir.OpAdd, jvm.KindInt, 0, nil, x, a)
	ret := g.NewNode(ir.OpReturn, jvm.KindVoid, add)

	g.ReplaceAtUsages(a, b)
	require.Equal(t, b, g.Node(add).In(1))
	require.Contains(t, g.Node(b).Uses(), add)
	require.Empty(t, g.Node(a).Uses())
	require.Equal(t, add, g.Node(ret).In(0))
}

func TestGraphMarkRollback(t *testing.T) {
	g := ir.NewGraph(nil)
	x := g.Parameter(0, jvm.KindInt)
	mark := g.Mark()

	neg := g.Unique(ir.OpNeg, jvm.KindInt, 0, nil, x)
	require.True(t, g.AllocatedSince(mark, neg))
	require.False(t, g.AllocatedSince(mark, x))

	g.RemoveNodesSince(mark)
	require.True(t, g.Node(neg).IsDead())
	require.Empty(t, g.Node(x).Uses())

	// A retired id is not resurrected by uniquing.
	again := g.Unique(ir.OpNeg, jvm.KindInt, 0, nil, x)
	require.NotEqual(t, neg, again)
	require.False(t, g.Node(again).IsDead())
}

func TestGraphKillUnlinksEdges(t *testing.T) {
	g := ir.NewGraph(nil)
	begin := g.NewNode(ir.OpBegin, jvm.KindVoid)
	next := g.NewNode(ir.OpBegin, jvm.KindVoid)
	g.SetNext(g.Start(), begin)
	g.SetNext(begin, next)

	g.ReplaceAtPredecessors(begin, next)
	g.Kill(begin)
	require.True(t, g.Node(begin).IsDead())
	require.Equal(t, next, g.Node(g.Start()).Succ(0))
	require.Equal(t, g.Start(), g.Node(next).Pred(0))
	require.Equal(t, 1, g.Node(next).NumPreds())
}

func TestVerifyRejectsMalformedPhi(t *testing.T) {
	g := ir.NewGraph(nil)
	c := g.ConstInt(0)
	// A phi must be anchored at a merge or loop begin.
	g.NewNode(ir.OpPhi, jvm.KindInt, c, c)
	require.ErrorContains(t, g.Verify(), "anchored")
}

func TestVerifyRejectsWrongSuccessorCount(t *testing.T) {
	g := ir.NewGraph(nil)
	cond := g.ConstInt(1)
	ifNode := g.NewNodeP(ir.OpIf, jvm.KindVoid, 0, nil, cond)
	g.SetNext(g.Start(), ifNode)
	g.SetNext(ifNode, g.NewNode(ir.OpBegin, jvm.KindVoid))
	require.ErrorContains(t, g.Verify(), "successors")
}

func TestFormatListsLiveNodes(t *testing.T) {
	g := ir.NewGraph(nil)
	c := g.ConstInt(41)
	ret := g.NewNode(ir.OpReturn, jvm.KindVoid, c)
	g.SetNext(g.Start(), ret)

	out := g.Format()
	require.Contains(t, out, "Start")
	require.Contains(t, out, "Const.int 41")
	require.Contains(t, out, "Return")

	mark := g.Mark()
	dead := g.ConstInt(99)
	g.RemoveNodesSince(mark)
	require.True(t, g.Node(dead).IsDead())
	require.NotContains(t, g.Format(), "99")
}
