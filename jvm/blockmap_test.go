package jvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/jvmtest"
)

func staticMethod(name string, code []byte, locals int, params ...jvm.Kind) *jvmtest.Method {
	return &jvmtest.Method{
		MethodName: name,
		Bytecode:   code,
		Locals:     locals,
		Stack:      8,
		Sig:        jvm.Signature{Params: params, Return: jvm.KindVoid},
	}
}

func TestBlockMapStraightLine(t *testing.T) {
	code := jvmtest.NewAsm().
		Iconst(1).
		Istore(0).
		Op(jvm.Return).
		Code()
	m, err := jvm.BuildBlockMap(staticMethod("straight", code, 1))
	require.NoError(t, err)

	start := m.StartBlock()
	require.Equal(t, 0, start.StartBCI)
	require.Len(t, start.Successors, 1)
	require.Same(t, m.ReturnBlock(), start.Successors[0])
	require.Equal(t, 1, m.ReturnCount())
	require.Equal(t, 0, m.LoopCount())
	// Start first, the return collector after it.
	require.Equal(t, 0, start.ID)
	require.Greater(t, m.ReturnBlock().ID, start.ID)
}

func TestBlockMapDiamond(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).              // 0
		Branch(jvm.Ifeq, "else"). // 1
		Iconst(1).             // 4
		Istore(1).             // 5
		Goto("join").          // 6
		Label("else").
		Iconst(2). // 9
		Istore(1). // 10
		Label("join").
		Op(jvm.Return). // 11
		Code()
	m, err := jvm.BuildBlockMap(staticMethod("diamond", code, 2, jvm.KindInt))
	require.NoError(t, err)

	branch := m.StartBlock()
	require.Len(t, branch.Successors, 2)
	// Successor zero is the branch target, one the fall-through.
	require.Equal(t, 9, branch.Successors[0].StartBCI)
	require.Equal(t, 4, branch.Successors[1].StartBCI)

	join := m.BlockAt(11)
	require.Equal(t, 2, join.PredecessorCount())
	// Both arms precede the join in processing order.
	require.Greater(t, join.ID, m.BlockAt(4).ID)
	require.Greater(t, join.ID, m.BlockAt(9).ID)
}

func loopCode() []byte {
	return jvmtest.NewAsm().
		Iconst(0). // 0
		Istore(1). // 1
		Label("loop").
		Iload(1).                    // 2
		Iload(0).                    // 3
		Branch(jvm.IfIcmpge, "exit"). // 4
		Iinc(1, 1).                  // 7
		Goto("loop").                // 10
		Label("exit").
		Iload(1).        // 13
		Op(jvm.Ireturn). // 14
		Code()
}

func TestBlockMapLoop(t *testing.T) {
	m, err := jvm.BuildBlockMap(staticMethod("loop", loopCode(), 2, jvm.KindInt))
	require.NoError(t, err)

	require.Equal(t, 1, m.LoopCount())
	header := m.BlockAt(2)
	require.True(t, header.IsLoopHeader)
	require.Same(t, header, m.LoopHeader(header.LoopID))

	body := m.BlockAt(7)
	exit := m.BlockAt(13)
	require.Equal(t, uint64(1)<<header.LoopID, header.Loops)
	require.Equal(t, uint64(1)<<header.LoopID, body.Loops)
	require.Zero(t, exit.Loops)
	require.Zero(t, m.StartBlock().Loops)

	// Processing order: entry, header, body, exit.
	require.Less(t, m.StartBlock().ID, header.ID)
	require.Less(t, header.ID, body.ID)
	require.Less(t, header.ID, exit.ID)
}

func TestBlockMapDispatchChain(t *testing.T) {
	code := jvmtest.NewAsm().
		Aload(0).       // 0
		Op(jvm.Athrow). // 1
		Label("h1").
		Op(jvm.Return). // 2
		Label("h2").
		Op(jvm.Return). // 3
		Code()
	ex := &jvmtest.Type{TypeName: "java/io/IOException"}
	method := staticMethod("thrower", code, 1, jvm.KindObject)
	method.Handlers = []jvm.ExceptionHandler{
		{StartBCI: 0, EndBCI: 2, HandlerBCI: 2, CatchType: ex},
		{StartBCI: 0, EndBCI: 2, HandlerBCI: 3, IsCatchAll: true},
	}
	m, err := jvm.BuildBlockMap(method)
	require.NoError(t, err)

	require.Nil(t, m.ExceptionDispatch(0)) // aload cannot trap
	d1 := m.ExceptionDispatch(1)
	require.NotNil(t, d1)
	require.Equal(t, 1, d1.DeoptBCI)
	require.Same(t, ex, d1.Handler.CatchType)
	require.Same(t, m.BlockAt(2), d1.Successors[0])

	d2 := d1.Successors[1]
	require.NotNil(t, d2.Handler)
	require.True(t, d2.Handler.IsCatchAll)
	require.Same(t, m.BlockAt(3), d2.Successors[0])
	require.Len(t, d2.Successors, 1) // the catch-all terminates the chain

	require.True(t, m.BlockAt(2).IsExceptionEntry)
	require.True(t, m.BlockAt(3).IsExceptionEntry)
}

func TestBlockMapJsr(t *testing.T) {
	code := jvmtest.NewAsm().
		Branch(jvm.Jsr, "sub"). // 0
		Op(jvm.Return).         // 3
		Label("sub").
		Astore(1).     // 4
		B(jvm.Ret, 1). // 5
		Code()
	m, err := jvm.BuildBlockMap(staticMethod("sub", code, 2))
	require.NoError(t, err)

	entry := m.BlockAt(4)
	require.True(t, entry.JSREntry)
	require.Equal(t, []int{3}, entry.JSRScope)
	require.Same(t, m.BlockAt(3), entry.RetSuccessor)
}

func TestBlockMapJsrMultipleCallSites(t *testing.T) {
	code := jvmtest.NewAsm().
		Branch(jvm.Jsr, "sub"). // 0
		Branch(jvm.Jsr, "sub"). // 3
		Op(jvm.Return).         // 6
		Label("sub").
		Astore(1).     // 7
		B(jvm.Ret, 1). // 8
		Code()
	_, err := jvm.BuildBlockMap(staticMethod("multi", code, 2))
	require.ErrorContains(t, err, "multiple call sites")
}

func TestBlockMapRejectsIrreducibleLoop(t *testing.T) {
	// Both branch targets jump into the same cycle, so neither dominates
	// it and no natural loop exists.
	code := jvmtest.NewAsm().
		Iload(0).              // 0
		Branch(jvm.Ifeq, "b"). // 1
		Label("a").
		Op(jvm.Nop). // 4
		Label("b").
		Iload(0).              // 5
		Branch(jvm.Ifne, "a"). // 6
		Op(jvm.Return).        // 9
		Code()
	_, err := jvm.BuildBlockMap(staticMethod("tangle", code, 1, jvm.KindInt))
	require.ErrorContains(t, err, "irreducible")
}

func TestBlockMapWideRet(t *testing.T) {
	code := []byte{
		byte(jvm.Jsr), 0, 4, // 0: jsr 4
		byte(jvm.Return),                    // 3
		byte(jvm.Wide), byte(jvm.Astore), 0, 1, // 4: wide astore 1
		byte(jvm.Wide), byte(jvm.Ret), 0, 1, // 8: wide ret 1
	}
	m, err := jvm.BuildBlockMap(staticMethod("wideSub", code, 2))
	require.NoError(t, err)

	// The wide-prefixed ret still ends the subroutine block and wires the
	// return successor.
	entry := m.BlockAt(4)
	require.True(t, entry.JSREntry)
	require.Equal(t, []int{3}, entry.JSRScope)
	require.Same(t, m.BlockAt(3), entry.RetSuccessor)
	require.Equal(t, 8, entry.EndBCI)
}

func TestBlockMapRejectsTruncatedSwitch(t *testing.T) {
	_, err := jvm.BuildBlockMap(staticMethod("cutTable", []byte{byte(jvm.Tableswitch), 0, 0, 0}, 1, jvm.KindInt))
	require.ErrorContains(t, err, "truncated tableswitch")

	_, err = jvm.BuildBlockMap(staticMethod("cutLookup", []byte{byte(jvm.Lookupswitch), 0, 0, 0}, 1, jvm.KindInt))
	require.ErrorContains(t, err, "truncated lookupswitch")
}

func TestBlockMapRejectsUndefinedOpcode(t *testing.T) {
	_, err := jvm.BuildBlockMap(staticMethod("bad", []byte{0xcb}, 0))
	require.ErrorContains(t, err, "undefined opcode")
}

func TestLivenessLoop(t *testing.T) {
	method := staticMethod("loop", loopCode(), 2, jvm.KindInt)
	m, err := jvm.BuildBlockMap(method)
	require.NoError(t, err)
	live := jvm.BuildLiveness(method, m)

	header := m.BlockAt(2)
	// Both the bound and the accumulator are read inside the loop.
	require.True(t, live.LiveIn(header, 0))
	require.True(t, live.LiveIn(header, 1))

	exit := m.BlockAt(13)
	require.False(t, live.LiveIn(exit, 0))
	require.True(t, live.LiveIn(exit, 1))

	// Nothing is live once the method returns.
	require.False(t, live.LiveIn(m.ReturnBlock(), 1))
}

func TestLivenessKillBeforeUse(t *testing.T) {
	// local1 is written before any read, so it is dead at entry.
	code := jvmtest.NewAsm().
		Iload(0).
		Istore(1).
		Iload(1).
		Op(jvm.Ireturn).
		Code()
	method := staticMethod("kill", code, 2, jvm.KindInt)
	m, err := jvm.BuildBlockMap(method)
	require.NoError(t, err)
	live := jvm.BuildLiveness(method, m)

	require.True(t, live.LiveIn(m.StartBlock(), 0))
	require.False(t, live.LiveIn(m.StartBlock(), 1))
}
