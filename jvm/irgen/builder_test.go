package irgen_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
	"github.com/jazero/jazero/jvm/irgen"
	"github.com/jazero/jazero/jvm/jvmtest"
)

func method(name string, code []byte, locals int, ret jvm.Kind, params ...jvm.Kind) *jvmtest.Method {
	return &jvmtest.Method{
		MethodName: name,
		HolderType: &jvmtest.Type{TypeName: "Test"},
		Bytecode:   code,
		Locals:     locals,
		Stack:      8,
		Sig:        jvm.Signature{Params: params, Return: ret},
	}
}

func countOps(g *ir.Graph, op ir.Opcode) int {
	n := 0
	g.NodeIDs(func(id ir.NodeID) {
		if node := g.Node(id); !node.IsDead() && node.Opcode() == op {
			n++
		}
	})
	return n
}

func findOp(t *testing.T, g *ir.Graph, op ir.Opcode) ir.NodeID {
	t.Helper()
	found := ir.NodeIDInvalid
	g.NodeIDs(func(id ir.NodeID) {
		if node := g.Node(id); !node.IsDead() && node.Opcode() == op && !found.Valid() {
			found = id
		}
	})
	require.True(t, found.Valid(), "no %s node in graph", op)
	return found
}

func TestBuildStraightLine(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).
		Iconst(1).
		Op(jvm.Iadd).
		Op(jvm.Ireturn).
		Code()
	g, err := irgen.Build(method("inc", code, 1, jvm.KindInt, jvm.KindInt), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Equal(t, 1, countOps(g, ir.OpReturn))
	ret := g.Node(findOp(t, g, ir.OpReturn))
	add := g.Node(ret.In(0))
	require.Equal(t, ir.OpAdd, add.Opcode())
	require.Equal(t, jvm.KindInt, add.Kind())
	require.Equal(t, ir.OpParameter, g.Node(add.In(0)).Opcode())
}

func TestConditionalFolding(t *testing.T) {
	// Both arms only push a constant and return, so the branch becomes a
	// select feeding one return.
	code := jvmtest.NewAsm().
		Iload(0).                 // 0
		Branch(jvm.Ifeq, "zero"). // 1
		Iconst(1).                // 4
		Op(jvm.Ireturn).          // 5
		Label("zero").
		Iconst(0).       // 6
		Op(jvm.Ireturn). // 7
		Code()
	g, err := irgen.Build(method("bool", code, 1, jvm.KindInt, jvm.KindInt), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Zero(t, countOps(g, ir.OpIf))
	require.Equal(t, 1, countOps(g, ir.OpConditional))
	require.Equal(t, 1, countOps(g, ir.OpReturn))
	ret := g.Node(findOp(t, g, ir.OpReturn))
	require.Equal(t, ir.OpConditional, g.Node(ret.In(0)).Opcode())
}

func loopCode() []byte {
	return jvmtest.NewAsm().
		Iconst(0). // 0
		Istore(1). // 1
		Label("loop").
		Iload(1).                     // 2
		Iload(0).                     // 3
		Branch(jvm.IfIcmpge, "exit"). // 4
		Iinc(1, 1).                   // 7
		Goto("loop").                 // 10
		Label("exit").
		Iload(1).        // 13
		Op(jvm.Ireturn). // 14
		Code()
}

func TestLoopPhis(t *testing.T) {
	g, err := irgen.Build(method("count", loopCode(), 2, jvm.KindInt, jvm.KindInt), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Equal(t, 1, countOps(g, ir.OpLoopBegin))
	require.Equal(t, 1, countOps(g, ir.OpLoopEnd))

	loopBegin := findOp(t, g, ir.OpLoopBegin)
	require.Equal(t, 2, g.Node(loopBegin).NumPreds())

	// One phi per live loop-carried slot: the bound and the accumulator.
	require.Equal(t, 2, countOps(g, ir.OpPhi))
	g.NodeIDs(func(id ir.NodeID) {
		node := g.Node(id)
		if node.IsDead() || node.Opcode() != ir.OpPhi {
			return
		}
		require.Equal(t, loopBegin, node.In(0))
		require.Equal(t, 3, node.NumIns())
	})

	// Only the accumulator is live past the exit, so it gets the one proxy.
	require.Equal(t, 1, countOps(g, ir.OpValueProxy))
	proxy := g.Node(findOp(t, g, ir.OpValueProxy))
	require.Equal(t, ir.OpPhi, g.Node(proxy.In(0)).Opcode())

	ret := g.Node(findOp(t, g, ir.OpReturn))
	require.Equal(t, proxy.ID(), ret.In(0))
}

func TestDivisionExceptionEdges(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).        // 0
		Iload(1).        // 1
		Op(jvm.Idiv).    // 2
		Op(jvm.Ireturn). // 3
		Code()
	g, err := irgen.Build(method("div", code, 2, jvm.KindInt, jvm.KindInt, jvm.KindInt), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Equal(t, 1, countOps(g, ir.OpIf))
	require.Equal(t, 1, countOps(g, ir.OpSignedDiv))
	require.Equal(t, 1, countOps(g, ir.OpUnwind))

	ex := g.Node(findOp(t, g, ir.OpBytecodeException))
	require.Equal(t, ir.ExceptionDivisionByZero, ex.ExceptionReasonPayload())
	require.Equal(t, 2, ex.BCI())
}

func TestIntrinsic(t *testing.T) {
	abs := &jvmtest.Method{
		MethodName: "abs",
		HolderType: &jvmtest.Type{TypeName: "java/lang/Math"},
		Sig:        jvm.Signature{Params: []jvm.Kind{jvm.KindInt}, Return: jvm.KindInt},
	}
	code := jvmtest.NewAsm().
		Iload(0).                  // 0
		CP(jvm.Invokestatic, 1).   // 1
		Op(jvm.Ireturn).           // 4
		Code()
	m := method("callAbs", code, 1, jvm.KindInt, jvm.KindInt)
	m.CP = &jvmtest.ConstantPool{Methods: map[int]*jvmtest.Method{1: abs}}

	cfg := irgen.NewConfig()
	cfg.Intrinsics = map[string]irgen.Intrinsic{
		irgen.IntrinsicKey("java/lang/Math", "abs"): func(g *ir.Graph, args []ir.NodeID) (ir.NodeID, bool) {
			x := args[0]
			neg := g.Unique(ir.OpNeg, jvm.KindInt, 0, nil, x)
			isNeg := g.Compare(ir.CondLT, false, x, g.ConstInt(0))
			return g.Unique(ir.OpConditional, jvm.KindInt, 0, nil, isNeg, neg, x), true
		},
	}
	g, err := irgen.Build(m, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Zero(t, countOps(g, ir.OpInvoke))
	require.Zero(t, countOps(g, ir.OpInvokeWithException))
	require.Zero(t, countOps(g, ir.OpIf))
	require.Equal(t, 1, countOps(g, ir.OpConditional))
	ret := g.Node(findOp(t, g, ir.OpReturn))
	require.Equal(t, findOp(t, g, ir.OpConditional), ret.In(0))
}

func TestGuardedIntrinsic(t *testing.T) {
	str := &jvmtest.Type{TypeName: "java/lang/String"}
	length := &jvmtest.Method{
		MethodName: "length",
		HolderType: str,
		Virtual:    true,
		Sig:        jvm.Signature{Return: jvm.KindInt},
	}
	code := jvmtest.NewAsm().
		Aload(0).                  // 0
		CP(jvm.Invokevirtual, 1).  // 1
		Op(jvm.Ireturn).           // 4
		Code()
	m := method("callLength", code, 1, jvm.KindInt, jvm.KindObject)
	m.CP = &jvmtest.ConstantPool{Methods: map[int]*jvmtest.Method{1: length}}

	cfg := irgen.NewConfig()
	cfg.Intrinsics = map[string]irgen.Intrinsic{
		irgen.IntrinsicKey("java/lang/String", "length"): func(g *ir.Graph, args []ir.NodeID) (ir.NodeID, bool) {
			return g.ConstInt(7), true
		},
	}
	g, err := irgen.Build(m, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	// The intrinsic sits behind a resolved-method guard, with the real
	// call on the slow path.
	require.Equal(t, 1, countOps(g, ir.OpLoadHub))
	require.Equal(t, 1, countOps(g, ir.OpLoadMethod))
	require.Equal(t, 1, countOps(g, ir.OpInvokeWithException))
	require.Equal(t, 2, countOps(g, ir.OpMerge))
	require.Equal(t, 1, countOps(g, ir.OpUnwind))
	inv := g.Node(findOp(t, g, ir.OpInvokeWithException))
	require.Equal(t, jvm.InvokeVirtual, inv.Invoke().Kind)
}

func TestInlining(t *testing.T) {
	add := &jvmtest.Method{
		MethodName: "add",
		HolderType: &jvmtest.Type{TypeName: "Test"},
		Bytecode: jvmtest.NewAsm().
			Iload(0).
			Iload(1).
			Op(jvm.Iadd).
			Op(jvm.Ireturn).
			Code(),
		Locals: 2,
		Stack:  2,
		Sig:    jvm.Signature{Params: []jvm.Kind{jvm.KindInt, jvm.KindInt}, Return: jvm.KindInt},
	}
	code := jvmtest.NewAsm().
		Iload(0).                // 0
		Iload(1).                // 1
		CP(jvm.Invokestatic, 1). // 2
		Op(jvm.Ireturn).         // 5
		Code()
	m := method("callAdd", code, 2, jvm.KindInt, jvm.KindInt, jvm.KindInt)
	m.CP = &jvmtest.ConstantPool{Methods: map[int]*jvmtest.Method{1: add}}

	cfg := irgen.NewConfig()
	cfg.InlinePolicy = irgen.InlineSmallMethods(100, 3)
	g, err := irgen.Build(m, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Zero(t, countOps(g, ir.OpInvoke))
	require.Zero(t, countOps(g, ir.OpInvokeWithException))
	ret := g.Node(findOp(t, g, ir.OpReturn))
	require.Equal(t, ir.OpAdd, g.Node(ret.In(0)).Opcode())

	// The callee's frame states chain through a during-call caller state.
	duringCall := false
	g.NodeIDs(func(id ir.NodeID) {
		node := g.Node(id)
		if !node.IsDead() && node.Opcode() == ir.OpFrameState && node.FrameStateData().DuringCall {
			duringCall = true
		}
	})
	require.True(t, duringCall)
}

func TestInlineCalleeExceptionIntoCallerDispatch(t *testing.T) {
	boom := &jvmtest.Method{
		MethodName: "boom",
		HolderType: &jvmtest.Type{TypeName: "Test"},
		Bytecode: jvmtest.NewAsm().
			Op(jvm.AconstNull).
			Op(jvm.Athrow).
			Code(),
		Locals: 0,
		Stack:  1,
		Sig:    jvm.Signature{Return: jvm.KindVoid},
	}
	code := jvmtest.NewAsm().
		CP(jvm.Invokestatic, 1). // 0
		Op(jvm.Return).          // 3
		Label("handler").
		Op(jvm.Pop).    // 4
		Op(jvm.Return). // 5
		Code()
	m := method("catches", code, 1, jvm.KindVoid)
	m.CP = &jvmtest.ConstantPool{Methods: map[int]*jvmtest.Method{1: boom}}
	m.Handlers = []jvm.ExceptionHandler{
		{StartBCI: 0, EndBCI: 3, HandlerBCI: 4, IsCatchAll: true},
	}

	cfg := irgen.NewConfig()
	cfg.InlinePolicy = irgen.InlineSmallMethods(100, 3)
	g, err := irgen.Build(m, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	// The callee is gone; its throw resolves into the caller's handler,
	// and nothing escapes the method.
	require.Zero(t, countOps(g, ir.OpInvoke))
	require.Zero(t, countOps(g, ir.OpInvokeWithException))
	require.Zero(t, countOps(g, ir.OpUnwind))
	require.Equal(t, 1, countOps(g, ir.OpBytecodeException))
	require.Equal(t, 1, countOps(g, ir.OpReturn))
	require.GreaterOrEqual(t, countOps(g, ir.OpMerge), 1)
	require.GreaterOrEqual(t, countOps(g, ir.OpPhi), 1)
}

func TestGetFieldNullCheck(t *testing.T) {
	field := &jvmtest.Field{
		FieldName:  "x",
		HolderType: &jvmtest.Type{TypeName: "Holder"},
		FieldKind:  jvm.KindInt,
	}
	code := jvmtest.NewAsm().
		Aload(0).             // 0
		CP(jvm.Getfield, 1).  // 1
		Op(jvm.Ireturn).      // 4
		Code()
	m := method("getX", code, 1, jvm.KindInt, jvm.KindObject)
	m.CP = &jvmtest.ConstantPool{Fields: map[int]*jvmtest.Field{1: field}}

	g, err := irgen.Build(m, nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	load := g.Node(findOp(t, g, ir.OpLoadField))
	require.Equal(t, ir.OpPi, g.Node(load.In(0)).Opcode())
	ex := g.Node(findOp(t, g, ir.OpBytecodeException))
	require.Equal(t, ir.ExceptionNullPointer, ex.ExceptionReasonPayload())
	require.Equal(t, 1, countOps(g, ir.OpUnwind))
}

func TestUnresolvedFieldDeopt(t *testing.T) {
	code := jvmtest.NewAsm().
		CP(jvm.Getstatic, 1). // 0
		Op(jvm.Return).       // 3
		Code()

	g, err := irgen.Build(method("unresolved", code, 0, jvm.KindVoid), nil)
	require.NoError(t, err)
	deopt := g.Node(findOp(t, g, ir.OpDeopt))
	require.Equal(t, "unresolved field", deopt.Deopt().Reason)
	require.Zero(t, countOps(g, ir.OpReturn))

	cfg := irgen.NewConfig()
	cfg.EagerResolving = true
	_, err = irgen.Build(method("unresolved", code, 0, jvm.KindVoid), cfg)
	var bailout *irgen.Bailout
	require.ErrorAs(t, err, &bailout)
	require.Contains(t, bailout.Reason, "unresolved field")
}

func TestUnbalancedMonitorBailout(t *testing.T) {
	code := jvmtest.NewAsm().
		Aload(0).
		Op(jvm.Monitorexit).
		Op(jvm.Return).
		Code()
	_, err := irgen.Build(method("unlock", code, 1, jvm.KindVoid, jvm.KindObject), nil)
	var bailout *irgen.Bailout
	require.ErrorAs(t, err, &bailout)
	require.Contains(t, err.Error(), "unbalanced monitors")
}

func TestMergeIncompatibleStack(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).                 // 0
		Branch(jvm.Ifeq, "else"). // 1
		Iconst(1).                // 4
		Goto("join").             // 5
		Label("else").
		Op(jvm.Fconst0). // 8
		Label("join").
		Op(jvm.Pop).    // 9
		Op(jvm.Return). // 10
		Code()
	_, err := irgen.Build(method("mix", code, 1, jvm.KindVoid, jvm.KindInt), nil)
	require.True(t, errors.As(err, new(*irgen.Bailout)))
	require.Contains(t, err.Error(), "merge")
}

func TestSynchronizedMethod(t *testing.T) {
	m := method("locked", jvmtest.NewAsm().Op(jvm.Return).Code(), 0, jvm.KindVoid)
	m.Synchronized = true

	g, err := irgen.Build(m, nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Equal(t, 1, countOps(g, ir.OpMonitorEnter))
	require.Equal(t, 1, countOps(g, ir.OpMonitorExit))
	require.Equal(t, 1, countOps(g, ir.OpReturn))
}

func TestNeverExecutedBranchPruned(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).              // 0
		Branch(jvm.Ifeq, "z"). // 1
		Iconst(7).             // 4
		Op(jvm.Ireturn).       // 6
		Label("z").
		Iconst(0).       // 7
		Op(jvm.Ireturn). // 8
		Code()
	m := method("hot", code, 1, jvm.KindInt, jvm.KindInt)
	m.ProfileData = &jvmtest.Profile{Branches: map[int]float64{1: 0.0}}

	cfg := irgen.NewConfig()
	cfg.RemoveNeverExecutedCode = true
	g, err := irgen.Build(m, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Zero(t, countOps(g, ir.OpIf))
	guard := g.Node(findOp(t, g, ir.OpFixedGuard))
	require.True(t, guard.Deopt().NegateGuard)
	require.Equal(t, "never-executed branch taken", guard.Deopt().Reason)

	// Only the surviving arm remains.
	ret := g.Node(findOp(t, g, ir.OpReturn))
	value := g.Node(ret.In(0))
	require.Equal(t, ir.OpConst, value.Opcode())
	require.Equal(t, int64(7), value.ConstBits())
}

func TestSwitch(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).                            // 0
		TableSwitch("def", 0, "a", "b", "c"). // 1
		Label("a").Iconst(10).Op(jvm.Ireturn).
		Label("b").Iconst(20).Op(jvm.Ireturn).
		Label("c").Iconst(30).Op(jvm.Ireturn).
		Label("def").Iconst(-1).Op(jvm.Ireturn).
		Code()
	g, err := irgen.Build(method("pick", code, 1, jvm.KindInt, jvm.KindInt), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	sw := g.Node(findOp(t, g, ir.OpIntegerSwitch))
	require.Equal(t, 4, sw.NumSuccs())
	require.Equal(t, []int32{0, 1, 2}, sw.Switch().Keys)
	// No profile: every successor gets an equal share.
	require.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, sw.Switch().Probabilities)

	// All four arms flow into the one return through a phi.
	require.Equal(t, 1, countOps(g, ir.OpReturn))
	ret := g.Node(findOp(t, g, ir.OpReturn))
	phi := g.Node(ret.In(0))
	require.Equal(t, ir.OpPhi, phi.Opcode())
	require.Equal(t, 5, phi.NumIns())
}

func TestSwitchNeverExecutedBranchPruned(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).                        // 0
		TableSwitch("def", 0, "a", "b"). // 1
		Label("a").Iconst(10).Op(jvm.Ireturn).
		Label("b").Iconst(20).Op(jvm.Ireturn).
		Label("def").Iconst(-1).Op(jvm.Ireturn).
		Code()
	m := method("pickHot", code, 1, jvm.KindInt, jvm.KindInt)
	m.ProfileData = &jvmtest.Profile{Switches: map[int][]float64{1: {0.0, 0.7, 0.3}}}

	cfg := irgen.NewConfig()
	cfg.RemoveNeverExecutedCode = true
	g, err := irgen.Build(m, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	sw := g.Node(findOp(t, g, ir.OpIntegerSwitch))
	require.Equal(t, 3, sw.NumSuccs())
	require.Equal(t, []int32{0, 1}, sw.Switch().Keys)
	require.Equal(t, []float64{0, 0.7, 0.3}, sw.Switch().Probabilities)

	// The cold key routes to a deoptimization instead of its arm.
	require.Equal(t, 1, countOps(g, ir.OpDeopt))
	deopt := g.Node(findOp(t, g, ir.OpDeopt))
	require.Equal(t, "never-executed switch branch taken", deopt.Deopt().Reason)

	// Only the two surviving arms reach the return.
	require.Equal(t, 1, countOps(g, ir.OpReturn))
	ret := g.Node(findOp(t, g, ir.OpReturn))
	phi := g.Node(ret.In(0))
	require.Equal(t, ir.OpPhi, phi.Opcode())
	require.Equal(t, 3, phi.NumIns())
}

func TestNestedLoopExits(t *testing.T) {
	code := jvmtest.NewAsm().
		Label("outer").
		Iload(0).                 // 0
		Branch(jvm.Ifeq, "done"). // 1
		Label("inner").
		Iload(0).                  // 4
		Branch(jvm.Ifeq, "done").  // 5
		Iload(0).                  // 8
		Branch(jvm.Ifne, "inner"). // 9
		Goto("outer").             // 12
		Label("done").
		Op(jvm.Return). // 15
		Code()
	g, err := irgen.Build(method("nested", code, 1, jvm.KindVoid, jvm.KindInt), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Equal(t, 2, countOps(g, ir.OpLoopBegin))
	require.Equal(t, 2, countOps(g, ir.OpLoopEnd))
	require.Equal(t, 4, countOps(g, ir.OpLoopExit))

	// The edge leaving both loops exits the inner one first: somewhere a
	// loop exit for the younger (inner) loop flows into one for the outer.
	chained := false
	g.NodeIDs(func(id ir.NodeID) {
		node := g.Node(id)
		if node.IsDead() || node.Opcode() != ir.OpLoopExit || node.NumSuccs() == 0 {
			return
		}
		succ := g.Node(node.Succ(0))
		if succ.Opcode() == ir.OpLoopExit && node.In(0) > succ.In(0) {
			chained = true
		}
	})
	require.True(t, chained)
}

func TestJsr(t *testing.T) {
	code := jvmtest.NewAsm().
		Branch(jvm.Jsr, "sub"). // 0
		Op(jvm.Return).         // 3
		Label("sub").
		Astore(1).     // 4
		B(jvm.Ret, 1). // 5
		Code()
	g, err := irgen.Build(method("finallyish", code, 2, jvm.KindVoid), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())
	require.Equal(t, 1, countOps(g, ir.OpReturn))
}

func TestJsrMultipleCallSites(t *testing.T) {
	code := jvmtest.NewAsm().
		Branch(jvm.Jsr, "sub"). // 0
		Branch(jvm.Jsr, "sub"). // 3
		Op(jvm.Return).         // 6
		Label("sub").
		Astore(1).     // 7
		B(jvm.Ret, 1). // 8
		Code()
	_, err := irgen.Build(method("shared", code, 2, jvm.KindVoid), nil)
	var bailout *irgen.Bailout
	require.ErrorAs(t, err, &bailout)
	require.Contains(t, err.Error(), "multiple call sites")
}

func TestMonitorPairing(t *testing.T) {
	code := jvmtest.NewAsm().
		Aload(0).
		Op(jvm.Monitorenter).
		Aload(0).
		Op(jvm.Monitorexit).
		Op(jvm.Return).
		Code()
	g, err := irgen.Build(method("lockAround", code, 1, jvm.KindVoid, jvm.KindObject), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	require.Equal(t, 1, countOps(g, ir.OpMonitorEnter))
	require.Equal(t, 1, countOps(g, ir.OpMonitorExit))
	require.Equal(t, 1, countOps(g, ir.OpReturn))
}

func TestMonitorExitOnDifferentObject(t *testing.T) {
	code := jvmtest.NewAsm().
		Aload(0).
		Op(jvm.Monitorenter).
		Aload(1).
		Op(jvm.Monitorexit).
		Op(jvm.Return).
		Code()
	_, err := irgen.Build(method("mismatch", code, 2, jvm.KindVoid, jvm.KindObject, jvm.KindObject), nil)
	var bailout *irgen.Bailout
	require.ErrorAs(t, err, &bailout)
	require.Contains(t, err.Error(), "unbalanced monitors")
}

func TestIrreducibleLoopBailout(t *testing.T) {
	// Two jumps into a cycle that has no single header.
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
	_, err := irgen.Build(method("tangle", code, 1, jvm.KindVoid, jvm.KindInt), nil)
	var bailout *irgen.Bailout
	require.ErrorAs(t, err, &bailout)
	require.Contains(t, err.Error(), "irreducible")
}

func TestProfiledReceiverDevirtualization(t *testing.T) {
	base := &jvmtest.Type{TypeName: "Shape"}
	impl := &jvmtest.Type{TypeName: "Circle", Super: base}
	implSize := &jvmtest.Method{
		MethodName: "size",
		HolderType: impl,
		Virtual:    true,
		Bytecode: jvmtest.NewAsm().
			Iconst(5).
			Op(jvm.Ireturn).
			Code(),
		Locals: 1,
		Stack:  1,
		Sig:    jvm.Signature{Return: jvm.KindInt},
	}
	impl.Resolutions = map[string]*jvmtest.Method{"size": implSize}
	baseSize := &jvmtest.Method{
		MethodName: "size",
		HolderType: base,
		Virtual:    true,
		Sig:        jvm.Signature{Return: jvm.KindInt},
	}

	code := jvmtest.NewAsm().
		Aload(0).                 // 0
		CP(jvm.Invokevirtual, 1). // 1
		Op(jvm.Ireturn).          // 4
		Code()
	m := method("callSize", code, 1, jvm.KindInt, jvm.KindObject)
	m.CP = &jvmtest.ConstantPool{Methods: map[int]*jvmtest.Method{1: baseSize}}
	m.ProfileData = &jvmtest.Profile{Receivers: map[int]*jvm.TypeProfile{
		1: {Types: []jvm.ProfiledType{{Type: impl, Probability: 1}}},
	}}

	cfg := irgen.NewConfig()
	cfg.InlinePolicy = irgen.InlineSmallMethods(100, 3)
	g, err := irgen.Build(m, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	// The monomorphic profile turns the virtual call into a type-guarded
	// direct call, which then inlines away.
	require.Zero(t, countOps(g, ir.OpInvoke))
	require.Zero(t, countOps(g, ir.OpInvokeWithException))
	require.Equal(t, 1, countOps(g, ir.OpLoadHub))
	guard := g.Node(findOp(t, g, ir.OpFixedGuard))
	require.Equal(t, "receiver type speculation failed", guard.Deopt().Reason)

	ret := g.Node(findOp(t, g, ir.OpReturn))
	value := g.Node(ret.In(0))
	require.Equal(t, ir.OpConst, value.Opcode())
	require.Equal(t, int64(5), value.ConstBits())
}

func TestOperandStackOverflowBailout(t *testing.T) {
	code := jvmtest.NewAsm().
		Iconst(1).
		Iconst(2).
		Op(jvm.Pop).
		Op(jvm.Pop).
		Op(jvm.Return).
		Code()
	m := method("deep", code, 0, jvm.KindVoid)
	m.Stack = 1
	_, err := irgen.Build(m, nil)
	var bailout *irgen.Bailout
	require.ErrorAs(t, err, &bailout)
	require.Contains(t, err.Error(), "max stack")
}

func TestArgumentSlotsExceedLocalsBailout(t *testing.T) {
	// A long argument needs two local slots; the method declares one.
	m := method("slim", jvmtest.NewAsm().Op(jvm.Return).Code(), 1, jvm.KindVoid, jvm.KindLong)
	_, err := irgen.Build(m, nil)
	var bailout *irgen.Bailout
	require.ErrorAs(t, err, &bailout)
	require.Contains(t, err.Error(), "argument slots")
}

func TestLazyCatchTypeResolution(t *testing.T) {
	ex := &jvmtest.Type{TypeName: "java/io/IOException"}
	code := jvmtest.NewAsm().
		Aload(0).       // 0
		Op(jvm.Athrow). // 1
		Label("h").
		Op(jvm.Pop).    // 2
		Op(jvm.Return). // 3
		Code()
	m := method("lateCatch", code, 1, jvm.KindVoid, jvm.KindObject)
	m.CP = &jvmtest.ConstantPool{Types: map[int]*jvmtest.Type{7: ex}}
	m.Handlers = []jvm.ExceptionHandler{
		{StartBCI: 0, EndBCI: 2, HandlerBCI: 2, CatchTypeCPI: 7},
	}

	g, err := irgen.Build(m, nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())

	// The handler row came without a resolved type, but the constant pool
	// has one, so dispatch compiles to a real type test.
	require.Zero(t, countOps(g, ir.OpDeopt))
	inst := g.Node(findOp(t, g, ir.OpInstanceOf))
	require.Same(t, ex, inst.TypePayload())
	require.Equal(t, 1, countOps(g, ir.OpUnwind))
	require.Equal(t, 1, countOps(g, ir.OpReturn))
}

func TestWideRetSubroutine(t *testing.T) {
	code := []byte{
		byte(jvm.Jsr), 0, 4, // 0: jsr 4
		byte(jvm.Return),                    // 3
		byte(jvm.Wide), byte(jvm.Astore), 0, 1, // 4: wide astore 1
		byte(jvm.Wide), byte(jvm.Ret), 0, 1, // 8: wide ret 1
	}
	g, err := irgen.Build(method("wideSub", code, 2, jvm.KindVoid), nil)
	require.NoError(t, err)
	require.NoError(t, g.Verify())
	require.Equal(t, 1, countOps(g, ir.OpReturn))
}
