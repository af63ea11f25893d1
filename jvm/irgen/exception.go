package irgen

import (
	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

// emitsExplicitExceptions decides whether the instruction at the cursor
// gets explicit runtime checks with dispatchable exception edges.
func (b *builder) emitsExplicitExceptions() bool {
	switch b.cfg.ExceptionMode {
	case BytecodeExceptionModeOmit:
		return false
	case BytecodeExceptionModeProfile:
		profile := b.method.Profile()
		if profile == nil {
			return true
		}
		return profile.ExceptionSeen(b.currentBCI()) != jvm.TriStateFalse
	default:
		return true
	}
}

// emitExceptionCheck forks control on cond: the true edge raises the
// implicit exception and enters dispatch, the false edge continues the
// block. args become the exception node's inputs (the values the thrown
// exception's message is built from).
func (b *builder) emitExceptionCheck(cond ir.NodeID, reason ir.ExceptionReason, args ...ir.NodeID) {
	b.emitExceptionBranch(cond, reason, false, args)
}

// emitExceptionCheckNegated raises the exception when cond is false.
func (b *builder) emitExceptionCheckNegated(cond ir.NodeID, reason ir.ExceptionReason, args ...ir.NodeID) {
	b.emitExceptionBranch(cond, reason, true, args)
}

func (b *builder) emitExceptionBranch(cond ir.NodeID, reason ir.ExceptionReason, negated bool, args []ir.NodeID) {
	g := b.g
	bci := b.currentBCI()
	ifNode := g.NewNodeP(ir.OpIf, jvm.KindVoid, 0, nil, cond)
	g.SetNext(b.lastInstr, ifNode)
	b.controlFlowSplit = true

	ex := g.NewNodeP(ir.OpBytecodeException, jvm.KindObject,
		int64(bci)|int64(reason)<<32, nil, args...)
	cont := g.NewNode(ir.OpBegin, jvm.KindVoid)
	if negated {
		g.SetProbability(ifNode, 1-exceptionProbability)
		g.SetNext(ifNode, cont)
		g.SetNext(ifNode, ex)
	} else {
		g.SetProbability(ifNode, exceptionProbability)
		g.SetNext(ifNode, ex)
		g.SetNext(ifNode, cont)
	}

	state := b.frame.exceptionState(ex)
	g.SetStateAfter(ex, state.create(bci))
	b.routeException(bci, state, ex)
	b.lastInstr = cont
}

// emitNullCheck guards a receiver dereference, returning the value
// narrowed to non-null on the surviving path.
func (b *builder) emitNullCheck(x ir.NodeID) ir.NodeID {
	if !b.emitsExplicitExceptions() {
		return x
	}
	n := b.g.Node(x)
	if n.Opcode() == ir.OpNew || n.Opcode() == ir.OpNewArray || n.Opcode() == ir.OpNewMultiArray {
		return x // freshly allocated, provably non-null
	}
	if n.Opcode() == ir.OpPi && n.ConstBits() == piNonNull {
		return x
	}
	b.emitExceptionCheck(b.g.IsNull(x), ir.ExceptionNullPointer, x)
	return b.g.Unique(ir.OpPi, jvm.KindObject, piNonNull, nil, x, b.lastInstr)
}

// piNonNull is the payload of a Pi node that only narrows nullness.
const piNonNull = int64(1)

// emitBoundsCheck guards an array index; the unsigned comparison covers
// negative indices in the same test.
func (b *builder) emitBoundsCheck(index, array ir.NodeID) ir.NodeID {
	if !b.emitsExplicitExceptions() {
		return index
	}
	g := b.g
	length := b.append(g.NewNode(ir.OpArrayLength, jvm.KindInt, array))
	inBounds := g.CompareUnsigned(ir.CondLT, index, length)
	b.emitExceptionCheckNegated(inBounds, ir.ExceptionOutOfBounds, index, length)
	return index
}

// emitClassInitBarrier deoptimizes when holder still needs class
// initialization. It reports whether translation of the instruction may
// continue.
func (b *builder) emitClassInitBarrier(holder jvm.Type) bool {
	if b.cfg.ClassInitPlugin == nil || holder == nil || !b.cfg.ClassInitPlugin(holder) {
		return true
	}
	g := b.g
	deopt := b.append(g.NewNodeP(ir.OpDeopt, jvm.KindVoid, int64(b.currentBCI()),
		&ir.DeoptData{Reason: "class initialization required"}))
	g.SetStateAfter(deopt, b.frame.create(b.currentBCI()))
	b.lastInstr = ir.NodeIDInvalid
	return false
}

// handleUnresolved replaces the instruction with a deoptimization so
// execution can resolve the entity in the interpreter, or bails out under
// eager resolving where unresolved entities are unexpected.
func (b *builder) handleUnresolved(what string) {
	if b.cfg.EagerResolving {
		b.bailout("unresolved %s", what)
	}
	g := b.g
	deopt := b.append(g.NewNodeP(ir.OpDeopt, jvm.KindVoid, int64(b.currentBCI()),
		&ir.DeoptData{Reason: "unresolved " + what}))
	g.SetStateAfter(deopt, b.frame.create(b.currentBCI()))
	b.lastInstr = ir.NodeIDInvalid
}

// routeException wires a throw site into the dispatch chain covering bci,
// or straight to the unwind exit when no handler covers it. state must be
// a rethrow state whose stack holds exactly the in-flight exception.
func (b *builder) routeException(bci int, state *frameState, from ir.NodeID) {
	var target *jvm.Block
	if d := b.blockMap.ExceptionDispatch(bci); d != nil {
		target = d
	} else {
		target = b.blockMap.UnwindBlock()
	}
	head := b.createTarget(target, state)
	b.g.SetNext(from, head)
}

// buildExceptionDispatch translates one dispatch block: test the
// exception against the handler's catch type, enter the handler on a
// match, fall through to the next dispatch or the unwind exit otherwise.
func (b *builder) buildExceptionDispatch(block *jvm.Block) {
	g, f := b.g, b.frame
	h := block.Handler
	exception := f.stack[0]

	nextTarget := func() *jvm.Block {
		if len(block.Successors) > 1 {
			return block.Successors[1]
		}
		return b.blockMap.UnwindBlock()
	}

	enterHandler := func(value ir.NodeID) *frameState {
		state := f.copy()
		state.rethrow = false
		state.stack = []ir.NodeID{value}
		return state
	}

	catchType := h.CatchType
	if catchType == nil && !h.IsCatchAll {
		// The table entry was not resolved at load time; a constant-pool
		// hit can still produce the type here.
		catchType, _ = b.method.ConstantPool().LookupType(h.CatchTypeCPI)
	}

	switch {
	case h.IsCatchAll:
		b.appendGotoState(block.Successors[0], enterHandler(exception))

	case catchType == nil:
		// The catch type is unresolved; dispatch cannot be compiled.
		b.handleUnresolved("catch type")

	case b.cfg.skipsExceptionType(catchType):
		deopt := b.append(g.NewNodeP(ir.OpDeopt, jvm.KindVoid, int64(block.DeoptBCI),
			&ir.DeoptData{Reason: "skipped catch type " + catchType.Name()}))
		g.SetStateAfter(deopt, f.create(block.DeoptBCI))
		b.lastInstr = ir.NodeIDInvalid

	default:
		matches := g.Unique(ir.OpInstanceOf, jvm.KindInt, 0, catchType, exception)
		ifNode := g.NewNodeP(ir.OpIf, jvm.KindVoid, 0, nil, matches)
		g.SetProbability(ifNode, 0.5)
		g.SetNext(b.lastInstr, ifNode)
		b.lastInstr = ifNode
		b.controlFlowSplit = true

		narrowed := g.Unique(ir.OpPi, jvm.KindObject, 0, catchType, exception, ifNode)
		handlerHead := b.createTarget(block.Successors[0], enterHandler(narrowed))
		nextHead := b.createTarget(nextTarget(), f)
		g.SetNext(ifNode, handlerHead)
		g.SetNext(ifNode, nextHead)
		b.lastInstr = ir.NodeIDInvalid
	}
}

// appendGotoState is appendGoto with an explicit state for the edge.
func (b *builder) appendGotoState(target *jvm.Block, state *frameState) {
	head := b.createTarget(target, state)
	if head != b.lastInstr {
		b.g.SetNext(b.lastInstr, head)
	}
	b.lastInstr = ir.NodeIDInvalid
}
