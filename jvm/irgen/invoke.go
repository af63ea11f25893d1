package irgen

import (
	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

// intrinsicProbability is the assumed probability that a guarded
// intrinsic's receiver check succeeds.
const intrinsicProbability = 0.9

func invokeKindOf(op jvm.Bytecode) jvm.InvokeKind {
	switch op {
	case jvm.Invokestatic:
		return jvm.InvokeStatic
	case jvm.Invokespecial:
		return jvm.InvokeSpecial
	case jvm.Invokevirtual:
		return jvm.InvokeVirtual
	case jvm.Invokeinterface:
		return jvm.InvokeInterface
	default:
		return jvm.InvokeDynamic
	}
}

// appendInvoke translates one of the invoke bytecodes. In order of
// preference the call becomes an intrinsic substitution, an inlined copy
// of the callee, or a call node, with guarded variants of the first two
// when the receiver type is not statically known.
func (b *builder) appendInvoke(op jvm.Bytecode) {
	target, ok := b.method.ConstantPool().LookupMethod(b.stream.ReadCPIndex(), op)
	if !ok {
		b.handleUnresolved("call target")
		return
	}
	kind := invokeKindOf(op)
	if kind == jvm.InvokeStatic && !b.emitClassInitBarrier(target.Holder()) {
		return
	}

	// The state with the arguments still pushed is what an inlined callee's
	// frame states chain to, and what dispatch resumes from.
	stateWithArgs := b.frame.copy()
	args := b.popArguments(target, kind)
	if kind.HasReceiver() {
		args[0] = b.emitNullCheck(args[0])
	}

	// A virtual call whose target cannot be overridden is a direct call.
	direct := kind.IsDirect() ||
		(kind != jvm.InvokeDynamic && target.CanBeStaticallyBound())

	if len(b.cfg.Intrinsics) != 0 {
		if intr, found := b.cfg.Intrinsics[IntrinsicKey(target.Holder().Name(), target.Name())]; found {
			if direct {
				if b.tryDirectIntrinsic(intr, target, args) {
					return
				}
			} else if kind.HasReceiver() && b.tryGuardedIntrinsic(intr, target, kind, args) {
				return
			}
		}
	}

	if !direct && kind.HasReceiver() {
		if resolved := b.maybeDevirtualize(target, args[0], stateWithArgs); resolved != nil {
			target = resolved
			direct = true
		}
	}

	if direct && b.cfg.InlinePolicy != nil && len(target.Code()) > 0 &&
		b.cfg.InlinePolicy(target, b.depth) {
		b.parseAndInlineCallee(target, args, stateWithArgs)
		return
	}

	b.createNonInlinedInvoke(target, kind, args)
}

// maybeDevirtualize speculates on a monomorphic receiver-type profile.
// When every recorded receiver had one type, a subtype of the declared
// holder that resolves the call to a known implementation, a fixed guard
// pins the speculation and the resolved method is returned; the call then
// proceeds as a direct one. Deoptimizing on a guard failure re-executes
// the invoke in the interpreter.
func (b *builder) maybeDevirtualize(target jvm.Method, receiver ir.NodeID, stateWithArgs *frameState) jvm.Method {
	profile := b.method.Profile()
	if profile == nil {
		return nil
	}
	tp := profile.TypeProfile(b.currentBCI())
	if tp == nil || len(tp.Types) != 1 || tp.NotRecorded > 0 {
		return nil
	}
	t := tp.Types[0].Type
	if t == nil || target.Holder() == nil || !target.Holder().IsAssignableFrom(t) {
		return nil
	}
	resolved := t.ResolveMethod(target)
	if resolved == nil {
		return nil
	}
	g := b.g
	hub := g.Unique(ir.OpLoadHub, jvm.KindObject, 0, nil, receiver)
	check := g.Compare(ir.CondEQ, false, hub, g.ConstObject(t))
	guard := b.append(g.NewNodeP(ir.OpFixedGuard, jvm.KindVoid, 0,
		&ir.DeoptData{Reason: "receiver type speculation failed"}, check))
	g.SetStateAfter(guard, stateWithArgs.create(b.currentBCI()))
	return resolved
}

// popArguments pops the call's arguments off the operand stack, returning
// them in call order with the receiver, if any, at index zero.
func (b *builder) popArguments(target jvm.Method, kind jvm.InvokeKind) []ir.NodeID {
	f := b.frame
	params := target.Signature().Params
	n := len(params)
	if kind.HasReceiver() {
		n++
	}
	args := make([]ir.NodeID, n)
	for i := len(params) - 1; i >= 0; i-- {
		n--
		args[n] = f.pop(params[i])
	}
	if kind.HasReceiver() {
		args[0] = f.pop(jvm.KindObject)
	}
	return args
}

// tryDirectIntrinsic substitutes the call with intrinsic-built value
// nodes. A declined intrinsic is rolled back without a trace.
func (b *builder) tryDirectIntrinsic(intr Intrinsic, target jvm.Method, args []ir.NodeID) bool {
	g := b.g
	mark := g.Mark()
	result, ok := intr(g, args)
	if !ok {
		g.RemoveNodesSince(mark)
		return false
	}
	b.assertFloatingOnly(mark, target)
	if retKind := target.Signature().Return; retKind != jvm.KindVoid {
		if !result.Valid() {
			b.internalf("intrinsic for %s returned no value", target.Name())
		}
		b.frame.push(retKind, result)
	}
	return true
}

// tryGuardedIntrinsic substitutes a virtual call whose receiver may
// dispatch elsewhere: the intrinsic result is only used behind a runtime
// check that the resolved method is the intrinsified one, with the real
// call on the other branch.
func (b *builder) tryGuardedIntrinsic(intr Intrinsic, target jvm.Method, kind jvm.InvokeKind, args []ir.NodeID) bool {
	g := b.g
	mark := g.Mark()
	result, ok := intr(g, args)
	if !ok {
		g.RemoveNodesSince(mark)
		return false
	}
	b.assertFloatingOnly(mark, target)

	hub := g.Unique(ir.OpLoadHub, jvm.KindObject, 0, nil, args[0])
	resolved := g.NewNodeP(ir.OpLoadMethod, jvm.KindObject, 0, target, hub)
	cond := g.Compare(ir.CondEQ, false, resolved, g.ConstObject(target))

	ifNode := g.NewNodeP(ir.OpIf, jvm.KindVoid, 0, nil, cond)
	g.SetProbability(ifNode, intrinsicProbability)
	g.SetNext(b.lastInstr, ifNode)
	b.controlFlowSplit = true

	intrBegin := g.NewNode(ir.OpBegin, jvm.KindVoid)
	intrEnd := g.NewNode(ir.OpEnd, jvm.KindVoid)
	g.SetNext(intrBegin, intrEnd)
	fallBegin := g.NewNode(ir.OpBegin, jvm.KindVoid)
	g.SetNext(ifNode, intrBegin)
	g.SetNext(ifNode, fallBegin)

	b.lastInstr = fallBegin
	callResult := b.createNonInlinedInvoke(target, kind, args)
	retKind := target.Signature().Return
	if retKind != jvm.KindVoid {
		b.frame.pop(retKind)
	}
	fallEnd := g.NewNode(ir.OpEnd, jvm.KindVoid)
	g.SetNext(b.lastInstr, fallEnd)

	merge := g.NewNode(ir.OpMerge, jvm.KindVoid)
	g.SetNext(intrEnd, merge)
	g.SetNext(fallEnd, merge)
	b.lastInstr = merge
	if retKind != jvm.KindVoid {
		phi := g.NewNode(ir.OpPhi, retKind, merge)
		g.AddInput(phi, result)
		g.AddInput(phi, callResult)
		b.frame.push(retKind, phi)
	}
	g.SetStateAfter(merge, b.frame.create(b.stream.NextBCI()))
	return true
}

// assertFloatingOnly checks that an accepted intrinsic created only
// floating value nodes since mark.
func (b *builder) assertFloatingOnly(mark ir.Mark, target jvm.Method) {
	g := b.g
	g.NodeIDs(func(id ir.NodeID) {
		if g.AllocatedSince(mark, id) && g.Node(id).Opcode().IsFixed() {
			b.internalf("intrinsic for %s created fixed node %s",
				target.Name(), g.Node(id).Opcode())
		}
	})
}

// parseAndInlineCallee splices the callee's graph into the caller at the
// cursor by running a child builder over the callee's bytecode, feeding
// it the popped argument values in place of parameters.
func (b *builder) parseAndInlineCallee(target jvm.Method, args []ir.NodeID, stateWithArgs *frameState) {
	bci := b.currentBCI()
	child := &builder{
		g:                 b.g,
		cfg:               b.cfg,
		method:            target,
		parent:            b,
		invokeBCI:         bci,
		parentStateAtCall: stateWithArgs,
		outerState:        stateWithArgs.createExt(bci, true),
		depth:             b.depth + 1,
	}
	b.child = child
	child.build(args)
	b.child = nil

	b.lastInstr = child.inlineLast
	if !b.lastInstr.Valid() {
		// The callee never returns normally; the continuation is dead.
		return
	}
	if retKind := target.Signature().Return; retKind != jvm.KindVoid {
		if !child.inlineReturnValue.Valid() {
			b.internalf("inlined %s produced no return value", target.Name())
		}
		b.frame.push(retKind, child.inlineReturnValue)
	}
}

// createNonInlinedInvoke emits the call node, with an exception edge into
// dispatch unless the exception mode rules one out, and pushes the result.
// It returns the call node for callers that need the raw result value.
func (b *builder) createNonInlinedInvoke(target jvm.Method, kind jvm.InvokeKind, args []ir.NodeID) ir.NodeID {
	g := b.g
	bci := b.currentBCI()
	data := &ir.InvokeData{Target: target, Kind: kind, BCI: bci}
	retKind := target.Signature().Return

	if !b.emitsExplicitExceptions() {
		invoke := b.append(g.NewNodeP(ir.OpInvoke, retKind, int64(bci), data, args...))
		if retKind != jvm.KindVoid {
			b.frame.push(retKind, invoke)
		}
		g.SetStateAfter(invoke, b.frame.create(b.stream.NextBCI()))
		return invoke
	}

	invoke := g.NewNodeP(ir.OpInvokeWithException, retKind, int64(bci), data, args...)
	g.SetNext(b.lastInstr, invoke)
	b.controlFlowSplit = true
	cont := g.NewNode(ir.OpBegin, jvm.KindVoid)
	exObj := g.NewNode(ir.OpExceptionObject, jvm.KindObject)
	g.SetNext(invoke, cont)
	g.SetNext(invoke, exObj)

	exState := b.frame.exceptionState(exObj)
	g.SetStateAfter(exObj, exState.create(bci))
	b.routeException(bci, exState, exObj)

	b.lastInstr = cont
	if retKind != jvm.KindVoid {
		b.frame.push(retKind, invoke)
	}
	g.SetStateAfter(invoke, b.frame.create(b.stream.NextBCI()))
	return invoke
}
