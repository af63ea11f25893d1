package irgen

import (
	"math"

	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

// twoSlotMarker occupies the second slot of a long or double value in the
// abstract locals and stack. It is never a real node id and never reaches
// the graph; frame-state materialization turns it into an invalid input.
const twoSlotMarker = ir.NodeID(math.MaxUint32)

// frameState is the live abstract interpreter state of the block being
// translated: symbolic locals, operand stack and lock stack. It is cheap
// to copy and copied whenever control diverges.
type frameState struct {
	b      *builder
	locals []ir.NodeID
	stack  []ir.NodeID
	locks  []ir.NodeID
	// rethrow marks an exception-dispatch state: the single stack slot is
	// an in-flight exception the interpreter must rethrow on resume.
	rethrow bool
}

func newFrameState(b *builder) *frameState {
	return &frameState{b: b, locals: make([]ir.NodeID, b.method.MaxLocals())}
}

// initializeForMethodStart seeds the locals from the method's parameters:
// fresh Parameter nodes for a root compilation, the caller's argument
// values when inlining.
func (f *frameState) initializeForMethodStart(args []ir.NodeID) {
	m := f.b.method
	idx := 0
	store := func(v ir.NodeID, kind jvm.Kind) {
		f.locals[idx] = v
		idx++
		if kind.IsWide() {
			f.locals[idx] = twoSlotMarker
			idx++
		}
	}
	argIdx := 0
	next := func(kind jvm.Kind) ir.NodeID {
		if args != nil {
			v := args[argIdx]
			argIdx++
			return v
		}
		v := f.b.g.Parameter(argIdx, kind)
		argIdx++
		return v
	}
	if !m.IsStatic() {
		store(next(jvm.KindObject), jvm.KindObject)
	}
	for _, kind := range m.Signature().Params {
		store(next(kind), kind)
	}
}

func (f *frameState) stackSize() int { return len(f.stack) }

func (f *frameState) push(kind jvm.Kind, v ir.NodeID) {
	f.stack = append(f.stack, v)
	if kind.IsWide() {
		f.stack = append(f.stack, twoSlotMarker)
	}
	f.checkOverflow()
}

func (f *frameState) pop(kind jvm.Kind) ir.NodeID {
	if kind.IsWide() {
		if f.rawPop() != twoSlotMarker {
			f.b.bailout("expected two-slot value on stack")
		}
	}
	v := f.rawPop()
	if v == twoSlotMarker || !v.Valid() {
		f.b.bailout("expected %s value on stack", kind)
	}
	if got := f.b.g.Node(v).Kind(); got != kind {
		f.b.bailout("expected %s on stack, found %s", kind, got)
	}
	return v
}

// rawPop and rawPush move single slots without kind checking; the dup and
// swap family is defined slot-wise and uses these directly.
func (f *frameState) rawPop() ir.NodeID {
	if len(f.stack) == 0 {
		f.b.bailout("operand stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frameState) rawPush(v ir.NodeID) {
	f.stack = append(f.stack, v)
	f.checkOverflow()
}

// checkOverflow enforces the method's declared operand-stack bound;
// exceeding it means the bytecode is malformed.
func (f *frameState) checkOverflow() {
	if max := f.b.method.MaxStack(); len(f.stack) > max {
		f.b.bailout("operand stack exceeds the declared max stack of %d", max)
	}
}

func (f *frameState) loadLocal(index int, kind jvm.Kind) ir.NodeID {
	v := f.locals[index]
	if !v.Valid() || v == twoSlotMarker {
		f.b.bailout("load of invalid local %d", index)
	}
	if kind.IsWide() && f.locals[index+1] != twoSlotMarker {
		f.b.bailout("load of torn two-slot local %d", index)
	}
	if got := f.b.g.Node(v).Kind(); got != kind {
		f.b.bailout("local %d holds %s, expected %s", index, got, kind)
	}
	return v
}

func (f *frameState) storeLocal(index int, kind jvm.Kind, v ir.NodeID) {
	// A store invalidates the second half of a preceding two-slot value
	// and, for a wide store, whatever occupied the next slot.
	if index > 0 && f.locals[index] == twoSlotMarker {
		f.locals[index-1] = ir.NodeIDInvalid
	}
	f.locals[index] = v
	if kind.IsWide() {
		f.locals[index+1] = twoSlotMarker
	} else if index+1 < len(f.locals) && f.locals[index+1] == twoSlotMarker {
		f.locals[index+1] = ir.NodeIDInvalid
	}
}

func (f *frameState) pushLock(v ir.NodeID) { f.locks = append(f.locks, v) }

func (f *frameState) popLock() ir.NodeID {
	if len(f.locks) == 0 {
		f.b.bailout("unbalanced monitors: monitorexit without matching monitorenter")
	}
	v := f.locks[len(f.locks)-1]
	f.locks = f.locks[:len(f.locks)-1]
	return v
}

func (f *frameState) lockDepth() int { return len(f.locks) }

// copy returns an independently mutable snapshot.
func (f *frameState) copy() *frameState {
	return &frameState{
		b:       f.b,
		locals:  append([]ir.NodeID(nil), f.locals...),
		stack:   append([]ir.NodeID(nil), f.stack...),
		locks:   append([]ir.NodeID(nil), f.locks...),
		rethrow: f.rethrow,
	}
}

// exceptionState derives the state a throw site hands to exception
// dispatch: the operand stack is replaced by the in-flight exception.
func (f *frameState) exceptionState(exception ir.NodeID) *frameState {
	s := f.copy()
	s.stack = []ir.NodeID{exception}
	s.rethrow = true
	return s
}

// clearNonLiveLocals invalidates locals that are dead at entry to block so
// that merges and loop phis do not keep dead values alive.
func (f *frameState) clearNonLiveLocals(block *jvm.Block) {
	live := f.b.liveness
	if live == nil {
		return
	}
	for i := range f.locals {
		if f.locals[i] == twoSlotMarker {
			continue
		}
		if !live.LiveIn(block, i) {
			f.locals[i] = ir.NodeIDInvalid
			if i+1 < len(f.locals) && f.locals[i+1] == twoSlotMarker {
				f.locals[i+1] = ir.NodeIDInvalid
			}
		}
	}
}

// create materializes an immutable frame-state node for bci.
func (f *frameState) create(bci int) ir.NodeID {
	return f.createExt(bci, false)
}

func (f *frameState) createExt(bci int, duringCall bool) ir.NodeID {
	g := f.b.g
	ins := make([]ir.NodeID, 0, len(f.locals)+len(f.stack)+len(f.locks))
	appendSlots := func(slots []ir.NodeID) {
		for _, v := range slots {
			if v == twoSlotMarker {
				v = ir.NodeIDInvalid
			}
			ins = append(ins, v)
		}
	}
	appendSlots(f.locals)
	appendSlots(f.stack)
	appendSlots(f.locks)
	data := &ir.FrameStateData{
		Method:           f.b.method,
		BCI:              bci,
		LocalCount:       len(f.locals),
		StackCount:       len(f.stack),
		LockCount:        len(f.locks),
		RethrowException: f.rethrow,
		DuringCall:       duringCall,
		Outer:            f.b.outerState,
	}
	return g.NewNodeP(ir.OpFrameState, jvm.KindVoid, int64(bci), data, ins...)
}

// slotCount returns the total number of mergeable slots.
func (f *frameState) slotCount() int { return len(f.locals) + len(f.stack) + len(f.locks) }

func (f *frameState) slot(i int) ir.NodeID {
	switch {
	case i < len(f.locals):
		return f.locals[i]
	case i < len(f.locals)+len(f.stack):
		return f.stack[i-len(f.locals)]
	default:
		return f.locks[i-len(f.locals)-len(f.stack)]
	}
}

func (f *frameState) setSlot(i int, v ir.NodeID) {
	switch {
	case i < len(f.locals):
		f.locals[i] = v
	case i < len(f.locals)+len(f.stack):
		f.stack[i-len(f.locals)] = v
	default:
		f.locks[i-len(f.locals)-len(f.stack)] = v
	}
}

// checkCompatibleWith verifies that other can merge into this state.
// Stack or lock shape mismatches are verification-level inconsistencies
// and bail out; locals are allowed to differ (they merge to invalid).
func (f *frameState) checkCompatibleWith(other *frameState) {
	if len(f.stack) != len(other.stack) {
		f.b.bailout("merge of states with stack depth %d and %d", len(f.stack), len(other.stack))
	}
	if len(f.locks) != len(other.locks) || f.rethrow != other.rethrow {
		f.b.bailout("merge of states with incompatible lock depth")
	}
	g := f.b.g
	for i, x := range f.stack {
		y := other.stack[i]
		if x == twoSlotMarker || y == twoSlotMarker {
			if x != y {
				f.b.bailout("merge of one- and two-slot stack values at slot %d", i)
			}
			continue
		}
		if g.Node(x).Kind() != g.Node(y).Kind() {
			f.b.bailout("merge of %s and %s stack values at slot %d",
				g.Node(x).Kind(), g.Node(y).Kind(), i)
		}
	}
}

// merge folds other into this entry state at the given merge node, which
// has just gained a new predecessor: slots that differ become (or extend)
// phis anchored at the merge.
func (f *frameState) merge(merge ir.NodeID, other *frameState) {
	f.checkCompatibleWith(other)
	g := f.b.g
	numPreds := g.Node(merge).NumPreds()
	for i := 0; i < f.slotCount(); i++ {
		x, y := f.slot(i), other.slot(i)
		if x == y {
			continue
		}
		if x == twoSlotMarker || y == twoSlotMarker || !x.Valid() || !y.Valid() {
			// Locals only; stack mismatches bailed out above.
			f.setSlot(i, ir.NodeIDInvalid)
			continue
		}
		if f.isPhiAt(x, merge) {
			g.AddInput(x, y)
			continue
		}
		if g.Node(x).Kind() != g.Node(y).Kind() {
			f.setSlot(i, ir.NodeIDInvalid)
			continue
		}
		// First divergence: the old value flowed in along every prior
		// predecessor.
		phi := g.NewNode(ir.OpPhi, g.Node(x).Kind(), merge)
		for p := 0; p < numPreds-1; p++ {
			g.AddInput(phi, x)
		}
		g.AddInput(phi, y)
		f.setSlot(i, phi)
	}
}

func (f *frameState) isPhiAt(v, merge ir.NodeID) bool {
	n := f.b.g.Node(v)
	return n.Opcode() == ir.OpPhi && n.NumIns() > 0 && n.In(0) == merge
}

// insertLoopPhis replaces every live slot with a fresh phi anchored at the
// loop begin, seeded with the forward-entry value. forceAll additionally
// phis dead locals, required for on-stack replacement where the entry
// state is not derived from the forward edge.
func (f *frameState) insertLoopPhis(loopBegin ir.NodeID, block *jvm.Block, forceAll bool) {
	g := f.b.g
	for i := 0; i < f.slotCount(); i++ {
		v := f.slot(i)
		if v == twoSlotMarker {
			continue
		}
		if !v.Valid() {
			if !forceAll || i >= len(f.locals) {
				continue
			}
			// OSR: materialize the local as a phi even though the
			// forward edge has no value for it.
			v = ir.NodeIDInvalid
		}
		if i < len(f.locals) && !forceAll && f.b.liveness != nil && !f.b.liveness.LiveIn(block, i) {
			f.setSlot(i, ir.NodeIDInvalid)
			continue
		}
		kind := jvm.KindIllegal
		if v.Valid() {
			kind = g.Node(v).Kind()
		}
		phi := g.NewNode(ir.OpPhi, kind, loopBegin)
		g.AddInput(phi, v)
		f.setSlot(i, phi)
	}
}

// mergeLoopEnd wires the back-edge values into the loop phis. The loop
// begin has just gained the loop-end predecessor.
func (f *frameState) mergeLoopEnd(loopBegin ir.NodeID, backEdge *frameState) {
	f.checkCompatibleWith(backEdge)
	g := f.b.g
	for i := 0; i < f.slotCount(); i++ {
		x, y := f.slot(i), backEdge.slot(i)
		if f.isPhiAt(x, loopBegin) {
			if !y.Valid() || y == twoSlotMarker {
				f.b.bailout("loop-carried local %d dead on back edge", i)
			}
			g.AddInput(x, y)
			continue
		}
		if x.Valid() && x != twoSlotMarker && x != y {
			f.b.bailout("loop state changed for non-phi slot %d", i)
		}
	}
}

// insertProxies wraps every slot value defined inside the exited loop in
// a value proxy anchored at the loop exit. Allocation order makes "defined
// inside" checkable: any node allocated after the loop begin is inside.
func (f *frameState) insertProxies(loopExit, loopBegin ir.NodeID) {
	g := f.b.g
	for i := 0; i < f.slotCount(); i++ {
		v := f.slot(i)
		if !v.Valid() || v == twoSlotMarker {
			continue
		}
		if v < loopBegin {
			continue
		}
		proxy := g.NewNode(ir.OpValueProxy, g.Node(v).Kind(), v, loopExit)
		f.setSlot(i, proxy)
	}
}
