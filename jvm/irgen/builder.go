// Package irgen builds the compiler's program graph from a method's
// bytecode: a single pass over the basic blocks that abstractly interprets
// the operand stack and locals, materializes merges, loops and exception
// dispatch on the fly, and splices inlined callees and intrinsics into the
// caller's control flow.
package irgen

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/buildoptions"
	"github.com/jazero/jazero/jvm/ir"
)

// Build constructs the graph for method under the given configuration.
// It returns a *Bailout error for bytecode this compiler declines
// (unstructured jsr, incompatible merges, unbalanced monitors) and a
// *InternalError for invariant violations; neither panics escape.
func Build(method jvm.Method, cfg *Config) (g *ir.Graph, err error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	b := &builder{
		g:      ir.NewGraph(method),
		cfg:    cfg,
		method: method,
	}
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *Bailout:
				g, err = nil, e
			case *InternalError:
				g, err = nil, e
			default:
				g, err = nil, &InternalError{
					Reason: fmt.Sprintf("panic during graph construction: %v", r),
					Chain:  b.inner().parseContext(),
					Panic:  r,
				}
			}
		}
	}()
	b.build(nil)
	if buildoptions.IsTest {
		if verr := b.g.Verify(); verr != nil {
			b.internalf("graph verification failed: %v\nframe: %s", verr, spew.Sdump(b.frame))
		}
	}
	return b.g, nil
}

// builder drives graph construction for one (possibly inlined) method.
// Inlined callees get a child builder linked through parent, sharing the
// graph.
type builder struct {
	g      *ir.Graph
	cfg    *Config
	method jvm.Method

	blockMap *jvm.BlockMap
	liveness *jvm.Liveness
	stream   *jvm.BytecodeStream

	frame        *frameState
	lastInstr    ir.NodeID
	currentBlock *jvm.Block

	// per-block construction state, indexed by block ID.
	firstInstruction []ir.NodeID
	entryState       []*frameState
	// loopBegin maps loop id to its materialized loop-begin node.
	loopBegin map[int]ir.NodeID

	// controlFlowSplit is set once the current block created a control
	// split; it disables the straight-line target reuse.
	controlFlowSplit bool

	// Inlining: parent is the caller's builder, invokeBCI the call site,
	// parentStateAtCall the caller state with the arguments still
	// pushed. outerState chains deoptimization frames.
	parent           *builder
	invokeBCI        int
	parentStateAtCall *frameState
	outerState       ir.NodeID
	depth            int

	// Captured by the synthetic return block when inlining.
	inlineLast        ir.NodeID
	inlineReturnValue ir.NodeID

	syncObject ir.NodeID
	wroteFinal bool

	// active tracks the builder currently parsing, for error context.
	child *builder
}

func (b *builder) inner() *builder {
	p := b
	for p.child != nil {
		p = p.child
	}
	return p
}

func (b *builder) currentBCI() int {
	if b.stream == nil {
		return 0
	}
	return b.stream.CurrentBCI()
}

func (b *builder) internalf(format string, args ...any) {
	panic(&InternalError{Reason: fmt.Sprintf(format, args...), Chain: b.parseContext()})
}

// build runs the per-block state machine. args is nil for a root build
// and holds the caller's argument values when inlining.
func (b *builder) build(args []ir.NodeID) {
	var err error
	b.blockMap, err = jvm.BuildBlockMap(b.method)
	if err != nil {
		panic(&Bailout{Method: b.method.Name(), Reason: err.Error()})
	}
	if slots := b.method.Signature().ArgSlots(!b.method.IsStatic()); slots > b.method.MaxLocals() {
		b.bailout("%d argument slots exceed the declared %d locals", slots, b.method.MaxLocals())
	}
	b.liveness = jvm.BuildLiveness(b.method, b.blockMap)
	b.stream = jvm.NewBytecodeStream(b.method.Code())
	n := len(b.blockMap.Blocks())
	b.firstInstruction = make([]ir.NodeID, n)
	b.entryState = make([]*frameState, n)
	b.loopBegin = map[int]ir.NodeID{}
	b.inlineLast = ir.NodeIDInvalid
	b.inlineReturnValue = ir.NodeIDInvalid

	b.frame = newFrameState(b)
	b.frame.initializeForMethodStart(args)

	if b.parent == nil {
		b.lastInstr = b.g.Start()
		b.g.SetStateAfter(b.g.Start(), b.frame.create(0))
	} else {
		b.lastInstr = b.parent.lastInstr
	}
	if b.method.IsSynchronized() {
		b.genLockMethodEntry()
	}

	start := b.blockMap.StartBlock()
	b.firstInstruction[start.ID] = b.lastInstr
	entry := b.frame.copy()
	entry.clearNonLiveLocals(start)
	b.entryState[start.ID] = entry

	for _, block := range b.blockMap.Blocks() {
		b.processBlock(block)
	}
}

func (b *builder) processBlock(block *jvm.Block) {
	first := b.firstInstruction[block.ID]
	if !first.Valid() {
		// Unreached: no predecessor materialized an edge to it.
		return
	}
	b.currentBlock = block
	b.controlFlowSplit = false
	b.frame = b.entryState[block.ID].copy()
	b.lastInstr = first

	switch {
	case block.Handler != nil:
		b.buildExceptionDispatch(block)
	case block.IsReturnBlock:
		b.buildReturnExit()
	case block.IsUnwindBlock:
		b.buildUnwindExit()
	default:
		b.iterateBytecodesForBlock(block)
	}
}

// iterateBytecodesForBlock translates one ordinary block. Loop headers
// first materialize their loop-begin and phis; then each instruction is
// dispatched until the block ends or control leaves it.
func (b *builder) iterateBytecodesForBlock(block *jvm.Block) {
	g := b.g
	if block.IsLoopHeader {
		preEnd := g.NewNode(ir.OpEnd, jvm.KindVoid)
		loopBegin := g.NewNode(ir.OpLoopBegin, jvm.KindVoid)
		g.SetNext(b.lastInstr, preEnd)
		g.SetNext(preEnd, loopBegin)
		b.loopBegin[block.LoopID] = loopBegin
		b.firstInstruction[block.ID] = loopBegin
		b.frame.insertLoopPhis(loopBegin, block, b.cfg.EntryBCI >= 0)
		// Back edges merge into this phi state, not the evolving one.
		b.entryState[block.ID] = b.frame.copy()
		g.SetStateAfter(loopBegin, b.frame.create(block.StartBCI))
		b.lastInstr = loopBegin
	}

	s := b.stream
	for bci := block.StartBCI; bci <= block.EndBCI; {
		s.SetBCI(bci)
		b.processBytecode(s.CurrentBC())
		if !b.lastInstr.Valid() {
			return // block ended (branch, return, throw, deopt)
		}
		bci = s.NextBCI()
	}
	// Fell through the block boundary.
	s.SetBCI(block.EndBCI)
	if len(block.Successors) != 1 {
		b.internalf("fall-through block %s has %d successors", block, len(block.Successors))
	}
	b.appendGoto(block.Successors[0])
}

// genLockMethodEntry acquires the method-wide monitor of a synchronized
// method: the receiver, or the holder class for static methods.
func (b *builder) genLockMethodEntry() {
	if b.method.IsStatic() {
		b.syncObject = b.g.ConstObject(b.method.Holder())
	} else {
		b.syncObject = b.frame.loadLocal(0, jvm.KindObject)
	}
	enter := b.g.NewNode(ir.OpMonitorEnter, jvm.KindVoid, b.syncObject)
	b.append(enter)
	b.frame.pushLock(b.syncObject)
	b.g.SetStateAfter(enter, b.frame.create(0))
}

// buildReturnExit finishes the synthetic block all returns flow into. For
// the root method it emits the final return node; for an inlined callee
// it records the continuation point and merged return value instead.
func (b *builder) buildReturnExit() {
	retKind := b.method.Signature().Return
	var value ir.NodeID
	if retKind != jvm.KindVoid {
		value = b.frame.pop(retKind)
	}
	if b.wroteFinal {
		b.append(b.g.NewNode(ir.OpFinalFieldBarrier, jvm.KindVoid))
	}
	if b.method.IsSynchronized() {
		b.genReleaseMethodLock()
	}
	if b.frame.lockDepth() != 0 {
		b.bailout("unbalanced monitors: %d locks still held at return", b.frame.lockDepth())
	}
	if b.parent != nil {
		b.inlineLast = b.lastInstr
		b.inlineReturnValue = value
		return
	}
	var ret ir.NodeID
	if value.Valid() {
		ret = b.g.NewNode(ir.OpReturn, jvm.KindVoid, value)
	} else {
		ret = b.g.NewNode(ir.OpReturn, jvm.KindVoid)
	}
	b.append(ret)
	b.lastInstr = ir.NodeIDInvalid
}

// buildUnwindExit finishes the synthetic block escaping exceptions flow
// into. For an inlined callee the exception resumes in the caller's
// dispatch at the call site.
func (b *builder) buildUnwindExit() {
	exception := b.frame.stack[0]
	if b.method.IsSynchronized() {
		b.genReleaseMethodLock()
	}
	if b.parent != nil {
		state := b.parentStateAtCall.exceptionState(exception)
		b.parent.routeException(b.invokeBCI, state, b.lastInstr)
		b.lastInstr = ir.NodeIDInvalid
		return
	}
	unwind := b.g.NewNode(ir.OpUnwind, jvm.KindVoid, exception)
	b.append(unwind)
	b.lastInstr = ir.NodeIDInvalid
}

func (b *builder) genReleaseMethodLock() {
	lock := b.frame.popLock()
	exit := b.g.NewNode(ir.OpMonitorExit, jvm.KindVoid, lock)
	b.append(exit)
	b.g.SetStateAfter(exit, b.frame.create(b.currentBCI()))
}
