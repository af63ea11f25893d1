package irgen

import (
	"math/bits"

	"golang.org/x/exp/slices"

	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

// createTarget wires a branch from the current block to target, returning
// the node the caller must link its control flow to. On a first visit this
// is a begin placeholder (or the reused last instruction); on a revisit
// the returned node is a fresh end feeding the target's merge, or a
// loop-end for the back edge into a loop header. When the edge leaves one
// or more loops, the returned node is the innermost of a chain of
// loop-exit nodes inserted in front of the target.
func (b *builder) createTarget(target *jvm.Block, state *frameState) ir.NodeID {
	head, tail, state := b.checkLoopExit(target, state)
	entry := b.targetEntry(target, state, head.Valid())
	if !head.Valid() {
		return entry
	}
	b.g.SetNext(tail, entry)
	return head
}

// targetEntry implements the four visitation cases of target creation.
func (b *builder) targetEntry(target *jvm.Block, state *frameState, noReuse bool) ir.NodeID {
	g := b.g
	first := b.firstInstruction[target.ID]
	if !first.Valid() {
		// First visit.
		entry := state.copy()
		entry.clearNonLiveLocals(target)
		if !noReuse && b.canReuseLastInstruction(target) {
			b.firstInstruction[target.ID] = b.lastInstr
			b.entryState[target.ID] = entry
			return b.lastInstr
		}
		begin := g.NewNode(ir.OpBegin, jvm.KindVoid)
		b.firstInstruction[target.ID] = begin
		b.entryState[target.ID] = entry
		return begin
	}

	switch g.Node(first).Opcode() {
	case ir.OpLoopBegin:
		// The back edge, the only legal revisit of a processed block.
		loopEnd := g.NewNode(ir.OpLoopEnd, jvm.KindVoid)
		g.SetNext(loopEnd, first)
		b.entryState[target.ID].mergeLoopEnd(first, state)
		return loopEnd
	case ir.OpMerge:
		end := g.NewNode(ir.OpEnd, jvm.KindVoid)
		g.SetNext(end, first)
		b.entryState[target.ID].merge(first, state)
		return end
	case ir.OpBegin:
		// Second forward edge: materialize the merge in place of the
		// placeholder.
		merge := g.NewNode(ir.OpMerge, jvm.KindVoid)
		end1 := g.NewNode(ir.OpEnd, jvm.KindVoid)
		g.ReplaceAtPredecessors(first, end1)
		g.SetNext(end1, merge)
		g.Kill(first)
		b.firstInstruction[target.ID] = merge

		end2 := g.NewNode(ir.OpEnd, jvm.KindVoid)
		g.SetNext(end2, merge)
		b.entryState[target.ID].merge(merge, state)
		return end2
	default:
		b.internalf("block %s revisited with a %s entry", target, g.Node(first).Opcode())
		return ir.NodeIDInvalid
	}
}

// canReuseLastInstruction reports whether a first visit may adopt the
// running last instruction as the target's entry, skipping the begin
// placeholder. Only straight-line single-predecessor flow qualifies.
func (b *builder) canReuseLastInstruction(target *jvm.Block) bool {
	return b.lastInstr.Valid() &&
		!b.controlFlowSplit &&
		target.PredecessorCount() == 1 &&
		!target.IsLoopHeader &&
		target.Handler == nil &&
		!target.IsReturnBlock && !target.IsUnwindBlock
}

// checkLoopExit inserts one loop-exit node per loop the edge from the
// current block to target leaves, innermost first, and proxies the state's
// loop-defined values at each exit. head/tail are invalid when the edge
// crosses no loop boundary.
func (b *builder) checkLoopExit(target *jvm.Block, state *frameState) (head, tail ir.NodeID, out *frameState) {
	exits := b.currentBlock.Loops &^ target.Loops
	if exits == 0 {
		return ir.NodeIDInvalid, ir.NodeIDInvalid, state
	}

	var exited []*jvm.Block
	for exits != 0 {
		id := bits.TrailingZeros64(exits)
		exits &^= 1 << id
		exited = append(exited, b.blockMap.LoopHeader(id))
	}
	// Deeper-nested loops must be exited first.
	slices.SortFunc(exited, func(x, y *jvm.Block) int {
		return bits.OnesCount64(y.Loops) - bits.OnesCount64(x.Loops)
	})

	g := b.g
	state = state.copy()
	// Locals dead at the target need no proxies.
	state.clearNonLiveLocals(target)
	for _, header := range exited {
		loopBegin := b.loopBegin[header.LoopID]
		if !loopBegin.Valid() {
			b.internalf("exit of loop %d before its header materialized", header.LoopID)
		}
		exit := g.NewNode(ir.OpLoopExit, jvm.KindVoid, loopBegin)
		state.insertProxies(exit, loopBegin)
		g.SetStateAfter(exit, state.create(b.targetStateBCI(target)))
		if !head.Valid() {
			head = exit
		} else {
			g.SetNext(tail, exit)
		}
		tail = exit
	}
	return head, tail, state
}

// targetStateBCI is the resume bci recorded in states flowing into target.
func (b *builder) targetStateBCI(target *jvm.Block) int {
	if target.Handler != nil {
		return target.DeoptBCI
	}
	if target.IsReturnBlock || target.IsUnwindBlock {
		return b.currentBCI()
	}
	return target.StartBCI
}

// appendGoto ends the current block with an unconditional edge to target.
func (b *builder) appendGoto(target *jvm.Block) {
	head := b.createTarget(target, b.frame)
	if head != b.lastInstr {
		b.g.SetNext(b.lastInstr, head)
	}
	b.lastInstr = ir.NodeIDInvalid
}

// append links a freshly created fixed node into the control chain and
// makes it the last instruction.
func (b *builder) append(node ir.NodeID) ir.NodeID {
	b.g.SetNext(b.lastInstr, node)
	b.lastInstr = node
	return node
}
