package irgen

import (
	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

// genIf ends the block with a two-way branch on cond. stateBefore is the
// frame as it was before the comparison operands were popped, needed when
// a pruned branch deoptimizes back to the branch itself. negate swaps the
// branch targets (ifnonnull).
func (b *builder) genIf(cond ir.NodeID, stateBefore *frameState, negate bool) {
	s, g := b.stream, b.g
	trueBlock := b.blockMap.BlockAt(s.ReadBranchDest())
	falseBlock := b.blockMap.BlockAt(s.NextBCI())
	if negate {
		trueBlock, falseBlock = falseBlock, trueBlock
	}
	if trueBlock == falseBlock {
		b.appendGoto(trueBlock)
		return
	}

	prob := b.branchProbability()
	if negate {
		prob = 1 - prob
	}
	if b.cfg.RemoveNeverExecutedCode && (prob == 0 || prob == 1) {
		// The profile says one side never runs: guard it away and fall
		// into the surviving branch.
		survivor := trueBlock
		negateGuard := false
		if prob == 0 {
			survivor = falseBlock
			negateGuard = true
		}
		guard := b.append(g.NewNodeP(ir.OpFixedGuard, jvm.KindVoid, 0,
			&ir.DeoptData{Reason: "never-executed branch taken", NegateGuard: negateGuard}, cond))
		g.SetStateAfter(guard, stateBefore.create(b.currentBCI()))
		b.appendGoto(survivor)
		return
	}
	prob = clampProbability(prob, b.cfg.MinBranchProbability)

	if b.tryGenConditionalForIf(cond, trueBlock, falseBlock) {
		return
	}

	ifNode := g.NewNodeP(ir.OpIf, jvm.KindVoid, 0, nil, cond)
	g.SetProbability(ifNode, prob)
	g.SetNext(b.lastInstr, ifNode)
	b.lastInstr = ifNode
	b.controlFlowSplit = true
	trueHead := b.createTarget(trueBlock, b.frame)
	falseHead := b.createTarget(falseBlock, b.frame)
	g.SetNext(ifNode, trueHead)
	g.SetNext(ifNode, falseHead)
	b.lastInstr = ir.NodeIDInvalid
}

// branchProbability returns the profiled taken probability of the branch
// at the cursor, or 0.5 when unrecorded.
func (b *builder) branchProbability() float64 {
	profile := b.method.Profile()
	if profile == nil {
		return 0.5
	}
	p := profile.BranchTakenProbability(b.currentBCI())
	if p < 0 {
		return 0.5
	}
	return p
}

func clampProbability(p, min float64) float64 {
	if p < min {
		return min
	}
	if p > 1-min {
		return 1 - min
	}
	return p
}

// tryGenConditionalForIf folds the pattern where both branch targets do
// nothing but push an int constant and rejoin (through a shared goto
// target or an int return) into a single conditional value, eliminating
// the control split entirely.
func (b *builder) tryGenConditionalForIf(cond ir.NodeID, trueBlock, falseBlock *jvm.Block) bool {
	tv, tRet, tNext, ok := b.constantPushBlock(trueBlock)
	if !ok {
		return false
	}
	fv, fRet, fNext, ok := b.constantPushBlock(falseBlock)
	if !ok || tRet != fRet || (!tRet && tNext != fNext) {
		return false
	}
	g := b.g
	value := g.Unique(ir.OpConditional, jvm.KindInt, 0, nil, cond, g.ConstInt(tv), g.ConstInt(fv))
	b.frame.push(jvm.KindInt, value)
	if tRet {
		b.genReturn(jvm.KindInt)
	} else {
		b.appendGoto(tNext)
	}
	return true
}

// constantPushBlock recognizes a block consisting of exactly an int
// constant push followed by either a goto or an int return.
func (b *builder) constantPushBlock(block *jvm.Block) (value int32, isReturn bool, next *jvm.Block, ok bool) {
	if block.IsLoopHeader || block.IsExceptionEntry || block.Handler != nil ||
		block.IsReturnBlock || block.IsUnwindBlock {
		return 0, false, nil, false
	}
	s := jvm.NewBytecodeStream(b.method.Code())
	s.SetBCI(block.StartBCI)
	switch op := s.CurrentBC(); {
	case op >= jvm.IconstM1 && op <= jvm.Iconst5:
		value = int32(op) - int32(jvm.Iconst0)
	case op == jvm.Bipush:
		value = int32(s.ReadByteImmediate())
	case op == jvm.Sipush:
		value = int32(s.ReadShortImmediate())
	default:
		return 0, false, nil, false
	}
	s.Next()
	if s.CurrentBCI() != block.EndBCI {
		return 0, false, nil, false
	}
	switch s.CurrentBC() {
	case jvm.Goto:
		return value, false, b.blockMap.BlockAt(s.ReadBranchDest()), true
	case jvm.Ireturn:
		return value, true, nil, true
	}
	return 0, false, nil, false
}

func (b *builder) genTableSwitch() {
	ts := b.stream.ReadTableSwitch()
	keys := make([]int32, len(ts.Dests))
	for i := range keys {
		keys[i] = ts.Low + int32(i)
	}
	b.genSwitch(keys, ts.Dests, ts.DefaultDest)
}

func (b *builder) genLookupSwitch() {
	ls := b.stream.ReadLookupSwitch()
	b.genSwitch(ls.Keys, ls.Dests, ls.DefaultDest)
}

func (b *builder) genSwitch(keys []int32, dests []int, defaultDest int) {
	f, g := b.frame, b.g
	stateBefore := f.copy()
	key := f.pop(jvm.KindInt)
	probs := b.switchProbabilities(len(dests) + 1)
	data := &ir.SwitchData{Keys: keys, Probabilities: make([]float64, len(probs))}
	sw := g.NewNodeP(ir.OpIntegerSwitch, jvm.KindVoid, 0, data, key)
	g.SetNext(b.lastInstr, sw)
	b.lastInstr = sw
	b.controlFlowSplit = true
	for i, dest := range append(append([]int(nil), dests...), defaultDest) {
		if b.cfg.RemoveNeverExecutedCode && probs[i] == 0 {
			// The profile says this successor never runs: route it to a
			// deoptimization that re-executes the switch.
			g.SetNext(sw, b.createDeoptTarget(stateBefore, "never-executed switch branch taken"))
			continue
		}
		data.Probabilities[i] = clampProbability(probs[i], b.cfg.MinBranchProbability)
		g.SetNext(sw, b.createTarget(b.blockMap.BlockAt(dest), f))
	}
	b.lastInstr = ir.NodeIDInvalid
}

// switchProbabilities returns the per-successor probabilities of the
// switch at the cursor, keyed successors first and the default last. When
// the profile has no usable record every successor gets an equal share.
func (b *builder) switchProbabilities(n int) []float64 {
	if profile := b.method.Profile(); profile != nil {
		if p := profile.SwitchProbabilities(b.currentBCI()); len(p) == n {
			return p
		}
	}
	uniform := make([]float64, n)
	for i := range uniform {
		uniform[i] = 1 / float64(n)
	}
	return uniform
}

// createDeoptTarget builds a fresh branch head that immediately leaves
// compiled code, resuming the interpreter at the current instruction.
func (b *builder) createDeoptTarget(stateBefore *frameState, reason string) ir.NodeID {
	g := b.g
	begin := g.NewNode(ir.OpBegin, jvm.KindVoid)
	deopt := g.NewNodeP(ir.OpDeopt, jvm.KindVoid, int64(b.currentBCI()), &ir.DeoptData{Reason: reason})
	g.SetStateAfter(deopt, stateBefore.create(b.currentBCI()))
	g.SetNext(begin, deopt)
	return begin
}
