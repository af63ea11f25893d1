package jvm

import (
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// Block is one basic block of a method, identified by its bci range.
// Dispatch blocks (Handler != nil) and the synthetic return/unwind
// collectors are represented as Blocks too so that the graph builder can
// treat every branch target uniformly.
type Block struct {
	// ID is the block's index in BlockMap.Blocks, assigned in the order
	// blocks are to be processed (reverse post-order).
	ID int
	// StartBCI is the bci of the first instruction. EndBCI is the bci of
	// the last instruction, not the one past it.
	StartBCI, EndBCI int

	// Successors holds the normal control-flow successors. For a
	// conditional branch, index 0 is the branch target and index 1 the
	// fall-through. Exception successors are not listed here; they are
	// reached through BlockMap.ExceptionDispatch.
	Successors []*Block

	// Loops is the loop-membership bitmask: bit i is set when the block
	// is inside the loop whose header has LoopID i.
	Loops uint64
	// LoopID is the loop index when IsLoopHeader is true.
	LoopID       int
	IsLoopHeader bool

	// IsExceptionEntry marks handler entry blocks; their entry state
	// carries exactly the exception object on the stack.
	IsExceptionEntry bool

	// Handler is set on exception-dispatch blocks. Successors[0] is then
	// the handler's entry block and Successors[1], if present, the next
	// dispatch block of the chain. DeoptBCI is the throwing bci the
	// dispatch state must be able to resume at.
	Handler  *ExceptionHandler
	DeoptBCI int

	// IsReturnBlock/IsUnwindBlock mark the synthetic collector blocks.
	IsReturnBlock bool
	IsUnwindBlock bool

	// JSR bookkeeping. JSRScope is the stack of pending return addresses
	// under which this block executes; JSREntry is set on subroutine
	// entry blocks; RetSuccessor is the continuation a ret in this scope
	// returns to.
	JSRScope      []int
	JSREntry      bool
	RetSuccessor  *Block

	preds int
}

// PredecessorCount returns the number of normal predecessor edges.
func (b *Block) PredecessorCount() int { return b.preds }

// String implements fmt.Stringer.
func (b *Block) String() string {
	switch {
	case b.Handler != nil:
		return fmt.Sprintf("D%d@%d", b.ID, b.DeoptBCI)
	case b.IsReturnBlock:
		return fmt.Sprintf("B%d(return)", b.ID)
	case b.IsUnwindBlock:
		return fmt.Sprintf("B%d(unwind)", b.ID)
	default:
		return fmt.Sprintf("B%d[%d..%d]", b.ID, b.StartBCI, b.EndBCI)
	}
}

// maxLoops bounds the loop-membership bitmask width.
const maxLoops = 64

// BlockMap partitions a method's bytecode into basic blocks with loop and
// exception-dispatch structure. It is immutable once built.
type BlockMap struct {
	method      Method
	blocks      []*Block
	startBlock  *Block
	returnBlock *Block
	unwindBlock *Block
	loopHeaders [maxLoops]*Block
	loopCount   int
	returnCount int
	dispatch    map[int]*Block
	blockAt     []*Block
}

// Blocks returns all blocks in processing order.
func (m *BlockMap) Blocks() []*Block { return m.blocks }

// StartBlock returns the block containing bci zero.
func (m *BlockMap) StartBlock() *Block { return m.startBlock }

// ReturnBlock returns the synthetic block collecting all returns.
func (m *BlockMap) ReturnBlock() *Block { return m.returnBlock }

// UnwindBlock returns the synthetic block collecting escaping exceptions.
func (m *BlockMap) UnwindBlock() *Block { return m.unwindBlock }

// ReturnCount returns the number of return instructions in the method.
func (m *BlockMap) ReturnCount() int { return m.returnCount }

// LoopCount returns the number of loops discovered.
func (m *BlockMap) LoopCount() int { return m.loopCount }

// LoopHeader returns the header block of the given loop.
func (m *BlockMap) LoopHeader(loopID int) *Block { return m.loopHeaders[loopID] }

// BlockAt returns the block starting at the given bci.
func (m *BlockMap) BlockAt(bci int) *Block { return m.blockAt[bci] }

// ExceptionDispatch returns the head of the dispatch chain for the throwing
// instruction at bci, or nil when no handler covers it.
func (m *BlockMap) ExceptionDispatch(bci int) *Block { return m.dispatch[bci] }

// BuildBlockMap partitions the method's bytecode. It returns an error for
// malformed or structurally unsupported bytecode (unstructured jsr/ret,
// more than 64 loops); such errors abort the compilation as a bailout.
func BuildBlockMap(method Method) (*BlockMap, error) {
	b := &blockMapBuilder{
		method: method,
		stream: NewBytecodeStream(method.Code()),
		m: &BlockMap{
			method:      method,
			dispatch:    map[int]*Block{},
			returnBlock: &Block{IsReturnBlock: true, StartBCI: len(method.Code()), EndBCI: len(method.Code())},
			unwindBlock: &Block{IsUnwindBlock: true, StartBCI: len(method.Code()), EndBCI: len(method.Code())},
		},
	}
	if err := b.build(); err != nil {
		return nil, err
	}
	return b.m, nil
}

type blockMapBuilder struct {
	method Method
	stream *BytecodeStream
	m      *BlockMap

	leaders *bitset.BitSet
	visited *bitset.BitSet
	active  *bitset.BitSet

	// all blocks in creation order, before reverse post-ordering.
	created []*Block
	postOrd []*Block
}

func (b *blockMapBuilder) build() error {
	code := b.method.Code()
	if len(code) == 0 {
		return fmt.Errorf("method %s has no code", b.method.Name())
	}
	b.leaders = bitset.New(uint(len(code)))
	b.m.blockAt = make([]*Block, len(code))

	if err := b.validate(); err != nil {
		return err
	}
	b.markLeaders()
	if err := b.createBlocks(); err != nil {
		return err
	}
	if err := b.wireSuccessors(); err != nil {
		return err
	}
	b.createDispatchChains()
	if err := b.computeOrder(); err != nil {
		return err
	}
	return nil
}

// validate walks the code once so later passes can decode it without
// bounds concerns. Variable-length instructions have their operand tables
// bounds-checked before anything reads them.
func (b *blockMapBuilder) validate() error {
	s := b.stream
	end := s.EndBCI()
	for bci := 0; bci < end; {
		s.SetBCI(bci)
		op := s.CurrentBC()
		if !op.Defined() {
			return fmt.Errorf("undefined opcode 0x%02x at bci %d", byte(op), bci)
		}
		switch op {
		case Wide:
			if bci+1 >= end {
				return fmt.Errorf("truncated wide instruction at bci %d", bci)
			}
			switch s.WidenedBC() {
			case Iload, Lload, Fload, Dload, Aload,
				Istore, Lstore, Fstore, Dstore, Astore, Ret, Iinc:
			default:
				return fmt.Errorf("wide prefix on %s at bci %d", s.WidenedBC(), bci)
			}
		case Tableswitch:
			aligned := alignUp4(bci + 1)
			if aligned+12 > end {
				return fmt.Errorf("truncated tableswitch at bci %d", bci)
			}
			low, high := s.readInt32At(aligned+4), s.readInt32At(aligned+8)
			if high < low {
				return fmt.Errorf("tableswitch at bci %d has high %d below low %d", bci, high, low)
			}
			if aligned+12+4*(int(high)-int(low)+1) > end {
				return fmt.Errorf("truncated tableswitch at bci %d", bci)
			}
		case Lookupswitch:
			aligned := alignUp4(bci + 1)
			if aligned+8 > end {
				return fmt.Errorf("truncated lookupswitch at bci %d", bci)
			}
			npairs := int(s.readInt32At(aligned + 4))
			if npairs < 0 || aligned+8+8*npairs > end {
				return fmt.Errorf("truncated lookupswitch at bci %d", bci)
			}
		}
		next := s.NextBCI()
		if next <= bci || next > end {
			return fmt.Errorf("instruction at bci %d runs past the end of the code", bci)
		}
		bci = next
	}
	return nil
}

// markLeaders records every bci that starts a basic block: the entry, all
// branch targets and fall-throughs, and exception-handler boundaries (so a
// block's applicable handler set is uniform).
func (b *blockMapBuilder) markLeaders() {
	b.leaders.Set(0)
	s := b.stream
	for s.SetBCI(0); s.CurrentBCI() < s.EndBCI(); s.Next() {
		op := s.EffectiveBC()
		switch {
		case op.IsConditionalBranch():
			b.leaders.Set(uint(s.ReadBranchDest()))
			b.leaders.Set(uint(s.NextBCI()))
		case op == Goto || op == GotoW:
			b.leaders.Set(uint(s.ReadBranchDest()))
			b.markNextIfAny()
		case op == Jsr || op == JsrW:
			b.leaders.Set(uint(s.ReadBranchDest()))
			// The continuation a matching ret resumes at.
			b.leaders.Set(uint(s.NextBCI()))
		case op == Tableswitch:
			ts := s.ReadTableSwitch()
			b.leaders.Set(uint(ts.DefaultDest))
			for _, d := range ts.Dests {
				b.leaders.Set(uint(d))
			}
			b.markNextIfAny()
		case op == Lookupswitch:
			ls := s.ReadLookupSwitch()
			b.leaders.Set(uint(ls.DefaultDest))
			for _, d := range ls.Dests {
				b.leaders.Set(uint(d))
			}
			b.markNextIfAny()
		case op.IsReturn() || op == Athrow || op == Ret:
			b.markNextIfAny()
		}
	}
	for i := range b.method.ExceptionHandlers() {
		h := &b.method.ExceptionHandlers()[i]
		b.leaders.Set(uint(h.StartBCI))
		if h.EndBCI < len(b.method.Code()) {
			b.leaders.Set(uint(h.EndBCI))
		}
		b.leaders.Set(uint(h.HandlerBCI))
	}
}

func (b *blockMapBuilder) markNextIfAny() {
	if next := b.stream.NextBCI(); next < b.stream.EndBCI() {
		b.leaders.Set(uint(next))
	}
}

func (b *blockMapBuilder) newBlock() *Block {
	blk := &Block{ID: len(b.created)}
	b.created = append(b.created, blk)
	return blk
}

func (b *blockMapBuilder) createBlocks() error {
	s := b.stream
	var cur *Block
	for s.SetBCI(0); s.CurrentBCI() < s.EndBCI(); s.Next() {
		bci := s.CurrentBCI()
		op := s.EffectiveBC()
		if b.leaders.Test(uint(bci)) || cur == nil {
			cur = b.newBlock()
			cur.StartBCI = bci
			b.m.blockAt[bci] = cur
		}
		cur.EndBCI = bci
		if op.IsBlockEnd() {
			cur = nil
		}
		if op.IsReturn() {
			b.m.returnCount++
		}
	}
	b.m.startBlock = b.m.blockAt[0]
	return nil
}

func (b *blockMapBuilder) succ(bci int) (*Block, error) {
	blk := b.m.blockAt[bci]
	if blk == nil {
		return nil, fmt.Errorf("branch target %d is not an instruction boundary", bci)
	}
	return blk, nil
}

func (b *blockMapBuilder) wireSuccessors() error {
	s := b.stream
	for _, blk := range b.created {
		s.SetBCI(blk.EndBCI)
		op := s.EffectiveBC()
		add := func(bci int) error {
			t, err := b.succ(bci)
			if err != nil {
				return err
			}
			blk.Successors = append(blk.Successors, t)
			return nil
		}
		switch {
		case op.IsConditionalBranch():
			if err := add(s.ReadBranchDest()); err != nil {
				return err
			}
			if err := add(s.NextBCI()); err != nil {
				return err
			}
		case op == Goto || op == GotoW:
			if err := add(s.ReadBranchDest()); err != nil {
				return err
			}
		case op == Jsr || op == JsrW:
			if err := b.wireJsr(blk); err != nil {
				return err
			}
		case op == Ret:
			// Filled in by wireJsr for the enclosing scope.
		case op == Tableswitch:
			ts := s.ReadTableSwitch()
			for _, d := range ts.Dests {
				if err := b.addUnique(blk, d); err != nil {
					return err
				}
			}
			if err := b.addUnique(blk, ts.DefaultDest); err != nil {
				return err
			}
		case op == Lookupswitch:
			ls := s.ReadLookupSwitch()
			for _, d := range ls.Dests {
				if err := b.addUnique(blk, d); err != nil {
					return err
				}
			}
			if err := b.addUnique(blk, ls.DefaultDest); err != nil {
				return err
			}
		case op.IsReturn():
			blk.Successors = append(blk.Successors, b.m.returnBlock)
		case op == Athrow:
			// Exception successors only; wired via dispatch chains.
		default:
			// Fall through into the lexically next block.
			if next := s.NextBCI(); next < s.EndBCI() {
				if err := add(next); err != nil {
					return err
				}
			} else {
				return fmt.Errorf("control falls off the end of the code at bci %d", blk.EndBCI)
			}
		}
	}
	for _, blk := range b.created {
		for _, t := range blk.Successors {
			t.preds++
		}
	}
	return nil
}

func (b *blockMapBuilder) addUnique(blk *Block, bci int) error {
	t, err := b.succ(bci)
	if err != nil {
		return err
	}
	for _, existing := range blk.Successors {
		if existing == t {
			return nil
		}
	}
	blk.Successors = append(blk.Successors, t)
	return nil
}

// wireJsr records the subroutine entry scope and resolves the matching ret's
// continuation. Only single-entry, balanced subroutines are supported; every
// other shape is reported as an error (a bailout for the caller, never a
// miscompile).
func (b *blockMapBuilder) wireJsr(blk *Block) error {
	s := b.stream
	dest := s.ReadBranchDest()
	retBCI := s.NextBCI()
	entry, err := b.succ(dest)
	if err != nil {
		return err
	}
	cont, err := b.succ(retBCI)
	if err != nil {
		return err
	}
	if entry.JSREntry {
		return fmt.Errorf("unstructured control flow: subroutine at %d has multiple call sites", dest)
	}
	entry.JSREntry = true
	entry.JSRScope = append(append([]int(nil), blk.JSRScope...), retBCI)
	blk.Successors = append(blk.Successors, entry)

	// Propagate the scope through the subroutine body and hook the ret.
	if err := b.propagateScope(entry, entry.JSRScope, cont); err != nil {
		return err
	}
	return nil
}

func (b *blockMapBuilder) propagateScope(entry *Block, scope []int, cont *Block) error {
	work := []*Block{entry}
	seen := bitset.New(uint(len(b.created)))
	for len(work) > 0 {
		blk := work[len(work)-1]
		work = work[:len(work)-1]
		if seen.Test(uint(blk.ID)) {
			continue
		}
		seen.Set(uint(blk.ID))
		blk.JSRScope = scope
		b.stream.SetBCI(blk.EndBCI)
		if b.stream.EffectiveBC() == Ret {
			if blk.RetSuccessor != nil && blk.RetSuccessor != cont {
				return fmt.Errorf("unstructured control flow: ret at %d leaves more than one scope", blk.EndBCI)
			}
			blk.RetSuccessor = cont
			blk.Successors = append(blk.Successors, cont)
			continue
		}
		work = append(work, blk.Successors...)
	}
	return nil
}

// createDispatchChains builds, for every instruction that can raise an
// exception, the ordered chain of dispatch blocks testing each applicable
// handler in table order. A catch-all handler terminates its chain.
func (b *blockMapBuilder) createDispatchChains() {
	handlers := b.method.ExceptionHandlers()
	if len(handlers) == 0 {
		return
	}
	s := b.stream
	for s.SetBCI(0); s.CurrentBCI() < s.EndBCI(); s.Next() {
		bci := s.CurrentBCI()
		if !s.EffectiveBC().CanTrap() {
			continue
		}
		var head, prev *Block
		for i := range handlers {
			h := &handlers[i]
			if !h.Covers(bci) {
				continue
			}
			d := b.newBlock()
			d.Handler = h
			d.DeoptBCI = bci
			d.StartBCI = h.HandlerBCI
			d.EndBCI = h.HandlerBCI
			target := b.m.blockAt[h.HandlerBCI]
			target.IsExceptionEntry = true
			d.Successors = append(d.Successors, target)
			target.preds++
			if prev != nil {
				prev.Successors = append(prev.Successors, d)
				d.preds++
			}
			if head == nil {
				head = d
			}
			prev = d
			if h.IsCatchAll {
				break
			}
		}
		if head != nil {
			b.m.dispatch[bci] = head
		}
	}
}

// computeOrder runs the loop-marking depth-first traversal and lays the
// blocks out in reverse post-order, which is the order the graph builder
// processes them in.
func (b *blockMapBuilder) computeOrder() error {
	b.visited = bitset.New(uint(len(b.created) + 2))
	b.active = bitset.New(uint(len(b.created) + 2))
	// Give the synthetic blocks ids so the traversal bitsets cover them.
	b.m.returnBlock.ID = len(b.created)
	b.m.unwindBlock.ID = len(b.created) + 1

	if _, err := b.visit(b.m.startBlock); err != nil {
		return err
	}

	// Reverse the post-order and renumber.
	n := len(b.postOrd)
	ordered := make([]*Block, n)
	for i, blk := range b.postOrd {
		ordered[n-1-i] = blk
	}
	for i, blk := range ordered {
		blk.ID = i
	}
	b.m.blocks = ordered
	return nil
}

// visit returns the loop bits of the loops the block is part of, as seen
// from its predecessors.
func (b *blockMapBuilder) visit(blk *Block) (uint64, error) {
	if b.visited.Test(uint(blk.ID)) {
		if b.active.Test(uint(blk.ID)) {
			// Backward branch: blk is a loop header.
			if !blk.IsLoopHeader {
				if b.m.loopCount == maxLoops {
					return 0, fmt.Errorf("too many loops in method %s", b.method.Name())
				}
				blk.IsLoopHeader = true
				blk.LoopID = b.m.loopCount
				b.m.loopHeaders[blk.LoopID] = blk
				b.m.loopCount++
			}
			return blk.Loops | 1<<blk.LoopID, nil
		}
		// A cross edge into a finished block. The block may only belong to
		// loops whose headers are still on the traversal stack; anything
		// else is a side entrance, and the loop is not a natural loop.
		entered := blk.Loops
		if blk.IsLoopHeader {
			entered &^= 1 << blk.LoopID
		}
		for rest := entered; rest != 0; rest &= rest - 1 {
			header := b.m.loopHeaders[bits.TrailingZeros64(rest)]
			if !b.active.Test(uint(header.ID)) {
				return 0, fmt.Errorf("irreducible control flow: loop at bci %d entered away from its header",
					header.StartBCI)
			}
		}
		return blk.Loops, nil
	}
	b.visited.Set(uint(blk.ID))
	b.active.Set(uint(blk.ID))

	var loops uint64
	for _, succ := range b.successorsForTraversal(blk) {
		bits, err := b.visit(succ)
		if err != nil {
			return 0, err
		}
		loops |= bits
	}
	blk.Loops = loops
	if blk.IsLoopHeader {
		// The header's own loop does not extend to its predecessors.
		loops &^= 1 << blk.LoopID
	}

	b.active.Clear(uint(blk.ID))
	b.postOrd = append(b.postOrd, blk)
	return loops, nil
}

// successorsForTraversal includes the exception-dispatch successors so that
// dispatch blocks receive ids, an order position and loop bits.
func (b *blockMapBuilder) successorsForTraversal(blk *Block) []*Block {
	if blk.Handler != nil || blk.IsReturnBlock || blk.IsUnwindBlock {
		return blk.Successors
	}
	succ := blk.Successors
	s := b.stream
	extra := false
	for bci := blk.StartBCI; bci <= blk.EndBCI; bci = s.NextBCI() {
		s.SetBCI(bci)
		if !s.EffectiveBC().CanTrap() {
			continue
		}
		if !extra {
			succ = append([]*Block(nil), succ...)
			extra = true
		}
		if d := b.m.dispatch[bci]; d != nil {
			succ = append(succ, d)
		} else {
			succ = append(succ, b.m.unwindBlock)
		}
	}
	return succ
}
