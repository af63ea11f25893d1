package jvm

import "github.com/bits-and-blooms/bitset"

// Liveness holds per-block local-variable liveness for one method. The
// graph builder clears locals that are not live at a block entry so that
// dead values do not extend into frame states and loop phis.
type Liveness struct {
	liveIn []*bitset.BitSet
}

// LiveIn reports whether the given local slot is live at entry to block.
func (l *Liveness) LiveIn(block *Block, local int) bool {
	in := l.liveIn[block.ID]
	if in == nil {
		return false
	}
	return in.Test(uint(local))
}

// BuildLiveness computes local liveness with a backward dataflow over the
// block map. Exception edges are included: a local read by a handler is
// live throughout the protected region.
func BuildLiveness(method Method, m *BlockMap) *Liveness {
	blocks := m.Blocks()
	nLocals := uint(method.MaxLocals())
	s := NewBytecodeStream(method.Code())

	gen := make([]*bitset.BitSet, len(blocks))
	kill := make([]*bitset.BitSet, len(blocks))
	liveIn := make([]*bitset.BitSet, len(blocks))
	liveOut := make([]*bitset.BitSet, len(blocks))
	for _, b := range blocks {
		gen[b.ID] = bitset.New(nLocals)
		kill[b.ID] = bitset.New(nLocals)
		liveIn[b.ID] = bitset.New(nLocals)
		liveOut[b.ID] = bitset.New(nLocals)
		if b.Handler != nil || b.IsReturnBlock || b.IsUnwindBlock {
			continue
		}
		scanBlockAccesses(s, b, gen[b.ID], kill[b.ID])
	}

	// Iterate to a fixpoint. Processing in post-order (the reverse of the
	// block layout) converges quickly for reducible flow.
	changed := true
	for changed {
		changed = false
		for i := len(blocks) - 1; i >= 0; i-- {
			b := blocks[i]
			out := liveOut[b.ID]
			for _, succ := range b.Successors {
				out.InPlaceUnion(liveIn[succ.ID])
			}
			if b.Handler == nil && !b.IsReturnBlock && !b.IsUnwindBlock {
				for bci := b.StartBCI; bci <= b.EndBCI; {
					s.SetBCI(bci)
					if d := m.ExceptionDispatch(bci); d != nil {
						out.InPlaceUnion(liveIn[d.ID])
					}
					bci = s.NextBCI()
				}
			}
			// in = gen | (out &^ kill)
			in := out.Difference(kill[b.ID])
			in.InPlaceUnion(gen[b.ID])
			if !in.Equal(liveIn[b.ID]) {
				liveIn[b.ID] = in
				changed = true
			}
		}
	}
	return &Liveness{liveIn: liveIn}
}

// scanBlockAccesses records, in instruction order, which locals the block
// reads before writing (gen) and which it writes (kill).
func scanBlockAccesses(s *BytecodeStream, b *Block, gen, kill *bitset.BitSet) {
	use := func(idx, slots int) {
		for i := 0; i < slots; i++ {
			if !kill.Test(uint(idx + i)) {
				gen.Set(uint(idx + i))
			}
		}
	}
	def := func(idx, slots int) {
		for i := 0; i < slots; i++ {
			kill.Set(uint(idx + i))
		}
	}
	for bci := b.StartBCI; bci <= b.EndBCI; {
		s.SetBCI(bci)
		op := s.CurrentBC()
		if op == Wide {
			op = s.WidenedBC()
		}
		if idx, slots, isLoad := localAccess(op, s); isLoad {
			use(idx, slots)
		} else if slots != 0 {
			def(idx, slots)
		} else if op == Iinc {
			use(s.ReadLocalIndex(), 1)
			def(s.ReadLocalIndex(), 1)
		} else if op == Ret {
			use(s.ReadLocalIndex(), 1)
		}
		bci = s.NextBCI()
	}
}

// localAccess decodes a load or store of a local. slots is zero when the
// opcode accesses no local.
func localAccess(op Bytecode, s *BytecodeStream) (idx, slots int, isLoad bool) {
	switch {
	case op >= Iload && op <= Aload:
		slots = 1
		if op == Lload || op == Dload {
			slots = 2
		}
		return s.ReadLocalIndex(), slots, true
	case op >= Iload0 && op <= Aload3:
		rel := int(op - Iload0)
		slots = 1
		if w := rel / 4; w == 1 || w == 3 { // lload_n, dload_n
			slots = 2
		}
		return rel % 4, slots, true
	case op >= Istore && op <= Astore:
		slots = 1
		if op == Lstore || op == Dstore {
			slots = 2
		}
		return s.ReadLocalIndex(), slots, false
	case op >= Istore0 && op <= Astore3:
		rel := int(op - Istore0)
		slots = 1
		if w := rel / 4; w == 1 || w == 3 { // lstore_n, dstore_n
			slots = 2
		}
		return rel % 4, slots, false
	}
	return 0, 0, false
}
