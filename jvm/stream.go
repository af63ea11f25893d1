package jvm

import "fmt"

// BytecodeStream is a random-access cursor over a method's instruction bytes.
// It decodes opcodes, immediate operands and branch targets. The zero value
// is not usable; create one with NewBytecodeStream.
type BytecodeStream struct {
	code []byte
	bci  int
}

// NewBytecodeStream returns a stream positioned at bci zero.
func NewBytecodeStream(code []byte) *BytecodeStream {
	return &BytecodeStream{code: code}
}

// CurrentBCI returns the bci of the instruction the cursor is on.
func (s *BytecodeStream) CurrentBCI() int { return s.bci }

// EndBCI returns the bci one past the last instruction byte.
func (s *BytecodeStream) EndBCI() int { return len(s.code) }

// SetBCI repositions the cursor. The caller must pass an instruction
// boundary; the stream has no way to verify that.
func (s *BytecodeStream) SetBCI(bci int) { s.bci = bci }

// CurrentBC returns the opcode at the cursor. For a wide-prefixed
// instruction this is Wide; use WidenedBC for the modified opcode.
func (s *BytecodeStream) CurrentBC() Bytecode {
	if s.bci >= len(s.code) {
		return BytecodeIllegal
	}
	return Bytecode(s.code[s.bci])
}

// WidenedBC returns the opcode modified by a wide prefix.
func (s *BytecodeStream) WidenedBC() Bytecode {
	return Bytecode(s.code[s.bci+1])
}

// EffectiveBC returns the opcode at the cursor with any wide prefix
// applied, so callers classifying instructions see ret, not wide.
func (s *BytecodeStream) EffectiveBC() Bytecode {
	if op := s.CurrentBC(); op != Wide {
		return op
	}
	return s.WidenedBC()
}

// NextBCI returns the bci of the instruction following the current one.
func (s *BytecodeStream) NextBCI() int {
	return s.bci + s.instructionSize(s.bci)
}

// Next advances the cursor to the following instruction.
func (s *BytecodeStream) Next() {
	s.bci = s.NextBCI()
}

func (s *BytecodeStream) instructionSize(bci int) int {
	op := Bytecode(s.code[bci])
	if n := op.Length(); n != 0 {
		return n
	}
	switch op {
	case Wide:
		if Bytecode(s.code[bci+1]) == Iinc {
			return 6
		}
		return 4 // wide load/store/ret
	case Tableswitch:
		aligned := alignUp4(bci + 1)
		low := s.readInt32At(aligned + 4)
		high := s.readInt32At(aligned + 8)
		return aligned + 12 + 4*(int(high)-int(low)+1) - bci
	case Lookupswitch:
		aligned := alignUp4(bci + 1)
		npairs := s.readInt32At(aligned + 4)
		return aligned + 8 + 8*int(npairs) - bci
	}
	panic(fmt.Sprintf("unreachable: no length for opcode %s", op))
}

func alignUp4(n int) int { return (n + 3) &^ 3 }

func (s *BytecodeStream) readInt32At(bci int) int32 {
	return int32(uint32(s.code[bci])<<24 | uint32(s.code[bci+1])<<16 |
		uint32(s.code[bci+2])<<8 | uint32(s.code[bci+3]))
}

func (s *BytecodeStream) readUint16At(bci int) uint16 {
	return uint16(s.code[bci])<<8 | uint16(s.code[bci+1])
}

// ReadLocalIndex returns the local-variable index operand of the current
// load/store/ret/iinc instruction, honoring a wide prefix.
func (s *BytecodeStream) ReadLocalIndex() int {
	if s.CurrentBC() == Wide {
		return int(s.readUint16At(s.bci + 2))
	}
	return int(s.code[s.bci+1])
}

// ReadIncrement returns the signed increment operand of iinc.
func (s *BytecodeStream) ReadIncrement() int {
	if s.CurrentBC() == Wide {
		return int(int16(s.readUint16At(s.bci + 4)))
	}
	return int(int8(s.code[s.bci+2]))
}

// ReadCPIndex returns the constant-pool index operand of the current
// instruction (2-byte form, or 1-byte for plain ldc).
func (s *BytecodeStream) ReadCPIndex() int {
	if s.CurrentBC() == Ldc {
		return int(s.code[s.bci+1])
	}
	return int(s.readUint16At(s.bci + 1))
}

// ReadByteImmediate returns the signed byte operand of bipush/newarray.
func (s *BytecodeStream) ReadByteImmediate() int {
	return int(int8(s.code[s.bci+1]))
}

// ReadShortImmediate returns the signed short operand of sipush.
func (s *BytecodeStream) ReadShortImmediate() int {
	return int(int16(s.readUint16At(s.bci + 1)))
}

// ReadBranchDest returns the absolute bci targeted by the current branch
// instruction (2-byte offset, or 4-byte for goto_w/jsr_w).
func (s *BytecodeStream) ReadBranchDest() int {
	switch s.CurrentBC() {
	case GotoW, JsrW:
		return s.bci + int(s.readInt32At(s.bci+1))
	}
	return s.bci + int(int16(s.readUint16At(s.bci+1)))
}

// TableSwitch is the decoded form of a tableswitch instruction.
type TableSwitch struct {
	DefaultDest int
	Low, High   int32
	Dests       []int
}

// ReadTableSwitch decodes the tableswitch instruction at the cursor.
func (s *BytecodeStream) ReadTableSwitch() TableSwitch {
	aligned := alignUp4(s.bci + 1)
	ts := TableSwitch{
		DefaultDest: s.bci + int(s.readInt32At(aligned)),
		Low:         s.readInt32At(aligned + 4),
		High:        s.readInt32At(aligned + 8),
	}
	n := int(ts.High) - int(ts.Low) + 1
	ts.Dests = make([]int, n)
	for i := 0; i < n; i++ {
		ts.Dests[i] = s.bci + int(s.readInt32At(aligned+12+4*i))
	}
	return ts
}

// LookupSwitch is the decoded form of a lookupswitch instruction.
type LookupSwitch struct {
	DefaultDest int
	Keys        []int32
	Dests       []int
}

// ReadLookupSwitch decodes the lookupswitch instruction at the cursor.
func (s *BytecodeStream) ReadLookupSwitch() LookupSwitch {
	aligned := alignUp4(s.bci + 1)
	ls := LookupSwitch{DefaultDest: s.bci + int(s.readInt32At(aligned))}
	npairs := int(s.readInt32At(aligned + 4))
	ls.Keys = make([]int32, npairs)
	ls.Dests = make([]int, npairs)
	for i := 0; i < npairs; i++ {
		ls.Keys[i] = s.readInt32At(aligned + 8 + 8*i)
		ls.Dests[i] = s.bci + int(s.readInt32At(aligned+12+8*i))
	}
	return ls
}
