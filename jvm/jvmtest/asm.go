// Package jvmtest provides the in-memory fixtures the jvm packages test
// with: a small bytecode assembler and fake implementations of the
// metadata interfaces (types, methods, constant pools, profiles).
package jvmtest

import (
	"fmt"

	"github.com/jazero/jazero/jvm"
)

// Asm assembles method bytecode for tests. Branch targets are named
// labels resolved when Code is called.
type Asm struct {
	code   []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	at    int // offset of the branch operand
	from  int // bci the offset is relative to
	wide  bool
	label string
}

// NewAsm returns an empty assembler.
func NewAsm() *Asm {
	return &Asm{labels: map[string]int{}}
}

// Label defines a branch target at the current bci.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = len(a.code)
	return a
}

// Op emits a bare opcode.
func (a *Asm) Op(op jvm.Bytecode) *Asm {
	a.code = append(a.code, byte(op))
	return a
}

// B emits an opcode with one immediate byte.
func (a *Asm) B(op jvm.Bytecode, operand byte) *Asm {
	a.code = append(a.code, byte(op), operand)
	return a
}

// S emits an opcode with one 2-byte big-endian operand.
func (a *Asm) S(op jvm.Bytecode, operand uint16) *Asm {
	a.code = append(a.code, byte(op), byte(operand>>8), byte(operand))
	return a
}

// Iconst pushes an int constant using the shortest encoding.
func (a *Asm) Iconst(v int32) *Asm {
	switch {
	case v >= -1 && v <= 5:
		return a.Op(jvm.IconstM1 + jvm.Bytecode(v+1))
	case v >= -128 && v <= 127:
		return a.B(jvm.Bipush, byte(int8(v)))
	case v >= -32768 && v <= 32767:
		return a.S(jvm.Sipush, uint16(int16(v)))
	}
	panic(fmt.Sprintf("iconst %d needs an ldc, give it a constant-pool slot", v))
}

// Iload/Istore/Aload/Astore emit the short form when the index permits.

func (a *Asm) Iload(n int) *Asm  { return a.local(jvm.Iload, jvm.Iload0, n) }
func (a *Asm) Istore(n int) *Asm { return a.local(jvm.Istore, jvm.Istore0, n) }
func (a *Asm) Aload(n int) *Asm  { return a.local(jvm.Aload, jvm.Aload0, n) }
func (a *Asm) Astore(n int) *Asm { return a.local(jvm.Astore, jvm.Astore0, n) }
func (a *Asm) Lload(n int) *Asm  { return a.local(jvm.Lload, jvm.Lload0, n) }
func (a *Asm) Lstore(n int) *Asm { return a.local(jvm.Lstore, jvm.Lstore0, n) }

func (a *Asm) local(long, short0 jvm.Bytecode, n int) *Asm {
	if n <= 3 {
		return a.Op(short0 + jvm.Bytecode(n))
	}
	return a.B(long, byte(n))
}

// Iinc emits iinc local, delta.
func (a *Asm) Iinc(local int, delta int) *Asm {
	a.code = append(a.code, byte(jvm.Iinc), byte(local), byte(int8(delta)))
	return a
}

// Branch emits a 2-byte-offset branch to the named label.
func (a *Asm) Branch(op jvm.Bytecode, label string) *Asm {
	from := len(a.code)
	a.code = append(a.code, byte(op), 0, 0)
	a.fixups = append(a.fixups, fixup{at: from + 1, from: from, label: label})
	return a
}

// Goto emits an unconditional branch to the named label.
func (a *Asm) Goto(label string) *Asm { return a.Branch(jvm.Goto, label) }

// CP emits an opcode with a 2-byte constant-pool index (field, method and
// type references, ldc_w).
func (a *Asm) CP(op jvm.Bytecode, cpi int) *Asm {
	if op == jvm.Ldc {
		return a.B(op, byte(cpi))
	}
	a.S(op, uint16(cpi))
	if op == jvm.Invokeinterface {
		a.code = append(a.code, 0, 0) // count and reserved bytes
	}
	return a
}

// TableSwitch emits a tableswitch with keys low..low+len(dests)-1.
func (a *Asm) TableSwitch(defaultLabel string, low int32, dests ...string) *Asm {
	from := len(a.code)
	a.code = append(a.code, byte(jvm.Tableswitch))
	for len(a.code)%4 != 0 {
		a.code = append(a.code, 0)
	}
	a.branch32(from, defaultLabel)
	a.int32(low)
	a.int32(low + int32(len(dests)) - 1)
	for _, d := range dests {
		a.branch32(from, d)
	}
	return a
}

// LookupSwitch emits a lookupswitch with the given key/label pairs.
func (a *Asm) LookupSwitch(defaultLabel string, keys []int32, dests []string) *Asm {
	from := len(a.code)
	a.code = append(a.code, byte(jvm.Lookupswitch))
	for len(a.code)%4 != 0 {
		a.code = append(a.code, 0)
	}
	a.branch32(from, defaultLabel)
	a.int32(int32(len(keys)))
	for i, k := range keys {
		a.int32(k)
		a.branch32(from, dests[i])
	}
	return a
}

func (a *Asm) int32(v int32) {
	a.code = append(a.code, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (a *Asm) branch32(from int, label string) {
	a.fixups = append(a.fixups, fixup{at: len(a.code), from: from, wide: true, label: label})
	a.code = append(a.code, 0, 0, 0, 0)
}

// Code resolves all labels and returns the assembled bytecode.
func (a *Asm) Code() []byte {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic(fmt.Sprintf("undefined label %q", f.label))
		}
		off := target - f.from
		if f.wide {
			a.code[f.at] = byte(off >> 24)
			a.code[f.at+1] = byte(off >> 16)
			a.code[f.at+2] = byte(off >> 8)
			a.code[f.at+3] = byte(off)
		} else {
			a.code[f.at] = byte(off >> 8)
			a.code[f.at+1] = byte(off)
		}
	}
	return a.code
}
