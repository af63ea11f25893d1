package jvm

import "fmt"

// Kind is the computational type of a value on the operand stack or in a
// local variable slot. Sub-word types (boolean, byte, char, short) compute
// as Int, so they never appear as a Kind of their own.
type Kind byte

const (
	KindIllegal Kind = iota
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
	// KindAddress is the return address pushed by jsr, consumed by ret.
	KindAddress
	KindVoid
)

// IsWide returns true if values of this kind occupy two slots.
func (k Kind) IsWide() bool {
	return k == KindLong || k == KindDouble
}

// Slots returns the number of stack/local slots a value of this kind occupies.
func (k Kind) Slots() int {
	if k.IsWide() {
		return 2
	}
	if k == KindVoid {
		return 0
	}
	return 1
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindIllegal:
		return "illegal"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindObject:
		return "object"
	case KindAddress:
		return "address"
	case KindVoid:
		return "void"
	}
	panic(fmt.Sprintf("unreachable: invalid kind %d", byte(k)))
}

// ParseDescriptorKind returns the computational Kind for a single field
// descriptor character ('I', 'J', 'L', '[', ...).
func ParseDescriptorKind(c byte) (Kind, error) {
	switch c {
	case 'Z', 'B', 'C', 'S', 'I':
		return KindInt, nil
	case 'J':
		return KindLong, nil
	case 'F':
		return KindFloat, nil
	case 'D':
		return KindDouble, nil
	case 'L', '[':
		return KindObject, nil
	case 'V':
		return KindVoid, nil
	}
	return KindIllegal, fmt.Errorf("invalid descriptor character %q", c)
}
