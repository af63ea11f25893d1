package jvm

import "fmt"

// The interfaces in this file are the read-only metadata surface the graph
// builder consumes. They are implemented by the embedding VM (class loading,
// resolution and profiling live there); jvmtest provides in-memory fakes.
// Implementations must be safe for concurrent readers.

// Type is a resolved reference type.
type Type interface {
	Name() string
	// IsAssignableFrom reports whether other is a subtype of this type.
	IsAssignableFrom(other Type) bool
	// ResolveMethod returns the implementation of target selected by this
	// runtime type, or nil when unknown.
	ResolveMethod(target Method) Method
}

// Field is a resolved field reference.
type Field interface {
	Name() string
	Holder() Type
	Kind() Kind
	IsStatic() bool
	// IsFinal is consulted when deciding whether a store needs a final
	// field barrier at method exit (constructors only).
	IsFinal() bool
}

// Signature describes a method's parameter and return kinds. The receiver
// is not part of Params.
type Signature struct {
	Params []Kind
	Return Kind
}

// ArgSlots returns the number of stack slots the arguments occupy,
// including the receiver when hasReceiver is true.
func (s Signature) ArgSlots(hasReceiver bool) (n int) {
	if hasReceiver {
		n = 1
	}
	for _, k := range s.Params {
		n += k.Slots()
	}
	return
}

// ExceptionHandler is one row of a method's exception table.
// A nil CatchType means catch-all (finally or any).
type ExceptionHandler struct {
	StartBCI   int // inclusive
	EndBCI     int // exclusive
	HandlerBCI int
	CatchType  Type
	// CatchTypeCPI allows lazy resolution of CatchType when eager
	// resolving is off and CatchType is nil but the entry is not catch-all.
	CatchTypeCPI int
	IsCatchAll   bool
}

// Covers reports whether the handler protects the given bci.
func (h *ExceptionHandler) Covers(bci int) bool {
	return h.StartBCI <= bci && bci < h.EndBCI
}

// Method is the resolved method being compiled or called.
type Method interface {
	Name() string
	Holder() Type
	// Code returns the raw bytecode, or nil for abstract/native methods.
	Code() []byte
	MaxLocals() int
	MaxStack() int
	Signature() Signature
	IsStatic() bool
	IsSynchronized() bool
	// CanBeStaticallyBound is true when virtual dispatch always selects
	// this method (final methods, final holders, private methods).
	CanBeStaticallyBound() bool
	ExceptionHandlers() []ExceptionHandler
	ConstantPool() ConstantPool
	// Profile returns profiling info for this method, or nil when the
	// interpreter has not collected any.
	Profile() ProfilingInfo
}

// Constant is a loadable constant-pool entry (ldc family).
type Constant struct {
	Kind Kind
	// Bits holds the raw value for primitive kinds (float/double are
	// stored as their IEEE-754 bit patterns).
	Bits int64
	// Ref holds the value for object kinds (string/class constants).
	Ref any
}

// InvokeKind discriminates the five invoke bytecodes' dispatch semantics.
type InvokeKind byte

const (
	InvokeStatic InvokeKind = iota
	InvokeSpecial
	InvokeVirtual
	InvokeInterface
	InvokeDynamic
)

// HasReceiver returns true if the call passes a receiver as argument zero.
func (k InvokeKind) HasReceiver() bool {
	return k != InvokeStatic && k != InvokeDynamic
}

// IsDirect returns true if the call target is known without a dispatch.
func (k InvokeKind) IsDirect() bool {
	return k == InvokeStatic || k == InvokeSpecial
}

// String implements fmt.Stringer.
func (k InvokeKind) String() string {
	switch k {
	case InvokeStatic:
		return "static"
	case InvokeSpecial:
		return "special"
	case InvokeVirtual:
		return "virtual"
	case InvokeInterface:
		return "interface"
	case InvokeDynamic:
		return "dynamic"
	}
	panic(fmt.Sprintf("unreachable: invalid invoke kind %d", byte(k)))
}

// ConstantPool resolves symbolic references for one method. Lookups return
// ok=false when the referenced entity is not yet resolved and eager
// resolution is unavailable; the builder then emits a deoptimizing guard.
// Resolution may trigger class-initialization side effects; those are the
// provider's concern and must be internally synchronized.
type ConstantPool interface {
	LookupConstant(cpi int) (Constant, error)
	LookupType(cpi int) (t Type, ok bool)
	LookupField(cpi int, opcode Bytecode) (f Field, ok bool)
	LookupMethod(cpi int, opcode Bytecode) (m Method, ok bool)
}

// TriState is a profile answer that may be unknown.
type TriState byte

const (
	TriStateUnknown TriState = iota
	TriStateFalse
	TriStateTrue
)

// ProfiledType is one entry of a receiver-type profile.
type ProfiledType struct {
	Type        Type
	Probability float64
}

// TypeProfile is the recorded distribution of receiver types at a call site.
type TypeProfile struct {
	Types       []ProfiledType
	NotRecorded float64
}

// ProfilingInfo exposes interpreter-collected counters for one method.
type ProfilingInfo interface {
	// BranchTakenProbability returns the probability that the branch at
	// bci is taken, or a negative value when no data was recorded.
	BranchTakenProbability(bci int) float64
	// SwitchProbabilities returns one probability per switch successor
	// (keyed successors first, default last), or nil when unrecorded.
	SwitchProbabilities(bci int) []float64
	// ExceptionSeen reports whether the instruction at bci has ever
	// raised an exception in the interpreter.
	ExceptionSeen(bci int) TriState
	// TypeProfile returns the receiver-type profile at bci, or nil.
	TypeProfile(bci int) *TypeProfile
}
