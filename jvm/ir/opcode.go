package ir

import "fmt"

// Opcode identifies the operation a Node performs. Since Go doesn't have
// union types, Node is one flattened struct for all operations and each
// field's meaning depends on the Opcode; see the comment on Node.
type Opcode uint32

const (
	opcodeInvalid Opcode = iota

	// Control flow.

	// OpStart is the graph entry. It is a state split holding the frame
	// state at method entry.
	OpStart
	// OpBegin starts a basic block with exactly one predecessor.
	OpBegin
	// OpEnd terminates a block flowing into a merge; preds of a merge are
	// its End nodes in input order.
	OpEnd
	// OpMerge joins several forward ends. Phis list the merge as ins[0].
	OpMerge
	// OpLoopBegin is a merge whose first predecessor is the forward entry
	// end and whose remaining predecessors are LoopEnd nodes.
	OpLoopBegin
	// OpLoopEnd jumps back to its LoopBegin.
	OpLoopEnd
	// OpLoopExit marks a control-flow edge leaving a loop; values defined
	// inside the loop and used outside flow through ValueProxy nodes
	// anchored at it.
	OpLoopExit
	// OpIf branches on a boolean condition; succs[0] is the true branch.
	OpIf
	// OpIntegerSwitch is a multi-way branch on an int key. succs holds one
	// target per key plus the default last; the keys live in the payload.
	OpIntegerSwitch
	// OpReturn ends the graph, with an optional value input.
	OpReturn
	// OpUnwind ends the graph by rethrowing ins[0] to the caller.
	OpUnwind
	// OpDeopt transfers to the interpreter at the bci of its state.
	OpDeopt
	// OpFixedGuard deoptimizes when its condition input fails.
	OpFixedGuard
	// OpInvoke is a call without an exception edge.
	OpInvoke
	// OpInvokeWithException is a call with two successors: succs[0] is the
	// normal continuation, succs[1] the exception edge.
	OpInvokeWithException
	// OpExceptionObject materializes the incoming exception at the entry
	// of an exception edge or handler.
	OpExceptionObject
	// OpBytecodeException raises an implicit exception (NPE, bounds, ...)
	// determined by the payload's ExceptionReason.
	OpBytecodeException

	// Fixed memory and checks.

	OpMonitorEnter
	OpMonitorExit
	OpNew
	OpNewArray
	OpNewMultiArray
	OpLoadField
	OpStoreField
	OpLoadIndexed
	OpStoreIndexed
	OpArrayLength
	// OpSignedDiv and OpSignedRem are fixed because integer division can
	// trap on a zero divisor; float division is the pure OpDiv.
	OpSignedDiv
	OpSignedRem
	// OpFinalFieldBarrier orders final-field initialization before the
	// constructor's return publishes the object.
	OpFinalFieldBarrier

	// Pure values. These are uniqued structurally by the graph.

	OpConst
	OpParameter
	OpPhi
	// OpValueProxy pins a loop-defined value at a LoopExit (ins[0] is the
	// value, ins[1] the LoopExit).
	OpValueProxy
	// OpPi narrows the type of ins[0] under the guard in ins[1].
	OpPi
	// OpConditional selects between ins[1] and ins[2] on condition ins[0].
	OpConditional
	// OpCompare evaluates a two-input condition; the payload carries the
	// Condition and the unordered-is-true bit for float comparisons.
	OpCompare
	// OpIsNull tests its single object input against null.
	OpIsNull
	// OpNormalizeCompare implements lcmp/fcmpl/fcmpg/dcmpl/dcmpg: the
	// three-valued comparison pushed as an int.
	OpNormalizeCompare
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpUShr
	// OpConvert changes the value's kind; the payload packs source and
	// destination kinds.
	OpConvert
	OpInstanceOf
	// OpLoadHub reads the dynamic type of ins[0].
	OpLoadHub
	// OpLoadMethod resolves a method in the hub ins[0].
	OpLoadMethod

	// OpFrameState captures locals, stack and locks at a state split; its
	// inputs are the live values and the payload describes the layout.
	OpFrameState

	opcodeEnd
)

// Condition is the comparison relation of OpCompare.
type Condition byte

const (
	CondEQ Condition = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

// Mirror returns the condition with the operands swapped.
func (c Condition) Mirror() Condition {
	switch c {
	case CondEQ, CondNE:
		return c
	case CondLT:
		return CondGT
	case CondLE:
		return CondGE
	case CondGT:
		return CondLT
	case CondGE:
		return CondLE
	}
	panic(fmt.Sprintf("unreachable: invalid condition %d", byte(c)))
}

// String implements fmt.Stringer.
func (c Condition) String() string {
	return [...]string{"==", "!=", "<", "<=", ">", ">="}[c]
}

// ExceptionReason identifies the implicit exception an OpBytecodeException
// raises.
type ExceptionReason byte

const (
	ExceptionNullPointer ExceptionReason = iota
	ExceptionOutOfBounds
	ExceptionDivisionByZero
	ExceptionClassCast
	ExceptionArrayStore
	ExceptionNegativeArraySize
)

// String implements fmt.Stringer.
func (r ExceptionReason) String() string {
	return [...]string{
		"null_pointer", "out_of_bounds", "division_by_zero",
		"class_cast", "array_store", "negative_array_size",
	}[r]
}

type opcodeProperty byte

const (
	// propFixed marks nodes scheduled in the control flow. Non-fixed
	// nodes float and are uniqued structurally.
	propFixed opcodeProperty = 1 << iota
	// propBlockEnd marks fixed nodes that terminate a block.
	propBlockEnd
	// propStateSplit marks nodes that carry a stateAfter frame state.
	propStateSplit
	// propUniqued marks floating nodes eligible for structural uniquing.
	propUniqued
)

var opcodeProperties = [opcodeEnd]opcodeProperty{
	OpStart:     propFixed | propStateSplit,
	OpBegin:     propFixed,
	OpEnd:       propFixed | propBlockEnd,
	OpMerge:     propFixed | propStateSplit,
	OpLoopBegin: propFixed | propStateSplit,
	OpLoopEnd:   propFixed | propBlockEnd,
	OpLoopExit:  propFixed | propStateSplit,
	OpIf:        propFixed | propBlockEnd,

	OpIntegerSwitch:       propFixed | propBlockEnd,
	OpReturn:              propFixed | propBlockEnd,
	OpUnwind:              propFixed | propBlockEnd,
	OpDeopt:               propFixed | propBlockEnd | propStateSplit,
	OpFixedGuard:          propFixed | propStateSplit,
	OpInvoke:              propFixed | propStateSplit,
	OpInvokeWithException: propFixed | propBlockEnd | propStateSplit,
	OpExceptionObject:     propFixed | propStateSplit,
	OpBytecodeException:   propFixed | propBlockEnd | propStateSplit,

	OpMonitorEnter:      propFixed | propStateSplit,
	OpMonitorExit:       propFixed | propStateSplit,
	OpNew:               propFixed | propStateSplit,
	OpNewArray:          propFixed | propStateSplit,
	OpNewMultiArray:     propFixed | propStateSplit,
	OpLoadField:         propFixed,
	OpStoreField:        propFixed | propStateSplit,
	OpLoadIndexed:       propFixed,
	OpStoreIndexed:      propFixed | propStateSplit,
	OpArrayLength:       propFixed,
	OpSignedDiv:         propFixed | propStateSplit,
	OpSignedRem:         propFixed | propStateSplit,
	OpFinalFieldBarrier: propFixed,

	OpConst:            propUniqued,
	OpParameter:        propUniqued,
	OpPhi:              0,
	OpValueProxy:       0,
	OpPi:               propUniqued,
	OpConditional:      propUniqued,
	OpCompare:          propUniqued,
	OpIsNull:           propUniqued,
	OpNormalizeCompare: propUniqued,
	OpAdd:              propUniqued,
	OpSub:              propUniqued,
	OpMul:              propUniqued,
	OpDiv:              propUniqued,
	OpRem:              propUniqued,
	OpNeg:              propUniqued,
	OpAnd:              propUniqued,
	OpOr:               propUniqued,
	OpXor:              propUniqued,
	OpShl:              propUniqued,
	OpShr:              propUniqued,
	OpUShr:             propUniqued,
	OpConvert:          propUniqued,
	OpInstanceOf:       propUniqued,
	OpLoadHub:          propUniqued,
	OpLoadMethod:       0,

	OpFrameState: 0,
}

// IsFixed reports whether nodes with this opcode are scheduled in the
// control flow.
func (o Opcode) IsFixed() bool { return opcodeProperties[o]&propFixed != 0 }

// IsBlockEnd reports whether this opcode terminates a basic block.
func (o Opcode) IsBlockEnd() bool { return opcodeProperties[o]&propBlockEnd != 0 }

// IsStateSplit reports whether nodes with this opcode carry a frame state.
func (o Opcode) IsStateSplit() bool { return opcodeProperties[o]&propStateSplit != 0 }

func (o Opcode) isUniqued() bool { return opcodeProperties[o]&propUniqued != 0 }

var opcodeNames = [opcodeEnd]string{
	OpStart:               "Start",
	OpBegin:               "Begin",
	OpEnd:                 "End",
	OpMerge:               "Merge",
	OpLoopBegin:           "LoopBegin",
	OpLoopEnd:             "LoopEnd",
	OpLoopExit:            "LoopExit",
	OpIf:                  "If",
	OpIntegerSwitch:       "IntegerSwitch",
	OpReturn:              "Return",
	OpUnwind:              "Unwind",
	OpDeopt:               "Deopt",
	OpFixedGuard:          "FixedGuard",
	OpInvoke:              "Invoke",
	OpInvokeWithException: "InvokeWithException",
	OpExceptionObject:     "ExceptionObject",
	OpBytecodeException:   "BytecodeException",
	OpMonitorEnter:        "MonitorEnter",
	OpMonitorExit:         "MonitorExit",
	OpNew:                 "New",
	OpNewArray:            "NewArray",
	OpNewMultiArray:       "NewMultiArray",
	OpLoadField:           "LoadField",
	OpStoreField:          "StoreField",
	OpLoadIndexed:         "LoadIndexed",
	OpStoreIndexed:        "StoreIndexed",
	OpArrayLength:         "ArrayLength",
	OpSignedDiv:           "SignedDiv",
	OpSignedRem:           "SignedRem",
	OpFinalFieldBarrier:   "FinalFieldBarrier",
	OpConst:               "Const",
	OpParameter:           "Parameter",
	OpPhi:                 "Phi",
	OpValueProxy:          "ValueProxy",
	OpPi:                  "Pi",
	OpConditional:         "Conditional",
	OpCompare:             "Compare",
	OpIsNull:              "IsNull",
	OpNormalizeCompare:    "NormalizeCompare",
	OpAdd:                 "Add",
	OpSub:                 "Sub",
	OpMul:                 "Mul",
	OpDiv:                 "Div",
	OpRem:                 "Rem",
	OpNeg:                 "Neg",
	OpAnd:                 "And",
	OpOr:                  "Or",
	OpXor:                 "Xor",
	OpShl:                 "Shl",
	OpShr:                 "Shr",
	OpUShr:                "UShr",
	OpConvert:             "Convert",
	OpInstanceOf:          "InstanceOf",
	OpLoadHub:             "LoadHub",
	OpLoadMethod:          "LoadMethod",
	OpFrameState:          "FrameState",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if o == opcodeInvalid || o >= opcodeEnd {
		return fmt.Sprintf("invalid(%d)", uint32(o))
	}
	return opcodeNames[o]
}
