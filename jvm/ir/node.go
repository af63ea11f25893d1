package ir

import (
	"fmt"
	"strings"

	"github.com/jazero/jazero/jvm"
)

// NodeID is a handle to a Node inside its Graph. IDs are allocation
// ordered: a node allocated later always has a larger ID. IDs of removed
// nodes are retired, never reused.
type NodeID uint32

// NodeIDInvalid is the zero NodeID. It doubles as the "no value" marker in
// frame-state inputs (dead locals and the high halves of two-slot values).
const NodeIDInvalid NodeID = 0

// Valid reports whether the id refers to a node.
func (id NodeID) Valid() bool { return id != NodeIDInvalid }

// Node is one operation of the graph. It is a flattened struct shared by
// every Opcode; i64, obj and prob are generic payload fields whose meaning
// depends on the opcode (constant bits for OpConst, packed condition for
// OpCompare, *InvokeData for calls, and so on). Use the typed accessors.
type Node struct {
	id     NodeID
	opcode Opcode
	kind   jvm.Kind

	// ins are the value inputs. For OpPhi, ins[0] is the merge node and
	// ins[1:] the per-predecessor values.
	ins []NodeID
	// succs are the control successors of fixed nodes; preds the control
	// predecessors. For OpMerge and OpLoopBegin, preds are the End and
	// LoopEnd nodes in input order.
	succs []NodeID
	preds []NodeID
	// uses backlinks every node that has this node among its ins or as
	// stateAfter.
	uses []NodeID

	stateAfter NodeID

	i64  int64
	obj  any
	prob float64

	dead bool
}

// ID returns the node's graph-unique id.
func (n *Node) ID() NodeID { return n.id }

// Opcode returns the node's operation.
func (n *Node) Opcode() Opcode { return n.opcode }

// Kind returns the kind of the value this node produces, or jvm.KindVoid.
func (n *Node) Kind() jvm.Kind { return n.kind }

// NumIns returns the number of value inputs.
func (n *Node) NumIns() int { return len(n.ins) }

// In returns the i-th value input.
func (n *Node) In(i int) NodeID { return n.ins[i] }

// Ins returns the value inputs. The slice must not be mutated.
func (n *Node) Ins() []NodeID { return n.ins }

// NumSuccs returns the number of control successors.
func (n *Node) NumSuccs() int { return len(n.succs) }

// Succ returns the i-th control successor.
func (n *Node) Succ(i int) NodeID { return n.succs[i] }

// NumPreds returns the number of control predecessors.
func (n *Node) NumPreds() int { return len(n.preds) }

// Pred returns the i-th control predecessor.
func (n *Node) Pred(i int) NodeID { return n.preds[i] }

// Uses returns the nodes using this node as an input or frame state. The
// slice must not be mutated.
func (n *Node) Uses() []NodeID { return n.uses }

// StateAfter returns the frame state attached to a state split, or
// NodeIDInvalid.
func (n *Node) StateAfter() NodeID { return n.stateAfter }

// IsDead reports whether the node was removed from the graph.
func (n *Node) IsDead() bool { return n.dead }

// ConstBits returns the raw bits of an OpConst (IEEE-754 bit pattern for
// float and double kinds).
func (n *Node) ConstBits() int64 { return n.i64 }

// ConstRef returns the reference payload of an object-kind OpConst. A nil
// ref with object kind is the null constant.
func (n *Node) ConstRef() any { return n.obj }

// IsNullConst reports whether this node is the object null constant.
func (n *Node) IsNullConst() bool {
	return n.opcode == OpConst && n.kind == jvm.KindObject && n.obj == nil
}

// ParameterIndex returns the index payload of an OpParameter.
func (n *Node) ParameterIndex() int { return int(n.i64) }

// Condition returns the relation of an OpCompare.
func (n *Node) Condition() Condition { return Condition(n.i64 & 0xff) }

// UnorderedIsTrue reports whether a float OpCompare treats NaN operands as
// a true outcome.
func (n *Node) UnorderedIsTrue() bool { return n.i64&0x100 != 0 }

// IsUnsignedCompare reports whether an OpCompare orders its operands as
// unsigned values (used by array bounds checks).
func (n *Node) IsUnsignedCompare() bool { return n.i64&0x200 != 0 }

// ConvertKinds returns the source and destination kinds of an OpConvert.
func (n *Node) ConvertKinds() (from, to jvm.Kind) {
	return jvm.Kind(n.i64 & 0xff), jvm.Kind(n.i64 >> 8 & 0xff)
}

// Probability returns the taken probability of an OpIf's true successor.
func (n *Node) Probability() float64 { return n.prob }

// BCI returns the bytecode index payload carried by deopts, exceptions and
// frame states. Only the low word is the bci; OpBytecodeException packs the
// exception reason into the high word.
func (n *Node) BCI() int { return int(int32(n.i64)) }

// TypePayload returns the jvm.Type payload of allocation, instanceof, Pi
// and checkcast-related nodes.
func (n *Node) TypePayload() jvm.Type {
	t, _ := n.obj.(jvm.Type)
	return t
}

// FieldPayload returns the jvm.Field of an OpLoadField/OpStoreField.
func (n *Node) FieldPayload() jvm.Field { return n.obj.(jvm.Field) }

// InvokeData describes a call site.
type InvokeData struct {
	Target jvm.Method
	Kind   jvm.InvokeKind
	BCI    int
}

// Invoke returns the call payload of OpInvoke/OpInvokeWithException.
func (n *Node) Invoke() *InvokeData { return n.obj.(*InvokeData) }

// SwitchData describes an OpIntegerSwitch: Keys[i] routes to succs[i], any
// other value to the last successor. Probabilities, when present, has one
// entry per successor including the default.
type SwitchData struct {
	Keys          []int32
	Probabilities []float64
}

// Switch returns the payload of an OpIntegerSwitch.
func (n *Node) Switch() *SwitchData { return n.obj.(*SwitchData) }

// DeoptData describes why and where an OpDeopt or OpFixedGuard leaves
// compiled code.
type DeoptData struct {
	Reason string
	// NegateGuard is set on an OpFixedGuard that deoptimizes when its
	// condition is true instead of false.
	NegateGuard bool
}

// Deopt returns the payload of OpDeopt and OpFixedGuard nodes.
func (n *Node) Deopt() *DeoptData { return n.obj.(*DeoptData) }

// ExceptionReasonPayload returns the implicit exception reason of an
// OpBytecodeException.
func (n *Node) ExceptionReasonPayload() ExceptionReason { return ExceptionReason(n.i64 >> 32) }

// MethodPayload returns the jvm.Method payload of an OpLoadMethod.
func (n *Node) MethodPayload() jvm.Method { return n.obj.(jvm.Method) }

// format renders the node for Graph.Format.
func (n *Node) format(g *Graph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%d = %s", n.id, n.opcode)
	if n.kind != jvm.KindVoid && n.kind != jvm.KindIllegal {
		fmt.Fprintf(&b, ".%s", n.kind)
	}
	switch n.opcode {
	case OpConst:
		if n.kind == jvm.KindObject {
			if n.obj == nil {
				b.WriteString(" null")
			} else {
				fmt.Fprintf(&b, " %v", n.obj)
			}
		} else {
			fmt.Fprintf(&b, " %d", n.i64)
		}
	case OpParameter:
		fmt.Fprintf(&b, " #%d", n.ParameterIndex())
	case OpCompare:
		fmt.Fprintf(&b, " %s", n.Condition())
	case OpIf:
		fmt.Fprintf(&b, " p=%.4f", n.prob)
	case OpInvoke, OpInvokeWithException:
		inv := n.Invoke()
		fmt.Fprintf(&b, " %s %s@%d", inv.Kind, inv.Target.Name(), inv.BCI)
	case OpDeopt, OpFixedGuard:
		fmt.Fprintf(&b, " %q", n.Deopt().Reason)
	case OpBytecodeException:
		fmt.Fprintf(&b, " %s", n.ExceptionReasonPayload())
	case OpFrameState:
		fs := n.FrameStateData()
		fmt.Fprintf(&b, " bci=%d", fs.BCI)
		if fs.RethrowException {
			b.WriteString(" rethrow")
		}
	}
	if len(n.ins) > 0 {
		b.WriteString(" (")
		for i, in := range n.ins {
			if i > 0 {
				b.WriteString(", ")
			}
			if in.Valid() {
				fmt.Fprintf(&b, "v%d", in)
			} else {
				b.WriteString("_")
			}
		}
		b.WriteString(")")
	}
	if n.stateAfter.Valid() {
		fmt.Fprintf(&b, " !v%d", n.stateAfter)
	}
	if len(n.succs) > 0 {
		b.WriteString(" ->")
		for _, s := range n.succs {
			fmt.Fprintf(&b, " v%d", s)
		}
	}
	return b.String()
}
