package ir

import "github.com/jazero/jazero/jvm"

// FrameStateData is the payload of an OpFrameState node. The node's inputs
// are laid out as LocalCount locals, then StackCount stack slots, then
// LockCount locked objects. Dead locals and the high halves of two-slot
// values are NodeIDInvalid inputs.
type FrameStateData struct {
	Method jvm.Method
	// BCI is the bytecode index to resume interpretation at. It is the
	// bci of the instruction that follows the state split, except for
	// rethrow states which name the throwing instruction itself.
	BCI int

	LocalCount, StackCount, LockCount int

	// RethrowException is set on states whose single stack slot is an
	// in-flight exception that the interpreter must rethrow on entry.
	RethrowException bool
	// DuringCall is set on states captured at a call site while the
	// callee is on the (virtual) stack.
	DuringCall bool

	// Outer is the caller's frame state when this state belongs to an
	// inlined method, forming the virtual frame chain.
	Outer NodeID
}

// FrameStateData returns the payload of an OpFrameState node.
func (n *Node) FrameStateData() *FrameStateData { return n.obj.(*FrameStateData) }

// LocalAt returns the value of local slot i in this frame state.
func (n *Node) LocalAt(i int) NodeID { return n.ins[i] }

// StackAt returns the value of stack slot i in this frame state.
func (n *Node) StackAt(i int) NodeID { return n.ins[n.FrameStateData().LocalCount+i] }

// LockAt returns the i-th locked object in this frame state.
func (n *Node) LockAt(i int) NodeID {
	d := n.FrameStateData()
	return n.ins[d.LocalCount+d.StackCount+i]
}
