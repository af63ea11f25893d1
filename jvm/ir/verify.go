package ir

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Verify checks the structural invariants of a completed graph: control
// edges are symmetric, inputs reference live nodes, use lists are
// consistent, phi input counts match their merge's predecessor count, and
// block-end nodes have the successor count their opcode requires. It
// returns the first problem found.
func (g *Graph) Verify() error {
	live := mapset.NewThreadUnsafeSet[NodeID]()
	g.NodeIDs(func(id NodeID) { live.Add(id) })

	var err error
	g.NodeIDs(func(id NodeID) {
		if err != nil {
			return
		}
		err = g.verifyNode(id, live)
	})
	return err
}

func (g *Graph) verifyNode(id NodeID, live mapset.Set[NodeID]) error {
	n := g.Node(id)

	for i, in := range n.ins {
		if !in.Valid() {
			continue
		}
		if !live.Contains(in) {
			return fmt.Errorf("v%d(%s) input %d references dead node v%d", id, n.opcode, i, in)
		}
		if !containsNode(g.Node(in).uses, id) {
			return fmt.Errorf("v%d(%s) missing from use list of its input v%d", id, n.opcode, in)
		}
	}
	if s := n.stateAfter; s.Valid() {
		if !live.Contains(s) {
			return fmt.Errorf("v%d(%s) has dead frame state v%d", id, n.opcode, s)
		}
		if g.Node(s).opcode != OpFrameState {
			return fmt.Errorf("v%d(%s) state v%d is a %s, not a FrameState", id, n.opcode, s, g.Node(s).opcode)
		}
	}

	for _, s := range n.succs {
		if !live.Contains(s) {
			return fmt.Errorf("v%d(%s) has dead successor v%d", id, n.opcode, s)
		}
		if !containsNode(g.Node(s).preds, id) {
			return fmt.Errorf("control edge v%d->v%d not mirrored in predecessors", id, s)
		}
	}
	for _, p := range n.preds {
		if !live.Contains(p) {
			return fmt.Errorf("v%d(%s) has dead predecessor v%d", id, n.opcode, p)
		}
		if !containsNode(g.Node(p).succs, id) {
			return fmt.Errorf("control edge v%d->v%d not mirrored in successors", p, id)
		}
	}

	switch n.opcode {
	case OpIf:
		if len(n.succs) != 2 {
			return fmt.Errorf("v%d(If) has %d successors, want 2", id, len(n.succs))
		}
	case OpIntegerSwitch:
		if want := len(n.Switch().Keys) + 1; len(n.succs) != want {
			return fmt.Errorf("v%d(IntegerSwitch) has %d successors, want %d", id, len(n.succs), want)
		}
	case OpReturn, OpUnwind, OpDeopt:
		if len(n.succs) != 0 {
			return fmt.Errorf("v%d(%s) has successors", id, n.opcode)
		}
	case OpPhi:
		if len(n.ins) == 0 {
			return fmt.Errorf("v%d(Phi) has no merge input", id)
		}
		merge := g.Node(n.ins[0])
		if merge.opcode != OpMerge && merge.opcode != OpLoopBegin {
			return fmt.Errorf("v%d(Phi) anchored at %s", id, merge.opcode)
		}
		if len(n.ins)-1 != len(merge.preds) {
			return fmt.Errorf("v%d(Phi) has %d values for %d predecessors", id, len(n.ins)-1, len(merge.preds))
		}
	case OpMerge, OpLoopBegin:
		if len(n.preds) < 1 {
			return fmt.Errorf("v%d(%s) has no predecessors", id, n.opcode)
		}
	}
	return nil
}

func containsNode(ids []NodeID, id NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
