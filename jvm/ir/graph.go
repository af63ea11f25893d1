package ir

import (
	"fmt"
	"math"

	"github.com/jazero/jazero/jvm"
)

const nodePageSize = 128

// Graph is the sea-of-nodes program graph under construction. Nodes live
// in a paged arena owned by the graph; node pointers are stable but only
// meaningful together with their graph. Pure value nodes are structurally
// uniqued on creation, so building the same expression twice yields the
// same NodeID.
//
// A Graph is not safe for concurrent mutation.
type Graph struct {
	method jvm.Method

	pages  []*[nodePageSize]Node
	nextID NodeID

	uniq map[uniqueKey]NodeID

	start NodeID
}

type uniqueKey struct {
	op   Opcode
	kind jvm.Kind
	i64  int64
	obj  any
	ins  [3]NodeID
}

// NewGraph returns an empty graph for the given root method.
func NewGraph(method jvm.Method) *Graph {
	g := &Graph{method: method, nextID: 1, uniq: map[uniqueKey]NodeID{}}
	g.start = g.NewNode(OpStart, jvm.KindVoid)
	return g
}

// Method returns the root method this graph is built for.
func (g *Graph) Method() jvm.Method { return g.method }

// Start returns the graph's entry node.
func (g *Graph) Start() NodeID { return g.start }

// NodeCount returns the number of allocated node ids, dead ones included.
func (g *Graph) NodeCount() int { return int(g.nextID) - 1 }

// Node resolves a NodeID to its node. The pointer stays valid for the
// graph's lifetime.
func (g *Graph) Node(id NodeID) *Node {
	i := int(id) - 1
	return &g.pages[i/nodePageSize][i%nodePageSize]
}

func (g *Graph) allocate() *Node {
	i := int(g.nextID) - 1
	if i/nodePageSize == len(g.pages) {
		g.pages = append(g.pages, new([nodePageSize]Node))
	}
	n := &g.pages[i/nodePageSize][i%nodePageSize]
	n.id = g.nextID
	g.nextID++
	return n
}

// NewNode allocates a node without uniquing. Fixed nodes, phis, proxies
// and frame states are created this way.
func (g *Graph) NewNode(op Opcode, kind jvm.Kind, ins ...NodeID) NodeID {
	n := g.allocate()
	n.opcode = op
	n.kind = kind
	n.ins = ins
	for _, in := range ins {
		g.addUse(in, n.id)
	}
	return n.id
}

// NewNodeP allocates a node with payload fields, without uniquing.
func (g *Graph) NewNodeP(op Opcode, kind jvm.Kind, i64 int64, obj any, ins ...NodeID) NodeID {
	id := g.NewNode(op, kind, ins...)
	n := g.Node(id)
	n.i64 = i64
	n.obj = obj
	return id
}

// Unique returns the node for the given pure operation, reusing an
// existing structurally identical node when one exists.
func (g *Graph) Unique(op Opcode, kind jvm.Kind, i64 int64, obj any, ins ...NodeID) NodeID {
	if !op.isUniqued() || len(ins) > 3 {
		return g.NewNodeP(op, kind, i64, obj, ins...)
	}
	key := uniqueKey{op: op, kind: kind, i64: i64, obj: obj}
	copy(key.ins[:], ins)
	if id, ok := g.uniq[key]; ok && !g.Node(id).dead {
		return id
	}
	id := g.NewNodeP(op, kind, i64, obj, ins...)
	g.uniq[key] = id
	return id
}

// ConstInt returns the uniqued int constant.
func (g *Graph) ConstInt(v int32) NodeID {
	return g.Unique(OpConst, jvm.KindInt, int64(v), nil)
}

// ConstLong returns the uniqued long constant.
func (g *Graph) ConstLong(v int64) NodeID {
	return g.Unique(OpConst, jvm.KindLong, v, nil)
}

// ConstFloat returns the uniqued float constant.
func (g *Graph) ConstFloat(v float32) NodeID {
	return g.Unique(OpConst, jvm.KindFloat, int64(int32(math.Float32bits(v))), nil)
}

// ConstDouble returns the uniqued double constant.
func (g *Graph) ConstDouble(v float64) NodeID {
	return g.Unique(OpConst, jvm.KindDouble, int64(math.Float64bits(v)), nil)
}

// NullConst returns the uniqued object null constant.
func (g *Graph) NullConst() NodeID {
	return g.Unique(OpConst, jvm.KindObject, 0, nil)
}

// ConstObject returns the uniqued reference constant (string or class).
func (g *Graph) ConstObject(ref any) NodeID {
	return g.Unique(OpConst, jvm.KindObject, 0, ref)
}

// Parameter returns the uniqued parameter node for the given slot index.
func (g *Graph) Parameter(index int, kind jvm.Kind) NodeID {
	return g.Unique(OpParameter, kind, int64(index), nil)
}

// Compare returns the uniqued comparison of x and y. Operands are
// canonicalized into allocation order, so a comparison and its mirrored
// form yield the same node.
func (g *Graph) Compare(cond Condition, unorderedIsTrue bool, x, y NodeID) NodeID {
	if y < x {
		cond, x, y = cond.Mirror(), y, x
	}
	i64 := int64(cond)
	if unorderedIsTrue {
		i64 |= 0x100
	}
	return g.Unique(OpCompare, jvm.KindInt, i64, nil, x, y)
}

// CompareUnsigned returns the uniqued unsigned comparison of x and y,
// canonicalized like Compare.
func (g *Graph) CompareUnsigned(cond Condition, x, y NodeID) NodeID {
	if y < x {
		cond, x, y = cond.Mirror(), y, x
	}
	return g.Unique(OpCompare, jvm.KindInt, int64(cond)|0x200, nil, x, y)
}

// IsNull returns the uniqued null check of x.
func (g *Graph) IsNull(x NodeID) NodeID {
	return g.Unique(OpIsNull, jvm.KindInt, 0, nil, x)
}

// Convert returns the uniqued kind conversion of x.
func (g *Graph) Convert(from, to jvm.Kind, x NodeID) NodeID {
	return g.Unique(OpConvert, to, int64(from)|int64(to)<<8, nil, x)
}

// addUse records user in the use list of id.
func (g *Graph) addUse(id, user NodeID) {
	if !id.Valid() {
		return
	}
	g.Node(id).uses = append(g.Node(id).uses, user)
}

func (g *Graph) removeUse(id, user NodeID) {
	if !id.Valid() {
		return
	}
	n := g.Node(id)
	for i, u := range n.uses {
		if u == user {
			n.uses = append(n.uses[:i], n.uses[i+1:]...)
			return
		}
	}
}

// AddInput appends a value input, maintaining use lists. Used to extend
// phis as merge predecessors appear.
func (g *Graph) AddInput(id, in NodeID) {
	n := g.Node(id)
	n.ins = append(n.ins, in)
	g.addUse(in, id)
}

// SetInput replaces the i-th value input, maintaining use lists.
func (g *Graph) SetInput(id NodeID, i int, in NodeID) {
	n := g.Node(id)
	g.removeUse(n.ins[i], id)
	n.ins[i] = in
	g.addUse(in, id)
}

// SetStateAfter attaches a frame state to a state split.
func (g *Graph) SetStateAfter(id, state NodeID) {
	n := g.Node(id)
	if !n.opcode.IsStateSplit() {
		panic(fmt.Sprintf("unreachable: %s is not a state split", n.opcode))
	}
	g.removeUse(n.stateAfter, id)
	n.stateAfter = state
	g.addUse(state, id)
}

// SetNext appends a control edge from a fixed node to its successor.
func (g *Graph) SetNext(from, to NodeID) {
	f, t := g.Node(from), g.Node(to)
	f.succs = append(f.succs, to)
	t.preds = append(t.preds, from)
}

// RemoveSuccessor breaks the control edge from a node to its i-th
// successor.
func (g *Graph) RemoveSuccessor(from NodeID, i int) {
	f := g.Node(from)
	to := f.succs[i]
	f.succs = append(f.succs[:i], f.succs[i+1:]...)
	t := g.Node(to)
	for j, p := range t.preds {
		if p == from {
			t.preds = append(t.preds[:j], t.preds[j+1:]...)
			return
		}
	}
}

// SetProbability sets the taken probability of an OpIf.
func (g *Graph) SetProbability(id NodeID, p float64) { g.Node(id).prob = p }

// ReplaceAtUsages rewrites every use of old as an input or frame state to
// point at new instead.
func (g *Graph) ReplaceAtUsages(old, new NodeID) {
	o := g.Node(old)
	users := o.uses
	o.uses = nil
	for _, user := range users {
		u := g.Node(user)
		for i, in := range u.ins {
			if in == old {
				u.ins[i] = new
				g.addUse(new, user)
			}
		}
		if u.stateAfter == old {
			u.stateAfter = new
			g.addUse(new, user)
		}
	}
}

// ReplaceAtPredecessors redirects every control predecessor of old to new.
// This is how a Begin placeholder is spliced out when its target becomes a
// merge.
func (g *Graph) ReplaceAtPredecessors(old, new NodeID) {
	o := g.Node(old)
	preds := o.preds
	o.preds = nil
	for _, pred := range preds {
		p := g.Node(pred)
		for i, s := range p.succs {
			if s == old {
				p.succs[i] = new
			}
		}
		g.Node(new).preds = append(g.Node(new).preds, pred)
	}
}

// Kill removes a node from the graph, unlinking it from the use lists of
// its inputs and the predecessor lists of its successors. The caller must
// have rewritten or discarded the node's own uses first.
func (g *Graph) Kill(id NodeID) {
	n := g.Node(id)
	for _, in := range n.ins {
		g.removeUse(in, id)
	}
	g.removeUse(n.stateAfter, id)
	for i := len(n.succs) - 1; i >= 0; i-- {
		g.RemoveSuccessor(id, i)
	}
	for _, pred := range append([]NodeID(nil), n.preds...) {
		p := g.Node(pred)
		for i := len(p.succs) - 1; i >= 0; i-- {
			if p.succs[i] == id {
				g.RemoveSuccessor(pred, i)
			}
		}
	}
	n.ins = nil
	n.stateAfter = NodeIDInvalid
	n.dead = true
}

// Mark is a point in the graph's allocation order, used to roll back
// speculatively created nodes.
type Mark NodeID

// Mark returns the current allocation point. Nodes created afterwards can
// be removed wholesale with RemoveNodesSince.
func (g *Graph) Mark() Mark { return Mark(g.nextID) }

// AllocatedSince reports whether the node was created after the mark.
func (g *Graph) AllocatedSince(m Mark, id NodeID) bool { return id >= NodeID(m) }

// RemoveNodesSince removes every node created after the mark. Surviving
// nodes must not reference removed ones; the builder guarantees that by
// restoring its own state to the marked point before rolling back.
func (g *Graph) RemoveNodesSince(m Mark) {
	for id := NodeID(m); id < g.nextID; id++ {
		n := g.Node(id)
		if n.dead {
			continue
		}
		for _, in := range n.ins {
			if in.Valid() && in < NodeID(m) {
				g.removeUse(in, id)
			}
		}
		if n.stateAfter.Valid() && n.stateAfter < NodeID(m) {
			g.removeUse(n.stateAfter, id)
		}
		for _, s := range n.succs {
			if s < NodeID(m) {
				t := g.Node(s)
				for i := len(t.preds) - 1; i >= 0; i-- {
					if t.preds[i] == id {
						t.preds = append(t.preds[:i], t.preds[i+1:]...)
					}
				}
			}
		}
		for i := len(n.preds) - 1; i >= 0; i-- {
			if pred := n.preds[i]; pred < NodeID(m) {
				p := g.Node(pred)
				for j := len(p.succs) - 1; j >= 0; j-- {
					if p.succs[j] == id {
						p.succs = append(p.succs[:j], p.succs[j+1:]...)
					}
				}
			}
		}
		n.dead = true
		n.ins, n.succs, n.preds, n.uses = nil, nil, nil, nil
		n.stateAfter = NodeIDInvalid
	}
}

// NodeIDs calls f for every live node in allocation order.
func (g *Graph) NodeIDs(f func(NodeID)) {
	for id := NodeID(1); id < g.nextID; id++ {
		if !g.Node(id).dead {
			f(id)
		}
	}
}
