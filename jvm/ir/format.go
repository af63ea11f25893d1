package ir

import "strings"

// Format renders the graph for debugging and tests: one line per live
// node in allocation order. The output shape is stable, so tests can match
// on substrings.
func (g *Graph) Format() string {
	var b strings.Builder
	g.NodeIDs(func(id NodeID) {
		b.WriteString(g.Node(id).format(g))
		b.WriteByte('\n')
	})
	return b.String()
}
