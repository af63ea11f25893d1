package irgen

import (
	"fmt"
	"strings"
)

// Bailout aborts one compilation without prejudice: the method keeps
// running interpreted and may be resubmitted later. Unstructured jsr/ret,
// incompatible merge states and unbalanced monitors are reported this way.
type Bailout struct {
	Method string
	BCI    int
	Reason string
}

// Error implements error.
func (e *Bailout) Error() string {
	return fmt.Sprintf("compilation bailout: %s (method %s, bci %d)", e.Reason, e.Method, e.BCI)
}

// bailout panics with a *Bailout; Build recovers it into an error return.
func (b *builder) bailout(format string, args ...any) {
	panic(&Bailout{Method: b.method.Name(), BCI: b.currentBCI(), Reason: fmt.Sprintf(format, args...)})
}

// InternalError reports a compiler invariant violation. Unlike a Bailout
// it indicates a bug; the inline chain pinpoints which (possibly inlined)
// method was being parsed.
type InternalError struct {
	Reason string
	// Chain holds one "method@bci" entry per builder frame, innermost
	// first.
	Chain []string
	// Panic is the recovered value when the failure surfaced as a
	// runtime panic rather than an explicit assertion.
	Panic any
}

// Error implements error.
func (e *InternalError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "internal graph builder error: %s", e.Reason)
	if len(e.Chain) > 0 {
		fmt.Fprintf(&b, " (at %s)", strings.Join(e.Chain, " inlined from "))
	}
	return b.String()
}

// parseContext renders the inline chain from the innermost builder out.
func (b *builder) parseContext() []string {
	var chain []string
	for p := b; p != nil; p = p.parent {
		chain = append(chain, fmt.Sprintf("%s@%d", p.method.Name(), p.currentBCI()))
	}
	return chain
}
