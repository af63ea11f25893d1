package irgen

import (
	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/ir"
)

// BytecodeExceptionMode selects how implicit runtime exceptions (null
// dereference, array bounds, division by zero, failed casts) are
// represented.
type BytecodeExceptionMode byte

const (
	// BytecodeExceptionModeCheckAll emits an explicit check with a
	// dispatchable exception edge at every site. The default.
	BytecodeExceptionModeCheckAll BytecodeExceptionMode = iota
	// BytecodeExceptionModeOmit emits no explicit checks; the runtime's
	// implicit traps deoptimize instead.
	BytecodeExceptionModeOmit
	// BytecodeExceptionModeProfile emits a check only where the profile
	// does not prove the exception has never occurred.
	BytecodeExceptionModeProfile
)

// Intrinsic replaces a call with hand-built value nodes. It receives the
// popped argument values (receiver first for instance methods) and returns
// the result node, or ok=false to decline, falling back to a normal call.
// An intrinsic must only create floating value nodes; creating fixed nodes
// or declining after mutating the graph is an internal error.
type Intrinsic func(g *ir.Graph, args []ir.NodeID) (result ir.NodeID, ok bool)

// IntrinsicKey names an intrinsic's target as "Holder.method".
func IntrinsicKey(holder, method string) string { return holder + "." + method }

// InlinePolicy decides whether a resolved direct call target is inlined.
// depth is the current inline nesting depth, zero at the root.
type InlinePolicy func(target jvm.Method, depth int) bool

// InlineSmallMethods returns the default policy: inline bodies of at most
// maxCodeSize bytes up to maxDepth levels deep.
func InlineSmallMethods(maxCodeSize, maxDepth int) InlinePolicy {
	return func(target jvm.Method, depth int) bool {
		return depth < maxDepth && len(target.Code()) > 0 && len(target.Code()) <= maxCodeSize
	}
}

// defaultMinBranchProbability keeps profile-derived probabilities away
// from exactly 0 and 1 so downstream passes never treat profiled code as
// statically dead.
const defaultMinBranchProbability = 1e-4

// exceptionProbability is the assumed taken probability of an explicit
// exception check's throwing branch.
const exceptionProbability = 0.01

// Config carries the policy knobs of one graph construction. The zero
// value is not valid; start from NewConfig.
type Config struct {
	// EagerResolving makes an unresolved constant-pool entry a bailout
	// instead of a deoptimizing guard.
	EagerResolving bool

	ExceptionMode BytecodeExceptionMode

	// SkippedExceptionTypes lists catch types (by name) that are known to
	// never be worth compiling a handler for; matching dispatch tests
	// become unconditional deoptimizations.
	SkippedExceptionTypes []string

	// Intrinsics maps IntrinsicKey(holder, method) to substitutions.
	Intrinsics map[string]Intrinsic

	// InlinePolicy is consulted for direct calls with bytecode available.
	// nil never inlines.
	InlinePolicy InlinePolicy

	// ClassInitPlugin reports whether holder still needs initialization
	// at a static access or allocation; when it returns true the builder
	// emits a deoptimizing initialization barrier. nil assumes
	// everything is initialized.
	ClassInitPlugin func(holder jvm.Type) bool

	// RemoveNeverExecutedCode replaces branches the profile reports as
	// never taken with deoptimizing guards.
	RemoveNeverExecutedCode bool

	// MinBranchProbability clamps profiled branch probabilities into
	// [min, 1-min] when never-executed elimination is off.
	MinBranchProbability float64

	// EntryBCI is the on-stack-replacement entry, or -1 for a normal
	// compilation. OSR forces loop phis eagerly for all slots.
	EntryBCI int
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		ExceptionMode:        BytecodeExceptionModeCheckAll,
		MinBranchProbability: defaultMinBranchProbability,
		EntryBCI:             -1,
	}
}

func (c *Config) skipsExceptionType(t jvm.Type) bool {
	for _, name := range c.SkippedExceptionTypes {
		if t != nil && t.Name() == name {
			return true
		}
	}
	return false
}
