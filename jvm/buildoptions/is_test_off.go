//go:build !jazero_testing

package buildoptions

// IsTest is true if currently running unit tests. The graph builder guards
// its expensive self-checks (graph verification after every block, frame
// state dumps) with `if buildoptions.IsTest { ... }` blocks, which the
// compiler removes from release binaries.
const IsTest = false
