//go:build jazero_testing

package buildoptions

// IsTest is true if currently running unit tests. See is_test_off.go.
const IsTest = true
