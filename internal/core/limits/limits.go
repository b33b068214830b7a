// Package limits holds the hard safety caps enforced by the workflow core.
//
// These are compile-time constants, never configurable from workflow
// inputs, so a workflow author cannot bypass them by templating a larger
// value at runtime.
package limits

const (
	MaxLoopIterations    = 10_000
	MaxCollectionSize    = 100_000
	MaxParallelIterations = 100
	MaxNestedLoopDepth   = 5
)
