// Package corerr defines the sentinel error taxonomy shared across the
// workflow core, mirroring the ErrXxx sentinel style used throughout
// station's runtime executors.
package corerr

import "errors"

var (
	ErrValidation        = errors.New("workflow validation failed")
	ErrResolution        = errors.New("template or secret resolution failed")
	ErrExecution         = errors.New("task execution failed")
	ErrTimeout           = errors.New("task exceeded its timeout")
	ErrDoDUnmet          = errors.New("definition of done unmet after retries")
	ErrDependencyFailure = errors.New("dependency failed")
	ErrLimitExceeded     = errors.New("runtime limit exceeded")
	ErrStateCorruption   = errors.New("checkpoint state is corrupt")

	ErrCycle            = errors.New("task graph contains a cycle")
	ErrUnknownTask      = errors.New("task id not found")
	ErrDuplicateTask    = errors.New("duplicate task id")
	ErrAmbiguousForm    = errors.New("task declares more than one execution form")
	ErrNoExecutionForm  = errors.New("task declares no execution form")
	ErrUnknownAgent     = errors.New("agent not found")
	ErrUnknownSubflow   = errors.New("subflow not found")
	ErrUnknownTool      = errors.New("tool not in the closed universe")
	ErrUnresolvedSecret = errors.New("secret could not be resolved")
	ErrChannelForbidden = errors.New("publisher is not a channel participant")
)
