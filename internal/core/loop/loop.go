// Package loop runs a task's loop body for each of the four LoopSpec
// variants. The sequential/concurrent split and per-iteration result
// collection mirror station's ForeachExecutor; concurrency is bounded with
// golang.org/x/sync/semaphore and errgroup instead of a raw channel
// semaphore, and every loop form is capped by the hard safety limits.
package loop

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/eval"
	"workflowcore/internal/core/limits"
	"workflowcore/internal/core/workflow"
)

// Body is the callback invoked once per iteration; it receives the bound
// item/index state merged into data and returns that iteration's output.
type Body func(ctx context.Context, iterData map[string]any, index int) (map[string]any, error)

// IterationResult records one iteration's outcome, ordered by Index so
// concurrent execution can be reassembled deterministically.
type IterationResult struct {
	Index  int
	Output map[string]any
	Err    error
}

// Runner executes LoopSpec bodies.
type Runner struct {
	expr *eval.Evaluator
	// Checkpoint, when non-nil, is called after every completed iteration
	// of a sequential while/repeat_until/repeat/for_each loop whose
	// control.CheckpointInterval divides the 1-based iteration count, so a
	// caller can persist run state while a long-running loop is still going.
	// Concurrent for_each iterations don't have a
	// well-ordered "every Nth" boundary, so they are not checkpointed here.
	Checkpoint func()
}

// NewRunner builds a Runner.
func NewRunner() *Runner {
	return &Runner{expr: eval.NewEvaluator()}
}

// NewRunnerWithCheckpoint builds a Runner that calls checkpoint after every
// CheckpointInterval'th iteration of a sequential loop.
func NewRunnerWithCheckpoint(checkpoint func()) *Runner {
	return &Runner{expr: eval.NewEvaluator(), Checkpoint: checkpoint}
}

// maybeCheckpoint calls r.Checkpoint when control.CheckpointInterval is set
// and iteration (1-based count of iterations completed so far) lands on a
// multiple of it.
func (r *Runner) maybeCheckpoint(control *workflow.LoopControl, iteration int) {
	if r.Checkpoint == nil || control == nil || control.CheckpointInterval <= 0 {
		return
	}
	if iteration%control.CheckpointInterval == 0 {
		r.Checkpoint()
	}
}

// Run dispatches to the loop-kind-specific executor. depth is the caller's
// current nesting level (0 for a top-level loop); Run rejects anything
// past limits.MaxNestedLoopDepth before doing any work.
func (r *Runner) Run(ctx context.Context, spec *workflow.LoopSpec, control *workflow.LoopControl, data map[string]any, depth int, body Body) ([]IterationResult, error) {
	if depth >= limits.MaxNestedLoopDepth {
		return nil, fmt.Errorf("%w: nested loop depth %d exceeds cap of %d", corerr.ErrLimitExceeded, depth, limits.MaxNestedLoopDepth)
	}

	if control != nil && control.TimeoutSecs != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*control.TimeoutSecs)*time.Second)
		defer cancel()
	}

	switch spec.Kind {
	case workflow.LoopForEach:
		return r.runForEach(ctx, spec.ForEach, control, data, body)
	case workflow.LoopWhile:
		return r.runWhile(ctx, spec.While, control, data, body)
	case workflow.LoopRepeatUntil:
		return r.runRepeatUntil(ctx, spec.RepeatUntil, control, data, body)
	case workflow.LoopRepeat:
		return r.runRepeat(ctx, spec.Repeat, control, data, body)
	default:
		return nil, fmt.Errorf("%w: unknown loop kind %q", corerr.ErrValidation, spec.Kind)
	}
}

// shouldContinue reports whether loop_control.continue_condition fires for
// this iteration's bound data; a true result skips the iteration body
// entirely, per spec.md's "no body execution" rule.
func (r *Runner) shouldContinue(control *workflow.LoopControl, iterData map[string]any) (bool, error) {
	if control == nil || control.ContinueOn == nil {
		return false, nil
	}
	return r.expr.EvalCondition(control.ContinueOn, iterData)
}

// timedOut reports whether ctx was cancelled by a loop's whole-loop
// timeout (or any other cause); in-flight iterations are allowed to
// finish, but the caller stops starting new ones once this is true.
func timedOut(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (r *Runner) runForEach(ctx context.Context, spec *workflow.ForEachSpec, control *workflow.LoopControl, data map[string]any, body Body) ([]IterationResult, error) {
	itemsRaw, ok := eval.GetNestedValue(data, spec.ItemsPath)
	if !ok {
		return nil, fmt.Errorf("%w: items not found at %q", corerr.ErrResolution, spec.ItemsPath)
	}
	items, ok := itemsRaw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: value at %q is not a list", corerr.ErrResolution, spec.ItemsPath)
	}
	if len(items) > limits.MaxCollectionSize {
		return nil, fmt.Errorf("%w: for_each collection size %d exceeds cap of %d", corerr.ErrLimitExceeded, len(items), limits.MaxCollectionSize)
	}

	results := make([]IterationResult, len(items))

	if !spec.Concurrent {
		for i, item := range items {
			if timedOut(ctx) {
				return results[:i], nil
			}
			iterData := bindIteration(data, spec.ItemVar, spec.IndexVar, item, i)
			skip, cerr := r.shouldContinue(control, iterData)
			if cerr != nil {
				return results, cerr
			}
			if skip {
				continue
			}
			out, err := body(ctx, iterData, i)
			results[i] = IterationResult{Index: i, Output: out, Err: err}
			if err != nil {
				return results, fmt.Errorf("%w: iteration %d: %v", corerr.ErrExecution, i, err)
			}
			r.maybeCheckpoint(control, i+1)
			brk, cerr := r.shouldBreak(control, out)
			if cerr != nil {
				return results, cerr
			}
			if brk {
				return results[:i+1], nil
			}
		}
		return results, nil
	}

	maxConcurrency := spec.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if maxConcurrency > limits.MaxParallelIterations {
		maxConcurrency = limits.MaxParallelIterations
	}

	var breakRequested atomic.Bool

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		i, item := i, item
		if timedOut(gctx) || breakRequested.Load() {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if timedOut(gctx) || breakRequested.Load() {
				return nil
			}
			iterData := bindIteration(data, spec.ItemVar, spec.IndexVar, item, i)
			skip, cerr := r.shouldContinue(control, iterData)
			if cerr != nil {
				return cerr
			}
			if skip {
				return nil
			}
			out, err := body(gctx, iterData, i)
			results[i] = IterationResult{Index: i, Output: out, Err: err}
			if err != nil {
				return fmt.Errorf("%w: iteration %d: %v", corerr.ErrExecution, i, err)
			}
			brk, cerr := r.shouldBreak(control, out)
			if cerr != nil {
				return cerr
			}
			if brk {
				breakRequested.Store(true)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (r *Runner) runWhile(ctx context.Context, spec *workflow.WhileSpec, control *workflow.LoopControl, data map[string]any, body Body) ([]IterationResult, error) {
	maxIter := spec.MaxIterations
	if maxIter <= 0 || maxIter > limits.MaxLoopIterations {
		maxIter = limits.MaxLoopIterations
	}

	var results []IterationResult
	for i := 0; i < maxIter; i++ {
		if timedOut(ctx) {
			break
		}
		ok, err := r.expr.EvalCondition(&spec.Condition, data)
		if err != nil {
			return results, fmt.Errorf("evaluating while condition: %w", err)
		}
		if !ok {
			break
		}
		if skip, cerr := r.shouldContinue(control, data); cerr != nil {
			return results, cerr
		} else if skip {
			continue
		}
		out, err := body(ctx, data, i)
		results = append(results, IterationResult{Index: i, Output: out, Err: err})
		if err != nil {
			return results, fmt.Errorf("%w: iteration %d: %v", corerr.ErrExecution, i, err)
		}
		mergeInto(data, out)
		brk, cerr := r.shouldBreak(control, out)
		if cerr != nil {
			return results, cerr
		}
		r.maybeCheckpoint(control, i+1)
		if brk {
			break
		}
	}
	return results, nil
}

func (r *Runner) runRepeatUntil(ctx context.Context, spec *workflow.RepeatUntilSpec, control *workflow.LoopControl, data map[string]any, body Body) ([]IterationResult, error) {
	maxIter := spec.MaxIterations
	if maxIter <= 0 || maxIter > limits.MaxLoopIterations {
		maxIter = limits.MaxLoopIterations
	}
	minIter := spec.MinIterations
	if minIter <= 0 {
		minIter = 1
	}

	var results []IterationResult
	for i := 0; i < maxIter; i++ {
		if timedOut(ctx) {
			break
		}
		if skip, cerr := r.shouldContinue(control, data); cerr != nil {
			return results, cerr
		} else if skip {
			continue
		}
		out, err := body(ctx, data, i)
		results = append(results, IterationResult{Index: i, Output: out, Err: err})
		if err != nil {
			return results, fmt.Errorf("%w: iteration %d: %v", corerr.ErrExecution, i, err)
		}
		mergeInto(data, out)

		done, err := r.expr.EvalCondition(&spec.Condition, data)
		if err != nil {
			return results, fmt.Errorf("evaluating repeat_until condition: %w", err)
		}
		brk, cerr := r.shouldBreak(control, out)
		if cerr != nil {
			return results, cerr
		}
		r.maybeCheckpoint(control, i+1)
		if (done && i+1 >= minIter) || brk {
			break
		}
	}
	return results, nil
}

func (r *Runner) runRepeat(ctx context.Context, spec *workflow.RepeatSpec, control *workflow.LoopControl, data map[string]any, body Body) ([]IterationResult, error) {
	count := spec.Count
	if count > limits.MaxLoopIterations {
		count = limits.MaxLoopIterations
	}

	results := make([]IterationResult, 0, count)
	for i := 0; i < count; i++ {
		if timedOut(ctx) {
			break
		}
		if skip, cerr := r.shouldContinue(control, data); cerr != nil {
			return results, cerr
		} else if skip {
			continue
		}
		out, err := body(ctx, data, i)
		results = append(results, IterationResult{Index: i, Output: out, Err: err})
		if err != nil {
			return results, fmt.Errorf("%w: iteration %d: %v", corerr.ErrExecution, i, err)
		}
		mergeInto(data, out)
		brk, cerr := r.shouldBreak(control, out)
		if cerr != nil {
			return results, cerr
		}
		r.maybeCheckpoint(control, i+1)
		if brk {
			break
		}
	}
	return results, nil
}

func (r *Runner) shouldBreak(control *workflow.LoopControl, iterOutput map[string]any) (bool, error) {
	if control == nil || control.BreakOn == nil {
		return false, nil
	}
	return r.expr.EvalCondition(control.BreakOn, iterOutput)
}

func bindIteration(data map[string]any, itemVar, indexVar string, item any, index int) map[string]any {
	iterData := make(map[string]any, len(data)+2)
	for k, v := range data {
		iterData[k] = v
	}
	if itemVar != "" {
		iterData[itemVar] = item
	}
	if indexVar != "" {
		iterData[indexVar] = index
	}
	return iterData
}

func mergeInto(data map[string]any, out map[string]any) {
	for k, v := range out {
		data[k] = v
	}
}
