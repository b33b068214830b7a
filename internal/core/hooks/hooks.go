// Package hooks runs the shell commands a workflow declares at its
// pre_workflow/post_workflow/on_error lifecycle boundaries via os/exec,
// the same subprocess style station's CommandTaskSpec-equivalent steps
// use, with WORKFLOW_STAGE/WORKFLOW_ERROR exported as env vars.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Stage names a lifecycle boundary a hook runs at.
type Stage string

const (
	StagePreWorkflow  Stage = "pre_workflow"
	StagePostWorkflow Stage = "post_workflow"
	StageOnError      Stage = "on_error"
)

// Hook is one shell command to run at a Stage.
type Hook struct {
	Stage      Stage
	Executable string
	Args       []string
	WorkingDir string
}

// Result captures a single hook's outcome.
type Result struct {
	Hook     Hook
	Stdout   string
	Stderr   string
	Err      error
}

// Runner executes hooks as subprocesses.
type Runner struct {
	run func(ctx context.Context, h Hook, env []string) (stdout, stderr string, err error)
}

// NewRunner builds a Runner that shells out via os/exec.
func NewRunner() *Runner {
	return &Runner{run: runCommand}
}

// NewRunnerWithExec builds a Runner against a caller-supplied execution
// function, for hermetic tests that don't want to spawn real processes.
func NewRunnerWithExec(run func(ctx context.Context, h Hook, env []string) (stdout, stderr string, err error)) *Runner {
	return &Runner{run: run}
}

func runCommand(ctx context.Context, h Hook, env []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, h.Executable, h.Args...)
	cmd.Dir = h.WorkingDir
	cmd.Env = append(cmd.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// RunStage runs every hook declared for a stage, in order, stopping at the
// first failure and returning every result gathered so far (so a caller
// can log what ran before the failure).
func (r *Runner) RunStage(ctx context.Context, stage Stage, runErr error, hooksForStage []Hook) ([]Result, error) {
	env := []string{"WORKFLOW_STAGE=" + string(stage)}
	if runErr != nil {
		env = append(env, "WORKFLOW_ERROR="+runErr.Error())
	}

	var results []Result
	for _, h := range hooksForStage {
		stdout, stderr, err := r.run(ctx, h, env)
		results = append(results, Result{Hook: h, Stdout: stdout, Stderr: stderr, Err: err})
		if err != nil {
			return results, fmt.Errorf("hook %s (%s) failed: %w", stage, h.Executable, err)
		}
	}
	return results, nil
}
