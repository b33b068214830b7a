package engine

import (
	"fmt"

	"github.com/spf13/afero"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/state"
	"workflowcore/internal/core/workflow"
)

// bindOutputs resolves every workflow.OutputBinding against the finished
// run's state: a file binding reads from the OS filesystem (or the
// stdio.Manager's afero.Fs when one is configured, so hermetic tests can
// seed fixture files), a state binding reads a variable, and a task_output
// binding reads the named task's recorded output.
func (e *Engine) bindOutputs(st *state.WorkflowState) (map[string]any, error) {
	if len(e.wf.Outputs) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(e.wf.Outputs))
	for _, binding := range e.wf.Outputs {
		v, err := e.bindOutput(binding, st)
		if err != nil {
			return out, err
		}
		out[binding.Name] = v
	}
	return out, nil
}

func (e *Engine) bindOutput(binding workflow.OutputBinding, st *state.WorkflowState) (any, error) {
	switch binding.Source.Kind {
	case workflow.OutputSourceState:
		v, ok := st.Variables[binding.Source.Key]
		if !ok {
			return nil, fmt.Errorf("%w: output %q references unknown state key %q", corerr.ErrResolution, binding.Name, binding.Source.Key)
		}
		return v, nil

	case workflow.OutputSourceTaskOutput:
		for i := len(st.Outputs) - 1; i >= 0; i-- {
			if st.Outputs[i].TaskID == binding.Source.Task {
				return st.Outputs[i].Content, nil
			}
		}
		return nil, fmt.Errorf("%w: output %q references task %q with no recorded output", corerr.ErrResolution, binding.Name, binding.Source.Task)

	case workflow.OutputSourceFile:
		fs := e.outputFs()
		content, err := afero.ReadFile(fs, binding.Source.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: output %q: reading %s: %v", corerr.ErrResolution, binding.Name, binding.Source.Path, err)
		}
		return string(content), nil

	default:
		return nil, fmt.Errorf("%w: output %q has unknown source kind %q", corerr.ErrValidation, binding.Name, binding.Source.Kind)
	}
}

func (e *Engine) outputFs() afero.Fs {
	if e.stdio != nil {
		return e.stdio.Fs()
	}
	return afero.NewOsFs()
}
