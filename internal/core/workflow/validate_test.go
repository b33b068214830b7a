package workflow

import "testing"

func TestValidateDefinitionRequiresNameAndTasks(t *testing.T) {
	wf := &Workflow{}
	_, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for empty workflow")
	}
}

func TestValidateDefinitionDetectsDuplicateTaskIDs(t *testing.T) {
	wf := &Workflow{
		Name: "demo",
		Tasks: []Task{
			{ID: "a", Agent: &AgentTaskSpec{Name: "writer"}},
			{ID: "a", Agent: &AgentTaskSpec{Name: "writer"}},
		},
		Agents: []Agent{{Name: "writer"}},
	}
	result, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for duplicate task id")
	}
	if !hasCode(result.Errors, "DUPLICATE_TASK_ID") {
		t.Fatalf("expected DUPLICATE_TASK_ID error, got %+v", result.Errors)
	}
}

func TestValidateDefinitionRejectsAmbiguousExecutionForm(t *testing.T) {
	wf := &Workflow{
		Name: "demo",
		Tasks: []Task{
			{ID: "a", Agent: &AgentTaskSpec{Name: "writer"}, Script: &ScriptTaskSpec{Language: "python", Content: "pass"}},
		},
		Agents: []Agent{{Name: "writer"}},
	}
	result, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for ambiguous execution form")
	}
	if len(result.Errors) == 0 {
		t.Fatalf("expected at least one error")
	}
}

func TestValidateDefinitionRejectsUnknownDependency(t *testing.T) {
	wf := &Workflow{
		Name: "demo",
		Tasks: []Task{
			{ID: "a", Agent: &AgentTaskSpec{Name: "writer"}, DependsOn: []string{"missing"}},
		},
		Agents: []Agent{{Name: "writer"}},
	}
	result, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for unknown dependency")
	}
	if !hasCode(result.Errors, "UNKNOWN_DEPENDENCY") {
		t.Fatalf("expected UNKNOWN_DEPENDENCY error, got %+v", result.Errors)
	}
}

func TestValidateDefinitionWarnsOnMissingDefinitionOfDone(t *testing.T) {
	wf := &Workflow{
		Name: "demo",
		Tasks: []Task{
			{ID: "a", Agent: &AgentTaskSpec{Name: "writer"}},
		},
		Agents: []Agent{{Name: "writer"}},
	}
	result, err := ValidateDefinition(wf)
	if err != nil {
		t.Fatalf("expected no errors, got %v (%+v)", err, result.Errors)
	}
	if !hasCode(result.Warnings, "MISSING_DEFINITION_OF_DONE") {
		t.Fatalf("expected MISSING_DEFINITION_OF_DONE warning, got %+v", result.Warnings)
	}
}

func TestValidateDefinitionRejectsUnknownTool(t *testing.T) {
	wf := &Workflow{
		Name:   "demo",
		Agents: []Agent{{Name: "writer", Tools: []ToolName{"NotARealTool"}}},
		Tasks: []Task{
			{ID: "a", Agent: &AgentTaskSpec{Name: "writer"}},
		},
	}
	result, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for unknown tool")
	}
	if !hasCode(result.Errors, "UNKNOWN_TOOL") {
		t.Fatalf("expected UNKNOWN_TOOL error, got %+v", result.Errors)
	}
}

func TestValidateDefinitionChecksLoopLimits(t *testing.T) {
	wf := &Workflow{
		Name: "demo",
		Agents: []Agent{{Name: "writer"}},
		Tasks: []Task{
			{
				ID:    "a",
				Agent: &AgentTaskSpec{Name: "writer"},
				Loop: &LoopSpec{
					Kind:   LoopRepeat,
					Repeat: &RepeatSpec{Count: 999999},
				},
			},
		},
	}
	result, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for loop count exceeding hard cap")
	}
	if !hasCode(result.Errors, "MAX_ITERATIONS_EXCEEDS_LIMIT") {
		t.Fatalf("expected MAX_ITERATIONS_EXCEEDS_LIMIT error, got %+v", result.Errors)
	}
}

func TestValidateDefinitionRejectsUnknownTaskReferenceInLoopCondition(t *testing.T) {
	wf := &Workflow{
		Name:   "demo",
		Agents: []Agent{{Name: "writer"}},
		Tasks: []Task{
			{
				ID:    "a",
				Agent: &AgentTaskSpec{Name: "writer"},
				Loop: &LoopSpec{
					Kind: LoopWhile,
					While: &WhileSpec{
						MaxIterations: 5,
						Condition: Condition{
							TaskStatus: &TaskStatusCondition{TaskID: "missing", Status: StatusCompleted},
						},
					},
				},
			},
		},
	}
	result, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for unknown task reference in while condition")
	}
	if !hasCode(result.Errors, "UNKNOWN_TASK_REFERENCE") {
		t.Fatalf("expected UNKNOWN_TASK_REFERENCE error, got %+v", result.Errors)
	}
}

func TestValidateDefinitionAllowsSubtaskToDependOnSibling(t *testing.T) {
	wf := &Workflow{
		Name:   "demo",
		Agents: []Agent{{Name: "writer"}},
		Tasks: []Task{
			{
				ID:    "parent",
				Agent: &AgentTaskSpec{Name: "writer"},
				Subtasks: []Task{
					{ID: "child-1", Agent: &AgentTaskSpec{Name: "writer"}},
					{ID: "child-2", Agent: &AgentTaskSpec{Name: "writer"}, DependsOn: []string{"child-1"}},
				},
			},
		},
	}
	result, err := ValidateDefinition(wf)
	if err != nil {
		t.Fatalf("expected no errors, got %v (%+v)", err, result.Errors)
	}
}

func TestValidateDefinitionRejectsDuplicateSubtaskID(t *testing.T) {
	wf := &Workflow{
		Name:   "demo",
		Agents: []Agent{{Name: "writer"}},
		Tasks: []Task{
			{
				ID:    "a",
				Agent: &AgentTaskSpec{Name: "writer"},
				Subtasks: []Task{
					{ID: "a", Agent: &AgentTaskSpec{Name: "writer"}},
				},
			},
		},
	}
	result, err := ValidateDefinition(wf)
	if err == nil {
		t.Fatalf("expected validation error for duplicate subtask id")
	}
	if !hasCode(result.Errors, "DUPLICATE_TASK_ID") {
		t.Fatalf("expected DUPLICATE_TASK_ID error, got %+v", result.Errors)
	}
}

func hasCode(issues []ValidationIssue, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}
