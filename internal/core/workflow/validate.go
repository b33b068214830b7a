package workflow

import (
	"fmt"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/limits"
)

// ValidationIssue mirrors the Code/Path/Message/Expected/Actual/Hint shape
// used throughout station's validator, so downstream tooling that already
// knows how to render one of these can render ours unchanged.
type ValidationIssue struct {
	Code     string `json:"code"`
	Path     string `json:"path"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// ValidationResult accumulates every issue found in a single pass; it never
// stops at the first error.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

func (r *ValidationResult) addError(code, path, msg, hint string) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Path: path, Message: msg, Hint: hint})
}

func (r *ValidationResult) addWarning(code, path, msg, hint string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Path: path, Message: msg, Hint: hint})
}

// ValidateDefinition runs every structural and semantic check over a parsed
// Workflow, accumulating into a ValidationResult rather than stopping at
// the first problem. It returns corerr.ErrValidation whenever any Errors
// were recorded.
func ValidateDefinition(wf *Workflow) (ValidationResult, error) {
	var result ValidationResult

	if wf.Name == "" {
		result.addError("MISSING_WORKFLOW_NAME", "/name", "Workflow must declare a name",
			"Add a 'name' field to the workflow definition.")
	}
	if wf.SemanticVersion == "" {
		result.addWarning("MISSING_SEMANTIC_VERSION", "/semantic_version",
			"A semantic_version is recommended for reproducible subflow imports",
			"Add 'semantic_version: 1.0.0' or similar.")
	}
	if len(wf.Tasks) == 0 {
		result.addError("MISSING_TASKS", "/tasks", "At least one task is required",
			"Add a 'tasks' array with at least one task.")
	}

	taskIDs := make(map[string]int, len(wf.Tasks))
	registerTaskIDs(wf.Tasks, "/tasks", taskIDs, &result)

	for i := range wf.Tasks {
		validateTask(&wf.Tasks[i], fmt.Sprintf("/tasks/%d", i), wf, taskIDs, &result)
	}

	validateAgents(wf, &result)
	validateChannels(wf, &result)
	validateImports(wf, &result)
	validateLimits(wf.Limits, "/limits", &result)

	if len(result.Errors) > 0 {
		return result, corerr.ErrValidation
	}
	return result, nil
}

// registerTaskIDs walks tasks and every nested Subtasks entry, recording
// each declared id into taskIDs (keyed by a running index) and reporting
// MISSING_TASK_ID/DUPLICATE_TASK_ID. It covers the whole task tree so a
// subtask's depends_on can reference a sibling subtask id and a duplicate
// id nested under two different parents is still caught.
func registerTaskIDs(tasks []Task, pathPrefix string, taskIDs map[string]int, result *ValidationResult) {
	for i := range tasks {
		t := &tasks[i]
		path := fmt.Sprintf("%s/%d", pathPrefix, i)
		switch {
		case t.ID == "":
			result.addError("MISSING_TASK_ID", path, "Every task must have an id",
				"Set 'id' on each task so it can be referenced by depends_on.")
		default:
			if prev, exists := taskIDs[t.ID]; exists {
				result.addError("DUPLICATE_TASK_ID", path,
					fmt.Sprintf("Task id %q is already used at %s/%d", t.ID, pathPrefix, prev),
					"Task ids must be unique within a workflow.")
			} else {
				taskIDs[t.ID] = i
			}
		}
		if len(t.Subtasks) > 0 {
			registerTaskIDs(t.Subtasks, path+"/subtasks", taskIDs, result)
		}
	}
}

func validateTask(t *Task, path string, wf *Workflow, taskIDs map[string]int, result *ValidationResult) {
	if err := t.ResolveExec(); err != nil {
		result.addError("EXECUTION_FORM_"+err.Error(), path,
			fmt.Sprintf("task %q: %v", t.ID, err),
			"Set exactly one of agent/script/command/http/mcp_tool/subflow/uses/embed/uses_workflow.")
	}

	for _, dep := range t.DependsOn {
		if _, ok := taskIDs[dep]; !ok {
			result.addError("UNKNOWN_DEPENDENCY", path+"/depends_on",
				fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep),
				"depends_on must reference an existing task id.")
		}
		if dep == t.ID {
			result.addError("SELF_DEPENDENCY", path+"/depends_on",
				fmt.Sprintf("task %q lists itself in depends_on", t.ID),
				"Remove the self-reference.")
		}
	}

	if t.Exec.Agent != nil {
		if _, ok := wf.AgentByName(t.Exec.Agent.Name); !ok {
			result.addError("UNKNOWN_AGENT", path+"/agent/name",
				fmt.Sprintf("task %q references undeclared agent %q", t.ID, t.Exec.Agent.Name),
				"Declare the agent under the workflow's 'agents' list, or use name@environment.")
		}
	}

	if t.Exec.MCPTool != nil {
		found := false
		for _, s := range wf.MCPServers {
			if s == t.Exec.MCPTool.Server {
				found = true
				break
			}
		}
		if !found {
			result.addError("UNKNOWN_MCP_SERVER", path+"/mcp_tool/server",
				fmt.Sprintf("task %q references undeclared mcp server %q", t.ID, t.Exec.MCPTool.Server),
				"Add the server name to the workflow's 'mcp_servers' list.")
		}
	}

	if t.Condition != nil {
		validateConditionRef(t.Condition, path+"/condition", taskIDs, result)
	}

	if t.Loop != nil {
		validateLoop(t.Loop, path+"/loop", taskIDs, result)
	}

	if t.DefinitionOfDone != nil {
		validateDoD(t.DefinitionOfDone, path+"/definition_of_done", result)
	} else if t.Exec.Agent != nil {
		result.addWarning("MISSING_DEFINITION_OF_DONE", path+"/definition_of_done",
			"agent tasks are recommended to declare a definition_of_done",
			"Add 'definition_of_done.criteria' so completion is verified, not assumed.")
	}

	if t.Limits != nil {
		validateLimits(*t.Limits, path+"/limits", result)
	}

	for i := range t.Subtasks {
		validateTask(&t.Subtasks[i], fmt.Sprintf("%s/subtasks/%d", path, i), wf, taskIDs, result)
	}
}

// validateConditionRef walks a condition tree, additionally checking
// task_status leaves against the set of declared task ids when taskIDs is
// non-nil. validateTask and validateLoop both thread the workflow's full
// taskIDs set through; only a condition validated with no task-id set in
// scope passes nil and skips that check.
func validateConditionRef(c *Condition, path string, taskIDs map[string]int, result *ValidationResult) {
	n := c.VariantCount()
	switch {
	case n == 0:
		result.addError("EMPTY_CONDITION", path, "condition declares no variant",
			"Set exactly one of task_status/equals/contains/matches/exists/greater_than/less_than/expr/always/never/and/or/not.")
		return
	case n > 1:
		result.addError("AMBIGUOUS_CONDITION", path,
			fmt.Sprintf("condition declares %d variants, expected 1", n),
			"A condition node may only hold a single leaf or combinator.")
		return
	}

	switch {
	case c.TaskStatus != nil:
		if c.TaskStatus.TaskID == "" {
			result.addError("MISSING_CONDITION_FIELD", path+"/task_status/task_id",
				"task_status requires a task_id", "")
		} else if taskIDs != nil {
			if _, ok := taskIDs[c.TaskStatus.TaskID]; !ok {
				result.addError("UNKNOWN_TASK_REFERENCE", path+"/task_status/task_id",
					fmt.Sprintf("task_status references unknown task %q", c.TaskStatus.TaskID),
					"task_status.task_id must reference a declared task id.")
			}
		}
	case c.And != nil:
		for i, child := range *c.And {
			validateConditionRef(&child, fmt.Sprintf("%s/and/%d", path, i), taskIDs, result)
		}
	case c.Or != nil:
		for i, child := range *c.Or {
			validateConditionRef(&child, fmt.Sprintf("%s/or/%d", path, i), taskIDs, result)
		}
	case c.Not != nil:
		validateConditionRef(c.Not, path+"/not", taskIDs, result)
	case c.Expr != nil && c.Expr.Source == "":
		result.addError("EMPTY_EXPR", path+"/expr/source", "expr condition has an empty source",
			"Provide a Starlark boolean expression.")
	}
}

func validateLoop(l *LoopSpec, path string, taskIDs map[string]int, result *ValidationResult) {
	switch l.Kind {
	case LoopForEach:
		if l.ForEach == nil {
			result.addError("MISSING_LOOP_VARIANT", path, "kind=for_each but for_each is unset",
				"Populate the 'for_each' field matching the declared kind.")
			return
		}
		if l.ForEach.ItemsPath == "" {
			result.addError("MISSING_ITEMS_PATH", path+"/for_each/items_path",
				"for_each requires items_path", "Set items_path to a dot-path into workflow state.")
		}
		if l.ForEach.ItemVar == "" {
			result.addError("MISSING_ITEM_VAR", path+"/for_each/item_var",
				"for_each requires item_var", "Set item_var to the loop body's binding name.")
		}
		if l.ForEach.MaxConcurrency > limits.MaxParallelIterations {
			result.addError("CONCURRENCY_EXCEEDS_LIMIT", path+"/for_each/max_concurrency",
				fmt.Sprintf("max_concurrency %d exceeds the hard cap of %d", l.ForEach.MaxConcurrency, limits.MaxParallelIterations),
				"Lower max_concurrency; this cap is not configurable.")
		}
	case LoopWhile:
		if l.While == nil {
			result.addError("MISSING_LOOP_VARIANT", path, "kind=while but while is unset", "")
			return
		}
		validateConditionRef(&l.While.Condition, path+"/while/condition", taskIDs, result)
		if l.While.MaxIterations == 0 {
			result.addWarning("MISSING_MAX_ITERATIONS", path+"/while/max_iterations",
				"while loops without an explicit max_iterations fall back to the hard cap",
				fmt.Sprintf("Set max_iterations explicitly, capped at %d.", limits.MaxLoopIterations))
		} else if l.While.MaxIterations > limits.MaxLoopIterations {
			result.addError("MAX_ITERATIONS_EXCEEDS_LIMIT", path+"/while/max_iterations",
				fmt.Sprintf("max_iterations %d exceeds the hard cap of %d", l.While.MaxIterations, limits.MaxLoopIterations), "")
		}
	case LoopRepeatUntil:
		if l.RepeatUntil == nil {
			result.addError("MISSING_LOOP_VARIANT", path, "kind=repeat_until but repeat_until is unset", "")
			return
		}
		validateConditionRef(&l.RepeatUntil.Condition, path+"/repeat_until/condition", taskIDs, result)
		if l.RepeatUntil.MaxIterations > limits.MaxLoopIterations {
			result.addError("MAX_ITERATIONS_EXCEEDS_LIMIT", path+"/repeat_until/max_iterations",
				fmt.Sprintf("max_iterations %d exceeds the hard cap of %d", l.RepeatUntil.MaxIterations, limits.MaxLoopIterations), "")
		}
		if l.RepeatUntil.MinIterations < 0 {
			result.addError("INVALID_MIN_ITERATIONS", path+"/repeat_until/min_iterations",
				"min_iterations must be >= 1", "Remove min_iterations or set it to at least 1.")
		}
		if l.RepeatUntil.MaxIterations > 0 && l.RepeatUntil.MinIterations > l.RepeatUntil.MaxIterations {
			result.addError("MIN_EXCEEDS_MAX_ITERATIONS", path+"/repeat_until/min_iterations",
				fmt.Sprintf("min_iterations %d exceeds max_iterations %d", l.RepeatUntil.MinIterations, l.RepeatUntil.MaxIterations), "")
		}
	case LoopRepeat:
		if l.Repeat == nil {
			result.addError("MISSING_LOOP_VARIANT", path, "kind=repeat but repeat is unset", "")
			return
		}
		if l.Repeat.Count > limits.MaxLoopIterations {
			result.addError("MAX_ITERATIONS_EXCEEDS_LIMIT", path+"/repeat/count",
				fmt.Sprintf("count %d exceeds the hard cap of %d", l.Repeat.Count, limits.MaxLoopIterations), "")
		}
	default:
		result.addError("UNKNOWN_LOOP_KIND", path, fmt.Sprintf("unknown loop kind %q", l.Kind),
			"Use one of for_each, while, repeat_until, repeat.")
	}
}

func validateDoD(d *DefinitionOfDone, path string, result *ValidationResult) {
	if len(d.Criteria) == 0 {
		result.addError("EMPTY_CRITERIA", path+"/criteria", "definition_of_done requires at least one criterion", "")
	}
	for i, c := range d.Criteria {
		validateCriterion(&c, fmt.Sprintf("%s/criteria/%d", path, i), result)
	}
	if d.Retry.MaxAttempts < 0 {
		result.addError("NEGATIVE_RETRY", path+"/retry/max_attempts", "max_attempts cannot be negative", "")
	}
}

func validateCriterion(c *Criterion, path string, result *ValidationResult) {
	switch c.Kind {
	case CriterionFileExists:
		if c.FileExists == nil || c.FileExists.Path == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "file_exists requires a path", "")
		}
	case CriterionFileContains:
		if c.FileContains == nil || c.FileContains.Path == "" || c.FileContains.Pattern == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "file_contains requires a path and pattern", "")
		}
	case CriterionFileNotContains:
		if c.FileNotContains == nil || c.FileNotContains.Path == "" || c.FileNotContains.Pattern == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "file_not_contains requires a path and pattern", "")
		}
	case CriterionDirectoryExists:
		if c.DirectoryExists == nil || c.DirectoryExists.Path == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "directory_exists requires a path", "")
		}
	case CriterionOutputMatches:
		if c.OutputMatches == nil || c.OutputMatches.Pattern == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "output_matches requires a pattern", "")
		} else if c.OutputMatches.Source == OutputMatchesFile && c.OutputMatches.Path == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "output_matches with source=file requires a path", "")
		}
	case CriterionCommandSucceeds:
		if c.CommandSucceeds == nil || c.CommandSucceeds.Executable == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "command_succeeds requires an executable", "")
		}
	case CriterionTestsPassed:
		if c.TestsPassed == nil || c.TestsPassed.Executable == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "tests_passed requires an executable", "")
		}
	case CriterionSchemaValid:
		if c.SchemaValid == nil || c.SchemaValid.Schema == nil {
			result.addError("MISSING_CRITERION_FIELD", path, "schema_valid requires a schema", "")
		}
	case CriterionCustomExpr:
		if c.CustomExpr == nil || c.CustomExpr.Source == "" {
			result.addError("MISSING_CRITERION_FIELD", path, "custom_expr requires a source", "")
		}
	case CriterionAll:
		if c.All == nil || len(*c.All) == 0 {
			result.addError("EMPTY_CRITERIA", path+"/all", "all requires at least one child criterion", "")
		}
		for i, child := range derefCriteria(c.All) {
			validateCriterion(&child, fmt.Sprintf("%s/all/%d", path, i), result)
		}
	case CriterionAny:
		if c.Any == nil || len(*c.Any) == 0 {
			result.addError("EMPTY_CRITERIA", path+"/any", "any requires at least one child criterion", "")
		}
		for i, child := range derefCriteria(c.Any) {
			validateCriterion(&child, fmt.Sprintf("%s/any/%d", path, i), result)
		}
	default:
		result.addError("UNKNOWN_CRITERION_KIND", path, fmt.Sprintf("unknown criterion kind %q", c.Kind), "")
	}
}

func derefCriteria(p *[]Criterion) []Criterion {
	if p == nil {
		return nil
	}
	return *p
}

func validateAgents(wf *Workflow, result *ValidationResult) {
	seen := make(map[string]bool, len(wf.Agents))
	for i, a := range wf.Agents {
		path := fmt.Sprintf("/agents/%d", i)
		if a.Name == "" {
			result.addError("MISSING_AGENT_NAME", path, "every agent must have a name", "")
			continue
		}
		if seen[a.Name] {
			result.addError("DUPLICATE_AGENT_NAME", path, fmt.Sprintf("agent name %q is already declared", a.Name), "")
		}
		seen[a.Name] = true

		for j, tool := range a.Tools {
			if !AllTools[tool] {
				result.addError("UNKNOWN_TOOL", fmt.Sprintf("%s/tools/%d", path, j),
					fmt.Sprintf("tool %q is not in the closed tool universe", tool),
					"Tools are fixed per release; custom tools are not supported.")
			}
		}
	}
}

func validateChannels(wf *Workflow, result *ValidationResult) {
	agentNames := make(map[string]bool, len(wf.Agents))
	for _, a := range wf.Agents {
		agentNames[a.Name] = true
	}
	taskNames := make(map[string]bool, len(wf.Tasks))
	for _, t := range wf.Tasks {
		taskNames[t.ID] = true
	}
	for i, ch := range wf.Channels {
		path := fmt.Sprintf("/channels/%d", i)
		if ch.Name == "" {
			result.addError("MISSING_CHANNEL_NAME", path, "every channel must have a name", "")
		}
		if len(ch.Participants) == 0 {
			result.addError("EMPTY_PARTICIPANTS", path+"/participants",
				"a channel with no participants can never be published to or subscribed from", "")
		}
		for j, p := range ch.Participants {
			if !agentNames[p] && !taskNames[p] {
				result.addError("UNKNOWN_PARTICIPANT", fmt.Sprintf("%s/participants/%d", path, j),
					fmt.Sprintf("channel %q lists participant %q, which is neither a declared agent nor a task id", ch.Name, p), "")
			}
		}
	}
}

func validateImports(wf *Workflow, result *ValidationResult) {
	for ns, ref := range wf.Imports {
		if ns == "" {
			result.addError("MISSING_IMPORT_NAMESPACE", "/imports", "import namespace cannot be empty", "")
		}
		if ref == "" {
			result.addError("MISSING_IMPORT_REF", fmt.Sprintf("/imports/%s", ns),
				fmt.Sprintf("import %q has no group@version reference", ns), "")
		}
	}
	for i, t := range wf.Tasks {
		if t.UsesWorkflow == nil {
			continue
		}
		result.checkUsesWorkflowRef(t.UsesWorkflow.Ref, fmt.Sprintf("/tasks/%d/uses_workflow/ref", i), wf)
	}
}

func (r *ValidationResult) checkUsesWorkflowRef(ref, path string, wf *Workflow) {
	for ns := range wf.Imports {
		if len(ref) > len(ns) && ref[:len(ns)] == ns && ref[len(ns)] == ':' {
			return
		}
	}
	r.addError("UNKNOWN_IMPORT_NAMESPACE", path,
		fmt.Sprintf("uses_workflow ref %q does not match any declared import namespace", ref),
		"Reference workflows as 'namespace:workflow_name' where namespace is declared under 'imports'.")
}

func validateLimits(l LimitsConfig, path string, result *ValidationResult) {
	if l.MaxStdoutBytes < 0 || l.MaxStderrBytes < 0 || l.MaxCombinedBytes < 0 {
		result.addError("NEGATIVE_LIMIT", path, "stdio byte limits cannot be negative", "")
	}
	if l.MaxContextTasks < 0 {
		result.addError("NEGATIVE_LIMIT", path+"/max_context_tasks", "max_context_tasks cannot be negative", "")
	}
}
