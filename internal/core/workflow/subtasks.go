package workflow

// FlattenTasks expands a workflow's top-level tasks plus every nested
// Subtasks entry into a single flat list the task graph can schedule,
// realizing spec.md's "subtasks ... semantically equivalent to top-level
// tasks scoped under a parent": a task's subtasks run only once the task
// itself has completed, and run in declaration order relative to each
// other unless a subtask declares its own depends_on. A subtask's implicit
// dependency is added only when it didn't already declare one, so an
// author who wants subtask 2 to start as soon as subtask 0 finishes
// (skipping subtask 1) can still say so explicitly.
func FlattenTasks(wf *Workflow) []Task {
	var out []Task
	for i := range wf.Tasks {
		flattenInto(&out, &wf.Tasks[i], "")
	}
	return out
}

func flattenInto(out *[]Task, t *Task, impliedParent string) {
	flat := *t
	if len(flat.DependsOn) == 0 && impliedParent != "" {
		flat.DependsOn = []string{impliedParent}
	}
	flat.Subtasks = nil
	*out = append(*out, flat)

	prev := t.ID
	for i := range t.Subtasks {
		sub := &t.Subtasks[i]
		flattenInto(out, sub, prev)
		prev = sub.ID
	}
}
