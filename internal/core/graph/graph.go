// Package graph turns a workflow's flat task list into a dependency DAG,
// generalizing the single-next-pointer chains station's dataflow resolver
// walks into full depends_on adjacency with Kahn's algorithm.
package graph

import (
	"fmt"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

// Graph is the resolved dependency structure over a workflow's tasks.
type Graph struct {
	tasks    map[string]*workflow.Task
	order    []string            // declaration order, for stable iteration
	children map[string][]string // taskID -> tasks that depend on it
	parents  map[string][]string // taskID -> tasks it depends on
}

// Build constructs a Graph from a workflow, flattening every task's nested
// Subtasks in with the top-level list first (workflow.FlattenTasks) so
// hierarchical decomposition participates in scheduling the same as any
// other task. Returns corerr.ErrCycle if the depends_on edges form a
// cycle, or corerr.ErrUnknownTask if an edge references a task id that
// doesn't exist.
func Build(wf *workflow.Workflow) (*Graph, error) {
	flat := workflow.FlattenTasks(wf)
	g := &Graph{
		tasks:    make(map[string]*workflow.Task, len(flat)),
		children: make(map[string][]string, len(flat)),
		parents:  make(map[string][]string, len(flat)),
	}

	for i := range flat {
		t := &flat[i]
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("%w: %q", corerr.ErrDuplicateTask, t.ID)
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}

	for _, t := range flat {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on %q", corerr.ErrUnknownTask, t.ID, dep)
			}
			g.parents[t.ID] = append(g.parents[t.ID], dep)
			g.children[dep] = append(g.children[dep], t.ID)
		}
	}

	if _, err := g.TopoBatches(); err != nil {
		return nil, err
	}
	return g, nil
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*workflow.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Parents returns the task ids a task directly depends on.
func (g *Graph) Parents(id string) []string { return g.parents[id] }

// Children returns the task ids that directly depend on a task.
func (g *Graph) Children(id string) []string { return g.children[id] }

// Roots returns every task with no dependencies, i.e. immediately ready
// once the workflow starts.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Len reports the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.order) }

// TopoBatches groups tasks into levels where every task in batch N depends
// only on tasks in batches 0..N-1, using Kahn's algorithm. A non-empty
// remainder after the algorithm terminates means the graph has a cycle.
func (g *Graph) TopoBatches() ([][]string, error) {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.parents[id])
	}

	var batches [][]string
	remaining := len(g.order)
	frontier := g.Roots()

	for len(frontier) > 0 {
		batches = append(batches, frontier)
		remaining -= len(frontier)

		var next []string
		for _, id := range frontier {
			for _, child := range g.children[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		frontier = next
	}

	if remaining > 0 {
		return nil, corerr.ErrCycle
	}
	return batches, nil
}

// Ready returns every task not itself in done whose parents are all present
// in done, used by the scheduler to find the next dispatchable set.
func (g *Graph) Ready(done map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if done[id] {
			continue
		}
		satisfied := true
		for _, p := range g.parents[id] {
			if !done[p] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// Depth returns the length of the shortest depends_on chain from producer to
// consumer (1 when consumer directly depends on producer, 2+ for an
// indirect chain), and false when consumer cannot reach producer through
// its dependency chain at all. Used to score a task output's relevance to
// a downstream consumer that didn't declare a direct dependency on it.
func (g *Graph) Depth(producer, consumer string) (int, bool) {
	if producer == consumer {
		return 0, true
	}
	visited := map[string]bool{producer: true}
	frontier := []string{producer}
	for depth := 1; len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, child := range g.children[id] {
				if child == consumer {
					return depth, true
				}
				if !visited[child] {
					visited[child] = true
					next = append(next, child)
				}
			}
		}
		frontier = next
	}
	return 0, false
}

// Descendants returns every task transitively reachable from id, used to
// cascade-skip a subtree whose root was skipped by an unmet condition or
// failed.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(cur string) {
		for _, child := range g.children[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			visit(child)
		}
	}
	visit(id)
	out := make([]string, 0, len(seen))
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}
