package swarm

import (
	"errors"
	"fmt"
	"slices"
)

var errCycle = errors.New("task dependencies contain a cycle")

// Plan describes how the unfinished tasks of a session can run.
type Plan struct {
	Tiers       [][]string          // tasks within a tier have no dependency on each other
	Workstreams [][]string          // groups of tasks connected by dependencies
	Waiting     map[string][]string // task -> unfinished tasks it depends on
}

// BuildPlan orders tasks by their dependencies. Dependencies on ids outside
// tasks are treated as already satisfied. It returns an error if the
// dependencies form a cycle.
func BuildPlan(tasks []*Task) (*Plan, error) {
	ids := make([]string, 0, len(tasks))
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if known[t.ID] {
			return nil, fmt.Errorf("duplicate task %q", t.ID)
		}
		known[t.ID] = true
		ids = append(ids, t.ID)
	}

	edges := make(map[string][]string)
	inDegree := make(map[string]int, len(ids))
	waiting := make(map[string][]string)

	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
		inDegree[id] = 0
	}
	find := func(x string) string {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !known[dep] || slices.Contains(edges[dep], t.ID) {
				continue
			}
			if dep == t.ID {
				return nil, errCycle
			}
			edges[dep] = append(edges[dep], t.ID)
			inDegree[t.ID]++
			waiting[t.ID] = append(waiting[t.ID], dep)
			union(dep, t.ID)
		}
	}

	// Kahn's algorithm, grouping by depth
	depth := make(map[string]int, len(ids))
	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range edges[id] {
			inDegree[next]--
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(ids) {
		return nil, errCycle
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	plan := &Plan{Waiting: waiting}
	if len(ids) > 0 {
		plan.Tiers = make([][]string, maxDepth+1)
		for _, id := range ids {
			plan.Tiers[depth[id]] = append(plan.Tiers[depth[id]], id)
		}
	}

	groups := make(map[string][]string)
	var roots []string
	for _, id := range ids {
		r := find(id)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], id)
	}
	for _, r := range roots {
		plan.Workstreams = append(plan.Workstreams, groups[r])
	}
	return plan, nil
}

// ready reports whether every dependency of t has completed.
func (st *SessionState) ready(t *Task) bool {
	for _, dep := range t.Dependencies {
		if !slices.Contains(st.CompletedTasks, dep) && st.hasTask(dep) {
			return false
		}
	}
	return true
}

// pending returns the unfinished tasks: active first, then queued.
func (st *SessionState) pending() []*Task {
	return append(st.activeSorted(), st.TaskQueue...)
}
