package domain

import (
	"sort"
	"time"
)

// ValidateDAG enforces §3's workflow invariants at submission time: a
// non-empty task list, every dependency resolving within the same task
// set, no self-dependency, and overall acyclicity. It is grounded on the
// teacher's dag_engine.go buildDAG validation, generalized into a pure
// function independent of any execution machinery.
func ValidateDAG(tasks []Task) error {
	if len(tasks) == 0 {
		return &InvalidTopologyError{Reason: "workflow must contain at least one task"}
	}

	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return &InvalidTopologyError{Reason: "duplicate task id: " + t.ID}
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return &InvalidTopologyError{Reason: "task depends on itself: " + t.ID}
			}
			if _, ok := byID[dep]; !ok {
				return &InvalidTopologyError{Reason: "task " + t.ID + " depends on unknown task " + dep}
			}
		}
	}

	if _, err := TopologicalOrder(tasks); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns task ids in a valid dependency order (Kahn's
// algorithm), or an InvalidTopologyError if a cycle is present.
func TopologicalOrder(tasks []Task) ([]string, error) {
	inDegree := make(map[string]int, len(tasks))
	children := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.Dependencies {
			inDegree[t.ID]++
			children[dep] = append(children[dep], t.ID)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(tasks) {
		return nil, &InvalidTopologyError{Reason: "cycle detected in task dependency graph"}
	}
	return order, nil
}

// ReadySet returns the ids of tasks that are PENDING, whose dependencies are
// all COMPLETED, and whose NotBefore (if set) has elapsed, ordered by
// (priority desc, task id asc) per §4.1's dispatch tie-break rule. A task
// held back only by NotBefore is excluded from the result rather than the
// caller's done-check, so a workflow with a pending backoff is neither
// re-dispatched early nor mistaken for complete.
func ReadySet(tasks []Task, now time.Time) []string {
	statusByID := make(map[string]TaskStatus, len(tasks))
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
	}

	var ready []Task
	for _, t := range tasks {
		if t.Status != TaskPending {
			continue
		}
		if t.NotBefore != nil && now.Before(*t.NotBefore) {
			continue
		}
		allDepsDone := true
		for _, dep := range t.Dependencies {
			if statusByID[dep] != TaskCompleted {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	ids := make([]string, len(ready))
	for i, t := range ready {
		ids[i] = t.ID
	}
	return ids
}

// Ancestors returns the transitive set of task ids that id depends on,
// directly or indirectly. Used by tests verifying the "no two
// concurrently-dispatched tasks are ancestor/descendant" invariant (§8).
func Ancestors(tasks []Task, id string) map[string]bool {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	seen := map[string]bool{}
	var visit func(string)
	visit = func(cur string) {
		t, ok := byID[cur]
		if !ok {
			return
		}
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(id)
	return seen
}

// SkipDescendants marks every transitive descendant of id SKIPPED in
// place, used when an ancestor task fails under the fail-fast policy (§4.1
// task state machine's SKIPPED transition).
func SkipDescendants(w *Workflow, id string) {
	childrenOf := make(map[string][]string)
	for _, t := range w.Tasks {
		for _, dep := range t.Dependencies {
			childrenOf[dep] = append(childrenOf[dep], t.ID)
		}
	}
	var visit func(string)
	visit = func(cur string) {
		for _, childID := range childrenOf[cur] {
			child := w.TaskByID(childID)
			if child == nil || child.Status.IsTerminal() {
				continue
			}
			child.Status = TaskSkipped
			visit(childID)
		}
	}
	visit(id)
}

// IsWorkflowDone reports whether every task has reached a terminal status,
// and if so whether the workflow should be COMPLETED or FAILED (§4.1 step 2).
func IsWorkflowDone(tasks []Task) (done bool, failed bool) {
	done = true
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			done = false
		}
		if t.Status == TaskFailed {
			failed = true
		}
	}
	return done, failed
}
