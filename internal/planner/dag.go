package planner

import (
	"fmt"
	"strings"
)

// validateDAG checks the task dependency graph with Kahn's algorithm and
// returns a topological order. On cycle detection it reports the cycle path
// found via DFS.
func validateDAG(taskIDs []string, dependsOn map[string][]string) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	idSet := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		idSet[id] = true
	}

	for id, deps := range dependsOn {
		for _, dep := range deps {
			if dep == id {
				return nil, fmt.Errorf("task %q depends on itself", id)
			}
			if !idSet[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
		}
	}

	// In-degree map plus forward adjacency (dependency → dependent).
	inDegree := make(map[string]int, len(taskIDs))
	forward := make(map[string][]string)
	for _, id := range taskIDs {
		inDegree[id] = 0
	}
	for id, deps := range dependsOn {
		for _, dep := range deps {
			inDegree[id]++
			forward[dep] = append(forward[dep], id)
		}
	}

	var queue []string
	for _, id := range taskIDs {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, dependent := range forward[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(taskIDs) {
		return sorted, nil
	}

	cyclePath := findCyclePath(taskIDs, dependsOn, inDegree)
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cyclePath, " -> "))
}

// findCyclePath locates a cycle among nodes left with non-zero in-degree.
func findCyclePath(taskIDs []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range taskIDs {
		if inDegree[id] > 0 && color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}

	return []string{"(cycle detected)"}
}
