package assets

import (
	"fmt"
	"sort"
	"strings"
)

// BuildDependencyGraph derives dependency edges from asset categories:
// the bassline requires its chords, bass samples require the bassline, and
// drum samples performance-depend on the drum pattern. Ambience has none.
func BuildDependencyGraph(assets []Asset) []AssetDependency {
	var bassline, chords, drumPattern string
	for _, a := range assets {
		switch a.Category {
		case CategoryBassline:
			if bassline == "" {
				bassline = a.URL
			}
		case CategoryChords:
			if chords == "" {
				chords = a.URL
			}
		case CategoryDrumPattern:
			if drumPattern == "" {
				drumPattern = a.URL
			}
		}
	}

	var deps []AssetDependency
	for _, a := range assets {
		switch a.Category {
		case CategoryBassline:
			if chords != "" && a.URL == bassline {
				deps = append(deps, AssetDependency{AssetURL: a.URL, DependsOn: []string{chords}, Type: DependencyRequired})
			}
		case CategoryBassSample:
			if bassline != "" {
				deps = append(deps, AssetDependency{AssetURL: a.URL, DependsOn: []string{bassline}, Type: DependencyRequired})
			}
		case CategoryDrumSample:
			if drumPattern != "" {
				deps = append(deps, AssetDependency{AssetURL: a.URL, DependsOn: []string{drumPattern}, Type: DependencyPerformance})
			}
		}
	}
	return deps
}

// adjacency maps each asset URL to the sorted, de-duplicated URLs it depends on
func adjacency(deps []AssetDependency) map[string][]string {
	adj := make(map[string][]string)
	for _, d := range deps {
		adj[d.AssetURL] = append(adj[d.AssetURL], d.DependsOn...)
		for _, target := range d.DependsOn {
			if _, ok := adj[target]; !ok {
				adj[target] = nil
			}
		}
	}
	for node, targets := range adj {
		sort.Strings(targets)
		unique := targets[:0]
		for i, t := range targets {
			if i == 0 || t != targets[i-1] {
				unique = append(unique, t)
			}
		}
		adj[node] = unique
	}
	return adj
}

const (
	unvisited = iota
	inProgress
	done
)

type dfsFrame struct {
	node string
	next int
}

// DetectCycles reports every cycle reachable in the dependency graph. Each
// cycle is listed once, rotated to start at its lexically smallest URL.
// Traversal uses an explicit stack so deep graphs cannot exhaust the
// goroutine stack.
func DetectCycles(deps []AssetDependency) [][]string {
	adj := adjacency(deps)
	nodes := make([]string, 0, len(adj))
	for node := range adj {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	state := make(map[string]int, len(adj))
	seen := make(map[string]bool)
	var cycles [][]string

	for _, start := range nodes {
		if state[start] != unvisited {
			continue
		}
		stack := []dfsFrame{{node: start}}
		state[start] = inProgress

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := adj[top.node]
			if top.next >= len(edges) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}
			next := edges[top.next]
			top.next++

			switch state[next] {
			case unvisited:
				state[next] = inProgress
				stack = append(stack, dfsFrame{node: next})
			case inProgress:
				cycle := cycleFrom(stack, next)
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}
	}
	return cycles
}

// cycleFrom extracts the in-progress path from target to the top of stack
func cycleFrom(stack []dfsFrame, target string) []string {
	var cycle []string
	for i := len(stack) - 1; i >= 0; i-- {
		cycle = append(cycle, stack[i].node)
		if stack[i].node == target {
			break
		}
	}
	// stack order is dependent -> dependency; reverse the collected tail
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}

	smallest := 0
	for i, node := range cycle {
		if node < cycle[smallest] {
			smallest = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[smallest:]...)
	return append(rotated, cycle[:smallest]...)
}

// TopologicalOrder orders urls so every dependency precedes its dependents.
// Edges to URLs outside the set are ignored. Ties keep the input order.
func TopologicalOrder(urls []string, deps []AssetDependency) ([]string, error) {
	index := make(map[string]int, len(urls))
	for i, u := range urls {
		if _, dup := index[u]; !dup {
			index[u] = i
		}
	}

	inDegree := make(map[string]int, len(index))
	dependents := make(map[string][]string)
	for u := range index {
		inDegree[u] = 0
	}
	for node, targets := range adjacency(deps) {
		if _, ok := index[node]; !ok {
			continue
		}
		for _, target := range targets {
			if _, ok := index[target]; !ok {
				continue
			}
			inDegree[node]++
			dependents[target] = append(dependents[target], node)
		}
	}

	var ready []string
	for u, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, u)
		}
	}

	order := make([]string, 0, len(index))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(index) {
		return order, fmt.Errorf("%w: %d of %d assets could not be ordered", ErrDependencyCycle, len(index)-len(order), len(index))
	}
	return order, nil
}

// ValidateDependencies checks the graph against the asset list: dangling and
// self edges, and every cycle. Cycles are reported, never broken.
func ValidateDependencies(assets []Asset, deps []AssetDependency) []ValidationIssue {
	known := make(map[string]bool, len(assets))
	for _, a := range assets {
		known[a.URL] = true
	}

	var issues []ValidationIssue
	for _, d := range deps {
		if !known[d.AssetURL] {
			issues = append(issues, ValidationIssue{
				Code:     IssueDanglingDependency,
				Message:  "dependency declared for an asset that is not in the manifest",
				Severity: SeverityError,
				AssetURL: d.AssetURL,
			})
		}
		for _, target := range d.DependsOn {
			switch {
			case target == d.AssetURL:
				issues = append(issues, ValidationIssue{
					Code:     IssueSelfDependency,
					Message:  "asset depends on itself",
					Severity: SeverityError,
					AssetURL: d.AssetURL,
				})
			case !known[target]:
				issues = append(issues, ValidationIssue{
					Code:     IssueDanglingDependency,
					Message:  fmt.Sprintf("depends on %s which is not in the manifest", target),
					Severity: SeverityError,
					AssetURL: d.AssetURL,
				})
			}
		}
	}

	for _, cycle := range DetectCycles(deps) {
		if len(cycle) == 1 {
			continue // already reported as a self dependency
		}
		issues = append(issues, ValidationIssue{
			Code:     IssueDependencyCycle,
			Message:  strings.Join(cycle, " -> ") + " -> " + cycle[0],
			Severity: SeverityError,
			AssetURL: cycle[0],
		})
	}
	return issues
}
