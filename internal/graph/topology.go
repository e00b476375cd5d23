package graph

import (
	"fmt"
	"sort"
)

// Order returns a valid topological order of the scoped tasks using Kahn's
// algorithm. Only edges whose both endpoints are in scope count. Ties are
// broken by effective priority score, highest first, then by id so the
// order is deterministic.
func (g *Graph) Order(scope []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.scopeLocked(scope)
	inScope := make(map[string]bool, len(ids))
	for _, id := range ids {
		inScope[id] = true
	}

	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, edge := range g.edges {
		if inScope[edge.Producer] && inScope[edge.Consumer] {
			indegree[edge.Consumer]++
		}
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(frontier) > 0 {
		g.sortByScoreLocked(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		for edgeID := range g.forward[next] {
			consumer := g.edges[edgeID].Consumer
			if !inScope[consumer] {
				continue
			}
			indegree[consumer]--
			if indegree[consumer] == 0 {
				frontier = append(frontier, consumer)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, fmt.Errorf("%w: %d of %d tasks unorderable", ErrCycle, len(ids)-len(order), len(ids))
	}
	return order, nil
}

// ParallelLayers partitions the scoped tasks into waves: layer N holds tasks
// whose scoped dependencies all live in layers < N, so each layer can run
// concurrently once the previous layers finish.
func (g *Graph) ParallelLayers(scope []string) ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.scopeLocked(scope)
	inScope := make(map[string]bool, len(ids))
	for _, id := range ids {
		inScope[id] = true
	}

	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, edge := range g.edges {
		if inScope[edge.Producer] && inScope[edge.Consumer] {
			indegree[edge.Consumer]++
		}
	}

	var layers [][]string
	remaining := len(ids)
	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		sort.Strings(frontier)
		layers = append(layers, frontier)
		remaining -= len(frontier)

		var next []string
		for _, id := range frontier {
			for edgeID := range g.forward[id] {
				consumer := g.edges[edgeID].Consumer
				if !inScope[consumer] {
					continue
				}
				indegree[consumer]--
				if indegree[consumer] == 0 {
					next = append(next, consumer)
				}
			}
		}
		frontier = next
	}

	if remaining != 0 {
		return nil, fmt.Errorf("%w: %d tasks unreachable from layer roots", ErrCycle, remaining)
	}
	return layers, nil
}

// ResourceConflicts buckets the scoped tasks under coarse resource keys:
// cpu_<cores>, memory_<mb>, special_<name>. Every key claimed by two or
// more tasks is reported; those tasks contend for the same resource class
// and should not be dispatched concurrently when it is exclusive.
func (g *Graph) ResourceConflicts(scope []string) map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.scopeLocked(scope)
	sort.Strings(ids)

	claims := make(map[string][]string)
	for _, id := range ids {
		req := g.tasks[id].Requirements
		if req.CPUCores > 0 {
			key := fmt.Sprintf("cpu_%d", req.CPUCores)
			claims[key] = append(claims[key], id)
		}
		if req.MemoryMB > 0 {
			key := fmt.Sprintf("memory_%d", req.MemoryMB)
			claims[key] = append(claims[key], id)
		}
		for name := range req.Special {
			key := "special_" + name
			claims[key] = append(claims[key], id)
		}
	}

	conflicts := make(map[string][]string)
	for key, members := range claims {
		if len(members) > 1 {
			conflicts[key] = members
		}
	}
	return conflicts
}

// DetectCycles returns the strongly connected components of size > 1.
// Inserts are cycle-checked so this normally returns nothing; it exists as
// a diagnostic for state recovered from disk.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var cycles [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for edgeID := range g.forward[v] {
			w := g.edges[edgeID].Consumer
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 {
				sort.Strings(component)
				cycles = append(cycles, component)
			}
		}
	}

	roots := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		roots = append(roots, id)
	}
	sort.Strings(roots)
	for _, id := range roots {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}
	return cycles
}

// sortByScoreLocked orders ids by effective priority score descending, then
// id ascending. Caller holds the lock.
func (g *Graph) sortByScoreLocked(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		si := g.tasks[ids[i]].Priority.EffectiveScore()
		sj := g.tasks[ids[j]].Priority.EffectiveScore()
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
}
