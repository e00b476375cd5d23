// Package graph maintains the in-memory DAG of tasks. It computes the ready
// set, topological order, parallel execution layers, and advisory resource
// conflicts. The graph is a DAG by construction: every edge insert tests
// reachability before committing, and the task table plus both adjacency
// maps are updated together or not at all.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

var (
	// ErrTaskNotFound is returned when an edge references a missing task.
	ErrTaskNotFound = errors.New("task not found in graph")
	// ErrCycle is returned when an edge insert would close a cycle.
	ErrCycle = errors.New("edge would create a cycle")
	// ErrEdgeNotFound is returned for unknown edge ids.
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrDuplicateTask is returned when a task id is added twice.
	ErrDuplicateTask = errors.New("task already in graph")
)

// Edge is a directed producer → consumer dependency.
type Edge struct {
	ID          string
	Producer    string
	Consumer    string
	Kind        types.DependencyKind
	Condition   types.ConditionFunc
	Satisfied   bool
	SatisfiedAt time.Time
}

// Graph is the task dependency DAG. All mutation happens under one mutex;
// readers see a consistent snapshot.
type Graph struct {
	mu sync.RWMutex

	tasks map[string]*types.Task
	edges map[string]*Edge

	// forward maps producer → consumer edge ids, reverse the opposite.
	forward map[string]map[string]bool
	reverse map[string]map[string]bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		tasks:   make(map[string]*types.Task),
		edges:   make(map[string]*Edge),
		forward: make(map[string]map[string]bool),
		reverse: make(map[string]map[string]bool),
	}
}

// AddTask registers a task node.
func (g *Graph) AddTask(t *types.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	g.tasks[t.ID] = t
	g.forward[t.ID] = make(map[string]bool)
	g.reverse[t.ID] = make(map[string]bool)

	logging.GraphDebug("Added task %s (%s)", t.ID, t.Description)
	return nil
}

// Task returns a task by id.
func (g *Graph) Task(id string) (*types.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all task ids.
func (g *Graph) Tasks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddEdge inserts a producer → consumer edge of the given kind. The insert
// is rejected without mutation if either endpoint is missing or if the
// consumer can already reach the producer.
func (g *Graph) AddEdge(producer, consumer string, kind types.DependencyKind, cond types.ConditionFunc) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[producer]; !ok {
		return "", fmt.Errorf("%w: producer %s", ErrTaskNotFound, producer)
	}
	if _, ok := g.tasks[consumer]; !ok {
		return "", fmt.Errorf("%w: consumer %s", ErrTaskNotFound, consumer)
	}
	if producer == consumer {
		return "", fmt.Errorf("%w: self edge on %s", ErrCycle, producer)
	}

	// Reachability test on the untouched graph: if consumer already reaches
	// producer, this edge closes a cycle.
	if g.reachableLocked(consumer, producer) {
		logging.GraphDebug("Rejected edge %s -> %s: cycle", producer, consumer)
		return "", fmt.Errorf("%w: %s -> %s", ErrCycle, producer, consumer)
	}

	edge := &Edge{
		ID:        uuid.NewString(),
		Producer:  producer,
		Consumer:  consumer,
		Kind:      kind,
		Condition: cond,
	}
	g.edges[edge.ID] = edge
	g.forward[producer][edge.ID] = true
	g.reverse[consumer][edge.ID] = true

	// Mirror onto the task records so callers holding a task see its edges.
	consumerTask := g.tasks[consumer]
	consumerTask.Dependencies = append(consumerTask.Dependencies, &types.Dependency{
		ID:           edge.ID,
		TargetTaskID: producer,
		Kind:         kind,
		Condition:    cond,
	})
	producerTask := g.tasks[producer]
	producerTask.Dependents = append(producerTask.Dependents, consumer)

	logging.GraphDebug("Added edge %s -> %s (%s)", producer, consumer, kind)
	return edge.ID, nil
}

// RemoveEdge deletes an edge by id.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge, ok := g.edges[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}

	delete(g.edges, id)
	delete(g.forward[edge.Producer], id)
	delete(g.reverse[edge.Consumer], id)

	consumer := g.tasks[edge.Consumer]
	for i, d := range consumer.Dependencies {
		if d.ID == id {
			consumer.Dependencies = append(consumer.Dependencies[:i], consumer.Dependencies[i+1:]...)
			break
		}
	}
	producer := g.tasks[edge.Producer]
	for i, dep := range producer.Dependents {
		if dep == edge.Consumer {
			producer.Dependents = append(producer.Dependents[:i], producer.Dependents[i+1:]...)
			break
		}
	}
	return nil
}

// reachableLocked reports whether `to` is reachable from `from` along
// forward edges. Caller holds the lock.
func (g *Graph) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	stack := []string{from}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for edgeID := range g.forward[node] {
			next := g.edges[edgeID].Consumer
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// hardDepsSatisfiedLocked reports whether every hard dependency of the task
// points at a completed producer.
func (g *Graph) hardDepsSatisfiedLocked(id string) bool {
	for edgeID := range g.reverse[id] {
		edge := g.edges[edgeID]
		if edge.Kind != types.DependencyHard {
			continue
		}
		producer, ok := g.tasks[edge.Producer]
		if !ok || producer.State != types.TaskCompleted {
			return false
		}
	}
	return true
}

// isReadyLocked applies the readiness predicate.
func (g *Graph) isReadyLocked(t *types.Task, now time.Time) bool {
	switch t.State {
	case types.TaskQueued, types.TaskReady, types.TaskRetry:
	default:
		return false
	}
	if !t.CanExecuteNow(now) {
		return false
	}
	return g.hardDepsSatisfiedLocked(t.ID)
}

// Ready returns the ids of tasks in scope whose hard dependencies are
// satisfied and whose earliest start is past. A nil scope means the whole
// graph.
func (g *Graph) Ready(scope []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now()
	var ready []string
	for _, id := range g.scopeLocked(scope) {
		t := g.tasks[id]
		if t != nil && g.isReadyLocked(t, now) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// scopeLocked normalises a scope to existing task ids.
func (g *Graph) scopeLocked(scope []string) []string {
	if scope == nil {
		ids := make([]string, 0, len(g.tasks))
		for id := range g.tasks {
			ids = append(ids, id)
		}
		return ids
	}
	ids := make([]string, 0, len(scope))
	for _, id := range scope {
		if _, ok := g.tasks[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkCompleted flips satisfaction flags on the producer's outbound edges
// whose kind admits the completed state, then returns the consumers that
// just became ready. The flag flip and the delta computation happen under
// one lock so a consumer that observes the completed producer will see
// itself in the next Ready query.
func (g *Graph) MarkCompleted(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	now := time.Now()

	// Snapshot readiness of downstream consumers before the flip.
	wasReady := make(map[string]bool)
	for edgeID := range g.forward[id] {
		consumer := g.tasks[g.edges[edgeID].Consumer]
		if consumer != nil {
			wasReady[consumer.ID] = g.isReadyLocked(consumer, now)
		}
	}

	for edgeID := range g.forward[id] {
		edge := g.edges[edgeID]
		if edge.Satisfied {
			continue
		}
		satisfied := false
		switch edge.Kind {
		case types.DependencyHard, types.DependencySoft, types.DependencyTime:
			satisfied = t.State == types.TaskCompleted
		case types.DependencyConditional:
			satisfied = t.State == types.TaskCompleted &&
				(edge.Condition == nil || edge.Condition(t.Result))
		case types.DependencyResource:
			// Advisory only; never gates.
			satisfied = true
		}
		if satisfied {
			edge.Satisfied = true
			edge.SatisfiedAt = now
			if consumer, ok := g.tasks[edge.Consumer]; ok {
				for _, d := range consumer.Dependencies {
					if d.ID == edge.ID {
						d.Satisfied = true
						d.SatisfiedAt = now
					}
				}
			}
		}
	}

	var newlyReady []string
	for consumerID, before := range wasReady {
		if !before && g.isReadyLocked(g.tasks[consumerID], now) {
			newlyReady = append(newlyReady, consumerID)
		}
	}
	sort.Strings(newlyReady)

	logging.GraphDebug("MarkCompleted %s: %d newly ready", id, len(newlyReady))
	return newlyReady, nil
}
