package graph

import (
	"errors"
	"testing"

	"skillforge/internal/types"
)

func addTask(t *testing.T, g *Graph, id string) *types.Task {
	t.Helper()
	task := types.NewTask("task " + id)
	task.ID = id
	task.State = types.TaskQueued
	if err := g.AddTask(task); err != nil {
		t.Fatalf("AddTask(%s) failed: %v", id, err)
	}
	return task
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := New()
	addTask(t, g, "a")
	addTask(t, g, "b")
	addTask(t, g, "c")

	if _, err := g.AddEdge("a", "b", types.DependencyHard, nil); err != nil {
		t.Fatalf("a->b failed: %v", err)
	}
	if _, err := g.AddEdge("b", "c", types.DependencyHard, nil); err != nil {
		t.Fatalf("b->c failed: %v", err)
	}

	// Closing the loop must be rejected without mutation.
	if _, err := g.AddEdge("c", "a", types.DependencyHard, nil); !errors.Is(err, ErrCycle) {
		t.Fatalf("c->a error = %v, want ErrCycle", err)
	}
	if _, err := g.AddEdge("a", "a", types.DependencyHard, nil); !errors.Is(err, ErrCycle) {
		t.Fatalf("self edge error = %v, want ErrCycle", err)
	}

	taskA, _ := g.Task("a")
	if len(taskA.Dependencies) != 0 {
		t.Errorf("rejected edge mutated task a: %d deps", len(taskA.Dependencies))
	}
	if cycles := g.DetectCycles(); len(cycles) != 0 {
		t.Errorf("DetectCycles = %v, want none", cycles)
	}
}

func TestAddEdgeUnknownTask(t *testing.T) {
	g := New()
	addTask(t, g, "a")

	if _, err := g.AddEdge("a", "ghost", types.DependencyHard, nil); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestReadyGatesOnHardDeps(t *testing.T) {
	g := New()
	producer := addTask(t, g, "producer")
	addTask(t, g, "consumer")
	addTask(t, g, "soft-consumer")

	if _, err := g.AddEdge("producer", "consumer", types.DependencyHard, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddEdge("producer", "soft-consumer", types.DependencySoft, nil); err != nil {
		t.Fatal(err)
	}

	ready := g.Ready(nil)
	want := []string{"producer", "soft-consumer"}
	if len(ready) != 2 || ready[0] != want[0] || ready[1] != want[1] {
		t.Errorf("Ready = %v, want %v", ready, want)
	}

	producer.State = types.TaskCompleted
	newly, err := g.MarkCompleted("producer")
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if len(newly) != 1 || newly[0] != "consumer" {
		t.Errorf("newly ready = %v, want [consumer]", newly)
	}

	consumer, _ := g.Task("consumer")
	if len(consumer.Dependencies) != 1 || !consumer.Dependencies[0].Satisfied {
		t.Errorf("hard dep not flagged satisfied: %+v", consumer.Dependencies)
	}
}

func TestMarkCompletedConditional(t *testing.T) {
	g := New()
	producer := addTask(t, g, "producer")
	addTask(t, g, "on-success")

	cond := func(result map[string]interface{}) bool {
		ok, _ := result["ok"].(bool)
		return ok
	}
	edgeID, err := g.AddEdge("producer", "on-success", types.DependencyConditional, cond)
	if err != nil {
		t.Fatal(err)
	}

	// Predicate false: the edge stays unsatisfied.
	producer.State = types.TaskCompleted
	producer.Result = map[string]interface{}{"ok": false}
	if _, err := g.MarkCompleted("producer"); err != nil {
		t.Fatal(err)
	}
	consumer, _ := g.Task("on-success")
	if consumer.Dependencies[0].Satisfied {
		t.Error("conditional edge satisfied despite false predicate")
	}

	producer.Result = map[string]interface{}{"ok": true}
	if _, err := g.MarkCompleted("producer"); err != nil {
		t.Fatal(err)
	}
	if !consumer.Dependencies[0].Satisfied {
		t.Error("conditional edge not satisfied after true predicate")
	}
	_ = edgeID
}

func TestRemoveEdge(t *testing.T) {
	g := New()
	addTask(t, g, "a")
	addTask(t, g, "b")

	id, err := g.AddEdge("a", "b", types.DependencyHard, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.RemoveEdge(id); err != nil {
		t.Fatalf("RemoveEdge failed: %v", err)
	}
	if err := g.RemoveEdge(id); !errors.Is(err, ErrEdgeNotFound) {
		t.Errorf("second remove error = %v, want ErrEdgeNotFound", err)
	}

	taskB, _ := g.Task("b")
	if len(taskB.Dependencies) != 0 {
		t.Errorf("consumer kept removed edge: %+v", taskB.Dependencies)
	}

	// With the edge gone, the old cycle-closing direction is legal.
	if _, err := g.AddEdge("b", "a", types.DependencyHard, nil); err != nil {
		t.Errorf("b->a after removal failed: %v", err)
	}
}

func TestOrderRespectsEdgesAndPriority(t *testing.T) {
	g := New()
	a := addTask(t, g, "a")
	b := addTask(t, g, "b")
	c := addTask(t, g, "c")
	addTask(t, g, "d")

	// a -> c, b -> c, c -> d; a and b are both roots.
	for _, pair := range [][2]string{{"a", "c"}, {"b", "c"}, {"c", "d"}} {
		if _, err := g.AddEdge(pair[0], pair[1], types.DependencyHard, nil); err != nil {
			t.Fatal(err)
		}
	}
	a.Priority.Score = 10
	b.Priority.Score = 90
	c.Priority.Score = 50

	order, err := g.Order(nil)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, pair := range [][2]string{{"a", "c"}, {"b", "c"}, {"c", "d"}} {
		if pos[pair[0]] >= pos[pair[1]] {
			t.Errorf("order %v violates %s -> %s", order, pair[0], pair[1])
		}
	}
	// Higher score wins among the free roots.
	if pos["b"] >= pos["a"] {
		t.Errorf("order %v: b (score 90) should precede a (score 10)", order)
	}
}

func TestParallelLayers(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		addTask(t, g, id)
	}
	// Diamond plus a free task: a -> b, a -> c, b -> d, c -> d; e is free.
	for _, pair := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if _, err := g.AddEdge(pair[0], pair[1], types.DependencyHard, nil); err != nil {
			t.Fatal(err)
		}
	}

	layers, err := g.ParallelLayers(nil)
	if err != nil {
		t.Fatalf("ParallelLayers failed: %v", err)
	}
	want := [][]string{{"a", "e"}, {"b", "c"}, {"d"}}
	if len(layers) != len(want) {
		t.Fatalf("layers = %v, want %v", layers, want)
	}
	for i := range want {
		if len(layers[i]) != len(want[i]) {
			t.Fatalf("layer %d = %v, want %v", i, layers[i], want[i])
		}
		for j := range want[i] {
			if layers[i][j] != want[i][j] {
				t.Errorf("layer %d = %v, want %v", i, layers[i], want[i])
			}
		}
	}
}

func TestResourceConflicts(t *testing.T) {
	g := New()
	a := addTask(t, g, "a")
	b := addTask(t, g, "b")
	c := addTask(t, g, "c")
	d := addTask(t, g, "d")
	e := addTask(t, g, "e")

	// Distinct cpu/memory claims except where the test wants contention.
	a.Requirements = types.ResourceRequirements{CPUCores: 2, MemoryMB: 100, Special: map[string]int{"gpu": 1}}
	b.Requirements = types.ResourceRequirements{CPUCores: 8, MemoryMB: 200, Special: map[string]int{"gpu": 1}}
	c.Requirements = types.ResourceRequirements{CPUCores: 4, MemoryMB: 300}
	d.Requirements = types.ResourceRequirements{CPUCores: 4, MemoryMB: 400}
	e.Requirements = types.ResourceRequirements{CPUCores: 1, MemoryMB: 500}

	conflicts := g.ResourceConflicts(nil)
	if len(conflicts) != 2 {
		t.Fatalf("conflicts = %v, want exactly special_gpu and cpu_4", conflicts)
	}
	if got := conflicts["special_gpu"]; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("special_gpu = %v, want [a b]", got)
	}
	if got := conflicts["cpu_4"]; len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Errorf("cpu_4 = %v, want [c d]", got)
	}
	if _, ok := conflicts["memory_500"]; ok {
		t.Error("single-claimant memory key reported as a conflict")
	}
}

func TestResourceConflictsScoped(t *testing.T) {
	g := New()
	x := addTask(t, g, "x")
	y := addTask(t, g, "y")
	z := addTask(t, g, "z")
	for _, task := range []*types.Task{x, y, z} {
		task.Requirements = types.ResourceRequirements{MemoryMB: 1024}
	}

	conflicts := g.ResourceConflicts([]string{"x", "y"})
	if got := conflicts["memory_1024"]; len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("memory_1024 = %v, want scoped [x y]", got)
	}
}

func TestScopedQueriesIgnoreOutsideEdges(t *testing.T) {
	g := New()
	addTask(t, g, "outside")
	addTask(t, g, "in1")
	addTask(t, g, "in2")

	// outside -> in1 must not count when the scope excludes it.
	for _, pair := range [][2]string{{"outside", "in1"}, {"in1", "in2"}} {
		if _, err := g.AddEdge(pair[0], pair[1], types.DependencyHard, nil); err != nil {
			t.Fatal(err)
		}
	}

	order, err := g.Order([]string{"in1", "in2"})
	if err != nil {
		t.Fatalf("scoped Order failed: %v", err)
	}
	if len(order) != 2 || order[0] != "in1" || order[1] != "in2" {
		t.Errorf("scoped order = %v, want [in1 in2]", order)
	}
}
