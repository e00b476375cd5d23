package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"skillforge/internal/config"
	"skillforge/internal/graph"
	"skillforge/internal/priority"
	"skillforge/internal/registry"
	"skillforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type capturedFailure struct {
	task *types.Task
	rec  *types.FailureRecord
}

type fakeHealer struct {
	mu       sync.Mutex
	failures []capturedFailure
}

func (h *fakeHealer) NotifyFailure(task *types.Task, rec *types.FailureRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, capturedFailure{task, rec})
}

func (h *fakeHealer) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failures)
}

type fixture struct {
	sched *Scheduler
	graph *graph.Graph
	queue *priority.Engine
	reg   *registry.Registry
	agent *types.AgentNode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New()
	registerSkill(t, reg, "echo", func(ctx context.Context, request string, _ map[string]interface{}) (*types.SkillResult, error) {
		return &types.SkillResult{Success: true, Result: map[string]interface{}{"echo": request}}, nil
	})
	registerSkill(t, reg, "boom", func(ctx context.Context, request string, _ map[string]interface{}) (*types.SkillResult, error) {
		return nil, errors.New("skill exploded")
	})
	registerSkill(t, reg, "slow", func(ctx context.Context, request string, _ map[string]interface{}) (*types.SkillResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	g := graph.New()
	pcfg := config.DefaultPriorityConfig()
	q := priority.NewEngine(pcfg, priority.NewScorer(pcfg.Weights, config.DefaultBusinessRules(), reg.Perf))

	cfg := config.DefaultSchedulerConfig()
	cfg.Tick = time.Hour // Ticks are driven by the tests.
	cfg.MaxConcurrent = 4
	cfg.QueueSoftLimit = 100
	cfg.CancelGracePeriod = 10 * time.Millisecond

	s := New(cfg, g, q, reg)
	agent := types.NewAgentNode("agent-1", types.ResourcePool{CPUCores: 8, MemoryMB: 8192}, 8)
	s.AddAgent(agent)

	return &fixture{sched: s, graph: g, queue: q, reg: reg, agent: agent}
}

func registerSkill(t *testing.T, reg *registry.Registry, name string, handle types.SkillHandle) {
	t.Helper()
	if err := reg.Register(&types.Skill{Name: name, Kind: types.SkillKindUser, Handle: handle}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(name); err != nil {
		t.Fatal(err)
	}
}

func newSkillTask(skill, request string) *types.Task {
	task := types.NewTask(request)
	task.SkillName = skill
	task.Request = request
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleCompleteReleasesResources(t *testing.T) {
	f := newFixture(t)
	task := newSkillTask("echo", "hello")

	if err := f.sched.Schedule(task); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if task.State != types.TaskQueued {
		t.Fatalf("state = %s, want queued", task.State)
	}

	f.sched.Tick(context.Background())
	waitFor(t, "completion", func() bool { return task.State == types.TaskCompleted })

	if task.Metrics.CompletionTime == nil || task.Metrics.ActualStartTime == nil {
		t.Error("completion metrics not stamped")
	}
	if task.Result["echo"] != "hello" {
		t.Errorf("result = %v", task.Result)
	}
	if task.AssignedAgent != "agent-1" {
		t.Errorf("assigned agent = %s", task.AssignedAgent)
	}

	// Allocated equals deallocated.
	snap := f.agent.Snapshot()
	if snap.CPUCores != 8 || snap.MemoryMB != 8192 {
		t.Errorf("agent pool not restored: %+v", snap)
	}

	st := f.sched.Stats()
	if st.TasksLaunched != 1 || st.TasksCompleted != 1 {
		t.Errorf("stats = %+v", st)
	}

	ratio, _, ok := f.reg.Perf("echo")
	if !ok || ratio != 1.0 {
		t.Errorf("skill perf = %v %v, want recorded success", ratio, ok)
	}
}

func TestHardDependencyGatesDispatch(t *testing.T) {
	f := newFixture(t)

	producer := newSkillTask("echo", "first")
	consumer := newSkillTask("echo", "second")
	if err := f.sched.Schedule(producer); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Schedule(consumer); err != nil {
		t.Fatal(err)
	}
	if _, err := f.graph.AddEdge(producer.ID, consumer.ID, types.DependencyHard, nil); err != nil {
		t.Fatal(err)
	}

	f.sched.Tick(context.Background())
	waitFor(t, "producer completion", func() bool { return producer.State == types.TaskCompleted })
	if consumer.State == types.TaskRunning || consumer.State == types.TaskCompleted {
		t.Fatalf("consumer ran before producer completed: %s", consumer.State)
	}

	// The completion pipeline re-queued the consumer; the next tick runs it.
	f.sched.Tick(context.Background())
	waitFor(t, "consumer completion", func() bool { return consumer.State == types.TaskCompleted })
}

func TestFailureRetriesThenExhausts(t *testing.T) {
	f := newFixture(t)
	healer := &fakeHealer{}
	f.sched.SetHealer(healer)

	task := newSkillTask("boom", "try it")
	task.Constraints.RetryLimit = 2
	task.Constraints.RetryDelay = 10 * time.Millisecond

	if err := f.sched.Schedule(task); err != nil {
		t.Fatal(err)
	}

	f.sched.Tick(context.Background())
	waitFor(t, "first failure and requeue", func() bool {
		return task.State == types.TaskQueued && task.Metrics.RetryCount == 1
	})

	f.sched.Tick(context.Background())
	waitFor(t, "second failure", func() bool {
		return task.State == types.TaskFailed && task.Metrics.RetryCount == 2
	})

	// Retry budget exhausted; the task stays failed.
	time.Sleep(50 * time.Millisecond)
	if task.State != types.TaskFailed {
		t.Errorf("state = %s, want failed permanently", task.State)
	}
	if task.Metrics.LastError == "" {
		t.Error("last error not recorded")
	}

	waitFor(t, "healer notifications", func() bool { return healer.count() == 2 })
	healer.mu.Lock()
	rec := healer.failures[0].rec
	healer.mu.Unlock()
	if rec.Kind != types.FailureKindCapability {
		t.Errorf("failure kind = %s, want capability", rec.Kind)
	}

	snap := f.agent.Snapshot()
	if snap.CPUCores != 8 || snap.MemoryMB != 8192 {
		t.Errorf("agent pool not restored after failures: %+v", snap)
	}
}

func TestTimeoutFailureReachesHealer(t *testing.T) {
	f := newFixture(t)
	healer := &fakeHealer{}
	f.sched.SetHealer(healer)

	task := newSkillTask("slow", "never finishes")
	task.Constraints.Timeout = 30 * time.Millisecond
	task.Constraints.RetryLimit = 0

	if err := f.sched.Schedule(task); err != nil {
		t.Fatal(err)
	}
	f.sched.Tick(context.Background())
	waitFor(t, "timeout failure", func() bool { return task.State == types.TaskFailed })
	waitFor(t, "healer notification", func() bool { return healer.count() == 1 })

	healer.mu.Lock()
	rec := healer.failures[0].rec
	healer.mu.Unlock()
	if rec.Classification != types.FailureTimeout {
		t.Errorf("classification = %s, want timeout", rec.Classification)
	}
	if rec.Kind != types.FailureKindTransient {
		t.Errorf("failure kind = %s, want transient", rec.Kind)
	}
	if classify(errors.New(task.Metrics.LastError)) != types.FailureTimeout {
		t.Errorf("last error %q not classified as timeout", task.Metrics.LastError)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t)
	task := newSkillTask("echo", "x")
	if err := f.sched.Schedule(task); err != nil {
		t.Fatal(err)
	}

	if err := f.sched.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if task.State != types.TaskCancelled {
		t.Errorf("state = %s, want cancelled", task.State)
	}
	if f.queue.Contains(task.ID) {
		t.Error("cancelled task still queued")
	}
	if err := f.sched.Cancel(task.ID); err == nil {
		t.Error("Cancel accepted a terminal task")
	}
	if err := f.sched.Cancel("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("error = %v, want ErrUnknownTask", err)
	}
}

func TestCancelRunningTaskReclaimsResources(t *testing.T) {
	f := newFixture(t)
	task := newSkillTask("slow", "spin")
	if err := f.sched.Schedule(task); err != nil {
		t.Fatal(err)
	}

	f.sched.Tick(context.Background())
	waitFor(t, "running", func() bool { return task.State == types.TaskRunning })

	if err := f.sched.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if task.State != types.TaskCancelled {
		t.Errorf("state = %s, want cancelled", task.State)
	}

	// Resources come back after the grace period.
	waitFor(t, "resource reclaim", func() bool {
		snap := f.agent.Snapshot()
		return snap.CPUCores == 8 && snap.MemoryMB == 8192
	})
}

func TestNoCapableAgentLeavesTaskQueued(t *testing.T) {
	f := newFixture(t)
	task := newSkillTask("echo", "greedy")
	task.Requirements.CPUCores = 64

	if err := f.sched.Schedule(task); err != nil {
		t.Fatal(err)
	}
	f.sched.Tick(context.Background())

	if task.State != types.TaskQueued {
		t.Errorf("state = %s, want queued", task.State)
	}
	if !f.queue.Contains(task.ID) {
		t.Error("unlaunchable task fell out of the queue")
	}
}

func TestBackpressurePausesAndResumes(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.QueueSoftLimit = 2

	// No agent can run these; they pile up in the queue.
	var tasks []*types.Task
	for _, importance := range []float64{90, 70, 20, 5} {
		task := newSkillTask("echo", "bulk")
		task.Requirements.CPUCores = 64
		task.Priority.ContextImportance = importance
		if err := f.sched.Schedule(task); err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}

	f.sched.Tick(context.Background())

	paused := 0
	for _, task := range tasks {
		if task.State == types.TaskPaused {
			paused++
		}
	}
	if paused != 2 {
		t.Fatalf("paused = %d, want 2", paused)
	}
	// The two weakest scores were the ones paused.
	if tasks[0].State == types.TaskPaused || tasks[1].State == types.TaskPaused {
		t.Error("high-priority task paused under backpressure")
	}

	// Relieve the pressure; paused tasks return to the queue.
	f.sched.cfg.QueueSoftLimit = 100
	f.sched.Tick(context.Background())
	for _, task := range tasks {
		if task.State == types.TaskPaused {
			t.Errorf("task still paused after pressure relief")
		}
	}
}

func TestAgentSelectionPrefersSpecialist(t *testing.T) {
	f := newFixture(t)

	specialist := types.NewAgentNode("specialist", types.ResourcePool{CPUCores: 8, MemoryMB: 8192}, 8)
	specialist.Specialization = map[string]float64{string(types.SkillKindUser): 1.0}
	f.sched.AddAgent(specialist)

	task := newSkillTask("echo", "pick me")
	if err := f.sched.Schedule(task); err != nil {
		t.Fatal(err)
	}
	f.sched.Tick(context.Background())
	waitFor(t, "completion", func() bool { return task.State == types.TaskCompleted })

	if task.AssignedAgent != "specialist" {
		t.Errorf("assigned agent = %s, want specialist", task.AssignedAgent)
	}
}

func TestRemoveAgentRefusesWhileBusy(t *testing.T) {
	f := newFixture(t)
	task := newSkillTask("slow", "hold")
	if err := f.sched.Schedule(task); err != nil {
		t.Fatal(err)
	}
	f.sched.Tick(context.Background())
	waitFor(t, "running", func() bool { return task.State == types.TaskRunning })

	if err := f.sched.RemoveAgent("agent-1"); err == nil {
		t.Error("RemoveAgent succeeded with active tasks")
	}

	if err := f.sched.Cancel(task.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reclaim", func() bool { return f.agent.ActiveCount() == 0 })
	if err := f.sched.RemoveAgent("agent-1"); err != nil {
		t.Errorf("RemoveAgent failed on idle agent: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	f.sched.Stop()
	f.sched.Stop() // Idempotent
}
