// Package scheduler runs the control loop that moves tasks from the ready
// set onto agents. One goroutine owns scheduling decisions; executions run
// in parallel workers. Resources are debited on launch and credited exactly
// once on the terminal transition.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"skillforge/internal/config"
	"skillforge/internal/graph"
	"skillforge/internal/logging"
	"skillforge/internal/priority"
	"skillforge/internal/registry"
	"skillforge/internal/types"
)

var (
	// ErrUnknownTask is returned by Cancel/Status for unknown ids.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNoAgent is returned when no agent fits a task.
	ErrNoAgent = errors.New("no suitable agent")
)

// Healer receives capability failures for the self-building pipeline.
type Healer interface {
	NotifyFailure(task *types.Task, rec *types.FailureRecord)
}

// Stats is a snapshot of scheduler metrics.
type Stats struct {
	Ticks                int64     `json:"ticks"`
	TasksLaunched        int64     `json:"tasks_launched"`
	TasksCompleted       int64     `json:"tasks_completed"`
	TasksFailed          int64     `json:"tasks_failed"`
	TasksRetried         int64     `json:"tasks_retried"`
	TasksCancelled       int64     `json:"tasks_cancelled"`
	TasksPaused          int64     `json:"tasks_paused"`
	RunningNow           int       `json:"running_now"`
	QueueDepth           int       `json:"queue_depth"`
	Agents               int       `json:"agents"`
	SchedulingEfficiency float64   `json:"scheduling_efficiency"`
	LoadBalanceScore     float64   `json:"load_balance_score"`
	LastBalance          time.Time `json:"last_balance,omitempty"`
}

// runningTask tracks one in-flight execution.
type runningTask struct {
	task    *types.Task
	agent   *types.AgentNode
	req     types.ResourceRequirements
	cancel  context.CancelFunc
	started time.Time
}

// Scheduler owns the control loop.
type Scheduler struct {
	mu sync.Mutex

	cfg   config.SchedulerConfig
	graph *graph.Graph
	queue *priority.Engine
	reg   *registry.Registry

	agents  map[string]*types.AgentNode
	running map[string]*runningTask
	paused  map[string]bool

	healer Healer

	group   *errgroup.Group
	loopCtx context.Context
	stop    context.CancelFunc
	doneCh  chan struct{}
	started bool

	stats Stats

	// now and afterFunc are swappable for tests.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New wires a scheduler against the graph, the queue, and the registry.
func New(cfg config.SchedulerConfig, g *graph.Graph, q *priority.Engine, reg *registry.Registry) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.BalanceEvery <= 0 {
		cfg.BalanceEvery = 6
	}
	group := &errgroup.Group{}
	group.SetLimit(cfg.MaxConcurrent + 1)
	return &Scheduler{
		cfg:       cfg,
		graph:     g,
		queue:     q,
		reg:       reg,
		agents:    make(map[string]*types.AgentNode),
		running:   make(map[string]*runningTask),
		paused:    make(map[string]bool),
		group:     group,
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// SetHealer attaches the capability-failure consumer.
func (s *Scheduler) SetHealer(h Healer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healer = h
}

// Start launches the control loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCtx = loopCtx
	s.stop = cancel
	s.doneCh = make(chan struct{})

	go s.loop(loopCtx)
	logging.Scheduler("Scheduler started (tick %v, cap %d)", s.cfg.Tick, s.cfg.MaxConcurrent)
	return nil
}

// Stop halts the loop and waits for in-flight executions to finish their
// cancellation handling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	done := s.doneCh
	for _, rt := range s.running {
		rt.cancel()
	}
	s.mu.Unlock()

	stop()
	<-done
	_ = s.group.Wait()
	logging.Scheduler("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Schedule admits a task: it joins the graph if absent, transitions
// pending → queued, and enters the priority queue.
func (s *Scheduler) Schedule(task *types.Task) error {
	if _, ok := s.graph.Task(task.ID); !ok {
		if err := s.graph.AddTask(task); err != nil {
			return err
		}
	}
	if task.State == types.TaskPending {
		if err := task.Transition(types.TaskQueued, "scheduled"); err != nil {
			return err
		}
	}
	s.queue.Add(task)

	logging.SchedulerDebug("Scheduled task %s (%s)", task.ID, task.Description)
	logging.Audit().LogEvent(logging.AuditTaskScheduled, task.ID, true, task.Description)
	return nil
}

// AddAgent registers an execution location.
func (s *Scheduler) AddAgent(agent *types.AgentNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	logging.Scheduler("Agent %s added (%d cores, %d MB)", agent.ID, agent.Total.CPUCores, agent.Total.MemoryMB)
}

// RemoveAgent withdraws an agent. Agents with active tasks are refused.
func (s *Scheduler) RemoveAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent %s", id)
	}
	if agent.ActiveCount() > 0 {
		return fmt.Errorf("agent %s has %d active tasks", id, agent.ActiveCount())
	}
	delete(s.agents, id)
	return nil
}

// Status returns the current task record.
func (s *Scheduler) Status(id string) (*types.Task, error) {
	task, ok := s.graph.Task(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return task, nil
}

// Tick runs one scheduling pass. Exported so tests and callers can drive
// the loop directly.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	s.stats.Ticks++
	tick := s.stats.Ticks
	s.mu.Unlock()

	s.resumePaused()
	s.dispatch(ctx)
	s.applyBackpressure()

	if tick%int64(s.cfg.BalanceEvery) == 0 {
		s.balance()
	}
}

// dispatch launches ready tasks onto agents until the concurrency cap.
func (s *Scheduler) dispatch(ctx context.Context) {
	ready := make(map[string]bool)
	for _, id := range s.graph.Ready(nil) {
		ready[id] = true
	}

	var skipped []*types.Task
	for {
		s.mu.Lock()
		capacity := s.cfg.MaxConcurrent - len(s.running)
		s.mu.Unlock()
		if capacity <= 0 {
			break
		}

		task := s.queue.Pop()
		if task == nil {
			break
		}
		if !ready[task.ID] {
			// Hard deps outstanding; back to the queue.
			skipped = append(skipped, task)
			continue
		}
		if err := s.launch(ctx, task); err != nil {
			logging.SchedulerDebug("Cannot launch %s: %v", task.ID, err)
			skipped = append(skipped, task)
		}
	}

	for _, task := range skipped {
		s.queue.Add(task)
	}
}

// selectAgent scores every capable agent and returns the best fit.
func (s *Scheduler) selectAgent(task *types.Task) *types.AgentNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := types.SkillKindUser
	if entry, ok := s.reg.Get(task.SkillName); ok {
		kind = entry.Skill.Kind
	}

	type candidate struct {
		agent  *types.AgentNode
		fit    float64
		active int
	}
	var candidates []candidate

	for _, agent := range s.agents {
		if agent.ActiveCount() >= agent.MaxConcurrent {
			continue
		}
		if !agent.CanExecute(kind) {
			continue
		}
		if !agent.Snapshot().CanFit(task.Requirements) {
			continue
		}

		fit := 50.0
		if agent.CanExecute(kind) {
			fit += 24
		}
		if spec, ok := agent.Specialization[string(kind)]; ok {
			fit += 20 * spec
		}
		fit += 10 * (1 - agent.Utilization())
		if fit > 100 {
			fit = 100
		}
		candidates = append(candidates, candidate{agent, fit, agent.ActiveCount()})
	}

	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].fit != candidates[j].fit {
			return candidates[i].fit > candidates[j].fit
		}
		if candidates[i].active != candidates[j].active {
			return candidates[i].active < candidates[j].active
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})
	return candidates[0].agent
}

// Stats snapshots the metrics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.RunningNow = len(s.running)
	st.QueueDepth = s.queue.Len()
	st.Agents = len(s.agents)
	if st.TasksLaunched > 0 {
		st.SchedulingEfficiency = float64(st.TasksCompleted) / float64(st.TasksLaunched)
	}
	return st
}

// balance refreshes the priority engine's system context and the
// load-balance score from the live agent pools.
func (s *Scheduler) balance() {
	s.mu.Lock()
	agents := make([]*types.AgentNode, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	sysCtx := priority.SystemContext{SpecialAvailable: make(map[string]int)}
	var utils []float64
	for _, a := range agents {
		snap := a.Snapshot()
		sysCtx.CPUAvailable += snap.CPUCores
		sysCtx.CPUTotal += a.Total.CPUCores
		sysCtx.MemoryAvailableMB += snap.MemoryMB
		sysCtx.MemoryTotalMB += a.Total.MemoryMB
		for name, n := range snap.Special {
			sysCtx.SpecialAvailable[name] += n
		}
		utils = append(utils, a.Utilization())
	}
	if sysCtx.CPUTotal > 0 {
		sysCtx.SystemLoad = 1 - float64(sysCtx.CPUAvailable)/float64(sysCtx.CPUTotal)
	}

	s.queue.UpdateContext(sysCtx)

	// Load balance: 1 when utilisation is even, degrading with spread.
	score := 1.0
	if len(utils) > 1 {
		mean := 0.0
		for _, u := range utils {
			mean += u
		}
		mean /= float64(len(utils))
		variance := 0.0
		for _, u := range utils {
			variance += (u - mean) * (u - mean)
		}
		variance /= float64(len(utils))
		score = 1 - variance*4
		if score < 0 {
			score = 0
		}
	}

	s.mu.Lock()
	s.stats.LoadBalanceScore = score
	s.stats.LastBalance = s.now()
	s.mu.Unlock()

	logging.SchedulerDebug("Balance pass: load %.2f, balance score %.2f", sysCtx.SystemLoad, score)
}

// applyBackpressure pauses the lowest-priority queued tasks when the queue
// exceeds the soft limit.
func (s *Scheduler) applyBackpressure() {
	excess := s.queue.Len() - s.cfg.QueueSoftLimit
	if excess <= 0 {
		return
	}

	for _, id := range s.queue.LowestScored(excess) {
		task, ok := s.graph.Task(id)
		if !ok {
			continue
		}
		if !s.queue.Remove(id) {
			continue
		}
		if err := task.Transition(types.TaskPaused, "queue_backpressure"); err != nil {
			s.queue.Add(task)
			continue
		}
		s.mu.Lock()
		s.paused[id] = true
		s.stats.TasksPaused++
		s.mu.Unlock()
		logging.Scheduler("Paused task %s under backpressure", id)
	}
}

// resumePaused returns backpressured tasks to the queue while it has room.
func (s *Scheduler) resumePaused() {
	s.mu.Lock()
	var ids []string
	for id := range s.paused {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	for _, id := range ids {
		if s.queue.Len() >= s.cfg.QueueSoftLimit {
			return
		}
		task, ok := s.graph.Task(id)
		if !ok || task.State != types.TaskPaused {
			s.mu.Lock()
			delete(s.paused, id)
			s.mu.Unlock()
			continue
		}
		if err := task.Transition(types.TaskQueued, "backpressure_relieved"); err != nil {
			continue
		}
		s.mu.Lock()
		delete(s.paused, id)
		s.mu.Unlock()
		s.queue.Add(task)
	}
}
