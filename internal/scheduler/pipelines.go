package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// launch allocates resources and starts the execution worker. The debit and
// the running transition happen together; failure of either leaves no
// partial allocation behind.
func (s *Scheduler) launch(ctx context.Context, task *types.Task) error {
	agent := s.selectAgent(task)
	if agent == nil {
		return fmt.Errorf("%w for task %s", ErrNoAgent, task.ID)
	}
	if err := agent.Allocate(task.ID, task.Requirements); err != nil {
		return err
	}

	if err := task.Transition(types.TaskRunning, "dispatched to "+agent.ID); err != nil {
		_ = agent.Release(task.ID, task.Requirements)
		return err
	}
	now := s.now()
	task.AssignedAgent = agent.ID
	task.Metrics.ActualStartTime = &now

	execCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{
		task:    task,
		agent:   agent,
		req:     task.Requirements,
		cancel:  cancel,
		started: now,
	}

	s.mu.Lock()
	s.running[task.ID] = rt
	s.stats.TasksLaunched++
	s.mu.Unlock()

	logging.Scheduler("Launched task %s on agent %s", task.ID, agent.ID)
	logging.Audit().LogEvent(logging.AuditTaskStarted, task.ID, true, agent.ID)

	started := s.group.TryGo(func() error {
		s.execute(execCtx, rt)
		return nil
	})
	if !started {
		// Worker pool saturated despite the concurrency check; unwind.
		s.mu.Lock()
		delete(s.running, task.ID)
		s.stats.TasksLaunched--
		s.mu.Unlock()
		cancel()
		_ = agent.Release(task.ID, task.Requirements)
		_ = task.Transition(types.TaskQueued, "worker pool saturated")
		return fmt.Errorf("worker pool saturated")
	}
	return nil
}

// execute runs the task's skill and routes the outcome into the completion
// or failure pipeline.
func (s *Scheduler) execute(ctx context.Context, rt *runningTask) {
	task := rt.task

	timeout := task.Constraints.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry, ok := s.reg.Get(task.SkillName)
	if !ok {
		s.fail(task, fmt.Errorf("skill %q not registered", task.SkillName), types.FailureKindCapability)
		return
	}
	if entry.Status != types.SkillActive {
		s.fail(task, fmt.Errorf("skill %q is %s, not active", task.SkillName, entry.Status), types.FailureKindCapability)
		return
	}

	skillCtx := map[string]interface{}{
		"task_id":         task.ID,
		"conversation_id": task.ConversationID,
	}
	result, err := entry.Skill.Handle(ctx, task.Request, skillCtx)

	switch {
	case ctx.Err() != nil && err != nil:
		if task.State == types.TaskCancelled {
			return // Cancel pipeline already settled the task.
		}
		s.fail(task, fmt.Errorf("timeout after %v", timeout), types.FailureKindTransient)
	case err != nil:
		s.fail(task, err, types.FailureKindCapability)
	case result != nil && !result.Success:
		s.fail(task, fmt.Errorf("skill reported failure: %s", result.Error), types.FailureKindCapability)
	default:
		var payload map[string]interface{}
		if result != nil {
			if m, ok := result.Result.(map[string]interface{}); ok {
				payload = m
			} else if result.Result != nil {
				payload = map[string]interface{}{"value": result.Result}
			}
		}
		s.complete(task, payload)
	}
}

// complete runs the completion pipeline.
func (s *Scheduler) complete(task *types.Task, result map[string]interface{}) {
	s.mu.Lock()
	rt, tracked := s.running[task.ID]
	delete(s.running, task.ID)
	s.mu.Unlock()
	if !tracked {
		return
	}

	now := s.now()
	task.Result = result
	if err := task.Transition(types.TaskCompleted, "execution succeeded"); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Completion transition failed for %s: %v", task.ID, err)
		return
	}
	task.Metrics.CompletionTime = &now
	if task.Metrics.ActualStartTime != nil {
		task.Metrics.ExecutionTime = now.Sub(*task.Metrics.ActualStartTime)
	}
	task.Metrics.SuccessHistory.Push(true)

	if err := rt.agent.Release(task.ID, rt.req); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Release after completion: %v", err)
	}
	s.reg.RecordExecution(task.SkillName, task.Metrics.ExecutionTime, true)

	s.mu.Lock()
	s.stats.TasksCompleted++
	s.mu.Unlock()

	newlyReady, err := s.graph.MarkCompleted(task.ID)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("MarkCompleted(%s): %v", task.ID, err)
	}
	for _, id := range newlyReady {
		if next, ok := s.graph.Task(id); ok {
			if s.queue.Contains(id) {
				s.queue.Update(next)
			} else {
				s.queue.Add(next)
			}
		}
	}

	logging.Scheduler("Task %s completed in %v (%d newly ready)", task.ID, task.Metrics.ExecutionTime, len(newlyReady))
	logging.Audit().Log(logging.AuditEvent{
		EventType:  logging.AuditTaskCompleted,
		Category:   string(logging.CategoryScheduler),
		SessionID:  task.ConversationID,
		Target:     task.ID,
		Success:    true,
		DurationMs: task.Metrics.ExecutionTime.Milliseconds(),
	})
}

// fail runs the failure pipeline: terminal bookkeeping, resource release,
// optional delayed retry, optional healing notification.
func (s *Scheduler) fail(task *types.Task, cause error, kind string) {
	s.mu.Lock()
	rt, tracked := s.running[task.ID]
	delete(s.running, task.ID)
	healer := s.healer
	s.mu.Unlock()
	if !tracked {
		return
	}

	now := s.now()
	if err := task.Transition(types.TaskFailed, cause.Error()); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failure transition for %s: %v", task.ID, err)
		return
	}
	task.Metrics.CompletionTime = &now
	if task.Metrics.ActualStartTime != nil {
		task.Metrics.ExecutionTime = now.Sub(*task.Metrics.ActualStartTime)
	}
	task.Metrics.LastError = cause.Error()
	task.Metrics.RetryCount++
	task.Metrics.SuccessHistory.Push(false)

	if err := rt.agent.Release(task.ID, rt.req); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Release after failure: %v", err)
	}
	s.reg.RecordExecution(task.SkillName, task.Metrics.ExecutionTime, false)

	s.mu.Lock()
	s.stats.TasksFailed++
	s.mu.Unlock()

	rec := &types.FailureRecord{
		Kind:           kind,
		Classification: classify(cause),
		Attempts:       task.Metrics.RetryCount,
		Message:        cause.Error(),
	}

	logging.Get(logging.CategoryScheduler).Error("Task %s failed (%s/%s): %v", task.ID, rec.Kind, rec.Classification, cause)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditTaskFailed,
		Category:  string(logging.CategoryScheduler),
		SessionID: task.ConversationID,
		Target:    task.ID,
		Error:     cause.Error(),
		Fields: map[string]interface{}{
			"kind":           rec.Kind,
			"classification": string(rec.Classification),
			"attempt":        rec.Attempts,
		},
	})

	if task.Metrics.RetryCount < task.Constraints.RetryLimit {
		s.scheduleRetry(task)
	}

	// Capability failures and timeouts go to the healer; timeouts map to the
	// patch strategy in its table.
	if healer != nil && (kind == types.FailureKindCapability || rec.Classification == types.FailureTimeout) {
		healer.NotifyFailure(task, rec)
	}
}

// scheduleRetry re-enters the task after its retry delay.
func (s *Scheduler) scheduleRetry(task *types.Task) {
	delay := task.Constraints.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	s.afterFunc(delay, func() {
		if task.State != types.TaskFailed {
			return // Cancelled or resurrected elsewhere meanwhile.
		}
		if err := task.Transition(types.TaskRetry, "retry scheduled"); err != nil {
			return
		}
		if err := task.Transition(types.TaskQueued, fmt.Sprintf("retry %d of %d", task.Metrics.RetryCount, task.Constraints.RetryLimit)); err != nil {
			return
		}
		s.queue.Add(task)

		s.mu.Lock()
		s.stats.TasksRetried++
		s.mu.Unlock()

		logging.Scheduler("Task %s re-queued for retry %d", task.ID, task.Metrics.RetryCount)
		logging.Audit().LogEvent(logging.AuditTaskRetried, task.ID, true, "")
	})
}

// Cancel stops a task. Queued tasks leave the queue immediately; running
// tasks get the grace period to stop cooperatively before resources are
// reclaimed.
func (s *Scheduler) Cancel(id string) error {
	task, ok := s.graph.Task(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.State.IsTerminal() {
		return fmt.Errorf("task %s is already %s", id, task.State)
	}

	s.mu.Lock()
	rt, isRunning := s.running[id]
	if isRunning {
		delete(s.running, id)
	}
	delete(s.paused, id)
	s.mu.Unlock()

	s.queue.Remove(id)

	if isRunning {
		// Settle the state first so the execution goroutine observes the
		// cancellation instead of reporting a failure.
		if err := task.Transition(types.TaskCancelled, "cancelled while running"); err != nil {
			return err
		}
		rt.cancel()

		released := make(chan struct{})
		s.afterFunc(s.cfg.CancelGracePeriod, func() {
			close(released)
		})
		go func() {
			<-released
			if err := rt.agent.Release(id, rt.req); err != nil {
				logging.SchedulerDebug("Release after cancel: %v", err)
			}
		}()
	} else {
		if err := task.Transition(types.TaskCancelled, "cancelled"); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.stats.TasksCancelled++
	s.mu.Unlock()

	logging.Scheduler("Task %s cancelled", id)
	logging.Audit().LogEvent(logging.AuditTaskCancelled, id, true, "")
	return nil
}

// classify maps an error to a failure classification for the healing
// strategy table.
func classify(err error) types.FailureClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return types.FailureTimeout
	case strings.Contains(msg, "forbidden imports") || strings.Contains(msg, "import"):
		return types.FailureImport
	case strings.Contains(msg, "syntax") || strings.Contains(msg, "does not parse") || strings.Contains(msg, "expected"):
		return types.FailureSyntax
	case strings.Contains(msg, "not registered") || strings.Contains(msg, "not active"):
		return types.FailureDependency
	case strings.Contains(msg, "memory") || strings.Contains(msg, "resource"):
		return types.FailureResource
	case strings.Contains(msg, "panic"):
		return types.FailureRuntime
	default:
		return types.FailureLogic
	}
}
