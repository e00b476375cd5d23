// Package conversation turns free-form user input into scheduled task
// graphs and maintains the durable conversation record around them. It is
// the control surface the CLI talks to: every administrative operation of
// the runtime lives here.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skillforge/internal/forge"
	"skillforge/internal/graph"
	"skillforge/internal/logging"
	"skillforge/internal/priority"
	"skillforge/internal/scheduler"
	"skillforge/internal/statestore"
	"skillforge/internal/types"
)

// Input errors surface directly to the caller; no retry, no healing.
var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrInvalidTaskID       = errors.New("invalid task id")
	ErrBadPriorityValue    = errors.New("priority must be in [0,100]")
	ErrCapabilityMissing   = errors.New("no capability matches the request")
)

// InputResult is the reply to handle_user_input.
type InputResult struct {
	ConversationID    string    `json:"conversation_id"`
	TaskID            string    `json:"task_id,omitempty"`
	TaskIDs           []string  `json:"task_ids,omitempty"`
	ImmediateResponse string    `json:"immediate_response"`
	GeneratedSkill    string    `json:"generated_skill,omitempty"`
	Analysis          *Analysis `json:"analysis,omitempty"`
}

// Analytics summarises one conversation for get_conversation_analytics.
type Analytics struct {
	ConversationID   string                  `json:"conversation_id"`
	UserID           string                  `json:"user_id"`
	State            types.ConversationState `json:"state"`
	MessageCount     int                     `json:"message_count"`
	UserInputs       int                     `json:"user_inputs"`
	Responses        int                     `json:"responses"`
	PendingTasks     int                     `json:"pending_tasks"`
	GeneratedSkills  int                     `json:"generated_skills"`
	RecoveryAttempts int                     `json:"recovery_attempts"`
	Age              time.Duration           `json:"age"`
	LastActivity     time.Time               `json:"last_activity"`
}

// SchedulerStatus combines scheduler and queue metrics for status output.
type SchedulerStatus struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Queue     priority.Stats  `json:"queue"`
}

// Engine is the conversation control surface.
type Engine struct {
	store *statestore.Store
	sched *scheduler.Scheduler
	graph *graph.Graph
	queue *priority.Engine
	forge *forge.Forge

	now func() time.Time
}

// NewEngine wires the engine over the shared runtime components.
func NewEngine(store *statestore.Store, sched *scheduler.Scheduler, g *graph.Graph,
	queue *priority.Engine, f *forge.Forge) *Engine {
	return &Engine{
		store: store,
		sched: sched,
		graph: g,
		queue: queue,
		forge: f,
		now:   time.Now,
	}
}

// StartConversation creates and persists a fresh conversation.
func (e *Engine) StartConversation(userID string, initial map[string]interface{}) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id must not be empty")
	}

	ctx := types.NewConversationContext(userID)
	for k, v := range initial {
		ctx.ContextData[k] = v
	}
	if err := e.store.Save(ctx); err != nil {
		return "", fmt.Errorf("failed to persist new conversation: %w", err)
	}

	logging.Conversation("Started conversation %s for user %s", ctx.ConversationID, userID)
	return ctx.ConversationID, nil
}

// HandleUserInput runs the analysis pipeline on one input: classify, build
// the task chain, resolve the capability (generating a skill when nothing
// matches), schedule, and persist the updated conversation.
func (e *Engine) HandleUserInput(ctx context.Context, conversationID, text string, extra map[string]interface{}) (*InputResult, error) {
	timer := logging.StartTimer(logging.CategoryConversation, "HandleUserInput")
	defer timer.Stop()

	if text == "" {
		return nil, fmt.Errorf("input text must not be empty")
	}

	conv, err := e.store.Load(conversationID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
		}
		return nil, err
	}

	conv.AppendHistory(types.HistoryUserInput, text, extra)
	conv.State = types.ConversationProcessing
	analysis := Analyze(text)
	logging.ConversationDebug("Input analysed: intent=%s complexity=%d needs=%v",
		analysis.Intent, analysis.Complexity, analysis.ImplicitNeeds)

	result := &InputResult{ConversationID: conversationID, Analysis: analysis}

	switch analysis.Intent {
	case IntentCancellation:
		result.ImmediateResponse = e.handleCancellation(conv)
	case IntentStatusQuery:
		result.ImmediateResponse = e.handleStatusQuery(conv)
	default:
		if err := e.handleActionable(ctx, conv, text, analysis, result); err != nil {
			// Persist the failed exchange before surfacing the error.
			conv.State = types.ConversationActive
			_ = e.store.Save(conv)
			return nil, err
		}
	}

	conv.AppendHistory(types.HistoryResponse, result.ImmediateResponse, nil)
	conv.State = types.ConversationActive
	if err := e.store.Save(conv); err != nil {
		return nil, fmt.Errorf("failed to persist conversation: %w", err)
	}
	return result, nil
}

// handleActionable resolves the capability and schedules the task chain.
func (e *Engine) handleActionable(ctx context.Context, conv *types.ConversationContext,
	text string, analysis *Analysis, result *InputResult) error {

	skillName, matched := e.forge.MatchSkill(text)
	if !matched {
		if !e.forge.Enabled() {
			return fmt.Errorf("%w: %s", ErrCapabilityMissing, forge.ErrGenerationDisabled)
		}
		skill, err := e.forge.GenerateSkill(ctx, text)
		rec := types.SkillGenerationRecord{Request: text, At: e.now()}
		if err != nil {
			rec.Error = err.Error()
			conv.SkillGenerationHistory = append(conv.SkillGenerationHistory, rec)
			return fmt.Errorf("skill generation failed: %w", err)
		}
		rec.SkillName = skill.Name
		rec.Success = true
		conv.SkillGenerationHistory = append(conv.SkillGenerationHistory, rec)
		skillName = skill.Name
		result.GeneratedSkill = skill.Name
	}

	tasks, err := e.buildTasks(conv, text, skillName, analysis)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := e.sched.Schedule(task); err != nil {
			return fmt.Errorf("failed to schedule task: %w", err)
		}
		conv.PendingTasks[task.ID] = task.Description
		result.TaskIDs = append(result.TaskIDs, task.ID)
	}

	main := tasks[len(tasks)-1]
	conv.CurrentTaskID = main.ID
	result.TaskID = main.ID

	if result.GeneratedSkill != "" {
		result.ImmediateResponse = fmt.Sprintf(
			"I built a new skill (%s) for this and queued %d task(s). I'll get to work.",
			result.GeneratedSkill, len(tasks))
	} else {
		result.ImmediateResponse = fmt.Sprintf(
			"Got it. I queued %d task(s) using %s.", len(tasks), skillName)
	}
	return nil
}

func (e *Engine) handleCancellation(conv *types.ConversationContext) string {
	if conv.CurrentTaskID == "" {
		return "There is nothing running for this conversation."
	}
	if err := e.sched.Cancel(conv.CurrentTaskID); err != nil {
		return fmt.Sprintf("I could not cancel the current task: %v.", err)
	}
	delete(conv.PendingTasks, conv.CurrentTaskID)
	cancelled := conv.CurrentTaskID
	conv.CurrentTaskID = ""
	return fmt.Sprintf("Cancelled task %s.", cancelled)
}

func (e *Engine) handleStatusQuery(conv *types.ConversationContext) string {
	if conv.CurrentTaskID == "" {
		return "No task is currently active for this conversation."
	}
	task, err := e.sched.Status(conv.CurrentTaskID)
	if err != nil {
		return "The current task is no longer tracked."
	}
	return fmt.Sprintf("Task %s is %s.", task.ID, task.State)
}

// CancelTask cancels a task by id.
func (e *Engine) CancelTask(taskID string) error {
	if err := e.sched.Cancel(taskID); err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			return fmt.Errorf("%w: %s", ErrInvalidTaskID, taskID)
		}
		return err
	}
	return nil
}

// TaskStatus returns the live task record.
func (e *Engine) TaskStatus(taskID string) (*types.Task, error) {
	task, err := e.sched.Status(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTaskID, taskID)
	}
	return task, nil
}

// PrioritizeTask pins a user override on a task.
func (e *Engine) PrioritizeTask(taskID string, p float64) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: %v", ErrBadPriorityValue, p)
	}
	task, ok := e.graph.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTaskID, taskID)
	}

	if !e.queue.OverridePriority(taskID, p) {
		// Not queued right now; pin the override so any re-queue honours it.
		pinned := p
		task.Priority.UserOverride = &pinned
		task.Priority.Score = pinned
	}
	logging.Conversation("Task %s priority overridden to %.0f", taskID, p)
	return nil
}

// SchedulerStatus snapshots scheduler and queue metrics.
func (e *Engine) SchedulerStatus() SchedulerStatus {
	return SchedulerStatus{
		Scheduler: e.sched.Stats(),
		Queue:     e.queue.Stats(),
	}
}

// ConversationAnalytics summarises the durable record of a conversation.
func (e *Engine) ConversationAnalytics(conversationID string) (*Analytics, error) {
	conv, err := e.store.Load(conversationID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
		}
		return nil, err
	}

	a := &Analytics{
		ConversationID:   conv.ConversationID,
		UserID:           conv.UserID,
		State:            conv.State,
		MessageCount:     len(conv.History),
		PendingTasks:     len(conv.PendingTasks),
		RecoveryAttempts: conv.ErrorRecoveryAttempts,
		Age:              e.now().Sub(conv.CreatedAt),
		LastActivity:     conv.LastActivity,
	}
	for _, h := range conv.History {
		switch h.Type {
		case types.HistoryUserInput:
			a.UserInputs++
		case types.HistoryResponse:
			a.Responses++
		}
	}
	for _, rec := range conv.SkillGenerationHistory {
		if rec.Success {
			a.GeneratedSkills++
		}
	}
	return a, nil
}
