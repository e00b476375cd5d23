// Package types holds the shared data model for the skillforge runtime:
// tasks, dependencies, agents, skills, and conversation contexts. It has no
// dependencies on the engine packages so everything above can import it.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState is a node of the task state lattice.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskQueued    TaskState = "queued"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	TaskBlocked   TaskState = "blocked"
	TaskPaused    TaskState = "paused"
	TaskRetry     TaskState = "retry"
)

// IsTerminal reports whether no further transitions are allowed except the
// retry path out of failed.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// NetworkClass coarsely classifies a task's network requirement.
type NetworkClass string

const (
	NetworkLow    NetworkClass = "low"
	NetworkMedium NetworkClass = "medium"
	NetworkHigh   NetworkClass = "high"
)

// DependencyKind determines the satisfaction semantics of an edge.
type DependencyKind string

const (
	// DependencyHard requires the producer to be completed.
	DependencyHard DependencyKind = "hard"
	// DependencySoft is satisfied once the producer is completed or running.
	DependencySoft DependencyKind = "soft"
	// DependencyResource marks an exclusive-resource relation; it informs
	// conflict scheduling and never blocks readiness.
	DependencyResource DependencyKind = "resource"
	// DependencyTime requires the producer's latest end to precede the
	// consumer's earliest start.
	DependencyTime DependencyKind = "time"
	// DependencyConditional requires completion plus a predicate over the
	// producer's result.
	DependencyConditional DependencyKind = "conditional"
)

// ConditionFunc is the predicate attached to conditional dependencies.
type ConditionFunc func(producerResult map[string]interface{}) bool

// Dependency is a directed producer → consumer edge as seen from the
// consumer side.
type Dependency struct {
	ID           string         `json:"id"`
	TargetTaskID string         `json:"target_task_id"` // The producer
	Kind         DependencyKind `json:"kind"`
	Condition    ConditionFunc  `json:"-"`
	Satisfied    bool           `json:"satisfied"`
	SatisfiedAt  time.Time      `json:"satisfied_at,omitempty"`
}

// ResourceRequirements records what a task needs to run.
type ResourceRequirements struct {
	CPUCores          int            `json:"cpu_cores"`
	MemoryMB          int            `json:"memory_mb"`
	StorageMB         int            `json:"storage_mb"`
	Network           NetworkClass   `json:"network"`
	Special           map[string]int `json:"special,omitempty"` // Named special resources
	EstimatedDuration time.Duration  `json:"estimated_duration"`
}

// Constraints hold the scheduling bounds of a task.
type Constraints struct {
	EarliestStart *time.Time    `json:"earliest_start,omitempty"`
	LatestEnd     *time.Time    `json:"latest_end,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	RetryLimit    int           `json:"retry_limit"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PriorityMeta carries the inputs and output of the priority engine.
type PriorityMeta struct {
	// ContextImportance is the base importance attribute in [0,100].
	ContextImportance float64 `json:"context_importance"`

	// UserOverride, when set, supersedes the computed score entirely.
	UserOverride *float64 `json:"user_override,omitempty"`

	// SkillGenerated marks tasks whose executing skill was synthesised.
	SkillGenerated bool `json:"skill_generated"`

	// UserRole feeds the context-importance factor.
	UserRole string `json:"user_role,omitempty"`

	// ConversationPriority feeds the context-importance factor.
	ConversationPriority float64 `json:"conversation_priority,omitempty"`

	// Score is the last computed score in [0,100].
	Score float64 `json:"score"`

	// Factors is the last per-factor breakdown, keyed by factor name.
	Factors map[string]float64 `json:"factors,omitempty"`

	ScoredAt time.Time `json:"scored_at,omitempty"`
}

// EffectiveScore returns the override when set, else the computed score.
func (p PriorityMeta) EffectiveScore() float64 {
	if p.UserOverride != nil {
		return *p.UserOverride
	}
	return p.Score
}

// StateChange is one entry of a task's append-only state history.
type StateChange struct {
	From   TaskState `json:"from"`
	To     TaskState `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ExecutionMetrics accumulates runtime facts about a task.
type ExecutionMetrics struct {
	ActualStartTime *time.Time    `json:"actual_start_time,omitempty"`
	CompletionTime  *time.Time    `json:"completion_time,omitempty"`
	ExecutionTime   time.Duration `json:"execution_time"`
	RetryCount      int           `json:"retry_count"`
	LastError       string        `json:"last_error,omitempty"`

	// SuccessHistory is the last-N outcome ring (true = success).
	SuccessHistory *OutcomeRing `json:"success_history,omitempty"`
}

// Task is the unit of schedulable work.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	State       TaskState `json:"state"`

	StateHistory []StateChange `json:"state_history"`

	Requirements ResourceRequirements `json:"requirements"`
	Constraints  Constraints          `json:"constraints"`

	Dependencies []*Dependency `json:"dependencies"`
	Dependents   []string      `json:"dependents"`

	Priority PriorityMeta     `json:"priority"`
	Metrics  ExecutionMetrics `json:"metrics"`

	Tags           []string `json:"tags,omitempty"`
	AssignedAgent  string   `json:"assigned_agent,omitempty"`
	SkillName      string   `json:"skill_name,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Request        string   `json:"request,omitempty"`

	// Result is the skill output for completed tasks; conditional edges
	// evaluate their predicate against it.
	Result map[string]interface{} `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTask creates a pending task with defaults applied.
func NewTask(description string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		State:       TaskPending,
		Requirements: ResourceRequirements{
			CPUCores: 1,
			MemoryMB: 128,
			Network:  NetworkLow,
		},
		Constraints: Constraints{
			Timeout:    300 * time.Second,
			RetryLimit: 3,
			RetryDelay: 5 * time.Second,
		},
		Metrics:   ExecutionMetrics{SuccessHistory: NewOutcomeRing(20)},
		CreatedAt: time.Now(),
	}
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// HardDependencies returns the task's hard edges.
func (t *Task) HardDependencies() []*Dependency {
	var hard []*Dependency
	for _, d := range t.Dependencies {
		if d.Kind == DependencyHard {
			hard = append(hard, d)
		}
	}
	return hard
}

// CanExecuteNow reports whether the earliest-start constraint is past.
func (t *Task) CanExecuteNow(now time.Time) bool {
	return t.Constraints.EarliestStart == nil || !now.Before(*t.Constraints.EarliestStart)
}

// Transition moves the task along the lattice, appending to the history.
// Illegal transitions are rejected.
func (t *Task) Transition(to TaskState, reason string) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.State, to)
	}
	t.StateHistory = append(t.StateHistory, StateChange{
		From:   t.State,
		To:     to,
		At:     time.Now(),
		Reason: reason,
	})
	t.State = to
	return nil
}
