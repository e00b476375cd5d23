package conversation

import (
	"fmt"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// complexTaskThreshold is the complexity score at which a request is
// decomposed into an analyse → execute → verify chain.
const complexTaskThreshold = 7

// buildTasks turns one analysed input into a task chain. Simple requests
// become a single task; complex ones decompose into three phases joined by
// hard edges so the scheduler runs them strictly in order.
func (e *Engine) buildTasks(conv *types.ConversationContext, text, skillName string,
	analysis *Analysis) ([]*types.Task, error) {

	if analysis.Complexity < complexTaskThreshold {
		task := e.newTask(conv, text, skillName, analysis, "")
		if err := e.graph.AddTask(task); err != nil {
			return nil, err
		}
		return []*types.Task{task}, nil
	}

	phases := []string{"analyze", "execute", "verify"}
	tasks := make([]*types.Task, 0, len(phases))
	for _, phase := range phases {
		task := e.newTask(conv, text, skillName, analysis, phase)
		if err := e.graph.AddTask(task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	for i := 1; i < len(tasks); i++ {
		if _, err := e.graph.AddEdge(tasks[i-1].ID, tasks[i].ID, types.DependencyHard, nil); err != nil {
			return nil, fmt.Errorf("failed to chain task phases: %w", err)
		}
	}

	logging.ConversationDebug("Decomposed complex request into %d phases", len(tasks))
	return tasks, nil
}

func (e *Engine) newTask(conv *types.ConversationContext, text, skillName string,
	analysis *Analysis, phase string) *types.Task {

	description := text
	request := text
	if phase != "" {
		description = fmt.Sprintf("%s: %s", phase, text)
		request = fmt.Sprintf("[phase:%s] %s", phase, text)
	}

	task := types.NewTask(description)
	task.SkillName = skillName
	task.Request = request
	task.ConversationID = conv.ConversationID
	task.Tags = append(task.Tags, analysis.ImplicitNeeds...)

	// Importance scales with complexity; implicit needs sharpen it a bit.
	task.Priority.ContextImportance = float64(analysis.Complexity) * 8
	if task.Priority.ContextImportance > 100 {
		task.Priority.ContextImportance = 100
	}

	task.Requirements.EstimatedDuration = time.Duration(analysis.Complexity) * 30 * time.Second
	return task
}
