package types

import "errors"

// ErrIllegalTransition is returned when a task transition violates the
// lattice.
var ErrIllegalTransition = errors.New("illegal task state transition")

// lattice lists the allowed transitions:
//
//	pending → queued → ready → running → {completed, failed, cancelled}
//	running → paused → running
//	failed → retry → queued
//	any non-terminal → cancelled
//	any → blocked (and back via its resolving condition)
var lattice = map[TaskState][]TaskState{
	TaskPending: {TaskQueued, TaskBlocked, TaskCancelled},
	TaskQueued:  {TaskReady, TaskRunning, TaskBlocked, TaskPaused, TaskCancelled},
	TaskReady:   {TaskRunning, TaskQueued, TaskBlocked, TaskPaused, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled, TaskPaused, TaskBlocked},
	TaskPaused:  {TaskRunning, TaskQueued, TaskBlocked, TaskCancelled},
	TaskFailed:  {TaskRetry, TaskBlocked},
	TaskRetry:   {TaskQueued, TaskBlocked, TaskCancelled},
	TaskBlocked: {TaskPending, TaskQueued, TaskReady, TaskRetry, TaskCancelled},

	TaskCompleted: nil,
	TaskCancelled: nil,
}

// CanTransition reports whether from → to is an allowed lattice edge.
// Blocked is reachable from anywhere; its resolving condition returns the
// task to the state it left.
func CanTransition(from, to TaskState) bool {
	if from == to {
		return false
	}
	if to == TaskBlocked {
		return !from.IsTerminal()
	}
	for _, next := range lattice[from] {
		if next == to {
			return true
		}
	}
	return false
}
