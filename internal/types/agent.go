package types

import (
	"fmt"
	"sync"
)

// ResourcePool is a mutable pool of schedulable resources.
type ResourcePool struct {
	CPUCores  int            `json:"cpu_cores"`
	MemoryMB  int            `json:"memory_mb"`
	StorageMB int            `json:"storage_mb"`
	Special   map[string]int `json:"special,omitempty"`
}

// CanFit reports whether the pool covers the requirement.
func (p ResourcePool) CanFit(req ResourceRequirements) bool {
	if p.CPUCores < req.CPUCores || p.MemoryMB < req.MemoryMB || p.StorageMB < req.StorageMB {
		return false
	}
	for name, n := range req.Special {
		if p.Special[name] < n {
			return false
		}
	}
	return true
}

// AgentNode is an execution location for tasks.
type AgentNode struct {
	mu sync.Mutex

	ID           string    `json:"id"`
	Capabilities []SkillKind `json:"capabilities"`

	Total     ResourcePool `json:"total"`
	Available ResourcePool `json:"available"`

	ActiveTasks   map[string]bool `json:"active_tasks"`
	MaxConcurrent int             `json:"max_concurrent"`

	// Specialization maps task type → fit score in [0,1].
	Specialization map[string]float64 `json:"specialization,omitempty"`
}

// NewAgentNode creates an agent with its full pool available.
func NewAgentNode(id string, pool ResourcePool, maxConcurrent int, caps ...SkillKind) *AgentNode {
	if len(caps) == 0 {
		caps = []SkillKind{SkillKindUser, SkillKindGenerated, SkillKindExternal}
	}
	avail := pool
	if pool.Special != nil {
		avail.Special = make(map[string]int, len(pool.Special))
		for k, v := range pool.Special {
			avail.Special[k] = v
		}
	}
	return &AgentNode{
		ID:            id,
		Capabilities:  caps,
		Total:         pool,
		Available:     avail,
		ActiveTasks:   make(map[string]bool),
		MaxConcurrent: maxConcurrent,
	}
}

// CanExecute reports whether the agent may run the given skill kind.
func (a *AgentNode) CanExecute(kind SkillKind) bool {
	for _, c := range a.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// Allocate debits the requirement from the pool and records the task.
// Allocation is all-or-nothing; a partial debit never survives.
func (a *AgentNode) Allocate(taskID string, req ResourceRequirements) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.ActiveTasks) >= a.MaxConcurrent {
		return fmt.Errorf("agent %s: concurrency cap reached (%d)", a.ID, a.MaxConcurrent)
	}
	if !a.Available.CanFit(req) {
		return fmt.Errorf("agent %s: insufficient resources for task %s", a.ID, taskID)
	}
	if a.ActiveTasks[taskID] {
		return fmt.Errorf("agent %s: task %s already allocated", a.ID, taskID)
	}

	a.Available.CPUCores -= req.CPUCores
	a.Available.MemoryMB -= req.MemoryMB
	a.Available.StorageMB -= req.StorageMB
	for name, n := range req.Special {
		if a.Available.Special == nil {
			a.Available.Special = make(map[string]int)
		}
		a.Available.Special[name] -= n
	}
	a.ActiveTasks[taskID] = true
	return nil
}

// Release credits the requirement back. Crediting a task that was never
// allocated is an accounting fault and is rejected.
func (a *AgentNode) Release(taskID string, req ResourceRequirements) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ActiveTasks[taskID] {
		return fmt.Errorf("agent %s: task %s not allocated", a.ID, taskID)
	}

	a.Available.CPUCores += req.CPUCores
	a.Available.MemoryMB += req.MemoryMB
	a.Available.StorageMB += req.StorageMB
	for name, n := range req.Special {
		a.Available.Special[name] += n
	}
	delete(a.ActiveTasks, taskID)
	return nil
}

// ActiveCount returns the number of tasks running on the agent.
func (a *AgentNode) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ActiveTasks)
}

// Utilization returns the mean utilisation of CPU and memory in [0,1].
func (a *AgentNode) Utilization() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var parts []float64
	if a.Total.CPUCores > 0 {
		parts = append(parts, 1-float64(a.Available.CPUCores)/float64(a.Total.CPUCores))
	}
	if a.Total.MemoryMB > 0 {
		parts = append(parts, 1-float64(a.Available.MemoryMB)/float64(a.Total.MemoryMB))
	}
	if len(parts) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts))
}

// Snapshot returns a copy of the available pool for status reporting.
func (a *AgentNode) Snapshot() ResourcePool {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.Available
	if a.Available.Special != nil {
		snap.Special = make(map[string]int, len(a.Available.Special))
		for k, v := range a.Available.Special {
			snap.Special[k] = v
		}
	}
	return snap
}
