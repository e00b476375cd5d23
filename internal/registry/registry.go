// Package registry is the authoritative catalog of skills. Every entry
// moves through discovered → registered → active ↔ inactive, with error as
// a trap state that only an explicit reset leaves. Activation pulls inactive
// dependencies up once; deactivation cascades down to dependents first.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

const errorHistoryLimit = 10

var (
	// ErrNotRegistered is returned for operations on unknown skills.
	ErrNotRegistered = errors.New("skill not registered")
	// ErrDependencyCycle is returned when AddDependency would close a loop.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrDependencyInactive is returned when a dependency cannot be activated.
	ErrDependencyInactive = errors.New("dependency not active")
	// ErrEntryErrored is returned for operations on an entry in the error
	// state; Reset clears it.
	ErrEntryErrored = errors.New("skill in error state")
)

// Hook observes an activation or deactivation. A non-nil error marks the
// entry errored but does not stop the remaining hooks.
type Hook func(skill *types.Skill) error

// ErrorEvent is one entry of an entry's bounded failure history.
type ErrorEvent struct {
	At      time.Time `json:"at"`
	Op      string    `json:"op"`
	Message string    `json:"message"`
}

// Entry is one registered skill plus its registry bookkeeping.
type Entry struct {
	Skill  *types.Skill
	Status types.SkillStatus

	// Dependencies are names this entry needs active; Dependents the
	// reverse relation.
	Dependencies []string
	Dependents   []string

	Perf types.PerfStats

	RegisteredAt time.Time
	ActivatedAt  *time.Time

	// ErrorHistory keeps the last errorHistoryLimit failures.
	ErrorHistory []ErrorEvent

	activationHooks   []Hook
	deactivationHooks []Hook
}

// Filter narrows a List query. Zero values match everything.
type Filter struct {
	Kind   types.SkillKind
	Status types.SkillStatus
	Tag    string
}

// Registry holds the entries. One mutex serialises all mutation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a skill or refreshes an existing entry with the same name.
// Re-registering preserves status, dependencies, hooks, and perf stats; it
// only swaps the skill payload.
func (r *Registry) Register(skill *types.Skill) error {
	if skill == nil || skill.Name == "" {
		return fmt.Errorf("skill must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[skill.Name]; ok {
		existing.Skill = skill
		logging.RegistryDebug("Re-registered %s (status %s preserved)", skill.Name, existing.Status)
		return nil
	}

	r.entries[skill.Name] = &Entry{
		Skill:        skill,
		Status:       types.SkillRegistered,
		RegisteredAt: time.Now(),
		Perf:         types.PerfStats{Outcomes: types.NewOutcomeRing(20)},
	}

	logging.Registry("Registered skill %s (%s)", skill.Name, skill.Kind)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditSkillRegistered,
		Category:  string(logging.CategoryRegistry),
		Target:    skill.Name,
		Success:   true,
		Fields: map[string]interface{}{
			"kind": string(skill.Kind),
			"path": skill.SourcePath,
		},
	})
	return nil
}

// Deregister removes a skill after deactivating it and detaching its edges.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	if entry.Status == types.SkillActive {
		r.deactivateLocked(name, "deregister")
	}

	for _, dep := range entry.Dependencies {
		if target, ok := r.entries[dep]; ok {
			target.Dependents = remove(target.Dependents, name)
		}
	}
	for _, dep := range entry.Dependents {
		if target, ok := r.entries[dep]; ok {
			target.Dependencies = remove(target.Dependencies, name)
		}
	}
	delete(r.entries, name)

	logging.Registry("Deregistered skill %s", name)
	return nil
}

// Get returns the entry for a skill name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns the names of entries matching the filter, sorted.
func (r *Registry) List(f Filter) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, e := range r.entries {
		if f.Kind != "" && e.Skill.Kind != f.Kind {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Activate brings a skill to active, recursively activating inactive
// dependencies once. A dependency that fails to activate aborts the whole
// operation and the entry stays registered.
func (r *Registry) Activate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activateLocked(name, make(map[string]bool))
}

func (r *Registry) activateLocked(name string, visiting map[string]bool) error {
	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if entry.Status == types.SkillActive {
		return nil
	}
	if entry.Status == types.SkillError {
		return fmt.Errorf("%w: %s", ErrEntryErrored, name)
	}
	if visiting[name] {
		return fmt.Errorf("%w: via %s", ErrDependencyCycle, name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	for _, dep := range entry.Dependencies {
		target, ok := r.entries[dep]
		if !ok {
			return fmt.Errorf("%w: %s requires unknown %s", ErrDependencyInactive, name, dep)
		}
		if target.Status == types.SkillActive {
			continue
		}
		if err := r.activateLocked(dep, visiting); err != nil {
			return fmt.Errorf("%w: %s requires %s: %v", ErrDependencyInactive, name, dep, err)
		}
	}

	now := time.Now()
	entry.Status = types.SkillActive
	entry.ActivatedAt = &now

	for _, hook := range entry.activationHooks {
		if err := hook(entry.Skill); err != nil {
			entry.Status = types.SkillError
			r.recordErrorLocked(entry, "activate", err)
		}
	}

	logging.Registry("Activated skill %s", name)
	logging.Audit().LogEvent(logging.AuditSkillActivated, name, entry.Status == types.SkillActive, "")
	if entry.Status == types.SkillError {
		return fmt.Errorf("%w: activation hook failed for %s", ErrEntryErrored, name)
	}
	return nil
}

// Deactivate cascades to dependents first, in reverse topological order,
// then deactivates the skill itself.
func (r *Registry) Deactivate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	r.deactivateLocked(name, "deactivate")
	return nil
}

func (r *Registry) deactivateLocked(name, reason string) {
	entry, ok := r.entries[name]
	if !ok || entry.Status != types.SkillActive {
		return
	}

	// Dependents go down first so nothing active depends on an inactive
	// skill.
	for _, dep := range entry.Dependents {
		r.deactivateLocked(dep, reason)
	}

	entry.Status = types.SkillInactive
	entry.ActivatedAt = nil

	for _, hook := range entry.deactivationHooks {
		if err := hook(entry.Skill); err != nil {
			entry.Status = types.SkillError
			r.recordErrorLocked(entry, "deactivate", err)
		}
	}

	logging.Registry("Deactivated skill %s (%s)", name, reason)
	logging.Audit().LogEvent(logging.AuditSkillDeactivated, name, true, reason)
}

// AddDependency records that a needs b active. The edge is rejected if it
// would close a cycle.
func (r *Registry) AddDependency(a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.entries[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, a)
	}
	to, ok := r.entries[b]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, b)
	}
	if a == b {
		return fmt.Errorf("%w: %s on itself", ErrDependencyCycle, a)
	}
	for _, dep := range from.Dependencies {
		if dep == b {
			return nil
		}
	}
	if r.dependsOnLocked(b, a) {
		return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, a, b)
	}

	from.Dependencies = append(from.Dependencies, b)
	to.Dependents = append(to.Dependents, a)
	return nil
}

// RemoveDependency drops the a → b requirement.
func (r *Registry) RemoveDependency(a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.entries[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, a)
	}
	from.Dependencies = remove(from.Dependencies, b)
	if to, ok := r.entries[b]; ok {
		to.Dependents = remove(to.Dependents, a)
	}
	return nil
}

// dependsOnLocked reports whether from transitively depends on to.
func (r *Registry) dependsOnLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		entry, ok := r.entries[cur]
		if !ok {
			continue
		}
		for _, dep := range entry.Dependencies {
			if dep == to {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// AddActivationHook attaches fn to the skill; hooks run in attach order.
func (r *Registry) AddActivationHook(name string, fn Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	entry.activationHooks = append(entry.activationHooks, fn)
	return nil
}

// AddDeactivationHook attaches fn to the skill.
func (r *Registry) AddDeactivationHook(name string, fn Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	entry.deactivationHooks = append(entry.deactivationHooks, fn)
	return nil
}

// Reset clears the error state and history, returning the entry to
// registered. Identity, dependencies, and hooks survive.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if entry.Status != types.SkillError {
		return fmt.Errorf("skill %s is %s, not error", name, entry.Status)
	}
	entry.Status = types.SkillRegistered
	entry.ErrorHistory = nil
	logging.Registry("Reset skill %s to registered", name)
	return nil
}

// RecordError appends a failure to the entry's bounded history without
// changing its status.
func (r *Registry) RecordError(name, op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[name]; ok {
		r.recordErrorLocked(entry, op, err)
	}
}

// MarkError moves the entry to the error trap state and records why.
func (r *Registry) MarkError(name, op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[name]; ok {
		entry.Status = types.SkillError
		r.recordErrorLocked(entry, op, err)
	}
}

func (r *Registry) recordErrorLocked(entry *Entry, op string, err error) {
	entry.ErrorHistory = append(entry.ErrorHistory, ErrorEvent{
		At:      time.Now(),
		Op:      op,
		Message: err.Error(),
	})
	if len(entry.ErrorHistory) > errorHistoryLimit {
		entry.ErrorHistory = entry.ErrorHistory[len(entry.ErrorHistory)-errorHistoryLimit:]
	}
}

// RecordExecution folds an execution outcome into the skill's perf stats.
func (r *Registry) RecordExecution(name string, latency time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[name]; ok {
		entry.Perf.RecordExecution(latency, success)
	}
}

// Perf returns the rolling stats for a skill, for priority scoring.
func (r *Registry) Perf(name string) (successRatio float64, avgLatency time.Duration, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, found := r.entries[name]
	if !found || entry.Perf.ExecutionCount == 0 {
		return 0, 0, false
	}
	return entry.Perf.SuccessRatio, entry.Perf.AvgLatency, true
}

func remove(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
