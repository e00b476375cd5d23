// Package priority ranks ready tasks. Scores combine six weighted factors
// into [0,100]; an explicit user override bypasses the computation. The
// queue is a max-heap that re-scores candidates on Pop so the returned task
// is both highest-score and executable.
package priority

import (
	"strings"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/types"
)

// SystemContext is the scheduler-wide state the scorer reads. UpdateContext
// swaps it atomically and recomputes the whole queue.
type SystemContext struct {
	CPUAvailable     int
	CPUTotal         int
	MemoryAvailableMB int
	MemoryTotalMB    int

	// NetworkLoad and SystemLoad are in [0,1].
	NetworkLoad float64
	SystemLoad  float64

	SpecialAvailable map[string]int
}

// PerfLookup resolves rolling performance stats for the skill a task would
// execute. ok is false when the skill is unknown or has no history.
type PerfLookup func(skillName string) (successRatio float64, avgDuration time.Duration, ok bool)

// Scorer computes the six priority factors.
type Scorer struct {
	weights config.FactorWeights
	rules   config.BusinessRules
	perf    PerfLookup
	now     func() time.Time
}

// NewScorer builds a scorer. perf may be nil; the performance factor then
// scores neutral.
func NewScorer(weights config.FactorWeights, rules config.BusinessRules, perf PerfLookup) *Scorer {
	return &Scorer{
		weights: weights,
		rules:   rules,
		perf:    perf,
		now:     time.Now,
	}
}

// Factor names used in the per-task breakdown.
const (
	FactorUrgency      = "urgency"
	FactorResource     = "resource_availability"
	FactorDependency   = "dependency_pressure"
	FactorPerformance  = "performance_bonus"
	FactorContext      = "context_importance"
	FactorBusinessRule = "business_rules"
)

// Score computes the weighted score for the task and records the per-factor
// breakdown on the task's priority metadata. waiters and highPriorityWaiters
// feed the dependency-pressure factor and are counted by the engine.
func (s *Scorer) Score(t *types.Task, ctx SystemContext, waiters, highPriorityWaiters int) float64 {
	if t.Priority.UserOverride != nil {
		t.Priority.Score = *t.Priority.UserOverride
		t.Priority.ScoredAt = s.now()
		return *t.Priority.UserOverride
	}

	factors := map[string]float64{
		FactorUrgency:      s.urgency(t),
		FactorResource:     s.resourceAvailability(t, ctx),
		FactorDependency:   s.dependencyPressure(waiters, highPriorityWaiters),
		FactorPerformance:  s.performanceBonus(t),
		FactorContext:      s.contextImportance(t),
		FactorBusinessRule: s.businessRules(t),
	}

	score := s.weights.Urgency*factors[FactorUrgency] +
		s.weights.Resource*factors[FactorResource] +
		s.weights.Dependency*factors[FactorDependency] +
		s.weights.Performance*factors[FactorPerformance] +
		s.weights.Context*factors[FactorContext] +
		s.weights.BusinessRule*factors[FactorBusinessRule]
	score = clamp(score, 0, 100)

	t.Priority.Factors = factors
	t.Priority.Score = score
	t.Priority.ScoredAt = s.now()
	return score
}

// urgency maps deadline pressure onto a step function of the ratio of time
// remaining to estimated duration.
func (s *Scorer) urgency(t *types.Task) float64 {
	if t.Constraints.LatestEnd == nil {
		return 0
	}
	remaining := t.Constraints.LatestEnd.Sub(s.now())
	if remaining <= 0 {
		return 100 // Overdue
	}

	est := t.Requirements.EstimatedDuration
	if est <= 0 {
		est = t.Constraints.Timeout
	}
	if est <= 0 {
		est = time.Minute
	}

	ratio := float64(remaining) / float64(est)
	switch {
	case ratio < 1:
		return 90
	case ratio < 2:
		return 60
	case ratio < 4:
		return 30
	default:
		return 0
	}
}

// resourceAvailability starts at 1.0 and multiplies in penalties for each
// shortfall, then scales to [0,100].
func (s *Scorer) resourceAvailability(t *types.Task, ctx SystemContext) float64 {
	avail := 1.0

	if ctx.CPUTotal > 0 && ctx.CPUAvailable < t.Requirements.CPUCores {
		avail *= 0.3
	}
	if ctx.MemoryTotalMB > 0 && ctx.MemoryAvailableMB < t.Requirements.MemoryMB {
		avail *= 0.4
	}

	switch t.Requirements.Network {
	case types.NetworkHigh:
		if ctx.NetworkLoad > 0.7 {
			avail *= 0.5
		}
	case types.NetworkMedium:
		if ctx.NetworkLoad > 0.9 {
			avail *= 0.8
		}
	}

	for name, n := range t.Requirements.Special {
		if ctx.SpecialAvailable[name] < n {
			avail *= 0.2
			break
		}
	}

	avail *= 1 - 0.3*clamp(ctx.SystemLoad, 0, 1)

	return clamp(avail, 0, 1) * 100
}

// dependencyPressure rewards tasks other work is waiting on.
func (s *Scorer) dependencyPressure(waiters, highPriorityWaiters int) float64 {
	pressure := float64(waiters)*10 + float64(highPriorityWaiters)*20
	return clamp(pressure, 0, 100)
}

// performanceBonus blends the executing skill's rolling success ratio with
// a speed factor. Unknown skills score neutral.
func (s *Scorer) performanceBonus(t *types.Task) float64 {
	if s.perf == nil || t.SkillName == "" {
		return 50
	}
	ratio, avg, ok := s.perf(t.SkillName)
	if !ok {
		return 50
	}

	speed := 1.0
	if avg > 0 {
		target := t.Requirements.EstimatedDuration
		if target <= 0 {
			target = avg
		}
		speed = float64(target) / float64(avg)
		if speed > 1 {
			speed = 1
		}
	}
	return clamp(ratio*70+speed*30, 0, 100)
}

// contextImportance combines the base attribute with tag, role, and
// conversation boosts.
func (s *Scorer) contextImportance(t *types.Task) float64 {
	score := t.Priority.ContextImportance

	for _, tag := range t.Tags {
		switch strings.ToLower(tag) {
		case "emergency":
			score += 50
		case "critical":
			score += 40
		case "urgent":
			score += 30
		case "vip":
			score += 20
		}
	}

	switch strings.ToLower(t.Priority.UserRole) {
	case "admin":
		score += 20
	case "operator":
		score += 10
	}

	score += t.Priority.ConversationPriority

	return clamp(score, 0, 100)
}

// businessRules applies keyword bumps and calendar adjustments. The highest
// keyword bump wins; security outranks finance outranks user-facing.
func (s *Scorer) businessRules(t *types.Task) float64 {
	score := 50.0
	text := strings.ToLower(t.Description + " " + strings.Join(t.Tags, " "))

	switch {
	case containsAny(text, s.rules.SecurityKeywords):
		score += s.rules.SecurityBump
	case containsAny(text, s.rules.FinanceKeywords):
		score += s.rules.FinanceBump
	case containsAny(text, s.rules.UserFacingKeywords):
		score += s.rules.UserFacingBump
	}

	now := s.now()
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		score -= s.rules.WeekendPenalty
	default:
		h := now.Hour()
		if h >= s.rules.BusinessHourStart && h < s.rules.BusinessHourEnd {
			score += s.rules.BusinessHoursBonus
		}
	}

	return clamp(score, 0, 100)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
