package types

import (
	"context"
	"time"
)

// SkillKind tags the origin of a capability.
type SkillKind string

const (
	SkillKindUser      SkillKind = "user"
	SkillKindGenerated SkillKind = "generated"
	SkillKindExternal  SkillKind = "external"
	SkillKindMeta      SkillKind = "meta"
)

// SkillStatus is the lifecycle state of a registry entry.
type SkillStatus string

const (
	SkillDiscovered SkillStatus = "discovered"
	SkillRegistered SkillStatus = "registered"
	SkillActive     SkillStatus = "active"
	SkillInactive   SkillStatus = "inactive"
	SkillError      SkillStatus = "error"
)

// SkillResult is the structured return of a skill execution.
type SkillResult struct {
	Success  bool                   `json:"success"`
	Result   interface{}            `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SkillHandle is the opaque callable of a loaded skill.
type SkillHandle func(ctx context.Context, request string, skillCtx map[string]interface{}) (*SkillResult, error)

// Skill is a runtime-loadable capability.
type Skill struct {
	Name        string      `json:"name"`
	Kind        SkillKind   `json:"kind"`
	Description string      `json:"description,omitempty"`
	SourcePath  string      `json:"source_path"`
	ContentHash string      `json:"content_hash"`
	ModTime     time.Time   `json:"mod_time"`
	SizeBytes   int64       `json:"size_bytes"`
	Handle      SkillHandle `json:"-"`
}

// PerfStats holds rolling performance statistics for a skill.
type PerfStats struct {
	ExecutionCount  int64         `json:"execution_count"`
	AvgLatency      time.Duration `json:"avg_latency"`
	SuccessRatio    float64       `json:"success_ratio"`
	MemoryHighWater int64         `json:"memory_high_water_kb"`

	// Outcomes is the last-N ring feeding the success ratio.
	Outcomes *OutcomeRing `json:"outcomes,omitempty"`
}

// RecordExecution folds one execution into the rolling stats.
func (p *PerfStats) RecordExecution(latency time.Duration, success bool) {
	if p.Outcomes == nil {
		p.Outcomes = NewOutcomeRing(20)
	}
	p.Outcomes.Push(success)

	// Rolling mean over the execution count.
	p.ExecutionCount++
	if p.ExecutionCount == 1 {
		p.AvgLatency = latency
	} else {
		p.AvgLatency += (latency - p.AvgLatency) / time.Duration(p.ExecutionCount)
	}
	p.SuccessRatio = p.Outcomes.SuccessRatio()
}
