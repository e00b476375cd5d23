package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// Healing strategies, tried in selection order until one succeeds.
const (
	StrategyRollback      = "rollback"
	StrategyPatch         = "patch"
	StrategyDependencyFix = "dependency_fix"
	StrategyRegenerate    = "regenerate"
	StrategyDisable       = "disable"
)

// HealOutcome reports what healing did to a skill.
type HealOutcome struct {
	Skill    string `json:"skill"`
	Strategy string `json:"strategy"`
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
	Disabled bool   `json:"disabled"`
}

// Healer remediates failing skills. It satisfies the scheduler's healer
// contract through NotifyFailure.
type Healer struct {
	forge *Forge

	mu      sync.Mutex
	healing map[string]bool // Skills with a heal in flight
}

// NewHealer creates a healer bound to the forge's registry and generator.
func NewHealer(f *Forge) *Healer {
	return &Healer{forge: f, healing: make(map[string]bool)}
}

// NotifyFailure receives capability failures from the scheduler. Healing
// runs asynchronously; concurrent failures of the same skill collapse into
// one attempt.
func (h *Healer) NotifyFailure(task *types.Task, rec *types.FailureRecord) {
	if task.SkillName == "" {
		return
	}

	h.mu.Lock()
	if h.healing[task.SkillName] {
		h.mu.Unlock()
		return
	}
	h.healing[task.SkillName] = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.healing, task.SkillName)
			h.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*h.forge.genCfg.Timeout)
		defer cancel()
		if _, err := h.Heal(ctx, task.SkillName, task.Request, rec); err != nil {
			logging.Get(logging.CategoryForge).Error("Healing %s failed: %v", task.SkillName, err)
		}
	}()
}

// Heal classifies the failure, selects strategies, and tries them in order
// until one succeeds or the attempt cap is hit. Exhausting all strategies
// disables the skill.
func (h *Healer) Heal(ctx context.Context, skillName, request string, rec *types.FailureRecord) (*HealOutcome, error) {
	timer := logging.StartTimer(logging.CategoryForge, "Heal")
	defer timer.Stop()

	pattern := h.forge.patterns.Record(rec.Classification, skillName, rec.Message)
	strategies := h.selectStrategies(skillName, rec.Classification, pattern.Confidence)

	logging.Forge("Healing %s (%s): strategies %v", skillName, rec.Classification, strategies)

	outcome := &HealOutcome{Skill: skillName}
	maxAttempts := h.forge.cfg.MaxHealingAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for _, strategy := range strategies {
		if outcome.Attempts >= maxAttempts {
			break
		}
		outcome.Attempts++
		rec.LastStrategy = strategy

		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditHealingAttempt,
			Category:  string(logging.CategoryForge),
			Target:    skillName,
			Success:   true,
			Fields: map[string]interface{}{
				"strategy":       strategy,
				"attempt":        outcome.Attempts,
				"classification": string(rec.Classification),
			},
		})

		err := h.apply(ctx, strategy, skillName, request, rec)
		if err == nil {
			outcome.Strategy = strategy
			outcome.Success = true
			logging.Forge("Healed %s via %s (attempt %d)", skillName, strategy, outcome.Attempts)
			logging.Audit().Log(logging.AuditEvent{
				EventType: logging.AuditHealingOutcome,
				Category:  string(logging.CategoryForge),
				Target:    skillName,
				Success:   true,
				Fields:    map[string]interface{}{"strategy": strategy, "attempts": outcome.Attempts},
			})
			return outcome, nil
		}
		logging.Get(logging.CategoryForge).Warn("Strategy %s failed for %s: %v", strategy, skillName, err)
	}

	// All strategies exhausted; take the skill out of rotation.
	outcome.Strategy = StrategyDisable
	outcome.Disabled = true
	h.disable(skillName, rec)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditHealingOutcome,
		Category:  string(logging.CategoryForge),
		Target:    skillName,
		Success:   false,
		Fields:    map[string]interface{}{"strategy": StrategyDisable, "attempts": outcome.Attempts},
	})
	return outcome, fmt.Errorf("healing exhausted for %s after %d attempts; skill disabled", skillName, outcome.Attempts)
}

// selectStrategies implements the classification → strategy table.
func (h *Healer) selectStrategies(skillName string, class types.FailureClass, patternConfidence float64) []string {
	hasBackup := h.latestBackup(skillName) != ""

	switch class {
	case types.FailureSyntax:
		return []string{StrategyRollback, StrategyPatch}
	case types.FailureImport, types.FailureDependency:
		return []string{StrategyDependencyFix}
	case types.FailureRuntime:
		if patternConfidence >= h.forge.cfg.PatchConfidence {
			return []string{StrategyPatch}
		}
		if hasBackup {
			return []string{StrategyRollback, StrategyRegenerate}
		}
		return []string{StrategyRegenerate}
	case types.FailureTimeout:
		return []string{StrategyPatch}
	default:
		if hasBackup {
			return []string{StrategyRollback}
		}
		return []string{StrategyRegenerate}
	}
}

func (h *Healer) apply(ctx context.Context, strategy, skillName, request string, rec *types.FailureRecord) error {
	switch strategy {
	case StrategyRollback:
		return h.rollback(skillName)
	case StrategyPatch:
		return h.rewrite(ctx, skillName, func(name, source string) string {
			return patchPrompt(name, source, rec.Message)
		})
	case StrategyDependencyFix:
		return h.rewrite(ctx, skillName, func(name, source string) string {
			return dependencyFixPrompt(name, source, rec.Message)
		})
	case StrategyRegenerate:
		return h.regenerate(ctx, skillName, request)
	default:
		return fmt.Errorf("unknown strategy %s", strategy)
	}
}

// rollback restores the latest source backup and reloads.
func (h *Healer) rollback(skillName string) error {
	backup := h.latestBackup(skillName)
	if backup == "" {
		return fmt.Errorf("no backup for %s", skillName)
	}
	entry, ok := h.forge.reg.Get(skillName)
	if !ok {
		return fmt.Errorf("skill %s is not registered", skillName)
	}

	content, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if err := os.WriteFile(entry.Skill.SourcePath, content, 0644); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	return h.forge.disc.Reload(skillName)
}

// rewrite is the shared patch path: prompt the generator with the current
// source, validate the candidate, back up, swap, reload. A failed reload
// puts the previous source back.
func (h *Healer) rewrite(ctx context.Context, skillName string, prompt func(name, source string) string) error {
	entry, ok := h.forge.reg.Get(skillName)
	if !ok {
		return fmt.Errorf("skill %s is not registered", skillName)
	}
	current, err := os.ReadFile(entry.Skill.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, h.forge.genCfg.Timeout)
	defer cancel()
	response, err := h.forge.client.CompleteWithSystem(genCtx, systemPrompt, prompt(skillName, string(current)))
	if err != nil {
		return fmt.Errorf("generator call failed: %w", err)
	}

	patched := ensureMarker(extractCodeBlock(response, "go"))
	if result := ValidateSource(patched); !result.Valid {
		return result.Err()
	}

	if err := h.backupSource(skillName, current); err != nil {
		return err
	}
	if err := os.WriteFile(entry.Skill.SourcePath, []byte(patched), 0644); err != nil {
		return fmt.Errorf("failed to write patch: %w", err)
	}
	if err := h.forge.disc.Reload(skillName); err != nil {
		// The patch does not load; put the previous source back.
		_ = os.WriteFile(entry.Skill.SourcePath, current, 0644)
		_ = h.forge.disc.Reload(skillName)
		return fmt.Errorf("patched source failed to load: %w", err)
	}
	return nil
}

// regenerate rebuilds the skill from the original request in place.
func (h *Healer) regenerate(ctx context.Context, skillName, request string) error {
	if request == "" {
		return fmt.Errorf("no originating request recorded for %s", skillName)
	}
	entry, ok := h.forge.reg.Get(skillName)
	if !ok {
		return fmt.Errorf("skill %s is not registered", skillName)
	}

	source, err := h.forge.generateValidated(ctx, skillName, Classify(request), request)
	if err != nil {
		return err
	}

	if current, err := os.ReadFile(entry.Skill.SourcePath); err == nil {
		if err := h.backupSource(skillName, current); err != nil {
			return err
		}
	}
	if err := os.WriteFile(entry.Skill.SourcePath, []byte(source), 0644); err != nil {
		return fmt.Errorf("failed to write regenerated source: %w", err)
	}
	return h.forge.disc.Reload(skillName)
}

// disable takes the skill out of rotation until manual intervention.
func (h *Healer) disable(skillName string, rec *types.FailureRecord) {
	_ = h.forge.reg.Deactivate(skillName)
	h.forge.reg.MarkError(skillName, "healing",
		fmt.Errorf("disabled after healing exhausted: %s", rec.Message))
	logging.Forge("Skill %s disabled", skillName)
	logging.Audit().LogEvent(logging.AuditSkillDisabled, skillName, true, rec.Message)
}

// backupSource snapshots the current source and prunes beyond the cap.
func (h *Healer) backupSource(skillName string, content []byte) error {
	if err := os.MkdirAll(h.forge.cfg.BackupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.go", skillName, h.forge.now().Format("20060102150405.000000000"))
	path := filepath.Join(h.forge.cfg.BackupDir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write source backup: %w", err)
	}

	backups := h.backups(skillName)
	limit := h.forge.cfg.MaxBackupsPerSkill
	if limit <= 0 {
		limit = 5
	}
	for i := limit; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil {
			logging.ForgeDebug("Failed to prune skill backup %s: %v", backups[i], err)
		}
	}
	return nil
}

// backups lists a skill's source backups, newest first.
func (h *Healer) backups(skillName string) []string {
	entries, err := os.ReadDir(h.forge.cfg.BackupDir)
	if err != nil {
		return nil
	}
	prefix := skillName + "_"
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".go") {
			paths = append(paths, filepath.Join(h.forge.cfg.BackupDir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths
}

func (h *Healer) latestBackup(skillName string) string {
	backups := h.backups(skillName)
	if len(backups) == 0 {
		return ""
	}
	return backups[0]
}
