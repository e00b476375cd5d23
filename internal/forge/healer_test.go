package forge

import (
	"context"
	"os"
	"strings"
	"testing"

	"skillforge/internal/types"
)

func generateFixtureSkill(t *testing.T, fx *forgeFixture) *types.Skill {
	t.Helper()
	skill, err := fx.forge.GenerateSkill(context.Background(), "transform json payload")
	if err != nil {
		t.Fatalf("fixture generation failed: %v", err)
	}
	return skill
}

func TestHealRollbackRestoresBackup(t *testing.T) {
	fx := newForgeFixture(t, validSkillSource)
	healer := NewHealer(fx.forge)
	skill := generateFixtureSkill(t, fx)

	good, err := os.ReadFile(skill.SourcePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := healer.backupSource(skill.Name, good); err != nil {
		t.Fatal(err)
	}
	// Clobber the live source.
	if err := os.WriteFile(skill.SourcePath, []byte("package main\nfunc broken("), 0644); err != nil {
		t.Fatal(err)
	}

	rec := &types.FailureRecord{
		Kind:           types.FailureKindCapability,
		Classification: types.FailureSyntax,
		Message:        "syntax error in skill",
	}
	outcome, err := healer.Heal(context.Background(), skill.Name, "transform json payload", rec)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}
	if outcome.Strategy != StrategyRollback || !outcome.Success {
		t.Errorf("outcome = %+v, want successful rollback", outcome)
	}
	if rec.LastStrategy != StrategyRollback {
		t.Errorf("LastStrategy = %s", rec.LastStrategy)
	}

	restored, err := os.ReadFile(skill.SourcePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(good) {
		t.Error("rollback did not restore the backup content")
	}
	entry, _ := fx.reg.Get(skill.Name)
	if entry.Status != types.SkillActive {
		t.Errorf("skill status = %s after rollback, want active", entry.Status)
	}
}

func TestHealPatchRewritesSource(t *testing.T) {
	// Script: generation, then the patch response.
	patched := "```go\n" + `// skillforge:kind=generated
package main

import "fmt"

func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error) {
	if request == "" {
		return nil, fmt.Errorf("empty request")
	}
	return map[string]interface{}{"handled": request, "patched": true}, nil
}
` + "\n```"
	fx := newForgeFixture(t, validSkillSource, patched)
	healer := NewHealer(fx.forge)
	skill := generateFixtureSkill(t, fx)

	rec := &types.FailureRecord{
		Kind:           types.FailureKindCapability,
		Classification: types.FailureTimeout,
		Message:        "timeout after 30s",
	}
	outcome, err := healer.Heal(context.Background(), skill.Name, "transform json payload", rec)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}
	if outcome.Strategy != StrategyPatch {
		t.Errorf("strategy = %s, want patch", outcome.Strategy)
	}

	// The patch prompt named the exact error and carried the old code.
	lastPrompt := fx.client.Prompts[len(fx.client.Prompts)-1]
	if !strings.Contains(lastPrompt, "timeout after 30s") || !strings.Contains(lastPrompt, "ExecuteSkill") {
		t.Errorf("patch prompt incomplete:\n%s", lastPrompt)
	}

	source, err := os.ReadFile(skill.SourcePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(source), `"patched": true`) {
		t.Error("patched source not written")
	}
	// The pre-patch source was backed up.
	if healer.latestBackup(skill.Name) == "" {
		t.Error("no backup of the replaced source")
	}
}

func TestHealPatchRestoresOnBadCandidate(t *testing.T) {
	// The patch response does not validate; patch fails, then regeneration
	// (runtime, no usable strategy left) is not in the timeout table, so
	// healing exhausts and disables.
	fx := newForgeFixture(t, validSkillSource, brokenSkillSource)
	healer := NewHealer(fx.forge)
	skill := generateFixtureSkill(t, fx)

	before, _ := os.ReadFile(skill.SourcePath)

	rec := &types.FailureRecord{
		Kind:           types.FailureKindCapability,
		Classification: types.FailureTimeout,
		Message:        "timeout after 30s",
	}
	outcome, err := healer.Heal(context.Background(), skill.Name, "transform json payload", rec)
	if err == nil {
		t.Fatal("Heal succeeded with an invalid patch candidate")
	}
	if !outcome.Disabled {
		t.Errorf("outcome = %+v, want disabled", outcome)
	}

	after, _ := os.ReadFile(skill.SourcePath)
	if string(after) != string(before) {
		t.Error("failed patch modified the live source")
	}
	entry, _ := fx.reg.Get(skill.Name)
	if entry.Status != types.SkillError {
		t.Errorf("status = %s, want error after disable", entry.Status)
	}
}

func TestHealRegenerateWithoutBackup(t *testing.T) {
	regenerated := "```go\n" + `// skillforge:kind=generated
package main

import "errors"

func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error) {
	if request == "" {
		return nil, errors.New("empty request")
	}
	return map[string]interface{}{"regenerated": true}, nil
}
` + "\n```"
	fx := newForgeFixture(t, validSkillSource, regenerated)
	healer := NewHealer(fx.forge)
	skill := generateFixtureSkill(t, fx)

	rec := &types.FailureRecord{
		Kind:           types.FailureKindCapability,
		Classification: types.FailureRuntime,
		Message:        "index out of range [3] with length 2",
	}
	outcome, err := healer.Heal(context.Background(), skill.Name, "transform json payload", rec)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}
	if outcome.Strategy != StrategyRegenerate {
		t.Errorf("strategy = %s, want regenerate (runtime, no backup, low confidence)", outcome.Strategy)
	}

	source, _ := os.ReadFile(skill.SourcePath)
	if !strings.Contains(string(source), `"regenerated": true`) {
		t.Error("regenerated source not written")
	}
	// The replaced version was retained as a backup.
	if healer.latestBackup(skill.Name) == "" {
		t.Error("old version not kept as backup")
	}
}

func TestHealDependencyFix(t *testing.T) {
	fixed := "```go\n" + `// skillforge:kind=generated
package main

import "fmt"

func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error) {
	if request == "" {
		return nil, fmt.Errorf("empty request")
	}
	return map[string]interface{}{"ok": true}, nil
}
` + "\n```"
	fx := newForgeFixture(t, validSkillSource, fixed)
	healer := NewHealer(fx.forge)
	skill := generateFixtureSkill(t, fx)

	rec := &types.FailureRecord{
		Kind:           types.FailureKindCapability,
		Classification: types.FailureImport,
		Message:        `forbidden imports: [net/http]`,
	}
	outcome, err := healer.Heal(context.Background(), skill.Name, "transform json payload", rec)
	if err != nil {
		t.Fatalf("Heal failed: %v", err)
	}
	if outcome.Strategy != StrategyDependencyFix {
		t.Errorf("strategy = %s, want dependency_fix", outcome.Strategy)
	}
	lastPrompt := fx.client.Prompts[len(fx.client.Prompts)-1]
	if !strings.Contains(lastPrompt, "allowlist") {
		t.Error("dependency fix prompt does not name the allowlist")
	}
}

func TestBackupPruningKeepsFive(t *testing.T) {
	fx := newForgeFixture(t, validSkillSource)
	healer := NewHealer(fx.forge)
	skill := generateFixtureSkill(t, fx)

	for i := 0; i < 8; i++ {
		if err := healer.backupSource(skill.Name, []byte("version")); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(healer.backups(skill.Name)); got != 5 {
		t.Errorf("backups kept = %d, want 5", got)
	}
}

func TestHealUnknownSkill(t *testing.T) {
	fx := newForgeFixture(t, validSkillSource)
	healer := NewHealer(fx.forge)

	rec := &types.FailureRecord{
		Kind:           types.FailureKindCapability,
		Classification: types.FailureRuntime,
		Message:        "nil pointer dereference",
	}
	outcome, err := healer.Heal(context.Background(), "ghost", "do something", rec)
	if err == nil {
		t.Fatal("Heal succeeded for an unregistered skill")
	}
	if !outcome.Disabled {
		t.Errorf("outcome = %+v, want exhausted/disabled", outcome)
	}
}
