package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/types"
)

const greetSkill = `package main

// skillforge:kind=user

import "strings"

func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"greeting": "hello " + strings.TrimSpace(request)}, nil
}
`

const shoutSkill = `package main

// skillforge:kind=generated

import "strings"

func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"out": strings.ToUpper(request)}, nil
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(root string) config.DiscoveryConfig {
	return config.DiscoveryConfig{
		Roots:        []string{filepath.Join(root, "skills")},
		ExcludedDirs: []string{"vendor"},
		Debounce:     50 * time.Millisecond,
	}
}

func TestScanFindsSkillSources(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "skills", "greet.go"), greetSkill)
	writeFile(t, filepath.Join(root, "skills", "shout.go"), shoutSkill)
	// Not skills: no marker, test file, hidden dir, excluded dir.
	writeFile(t, filepath.Join(root, "skills", "plain.go"), "package main\nfunc ExecuteSkill(r string, c map[string]interface{}) (map[string]interface{}, error) { return nil, nil }\n")
	writeFile(t, filepath.Join(root, "skills", "greet_test.go"), greetSkill)
	writeFile(t, filepath.Join(root, "skills", ".hidden", "x.go"), greetSkill)
	writeFile(t, filepath.Join(root, "skills", "vendor", "y.go"), greetSkill)

	s := NewScanner(testConfig(root))
	skills, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(skills) != 2 {
		names := make([]string, len(skills))
		for i, sk := range skills {
			names[i] = sk.Name
		}
		t.Fatalf("Scan found %v, want [greet shout]", names)
	}
	if skills[0].Name != "greet" || skills[0].Kind != types.SkillKindUser {
		t.Errorf("first skill = %s/%s", skills[0].Name, skills[0].Kind)
	}
	if skills[1].Name != "shout" || skills[1].Kind != types.SkillKindGenerated {
		t.Errorf("second skill = %s/%s", skills[1].Name, skills[1].Kind)
	}
	if skills[0].ContentHash == "" || skills[0].SizeBytes == 0 {
		t.Errorf("candidate record incomplete: %+v", skills[0])
	}
}

func TestScanRejectsUnknownKind(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "skills", "odd.go"),
		"package main\n\n// skillforge:kind=bogus\n\nfunc ExecuteSkill(r string, c map[string]interface{}) (map[string]interface{}, error) { return nil, nil }\n")

	s := NewScanner(testConfig(root))
	skills, err := s.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(skills) != 0 {
		t.Errorf("unknown kind accepted: %v", skills)
	}
}

func TestLoadAllRegistersAndActivates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "skills", "greet.go"), greetSkill)
	writeFile(t, filepath.Join(root, "skills", "broken.go"),
		"package main\n\n// skillforge:kind=user\n\nfunc ExecuteSkill(r string, c map[string]interface{}) (map[string]interface{}, error) { return nil, undefined }\n")

	reg := registry.New()
	m := NewManager(testConfig(root), reg, sandbox.NewExecutor(config.DefaultSandboxConfig()))

	loaded, err := m.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if loaded != 1 {
		t.Errorf("loaded = %d, want 1", loaded)
	}

	entry, ok := reg.Get("greet")
	if !ok || entry.Status != types.SkillActive {
		t.Fatalf("greet entry = %+v", entry)
	}
	result, err := entry.Skill.Handle(context.Background(), "world", nil)
	if err != nil || !result.Success {
		t.Fatalf("handle failed: %v %+v", err, result)
	}

	// The broken skill is visible in error state, not silently dropped.
	broken, ok := reg.Get("broken")
	if !ok || broken.Status != types.SkillError {
		t.Errorf("broken entry = %+v, want error status", broken)
	}
}

func TestReloadSwapsHandle(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "skills", "greet.go")
	writeFile(t, path, greetSkill)

	reg := registry.New()
	m := NewManager(testConfig(root), reg, sandbox.NewExecutor(config.DefaultSandboxConfig()))
	if _, err := m.LoadAll(); err != nil {
		t.Fatal(err)
	}

	var gotName string
	var gotOK bool
	m.AddReloadCallback("greet", func(name string, ok bool) {
		gotName, gotOK = name, ok
	})

	replacement := `package main

// skillforge:kind=user

func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"greeting": "v2:" + request}, nil
}
`
	writeFile(t, path, replacement)
	if err := m.Reload("greet"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if gotName != "greet" || !gotOK {
		t.Errorf("callback got (%q, %v), want (greet, true)", gotName, gotOK)
	}

	entry, _ := reg.Get("greet")
	if entry.Status != types.SkillActive {
		t.Fatalf("status = %s, want active", entry.Status)
	}
	result, err := entry.Skill.Handle(context.Background(), "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := result.Result.(map[string]interface{})
	if payload["greeting"] != "v2:x" {
		t.Errorf("reloaded handle returned %v, want v2 behavior", payload)
	}
}

func TestReloadFailureLeavesInactive(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "skills", "greet.go")
	writeFile(t, path, greetSkill)

	reg := registry.New()
	m := NewManager(testConfig(root), reg, sandbox.NewExecutor(config.DefaultSandboxConfig()))
	if _, err := m.LoadAll(); err != nil {
		t.Fatal(err)
	}

	var gotOK = true
	m.AddReloadCallback("", func(name string, ok bool) { gotOK = ok })

	writeFile(t, path, "package main\n\n// skillforge:kind=user\n\nfunc ExecuteSkill(r string, c map[string]interface{}) (map[string]interface{}, error) { return nil, undefined }\n")
	if err := m.Reload("greet"); err == nil {
		t.Fatal("Reload succeeded on broken source")
	}
	if gotOK {
		t.Error("callback reported success for failed reload")
	}

	entry, _ := reg.Get("greet")
	if entry.Status != types.SkillInactive {
		t.Errorf("status = %s, want inactive after failed reload", entry.Status)
	}
	if len(entry.ErrorHistory) == 0 {
		t.Error("failed reload not recorded in error history")
	}

	stats := m.Stats()
	if stats.ReloadsFailed != 1 {
		t.Errorf("ReloadsFailed = %d, want 1", stats.ReloadsFailed)
	}
}

func TestWatcherPicksUpNewSkill(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)

	reg := registry.New()
	m := NewManager(cfg, reg, sandbox.NewExecutor(config.DefaultSandboxConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer m.Stop()

	done := make(chan bool, 1)
	m.AddReloadCallback("shout", func(name string, ok bool) { done <- ok })

	writeFile(t, filepath.Join(root, "skills", "shout.go"), shoutSkill)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("watcher reload reported failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not pick up new skill")
	}

	entry, ok := reg.Get("shout")
	if !ok || entry.Status != types.SkillActive {
		t.Fatalf("shout entry = %+v", entry)
	}
}
