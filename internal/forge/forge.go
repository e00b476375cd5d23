// Package forge synthesises new skills when no registered capability claims
// a request, and heals skills that keep failing. Generated sources go
// through static validation, sandbox loading, registration, and a smoke
// execution; any failed step rolls the pipeline back so the registry never
// holds a half-registered skill.
package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/discovery"
	"skillforge/internal/llm"
	"skillforge/internal/logging"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/types"
)

// ErrGenerationDisabled is returned when a capability is missing and the
// synthesis pipeline is switched off.
var ErrGenerationDisabled = fmt.Errorf("skill generation is disabled")

// DecisionFunc approves or rejects a generation attempt. The baseline
// policy approves everything; callers may wire in something stricter.
type DecisionFunc func(request string, category Category) bool

// AlwaysGenerate is the baseline decision policy.
func AlwaysGenerate(string, Category) bool { return true }

// Signal tells the caller that no existing skill claims the request.
type Signal struct {
	ActionNeeded string                 `json:"action_needed"`
	Details      map[string]interface{} `json:"details"`
}

// Outcome is the result of HandleRequest: exactly one field is set.
type Outcome struct {
	Result *types.SkillResult `json:"result,omitempty"` // An existing skill handled it
	Skill  *types.Skill       `json:"skill,omitempty"`  // A new skill was synthesised
	Signal *Signal            `json:"signal,omitempty"` // Generation needed but not performed
}

// GenerationRecord is one entry of the generation history.
type GenerationRecord struct {
	Request   string    `json:"request"`
	SkillName string    `json:"skill_name,omitempty"`
	Step      string    `json:"step"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Forge is the self-building orchestrator.
type Forge struct {
	cfg    config.ForgeConfig
	genCfg config.GeneratorConfig
	client llm.Client
	reg    *registry.Registry
	disc   *discovery.Manager
	exec   *sandbox.Executor
	decide DecisionFunc

	patterns *PatternDetector

	mu      sync.Mutex
	history []GenerationRecord

	now func() time.Time
}

// New wires the forge. A nil decide falls back to AlwaysGenerate.
func New(cfg config.ForgeConfig, genCfg config.GeneratorConfig, client llm.Client,
	reg *registry.Registry, disc *discovery.Manager, exec *sandbox.Executor,
	decide DecisionFunc) *Forge {
	if decide == nil {
		decide = AlwaysGenerate
	}
	return &Forge{
		cfg:      cfg,
		genCfg:   genCfg,
		client:   client,
		reg:      reg,
		disc:     disc,
		exec:     exec,
		decide:   decide,
		patterns: NewPatternDetector(cfg.PatternThreshold),
		now:      time.Now,
	}
}

// Patterns exposes the failure pattern detector.
func (f *Forge) Patterns() *PatternDetector { return f.patterns }

// History returns a copy of the generation history.
func (f *Forge) History() []GenerationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]GenerationRecord, len(f.history))
	copy(out, f.history)
	return out
}

func (f *Forge) record(rec GenerationRecord) {
	rec.At = f.now()
	f.mu.Lock()
	f.history = append(f.history, rec)
	f.mu.Unlock()
}

// HandleRequest resolves a request against the registry. A matching active
// skill is executed directly. Otherwise the decision function is consulted
// and, if approved and enabled, a new skill is generated; when generation
// is declined or disabled the caller receives the signal instead.
func (f *Forge) HandleRequest(ctx context.Context, request string, skillCtx map[string]interface{}) (*Outcome, error) {
	if name, ok := f.MatchSkill(request); ok {
		entry, found := f.reg.Get(name)
		if found && entry.Skill.Handle != nil {
			logging.ForgeDebug("Request matched existing skill %s", name)
			result, err := entry.Skill.Handle(ctx, request, skillCtx)
			if err != nil {
				return nil, fmt.Errorf("skill %s failed: %w", name, err)
			}
			return &Outcome{Result: result}, nil
		}
	}

	category := Classify(request)
	signal := &Signal{
		ActionNeeded: "generation_required",
		Details: map[string]interface{}{
			"request":  request,
			"category": string(category),
		},
	}

	if !f.cfg.GenerationEnabled {
		return &Outcome{Signal: signal}, ErrGenerationDisabled
	}
	if !f.decide(request, category) {
		logging.Forge("Generation declined by policy for request %q", truncateRequest(request))
		return &Outcome{Signal: signal}, nil
	}

	skill, err := f.GenerateSkill(ctx, request)
	if err != nil {
		return &Outcome{Signal: signal}, err
	}
	return &Outcome{Skill: skill}, nil
}

// Enabled reports whether the synthesis pipeline is switched on.
func (f *Forge) Enabled() bool { return f.cfg.GenerationEnabled }

// SetGenerationEnabled toggles the synthesis pipeline at runtime.
func (f *Forge) SetGenerationEnabled(enabled bool) { f.cfg.GenerationEnabled = enabled }

// MatchSkill finds an active skill whose name tokens all appear in the
// request. The newest match wins so regenerated skills shadow older ones.
func (f *Forge) MatchSkill(request string) (string, bool) {
	text := strings.ToLower(request)
	names := f.reg.List(registry.Filter{Status: types.SkillActive})

	var best string
	for _, name := range names {
		base := strings.ToLower(name)
		// Strip the trailing generation timestamp if present.
		if i := strings.LastIndex(base, "_"); i > 0 && len(base)-i == 15 {
			base = base[:i]
		}
		matched := true
		for _, tok := range strings.Split(base, "_") {
			if tok == "" || !strings.Contains(text, tok) {
				matched = false
				break
			}
		}
		if matched && name > best {
			best = name
		}
	}
	return best, best != ""
}

// GenerateSkill runs the synthesis pipeline end to end. Validation gets one
// feedback retry; every later step rolls back what came before it on
// failure.
func (f *Forge) GenerateSkill(ctx context.Context, request string) (*types.Skill, error) {
	timer := logging.StartTimer(logging.CategoryForge, "GenerateSkill")
	defer timer.Stop()

	category := Classify(request)
	name := DeriveName(request, f.now())

	logging.Forge("Generating skill %s (category %s) for request %q", name, category, truncateRequest(request))
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditGenerationStart,
		Category:  string(logging.CategoryForge),
		Target:    name,
		Success:   true,
		Fields:    map[string]interface{}{"category": string(category), "request": truncateRequest(request)},
	})

	fail := func(step string, err error) (*types.Skill, error) {
		f.record(GenerationRecord{Request: request, SkillName: name, Step: step, Error: err.Error()})
		logging.Get(logging.CategoryForge).Error("Generation step %s failed for %s: %v", step, name, err)
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditGenerationFailed,
			Category:  string(logging.CategoryForge),
			Target:    name,
			Error:     err.Error(),
			Fields:    map[string]interface{}{"step": step},
		})
		return nil, fmt.Errorf("generation step %s: %w", step, err)
	}
	step := func(stepName string) {
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditGenerationStep,
			Category:  string(logging.CategoryForge),
			Target:    name,
			Success:   true,
			Fields:    map[string]interface{}{"step": stepName},
		})
	}

	// Steps 1-4: prompt, generate, extract, validate, with one feedback
	// retry when validation rejects the candidate.
	source, err := f.generateValidated(ctx, name, category, request)
	if err != nil {
		return fail("generate", err)
	}
	step("generate")

	// Step 5: write the source under the generated-skills directory.
	if err := os.MkdirAll(f.cfg.GeneratedDir, 0755); err != nil {
		return fail("write", err)
	}
	path := filepath.Join(f.cfg.GeneratedDir, name+".go")
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		return fail("write", err)
	}
	step("write")

	// Step 6: load through the sandbox and register.
	skill := &types.Skill{
		Name:        name,
		Kind:        types.SkillKindGenerated,
		Description: truncateRequest(request),
		SourcePath:  path,
	}
	if err := f.disc.Load(skill); err != nil {
		_ = os.Remove(path)
		return fail("load", err)
	}
	if err := f.reg.Activate(name); err != nil {
		_ = f.reg.Deregister(name)
		_ = os.Remove(path)
		return fail("activate", err)
	}
	step("register")

	// Supplemental step: smoke-execute so the first real task does not pay
	// for a dead-on-arrival skill. The smoke latency seeds the perf stats.
	if err := f.smoke(ctx, skill); err != nil {
		_ = f.reg.Deactivate(name)
		_ = f.reg.Deregister(name)
		_ = os.Remove(path)
		return fail("smoke", err)
	}
	step("smoke")

	f.record(GenerationRecord{Request: request, SkillName: name, Step: "complete"})
	logging.Forge("Skill %s generated and activated", name)
	logging.Audit().LogEvent(logging.AuditGenerationComplete, name, true, path)
	return skill, nil
}

// generateValidated produces a statically valid source, retrying once with
// validation feedback folded into the prompt.
func (f *Forge) generateValidated(ctx context.Context, name string, category Category, request string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, f.genCfg.Timeout)
	defer cancel()

	response, err := f.client.CompleteWithSystem(genCtx, systemPrompt, generationPrompt(name, category, request))
	if err != nil {
		return "", fmt.Errorf("generator call failed: %w", err)
	}
	source := ensureMarker(extractCodeBlock(response, "go"))

	result := ValidateSource(source)
	if result.Valid {
		return source, nil
	}
	logging.ForgeDebug("Validation rejected %s, retrying with feedback: %v", name, result.Errors)

	retryCtx, cancelRetry := context.WithTimeout(ctx, f.genCfg.Timeout)
	defer cancelRetry()
	response, err = f.client.CompleteWithSystem(retryCtx, systemPrompt,
		feedbackPrompt(name, category, request, source, result.Errors))
	if err != nil {
		return "", fmt.Errorf("generator retry failed: %w", err)
	}
	source = ensureMarker(extractCodeBlock(response, "go"))

	if result = ValidateSource(source); !result.Valid {
		return "", result.Err()
	}
	return source, nil
}

// smoke runs one bounded execution against the freshly loaded handle.
func (f *Forge) smoke(ctx context.Context, skill *types.Skill) error {
	smokeCtx, cancel := context.WithTimeout(ctx, f.cfg.SmokeTimeout)
	defer cancel()

	start := f.now()
	result, err := skill.Handle(smokeCtx, "smoke test", map[string]interface{}{"smoke": true})
	latency := f.now().Sub(start)
	if err != nil {
		return fmt.Errorf("smoke execution failed: %w", err)
	}
	if result == nil {
		return fmt.Errorf("smoke execution returned no result")
	}

	f.reg.RecordExecution(skill.Name, latency, result.Success)
	logging.ForgeDebug("Smoke execution of %s took %v (success=%v)", skill.Name, latency, result.Success)
	return nil
}

// ensureMarker guarantees the discovery marker so the scanner and watcher
// recognise the file.
func ensureMarker(source string) string {
	if strings.Contains(source, "// skillforge:kind=") {
		return source
	}
	return "// skillforge:kind=generated\n" + source
}

func truncateRequest(s string) string {
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
