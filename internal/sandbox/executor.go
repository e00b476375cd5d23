// Package sandbox runs skill source through the yaegi interpreter instead
// of compiling it. Only an allowlist of stdlib packages may be imported, so
// a generated skill cannot reach the filesystem, the network, or exec.
package sandbox

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// EntryPoint is the function every skill source must define:
//
//	func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error)
const EntryPoint = "ExecuteSkill"

// defaultAllowedImports is the stdlib allowlist. os, os/exec, net, syscall,
// and unsafe stay blocked.
var defaultAllowedImports = []string{
	"bytes",
	"encoding/base64",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/rand",
	"path",
	"path/filepath",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// SkillFunc is the interpreted entry point's native signature.
type SkillFunc func(request string, ctx map[string]interface{}) (map[string]interface{}, error)

// Executor interprets and runs skill source.
type Executor struct {
	timeout time.Duration
	allowed map[string]bool
}

// NewExecutor builds an executor from config.
func NewExecutor(cfg config.SandboxConfig) *Executor {
	allowed := make(map[string]bool, len(defaultAllowedImports)+len(cfg.ExtraAllowedImports))
	for _, pkg := range defaultAllowedImports {
		allowed[pkg] = true
	}
	for _, pkg := range cfg.ExtraAllowedImports {
		allowed[pkg] = true
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{timeout: timeout, allowed: allowed}
}

// ValidateImports parses the source and rejects imports outside the
// allowlist.
func (e *Executor) ValidateImports(source string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "skill.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("source does not parse: %w", err)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if !e.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// Load interprets the source and returns the entry point as a native
// function. The source is wrapped in package main when it declares another
// package name.
func (e *Executor) Load(source string) (SkillFunc, error) {
	if err := e.ValidateImports(source); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapSource(source)); err != nil {
		return nil, fmt.Errorf("skill evaluation failed: %w", err)
	}

	v, err := i.Eval("main." + EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("entry point %s not found: %w", EntryPoint, err)
	}
	fn, ok := v.Interface().(func(string, map[string]interface{}) (map[string]interface{}, error))
	if !ok {
		return nil, fmt.Errorf("%s has wrong signature (want func(string, map[string]interface{}) (map[string]interface{}, error))", EntryPoint)
	}
	return SkillFunc(fn), nil
}

// LoadFile reads a skill source file and loads it.
func (e *Executor) LoadFile(path string) (SkillFunc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill source: %w", err)
	}
	return e.Load(string(data))
}

// Execute runs a loaded skill with the executor's timeout. The interpreted
// function cannot be preempted, so a timeout abandons the goroutine and
// reports failure.
func (e *Executor) Execute(ctx context.Context, fn SkillFunc, request string, skillCtx map[string]interface{}) (*types.SkillResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("skill panicked: %v", r)}
			}
		}()
		result, err := fn(request, skillCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			logging.SandboxDebug("Skill failed after %v: %v", elapsed, out.err)
			return &types.SkillResult{Success: false, Error: out.err.Error()}, out.err
		}
		logging.SandboxDebug("Skill completed in %v", elapsed)
		return &types.SkillResult{
			Success: true,
			Result:  out.result,
			Metadata: map[string]interface{}{
				"duration_ms": elapsed.Milliseconds(),
			},
		}, nil
	case <-ctx.Done():
		logging.Sandbox("Skill execution timed out after %v", e.timeout)
		return &types.SkillResult{Success: false, Error: "execution timed out"},
			fmt.Errorf("skill execution timed out: %w", ctx.Err())
	}
}

// Handle wraps a source file into a types.SkillHandle that loads once and
// executes per call.
func (e *Executor) Handle(path string) (types.SkillHandle, error) {
	fn, err := e.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, request string, skillCtx map[string]interface{}) (*types.SkillResult, error) {
		return e.Execute(ctx, fn, request, skillCtx)
	}, nil
}

// wrapSource forces package main so the entry point resolves uniformly.
func wrapSource(source string) string {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "package main") || strings.Contains(source, "\npackage main") {
		return source
	}
	if idx := strings.Index(source, "package "); idx >= 0 {
		end := strings.Index(source[idx:], "\n")
		if end > 0 {
			return source[:idx] + "package main" + source[idx+end:]
		}
	}
	return "package main\n\n" + source
}
