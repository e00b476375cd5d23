package forge

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a Go code generator for the skillforge runtime.
Generate clean, idiomatic Go code that follows these conventions:
- Use only the standard library; no os, os/exec, net, syscall, unsafe, or plugin
- Return errors instead of calling panic()
- Include proper error handling with error returns
- Follow Go naming conventions

The skill must declare exactly this entry point:

    func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error)

and carry the marker comment on its own line:

    // skillforge:kind=generated

The returned map is the structured result of the skill.`

// categoryGuidance is appended to the user prompt per category.
var categoryGuidance = map[Category]string{
	CategoryWebScraping:    "The skill processes web page content passed in through the request or ctx; it must not open network connections itself. Parse markup with the strings and regexp packages.",
	CategoryFileOps:        "The skill operates on file content passed in via the request or ctx[\"content\"]; it must not touch the filesystem directly. Return the transformed content in the result map.",
	CategoryDataProcessing: "The skill parses and transforms structured data (JSON, CSV, lists) using encoding/json, strings, strconv, and sort.",
	CategoryAPIIntegration: "The skill prepares or interprets API payloads passed through ctx; it must not perform HTTP calls itself. Build request/response maps with encoding/json.",
	CategoryTextAnalysis:   "The skill analyses the request text: counts, keyword extraction, simple scoring. Use strings, unicode, and regexp.",
	CategoryAutomation:     "The skill plans or sequences steps and returns them as a structured list in the result map.",
	CategoryGeneral:        "The skill interprets the request and returns a useful structured result.",
}

// generationPrompt builds the user prompt for a fresh skill.
func generationPrompt(name string, category Category, request string) string {
	return fmt.Sprintf(`Generate a Go skill with these specifications:

Skill Name: %s
Category: %s
User Request: %s

Guidance: %s

The skill must:
1. Be in package main.
2. Declare func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error).
3. Include the marker comment line: // skillforge:kind=generated
4. Handle malformed input by returning an error, never by panicking.
5. Put all output in the returned map.

Generate complete, compilable Go code:`, name, category, request, categoryGuidance[category])
}

// feedbackPrompt asks for a corrected version after validation rejected the
// previous candidate.
func feedbackPrompt(name string, category Category, request, previousCode string, violations []string) string {
	return fmt.Sprintf(`Your previous code for skill %q was rejected by static validation.

--- VALIDATION ERRORS ---
%s

--- PREVIOUS CODE (DO NOT REPEAT THESE MISTAKES) ---
%s

--- ORIGINAL SPECIFICATIONS ---
Category: %s
User Request: %s

Generate CORRECTED Go code that:
1. Fixes ALL the validation errors listed above
2. Declares func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error)
3. Includes the marker comment line: // skillforge:kind=generated
4. Uses only safe standard-library imports
5. Returns errors instead of panicking

Generate complete, compilable Go code:`,
		name, strings.Join(violations, "\n"), previousCode, category, request)
}

// patchPrompt asks for a minimal fix to a failing skill.
func patchPrompt(name, source, failureMessage string) string {
	return fmt.Sprintf(`The Go skill %q fails at runtime.

--- EXACT ERROR ---
%s

--- CURRENT CODE ---
%s

Produce a corrected version of the complete file that fixes this error while
preserving the ExecuteSkill signature and the marker comment. Change as
little as possible. Keep all imports within the safe standard library.

Generate the complete, corrected Go file:`, name, failureMessage, source)
}

// dependencyFixPrompt asks for an import-level repair.
func dependencyFixPrompt(name, source, failureMessage string) string {
	return fmt.Sprintf(`The Go skill %q fails because of its imports.

--- EXACT ERROR ---
%s

--- CURRENT CODE ---
%s

Rewrite the file so that it only imports from this allowlist: bytes,
encoding/*, errors, fmt, math, math/rand, regexp, sort, strconv, strings,
time, unicode*. Replace any other dependency with an equivalent built from
the allowed packages. Preserve the ExecuteSkill signature and the marker
comment.

Generate the complete, corrected Go file:`, name, failureMessage, source)
}

// extractCodeBlock pulls a fenced code block out of a generator response,
// or returns the trimmed text when the response is already raw code.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			if end := strings.Index(text[start:], "```"); end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}
	return strings.TrimSpace(text)
}
