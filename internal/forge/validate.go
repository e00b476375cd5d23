package forge

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// ValidationResult carries everything static validation learned about a
// candidate source.
type ValidationResult struct {
	Valid            bool
	ParseError       error
	Errors           []string
	Warnings         []string
	PackageName      string
	Functions        []string
	Imports          []string
	HasEntryPoint    bool
	HasErrorHandling bool
}

// ValidateSource statically checks a generated skill source: it must parse,
// declare the entry point with the expected signature, and contain error
// handling. Dangerous imports surface as errors here even though the
// sandbox allowlist would also reject them at load time.
func ValidateSource(source string) *ValidationResult {
	result := &ValidationResult{Valid: true}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "skill.go", source, parser.ParseComments)
	if err != nil {
		result.Valid = false
		result.ParseError = err
		result.Errors = append(result.Errors, fmt.Sprintf("syntax error: %v", err))
		return result
	}
	result.PackageName = file.Name.Name

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		result.Imports = append(result.Imports, path)
		switch {
		case path == "unsafe" || path == "syscall" || path == "plugin" || path == "os/exec":
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("forbidden import %q", path))
		case path == "net" || strings.HasPrefix(path, "net/"):
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("forbidden import %q", path))
		case path == "os" || strings.HasPrefix(path, "os/"):
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("forbidden import %q", path))
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncDecl:
			result.Functions = append(result.Functions, node.Name.Name)
			if node.Name.Name == entryPointName && node.Recv == nil {
				if entryPointSignatureOK(node.Type) {
					result.HasEntryPoint = true
				} else {
					result.Errors = append(result.Errors,
						entryPointName+" has the wrong signature; want (string, map[string]interface{}) (map[string]interface{}, error)")
				}
			}
		case *ast.IfStmt:
			if condMentionsErr(node.Cond) {
				result.HasErrorHandling = true
			}
		case *ast.ReturnStmt:
			if returnsError(node) {
				result.HasErrorHandling = true
			}
		case *ast.CallExpr:
			if isPanicCall(node) {
				result.Warnings = append(result.Warnings, "uses panic; errors should be returned")
			}
		}
		return true
	})

	if !result.HasEntryPoint {
		result.Valid = false
		if len(result.Errors) == 0 || !strings.Contains(result.Errors[len(result.Errors)-1], entryPointName) {
			result.Errors = append(result.Errors, "missing entry point "+entryPointName)
		}
	}
	if !result.HasErrorHandling {
		result.Valid = false
		result.Errors = append(result.Errors, "no error handling found")
	}
	if len(result.Errors) > 0 {
		result.Valid = false
	}
	return result
}

const entryPointName = "ExecuteSkill"

// entryPointSignatureOK checks for
// func ExecuteSkill(request string, ctx map[string]interface{}) (map[string]interface{}, error).
func entryPointSignatureOK(ft *ast.FuncType) bool {
	if ft.Params == nil || len(ft.Params.List) != 2 {
		return false
	}
	if !isIdent(ft.Params.List[0].Type, "string") {
		return false
	}
	if !isStringAnyMap(ft.Params.List[1].Type) {
		return false
	}
	if ft.Results == nil || len(ft.Results.List) != 2 {
		return false
	}
	return isStringAnyMap(ft.Results.List[0].Type) && isIdent(ft.Results.List[1].Type, "error")
}

func isIdent(expr ast.Expr, name string) bool {
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == name
}

func isStringAnyMap(expr ast.Expr) bool {
	m, ok := expr.(*ast.MapType)
	if !ok || !isIdent(m.Key, "string") {
		return false
	}
	switch v := m.Value.(type) {
	case *ast.InterfaceType:
		return v.Methods == nil || len(v.Methods.List) == 0
	case *ast.Ident:
		return v.Name == "any"
	}
	return false
}

func condMentionsErr(cond ast.Expr) bool {
	found := false
	ast.Inspect(cond, func(n ast.Node) bool {
		if id, ok := n.(*ast.Ident); ok && strings.Contains(strings.ToLower(id.Name), "err") {
			found = true
			return false
		}
		return true
	})
	return found
}

// returnsError reports whether the return's last value is a constructed or
// propagated error rather than nil.
func returnsError(ret *ast.ReturnStmt) bool {
	if len(ret.Results) == 0 {
		return false
	}
	switch last := ret.Results[len(ret.Results)-1].(type) {
	case *ast.Ident:
		return strings.Contains(strings.ToLower(last.Name), "err")
	case *ast.CallExpr:
		if sel, ok := last.Fun.(*ast.SelectorExpr); ok {
			if pkg, ok := sel.X.(*ast.Ident); ok {
				return (pkg.Name == "fmt" && sel.Sel.Name == "Errorf") ||
					(pkg.Name == "errors" && sel.Sel.Name == "New")
			}
		}
	}
	return false
}

func isPanicCall(call *ast.CallExpr) bool {
	id, ok := call.Fun.(*ast.Ident)
	return ok && id.Name == "panic"
}

// Err folds the validation errors into one error for callers.
func (v *ValidationResult) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("validation failed: %s", strings.Join(v.Errors, "; "))
}
