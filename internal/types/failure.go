package types

// FailureClass classifies a capability failure for the healing pipeline.
type FailureClass string

const (
	FailureSyntax     FailureClass = "syntax"
	FailureImport     FailureClass = "import"
	FailureRuntime    FailureClass = "runtime"
	FailureTimeout    FailureClass = "timeout"
	FailureDependency FailureClass = "dependency"
	FailureResource   FailureClass = "resource"
	FailureLogic      FailureClass = "logic"
)

// FailureRecord is the classified record every terminal failure carries.
// Raw framework errors never propagate upward; this does.
type FailureRecord struct {
	Kind           string       `json:"kind"` // input, transient, structural, capability
	Classification FailureClass `json:"classification"`
	Attempts       int          `json:"attempts"`
	LastStrategy   string       `json:"last_strategy,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// Failure kinds per the error taxonomy.
const (
	FailureKindInput      = "input"
	FailureKindTransient  = "transient"
	FailureKindStructural = "structural"
	FailureKindCapability = "capability"
)
