package calculation

import "slices"

// WarningKind is the stage-level category of a warning
type WarningKind string

const (
	WarningParsing       WarningKind = "parsing"
	WarningNormalization WarningKind = "normalization"
	WarningPackaging     WarningKind = "packaging"
	WarningInactive      WarningKind = "inactive-package"
	WarningOptimization  WarningKind = "optimization"
)

// Severity of a warning
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

// Warning is a non-fatal data-quality issue attached to a result
type Warning struct {
	Kind     WarningKind `json:"type"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
}

// SortWarnings returns a copy ordered high, medium, low, preserving the
// relative order of warnings with equal severity.
func SortWarnings(warnings []Warning) []Warning {
	sorted := slices.Clone(warnings)
	if sorted == nil {
		sorted = []Warning{}
	}
	slices.SortStableFunc(sorted, func(a, b Warning) int {
		return a.Severity.rank() - b.Severity.rank()
	})
	return sorted
}
