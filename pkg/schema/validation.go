package schema

import (
	"fmt"
	"strings"
)

// maxListedIssues bounds how many errors ToError spells out.
const maxListedIssues = 3

// ValidationIssue is one finding about a plan, located by a JSON-ish path
// such as "steps[2].output_var".
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects blocking errors and advisory warnings.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no blocking error was recorded.
func (r *ValidationResult) Valid() bool {
	return r == nil || len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message})
}

// Merge appends other's findings; other may be nil.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil when valid, otherwise a ConductorError of the given
// kind listing the first few errors. All issues travel in Details.
func (r *ValidationResult) ToError(kind string) error {
	if r.Valid() {
		return nil
	}

	listed := make([]string, 0, maxListedIssues)
	for i, issue := range r.Errors {
		if i == maxListedIssues {
			break
		}
		listed = append(listed, issue.String())
	}
	msg := strings.Join(listed, "; ")
	if extra := len(r.Errors) - len(listed); extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}

	return NewError(kind, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}
