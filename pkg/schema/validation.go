package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks execution or is
// advisory only.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
// Path is a dotted/indexed locator into the workflow definition, e.g.
// "nodes[2].config.action".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects every issue the validation pipeline found,
// in emission order. Issues of both severities interleave so a report
// reads in definition order.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid reports whether execution may start: no error-severity issues.
// Warnings alone do not block.
func (r *ValidationResult) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// AddError appends an issue that blocks execution.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends an advisory issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Errors returns the blocking issues in emission order.
func (r *ValidationResult) Errors() []ValidationIssue {
	return r.filter(SeverityError)
}

// Warnings returns the advisory issues in emission order.
func (r *ValidationResult) Warnings() []ValidationIssue {
	return r.filter(SeverityWarning)
}

func (r *ValidationResult) filter(sev ValidationSeverity) []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range r.Issues {
		if issue.Severity == sev {
			out = append(out, issue)
		}
	}
	return out
}

// Merge appends another result's issues onto this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError converts the result to an EngineError when invalid, nil when
// execution may proceed. The first blocking issue names the failure; the
// full issue list rides in the error details.
func (r *ValidationResult) ToError() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}

	msg := fmt.Sprintf("%s: %s", errs[0].Path, errs[0].Message)
	if len(errs) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors, first at %s: %s",
			len(errs), errs[0].Path, errs[0].Message)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(errs),
			"warning_count": len(r.Issues) - len(errs),
			"issues":        r.Issues,
		})
}
