package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeroechelon/blueprint/document"
)

// Kind categorises a finding.
type Kind string

const (
	KindDuplicateID          Kind = "duplicate_id"
	KindUnresolvedDependency Kind = "unresolved_dependency"
	KindMissingRef           Kind = "missing_ref"
	KindCycle                Kind = "cycle"
	KindInterfaceMismatch    Kind = "interface_mismatch"
	KindMissingField         Kind = "missing_field"
	KindNoAcceptanceCriteria Kind = "no_acceptance_criteria"
	KindNoTitle              Kind = "no_title"
	KindNoOwner              Kind = "no_owner"
)

// Severity distinguishes hard failures from advisory findings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationError is one finding of a validation pass.
type ValidationError struct {
	Kind     Kind
	Severity Severity
	// TaskID is the task the finding is about, empty for document-level findings
	TaskID string
	// Field names the offending field for missing_field findings
	Field string
	// Related lists other ids involved: the cycle path, the dependency, or
	// the ids sharing a duplicate
	Related []string
	// Locations holds every declaration site relevant to the finding
	Locations []document.Location
	Message   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Severity))
	b.WriteString(" [")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.TaskID != "" {
		fmt.Fprintf(&b, " task %s", e.TaskID)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Hard reports whether the finding blocks execution.
func (e *ValidationError) Hard() bool {
	return e.Severity == SeverityError
}

// Result is the ordered outcome of a validation pass.
type Result struct {
	Findings []*ValidationError
}

// Valid reports whether no findings at all were produced.
func (r *Result) Valid() bool {
	return len(r.Findings) == 0
}

// Executable reports whether the document has no hard failures.
func (r *Result) Executable() bool {
	return len(r.Errors()) == 0
}

// Errors returns the hard findings in order.
func (r *Result) Errors() []*ValidationError {
	return r.filter(func(e *ValidationError) bool { return e.Hard() })
}

// Warnings returns the advisory findings in order.
func (r *Result) Warnings() []*ValidationError {
	return r.filter(func(e *ValidationError) bool { return !e.Hard() })
}

// ByKind returns findings of one kind in order.
func (r *Result) ByKind(kind Kind) []*ValidationError {
	return r.filter(func(e *ValidationError) bool { return e.Kind == kind })
}

// NeedsAcknowledgment reports whether execution requires an explicit
// acknowledgment of interface mismatches.
func (r *Result) NeedsAcknowledgment() bool {
	return len(r.ByKind(KindInterfaceMismatch)) > 0
}

// Err joins the hard findings into one error, or returns nil.
func (r *Result) Err() error {
	hard := r.Errors()
	if len(hard) == 0 {
		return nil
	}
	errs := make([]error, len(hard))
	for i, e := range hard {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *Result) filter(keep func(*ValidationError) bool) []*ValidationError {
	var out []*ValidationError
	for _, e := range r.Findings {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
