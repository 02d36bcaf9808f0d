package parser

import (
	"fmt"
	"strings"
)

// ParseError is a structural problem in one block of a document.
type ParseError struct {
	// TaskID is the id of the offending task, when it could be read
	TaskID string
	// Block is the 1-based index of the block in the source
	Block int
	// Line is the 1-based source line, 0 when unknown
	Line int
	// Field names the missing or invalid field, empty for whole-block errors
	Field   string
	Message string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	switch {
	case e.TaskID != "":
		fmt.Fprintf(&b, "task %s", e.TaskID)
	case e.Block > 0:
		fmt.Fprintf(&b, "block %d", e.Block)
	default:
		b.WriteString("document")
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// ParseErrors collects every block-level error found in one pass.
type ParseErrors []*ParseError

func (es ParseErrors) Error() string {
	switch len(es) {
	case 0:
		return "no parse errors"
	case 1:
		return es[0].Error()
	}
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d parse errors: %s", len(es), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual errors to errors.As.
func (es ParseErrors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// ForTask returns the errors attributed to the given task id.
func (es ParseErrors) ForTask(id string) ParseErrors {
	var out ParseErrors
	for _, e := range es {
		if e.TaskID == id {
			out = append(out, e)
		}
	}
	return out
}

// errorList is the collector threaded through a single parse.
type errorList struct {
	errs ParseErrors
}

func (l *errorList) add(e *ParseError) {
	l.errs = append(l.errs, e)
}

func (l *errorList) err() error {
	if len(l.errs) == 0 {
		return nil
	}
	return l.errs
}
