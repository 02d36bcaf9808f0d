// Package generator is the boundary to the external service that turns a
// natural-language goal into a blueprint document.
//
// Generation itself is non-deterministic and lives outside this module. The
// package only transports the goal to a generator (a local command or an
// HTTP service) and checks that what comes back parses and stays small
// enough to execute without splitting it into referenced documents.
package generator

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/parser"
)

// DefaultMaxTasks is the largest generated document accepted before the
// author is asked to split it into referenced documents.
const DefaultMaxTasks = 100

var (
	// ErrEmptyGoal is returned for blank goals.
	ErrEmptyGoal = errors.New("goal is empty")
	// ErrEmptyOutput is returned when the generator produced nothing.
	ErrEmptyOutput = errors.New("generator produced no output")
	// ErrTooManyTasks is returned when a generated document exceeds the task
	// limit.
	ErrTooManyTasks = errors.New("generated document has too many tasks")
)

// Request carries the goal and optional hints.
type Request struct {
	Goal        string `json:"goal"`
	Context     string `json:"context,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// Generator produces document bytes for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) ([]byte, error)

func (f Func) Generate(ctx context.Context, req Request) ([]byte, error) { return f(ctx, req) }

// Generate runs g and parses the output. It rejects empty output, documents
// that do not parse and documents with more than maxTasks tasks (0 means
// DefaultMaxTasks). The raw bytes are returned with the parsed document so
// callers can write them out unchanged.
func Generate(ctx context.Context, g Generator, req Request, maxTasks int) ([]byte, *document.Document, error) {
	if req.Goal == "" {
		return nil, nil, ErrEmptyGoal
	}
	data, err := g.Generate(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("generate: %w", err)
	}
	doc, err := Check(data, maxTasks)
	if err != nil {
		return data, nil, err
	}
	return data, doc, nil
}

// Check parses generated output and enforces the task limit.
func Check(data []byte, maxTasks int) (*document.Document, error) {
	if len(data) == 0 {
		return nil, ErrEmptyOutput
	}
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	doc, err := parser.Parse(data, parser.WithSource("generated"))
	if err != nil {
		return nil, fmt.Errorf("generated document does not parse: %w", err)
	}
	if n := len(doc.Tasks); n > maxTasks {
		return doc, fmt.Errorf("%w: %d exceeds %d, split it into referenced documents", ErrTooManyTasks, n, maxTasks)
	}
	return doc, nil
}
