// Package validator performs the pre-flight checks that decide whether a
// blueprint document may be executed.
//
// Checks always run in a fixed order and all findings are returned:
// identifier uniqueness, referential integrity, cycle detection, interface
// compatibility and required-field completeness, followed by advisory
// authoring warnings. Interface findings are warnings; the other core
// categories are hard failures.
package validator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/document"
)

const instrumentationName = "github.com/zeroechelon/blueprint/validator"

// Validator checks documents. It is stateless and safe for concurrent use.
type Validator struct {
	compatible CompatibilityFunc
	advisories bool
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option configures a Validator.
type Option func(*Validator)

// WithCompatibility replaces the interface compatibility rule.
func WithCompatibility(fn CompatibilityFunc) Option {
	return func(v *Validator) {
		if fn != nil {
			v.compatible = fn
		}
	}
}

// WithAdvisories toggles the authoring warnings (acceptance criteria, title,
// owner). They are on by default.
func WithAdvisories(enabled bool) Option {
	return func(v *Validator) { v.advisories = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New creates a Validator using TokenOverlap for interface checks.
func New(opts ...Option) *Validator {
	v := &Validator{
		compatible: TokenOverlap,
		advisories: true,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(zap.String("component", "validator"))
	return v
}

// Validate runs every check against doc. Validating the same document twice
// yields equal results.
func (v *Validator) Validate(ctx context.Context, doc *document.Document) *Result {
	_, span := v.tracer.Start(ctx, "validator.validate",
		trace.WithAttributes(attribute.Int("blueprint.tasks", len(doc.Tasks))))
	defer span.End()

	idx := doc.Index()
	r := &Result{}
	r.Findings = append(r.Findings, checkUniqueness(doc)...)
	r.Findings = append(r.Findings, checkReferences(doc, idx)...)
	r.Findings = append(r.Findings, checkCycles(doc, idx)...)
	r.Findings = append(r.Findings, v.checkInterfaces(doc, idx)...)
	r.Findings = append(r.Findings, checkCompleteness(doc)...)
	if v.advisories {
		r.Findings = append(r.Findings, checkAdvisories(doc)...)
	}

	errs, warns := len(r.Errors()), len(r.Warnings())
	span.SetAttributes(
		attribute.Int("blueprint.validation.errors", errs),
		attribute.Int("blueprint.validation.warnings", warns),
	)
	v.logger.Debug("document validated",
		zap.String("title", doc.Title()),
		zap.Int("tasks", len(doc.Tasks)),
		zap.Int("errors", errs),
		zap.Int("warnings", warns))
	return r
}

func checkUniqueness(doc *document.Document) []*ValidationError {
	seen := make(map[string][]*document.Task)
	var order []string
	for _, t := range doc.Tasks {
		if _, ok := seen[t.ID]; !ok {
			order = append(order, t.ID)
		}
		seen[t.ID] = append(seen[t.ID], t)
	}
	var out []*ValidationError
	for _, id := range order {
		tasks := seen[id]
		if len(tasks) < 2 {
			continue
		}
		locs := make([]document.Location, len(tasks))
		where := make([]string, len(tasks))
		for i, t := range tasks {
			locs[i] = t.Location
			where[i] = describeLocation(t.Location)
		}
		out = append(out, &ValidationError{
			Kind:      KindDuplicateID,
			Severity:  SeverityError,
			TaskID:    id,
			Locations: locs,
			Message:   fmt.Sprintf("id declared %d times (%s)", len(tasks), strings.Join(where, ", ")),
		})
	}
	return out
}

func checkReferences(doc *document.Document, idx map[string]*document.Task) []*ValidationError {
	var out []*ValidationError
	for _, t := range doc.Tasks {
		for _, dep := range t.AllDependencies() {
			if _, ok := idx[dep]; ok || doc.IsExternal(dep) {
				continue
			}
			out = append(out, &ValidationError{
				Kind:      KindUnresolvedDependency,
				Severity:  SeverityError,
				TaskID:    t.ID,
				Related:   []string{dep},
				Locations: []document.Location{t.Location},
				Message:   fmt.Sprintf("dependency %q does not resolve to a task or an external ref", dep),
			})
		}
	}

	links := doc.Links
	if len(links) == 0 && len(doc.Refs) > 0 {
		for _, ref := range doc.Refs {
			links = append(links, document.Link{Ref: ref, Err: "ref was never linked"})
		}
	}
	for _, link := range links {
		if link.Resolved {
			continue
		}
		sev := SeverityWarning
		if link.Ref.Required {
			sev = SeverityError
		}
		out = append(out, &ValidationError{
			Kind:     KindMissingRef,
			Severity: sev,
			Related:  []string{link.Ref.Locator},
			Message:  fmt.Sprintf("ref %s could not be resolved: %s", link.Ref.Locator, link.Err),
		})
	}
	return out
}

type color int

const (
	white color = iota
	grey
	black
)

// checkCycles walks the dependency graph with a three-colour DFS in document
// order. Every back edge is reported as a path that repeats its start id.
func checkCycles(doc *document.Document, idx map[string]*document.Task) []*ValidationError {
	colors := make(map[string]color, len(idx))
	var (
		stack []string
		out   []*ValidationError
		visit func(id string)
	)
	visit = func(id string) {
		colors[id] = grey
		stack = append(stack, id)
		for _, dep := range idx[id].AllDependencies() {
			if _, ok := idx[dep]; !ok {
				continue
			}
			switch colors[dep] {
			case white:
				visit(dep)
			case grey:
				out = append(out, cycleError(stack, dep, idx))
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, t := range doc.Tasks {
		if colors[t.ID] == white && idx[t.ID] == t {
			visit(t.ID)
		}
	}
	return out
}

func cycleError(stack []string, start string, idx map[string]*document.Task) *ValidationError {
	from := 0
	for i, id := range stack {
		if id == start {
			from = i
			break
		}
	}
	path := append(append([]string(nil), stack[from:]...), start)
	locs := make([]document.Location, 0, len(path)-1)
	for _, id := range path[:len(path)-1] {
		locs = append(locs, idx[id].Location)
	}
	return &ValidationError{
		Kind:      KindCycle,
		Severity:  SeverityError,
		TaskID:    start,
		Related:   path,
		Locations: locs,
		Message:   "dependency cycle: " + strings.Join(path, " -> "),
	}
}

func (v *Validator) checkInterfaces(doc *document.Document, idx map[string]*document.Task) []*ValidationError {
	var out []*ValidationError
	for _, t := range doc.Tasks {
		if idx[t.ID] != t {
			continue
		}
		for _, depID := range t.AllDependencies() {
			dep, ok := idx[depID]
			if !ok || dep == t {
				continue
			}
			if v.compatible(dep.Interface.Output, t.Interface.Input) {
				continue
			}
			out = append(out, &ValidationError{
				Kind:      KindInterfaceMismatch,
				Severity:  SeverityWarning,
				TaskID:    t.ID,
				Related:   []string{depID},
				Locations: []document.Location{t.Location, dep.Location},
				Message: fmt.Sprintf("input %q shares nothing with output %q of %s",
					t.Interface.Input, dep.Interface.Output, depID),
			})
		}
	}
	return out
}

func checkCompleteness(doc *document.Document) []*ValidationError {
	var out []*ValidationError
	missing := func(t *document.Task, fieldName, what string) {
		out = append(out, &ValidationError{
			Kind:      KindMissingField,
			Severity:  SeverityError,
			TaskID:    t.ID,
			Field:     fieldName,
			Locations: []document.Location{t.Location},
			Message:   fmt.Sprintf("%s is required (%s)", what, fieldName),
		})
	}
	for _, t := range doc.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			missing(t, "name", "a task name")
		}
		if strings.TrimSpace(t.TestCommand) == "" {
			missing(t, "test_command", "a verification command")
		}
		if strings.TrimSpace(t.Rollback) == "" {
			missing(t, "rollback", "a rollback command")
		}
		if t.Human != nil {
			if strings.TrimSpace(t.Human.Action) == "" {
				missing(t, "human_required.action", "a checkpoint action")
			}
			if t.Human.NotifyTarget() == "" {
				missing(t, "human_required.notify", "a checkpoint notify target")
			}
		}
	}
	return out
}

func checkAdvisories(doc *document.Document) []*ValidationError {
	var out []*ValidationError
	for _, t := range doc.Tasks {
		if len(t.AcceptanceCriteria) == 0 {
			out = append(out, &ValidationError{
				Kind:      KindNoAcceptanceCriteria,
				Severity:  SeverityWarning,
				TaskID:    t.ID,
				Locations: []document.Location{t.Location},
				Message:   "no acceptance criteria declared",
			})
		}
	}
	if strings.TrimSpace(doc.Metadata.Title) == "" {
		out = append(out, &ValidationError{Kind: KindNoTitle, Severity: SeverityWarning, Message: "document has no title"})
	}
	if strings.TrimSpace(doc.Metadata.Owner) == "" {
		out = append(out, &ValidationError{Kind: KindNoOwner, Severity: SeverityWarning, Message: "document has no owner"})
	}
	return out
}

func describeLocation(l document.Location) string {
	var parts []string
	if l.Source != "" {
		parts = append(parts, l.Source)
	}
	if l.Block > 0 {
		parts = append(parts, fmt.Sprintf("block %d", l.Block))
	}
	if l.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", l.Line))
	}
	if len(parts) == 0 {
		return "unknown location"
	}
	return strings.Join(parts, " ")
}
