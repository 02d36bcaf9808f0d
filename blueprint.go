// Package blueprint compiles task documents into execution plans and runs
// them.
//
// A document is compiled in four stages: parse, link refs, validate and
// tier. Execution hands the plan to an executor and records the report.
//
// Usage:
//
//	c, err := blueprint.CompileFile(ctx, "plan.md")
//	if err != nil {
//	    // parse failure, or c.Validation explains why it cannot run
//	}
//	fmt.Print(c.Plan.Summary())
//
//	report, err := blueprint.Execute(ctx, c, executor.New(dispatch.NewSimulated(0, nil), nil), nil)
package blueprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/executor"
	"github.com/zeroechelon/blueprint/linker"
	"github.com/zeroechelon/blueprint/parser"
	"github.com/zeroechelon/blueprint/runstore"
	"github.com/zeroechelon/blueprint/scheduler"
	"github.com/zeroechelon/blueprint/validator"
)

// ErrNotExecutable is returned by Compile when validation reports hard
// findings. It is the executor's sentinel so callers can match either.
var ErrNotExecutable = executor.ErrNotExecutable

// FindingRecorder receives one call per validation finding.
type FindingRecorder interface {
	RecordFinding(kind, severity string)
}

// Compilation is the result of compiling one document.
type Compilation struct {
	Document   *document.Document
	Validation *validator.Result
	// Plan is nil when the document is not executable
	Plan *scheduler.ExecutionPlan
}

// Executable reports whether the compilation produced a plan.
func (c *Compilation) Executable() bool {
	return c != nil && c.Plan != nil
}

// LinkedFiles returns the local paths of the document and its resolved
// refs, suitable for watching.
func (c *Compilation) LinkedFiles() []string {
	if c == nil || c.Document == nil || c.Document.Source == "" {
		return nil
	}
	files := []string{c.Document.Source}
	base := filepath.Dir(c.Document.Source)
	for _, l := range c.Document.Links {
		loc := strings.TrimSpace(l.Ref.Locator)
		if strings.Contains(loc, "://") {
			continue
		}
		if !filepath.IsAbs(loc) {
			loc = filepath.Join(base, loc)
		}
		files = append(files, loc)
	}
	return files
}

// Compiler runs the compile pipeline. It is safe for concurrent use.
type Compiler struct {
	linker    *linker.Linker
	validator *validator.Validator
	scheduler *scheduler.Scheduler
	recorder  FindingRecorder
	logger    *zap.Logger
}

// CompilerOption configures a Compiler.
type CompilerOption func(*compilerOptions)

type compilerOptions struct {
	loader        linker.Loader
	cacheSize     int
	linkerOpts    []linker.Option
	validatorOpts []validator.Option
	recorder      FindingRecorder
	logger        *zap.Logger
}

// WithLoader sets how refs are fetched. The default reads local files.
func WithLoader(l linker.Loader) CompilerOption {
	return func(o *compilerOptions) { o.loader = l }
}

// WithLinkCache sets the linked-document cache size.
func WithLinkCache(size int) CompilerOption {
	return func(o *compilerOptions) { o.cacheSize = size }
}

// WithLinkerOptions passes options to the linker.
func WithLinkerOptions(opts ...linker.Option) CompilerOption {
	return func(o *compilerOptions) { o.linkerOpts = append(o.linkerOpts, opts...) }
}

// WithValidatorOptions passes options to the validator.
func WithValidatorOptions(opts ...validator.Option) CompilerOption {
	return func(o *compilerOptions) { o.validatorOpts = append(o.validatorOpts, opts...) }
}

// WithFindingRecorder reports every validation finding to r.
func WithFindingRecorder(r FindingRecorder) CompilerOption {
	return func(o *compilerOptions) { o.recorder = r }
}

// WithLogger sets the logger shared by all stages.
func WithLogger(logger *zap.Logger) CompilerOption {
	return func(o *compilerOptions) { o.logger = logger }
}

// NewCompiler creates a Compiler.
func NewCompiler(opts ...CompilerOption) (*Compiler, error) {
	o := compilerOptions{loader: linker.FileLoader{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	l, err := linker.New(o.loader, o.cacheSize, append([]linker.Option{linker.WithLogger(o.logger)}, o.linkerOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("create linker: %w", err)
	}
	return &Compiler{
		linker:    l,
		validator: validator.New(append([]validator.Option{validator.WithLogger(o.logger)}, o.validatorOpts...)...),
		scheduler: scheduler.New(o.logger),
		recorder:  o.recorder,
		logger:    o.logger.With(zap.String("component", "compiler")),
	}, nil
}

// Validator returns the validator, so an executor can share its settings.
func (c *Compiler) Validator() *validator.Validator {
	return c.validator
}

// Compile parses, links, validates and plans data. Parse failures return
// parser.ParseErrors and no Compilation. A document with hard findings
// returns a Compilation without a Plan together with an error wrapping
// ErrNotExecutable.
func (c *Compiler) Compile(ctx context.Context, data []byte, opts ...parser.Option) (*Compilation, error) {
	doc, err := parser.Parse(data, opts...)
	if err != nil {
		return nil, err
	}
	return c.compileDocument(ctx, doc)
}

// CompileFile compiles the document at path. Refs resolve relative to it.
func (c *Compiler) CompileFile(ctx context.Context, path string, opts ...parser.Option) (*Compilation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return c.Compile(ctx, data, append([]parser.Option{parser.WithSource(path)}, opts...)...)
}

// CompileDocument links, validates and plans an already parsed document.
func (c *Compiler) CompileDocument(ctx context.Context, doc *document.Document) (*Compilation, error) {
	return c.compileDocument(ctx, doc)
}

func (c *Compiler) compileDocument(ctx context.Context, doc *document.Document) (*Compilation, error) {
	if err := c.linker.Link(ctx, doc); err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	res := c.validator.Validate(ctx, doc)
	if c.recorder != nil {
		for _, f := range res.Findings {
			c.recorder.RecordFinding(string(f.Kind), string(f.Severity))
		}
	}
	comp := &Compilation{Document: doc, Validation: res}
	if !res.Executable() {
		c.logger.Debug("document not executable",
			zap.String("source", doc.Source),
			zap.Int("errors", len(res.Errors())))
		return comp, fmt.Errorf("%w: %w", ErrNotExecutable, res.Err())
	}

	plan, err := c.scheduler.Plan(doc)
	if err != nil {
		return comp, err
	}
	comp.Plan = plan
	c.logger.Debug("document compiled",
		zap.String("source", doc.Source),
		zap.Int("tasks", plan.TaskCount()),
		zap.Int("tiers", len(plan.Tiers)))
	return comp, nil
}

// Compile compiles data with a default Compiler.
func Compile(ctx context.Context, data []byte, opts ...parser.Option) (*Compilation, error) {
	c, err := NewCompiler()
	if err != nil {
		return nil, err
	}
	return c.Compile(ctx, data, opts...)
}

// CompileFile compiles the file at path with a default Compiler.
func CompileFile(ctx context.Context, path string) (*Compilation, error) {
	c, err := NewCompiler()
	if err != nil {
		return nil, err
	}
	return c.CompileFile(ctx, path)
}

// Execute runs an executable compilation and saves the report to store when
// store is non-nil. Aborted runs are saved too, and a save failure is
// joined with the run error.
func Execute(ctx context.Context, c *Compilation, ex *executor.Executor, store runstore.Store) (*executor.Report, error) {
	if !c.Executable() {
		return nil, fmt.Errorf("%w: no execution plan", ErrNotExecutable)
	}
	report, runErr := ex.Run(ctx, c.Document, c.Plan)
	if report == nil || store == nil {
		return report, runErr
	}
	if err := store.Save(context.WithoutCancel(ctx), report); err != nil {
		saveErr := fmt.Errorf("save run %s: %w", report.RunID, err)
		if runErr != nil {
			return report, errors.Join(runErr, saveErr)
		}
		return report, saveErr
	}
	return report, runErr
}
