// Package linker resolves the refs of a blueprint document.
//
// An inline ref merges the referenced document's tasks into the referencing
// graph, so its task ids become ordinary dependencies. An external ref keeps
// the referenced graph opaque: its task ids become dependency boundaries that
// the scheduler treats as already satisfied. Resolution failures are recorded
// on the document for the validator to grade.
package linker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/parser"
)

const (
	defaultCacheSize   = 128
	defaultConcurrency = 8
)

// CacheRecorder receives ref cache lookups.
type CacheRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Linker resolves document refs through a Loader.
type Linker struct {
	loader      Loader
	cache       *lru.Cache[string, *document.Document]
	concurrency int
	recorder    CacheRecorder
	logger      *zap.Logger
}

// Option configures a Linker.
type Option func(*Linker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Linker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithConcurrency bounds how many refs of one document load in parallel.
func WithConcurrency(n int) Option {
	return func(l *Linker) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithCacheRecorder reports cache hits and misses to r.
func WithCacheRecorder(r CacheRecorder) Option {
	return func(l *Linker) {
		l.recorder = r
	}
}

// New creates a Linker with an LRU cache of parsed documents.
// cacheSize <= 0 selects the default.
func New(loader Loader, cacheSize int, opts ...Option) (*Linker, error) {
	if loader == nil {
		loader = FileLoader{}
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *document.Document](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create ref cache: %w", err)
	}
	l := &Linker{
		loader:      loader,
		cache:       cache,
		concurrency: defaultConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "linker"))
	return l, nil
}

// Link resolves doc.Refs in place. It fills doc.Links with one entry per ref,
// appends the tasks of inline refs and records external task ids in
// doc.External. Only context cancellation is returned as an error.
func (l *Linker) Link(ctx context.Context, doc *document.Document) error {
	var stack []string
	if doc.Source != "" {
		stack = append(stack, filepath.Clean(doc.Source))
	}
	return l.link(ctx, doc, stack)
}

type fetched struct {
	doc *document.Document
	err error
}

func (l *Linker) link(ctx context.Context, doc *document.Document, stack []string) error {
	if len(doc.Refs) == 0 {
		return nil
	}

	locators := make([]string, len(doc.Refs))
	results := make([]fetched, len(doc.Refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, ref := range doc.Refs {
		locators[i] = resolve(doc.Source, ref.Locator)
		if onStack(stack, locators[i]) {
			continue
		}
		g.Go(func() error {
			d, err := l.fetch(gctx, locators[i])
			results[i] = fetched{doc: d, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	if doc.External == nil {
		doc.External = make(map[string]string)
	}
	// A document inlined through several refs is merged once.
	merged := make(map[document.Location]bool, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if t.Location.Source != "" {
			merged[t.Location] = true
		}
	}
	for i, ref := range doc.Refs {
		link := document.Link{Ref: ref}
		loc := locators[i]

		switch {
		case onStack(stack, loc):
			link.Err = fmt.Sprintf("ref cycle: %s -> %s", strings.Join(stack, " -> "), loc)
		case results[i].err != nil:
			link.Err = results[i].err.Error()
		default:
			child := results[i].doc
			if err := l.link(ctx, child, append(stack[:len(stack):len(stack)], loc)); err != nil {
				return err
			}
			link.Resolved = true
			link.TaskIDs = child.IDs()
			if ref.Inline {
				for _, t := range child.Tasks {
					if t.Location.Source != "" {
						if merged[t.Location] {
							continue
						}
						merged[t.Location] = true
					}
					if t.Origin == "" {
						t.Origin = loc
					}
					doc.Tasks = append(doc.Tasks, t)
				}
				for id, from := range child.External {
					doc.External[id] = from
				}
				for _, nested := range nestedFailures(child.Links) {
					if !hasFailure(doc.Links, nested) {
						doc.Links = append(doc.Links, nested)
					}
				}
			} else {
				for _, id := range link.TaskIDs {
					doc.External[id] = loc
				}
				for id := range child.External {
					doc.External[id] = loc
				}
			}
		}

		if !link.Resolved {
			l.logger.Warn("ref not resolved",
				zap.String("ref", ref.Locator),
				zap.Bool("required", ref.Required),
				zap.String("error", link.Err))
		}
		doc.Links = append(doc.Links, link)
	}
	if len(doc.External) == 0 {
		doc.External = nil
	}
	return nil
}

// nestedFailures carries unresolved links of an inlined document up to the
// parent, since their tasks now live in the parent graph.
func nestedFailures(links []document.Link) []document.Link {
	var out []document.Link
	for _, link := range links {
		if !link.Resolved {
			out = append(out, link)
		}
	}
	return out
}

func hasFailure(links []document.Link, link document.Link) bool {
	for _, l := range links {
		if !l.Resolved && l.Ref.Locator == link.Ref.Locator && l.Err == link.Err {
			return true
		}
	}
	return false
}

// fetch returns a private copy of the parsed document at locator.
func (l *Linker) fetch(ctx context.Context, locator string) (*document.Document, error) {
	if cached, ok := l.cache.Get(locator); ok {
		if l.recorder != nil {
			l.recorder.RecordCacheHit("ref")
		}
		return cloneDocument(cached), nil
	}
	if l.recorder != nil {
		l.recorder.RecordCacheMiss("ref")
	}
	data, err := l.loader.Load(ctx, locator)
	if err != nil {
		return nil, err
	}
	doc, err := parser.Parse(data, formatFor(locator), parser.WithSource(locator))
	if err != nil {
		return nil, fmt.Errorf("parse ref %s: %w", locator, err)
	}
	l.cache.Add(locator, doc)
	l.logger.Debug("ref loaded", zap.String("ref", locator), zap.Int("tasks", len(doc.Tasks)))
	return cloneDocument(doc), nil
}

// Purge drops every cached document.
func (l *Linker) Purge() {
	l.cache.Purge()
}

func formatFor(locator string) parser.Option {
	switch strings.ToLower(filepath.Ext(locator)) {
	case ".md", ".markdown":
		return parser.WithFormat(parser.FormatMarkdown)
	case ".json":
		return parser.WithFormat(parser.FormatJSON)
	case ".yaml", ".yml":
		return parser.WithFormat(parser.FormatYAML)
	}
	return parser.WithFormat(parser.FormatAuto)
}

// resolve interprets locator relative to the directory of the referencing
// document.
func resolve(base, locator string) string {
	locator = strings.TrimSpace(locator)
	if strings.Contains(locator, "://") {
		return locator
	}
	if base == "" || filepath.IsAbs(locator) {
		return filepath.Clean(locator)
	}
	return filepath.Join(filepath.Dir(base), locator)
}

func onStack(stack []string, loc string) bool {
	for _, s := range stack {
		if s == loc {
			return true
		}
	}
	return false
}

func cloneDocument(d *document.Document) *document.Document {
	c := *d
	c.Tasks = make([]*document.Task, len(d.Tasks))
	for i, t := range d.Tasks {
		c.Tasks[i] = t.Clone()
	}
	c.Refs = append([]document.Ref(nil), d.Refs...)
	c.Links = nil
	c.External = nil
	return &c
}
