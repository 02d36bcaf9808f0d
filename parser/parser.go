package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zeroechelon/blueprint/document"
)

// Format is a document text format.
type Format string

const (
	// FormatAuto detects the format from the content
	FormatAuto Format = ""
	// FormatMarkdown is prose with one fenced yaml block per task
	FormatMarkdown Format = "markdown"
	// FormatYAML is the structured document form in YAML
	FormatYAML Format = "yaml"
	// FormatJSON is the structured document form in JSON
	FormatJSON Format = "json"
)

// Option configures a parse.
type Option func(*options)

type options struct {
	format Format
	source string
}

// WithFormat forces a format instead of detecting it.
func WithFormat(f Format) Option {
	return func(o *options) { o.format = f }
}

// WithSource sets the locator recorded on the document and task locations.
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

// ParseFile reads and parses a document from disk. The format follows the
// file extension when it is .md, .json, .yaml or .yml.
func ParseFile(path string, opts ...Option) (*document.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	base := []Option{WithSource(path)}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		base = append(base, WithFormat(FormatMarkdown))
	case ".json":
		base = append(base, WithFormat(FormatJSON))
	case ".yaml", ".yml":
		base = append(base, WithFormat(FormatYAML))
	}
	return Parse(data, append(base, opts...)...)
}

// Parse decodes a document. Parsing is total but does not validate: a
// dependency on an unknown task is accepted and left to the validator.
//
// Block-level problems are collected and returned together as ParseErrors.
// The returned document is non-nil whenever the input could be split into
// blocks, holding every task that decoded, so callers can show partial results.
func Parse(data []byte, opts ...Option) (*document.Document, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	format := o.format
	if format == FormatAuto {
		format = DetectFormat(data)
	}

	errs := &errorList{}
	var doc *document.Document
	switch format {
	case FormatMarkdown:
		doc = parseMarkdown(data, o.source, errs)
	case FormatJSON:
		var err error
		doc, err = parseJSON(data, o.source, errs)
		if err != nil {
			return nil, err
		}
	case FormatYAML:
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, ParseErrors{{Message: fmt.Sprintf("invalid YAML: %v", err)}}
		}
		doc = parseStructured(&root, o.source, errs)
	default:
		return nil, fmt.Errorf("unknown document format %q", format)
	}
	doc.Source = o.source
	if doc.Version == "" {
		doc.Version = document.DefaultVersion
	}
	return doc, errs.err()
}

// DetectFormat guesses the format of data.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")):
		return FormatJSON
	case bytes.Contains(data, []byte("```yaml")), bytes.Contains(data, []byte("```yml")):
		return FormatMarkdown
	default:
		return FormatYAML
	}
}

// parseJSON decodes JSON then re-encodes it as a YAML node tree so that both
// structured forms share one decoder. JSON input carries no line numbers.
func parseJSON(data []byte, source string, errs *errorList) (*document.Document, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, ParseErrors{{Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}
	var root yaml.Node
	if err := root.Encode(normalizeJSON(raw)); err != nil {
		return nil, fmt.Errorf("convert JSON document: %w", err)
	}
	return parseStructured(&root, source, errs), nil
}

func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeJSON(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalizeJSON(item)
		}
		return x
	}
	return v
}
