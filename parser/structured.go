package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeroechelon/blueprint/document"
)

// parseStructured decodes the JSON/YAML document form:
//
//	blueprint_version: "0.1.0"
//	metadata: {title, status, owner, description, repository, created, updated}
//	strategic_vision: ...
//	success_metrics: [{metric, target, validation}]
//	tiers: [{tier_id, name, goal, tasks: [...]}]
//	tasks: [...]
//	refs: [{ref, required, inline}]
func parseStructured(root *yaml.Node, source string, errs *errorList) *document.Document {
	doc := &document.Document{}
	n := root
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind == 0 || isNull(n) {
		return doc
	}
	if n.Kind != yaml.MappingNode {
		errs.add(&ParseError{Line: n.Line, Message: "document root must be a mapping"})
		return doc
	}

	block := 0
	next := func() position {
		block++
		return position{source: source, block: block}
	}

	for _, f := range mappingFields(n) {
		v := f.value
		switch f.key {
		case "blueprint_version", "version":
			doc.Version, _ = scalar(v)
		case "metadata":
			doc.Metadata = decodeMetadata(v, errs)
		case "strategic_vision", "vision":
			doc.Vision, _ = scalar(v)
		case "success_metrics":
			for _, item := range sequence(v) {
				metric, _ := scalar(lookup(item, "metric"))
				target, _ := scalar(lookup(item, "target"))
				validation, _ := scalar(lookup(item, "validation"))
				doc.SuccessMetrics = append(doc.SuccessMetrics, document.SuccessMetric{
					Metric: metric, Target: target, Validation: validation,
				})
			}
		case "tiers":
			for i, tn := range sequence(v) {
				info := document.TierInfo{ID: strconv.Itoa(i)}
				if id, ok := scalar(lookup(tn, "tier_id", "id")); ok && id != "" {
					info.ID = id
				}
				info.Name, _ = scalar(lookup(tn, "name"))
				info.Goal, _ = scalar(lookup(tn, "goal"))
				doc.Tiers = append(doc.Tiers, info)
				for _, taskNode := range sequence(lookup(tn, "tasks")) {
					if t := decodeTask(taskNode, next(), errs); t != nil {
						t.Tier = info.ID
						doc.Tasks = append(doc.Tasks, t)
					}
				}
			}
		case "tasks":
			for _, taskNode := range sequence(v) {
				if t := decodeTask(taskNode, next(), errs); t != nil {
					doc.Tasks = append(doc.Tasks, t)
				}
			}
		case "refs":
			doc.Refs = append(doc.Refs, decodeRefs(v, position{source: source}, errs)...)
		}
	}
	return doc
}

func sequence(n *yaml.Node) []*yaml.Node {
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	return n.Content
}

func decodeMetadata(n *yaml.Node, errs *errorList) document.Metadata {
	var m document.Metadata
	if n == nil || n.Kind != yaml.MappingNode {
		return m
	}
	m.Title, _ = scalar(lookup(n, "title"))
	m.Status, _ = scalar(lookup(n, "status"))
	m.Owner, _ = scalar(lookup(n, "owner"))
	m.Description, _ = scalar(lookup(n, "description"))
	m.Repository, _ = scalar(lookup(n, "repository"))
	for _, df := range []struct {
		key    string
		target **time.Time
	}{
		{"created", &m.Created},
		{"updated", &m.Updated},
	} {
		v := lookup(n, df.key)
		s, _ := scalar(v)
		if s == "" {
			continue
		}
		ts, err := parseDate(s)
		if err != nil {
			errs.add(&ParseError{Line: v.Line, Field: "metadata." + df.key, Message: err.Error()})
			continue
		}
		*df.target = &ts
	}
	return m
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// decodeRefs reads a list of refs. A bare string is shorthand for an optional
// external ref.
func decodeRefs(n *yaml.Node, at position, errs *errorList) []document.Ref {
	if isNull(n) {
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		errs.add(&ParseError{Block: at.block, Line: at.line(n), Field: "refs", Message: "must be a list"})
		return nil
	}
	var out []document.Ref
	for i, item := range n.Content {
		if s, ok := scalar(item); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, document.Ref{Locator: s})
			}
			continue
		}
		var ref document.Ref
		if err := item.Decode(&ref); err != nil {
			errs.add(&ParseError{Block: at.block, Line: at.line(item), Field: "refs",
				Message: fmt.Sprintf("ref %d: %v", i+1, err)})
			continue
		}
		ref.Locator = strings.TrimSpace(ref.Locator)
		if ref.Locator == "" {
			errs.add(&ParseError{Block: at.block, Line: at.line(item), Field: "refs",
				Message: fmt.Sprintf("ref %d: missing ref locator", i+1)})
			continue
		}
		out = append(out, ref)
	}
	return out
}
