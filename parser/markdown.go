package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zeroechelon/blueprint/document"
)

var (
	titleSuffix  = regexp.MustCompile(`\s+[—–-]+\s*Blueprint\s*$`)
	boldField    = regexp.MustCompile(`^\*\*([^*]+)\*\*:?\s*:?\s*(.*)$`)
	tierHeading  = regexp.MustCompile(`(?i)^##\s+Tier\s+([^:]+?)\s*:\s*(.*)$`)
	sectionStart = regexp.MustCompile(`^##\s+(.*)$`)
)

// fence is one fenced code block.
type fence struct {
	lang string
	// line is the 1-based line of the opening fence
	line int
	body []byte
	// tier is the tier heading in force when the block started
	tier string
}

// parseMarkdown reads the prose form: a title heading, bold metadata fields,
// optional Strategic Vision and Success Metrics sections, "## Tier N: Name"
// headings, and one ```yaml block per task. A yaml block with a top-level
// refs key declares refs; fenced blocks in other languages are ignored.
func parseMarkdown(data []byte, source string, errs *errorList) *document.Document {
	doc := &document.Document{}
	var (
		fences  []fence
		section string
		vision  []string
		current *fence
		tierID  string
		lineNo  int
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		trimmed := strings.TrimSpace(raw)

		if current != nil {
			if strings.HasPrefix(trimmed, "```") {
				fences = append(fences, *current)
				current = nil
				continue
			}
			current.body = append(current.body, raw...)
			current.body = append(current.body, '\n')
			continue
		}
		if lang, ok := strings.CutPrefix(trimmed, "```"); ok {
			current = &fence{lang: strings.ToLower(strings.TrimSpace(lang)), line: lineNo, tier: tierID}
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "# ") && doc.Metadata.Title == "":
			title := strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			doc.Metadata.Title = titleSuffix.ReplaceAllString(title, "")
			continue
		case tierHeading.MatchString(trimmed):
			m := tierHeading.FindStringSubmatch(trimmed)
			tierID = strings.TrimSpace(m[1])
			doc.Tiers = append(doc.Tiers, document.TierInfo{ID: tierID, Name: strings.TrimSpace(m[2])})
			section = "tier"
			continue
		case sectionStart.MatchString(trimmed):
			section = strings.ToLower(strings.TrimSpace(sectionStart.FindStringSubmatch(trimmed)[1]))
			continue
		}

		line := strings.TrimSpace(strings.TrimPrefix(trimmed, ">"))
		if m := boldField.FindStringSubmatch(line); m != nil {
			key := strings.TrimSuffix(strings.TrimSpace(m[1]), ":")
			if applyField(doc, section, key, strings.TrimSpace(m[2]), lineNo, errs) {
				continue
			}
		}

		switch section {
		case "strategic vision":
			if line != "" {
				vision = append(vision, line)
			}
		case "success metrics":
			if row := tableRow(line); row != nil && !isHeaderRow(row) {
				metric := document.SuccessMetric{Metric: row[0]}
				if len(row) > 1 {
					metric.Target = row[1]
				}
				if len(row) > 2 {
					metric.Validation = row[2]
				}
				doc.SuccessMetrics = append(doc.SuccessMetrics, metric)
			}
		}
	}
	if err := sc.Err(); err != nil {
		errs.add(&ParseError{Line: lineNo, Message: fmt.Sprintf("read document: %v", err)})
	}
	if current != nil {
		errs.add(&ParseError{Line: current.line, Message: "unterminated code block"})
	}
	doc.Vision = strings.Join(vision, " ")

	block := 0
	for _, f := range fences {
		if f.lang != "yaml" && f.lang != "yml" {
			continue
		}
		block++
		at := position{source: source, block: block, offset: f.line}

		var root yaml.Node
		if err := yaml.Unmarshal(f.body, &root); err != nil {
			errs.add(&ParseError{Block: block, Line: f.line, Message: fmt.Sprintf("invalid YAML: %v", err)})
			continue
		}
		if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
			continue
		}
		n := root.Content[0]
		switch {
		case lookup(n, "refs") != nil && lookup(n, "task_id", "id") == nil:
			doc.Refs = append(doc.Refs, decodeRefs(lookup(n, "refs"), at, errs)...)
		case isTaskBlock(n):
			if t := decodeTask(n, at, errs); t != nil {
				t.Tier = f.tier
				doc.Tasks = append(doc.Tasks, t)
			}
		}
	}
	return doc
}

// isTaskBlock reports whether a yaml block describes a task. Blocks without an
// id still count when they carry task fields, so a forgotten task_id is
// reported instead of silently dropped.
func isTaskBlock(n *yaml.Node) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	return lookup(n, "task_id", "id", "test_command", "dependencies", "rollback") != nil
}

// applyField handles a "**Key**: value" line. It returns false when the key
// is not a recognised metadata field.
func applyField(doc *document.Document, section, key, value string, line int, errs *errorList) bool {
	switch strings.ToLower(key) {
	case "owner":
		doc.Metadata.Owner = value
	case "document status", "status":
		doc.Metadata.Status = value
	case "repository":
		doc.Metadata.Repository = value
	case "description":
		doc.Metadata.Description = value
	case "created", "last updated", "updated":
		if value == "" {
			return true
		}
		ts, err := parseDate(value)
		if err != nil {
			errs.add(&ParseError{Line: line, Field: strings.ToLower(key), Message: err.Error()})
			return true
		}
		if strings.EqualFold(key, "created") {
			doc.Metadata.Created = &ts
		} else {
			doc.Metadata.Updated = &ts
		}
	case "goal":
		if section != "tier" || len(doc.Tiers) == 0 {
			return false
		}
		doc.Tiers[len(doc.Tiers)-1].Goal = value
	default:
		return false
	}
	return true
}

func tableRow(line string) []string {
	if !strings.HasPrefix(line, "|") {
		return nil
	}
	cells := strings.Split(strings.Trim(line, "|"), "|")
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, strings.TrimSpace(c))
	}
	return out
}

func isHeaderRow(row []string) bool {
	if len(row) == 0 {
		return true
	}
	if strings.EqualFold(row[0], "metric") {
		return true
	}
	return strings.Trim(row[0], "-: ") == ""
}
