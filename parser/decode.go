package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeroechelon/blueprint/document"
)

// position locates a YAML node tree inside the source document.
type position struct {
	source string
	block  int
	// offset is added to node lines; markdown blocks start mid-file
	offset int
}

func (p position) line(n *yaml.Node) int {
	if n == nil || n.Line == 0 {
		return 0
	}
	return p.offset + n.Line
}

// field is one key/value pair of a mapping node.
type field struct {
	key   string
	value *yaml.Node
}

func mappingFields(n *yaml.Node) []field {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	out := make([]field, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out = append(out, field{key: n.Content[i].Value, value: n.Content[i+1]})
	}
	return out
}

func lookup(n *yaml.Node, keys ...string) *yaml.Node {
	for _, f := range mappingFields(n) {
		for _, k := range keys {
			if f.key == k {
				return f.value
			}
		}
	}
	return nil
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

func scalar(n *yaml.Node) (string, bool) {
	if n == nil {
		return "", false
	}
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind != yaml.ScalarNode {
		return "", false
	}
	if n.Tag == "!!null" {
		return "", true
	}
	return n.Value, true
}

// stringList accepts a sequence of scalars or a comma-separated string.
func stringList(n *yaml.Node) ([]string, error) {
	if isNull(n) {
		return nil, nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		var out []string
		for _, part := range strings.Split(n.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for i, item := range n.Content {
			s, ok := scalar(item)
			if !ok {
				return nil, fmt.Errorf("item %d is not a scalar", i+1)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list or a comma-separated string")
	}
}

// decodeTask converts one task mapping into a Task. Every structural problem
// is recorded in errs; the task is still returned when an id was read so later
// stages see as much of the graph as possible.
func decodeTask(n *yaml.Node, at position, errs *errorList) *document.Task {
	if n.Kind != yaml.MappingNode {
		errs.add(&ParseError{Block: at.block, Line: at.line(n), Message: "task block must be a mapping"})
		return nil
	}

	t := &document.Task{
		Status:   document.TaskStatusNotStarted,
		Location: document.Location{Source: at.source, Block: at.block, Line: at.line(n)},
	}
	fail := func(v *yaml.Node, name, format string, args ...any) {
		errs.add(&ParseError{
			TaskID:  t.ID,
			Block:   at.block,
			Line:    at.line(v),
			Field:   name,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if v := lookup(n, "task_id", "id"); v != nil {
		s, ok := scalar(v)
		if !ok {
			fail(v, "task_id", "must be a scalar")
		}
		t.ID = strings.TrimSpace(s)
	}
	if t.ID == "" {
		fail(n, "task_id", "missing task identifier")
	}

	for _, f := range mappingFields(n) {
		v := f.value
		switch f.key {
		case "task_id", "id":
		case "name", "title":
			s, ok := scalar(v)
			if !ok {
				fail(v, "name", "must be a scalar")
			}
			t.Name = strings.TrimSpace(s)
		case "status":
			s, _ := scalar(v)
			t.Status = document.ParseTaskStatus(s)
		case "dependencies", "depends_on":
			deps, err := stringList(v)
			if err != nil {
				fail(v, "dependencies", "unparsable dependency list: %v", err)
				continue
			}
			t.Dependencies = deps
		case "soft_dependencies":
			deps, err := stringList(v)
			if err != nil {
				fail(v, "soft_dependencies", "unparsable dependency list: %v", err)
				continue
			}
			t.SoftDependencies = deps
		case "interface":
			if isNull(v) {
				continue
			}
			if v.Kind != yaml.MappingNode {
				fail(v, "interface", "must be a mapping with input and output")
				continue
			}
			in, _ := scalar(lookup(v, "input"))
			out, _ := scalar(lookup(v, "output"))
			t.Interface = document.Interface{Input: strings.TrimSpace(in), Output: strings.TrimSpace(out)}
		case "acceptance_criteria":
			list, err := stringList(v)
			if err != nil {
				fail(v, "acceptance_criteria", "%v", err)
			}
			t.AcceptanceCriteria = list
		case "test_command":
			t.TestCommand = requiredCommand(v, "test_command", "verification", fail)
		case "rollback":
			t.Rollback = requiredCommand(v, "rollback", "rollback", fail)
		case "assignee":
			t.Assignee, _ = scalar(v)
		case "estimated_sessions":
			s, _ := scalar(v)
			if s == "" {
				continue
			}
			sessions, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || sessions < 0 {
				fail(v, "estimated_sessions", "must be a non-negative integer, got %q", s)
				continue
			}
			t.EstimatedSessions = sessions
		case "files_to_create":
			list, err := stringList(v)
			if err != nil {
				fail(v, "files_to_create", "%v", err)
			}
			t.FilesToCreate = list
		case "files_to_modify":
			list, err := stringList(v)
			if err != nil {
				fail(v, "files_to_modify", "%v", err)
			}
			t.FilesToModify = list
		case "human_required":
			t.Human = decodeCheckpoint(v, func(v *yaml.Node, format string, args ...any) {
				fail(v, "human_required", format, args...)
			})
		case "notes":
			t.Notes, _ = scalar(v)
		}
	}

	if t.ID == "" {
		return nil
	}
	return t
}

func requiredCommand(v *yaml.Node, name, kind string, fail func(*yaml.Node, string, string, ...any)) string {
	s, ok := scalar(v)
	if !ok {
		fail(v, name, "%s command must be a string", kind)
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		fail(v, name, "%s command is empty", kind)
	}
	return s
}

// decodeCheckpoint reads a human_required mapping. A null or false value means
// no checkpoint.
func decodeCheckpoint(v *yaml.Node, fail func(*yaml.Node, string, ...any)) *document.HumanCheckpoint {
	if isNull(v) {
		return nil
	}
	if v.Kind == yaml.ScalarNode {
		if b, err := strconv.ParseBool(v.Value); err == nil && !b {
			return nil
		}
		fail(v, "must be a mapping")
		return nil
	}
	if v.Kind != yaml.MappingNode {
		fail(v, "must be a mapping")
		return nil
	}

	h := &document.HumanCheckpoint{
		OnTimeout: document.TimeoutAbort,
		OnMissing: document.TimeoutAbort,
	}
	h.Action, _ = scalar(lookup(v, "action"))
	h.Action = strings.TrimSpace(h.Action)
	h.Reason, _ = scalar(lookup(v, "reason"))

	if nv := lookup(v, "notify"); !isNull(nv) {
		if nv.Kind != yaml.MappingNode {
			fail(nv, "notify must be a mapping")
		} else {
			n, err := decodeNotification(nv)
			if err != nil {
				fail(nv, "%v", err)
			}
			h.Notify = n
		}
	}

	if tv := lookup(v, "timeout"); !isNull(tv) {
		s, _ := scalar(tv)
		d, err := parseTimeout(s)
		if err != nil {
			fail(tv, "invalid timeout %q: %v", s, err)
		}
		h.Timeout = d
	}

	for _, pf := range []struct {
		key    string
		target *document.TimeoutPolicy
	}{
		{"on_timeout", &h.OnTimeout},
		{"on_missing", &h.OnMissing},
	} {
		pv := lookup(v, pf.key)
		if isNull(pv) {
			continue
		}
		s, _ := scalar(pv)
		policy, ok := document.ParseTimeoutPolicy(s)
		if !ok {
			fail(pv, "unknown %s policy %q", pf.key, s)
		}
		*pf.target = policy
	}
	return h
}

func decodeNotification(v *yaml.Node) (document.Notification, error) {
	var n document.Notification
	channel, _ := scalar(lookup(v, "channel"))
	n.Recipient, _ = scalar(lookup(v, "recipient", "to"))
	n.Variable, _ = scalar(lookup(v, "variable"))
	n.URL, _ = scalar(lookup(v, "url"))
	n.Webhook, _ = scalar(lookup(v, "webhook"))
	vars, err := stringList(lookup(v, "variables"))
	if err != nil {
		return n, fmt.Errorf("notify.variables: %w", err)
	}
	n.Variables = vars

	switch c := document.NotifyChannel(strings.ToLower(strings.TrimSpace(channel))); c {
	case document.NotifyEmail, document.NotifySlack, document.NotifyWebhook,
		document.NotifyEnv, document.NotifyConsole:
		n.Channel = c
	case "":
		n.Channel = inferChannel(n)
	default:
		return n, fmt.Errorf("unknown notify channel %q", channel)
	}
	return n, nil
}

func inferChannel(n document.Notification) document.NotifyChannel {
	switch {
	case n.Webhook != "" || n.URL != "":
		return document.NotifyWebhook
	case strings.Contains(n.Recipient, "@"):
		return document.NotifyEmail
	case n.Variable != "" || len(n.Variables) > 0:
		return document.NotifyEnv
	case n.Recipient != "":
		return document.NotifySlack
	}
	// console is only chosen explicitly; an addressless mapping stays
	// empty so validation reports the missing target.
	return ""
}

// parseTimeout accepts Go durations, a day suffix ("2d") and bare seconds.
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad day count")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative")
	}
	return d, nil
}
