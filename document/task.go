package document

import (
	"strings"
	"time"
)

// TaskStatus is the advisory status declared in the document. The executor
// keeps its own authoritative run status while a run is in progress.
type TaskStatus string

const (
	// TaskStatusNotStarted means no work has been recorded yet
	TaskStatusNotStarted TaskStatus = "not_started"
	// TaskStatusInProgress means the author marked the task as underway
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusComplete means the author marked the task as done
	TaskStatusComplete TaskStatus = "complete"
	// TaskStatusBlocked means the author marked the task as blocked
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusSkipped means the author marked the task as skipped
	TaskStatusSkipped TaskStatus = "skipped"
)

var statusMarkers = []struct {
	marker string
	status TaskStatus
}{
	{"🔲", TaskStatusNotStarted},
	{"🔄", TaskStatusInProgress},
	{"✅", TaskStatusComplete},
	{"⛔", TaskStatusBlocked},
	{"⏭", TaskStatusSkipped},
}

// ParseTaskStatus accepts either a status word ("in progress", "COMPLETE")
// or a leading emoji marker. Unknown values fall back to not_started.
func ParseTaskStatus(raw string) TaskStatus {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TaskStatusNotStarted
	}
	for _, m := range statusMarkers {
		if strings.HasPrefix(raw, m.marker) {
			return m.status
		}
	}
	word := strings.ToLower(strings.Join(strings.Fields(raw), "_"))
	for _, s := range []TaskStatus{
		TaskStatusNotStarted, TaskStatusInProgress, TaskStatusComplete,
		TaskStatusBlocked, TaskStatusSkipped,
	} {
		if strings.Contains(word, string(s)) {
			return s
		}
	}
	return TaskStatusNotStarted
}

// TimeoutPolicy decides what happens when a human checkpoint is not
// acknowledged in time.
type TimeoutPolicy string

const (
	// TimeoutAbort fails the whole run
	TimeoutAbort TimeoutPolicy = "abort"
	// TimeoutSkip marks the task skipped
	TimeoutSkip TimeoutPolicy = "skip"
	// TimeoutContinue dispatches the task as if it had been acknowledged
	TimeoutContinue TimeoutPolicy = "continue"
)

// ParseTimeoutPolicy reads the first word of raw, so "ABORT and page
// on-call" is accepted. The boolean is false when the word is unknown.
func ParseTimeoutPolicy(raw string) (TimeoutPolicy, bool) {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return TimeoutAbort, true
	}
	switch word := strings.Trim(fields[0], ".,;:"); word {
	case "abort":
		return TimeoutAbort, true
	case "skip":
		return TimeoutSkip, true
	case "continue":
		return TimeoutContinue, true
	}
	return TimeoutAbort, false
}

// NotifyChannel is the delivery channel of a checkpoint notification.
type NotifyChannel string

const (
	NotifyEmail   NotifyChannel = "email"
	NotifySlack   NotifyChannel = "slack"
	NotifyWebhook NotifyChannel = "webhook"
	NotifyEnv     NotifyChannel = "env"
	NotifyConsole NotifyChannel = "console"
)

// Notification describes who gets told about a pending checkpoint.
type Notification struct {
	Channel   NotifyChannel `json:"channel" yaml:"channel"`
	Recipient string        `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	Variable  string        `json:"variable,omitempty" yaml:"variable,omitempty"`
	Variables []string      `json:"variables,omitempty" yaml:"variables,omitempty"`
	URL       string        `json:"url,omitempty" yaml:"url,omitempty"`
	Webhook   string        `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// HumanCheckpoint is a declared pause point that needs an acknowledgment
// before the task is handed to a worker.
type HumanCheckpoint struct {
	Action    string        `json:"action" yaml:"action"`
	Reason    string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Notify    Notification  `json:"notify" yaml:"notify"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnTimeout TimeoutPolicy `json:"on_timeout" yaml:"on_timeout"`
	OnMissing TimeoutPolicy `json:"on_missing" yaml:"on_missing"`
}

// NotifyTarget returns the address the notification goes to, or "" when none
// was declared. The console channel needs no address.
func (h *HumanCheckpoint) NotifyTarget() string {
	if h == nil {
		return ""
	}
	n := h.Notify
	for _, v := range []string{n.Recipient, n.Webhook, n.URL, n.Variable} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	if len(n.Variables) > 0 {
		return strings.Join(n.Variables, ",")
	}
	if n.Channel == NotifyConsole {
		return string(NotifyConsole)
	}
	return ""
}

// Interface holds the free-text input/output contract of a task.
type Interface struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// Location points at the place a task was declared.
type Location struct {
	// Source is the document locator (file path or ref)
	Source string `json:"source,omitempty"`
	// Block is the 1-based index of the task block in the source
	Block int `json:"block,omitempty"`
	// Line is the 1-based line where the block starts
	Line int `json:"line,omitempty"`
}

// Task is the atomic unit of declared work.
type Task struct {
	ID                 string           `json:"task_id"`
	Name               string           `json:"name"`
	Status             TaskStatus       `json:"status"`
	Dependencies       []string         `json:"dependencies,omitempty"`
	SoftDependencies   []string         `json:"soft_dependencies,omitempty"`
	Interface          Interface        `json:"interface"`
	AcceptanceCriteria []string         `json:"acceptance_criteria,omitempty"`
	TestCommand        string           `json:"test_command"`
	Rollback           string           `json:"rollback"`
	Assignee           string           `json:"assignee,omitempty"`
	EstimatedSessions  int              `json:"estimated_sessions,omitempty"`
	FilesToCreate      []string         `json:"files_to_create,omitempty"`
	FilesToModify      []string         `json:"files_to_modify,omitempty"`
	Human              *HumanCheckpoint `json:"human_required,omitempty"`
	Notes              string           `json:"notes,omitempty"`

	// Tier is the tier heading the task was declared under, if any
	Tier string `json:"tier,omitempty"`
	// Origin is the locator of the inline ref the task was merged from
	Origin string `json:"origin,omitempty"`
	// Location is where the task block was found
	Location Location `json:"location"`
}

// AllDependencies returns hard then soft dependencies without duplicates.
func (t *Task) AllDependencies() []string {
	seen := make(map[string]bool, len(t.Dependencies)+len(t.SoftDependencies))
	out := make([]string, 0, len(t.Dependencies)+len(t.SoftDependencies))
	for _, list := range [][]string{t.Dependencies, t.SoftDependencies} {
		for _, dep := range list {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}

// IsSoft reports whether dep is only a soft edge of t. A dependency listed
// both ways is hard.
func (t *Task) IsSoft(dep string) bool {
	for _, d := range t.Dependencies {
		if d == dep {
			return false
		}
	}
	for _, d := range t.SoftDependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// FileTargets returns the declared create and modify paths, de-duplicated.
func (t *Task) FileTargets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{t.FilesToCreate, t.FilesToModify} {
		for _, p := range list {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// RequiresHuman reports whether the task carries a human checkpoint.
func (t *Task) RequiresHuman() bool {
	return t.Human != nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.SoftDependencies = append([]string(nil), t.SoftDependencies...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.FilesToCreate = append([]string(nil), t.FilesToCreate...)
	c.FilesToModify = append([]string(nil), t.FilesToModify...)
	if t.Human != nil {
		h := *t.Human
		h.Notify.Variables = append([]string(nil), t.Human.Notify.Variables...)
		c.Human = &h
	}
	return &c
}
