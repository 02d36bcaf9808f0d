package document

import (
	"fmt"
	"time"
)

// DefaultVersion is the blueprint format version written by this module.
const DefaultVersion = "0.1.0"

// Metadata is the document-level header.
type Metadata struct {
	Title       string     `json:"title"`
	Status      string     `json:"status,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	Description string     `json:"description,omitempty"`
	Repository  string     `json:"repository,omitempty"`
	Created     *time.Time `json:"created,omitempty"`
	Updated     *time.Time `json:"updated,omitempty"`
}

// TierInfo is a tier heading declared by the author. Declared tiers are
// informational; the scheduler computes its own tiers.
type TierInfo struct {
	ID   string `json:"tier_id"`
	Name string `json:"name"`
	Goal string `json:"goal,omitempty"`
}

// SuccessMetric is one row of the success metrics table.
type SuccessMetric struct {
	Metric     string `json:"metric"`
	Target     string `json:"target"`
	Validation string `json:"validation,omitempty"`
}

// Ref references another document.
type Ref struct {
	// Locator names the referenced document (usually a relative path)
	Locator string `json:"ref" yaml:"ref"`
	// Required refs that fail to resolve are hard validation failures
	Required bool `json:"required" yaml:"required"`
	// Inline refs have their tasks merged into this document's graph;
	// external refs are opaque dependency boundaries
	Inline bool `json:"inline" yaml:"inline"`
}

// Link is the resolution outcome of one Ref, filled in by the linker.
type Link struct {
	Ref      Ref      `json:"ref"`
	Resolved bool     `json:"resolved"`
	Err      string   `json:"error,omitempty"`
	TaskIDs  []string `json:"task_ids,omitempty"`
}

// Document is a graph of tasks plus metadata and external references.
type Document struct {
	Version        string          `json:"blueprint_version"`
	Metadata       Metadata        `json:"metadata"`
	Vision         string          `json:"strategic_vision,omitempty"`
	Tiers          []TierInfo      `json:"tiers,omitempty"`
	SuccessMetrics []SuccessMetric `json:"success_metrics,omitempty"`
	// Tasks keeps declaration order and any duplicate ids so the validator
	// can report them
	Tasks []*Task `json:"tasks"`
	Refs  []Ref   `json:"refs,omitempty"`
	// Source is the locator the document was read from
	Source string `json:"source,omitempty"`

	// Links records ref resolution, populated by the linker
	Links []Link `json:"links,omitempty"`
	// External maps task ids reachable through external refs to the ref locator
	External map[string]string `json:"external,omitempty"`
}

// New returns an empty document with the given title.
func New(title string) *Document {
	return &Document{
		Version:  DefaultVersion,
		Metadata: Metadata{Title: title, Status: "draft"},
	}
}

// AddTask appends a task and returns the document for chaining.
func (d *Document) AddTask(t *Task) *Document {
	d.Tasks = append(d.Tasks, t)
	return d
}

// Task returns the first task with the given id.
func (d *Document) Task(id string) (*Task, bool) {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Index maps ids to tasks. When ids repeat, the first declaration wins.
func (d *Document) Index() map[string]*Task {
	idx := make(map[string]*Task, len(d.Tasks))
	for _, t := range d.Tasks {
		if _, dup := idx[t.ID]; !dup {
			idx[t.ID] = t
		}
	}
	return idx
}

// IDs returns task ids in declaration order, including duplicates.
func (d *Document) IDs() []string {
	ids := make([]string, len(d.Tasks))
	for i, t := range d.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// HumanTasks returns the tasks that carry a human checkpoint.
func (d *Document) HumanTasks() []*Task {
	var out []*Task
	for _, t := range d.Tasks {
		if t.RequiresHuman() {
			out = append(out, t)
		}
	}
	return out
}

// IsExternal reports whether id resolves through an external ref.
func (d *Document) IsExternal(id string) bool {
	_, ok := d.External[id]
	return ok
}

// Progress returns the share of tasks the author marked complete, in percent.
func (d *Document) Progress() float64 {
	if len(d.Tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range d.Tasks {
		if t.Status == TaskStatusComplete {
			done++
		}
	}
	return float64(done) / float64(len(d.Tasks)) * 100
}

// Title returns the document title or a placeholder.
func (d *Document) Title() string {
	if d.Metadata.Title == "" {
		return "Untitled Blueprint"
	}
	return d.Metadata.Title
}

// String implements fmt.Stringer.
func (d *Document) String() string {
	return fmt.Sprintf("%s (%d tasks, %d refs)", d.Title(), len(d.Tasks), len(d.Refs))
}
