// Package fixtures builds blueprint documents for tests.
package fixtures

import (
	"fmt"
	"time"

	"github.com/zeroechelon/blueprint/document"
)

// Task returns a complete task that passes every validator check.
func Task(id string, deps ...string) *document.Task {
	return &document.Task{
		ID:                 id,
		Name:               "task " + id,
		Status:             document.TaskStatusNotStarted,
		Dependencies:       deps,
		Interface:          document.Interface{Input: "shared artifact", Output: "shared artifact"},
		AcceptanceCriteria: []string{id + " works"},
		TestCommand:        "true",
		Rollback:           "true",
		Location:           document.Location{Source: "fixture", Block: 0},
	}
}

// Document wraps tasks in a document with title and owner set, numbering
// task blocks in order.
func Document(tasks ...*document.Task) *document.Document {
	doc := document.New("fixture")
	doc.Metadata.Owner = "tests"
	for i, t := range tasks {
		t.Location.Block = i + 1
		doc.AddTask(t)
	}
	return doc
}

// Diamond is T1 -> {T2, T3} -> T4.
func Diamond() *document.Document {
	return Document(
		Task("T1"),
		Task("T2", "T1"),
		Task("T3", "T1"),
		Task("T4", "T2", "T3"),
	)
}

// Chain returns n tasks where each depends on the previous one.
func Chain(n int) *document.Document {
	tasks := make([]*document.Task, n)
	for i := range tasks {
		id := fmt.Sprintf("C%d", i+1)
		if i == 0 {
			tasks[i] = Task(id)
			continue
		}
		tasks[i] = Task(id, tasks[i-1].ID)
	}
	return Document(tasks...)
}

// WithCheckpoint attaches a console checkpoint to t.
func WithCheckpoint(t *document.Task, timeout time.Duration, policy document.TimeoutPolicy) *document.Task {
	t.Human = &document.HumanCheckpoint{
		Action:    "approve " + t.ID,
		Notify:    document.Notification{Channel: document.NotifyConsole},
		Timeout:   timeout,
		OnTimeout: policy,
		OnMissing: document.TimeoutAbort,
	}
	return t
}

// WithFiles declares file targets on t.
func WithFiles(t *document.Task, paths ...string) *document.Task {
	t.FilesToModify = append(t.FilesToModify, paths...)
	return t
}
