package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTaskStatus(t *testing.T) {
	t.Parallel()

	tests := map[string]TaskStatus{
		"":                TaskStatusNotStarted,
		"🔲 NOT_STARTED":   TaskStatusNotStarted,
		"🔄 IN_PROGRESS":   TaskStatusInProgress,
		"✅ COMPLETE":      TaskStatusComplete,
		"⛔ BLOCKED":       TaskStatusBlocked,
		"⏭️ SKIPPED":      TaskStatusSkipped,
		"in progress":     TaskStatusInProgress,
		"Complete":        TaskStatusComplete,
		"something weird": TaskStatusNotStarted,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseTaskStatus(in), in)
	}
}

func TestParseTimeoutPolicy(t *testing.T) {
	t.Parallel()

	p, ok := ParseTimeoutPolicy("ABORT with a note to the owner")
	assert.True(t, ok)
	assert.Equal(t, TimeoutAbort, p)

	p, ok = ParseTimeoutPolicy("skip.")
	assert.True(t, ok)
	assert.Equal(t, TimeoutSkip, p)

	p, ok = ParseTimeoutPolicy("")
	assert.True(t, ok)
	assert.Equal(t, TimeoutAbort, p)

	_, ok = ParseTimeoutPolicy("retry")
	assert.False(t, ok)
}

func TestTask_Dependencies(t *testing.T) {
	t.Parallel()

	task := &Task{
		ID:               "C",
		Dependencies:     []string{"A", "B"},
		SoftDependencies: []string{"B", "D"},
		FilesToCreate:    []string{"x.go", " "},
		FilesToModify:    []string{"x.go", "y.go"},
	}
	assert.Equal(t, []string{"A", "B", "D"}, task.AllDependencies())
	assert.False(t, task.IsSoft("B"))
	assert.True(t, task.IsSoft("D"))
	assert.False(t, task.IsSoft("Z"))
	assert.Equal(t, []string{"x.go", "y.go"}, task.FileTargets())

	clone := task.Clone()
	clone.Dependencies[0] = "changed"
	assert.Equal(t, "A", task.Dependencies[0])
}

func TestHumanCheckpoint_NotifyTarget(t *testing.T) {
	t.Parallel()

	var nilCheckpoint *HumanCheckpoint
	assert.Empty(t, nilCheckpoint.NotifyTarget())
	assert.Empty(t, (&HumanCheckpoint{}).NotifyTarget())
	assert.Equal(t, "console", (&HumanCheckpoint{Notify: Notification{Channel: NotifyConsole}}).NotifyTarget())
	assert.Equal(t, "ops@example.com", (&HumanCheckpoint{Notify: Notification{
		Channel: NotifyEmail, Recipient: "ops@example.com", URL: "https://ignored",
	}}).NotifyTarget())
	assert.Equal(t, "A,B", (&HumanCheckpoint{Notify: Notification{
		Channel: NotifyEnv, Variables: []string{"A", "B"},
	}}).NotifyTarget())
}

func TestDocument_Lookups(t *testing.T) {
	t.Parallel()

	doc := New("demo").
		AddTask(&Task{ID: "A", Status: TaskStatusComplete}).
		AddTask(&Task{ID: "B", Human: &HumanCheckpoint{Action: "approve"}}).
		AddTask(&Task{ID: "A", Name: "second"})

	assert.Equal(t, []string{"A", "B", "A"}, doc.IDs())
	assert.Len(t, doc.Index(), 2)
	assert.Empty(t, doc.Index()["A"].Name)

	b, ok := doc.Task("B")
	assert.True(t, ok)
	assert.Equal(t, []*Task{b}, doc.HumanTasks())
	assert.InDelta(t, 33.33, doc.Progress(), 0.01)

	doc.External = map[string]string{"X": "other.md"}
	assert.True(t, doc.IsExternal("X"))
	assert.False(t, doc.IsExternal("A"))

	assert.Equal(t, "Untitled Blueprint", (&Document{}).Title())
	assert.Equal(t, "demo (3 tasks, 0 refs)", doc.String())
}
