package validator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/testutil/fixtures"
)

// randomDAG draws a document whose edges only point at earlier tasks.
func randomDAG(rt *rapid.T) *document.Document {
	n := rapid.IntRange(1, 20).Draw(rt, "tasks")
	tasks := make([]*document.Task, n)
	for i := range tasks {
		id := fmt.Sprintf("T%d", i)
		var deps []string
		for j := 0; j < i; j++ {
			if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", i, j)) {
				deps = append(deps, fmt.Sprintf("T%d", j))
			}
		}
		tasks[i] = fixtures.Task(id, deps...)
	}
	return fixtures.Document(tasks...)
}

func TestProperty_AcyclicGraphsHaveNoCycleFindings(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		doc := randomDAG(rt)
		r := New().Validate(context.Background(), doc)
		if len(r.ByKind(KindCycle)) != 0 {
			rt.Fatalf("acyclic document reported cycles: %v", r.Findings)
		}
		if !r.Executable() {
			rt.Fatalf("complete acyclic document not executable: %v", r.Err())
		}
	})
}

func TestProperty_BackEdgeIsAlwaysReported(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		doc := randomDAG(rt)
		if len(doc.Tasks) < 2 {
			return
		}
		from := rapid.IntRange(0, len(doc.Tasks)-2).Draw(rt, "from")
		to := rapid.IntRange(from+1, len(doc.Tasks)-1).Draw(rt, "to")

		// Make a chain from -> ... -> to then close it.
		for i := from + 1; i <= to; i++ {
			doc.Tasks[i].Dependencies = append(doc.Tasks[i].Dependencies, doc.Tasks[i-1].ID)
		}
		doc.Tasks[from].Dependencies = append(doc.Tasks[from].Dependencies, doc.Tasks[to].ID)

		cycles := New().Validate(context.Background(), doc).ByKind(KindCycle)
		if len(cycles) == 0 {
			rt.Fatalf("cycle through %s and %s not reported", doc.Tasks[from].ID, doc.Tasks[to].ID)
		}
		for _, c := range cycles {
			if c.Related[0] != c.Related[len(c.Related)-1] {
				rt.Fatalf("cycle path does not close: %v", c.Related)
			}
		}
	})
}

func TestProperty_ValidationIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		doc := randomDAG(rt)
		if rapid.Bool().Draw(rt, "break") {
			doc.Tasks[0].Rollback = ""
			doc.Tasks[len(doc.Tasks)-1].Dependencies = append(doc.Tasks[len(doc.Tasks)-1].Dependencies, "NOPE")
		}
		v := New()
		first := v.Validate(context.Background(), doc)
		second := v.Validate(context.Background(), doc)
		require.Equal(rt, first, second)
	})
}

func TestValidate_DoesNotMutateDocument(t *testing.T) {
	t.Parallel()

	doc := fixtures.Diamond()
	before := doc.IDs()
	_ = New().Validate(context.Background(), doc)
	assert.Equal(t, before, doc.IDs())
	assert.Equal(t, []string{"T2", "T3"}, doc.Tasks[3].Dependencies)
}
