package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func structured(n int) string {
	var b strings.Builder
	b.WriteString("metadata:\n  title: Generated\n  owner: ops\ntasks:\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "  - task_id: G%d\n    name: step %d\n    test_command: \"true\"\n    rollback: \"true\"\n", i, i)
	}
	return b.String()
}

func TestGenerate_ChecksOutput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	echo := func(body string) Generator {
		return Func(func(context.Context, Request) ([]byte, error) { return []byte(body), nil })
	}

	data, doc, err := Generate(ctx, echo(structured(3)), Request{Goal: "ship it"}, 0)
	require.NoError(t, err)
	assert.Equal(t, structured(3), string(data))
	assert.Equal(t, []string{"G1", "G2", "G3"}, doc.IDs())

	_, _, err = Generate(ctx, echo(structured(3)), Request{}, 0)
	require.ErrorIs(t, err, ErrEmptyGoal)

	_, _, err = Generate(ctx, echo(""), Request{Goal: "x"}, 0)
	require.ErrorIs(t, err, ErrEmptyOutput)

	data, _, err = Generate(ctx, echo(structured(4)), Request{Goal: "x"}, 3)
	require.ErrorIs(t, err, ErrTooManyTasks)
	assert.NotEmpty(t, data, "raw output is kept for inspection")

	_, _, err = Generate(ctx, echo("```yaml\ntask_id: [\n```\n"), Request{Goal: "x"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not parse")
}

func TestCommandGenerator(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("reads request from stdin", func(t *testing.T) {
		t.Parallel()
		g := NewCommandGenerator(CommandConfig{Command: `cat; printf '\n%s' "$BLUEPRINT_GOAL"`}, zap.NewNop())
		out, err := g.Generate(ctx, Request{Goal: "build a cli", Owner: "ops"})
		require.NoError(t, err)

		lines := strings.SplitN(string(out), "\n", 2)
		var req Request
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &req))
		assert.Equal(t, "ops", req.Owner)
		assert.Equal(t, "build a cli", lines[1])
	})

	t.Run("failure carries stderr", func(t *testing.T) {
		t.Parallel()
		g := NewCommandGenerator(CommandConfig{Command: "echo quota exhausted >&2; exit 4"}, nil)
		_, err := g.Generate(ctx, Request{Goal: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota exhausted")
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		g := NewCommandGenerator(CommandConfig{Command: "sleep 10", Timeout: 100 * time.Millisecond}, nil)
		start := time.Now()
		_, err := g.Generate(ctx, Request{Goal: "x"})
		require.Error(t, err)
		assert.Less(t, time.Since(start), 8*time.Second)
	})

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		_, err := NewCommandGenerator(CommandConfig{}, nil).Generate(ctx, Request{Goal: "x"})
		require.Error(t, err)
	})
}

func newTestHTTPGenerator(url string, retries int) *HTTPGenerator {
	g := NewHTTPGenerator(HTTPConfig{URL: url, APIKey: "secret", MaxRetries: retries}, nil)
	g.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return g
}

func TestHTTPGenerator_RetriesUpstreamErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ship", req.Goal)

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(generateResponse{Document: structured(1)})
	}))
	defer srv.Close()

	out, err := newTestHTTPGenerator(srv.URL, 3).Generate(context.Background(), Request{Goal: "ship"})
	require.NoError(t, err)
	assert.Equal(t, structured(1), string(out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPGenerator_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad goal", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestHTTPGenerator(srv.URL, 3).Generate(context.Background(), Request{Goal: "ship"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.False(t, se.Retryable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGenerator_PlainBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = w.Write([]byte(structured(2)))
	}))
	defer srv.Close()

	data, doc, err := Generate(context.Background(), newTestHTTPGenerator(srv.URL, 0), Request{Goal: "ship"}, 0)
	require.NoError(t, err)
	assert.Equal(t, structured(2), string(data))
	assert.Len(t, doc.Tasks, 2)
}

func TestStatusError_Classification(t *testing.T) {
	t.Parallel()

	assert.True(t, statusError(http.StatusTooManyRequests, nil).Retryable)
	assert.True(t, statusError(529, nil).Retryable)
	assert.True(t, statusError(http.StatusInternalServerError, nil).Retryable)
	assert.False(t, statusError(http.StatusUnauthorized, nil).Retryable)
	assert.Len(t, statusError(400, []byte(strings.Repeat("x", 2000))).Message, 512)
}
