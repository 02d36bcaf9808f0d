package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/internal/ctxkeys"
)

const testSecret = "remote-test-secret"

func startServer(t *testing.T, backend dispatch.Dispatcher) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(ServerConfig{Secret: testSecret, Issuer: "blueprint"}, backend, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ClientConfig{URL: url, Secret: testSecret, Issuer: "blueprint"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func awaitHandle(t *testing.T, h dispatch.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never finished", h.TaskID())
	}
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()

	backend := dispatch.NewSimulated(0, nil).
		Fail("B", "boom").
		Produce("A", dispatch.FileChange{Path: "a.go", Fingerprint: "sha256:aa"})
	c := dial(t, startServer(t, backend))
	ctx := context.Background()

	ha, err := c.Submit(ctx, &document.Task{ID: "A", TestCommand: "go test ./a"})
	require.NoError(t, err)
	hb, err := c.Submit(ctx, &document.Task{ID: "B", TestCommand: "go test ./b"})
	require.NoError(t, err)

	awaitHandle(t, ha)
	status, res, err := c.Poll(ctx, ha)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSucceeded, status)
	assert.Equal(t, "A", res.TaskID)
	fp, ok := res.Fingerprint("a.go")
	assert.True(t, ok)
	assert.Equal(t, "sha256:aa", fp)

	awaitHandle(t, hb)
	status, res, err = c.Poll(ctx, hb)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, status)
	assert.Equal(t, "boom", res.Error)

	_, _, err = c.Poll(ctx, ha)
	assert.ErrorIs(t, err, dispatch.ErrUnknownHandle)
}

func TestClient_CancelReachesBackend(t *testing.T) {
	t.Parallel()

	backend := dispatch.NewSimulated(time.Hour, nil)
	c := dial(t, startServer(t, backend))
	ctx := context.Background()

	h, err := c.Submit(ctx, &document.Task{ID: "slow", TestCommand: "sleep"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, _, _ := c.Poll(ctx, h)
		return status == dispatch.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel(ctx, h))
	awaitHandle(t, h)
	status, _, err := c.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCancelled, status)
}

func TestClient_CloseFailsOutstanding(t *testing.T) {
	t.Parallel()

	backend := dispatch.NewSimulated(time.Hour, nil)
	url := startServer(t, backend)
	c, err := Dial(context.Background(), ClientConfig{URL: url, Secret: testSecret, Issuer: "blueprint"}, nil)
	require.NoError(t, err)

	h, err := c.Submit(context.Background(), &document.Task{ID: "orphan", TestCommand: "x"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	awaitHandle(t, h)
	status, _, err := c.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, status)

	_, err = c.Submit(context.Background(), &document.Task{ID: "late"})
	assert.Error(t, err)
}

func TestServer_RejectsBadTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewServer(ServerConfig{Secret: testSecret}, dispatch.NewSimulated(0, nil), nil))
	defer srv.Close()

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"garbage", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + mustSign(t, []byte("other"), time.Minute)},
		{"expired", "Bearer " + mustSign(t, []byte(testSecret), -time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestDial_WrongSecretFails(t *testing.T) {
	t.Parallel()

	url := startServer(t, dispatch.NewSimulated(0, nil))
	_, err := Dial(context.Background(), ClientConfig{URL: url, Secret: "nope"}, nil)
	assert.Error(t, err)
}

func mustSign(t *testing.T, secret []byte, ttl time.Duration) string {
	t.Helper()
	token, err := SignToken(secret, "", "tests", ttl)
	require.NoError(t, err)
	return token
}

type runIDBackend struct {
	*dispatch.Simulated
	mu  sync.Mutex
	ids []string
}

func (b *runIDBackend) Submit(ctx context.Context, task *document.Task) (dispatch.Handle, error) {
	id, _ := ctxkeys.RunID(ctx)
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
	return b.Simulated.Submit(ctx, task)
}

func TestClient_ForwardsRunID(t *testing.T) {
	t.Parallel()

	backend := &runIDBackend{Simulated: dispatch.NewSimulated(0, nil)}
	c := dial(t, startServer(t, backend))

	h, err := c.Submit(ctxkeys.WithRunID(context.Background(), "run-7"), &document.Task{ID: "A", TestCommand: "true"})
	require.NoError(t, err)
	awaitHandle(t, h)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"run-7"}, backend.ids)
}
