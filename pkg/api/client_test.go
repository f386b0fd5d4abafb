package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
)

const webPolicy = `
version: 1
name: web
type: standard
security_level: strict
permissions:
  - id: network-internet
    state: audit-required
resource_limits:
  - kind: memory
    soft: 0
    hard: 1073741824
    enforce: true
namespace_mappings: []
security_context:
  label: "system_u:system_r:sandbox_t:s0"
  level: strict
`

type testEnv struct {
	host    *runtime.SimulatedHost
	manager *sandbox.Manager
	server  *Server
	client  *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	host := runtime.NewSimulatedHost()
	m := sandbox.NewManager(host)
	opts := sandbox.DefaultOptions()
	opts.SamplingInterval = 0
	opts.StopGracePeriod = time.Second
	opts.KillGracePeriod = 200 * time.Millisecond
	require.NoError(t, m.Init(opts))

	s := NewServer(testServerConfig(), m)
	ts := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
		_ = m.Shutdown(ctx)
		host.Close()
	})
	return &testEnv{
		host:    host,
		manager: m,
		server:  s,
		client:  NewClient(ts.URL, WithTimeout(5*time.Second)),
	}
}

func TestClientPolicyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	applied, err := env.client.ApplyPolicy(ctx, []byte(webPolicy))
	require.NoError(t, err)
	assert.Equal(t, "web", applied.Name)
	assert.Equal(t, "strict", applied.Level)
	assert.Equal(t, 1, applied.Permissions)
	assert.True(t, applied.DefaultDeny)

	_, err = env.client.ApplyPolicy(ctx, []byte(webPolicy))
	assert.True(t, errors.Is(err, errdefs.ErrDuplicatePolicy), "got %v", err)

	list, err := env.client.Policies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Document)

	got, err := env.client.Policy(ctx, "web")
	require.NoError(t, err)
	assert.Contains(t, got.Document, "network-internet")

	require.NoError(t, env.client.DeletePolicy(ctx, "web"))
	_, err = env.client.Policy(ctx, "web")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "got %v", err)
}

func TestClientSandboxLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.ApplyPolicy(ctx, []byte(webPolicy))
	require.NoError(t, err)

	snap, err := env.client.CreateSandbox(ctx, CreateSandboxRequest{Name: "app", Policy: "web"})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateCreated, snap.State)
	assert.Equal(t, "web", snap.Policy)

	_, err = env.client.ResumeSandbox(ctx, "app")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState), "got %v", err)

	snap, err = env.client.StartSandbox(ctx, "app", ProcessRequest{Command: []string{"/usr/bin/app", "--serve"}})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateRunning, snap.State)
	require.Len(t, snap.Processes, 1)

	pid, err := env.client.Exec(ctx, "app", ProcessRequest{Command: []string{"/bin/worker"}})
	require.NoError(t, err)
	assert.True(t, env.host.Alive(pid))

	running, err := env.client.Sandboxes(ctx, sandbox.StateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "app", running[0].Name)

	snap, err = env.client.SuspendSandbox(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateSuspended, snap.State)
	snap, err = env.client.ResumeSandbox(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateRunning, snap.State)

	// The policy is in use.
	err = env.client.DeletePolicy(ctx, "web")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState), "got %v", err)

	snap, err = env.client.StopSandbox(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateStopped, snap.State)
	assert.False(t, env.host.Alive(pid))

	require.NoError(t, env.client.DestroySandbox(ctx, "app"))
	_, err = env.client.Sandbox(ctx, "app")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "got %v", err)

	stats, err := env.client.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.SandboxesCreated)
	assert.Equal(t, uint64(1), stats.SandboxesDestroyed)
}

func TestClientMediation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.ApplyPolicy(ctx, []byte(webPolicy))
	require.NoError(t, err)
	_, err = env.client.CreateSandbox(ctx, CreateSandboxRequest{
		Name:    "app",
		Policy:  "web",
		Command: []string{"/usr/bin/app"},
	})
	require.NoError(t, err)

	res, err := env.client.Check(ctx, "app", CheckRequest{Permission: "network-internet"})
	require.NoError(t, err)
	assert.Equal(t, "allow", res.Decision)

	res, err = env.client.Check(ctx, "app", CheckRequest{Permission: "network-local"})
	require.NoError(t, err)
	assert.Equal(t, "deny", res.Decision)

	require.NoError(t, env.client.Grant(ctx, "app", "network-local", "granted"))
	res, err = env.client.Check(ctx, "app", CheckRequest{Permission: "network-local"})
	require.NoError(t, err)
	assert.Equal(t, "allow", res.Decision)

	require.NoError(t, env.client.Revoke(ctx, "app", "network-local"))
	res, err = env.client.Check(ctx, "app", CheckRequest{Permission: "network-local"})
	require.NoError(t, err)
	assert.Equal(t, "deny", res.Decision)

	_, err = env.client.Check(ctx, "app", CheckRequest{Permission: "network-teleport"})
	assert.True(t, errors.Is(err, errdefs.ErrUnknownPermission), "got %v", err)

	records, err := env.client.AuditRecords(ctx, "app", 0)
	require.NoError(t, err)
	var denied, granted int
	for _, rec := range records {
		switch rec.Kind {
		case audit.PermissionDenied:
			denied++
		case audit.PermissionGranted:
			granted++
		}
	}
	assert.Equal(t, 2, denied)
	assert.GreaterOrEqual(t, granted, 1)
}

func TestClientErrorKinds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.CreateSandbox(ctx, CreateSandboxRequest{Name: "app", Policy: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
	assert.Equal(t, errdefs.ExitCode(errdefs.ErrNotFound), errdefs.ExitCode(err))
	assert.NotContains(t, err.Error(), "not found: not found")

	err = env.client.KillSandbox(ctx, "ghost", "TERM")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	_, err = env.client.ApplyPolicy(ctx, []byte("version: 9\n"))
	assert.True(t, errors.Is(err, errdefs.ErrPolicyRejected), "got %v", err)
}

func TestClientHealthAndPermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, err := env.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", string(h.Status))

	perms, err := env.client.Permissions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, perms)
}

func TestClientStreamAudit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.ApplyPolicy(ctx, []byte(webPolicy))
	require.NoError(t, err)
	_, err = env.client.CreateSandbox(ctx, CreateSandboxRequest{
		Name:    "app",
		Policy:  "web",
		Command: []string{"/usr/bin/app"},
	})
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		messages []StreamMessage
	)
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- env.client.StreamAudit(streamCtx, "app", func(msg StreamMessage) error {
			mu.Lock()
			messages = append(messages, msg)
			mu.Unlock()
			return nil
		})
	}()

	// Audited checks produce records until the subscription is live.
	require.Eventually(t, func() bool {
		if _, err := env.client.Check(ctx, "app", CheckRequest{Permission: "network-internet"}); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(messages) > 0
	}, 5*time.Second, 50*time.Millisecond)

	_, err = env.client.StopSandbox(ctx, "app")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range messages {
			if msg.Type == sandbox.EventTypeStateChange && msg.Transition != nil &&
				msg.Transition.To == sandbox.StateStopped {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	first := messages[0]
	mu.Unlock()
	assert.Equal(t, sandbox.EventTypeAudit, first.Type)
	require.NotNil(t, first.Record)
	assert.Equal(t, audit.PermissionGranted, first.Record.Kind)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestClientStreamAuditNotFound(t *testing.T) {
	env := newTestEnv(t)

	err := env.client.StreamAudit(context.Background(), "ghost", func(StreamMessage) error { return nil })
	assert.True(t, errors.Is(err, errdefs.ErrNotFound), "got %v", err)
}

func TestClientRetriesRateLimitedGets(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method == http.MethodGet && n <= 2 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","kind":"ResourceExhausted"}`))
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","kind":"ResourceExhausted"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sandboxes_created":7}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, WithRetries(3, 10*time.Millisecond))
	stats, err := c.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), stats.SandboxesCreated)
	assert.Equal(t, int32(3), calls.Load())

	// Writes are never replayed.
	calls.Store(0)
	err = c.DestroySandbox(context.Background(), "app")
	assert.True(t, errors.Is(err, errdefs.ErrResourceExhausted), "got %v", err)
	assert.Equal(t, int32(1), calls.Load())

	// Exhausted retries surface the last answer.
	calls.Store(-10)
	c = NewClient(ts.URL, WithRetries(1, 10*time.Millisecond))
	_, err = c.Statistics(context.Background())
	assert.True(t, errors.Is(err, errdefs.ErrResourceExhausted), "got %v", err)
	assert.Equal(t, int32(-8), calls.Load())
}
