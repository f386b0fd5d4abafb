package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/config"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/monitoring"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
	"github.com/sandboxrunner/sandboxd/pkg/storage"
)

// MockService is a sandbox.Service driven by expectations.
type MockService struct {
	mock.Mock
}

var _ sandbox.Service = (*MockService)(nil)

func (m *MockService) Policies() []*policy.Policy {
	args := m.Called()
	return args.Get(0).([]*policy.Policy)
}

func (m *MockService) Policy(nameOrID string) (*policy.Policy, error) {
	args := m.Called(nameOrID)
	p, _ := args.Get(0).(*policy.Policy)
	return p, args.Error(1)
}

func (m *MockService) PolicyOptions() []policy.Option {
	return nil
}

func (m *MockService) RegisterPolicy(p *policy.Policy) error {
	return m.Called(p).Error(0)
}

func (m *MockService) UnregisterPolicy(name string) error {
	return m.Called(name).Error(0)
}

func (m *MockService) SandboxSnapshots() []sandbox.Snapshot {
	args := m.Called()
	return args.Get(0).([]sandbox.Snapshot)
}

func (m *MockService) SandboxSnapshot(idOrName string) (sandbox.Snapshot, error) {
	args := m.Called(idOrName)
	return args.Get(0).(sandbox.Snapshot), args.Error(1)
}

func (m *MockService) CreateSandboxFor(name, policyName string) (sandbox.Snapshot, error) {
	args := m.Called(name, policyName)
	return args.Get(0).(sandbox.Snapshot), args.Error(1)
}

func (m *MockService) StartSandbox(ctx context.Context, idOrName string, entry runtime.ProcessSpec) error {
	return m.Called(idOrName, entry).Error(0)
}

func (m *MockService) ExecSandbox(ctx context.Context, idOrName string, spec runtime.ProcessSpec) (int, error) {
	args := m.Called(idOrName, spec)
	return args.Int(0), args.Error(1)
}

func (m *MockService) StopSandbox(ctx context.Context, idOrName string) error {
	return m.Called(idOrName).Error(0)
}

func (m *MockService) SuspendSandbox(ctx context.Context, idOrName string) error {
	return m.Called(idOrName).Error(0)
}

func (m *MockService) ResumeSandbox(ctx context.Context, idOrName string) error {
	return m.Called(idOrName).Error(0)
}

func (m *MockService) KillSandbox(idOrName string, sig syscall.Signal) error {
	return m.Called(idOrName, sig).Error(0)
}

func (m *MockService) DestroySandbox(idOrName string) error {
	return m.Called(idOrName).Error(0)
}

func (m *MockService) CheckSandboxPermission(idOrName string, req sandbox.CheckRequest) (permission.Decision, error) {
	args := m.Called(idOrName, req)
	return args.Get(0).(permission.Decision), args.Error(1)
}

func (m *MockService) GrantSandboxPermission(idOrName string, id permission.ID, state permission.State) error {
	return m.Called(idOrName, id, state).Error(0)
}

func (m *MockService) RevokeSandboxPermission(idOrName string, id permission.ID) error {
	return m.Called(idOrName, id).Error(0)
}

func (m *MockService) AuditRecords(idOrName string, limit int) ([]audit.Record, error) {
	args := m.Called(idOrName, limit)
	recs, _ := args.Get(0).([]audit.Record)
	return recs, args.Error(1)
}

func (m *MockService) Statistics() sandbox.Statistics {
	return m.Called().Get(0).(sandbox.Statistics)
}

func (m *MockService) Subscribe(handler sandbox.EventHandler, filter sandbox.EventFilter, types ...sandbox.EventType) string {
	return m.Called().String(0)
}

func (m *MockService) Unsubscribe(id string) {
	m.Called(id)
}

type stubAuditStore struct {
	query   storage.AuditQuery
	records []audit.Record
}

func (s *stubAuditStore) AuditRecords(ctx context.Context, q storage.AuditQuery) ([]audit.Record, error) {
	s.query = q
	return s.records, nil
}

func testServerConfig() config.ServerConfig {
	cfg := config.DefaultConfig().Server
	cfg.RateLimitRPS = 0
	return cfg
}

func serve(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errdefs.ErrNotFound, http.StatusNotFound},
		{errdefs.ErrUnknownPermission, http.StatusBadRequest},
		{errdefs.ErrPolicyRejected, http.StatusBadRequest},
		{errdefs.ErrDuplicatePolicy, http.StatusConflict},
		{errdefs.ErrInvalidState, http.StatusConflict},
		{errdefs.ErrPolicyFrozen, http.StatusConflict},
		{errdefs.ErrPermissionDenied, http.StatusForbidden},
		{errdefs.ErrTooManySandboxes, http.StatusTooManyRequests},
		{errdefs.ErrQuotaExceeded, http.StatusTooManyRequests},
		{errdefs.ErrOutOfMemory, http.StatusInsufficientStorage},
		{errdefs.ErrTimeout, http.StatusGatewayTimeout},
		{errdefs.ErrNotInitialised, http.StatusServiceUnavailable},
		{errdefs.ErrNamespaceAcquisitionFailed, http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.Equal(t, tt.want, statusFor(errdefs.KindOf(wrapped)))
		})
	}
}

func TestGetSandboxNotFound(t *testing.T) {
	svc := new(MockService)
	svc.On("SandboxSnapshot", "ghost").
		Return(sandbox.Snapshot{}, fmt.Errorf("sandbox %q: %w", "ghost", errdefs.ErrNotFound))
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "GET", BasePath+"/sandboxes/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "NotFound", e.Kind)
	assert.Contains(t, e.Error, "ghost")
	svc.AssertExpectations(t)
}

func TestListSandboxesStateFilter(t *testing.T) {
	svc := new(MockService)
	svc.On("SandboxSnapshots").Return([]sandbox.Snapshot{
		{ID: "a", Name: "one", State: sandbox.StateRunning},
		{ID: "b", Name: "two", State: sandbox.StateStopped},
		{ID: "c", Name: "three", State: sandbox.StateRunning},
	})
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "GET", BasePath+"/sandboxes?state=running", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out ListResponse[sandbox.Snapshot]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, "one", out.Data[0].Name)
	assert.Equal(t, "three", out.Data[1].Name)
}

func TestListSandboxesEmpty(t *testing.T) {
	svc := new(MockService)
	svc.On("SandboxSnapshots").Return([]sandbox.Snapshot(nil))
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "GET", BasePath+"/sandboxes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestCreateSandboxValidation(t *testing.T) {
	svc := new(MockService)
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "POST", BasePath+"/sandboxes", `{"name":"web"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, "POST", BasePath+"/sandboxes", `{"name":"web","policy":"p","colour":"blue"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "invalid request body")

	svc.AssertNotCalled(t, "CreateSandboxFor", mock.Anything, mock.Anything)
}

func TestCreateSandboxAndStart(t *testing.T) {
	svc := new(MockService)
	snap := sandbox.Snapshot{ID: "sb-1", Name: "web", State: sandbox.StateCreated}
	svc.On("CreateSandboxFor", "web", "strict").Return(snap, nil)
	svc.On("StartSandbox", "sb-1", mock.MatchedBy(func(spec runtime.ProcessSpec) bool {
		return spec.Cmd == "/bin/server" && len(spec.Args) == 1 && spec.Args[0] == "--port=80" && spec.WorkingDir == "/srv"
	})).Return(nil)
	running := snap
	running.State = sandbox.StateRunning
	svc.On("SandboxSnapshot", "sb-1").Return(running, nil)
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "POST", BasePath+"/sandboxes",
		`{"name":"web","policy":"strict","command":["/bin/server","--port=80"],"working_dir":"/srv"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out sandbox.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, sandbox.StateRunning, out.State)
	svc.AssertExpectations(t)
}

func TestStopInvalidState(t *testing.T) {
	svc := new(MockService)
	svc.On("StopSandbox", "web").Return(fmt.Errorf("stop web in state created: %w", errdefs.ErrInvalidState))
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "POST", BasePath+"/sandboxes/web/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidState", decodeError(t, rec).Kind)
}

func TestExecRequiresCommand(t *testing.T) {
	svc := new(MockService)
	svc.On("ExecSandbox", "web", mock.Anything).Return(4242, nil)
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "POST", BasePath+"/sandboxes/web/exec", `{"command":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, "POST", BasePath+"/sandboxes/web/exec", `{"command":["ls","-l"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var out ExecResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 4242, out.PID)
}

func TestKillSignal(t *testing.T) {
	svc := new(MockService)
	svc.On("KillSandbox", "web", syscall.SIGTERM).Return(nil)
	svc.On("KillSandbox", "web", syscall.SIGKILL).Return(nil)
	s := NewServer(testServerConfig(), svc)

	assert.Equal(t, http.StatusAccepted, serve(t, s, "POST", BasePath+"/sandboxes/web/kill", `{"signal":"term"}`).Code)
	assert.Equal(t, http.StatusAccepted, serve(t, s, "POST", BasePath+"/sandboxes/web/kill", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "POST", BasePath+"/sandboxes/web/kill", `{"signal":"SIGNOPE"}`).Code)
	svc.AssertExpectations(t)
}

func TestCheckPermission(t *testing.T) {
	svc := new(MockService)
	svc.On("CheckSandboxPermission", "web", sandbox.CheckRequest{
		Permission: permission.NetworkLocal,
		PID:        7,
	}).Return(permission.Allow, nil)
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "POST", BasePath+"/sandboxes/web/check", `{"permission":"network-local","pid":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, CheckResponse{Permission: "network-local", Decision: "allow"}, out)

	rec = serve(t, s, "POST", BasePath+"/sandboxes/web/check", `{"permission":"network-teleport"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UnknownPermission", decodeError(t, rec).Kind)
}

func TestGrantAndRevoke(t *testing.T) {
	svc := new(MockService)
	svc.On("GrantSandboxPermission", "web", permission.HardwareCamera, permission.Granted).Return(nil)
	svc.On("GrantSandboxPermission", "web", permission.HardwareCamera, permission.GrantedOnce).Return(nil)
	svc.On("RevokeSandboxPermission", "web", permission.HardwareCamera).Return(nil)
	s := NewServer(testServerConfig(), svc)

	path := BasePath + "/sandboxes/web/permissions/hardware-camera"
	assert.Equal(t, http.StatusNoContent, serve(t, s, "PUT", path, "").Code)
	assert.Equal(t, http.StatusNoContent, serve(t, s, "PUT", path, `{"state":"granted-once"}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "PUT", path, `{"state":"maybe"}`).Code)
	assert.Equal(t, http.StatusNoContent, serve(t, s, "DELETE", path, "").Code)
	svc.AssertExpectations(t)
}

func TestSandboxAuditLimit(t *testing.T) {
	svc := new(MockService)
	svc.On("AuditRecords", "web", 5).Return([]audit.Record{{Kind: audit.PermissionDenied}}, nil)
	svc.On("AuditRecords", "web", defaultAuditLimit).Return([]audit.Record{}, nil)
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "GET", BasePath+"/sandboxes/web/audit?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out ListResponse[audit.Record]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Total)

	assert.Equal(t, http.StatusOK, serve(t, s, "GET", BasePath+"/sandboxes/web/audit", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "GET", BasePath+"/sandboxes/web/audit?limit=-1", "").Code)
	svc.AssertExpectations(t)
}

func TestQueryAudit(t *testing.T) {
	svc := new(MockService)

	s := NewServer(testServerConfig(), svc)
	assert.Equal(t, http.StatusNotFound, serve(t, s, "GET", BasePath+"/audit", "").Code)

	store := &stubAuditStore{records: []audit.Record{{SandboxName: "web"}}}
	s = NewServer(testServerConfig(), svc, WithAuditStore(store))
	rec := serve(t, s, "GET", BasePath+"/audit?sandbox=web&kind=PermissionDenied&kind=HardLimitExceeded&since=2026-01-02T03:04:05Z&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "web", store.query.Sandbox)
	assert.Equal(t, []audit.Kind{audit.PermissionDenied, audit.HardLimitExceeded}, store.query.Kinds)
	assert.Equal(t, 10, store.query.Limit)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), store.query.Since.UTC())

	assert.Equal(t, http.StatusBadRequest, serve(t, s, "GET", BasePath+"/audit?since=yesterday", "").Code)
}

func TestApplyPolicyRejected(t *testing.T) {
	svc := new(MockService)
	s := NewServer(testServerConfig(), svc)

	rec := serve(t, s, "POST", BasePath+"/policies", "version: 2\nname: x\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PolicyRejected", decodeError(t, rec).Kind)
	svc.AssertNotCalled(t, "RegisterPolicy", mock.Anything)
}

func TestListPermissionsCategory(t *testing.T) {
	s := NewServer(testServerConfig(), new(MockService))

	rec := serve(t, s, "GET", BasePath+"/permissions?category=hardware", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out ListResponse[PermissionResponse]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.Data)
	for _, p := range out.Data {
		assert.Equal(t, "hardware", p.Category)
	}
}

func TestRateLimit(t *testing.T) {
	svc := new(MockService)
	svc.On("Statistics").Return(sandbox.Statistics{})
	cfg := testServerConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 2
	s := NewServer(cfg, svc)

	assert.Equal(t, http.StatusOK, serve(t, s, "GET", BasePath+"/statistics", "").Code)
	assert.Equal(t, http.StatusOK, serve(t, s, "GET", BasePath+"/statistics", "").Code)
	rec := serve(t, s, "GET", BasePath+"/statistics", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Health is outside the versioned API and never limited.
	assert.Equal(t, http.StatusOK, serve(t, s, "GET", "/health", "").Code)
}

func TestCORS(t *testing.T) {
	cfg := testServerConfig()
	cfg.EnableCORS = true
	s := NewServer(cfg, new(MockService))

	req := httptest.NewRequest("OPTIONS", BasePath+"/sandboxes", nil)
	req.Header.Set("Origin", "http://console.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://console.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	svc := new(MockService)
	svc.On("SandboxSnapshot", "web").Return(sandbox.Snapshot{ID: "sb-1", Name: "web"}, nil)
	m := monitoring.NewMetrics("sandboxd")
	s := NewServer(testServerConfig(), svc, WithMetrics(m, "/metrics"))

	require.Equal(t, http.StatusOK, serve(t, s, "GET", BasePath+"/sandboxes/web", "").Code)

	rec := serve(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/api/v1/sandboxes/{name}"`)
}

func TestOpenAPISpec(t *testing.T) {
	s := NewServer(testServerConfig(), new(MockService))

	rec := serve(t, s, "GET", "/api/openapi.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var spec OpenAPISpec
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	assert.Equal(t, "3.0.3", spec.OpenAPI)
	assert.Contains(t, spec.Paths, BasePath+"/sandboxes/{name}/check")
	assert.Contains(t, spec.Paths[BasePath+"/sandboxes"], "post")
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in   string
		want syscall.Signal
		err  bool
	}{
		{"", syscall.SIGKILL, false},
		{"SIGTERM", syscall.SIGTERM, false},
		{"term", syscall.SIGTERM, false},
		{"HUP", syscall.SIGHUP, false},
		{"9", syscall.SIGKILL, false},
		{"0", 0, true},
		{"SIGBOGUS", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sig, err := ParseSignal(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig)
		})
	}
}
