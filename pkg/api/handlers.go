package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/monitoring"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
	"github.com/sandboxrunner/sandboxd/pkg/storage"
)

const defaultAuditLimit = 100

func listOf[T any](data []T) ListResponse[T] {
	if data == nil {
		data = []T{}
	}
	return ListResponse[T]{Data: data, Total: len(data), Timestamp: time.Now()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, monitoring.OverallHealth{
		Status:    monitoring.HealthStatusHealthy,
		Version:   monitoring.Version,
		Timestamp: time.Now(),
		Checks:    []monitoring.HealthCheckResult{},
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Statistics())
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	var ids []permission.ID
	if c := r.URL.Query().Get("category"); c != "" {
		ids = permission.InCategory(permission.Category(c))
	} else {
		ids = permission.All()
	}
	out := make([]PermissionResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, PermissionResponse{
			Name:      id.String(),
			Category:  string(id.Category()),
			Dangerous: id.IsDangerous(),
			Summary:   id.Summary(),
		})
	}
	s.writeJSON(w, http.StatusOK, listOf(out))
}

// Policy handlers

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.service.Policies()
	out := make([]PolicyResponse, 0, len(policies))
	for _, p := range policies {
		resp, err := policyResponse(p, false)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, listOf(out))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Policy(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := policyResponse(p, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleApplyPolicy registers the YAML policy document in the body.
func (s *Server) handleApplyPolicy(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("failed to read policy document: %w", err))
		return
	}
	p, err := policy.Unmarshal(data, s.service.PolicyOptions()...)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.RegisterPolicy(p); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := policyResponse(p, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.service.UnregisterPolicy(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sandbox handlers

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	snaps := s.service.SandboxSnapshots()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if string(snap.State) == state {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	s.writeJSON(w, http.StatusOK, listOf(snaps))
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshot(w, http.StatusOK, mux.Vars(r)["name"])
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req CreateSandboxRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Policy == "" {
		s.writeErrorStatus(w, http.StatusBadRequest, errors.New("name and policy are required"))
		return
	}

	snap, err := s.service.CreateSandboxFor(req.Name, req.Policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Command) > 0 {
		entry := ProcessRequest{Command: req.Command, Env: req.Env, WorkDir: req.WorkDir}
		if err := s.service.StartSandbox(r.Context(), snap.ID, entry.spec()); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeSnapshot(w, http.StatusCreated, snap.ID)
}

func (s *Server) handleStartSandbox(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	req, ok := s.decodeProcess(w, r)
	if !ok {
		return
	}
	if err := s.service.StartSandbox(r.Context(), name, req.spec()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, name)
}

func (s *Server) handleExecSandbox(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeProcess(w, r)
	if !ok {
		return
	}
	pid, err := s.service.ExecSandbox(r.Context(), mux.Vars(r)["name"], req.spec())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ExecResponse{PID: pid})
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.service.StopSandbox(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, name)
}

func (s *Server) handleSuspendSandbox(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.service.SuspendSandbox(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, name)
}

func (s *Server) handleResumeSandbox(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.service.ResumeSandbox(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, http.StatusOK, name)
}

func (s *Server) handleKillSandbox(w http.ResponseWriter, r *http.Request) {
	var req KillRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	sig, err := ParseSignal(req.Signal)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.KillSandbox(mux.Vars(r)["name"], sig); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DestroySandbox(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Mediation handlers

func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	id, err := permission.Lookup(req.Permission)
	if err != nil {
		s.writeError(w, err)
		return
	}
	decision, err := s.service.CheckSandboxPermission(mux.Vars(r)["name"], sandbox.CheckRequest{
		Permission: id,
		Path:       req.Path,
		Confirmed:  req.Confirmed,
		PID:        req.PID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CheckResponse{Permission: id.String(), Decision: decision.String()})
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := permission.Lookup(vars["permission"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := GrantRequest{State: permission.Granted.String()}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	state, err := permission.ParseState(req.State)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.GrantSandboxPermission(vars["name"], id, state); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := permission.Lookup(vars["permission"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.service.RevokeSandboxPermission(vars["name"], id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Audit handlers

func (s *Server) handleSandboxAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultAuditLimit)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.service.AuditRecords(mux.Vars(r)["name"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listOf(records))
}

// handleQueryAudit searches the persisted audit trail.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		s.writeError(w, fmt.Errorf("audit store not configured: %w", errdefs.ErrNotFound))
		return
	}
	values := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultAuditLimit)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, err)
		return
	}
	q := storage.AuditQuery{Sandbox: values.Get("sandbox"), Limit: limit}
	for _, k := range values["kind"] {
		q.Kinds = append(q.Kinds, audit.Kind(k))
	}
	if since := values.Get("since"); since != "" {
		q.Since, err = time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
	}

	records, err := s.auditStore.AuditRecords(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listOf(records))
}

// Helpers

func (s *Server) writeSnapshot(w http.ResponseWriter, status int, idOrName string) {
	snap, err := s.service.SandboxSnapshot(idOrName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, status, snap)
}

func (s *Server) decodeProcess(w http.ResponseWriter, r *http.Request) (ProcessRequest, bool) {
	var req ProcessRequest
	if !s.decodeJSON(w, r, &req) {
		return req, false
	}
	if len(req.Command) == 0 || req.Command[0] == "" {
		s.writeErrorStatus(w, http.StatusBadRequest, errors.New("command is required"))
		return req, false
	}
	return req, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// ParseSignal accepts "SIGTERM", "TERM", "term" or a number. Empty means
// SIGKILL.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return unix.SIGKILL, nil
	}
	if n, err := strconv.Atoi(name); err == nil && n > 0 && n < 65 {
		return syscall.Signal(n), nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	if sig := unix.SignalNum(upper); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
