package api

import (
	"time"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
)

// Request/Response types for the management API

// ListResponse wraps every collection response.
type ListResponse[T any] struct {
	Data      []T       `json:"data"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx response. Kind is the
// errdefs taxonomy name so clients can rebuild the sentinel.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// PolicyResponse describes a registered policy. Document carries the YAML
// form accepted by POST /api/v1/policies.
type PolicyResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Description       string    `json:"description,omitempty"`
	Level             string    `json:"security_level"`
	DefaultDeny       bool      `json:"default_deny"`
	EnterpriseManaged bool      `json:"enterprise_managed"`
	Permissions       int       `json:"permissions"`
	Limits            int       `json:"limits"`
	CreatedAt         time.Time `json:"created_at"`
	Document          string    `json:"document,omitempty"`
}

// CreateSandboxRequest creates a sandbox under a registered policy and
// optionally starts it with Command as the entry process.
type CreateSandboxRequest struct {
	Name    string   `json:"name"`
	Policy  string   `json:"policy"`
	Command []string `json:"command,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"working_dir,omitempty"`
}

// ProcessRequest starts or executes a process inside a sandbox.
type ProcessRequest struct {
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"working_dir,omitempty"`
	User    string   `json:"user,omitempty"`
}

// ExecResponse carries the pid of an executed process.
type ExecResponse struct {
	PID int `json:"pid"`
}

// KillRequest names the signal to deliver, e.g. "SIGKILL". Empty means
// SIGKILL.
type KillRequest struct {
	Signal string `json:"signal,omitempty"`
}

// CheckRequest asks for a mediation decision.
type CheckRequest struct {
	Permission string `json:"permission"`
	Path       string `json:"path,omitempty"`
	Confirmed  bool   `json:"confirmed,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// CheckResponse is the mediation outcome.
type CheckResponse struct {
	Permission string `json:"permission"`
	Decision   string `json:"decision"`
}

// GrantRequest sets an overlay entry on a sandbox.
type GrantRequest struct {
	State string `json:"state"`
}

// PermissionResponse describes one catalogue permission.
type PermissionResponse struct {
	Name      string `json:"name"`
	Category  string `json:"category"`
	Dangerous bool   `json:"dangerous"`
	Summary   string `json:"summary"`
}

// StreamMessage is one frame on the audit websocket.
type StreamMessage struct {
	Type       sandbox.EventType   `json:"type"`
	SandboxID  string              `json:"sandbox_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Record     *audit.Record       `json:"record,omitempty"`
	Transition *sandbox.Transition `json:"transition,omitempty"`
}

func policyResponse(p *policy.Policy, withDocument bool) (PolicyResponse, error) {
	resp := PolicyResponse{
		ID:                p.ID(),
		Name:              p.Name(),
		Type:              string(p.Type()),
		Description:       p.Description(),
		Level:             p.Level().String(),
		DefaultDeny:       p.DefaultDeny(),
		EnterpriseManaged: p.EnterpriseManaged(),
		Permissions:       len(p.Entries()),
		Limits:            len(p.Limits()),
		CreatedAt:         p.CreatedAt(),
	}
	if withDocument {
		doc, err := policy.Marshal(p)
		if err != nil {
			return resp, err
		}
		resp.Document = string(doc)
	}
	return resp, nil
}

func (r ProcessRequest) spec() runtime.ProcessSpec {
	spec := runtime.NewProcessSpec(r.Command[0], r.Command[1:]...)
	spec.Env = r.Env
	if r.WorkDir != "" {
		spec.WorkingDir = r.WorkDir
	}
	spec.User = r.User
	return spec
}
