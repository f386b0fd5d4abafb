package sandbox

import (
	"context"
	"fmt"
	"syscall"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
)

// Service is the manager surface consumed by the management API. Sandboxes
// are addressed by id or name and reported as snapshots.
type Service interface {
	// Policies
	Policies() []*policy.Policy
	Policy(nameOrID string) (*policy.Policy, error)
	PolicyOptions() []policy.Option
	RegisterPolicy(p *policy.Policy) error
	UnregisterPolicy(name string) error

	// Sandboxes
	SandboxSnapshots() []Snapshot
	SandboxSnapshot(idOrName string) (Snapshot, error)
	CreateSandboxFor(name, policyName string) (Snapshot, error)
	StartSandbox(ctx context.Context, idOrName string, entry runtime.ProcessSpec) error
	ExecSandbox(ctx context.Context, idOrName string, spec runtime.ProcessSpec) (int, error)
	StopSandbox(ctx context.Context, idOrName string) error
	SuspendSandbox(ctx context.Context, idOrName string) error
	ResumeSandbox(ctx context.Context, idOrName string) error
	KillSandbox(idOrName string, sig syscall.Signal) error
	DestroySandbox(idOrName string) error

	// Mediation and audit
	CheckSandboxPermission(idOrName string, req CheckRequest) (permission.Decision, error)
	GrantSandboxPermission(idOrName string, id permission.ID, state permission.State) error
	RevokeSandboxPermission(idOrName string, id permission.ID) error
	AuditRecords(idOrName string, limit int) ([]audit.Record, error)

	Statistics() Statistics
	Subscribe(handler EventHandler, filter EventFilter, types ...EventType) string
	Unsubscribe(id string)
}

// Ensure that Manager implements Service
var _ Service = (*Manager)(nil)

// SandboxSnapshots returns snapshots of every sandbox in creation order.
func (m *Manager) SandboxSnapshots() []Snapshot {
	sandboxes := m.Sandboxes()
	out := make([]Snapshot, 0, len(sandboxes))
	for _, s := range sandboxes {
		out = append(out, s.Snapshot())
	}
	return out
}

// SandboxSnapshot returns the snapshot of one sandbox.
func (m *Manager) SandboxSnapshot(idOrName string) (Snapshot, error) {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// CreateSandboxFor creates a sandbox bound to a registered policy.
func (m *Manager) CreateSandboxFor(name, policyName string) (Snapshot, error) {
	p, err := m.Policy(policyName)
	if err != nil {
		return Snapshot{}, err
	}
	s, err := m.CreateSandbox(name, p)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// StartSandbox starts a sandbox with its entry process.
func (m *Manager) StartSandbox(ctx context.Context, idOrName string, entry runtime.ProcessSpec) error {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return err
	}
	return s.Start(ctx, entry)
}

// ExecSandbox starts another process in a Running sandbox.
func (m *Manager) ExecSandbox(ctx context.Context, idOrName string, spec runtime.ProcessSpec) (int, error) {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return 0, err
	}
	return s.Exec(ctx, spec)
}

// StopSandbox stops a sandbox.
func (m *Manager) StopSandbox(ctx context.Context, idOrName string) error {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// SuspendSandbox freezes a sandbox.
func (m *Manager) SuspendSandbox(ctx context.Context, idOrName string) error {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return err
	}
	return s.Suspend(ctx)
}

// ResumeSandbox thaws a sandbox.
func (m *Manager) ResumeSandbox(ctx context.Context, idOrName string) error {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return err
	}
	return s.Resume(ctx)
}

// KillSandbox signals every process of a sandbox.
func (m *Manager) KillSandbox(idOrName string, sig syscall.Signal) error {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return err
	}
	return s.KillAll(sig)
}

// CheckSandboxPermission mediates req on a sandbox.
func (m *Manager) CheckSandboxPermission(idOrName string, req CheckRequest) (permission.Decision, error) {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return permission.Deny, err
	}
	return s.Check(req)
}

// GrantSandboxPermission records a runtime grant on a sandbox.
func (m *Manager) GrantSandboxPermission(idOrName string, id permission.ID, state permission.State) error {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return err
	}
	return s.GrantPermission(id, state, policy.WithReason("granted through management api"))
}

// RevokeSandboxPermission drops a runtime grant.
func (m *Manager) RevokeSandboxPermission(idOrName string, id permission.ID) error {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return err
	}
	return s.RevokePermission(id)
}

// AuditRecords returns up to limit recent records of a sandbox, oldest
// first. A limit of zero or less returns the whole ring.
func (m *Manager) AuditRecords(idOrName string, limit int) ([]audit.Record, error) {
	s, err := m.Lookup(idOrName)
	if err != nil {
		return nil, err
	}
	recs := s.AuditRecords()
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s (%s) %s, %d processes", s.Name, s.ID, s.State, len(s.Processes))
}
