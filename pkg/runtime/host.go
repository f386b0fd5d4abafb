// Package runtime defines the host capability set the sandbox core runs on
// and its adapters: a runc-backed host for real confinement and a
// simulated host for tests and dry runs.
package runtime

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// ErrNoSuchProcess is returned when signalling a pid the host does not know.
var ErrNoSuchProcess = errors.New("no such process")

// ErrHostClosed is returned by operations on a closed host.
var ErrHostClosed = errors.New("host is closed")

// EventType classifies host process notifications.
type EventType string

const (
	// EventExit reports that a process terminated.
	EventExit EventType = "exit"
	// EventFork reports that a sandboxed process created a child.
	EventFork EventType = "fork"
)

// Event is an asynchronous process notification from the host.
type Event struct {
	Type      EventType      `json:"type"`
	PID       int            `json:"pid"`
	ParentPID int            `json:"parent_pid,omitempty"`
	ExitCode  int            `json:"exit_code"`
	Signal    syscall.Signal `json:"signal,omitempty"`
	Time      time.Time      `json:"time"`
}

// Namespace is a descriptor for one isolation domain acquired from the host
// on behalf of a sandbox.
type Namespace struct {
	SandboxID string                 `json:"sandbox_id"`
	Kind      security.NamespaceKind `json:"kind"`
	ID        string                 `json:"id"`
	Path      string                 `json:"path,omitempty"`
}

// ProcessHost creates and signals sandboxed processes.
type ProcessHost interface {
	// Spawn starts spec inside the isolation envelope built for sandboxID
	// and returns the host pid.
	Spawn(ctx context.Context, sandboxID string, spec ProcessSpec) (int, error)
	Signal(pid int, sig syscall.Signal) error
	// Freeze and Thaw pause and resume scheduling of every process of a
	// sandbox.
	Freeze(ctx context.Context, sandboxID string) error
	Thaw(ctx context.Context, sandboxID string) error
	// Events delivers exit and fork notifications.
	Events() <-chan Event
}

// IsolationHost builds the isolation envelope of a sandbox.
type IsolationHost interface {
	AcquireNamespace(ctx context.Context, sandboxID string, kind security.NamespaceKind) (Namespace, error)
	ReleaseNamespace(ctx context.Context, ns Namespace) error
	InstallMapping(ctx context.Context, ns Namespace, m security.IDMapping) error
	InstallSecurityContext(ctx context.Context, sandboxID string, sc *security.Context) error
	RemoveSecurityContext(ctx context.Context, sandboxID string) error
	// Teardown releases whatever the host still holds for sandboxID.
	Teardown(ctx context.Context, sandboxID string) error
}

// LimitHost is implemented by hosts that also enforce resource limits in
// the kernel. Limits the host cannot express are still accounted by the
// sandbox.
type LimitHost interface {
	InstallLimits(ctx context.Context, sandboxID string, limits []resources.Spec) error
}

// Host is the full capability set consumed by the sandbox manager.
type Host interface {
	ProcessHost
	IsolationHost
	Name() string
	Close() error
}
