package sandbox

import (
	"fmt"
	"time"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// Options is the settings record accepted by Manager.Init.
type Options struct {
	SandboxingEnabled    bool           `json:"sandboxing_enabled"`
	DefaultSecurityLevel security.Level `json:"default_security_level"`
	EnforceByDefault     bool           `json:"enforce_by_default"`
	UserOverrideAllowed  bool           `json:"user_override_allowed"`
	MaxSandboxes         int            `json:"max_sandboxes"`
	AuditRingSize        int            `json:"audit_ring_size"`
	ViolationThreshold   int            `json:"violation_threshold"`
	ViolationWindow      time.Duration  `json:"violation_window"`

	// StopGracePeriod bounds the wait after SIGTERM when Stop has no
	// deadline.
	StopGracePeriod time.Duration `json:"stop_grace_period"`
	// KillGracePeriod bounds the wait after SIGKILL.
	KillGracePeriod        time.Duration `json:"kill_grace_period"`
	SamplingInterval       time.Duration `json:"sampling_interval"`
	BreachEscalation       int           `json:"breach_escalation"`
	MaxProcessesPerSandbox int           `json:"max_processes_per_sandbox"`
	AuditDeliveryTimeout   time.Duration `json:"audit_delivery_timeout"`
}

// DefaultOptions returns the manager defaults.
func DefaultOptions() Options {
	return Options{
		SandboxingEnabled:      true,
		DefaultSecurityLevel:   security.LevelStandard,
		EnforceByDefault:       true,
		UserOverrideAllowed:    false,
		MaxSandboxes:           512,
		AuditRingSize:          audit.DefaultRingSize,
		ViolationThreshold:     audit.DefaultViolationThreshold,
		ViolationWindow:        audit.DefaultViolationWindow,
		StopGracePeriod:        5 * time.Second,
		KillGracePeriod:        2 * time.Second,
		SamplingInterval:       100 * time.Millisecond,
		BreachEscalation:       3,
		MaxProcessesPerSandbox: 1024,
		AuditDeliveryTimeout:   audit.DefaultDeliveryTimeout,
	}
}

// Validate checks the settings.
func (o Options) Validate() error {
	switch {
	case !o.DefaultSecurityLevel.IsValid():
		return fmt.Errorf("invalid default security level %d", o.DefaultSecurityLevel)
	case o.MaxSandboxes <= 0:
		return fmt.Errorf("max_sandboxes must be positive, got %d", o.MaxSandboxes)
	case o.AuditRingSize <= 0:
		return fmt.Errorf("audit_ring_size must be positive, got %d", o.AuditRingSize)
	case o.ViolationThreshold < 0:
		return fmt.Errorf("violation_threshold must not be negative, got %d", o.ViolationThreshold)
	case o.ViolationWindow <= 0:
		return fmt.Errorf("violation_window must be positive, got %s", o.ViolationWindow)
	case o.StopGracePeriod <= 0 || o.KillGracePeriod <= 0:
		return fmt.Errorf("stop and kill grace periods must be positive")
	case o.SamplingInterval < 0:
		return fmt.Errorf("sampling_interval must not be negative, got %s", o.SamplingInterval)
	case o.BreachEscalation < 0:
		return fmt.Errorf("breach_escalation must not be negative, got %d", o.BreachEscalation)
	case o.MaxProcessesPerSandbox <= 0:
		return fmt.Errorf("max_processes_per_sandbox must be positive, got %d", o.MaxProcessesPerSandbox)
	}
	return nil
}

func (o Options) auditConfig() audit.Config {
	return audit.Config{
		RingSize:           o.AuditRingSize,
		ViolationThreshold: o.ViolationThreshold,
		ViolationWindow:    o.ViolationWindow,
		DeliveryTimeout:    o.AuditDeliveryTimeout,
	}
}

func (o Options) tableOptions() []resources.TableOption {
	opts := []resources.TableOption{resources.WithEscalation(o.BreachEscalation)}
	if !o.SandboxingEnabled {
		opts = append(opts, resources.WithoutEnforcement())
	}
	return opts
}

// Store persists policies and lifecycle transitions. storage.SQLiteStore
// implements it.
type Store interface {
	SavePolicy(p *policy.Policy) error
	DeletePolicy(name string) error
	LoadPolicies(opts ...policy.Option) ([]*policy.Policy, error)
	SaveTransition(t Transition) error
}

// Metrics receives decisions, records and transitions as they happen.
// monitoring.Metrics implements it.
type Metrics interface {
	ObserveDecision(id permission.ID, d permission.Decision)
	ObserveRecord(rec audit.Record)
	ObserveTransition(t Transition)
	ObserveDuration(op string, d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(permission.ID, permission.Decision) {}
func (nopMetrics) ObserveRecord(audit.Record)                         {}
func (nopMetrics) ObserveTransition(Transition)                       {}
func (nopMetrics) ObserveDuration(string, time.Duration, error)       {}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSink sets the host audit sink shared by every sandbox.
func WithSink(s audit.Sink) ManagerOption {
	return func(m *Manager) { m.sink = s }
}

// WithSigner signs every audit record.
func WithSigner(s audit.Signer) ManagerOption {
	return func(m *Manager) { m.signer = s }
}

// WithStore persists policies and transitions.
func WithStore(s Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithMetrics reports fleet measurements.
func WithMetrics(mt Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithSampler overrides the process sampler used by accounting ticks.
func WithSampler(s resources.Sampler) ManagerOption {
	return func(m *Manager) { m.sampler = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

var errNotInitialised = fmt.Errorf("sandbox manager: %w", errdefs.ErrNotInitialised)
