// Package sandbox binds policies to sets of host processes. It owns the
// lifecycle state machine, permission mediation, live resource accounting
// and the manager that routes host process events to their sandbox.
package sandbox

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// Process is a host process owned by a sandbox.
type Process struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid,omitempty"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// SecurityState is the violation record of a sandbox.
type SecurityState struct {
	Violations               uint64    `json:"violations"`
	LastViolation            time.Time `json:"last_violation,omitempty"`
	LastViolationDescription string    `json:"last_violation_description,omitempty"`
	Suspended                bool      `json:"suspended"`
	Terminated               bool      `json:"terminated"`
}

// Usage counts mediation outcomes for one permission.
type Usage struct {
	Checks   uint64    `json:"checks"`
	Allowed  uint64    `json:"allowed"`
	Denied   uint64    `json:"denied"`
	LastUsed time.Time `json:"last_used,omitempty"`
}

// Snapshot is a consistent copy of a sandbox's observable state.
type Snapshot struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	Policy     string                  `json:"policy"`
	PolicyID   string                  `json:"policy_id"`
	State      State                   `json:"state"`
	Processes  []Process               `json:"processes"`
	Namespaces []runtime.Namespace     `json:"namespaces"`
	Limits     []resources.Limit       `json:"limits"`
	Counters   resources.Counters      `json:"counters"`
	Overlay    []policy.Entry          `json:"overlay"`
	Usage      map[permission.ID]Usage `json:"usage,omitempty"`
	Security   SecurityState           `json:"security"`
	Audit      audit.Stats             `json:"audit"`
	Context    string                  `json:"security_context,omitempty"`
	Level      security.Level          `json:"security_level"`
	CreatedAt  time.Time               `json:"created_at"`
	StartedAt  time.Time               `json:"started_at,omitempty"`
	StoppedAt  time.Time               `json:"stopped_at,omitempty"`
	Monitoring bool                    `json:"monitoring"`
	Sampled    resources.Sample        `json:"sampled"`
	Error      string                  `json:"error,omitempty"`
}

// Sandbox applies one policy to a set of host processes.
type Sandbox struct {
	id      string
	name    string
	policy  *policy.Policy
	manager *Manager
	host    runtime.Host
	opts    Options
	now     func() time.Time
	log     zerolog.Logger
	audit   *audit.Pipeline

	// opMu serialises Start, Stop, Suspend and Resume. hostMu serialises
	// freeze and thaw requests to the host.
	opMu   sync.Mutex
	hostMu sync.Mutex

	mu         sync.Mutex
	lc         lifecycle
	secCtx     *security.Context
	processes  map[int]*Process
	spawning   int
	namespaces []runtime.Namespace
	limits     *resources.Table
	overlay    map[permission.ID]policy.Entry
	confirmed  map[permission.ID]bool
	usage      map[permission.ID]*Usage
	security   SecurityState
	createdAt  time.Time
	startedAt  time.Time
	stoppedAt  time.Time
	monitoring bool
	throttled  bool
	finishing  bool
	stopped    chan struct{}
	lastErr    error
	delta      resources.Delta
	lastTick   time.Time
	sampled    resources.Sample
}

func newSandbox(m *Manager, id, name string, p *policy.Policy) *Sandbox {
	s := &Sandbox{
		id:         id,
		name:       name,
		policy:     p,
		manager:    m,
		host:       m.host,
		opts:       m.opts,
		now:        m.now,
		lc:         newLifecycle(),
		processes:  make(map[int]*Process),
		limits:     resources.NewTable(p.Limits(), m.opts.tableOptions()...),
		overlay:    make(map[permission.ID]policy.Entry),
		confirmed:  make(map[permission.ID]bool),
		usage:      make(map[permission.ID]*Usage),
		createdAt:  m.now(),
		monitoring: m.opts.SamplingInterval > 0,
		stopped:    make(chan struct{}),
	}
	s.log = log.With().
		Str("sandbox_id", id).
		Str("sandbox_name", name).
		Str("policy", p.Name()).
		Logger()

	auditOpts := []audit.Option{
		audit.WithClock(m.now),
		audit.WithObserver(s.observeRecord),
	}
	if m.sink != nil {
		auditOpts = append(auditOpts, audit.WithSink(m.sink))
	}
	if m.signer != nil {
		auditOpts = append(auditOpts, audit.WithSigner(m.signer))
	}
	s.audit = audit.NewPipeline(m.opts.auditConfig(), audit.Identity{
		SandboxID:   id,
		SandboxName: name,
		Policy:      p.Name(),
	}, auditOpts...)
	return s
}

// ID returns the sandbox id.
func (s *Sandbox) ID() string { return s.id }

// Name returns the sandbox name.
func (s *Sandbox) Name() string { return s.name }

// Policy returns the policy the sandbox enforces.
func (s *Sandbox) Policy() *policy.Policy { return s.policy }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lc.state
}

// Transitions returns the recent lifecycle transitions, oldest first.
func (s *Sandbox) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lc.transitions()
}

// Err returns the error that moved the sandbox to Error, if any.
func (s *Sandbox) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// PIDs returns the owned process ids in ascending order.
func (s *Sandbox) PIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pidsLocked()
}

func (s *Sandbox) pidsLocked() []int {
	pids := make([]int, 0, len(s.processes))
	for pid := range s.processes {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Usage returns the live usage of a resource kind.
func (s *Sandbox) Usage(kind resources.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits.Usage(kind)
}

// Limit returns the live mirror of the limit on kind.
func (s *Sandbox) Limit(kind resources.Kind) (resources.Limit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits.Limit(kind)
}

// SecurityState returns the violation record.
func (s *Sandbox) SecurityState() SecurityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.security
}

// AuditRecords returns the audit ring, oldest first.
func (s *Sandbox) AuditRecords() []audit.Record {
	return s.audit.Records()
}

// FlushAudit waits until queued records reached the host sink.
func (s *Sandbox) FlushAudit() {
	s.audit.Flush()
}

// SecurityContext returns the context attached at start, or nil.
func (s *Sandbox) SecurityContext() *security.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secCtx
}

// Namespaces returns the descriptors acquired at start.
func (s *Sandbox) Namespaces() []runtime.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runtime.Namespace(nil), s.namespaces...)
}

// Snapshot returns a consistent copy of the sandbox state.
func (s *Sandbox) Snapshot() Snapshot {
	stats := s.audit.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		Name:       s.name,
		Policy:     s.policy.Name(),
		PolicyID:   s.policy.ID(),
		State:      s.lc.state,
		Namespaces: append([]runtime.Namespace(nil), s.namespaces...),
		Limits:     s.limits.Limits(),
		Counters:   s.limits.Counters(),
		Security:   s.security,
		Audit:      stats,
		Level:      s.policy.Level(),
		CreatedAt:  s.createdAt,
		StartedAt:  s.startedAt,
		StoppedAt:  s.stoppedAt,
		Monitoring: s.monitoring,
		Sampled:    s.sampled,
	}
	for _, pid := range s.pidsLocked() {
		snap.Processes = append(snap.Processes, *s.processes[pid])
	}
	for _, id := range permission.All() {
		if e, ok := s.overlay[id]; ok {
			snap.Overlay = append(snap.Overlay, e)
		}
	}
	if len(s.usage) > 0 {
		snap.Usage = make(map[permission.ID]Usage, len(s.usage))
		for id, u := range s.usage {
			snap.Usage[id] = *u
		}
	}
	if s.secCtx != nil {
		snap.Context = s.secCtx.Label().String()
		snap.Level = s.secCtx.Level()
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// transitionLocked moves the lifecycle, records it and publishes it.
func (s *Sandbox) transitionLocked(target State, reason string, cause error) error {
	t, err := s.lc.transition(s.id, s.name, target, s.now(), reason, cause, s.log)
	if err != nil {
		return err
	}
	s.security.Suspended = target == StateSuspended
	switch target {
	case StateRunning:
		if s.startedAt.IsZero() {
			s.startedAt = t.Timestamp
		}
	case StateStopped:
		s.stoppedAt = t.Timestamp
		s.security.Terminated = true
	case StateError:
		s.lastErr = cause
	}

	s.recordLocked(audit.Record{
		Kind:        audit.StateTransition,
		Subject:     string(target),
		Description: fmt.Sprintf("%s -> %s: %s", t.From, t.To, reason),
	})
	s.manager.transitioned(t)
	return nil
}

// recordLocked submits rec to the audit pipeline and updates the
// violation record. It reports whether the violation window tripped.
func (s *Sandbox) recordLocked(rec audit.Record) bool {
	v := s.audit.Submit(string(s.lc.state), rec)
	if v.Record.Kind.IsViolation() {
		s.security.Violations++
		s.security.LastViolation = v.Record.Timestamp
		s.security.LastViolationDescription = v.Record.Description
		s.manager.stats.violations.Add(1)
	}
	return v.Exceeded
}

// observeRecord runs for every buffered record, including synthetic
// delivery failures produced by the delivery worker.
func (s *Sandbox) observeRecord(rec audit.Record) {
	s.manager.recorded(rec)
}

// violationLocked records a violation and applies the automatic response.
// It returns a function to run after the lock is released, or nil.
func (s *Sandbox) violationLocked(rec audit.Record) func() {
	if !s.opts.SandboxingEnabled {
		s.recordLocked(rec)
		return nil
	}
	if rec.Kind.IsFatal() && (s.lc.state == StateRunning || s.lc.state == StateSuspended) {
		rec.Response = audit.ResponseKilled
		s.recordLocked(rec)
		return s.terminateLocked("fatal violation: " + string(rec.Kind))
	}
	if s.recordLocked(rec) && s.lc.state == StateRunning {
		return s.autoSuspendLocked(fmt.Sprintf("violation threshold exceeded: %d violations within %s",
			s.audit.WindowCount(), s.opts.ViolationWindow))
	}
	return nil
}

// autoSuspendLocked moves a Running sandbox to Suspended and returns the
// deferred host freeze.
func (s *Sandbox) autoSuspendLocked(reason string) func() {
	if err := s.transitionLocked(StateSuspended, reason, nil); err != nil {
		s.log.Warn().Err(err).Msg("Auto-suspend skipped")
		return nil
	}
	s.audit.ResetWindow()
	s.throttled = false
	s.recordLocked(audit.Record{
		Kind:        audit.AutoSuspend,
		Description: reason,
		Response:    audit.ResponseSuspended,
	})
	s.log.Warn().Str("reason", reason).Msg("Sandbox auto-suspended")
	return func() { s.freezeIfSuspended() }
}

// terminateLocked moves the sandbox to Stopping and returns the deferred
// SIGKILL of every process.
func (s *Sandbox) terminateLocked(reason string) func() {
	if err := s.transitionLocked(StateStopping, reason, nil); err != nil {
		s.log.Warn().Err(err).Msg("Termination skipped")
		return nil
	}
	pids := s.pidsLocked()
	s.log.Error().Str("reason", reason).Ints("pids", pids).Msg("Terminating sandbox")
	return func() {
		s.thaw()
		s.signalAll(pids, killSignal)
		s.finishIfDrained()
	}
}

// String implements fmt.Stringer.
func (s *Sandbox) String() string {
	return fmt.Sprintf("sandbox %s (%s)", s.name, s.id)
}
