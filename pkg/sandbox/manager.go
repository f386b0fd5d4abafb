package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

const (
	// maxUnclaimedExits bounds exit notifications held for pids whose
	// spawn has not been registered yet.
	maxUnclaimedExits = 4096
	unclaimedExitTTL  = 10 * time.Second
	eventHistorySize  = 1024
)

// counters are the fleet totals reported by Statistics.
type counters struct {
	created    atomic.Uint64
	destroyed  atomic.Uint64
	processes  atomic.Uint64
	violations atomic.Uint64
	requests   atomic.Uint64
	grants     atomic.Uint64
	denials    atomic.Uint64
	asks       atomic.Uint64
}

type unclaimedExit struct {
	event    runtime.Event
	received time.Time
}

// Manager owns the policy and sandbox tables and routes host process
// events to the owning sandbox. Create one with NewManager and call Init
// before use.
type Manager struct {
	host     runtime.Host
	sink     audit.Sink
	signer   audit.Signer
	store    Store
	metrics  Metrics
	sampler  resources.Sampler
	now      func() time.Time
	registry *security.NamespaceRegistry
	bus      *EventBus

	mu          sync.RWMutex
	opts        Options
	initialised bool
	shutdown    bool
	policies    map[string]*policy.Policy
	policyIDs   map[string]*policy.Policy
	refs        map[string]int
	sandboxes   map[string]*Sandbox
	names       map[string]*Sandbox
	order       []*Sandbox

	procMu    sync.RWMutex
	procs     map[int]*Sandbox
	unclaimed map[int]unclaimedExit

	stats  counters
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager on host. A host that can sample its own
// processes is used as the sampler unless WithSampler overrides it.
func NewManager(host runtime.Host, opts ...ManagerOption) *Manager {
	m := &Manager{
		host:      host,
		metrics:   nopMetrics{},
		now:       time.Now,
		registry:  security.NewNamespaceRegistry(),
		bus:       NewEventBus(eventHistorySize),
		opts:      DefaultOptions(),
		policies:  make(map[string]*policy.Policy),
		policyIDs: make(map[string]*policy.Policy),
		refs:      make(map[string]int),
		sandboxes: make(map[string]*Sandbox),
		names:     make(map[string]*Sandbox),
		procs:     make(map[int]*Sandbox),
		unclaimed: make(map[int]unclaimedExit),
	}
	if s, ok := host.(resources.Sampler); ok {
		m.sampler = s
	} else {
		m.sampler = resources.NewProcessSampler()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init applies the settings and starts event routing and resource
// sampling. It may be called once.
func (m *Manager) Init(opts Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidConfig, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialised {
		return fmt.Errorf("sandbox manager: %w", errdefs.ErrAlreadyInitialised)
	}
	if m.shutdown {
		return fmt.Errorf("%w: sandbox manager was shut down", errdefs.ErrInvalidState)
	}
	m.opts = opts
	m.initialised = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.eventLoop(ctx)
	if opts.SamplingInterval > 0 && m.sampler != nil {
		m.wg.Add(1)
		go m.samplingLoop(ctx, opts.SamplingInterval)
	}

	loaded := 0
	if m.store != nil {
		ps, err := m.store.LoadPolicies(policy.WithClock(m.now))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load persisted policies")
		}
		for _, p := range ps {
			if err := m.registerLocked(p, false); err != nil {
				log.Warn().Err(err).Str("policy", p.Name()).Msg("Skipping persisted policy")
				continue
			}
			loaded++
		}
	}

	log.Info().
		Str("host", m.host.Name()).
		Bool("sandboxing_enabled", opts.SandboxingEnabled).
		Str("default_security_level", opts.DefaultSecurityLevel.String()).
		Int("max_sandboxes", opts.MaxSandboxes).
		Int("policies_loaded", loaded).
		Msg("Sandbox manager initialized")
	return nil
}

func (m *Manager) ready() error {
	if !m.initialised {
		return errNotInitialised
	}
	return nil
}

// Options returns the settings in effect.
func (m *Manager) Options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// Host returns the host the manager runs sandboxes on.
func (m *Manager) Host() runtime.Host { return m.host }

// Shutdown stops every sandbox in reverse creation order, stops event
// routing and releases the tables. Errors from individual stops are
// joined.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if err := m.ready(); err != nil {
		m.mu.Unlock()
		return err
	}
	order := slices.Clone(m.order)
	m.mu.Unlock()

	log.Info().Int("sandboxes", len(order)).Msg("Shutting down sandbox manager")

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		s := order[i]
		switch s.State() {
		case StateStopped, StateError:
			continue
		}
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Name(), err))
		}
	}

	m.mu.Lock()
	m.initialised = false
	m.shutdown = true
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()

	for _, s := range order {
		s.audit.Close()
	}
	m.bus.Flush()
	m.bus.Stop()

	m.mu.Lock()
	m.policies = make(map[string]*policy.Policy)
	m.policyIDs = make(map[string]*policy.Policy)
	m.refs = make(map[string]int)
	m.sandboxes = make(map[string]*Sandbox)
	m.names = make(map[string]*Sandbox)
	m.order = nil
	m.mu.Unlock()

	m.procMu.Lock()
	m.procs = make(map[int]*Sandbox)
	m.unclaimed = make(map[int]unclaimedExit)
	m.procMu.Unlock()

	log.Info().Msg("Sandbox manager shut down")
	return errors.Join(errs...)
}

// NewPolicy creates an empty policy carrying the manager defaults: the
// default security level as floor unless user overrides are allowed, and
// the enforce_by_default flag for new limits.
func (m *Manager) NewPolicy(name string, t policy.SandboxType) (*policy.Policy, error) {
	return policy.New(name, t, m.PolicyOptions()...)
}

// PolicyOptions returns the policy options that carry the manager
// defaults, for policies built outside NewPolicy.
func (m *Manager) PolicyOptions() []policy.Option {
	opts := m.Options()
	out := []policy.Option{
		policy.WithClock(m.now),
		policy.WithEnforceByDefault(opts.EnforceByDefault),
	}
	if !opts.UserOverrideAllowed {
		out = append(out, policy.WithLevelFloor(opts.DefaultSecurityLevel))
	}
	return out
}

// RegisterPolicy validates, freezes and indexes p by name and id, and
// persists it when a store is configured.
func (m *Manager) RegisterPolicy(p *policy.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return err
	}
	return m.registerLocked(p, true)
}

func (m *Manager) registerLocked(p *policy.Policy, persist bool) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", errdefs.ErrPolicyRejected)
	}
	if _, ok := m.policies[p.Name()]; ok {
		return fmt.Errorf("policy %s: %w", p.Name(), errdefs.ErrDuplicatePolicy)
	}
	if _, ok := m.policyIDs[p.ID()]; ok {
		return fmt.Errorf("policy id %s: %w", p.ID(), errdefs.ErrDuplicatePolicy)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy %s: %w", p.Name(), err)
	}
	if !m.opts.UserOverrideAllowed && p.Level() < m.opts.DefaultSecurityLevel {
		return fmt.Errorf("%w: policy %s level %s is below the system default %s",
			errdefs.ErrPolicyRejected, p.Name(), p.Level(), m.opts.DefaultSecurityLevel)
	}

	p.Freeze()
	if persist && m.store != nil {
		if err := m.store.SavePolicy(p); err != nil {
			return fmt.Errorf("failed to persist policy %s: %w", p.Name(), err)
		}
	}
	m.policies[p.Name()] = p
	m.policyIDs[p.ID()] = p

	log.Info().
		Str("policy", p.Name()).
		Str("policy_id", p.ID()).
		Str("type", string(p.Type())).
		Str("level", p.Level().String()).
		Msg("Policy registered")
	return nil
}

// UnregisterPolicy removes a policy no sandbox references.
func (m *Manager) UnregisterPolicy(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return err
	}
	p, ok := m.policies[name]
	if !ok {
		return fmt.Errorf("policy %s: %w", name, errdefs.ErrNotFound)
	}
	if n := m.refs[name]; n > 0 {
		return fmt.Errorf("%w: policy %s is used by %d sandboxes", errdefs.ErrInvalidState, name, n)
	}
	if m.store != nil {
		if err := m.store.DeletePolicy(name); err != nil {
			return fmt.Errorf("failed to delete policy %s: %w", name, err)
		}
	}
	delete(m.policies, name)
	delete(m.policyIDs, p.ID())
	log.Info().Str("policy", name).Msg("Policy unregistered")
	return nil
}

// Policy returns a registered policy by name or id.
func (m *Manager) Policy(nameOrID string) (*policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.policies[nameOrID]; ok {
		return p, nil
	}
	if p, ok := m.policyIDs[nameOrID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("policy %s: %w", nameOrID, errdefs.ErrNotFound)
}

// Policies returns the registered policies sorted by name.
func (m *Manager) Policies() []*policy.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*policy.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// CreateSandbox binds a new sandbox in Created to p. An unregistered
// policy is registered first. An empty name is replaced by a generated
// one.
func (m *Manager) CreateSandbox(name string, p *policy.Policy) (*Sandbox, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil policy", errdefs.ErrPolicyRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return nil, err
	}

	if len(m.sandboxes) >= m.opts.MaxSandboxes {
		return nil, fmt.Errorf("%w: limit of %d reached", errdefs.ErrTooManySandboxes, m.opts.MaxSandboxes)
	}

	id := uuid.New().String()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "sandbox-" + id[:8]
	}
	if _, ok := m.names[name]; ok {
		return nil, fmt.Errorf("%w: sandbox name %q is in use", errdefs.ErrDuplicateResource, name)
	}

	switch registered, ok := m.policies[p.Name()]; {
	case !ok:
		if err := m.registerLocked(p, true); err != nil {
			return nil, err
		}
	case registered != p:
		return nil, fmt.Errorf("policy %s: %w", p.Name(), errdefs.ErrDuplicatePolicy)
	}

	s := newSandbox(m, id, name, p)
	m.sandboxes[id] = s
	m.names[name] = s
	m.order = append(m.order, s)
	m.refs[p.Name()]++
	m.stats.created.Add(1)

	s.mu.Lock()
	s.recordLocked(audit.Record{
		Kind:        audit.StateTransition,
		Subject:     string(StateCreated),
		Description: "sandbox created",
	})
	s.mu.Unlock()
	m.publish(newTransitionEvent(Transition{
		ID:          uuid.New().String(),
		SandboxID:   id,
		SandboxName: name,
		To:          StateCreated,
		Timestamp:   s.createdAt,
		Reason:      "sandbox created",
	}))

	log.Info().
		Str("sandbox_id", id).
		Str("sandbox_name", name).
		Str("policy", p.Name()).
		Msg("Sandbox created")
	return s, nil
}

// DestroySandbox removes a sandbox that is Created, Stopped or in Error
// from the tables and releases its policy reference.
func (m *Manager) DestroySandbox(idOrName string) error {
	m.mu.Lock()
	if err := m.ready(); err != nil {
		m.mu.Unlock()
		return err
	}
	s, err := m.lookupLocked(idOrName)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	switch state := s.State(); state {
	case StateCreated, StateStopped, StateError:
	default:
		m.mu.Unlock()
		return invalidState("destroy", s.Name(), state)
	}
	delete(m.sandboxes, s.ID())
	delete(m.names, s.Name())
	m.order = slices.DeleteFunc(m.order, func(o *Sandbox) bool { return o == s })
	if m.refs[s.policy.Name()]--; m.refs[s.policy.Name()] <= 0 {
		delete(m.refs, s.policy.Name())
	}
	m.mu.Unlock()

	m.registry.ReleaseAll(s.ID())
	s.audit.Close()
	m.stats.destroyed.Add(1)

	log.Info().Str("sandbox_id", s.ID()).Str("sandbox_name", s.Name()).Msg("Sandbox destroyed")
	return nil
}

func (m *Manager) lookupLocked(idOrName string) (*Sandbox, error) {
	if s, ok := m.sandboxes[idOrName]; ok {
		return s, nil
	}
	if s, ok := m.names[idOrName]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("sandbox %s: %w", idOrName, errdefs.ErrNotFound)
}

// Lookup finds a sandbox by id or name.
func (m *Manager) Lookup(idOrName string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(idOrName)
}

// FindByName returns the sandbox called name.
func (m *Manager) FindByName(name string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.names[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("sandbox %s: %w", name, errdefs.ErrNotFound)
}

// FindByID returns the sandbox with id.
func (m *Manager) FindByID(id string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sandboxes[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("sandbox %s: %w", id, errdefs.ErrNotFound)
}

// FindByProcess returns the sandbox owning pid.
func (m *Manager) FindByProcess(pid int) (*Sandbox, error) {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	if s, ok := m.procs[pid]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("pid %d: %w", pid, errdefs.ErrNotFound)
}

// Sandboxes returns every sandbox in creation order.
func (m *Manager) Sandboxes() []*Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Subscribe registers handler on the event bus. See EventBus.Subscribe.
func (m *Manager) Subscribe(handler EventHandler, filter EventFilter, types ...EventType) string {
	return m.bus.Subscribe(handler, filter, types...)
}

// Unsubscribe removes a bus subscription.
func (m *Manager) Unsubscribe(id string) {
	m.bus.Unsubscribe(id)
}

// Events returns the event bus.
func (m *Manager) Events() *EventBus { return m.bus }

// SampleNow runs one accounting tick on every Running sandbox.
func (m *Manager) SampleNow() {
	for _, s := range m.Sandboxes() {
		s.tick(m.sampler)
	}
}

// registerProcess maps pid to s. An exit that arrived before the spawn
// was registered is replayed. A pid still owned by another sandbox was
// reused after its exit got lost; the stale entry is retired there.
func (m *Manager) registerProcess(pid int, s *Sandbox) {
	m.procMu.Lock()
	if u, ok := m.unclaimed[pid]; ok {
		delete(m.unclaimed, pid)
		if time.Since(u.received) < unclaimedExitTTL {
			m.procMu.Unlock()
			m.stats.processes.Add(1)
			s.handleExit(u.event)
			return
		}
	}
	stale := m.claimLocked(pid, s)
	m.procMu.Unlock()
	m.stats.processes.Add(1)
	m.retire(stale, pid, s)
}

// claimLocked maps pid to s and returns the previous owner when it was a
// different sandbox.
func (m *Manager) claimLocked(pid int, s *Sandbox) *Sandbox {
	owner, ok := m.procs[pid]
	m.procs[pid] = s
	if !ok || owner == s {
		return nil
	}
	return owner
}

// retire drops pid from a sandbox that no longer owns it, as if its exit
// had been delivered.
func (m *Manager) retire(owner *Sandbox, pid int, s *Sandbox) {
	if owner == nil {
		return
	}
	log.Warn().
		Int("pid", pid).
		Str("owner", owner.Name()).
		Str("sandbox_name", s.Name()).
		Msg("Pid reused, retiring stale process from previous owner")
	owner.handleExit(runtime.Event{Type: runtime.EventExit, PID: pid, ExitCode: -1, Time: time.Now()})
}

func (m *Manager) eventLoop(ctx context.Context) {
	defer m.wg.Done()
	events := m.host.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn().Msg("Host event stream closed")
				return
			}
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev runtime.Event) {
	switch ev.Type {
	case runtime.EventExit:
		m.procMu.Lock()
		s, ok := m.procs[ev.PID]
		if ok {
			delete(m.procs, ev.PID)
		} else {
			m.stashExitLocked(ev)
		}
		m.procMu.Unlock()
		if ok {
			s.handleExit(ev)
		}

	case runtime.EventFork:
		m.procMu.RLock()
		s, ok := m.procs[ev.ParentPID]
		m.procMu.RUnlock()
		if !ok {
			log.Debug().Int("pid", ev.PID).Int("parent_pid", ev.ParentPID).Msg("Fork from unknown parent ignored")
			return
		}
		if s.handleFork(ev) {
			m.procMu.Lock()
			stale := m.claimLocked(ev.PID, s)
			m.procMu.Unlock()
			m.stats.processes.Add(1)
			m.retire(stale, ev.PID, s)
		}

	default:
		log.Debug().Str("type", string(ev.Type)).Msg("Unknown host event")
	}
}

func (m *Manager) stashExitLocked(ev runtime.Event) {
	if len(m.unclaimed) >= maxUnclaimedExits {
		oldest, at := 0, time.Time{}
		for pid, u := range m.unclaimed {
			if at.IsZero() || u.received.Before(at) {
				oldest, at = pid, u.received
			}
		}
		delete(m.unclaimed, oldest)
	}
	m.unclaimed[ev.PID] = unclaimedExit{event: ev, received: time.Now()}
}

func (m *Manager) samplingLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleNow()
		}
	}
}

// transitioned runs for every lifecycle transition, under the sandbox lock.
func (m *Manager) transitioned(t Transition) {
	if m.store != nil {
		if err := m.store.SaveTransition(t); err != nil {
			log.Warn().Err(err).Str("sandbox_id", t.SandboxID).Msg("Failed to persist state transition")
		}
	}
	m.metrics.ObserveTransition(t)
	m.publish(newTransitionEvent(t))
}

// recorded runs for every buffered audit record.
func (m *Manager) recorded(rec audit.Record) {
	m.metrics.ObserveRecord(rec)
	m.publish(newAuditEvent(rec))
}

func (m *Manager) decided(id permission.ID, d permission.Decision) {
	m.stats.requests.Add(1)
	switch d {
	case permission.Allow:
		m.stats.grants.Add(1)
	case permission.Deny:
		m.stats.denials.Add(1)
	case permission.Ask:
		m.stats.asks.Add(1)
	}
	m.metrics.ObserveDecision(id, d)
}

func (m *Manager) publish(ev Event) {
	m.bus.Publish(ev)
}
