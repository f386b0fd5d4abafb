package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// Op names a simulated host operation for failure and delay injection.
type Op string

const (
	OpAcquireNamespace       Op = "acquire-namespace"
	OpInstallMapping         Op = "install-mapping"
	OpInstallSecurityContext Op = "install-security-context"
	OpInstallLimits          Op = "install-limits"
	OpSpawn                  Op = "spawn"
	OpFreeze                 Op = "freeze"
)

// Behavior controls how a simulated process reacts to signals.
type Behavior struct {
	IgnoreTerm bool
	IgnoreKill bool
}

type simProcess struct {
	pid         int
	sandboxID   string
	spec        ProcessSpec
	behavior    Behavior
	alive       bool
	pendingTerm bool
	signals     []syscall.Signal
}

// SimulatedHost is an in-memory Host. Processes live until they are
// signalled or told to exit; exit and fork notifications are delivered on
// Events in the order they happen.
type SimulatedHost struct {
	mu         sync.Mutex
	nextPID    int
	reuse      []int
	nextNS     int
	spawned    int
	procs      map[int]*simProcess
	namespaces map[string]Namespace
	mappings   map[string][]security.IDMapping
	contexts   map[string]*security.Context
	limits     map[string][]resources.Spec
	frozen     map[string]bool
	behaviors  map[string]Behavior
	failures   map[Op]error
	delays     map[Op]time.Duration
	usage      map[int]resources.Sample

	emitMu sync.Mutex
	closed bool
	events chan Event
}

// NewSimulatedHost creates an empty simulated host.
func NewSimulatedHost() *SimulatedHost {
	return &SimulatedHost{
		nextPID:    1000,
		procs:      make(map[int]*simProcess),
		namespaces: make(map[string]Namespace),
		mappings:   make(map[string][]security.IDMapping),
		contexts:   make(map[string]*security.Context),
		limits:     make(map[string][]resources.Spec),
		frozen:     make(map[string]bool),
		behaviors:  make(map[string]Behavior),
		failures:   make(map[Op]error),
		delays:     make(map[Op]time.Duration),
		usage:      make(map[int]resources.Sample),
		events:     make(chan Event, 4096),
	}
}

func (h *SimulatedHost) Name() string { return "simulated" }

func (h *SimulatedHost) Events() <-chan Event { return h.events }

// SetBehavior sets how processes started with command cmd handle signals.
func (h *SimulatedHost) SetBehavior(cmd string, b Behavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.behaviors[cmd] = b
}

// SetProcessBehavior changes the behavior of a running process.
func (h *SimulatedHost) SetProcessBehavior(pid int, b Behavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.procs[pid]; ok {
		p.behavior = b
	}
}

// FailNext makes the next call of op fail with err.
func (h *SimulatedHost) FailNext(op Op, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = err
}

// Delay makes every call of op block for d or until its context ends.
func (h *SimulatedHost) Delay(op Op, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delays[op] = d
}

// SetUsage sets the readings Sample reports for pid.
func (h *SimulatedHost) SetUsage(pid int, s resources.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage[pid] = s
}

// enter applies injected delays and failures for op.
func (h *SimulatedHost) enter(ctx context.Context, op Op) error {
	h.mu.Lock()
	delay := h.delays[op]
	err := h.failures[op]
	delete(h.failures, op)
	h.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

func (h *SimulatedHost) emit(ev Event) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.closed {
		return
	}
	ev.Time = time.Now()
	h.events <- ev
}

func (h *SimulatedHost) AcquireNamespace(ctx context.Context, sandboxID string, kind security.NamespaceKind) (Namespace, error) {
	if err := h.enter(ctx, OpAcquireNamespace); err != nil {
		return Namespace{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextNS++
	ns := Namespace{
		SandboxID: sandboxID,
		Kind:      kind,
		ID:        fmt.Sprintf("sim-ns-%d", h.nextNS),
		Path:      fmt.Sprintf("/proc/sim/%s/ns/%s", sandboxID, kind),
	}
	h.namespaces[ns.ID] = ns
	return ns, nil
}

func (h *SimulatedHost) ReleaseNamespace(ctx context.Context, ns Namespace) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.namespaces, ns.ID)
	delete(h.mappings, ns.ID)
	return nil
}

func (h *SimulatedHost) InstallMapping(ctx context.Context, ns Namespace, m security.IDMapping) error {
	if err := h.enter(ctx, OpInstallMapping); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.namespaces[ns.ID]; !ok {
		return fmt.Errorf("namespace %s not acquired", ns.ID)
	}
	for _, existing := range h.mappings[ns.ID] {
		if existing.Overlaps(m) {
			return fmt.Errorf("mapping %s overlaps %s", m, existing)
		}
	}
	h.mappings[ns.ID] = append(h.mappings[ns.ID], m)
	return nil
}

func (h *SimulatedHost) InstallSecurityContext(ctx context.Context, sandboxID string, sc *security.Context) error {
	if err := h.enter(ctx, OpInstallSecurityContext); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contexts[sandboxID] = sc
	return nil
}

func (h *SimulatedHost) RemoveSecurityContext(ctx context.Context, sandboxID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.contexts, sandboxID)
	return nil
}

func (h *SimulatedHost) InstallLimits(ctx context.Context, sandboxID string, limits []resources.Spec) error {
	if err := h.enter(ctx, OpInstallLimits); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limits[sandboxID] = append([]resources.Spec(nil), limits...)
	return nil
}

func (h *SimulatedHost) Teardown(ctx context.Context, sandboxID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.frozen, sandboxID)
	delete(h.limits, sandboxID)
	for id, ns := range h.namespaces {
		if ns.SandboxID == sandboxID {
			delete(h.namespaces, id)
			delete(h.mappings, id)
		}
	}
	return nil
}

func (h *SimulatedHost) Spawn(ctx context.Context, sandboxID string, spec ProcessSpec) (int, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if err := h.enter(ctx, OpSpawn); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawned++
	p := &simProcess{
		pid:       h.allocPIDLocked(),
		sandboxID: sandboxID,
		spec:      spec,
		behavior:  h.behaviors[spec.Name()],
		alive:     true,
	}
	h.procs[p.pid] = p
	log.Debug().Int("pid", p.pid).Str("sandbox_id", sandboxID).Str("cmd", spec.Name()).Msg("Simulated process spawned")
	return p.pid, nil
}

// ReusePID makes the next spawned or forked process get pid, as after a
// pid wraparound. Whatever held pid before vanishes without an exit event.
func (h *SimulatedHost) ReusePID(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reuse = append(h.reuse, pid)
}

func (h *SimulatedHost) allocPIDLocked() int {
	if len(h.reuse) > 0 {
		pid := h.reuse[0]
		h.reuse = h.reuse[1:]
		return pid
	}
	h.nextPID++
	return h.nextPID
}

// Signal delivers sig. Termination signals end the process unless its
// behavior ignores them; SIGTERM to a frozen process is held until thaw.
func (h *SimulatedHost) Signal(pid int, sig syscall.Signal) error {
	h.mu.Lock()
	p, ok := h.procs[pid]
	if !ok || !p.alive {
		h.mu.Unlock()
		return fmt.Errorf("signal %d to pid %d: %w", sig, pid, ErrNoSuchProcess)
	}
	if sig == 0 {
		h.mu.Unlock()
		return nil
	}
	p.signals = append(p.signals, sig)

	exit := false
	switch sig {
	case unix.SIGKILL:
		exit = !p.behavior.IgnoreKill
	case unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGQUIT:
		if h.frozen[p.sandboxID] {
			p.pendingTerm = true
		} else {
			exit = !p.behavior.IgnoreTerm
		}
	}
	if exit {
		p.alive = false
	}
	h.mu.Unlock()

	if exit {
		h.emit(Event{Type: EventExit, PID: pid, ExitCode: 128 + int(sig), Signal: sig})
	}
	return nil
}

func (h *SimulatedHost) Freeze(ctx context.Context, sandboxID string) error {
	if err := h.enter(ctx, OpFreeze); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frozen[sandboxID] = true
	return nil
}

func (h *SimulatedHost) Thaw(ctx context.Context, sandboxID string) error {
	h.mu.Lock()
	h.frozen[sandboxID] = false
	var exited []int
	for _, p := range h.procs {
		if p.sandboxID == sandboxID && p.alive && p.pendingTerm {
			p.pendingTerm = false
			if !p.behavior.IgnoreTerm {
				p.alive = false
				exited = append(exited, p.pid)
			}
		}
	}
	h.mu.Unlock()

	sort.Ints(exited)
	for _, pid := range exited {
		h.emit(Event{Type: EventExit, PID: pid, ExitCode: 128 + int(unix.SIGTERM), Signal: unix.SIGTERM})
	}
	return nil
}

// Exit terminates pid with code as if the process returned on its own.
func (h *SimulatedHost) Exit(pid, code int) error {
	h.mu.Lock()
	p, ok := h.procs[pid]
	if !ok || !p.alive {
		h.mu.Unlock()
		return fmt.Errorf("exit pid %d: %w", pid, ErrNoSuchProcess)
	}
	p.alive = false
	h.mu.Unlock()

	h.emit(Event{Type: EventExit, PID: pid, ExitCode: code})
	return nil
}

// Fork creates a child of parent in the same sandbox and reports it.
func (h *SimulatedHost) Fork(parent int) (int, error) {
	h.mu.Lock()
	p, ok := h.procs[parent]
	if !ok || !p.alive {
		h.mu.Unlock()
		return 0, fmt.Errorf("fork pid %d: %w", parent, ErrNoSuchProcess)
	}
	child := &simProcess{
		pid:       h.allocPIDLocked(),
		sandboxID: p.sandboxID,
		spec:      p.spec,
		behavior:  p.behavior,
		alive:     true,
	}
	h.procs[child.pid] = child
	h.mu.Unlock()

	h.emit(Event{Type: EventFork, PID: child.pid, ParentPID: parent})
	return child.pid, nil
}

// Sample implements resources.Sampler from the readings set with SetUsage.
func (h *SimulatedHost) Sample(pids []int) (resources.Sample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out resources.Sample
	for _, pid := range pids {
		p, ok := h.procs[pid]
		if !ok || !p.alive {
			continue
		}
		u := h.usage[pid]
		out.Processes++
		out.CPUMicros += u.CPUMicros
		out.MemoryBytes += u.MemoryBytes
		out.FDs += u.FDs
		out.Threads += u.Threads
		out.IOBytes += u.IOBytes
	}
	return out, nil
}

// Alive reports whether pid is running.
func (h *SimulatedHost) Alive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[pid]
	return ok && p.alive
}

// Processes returns the live pids of a sandbox in ascending order.
func (h *SimulatedHost) Processes(sandboxID string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var pids []int
	for pid, p := range h.procs {
		if p.sandboxID == sandboxID && p.alive {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// Spec returns the spec pid was started with.
func (h *SimulatedHost) Spec(pid int) (ProcessSpec, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.procs[pid]
	if !ok {
		return ProcessSpec{}, false
	}
	return p.spec, true
}

// Signals returns the signals delivered to pid.
func (h *SimulatedHost) Signals(pid int) []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.procs[pid]; ok {
		return append([]syscall.Signal(nil), p.signals...)
	}
	return nil
}

// SpawnCount returns how many processes were spawned in total.
func (h *SimulatedHost) SpawnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawned
}

// Namespaces returns the namespaces currently held for a sandbox.
func (h *SimulatedHost) Namespaces(sandboxID string) []Namespace {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Namespace
	for _, ns := range h.namespaces {
		if ns.SandboxID == sandboxID {
			out = append(out, ns)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mappings returns the id mappings installed in ns.
func (h *SimulatedHost) Mappings(ns Namespace) []security.IDMapping {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]security.IDMapping(nil), h.mappings[ns.ID]...)
}

// SecurityContext returns the context installed for a sandbox, or nil.
func (h *SimulatedHost) SecurityContext(sandboxID string) *security.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contexts[sandboxID]
}

// Limits returns the limits installed for a sandbox.
func (h *SimulatedHost) Limits(sandboxID string) []resources.Spec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]resources.Spec(nil), h.limits[sandboxID]...)
}

// Frozen reports whether a sandbox is frozen.
func (h *SimulatedHost) Frozen(sandboxID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frozen[sandboxID]
}

// Close stops event delivery.
func (h *SimulatedHost) Close() error {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}
