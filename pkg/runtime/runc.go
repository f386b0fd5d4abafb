package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/beam-cloud/go-runc"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// RuncConfig configures the runc host.
type RuncConfig struct {
	Command    string
	Root       string
	BundleRoot string
	// Rootfs is the root filesystem shared read-only by every sandbox.
	Rootfs       string
	ApplyLabels  bool
	PollInterval time.Duration
}

type runcSandbox struct {
	mu          sync.Mutex
	id          string
	containerID string
	bundle      string
	namespaces  map[string]Namespace
	mappings    []security.IDMapping
	context     *security.Context
	limits      []resources.Spec
	created     bool
}

// RuncHost runs each sandbox as one runc container. The entry process is
// the container init; later processes join it with runc exec.
type RuncHost struct {
	runc RuncInterface
	cfg  RuncConfig

	mu        sync.Mutex
	sandboxes map[string]*runcSandbox
	pids      map[int]string

	kill func(pid int, sig syscall.Signal) error
	wait func(pid int) (exited bool, code int, sig syscall.Signal, err error)

	events    chan Event
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRuncHost creates a runc host rooted at cfg.Root.
func NewRuncHost(cfg RuncConfig) (*RuncHost, error) {
	if cfg.Root == "" {
		cfg.Root = "/run/sandboxd/runc"
	}
	if cfg.Command == "" {
		cfg.Command = "runc"
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create runc root: %w", err)
	}

	r := &runc.Runc{
		Command:      cfg.Command,
		Root:         cfg.Root,
		Log:          filepath.Join(cfg.Root, "runc.log"),
		LogFormat:    runc.JSON,
		PdeathSignal: unix.SIGTERM,
	}

	// Container processes are re-parented to us so their exit status can be
	// collected.
	if err := setSubreaper(); err != nil {
		log.Warn().Err(err).Msg("Failed to become child subreaper, exit codes will be unavailable")
	}

	return newRuncHost(r, cfg)
}

func newRuncHost(r RuncInterface, cfg RuncConfig, opts ...func(*RuncHost)) (*RuncHost, error) {
	if cfg.BundleRoot == "" {
		cfg.BundleRoot = filepath.Join(cfg.Root, "bundles")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.BundleRoot, 0700); err != nil {
		return nil, fmt.Errorf("failed to create bundle root: %w", err)
	}

	h := &RuncHost{
		runc:      r,
		cfg:       cfg,
		sandboxes: make(map[string]*runcSandbox),
		pids:      make(map[int]string),
		kill:      unix.Kill,
		wait:      waitPID,
		events:    make(chan Event, 1024),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.wg.Add(1)
	go h.reapLoop()
	return h, nil
}

func (h *RuncHost) Name() string { return "runc" }

func (h *RuncHost) Events() <-chan Event { return h.events }

// lookup returns the tracked sandbox without creating it.
func (h *RuncHost) lookup(id string) (*runcSandbox, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sb, ok := h.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("container for sandbox %s: %w", id, errdefs.ErrNotFound)
	}
	return sb, nil
}

// ensure returns the sandbox entry, creating it for the steps that build a
// container.
func (h *RuncHost) ensure(id string) *runcSandbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	sb, ok := h.sandboxes[id]
	if !ok {
		cid := "sandboxd-" + id
		sb = &runcSandbox{
			id:          id,
			containerID: cid,
			bundle:      filepath.Join(h.cfg.BundleRoot, cid),
			namespaces:  make(map[string]Namespace),
		}
		h.sandboxes[id] = sb
	}
	return sb
}

func (h *RuncHost) AcquireNamespace(ctx context.Context, sandboxID string, kind security.NamespaceKind) (Namespace, error) {
	if _, ok := namespaceTypes[kind]; !ok {
		return Namespace{}, fmt.Errorf("unsupported namespace kind %q", kind)
	}
	sb := h.ensure(sandboxID)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.created {
		return Namespace{}, fmt.Errorf("container %s already created", sb.containerID)
	}
	ns := Namespace{SandboxID: sandboxID, Kind: kind, ID: sb.containerID + "/" + string(kind)}
	sb.namespaces[ns.ID] = ns
	return ns, nil
}

func (h *RuncHost) ReleaseNamespace(ctx context.Context, ns Namespace) error {
	sb, err := h.lookup(ns.SandboxID)
	if err != nil {
		return err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	delete(sb.namespaces, ns.ID)
	kept := sb.mappings[:0]
	for _, m := range sb.mappings {
		if m.Kind != ns.Kind {
			kept = append(kept, m)
		}
	}
	sb.mappings = kept
	return nil
}

func (h *RuncHost) InstallMapping(ctx context.Context, ns Namespace, m security.IDMapping) error {
	if ns.Kind != security.UserNamespace {
		return fmt.Errorf("id mapping %s: only user namespace mappings are supported", m)
	}
	sb, err := h.lookup(ns.SandboxID)
	if err != nil {
		return err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if _, ok := sb.namespaces[ns.ID]; !ok {
		return fmt.Errorf("namespace %s not acquired", ns.ID)
	}
	for _, existing := range sb.mappings {
		if existing.Overlaps(m) {
			return fmt.Errorf("mapping %s overlaps %s", m, existing)
		}
	}
	sb.mappings = append(sb.mappings, m)
	return nil
}

func (h *RuncHost) InstallSecurityContext(ctx context.Context, sandboxID string, sc *security.Context) error {
	sb := h.ensure(sandboxID)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.created {
		return fmt.Errorf("container %s already created", sb.containerID)
	}
	sb.context = sc
	return nil
}

func (h *RuncHost) RemoveSecurityContext(ctx context.Context, sandboxID string) error {
	sb, err := h.lookup(sandboxID)
	if err != nil {
		return err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.context = nil
	return nil
}

// InstallLimits records the enforced limits written into the container's
// cgroup and rlimit settings when it is created.
func (h *RuncHost) InstallLimits(ctx context.Context, sandboxID string, limits []resources.Spec) error {
	sb := h.ensure(sandboxID)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.created {
		return fmt.Errorf("container %s already created", sb.containerID)
	}
	sb.limits = append([]resources.Spec(nil), limits...)
	return nil
}

// Spawn creates and starts the container on the first call for a sandbox
// and execs into it afterwards.
func (h *RuncHost) Spawn(ctx context.Context, sandboxID string, spec ProcessSpec) (int, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	sb := h.ensure(sandboxID)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	logger := log.With().
		Str("sandbox_id", sandboxID).
		Str("container_id", sb.containerID).
		Logger()

	fio, err := openFileIO(spec)
	if err != nil {
		return 0, err
	}
	defer fio.Close()

	pidFile := filepath.Join(sb.bundle, fmt.Sprintf("pid-%d", time.Now().UnixNano()))
	var pid int
	if !sb.created {
		if err := h.writeBundle(sb, spec); err != nil {
			return 0, err
		}
		if err := h.runc.Create(ctx, sb.containerID, sb.bundle, &runc.CreateOpts{IO: fio, PidFile: pidFile}); err != nil {
			logger.Error().Err(err).Msg("Failed to create container")
			return 0, fmt.Errorf("failed to create container: %w", err)
		}
		sb.created = true
		if pid, err = runc.ReadPidFile(pidFile); err != nil {
			return 0, fmt.Errorf("failed to read container pid: %w", err)
		}
		if err := h.runc.Start(ctx, sb.containerID); err != nil {
			logger.Error().Err(err).Msg("Failed to start container")
			return 0, fmt.Errorf("failed to start container: %w", err)
		}
	} else {
		process := ProcessForContext(spec, sb.context, h.cfg.ApplyLabels)
		_, process.Rlimits = linuxResources(sb.limits)
		opts := &runc.ExecOpts{IO: fio, PidFile: pidFile, Detach: true}
		if err := h.runc.Exec(ctx, sb.containerID, *process, opts); err != nil {
			logger.Error().Err(err).Msg("Failed to exec process")
			return 0, fmt.Errorf("failed to exec process: %w", err)
		}
		if pid, err = runc.ReadPidFile(pidFile); err != nil {
			return 0, fmt.Errorf("failed to read process pid: %w", err)
		}
	}
	os.Remove(pidFile)

	h.mu.Lock()
	h.pids[pid] = sandboxID
	h.mu.Unlock()

	logger.Info().Int("pid", pid).Strs("args", spec.Args).Msg("Process started in container")
	return pid, nil
}

func (h *RuncHost) writeBundle(sb *runcSandbox, entry ProcessSpec) error {
	kinds := make([]security.NamespaceKind, 0, len(sb.namespaces))
	for _, ns := range sb.namespaces {
		kinds = append(kinds, ns.Kind)
	}
	spec, err := BuildSpec(BundleSpec{
		SandboxID:  sb.id,
		Rootfs:     h.cfg.Rootfs,
		Hostname:   sb.containerID,
		Namespaces: kinds,
		Mappings:   sb.mappings,
		Context:    sb.context,
		Limits:     sb.limits,
		Process:    entry,
		ApplyLabel: h.cfg.ApplyLabels,
	})
	if err != nil {
		return fmt.Errorf("failed to build OCI spec: %w", err)
	}

	if err := os.MkdirAll(sb.bundle, 0700); err != nil {
		return fmt.Errorf("failed to create bundle path: %w", err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal OCI spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sb.bundle, "config.json"), data, 0600); err != nil {
		return fmt.Errorf("failed to write OCI spec: %w", err)
	}
	return nil
}

func (h *RuncHost) Signal(pid int, sig syscall.Signal) error {
	if err := h.kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal %d to pid %d: %w", sig, pid, ErrNoSuchProcess)
		}
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}

func (h *RuncHost) Freeze(ctx context.Context, sandboxID string) error {
	sb, err := h.lookup(sandboxID)
	if err != nil {
		return err
	}
	if !sb.isCreated() {
		return nil
	}
	if err := h.runc.Pause(ctx, sb.containerID); err != nil {
		return fmt.Errorf("failed to pause container: %w", err)
	}
	return nil
}

func (h *RuncHost) Thaw(ctx context.Context, sandboxID string) error {
	sb, err := h.lookup(sandboxID)
	if err != nil {
		return err
	}
	if !sb.isCreated() {
		return nil
	}
	if err := h.runc.Resume(ctx, sb.containerID); err != nil {
		return fmt.Errorf("failed to resume container: %w", err)
	}
	return nil
}

func (sb *runcSandbox) isCreated() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.created
}

// Teardown force-deletes the container and its bundle. Unknown sandboxes
// have nothing to release.
func (h *RuncHost) Teardown(ctx context.Context, sandboxID string) error {
	sb, err := h.lookup(sandboxID)
	if err != nil {
		return nil
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var errs []error
	if sb.created {
		if err := h.runc.Delete(ctx, sb.containerID, &runc.DeleteOpts{Force: true}); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete container: %w", err))
		}
		sb.created = false
	}
	if err := os.RemoveAll(sb.bundle); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove bundle: %w", err))
	}

	h.mu.Lock()
	delete(h.sandboxes, sandboxID)
	for pid, owner := range h.pids {
		if owner == sandboxID {
			delete(h.pids, pid)
		}
	}
	h.mu.Unlock()

	log.Debug().Str("sandbox_id", sandboxID).Msg("Container torn down")
	return errors.Join(errs...)
}

// reapLoop polls tracked pids and reports exits.
func (h *RuncHost) reapLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.reap()
		}
	}
}

func (h *RuncHost) reap() {
	h.mu.Lock()
	pids := make([]int, 0, len(h.pids))
	for pid := range h.pids {
		pids = append(pids, pid)
	}
	h.mu.Unlock()

	for _, pid := range pids {
		exited, code, sig, err := h.wait(pid)
		if err != nil {
			log.Debug().Err(err).Int("pid", pid).Msg("Failed to poll process")
			continue
		}
		if !exited {
			continue
		}
		h.mu.Lock()
		delete(h.pids, pid)
		h.mu.Unlock()

		select {
		case h.events <- Event{Type: EventExit, PID: pid, ExitCode: code, Signal: sig, Time: time.Now()}:
		case <-h.stop:
			return
		}
	}
}

func waitPID(pid int) (bool, int, syscall.Signal, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if errors.Is(err, unix.ECHILD) {
		// Not our child; fall back to probing.
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return true, -1, 0, nil
		}
		return false, 0, 0, nil
	}
	if err != nil {
		return false, 0, 0, err
	}
	if wpid == 0 {
		return false, 0, 0, nil
	}
	if ws.Signaled() {
		return true, 128 + int(ws.Signal()), ws.Signal(), nil
	}
	return true, ws.ExitStatus(), 0, nil
}

// Close stops exit polling and closes the event channel.
func (h *RuncHost) Close() error {
	h.closeOnce.Do(func() {
		close(h.stop)
		h.wg.Wait()
		close(h.events)
	})
	return nil
}
