package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

const (
	termSignal = syscall.Signal(unix.SIGTERM)
	killSignal = syscall.Signal(unix.SIGKILL)
)

var tracer = otel.Tracer("github.com/sandboxrunner/sandboxd/pkg/sandbox")

// deferred collects work that must run after the sandbox lock is released.
type deferred []func()

func (d *deferred) add(fn func()) {
	if fn != nil {
		*d = append(*d, fn)
	}
}

func (d deferred) run() {
	for _, fn := range d {
		fn()
	}
}

func (s *Sandbox) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sandbox."+op, trace.WithAttributes(
		attribute.String("sandbox.id", s.id),
		attribute.String("sandbox.name", s.name),
		attribute.String("sandbox.policy", s.policy.Name()),
	))
}

func (s *Sandbox) endSpan(span trace.Span, op string, started time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	s.manager.metrics.ObserveDuration(op, time.Since(started), err)
}

func invalidState(op, name string, state State) error {
	return fmt.Errorf("%w: cannot %s sandbox %s in state %s", errdefs.ErrInvalidState, op, name, state)
}

// defaultLabel is attached when a policy references no security context.
var defaultLabel = security.Label{User: "system_u", Role: "system_r", Type: "sandbox_t", Category: "s0"}

// Start builds the isolation envelope and spawns entry inside it. Any
// failure unwinds the completed steps in reverse and leaves the sandbox
// in Error. A context deadline that expires during start yields Timeout.
func (s *Sandbox) Start(ctx context.Context, entry runtime.ProcessSpec) (err error) {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid entry process: %w", err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	started := time.Now()
	ctx, span := s.span(ctx, "start")
	defer func() { s.endSpan(span, "start", started, err) }()

	s.mu.Lock()
	if s.lc.state != StateCreated {
		state := s.lc.state
		s.mu.Unlock()
		return invalidState("start", s.name, state)
	}
	if err := s.transitionLocked(StateStarting, "start requested", nil); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	b := &envelope{s: s}
	if err := b.build(ctx); err != nil {
		return s.failStart(ctx, b, err)
	}

	s.mu.Lock()
	s.namespaces = b.namespaces
	s.secCtx = b.secCtx
	s.limits.Reset()
	s.delta = resources.Delta{}
	s.lastTick = s.now()
	s.mu.Unlock()

	pid, err := s.spawn(ctx, entry, StateStarting)
	if err != nil {
		return s.failStart(ctx, b, err)
	}

	var after deferred
	s.mu.Lock()
	if err := s.transitionLocked(StateRunning, "entry process started", nil); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(s.processes) == 0 && s.spawning == 0 {
		after.add(s.drainedLocked())
	}
	s.mu.Unlock()
	after.run()

	s.log.Info().
		Int("pid", pid).
		Str("cmd", entry.Name()).
		Int("namespaces", len(b.namespaces)).
		Str("label", b.secCtx.Label().String()).
		Dur("duration", time.Since(started)).
		Msg("Sandbox started")
	return nil
}

func (s *Sandbox) failStart(ctx context.Context, b *envelope, cause error) error {
	b.rollback()

	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: starting sandbox %s: %v", errdefs.ErrTimeout, s.name, cause)
	}

	s.mu.Lock()
	s.namespaces = nil
	s.secCtx = nil
	if err := s.transitionLocked(StateError, "start failed", cause); err != nil {
		s.log.Error().Err(err).Msg("Failed to record start failure")
	}
	s.mu.Unlock()
	return cause
}

// envelope tracks the isolation steps completed during start so they can
// be unwound.
type envelope struct {
	s          *Sandbox
	namespaces []runtime.Namespace
	secCtx     *security.Context
	undo       []func(context.Context) error
}

func (b *envelope) push(name string, fn func(context.Context) error) {
	b.undo = append(b.undo, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func (b *envelope) build(ctx context.Context) error {
	s := b.s
	host := s.host

	byKind := make(map[security.NamespaceKind]runtime.Namespace)
	for _, kind := range s.policy.Namespaces() {
		ns, err := host.AcquireNamespace(ctx, s.id, kind)
		if err != nil {
			return fmt.Errorf("%w: %s namespace: %w", errdefs.ErrNamespaceAcquisitionFailed, kind, err)
		}
		b.namespaces = append(b.namespaces, ns)
		byKind[kind] = ns
		b.push("release "+string(kind)+" namespace", func(ctx context.Context) error {
			return host.ReleaseNamespace(ctx, ns)
		})
	}

	sc := s.policy.SecurityContext()
	if sc == nil {
		var err error
		sc, err = security.NewContext(s.policy.Name(), defaultLabel, s.policy.Level())
		if err != nil {
			return fmt.Errorf("%w: %w", errdefs.ErrSecurityContextInstallFailed, err)
		}
	}
	sc.Seal()
	if err := host.InstallSecurityContext(ctx, s.id, sc); err != nil {
		return fmt.Errorf("%w: %s: %w", errdefs.ErrSecurityContextInstallFailed, sc.Label(), err)
	}
	b.secCtx = sc
	b.push("remove security context", func(ctx context.Context) error {
		return host.RemoveSecurityContext(ctx, s.id)
	})

	for _, m := range s.policy.Mappings() {
		if err := s.manager.registry.Claim(s.id, m); err != nil {
			return err
		}
		b.push("release mapping claim", func(context.Context) error {
			s.manager.registry.Release(s.id, m)
			return nil
		})
		ns, ok := byKind[m.Kind]
		if !ok {
			return fmt.Errorf("%w: no %s namespace for mapping %s", errdefs.ErrInvalidNamespaceMapping, m.Kind, m)
		}
		if err := host.InstallMapping(ctx, ns, m); err != nil {
			return fmt.Errorf("%w: mapping %s: %w", errdefs.ErrNamespaceAcquisitionFailed, m, err)
		}
	}

	if lh, ok := host.(runtime.LimitHost); ok && s.opts.SandboxingEnabled {
		if err := lh.InstallLimits(ctx, s.id, s.policy.Limits()); err != nil {
			return fmt.Errorf("failed to install resource limits: %w", err)
		}
	}
	return nil
}

// rollback unwinds completed steps in reverse. It runs detached from the
// caller's context so an expired deadline still releases everything.
func (b *envelope) rollback() {
	s := b.s
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGracePeriod)
	defer cancel()

	for i := len(b.undo) - 1; i >= 0; i-- {
		if err := b.undo[i](ctx); err != nil {
			s.log.Warn().Err(err).Msg("Rollback step failed")
		}
	}
	if err := s.host.Teardown(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("Host teardown failed during rollback")
	}
	s.log.Info().Int("steps", len(b.undo)).Msg("Sandbox start rolled back")
}

// Exec starts spec inside the sandbox's namespaces and security context.
// It is legal only while Running.
func (s *Sandbox) Exec(ctx context.Context, spec runtime.ProcessSpec) (pid int, err error) {
	if err := spec.Validate(); err != nil {
		return 0, fmt.Errorf("invalid process: %w", err)
	}
	started := time.Now()
	ctx, span := s.span(ctx, "exec")
	span.SetAttributes(attribute.String("process.command", spec.Name()))
	defer func() {
		span.SetAttributes(attribute.Int("process.pid", pid))
		s.endSpan(span, "exec", started, err)
	}()

	return s.spawn(ctx, spec, StateRunning)
}

func (s *Sandbox) reserveProcessLocked(after *deferred) error {
	if len(s.processes)+s.spawning >= s.opts.MaxProcessesPerSandbox {
		return errdefs.WithErrno(fmt.Errorf("%w: sandbox %s owns %d processes",
			errdefs.ErrResourceExhausted, s.name, len(s.processes)), unix.EAGAIN)
	}
	return s.applyOutcomeLocked(s.limits.Charge(resources.ProcessCount, 1), 0, after)
}

// spawn charges one process slot, asks the host for the process and
// registers it with the manager. The sandbox must be in one of states
// before and after the host call.
func (s *Sandbox) spawn(ctx context.Context, spec runtime.ProcessSpec, states ...State) (int, error) {
	var after deferred
	defer func() { after.run() }()

	s.mu.Lock()
	if !slices.Contains(states, s.lc.state) {
		state := s.lc.state
		s.mu.Unlock()
		return 0, invalidState("exec in", s.name, state)
	}
	if err := s.reserveProcessLocked(&after); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.spawning++
	s.recordLocked(audit.Record{
		Kind:        audit.ExecRequested,
		Subject:     spec.Name(),
		Description: strings.Join(spec.Args, " "),
		Response:    audit.ResponseAllowed,
	})
	s.mu.Unlock()

	pid, err := s.host.Spawn(ctx, s.id, spec)

	s.mu.Lock()
	s.spawning--
	if err != nil {
		s.applyOutcomeLocked(s.limits.Release(resources.ProcessCount, 1), 0, &after)
		if len(s.processes) == 0 && s.spawning == 0 && s.lc.state != StateStarting {
			after.add(s.drainedLocked())
		}
		s.mu.Unlock()
		return 0, fmt.Errorf("failed to spawn %s in sandbox %s: %w", spec.Name(), s.name, err)
	}
	if !slices.Contains(states, s.lc.state) && s.lc.state != StateSuspended {
		state := s.lc.state
		s.applyOutcomeLocked(s.limits.Release(resources.ProcessCount, 1), pid, &after)
		s.mu.Unlock()
		if err := s.host.Signal(pid, killSignal); err != nil && !errors.Is(err, runtime.ErrNoSuchProcess) {
			s.log.Warn().Err(err).Int("pid", pid).Msg("Failed to kill process spawned during stop")
		}
		return 0, invalidState("exec in", s.name, state)
	}
	s.processes[pid] = &Process{PID: pid, Command: spec.Name(), StartedAt: s.now()}
	remaining := len(s.processes)
	s.mu.Unlock()

	s.manager.publish(newProcessEvent(s.id, s.name, s.now(), ProcessEvent{
		PID:       pid,
		Command:   spec.Name(),
		Remaining: remaining,
	}))
	s.manager.registerProcess(pid, s)

	s.log.Debug().Int("pid", pid).Str("cmd", spec.Name()).Msg("Process spawned")
	return pid, nil
}

// Stop terminates every process and releases the isolation envelope.
// SIGTERM is sent first; at the context deadline (or after the stop grace
// period when there is none) survivors get SIGKILL. If a process outlives
// the kill grace period Stop returns Timeout and the sandbox stays in
// Stopping; calling Stop again retries. Stop on a stopped sandbox is a
// no-op.
func (s *Sandbox) Stop(ctx context.Context) (err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	started := time.Now()
	ctx, span := s.span(ctx, "stop")
	defer func() { s.endSpan(span, "stop", started, err) }()

	s.mu.Lock()
	switch s.lc.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateCreated, StateRunning, StateSuspended:
		if err := s.transitionLocked(StateStopping, "stop requested", nil); err != nil {
			s.mu.Unlock()
			return err
		}
	case StateStopping:
	default:
		state := s.lc.state
		s.mu.Unlock()
		return invalidState("stop", s.name, state)
	}
	pids := s.pidsLocked()
	s.throttled = false
	s.mu.Unlock()

	s.thaw()
	if len(pids) == 0 {
		s.finish()
		if s.State() == StateStopped {
			return nil
		}
	}

	s.signalAll(pids, termSignal)
	grace := s.opts.StopGracePeriod
	if deadline, ok := ctx.Deadline(); ok {
		grace = time.Until(deadline)
	}
	if s.waitStopped(ctx, grace) {
		s.log.Info().Dur("duration", time.Since(started)).Msg("Sandbox stopped")
		return nil
	}

	survivors := s.PIDs()
	s.log.Warn().Ints("pids", survivors).Msg("Processes ignored SIGTERM, escalating to SIGKILL")
	s.signalAll(survivors, killSignal)
	if s.waitStopped(context.Background(), s.opts.KillGracePeriod) {
		s.log.Info().Dur("duration", time.Since(started)).Msg("Sandbox stopped after SIGKILL")
		return nil
	}

	survivors = s.PIDs()
	s.log.Error().Ints("pids", survivors).Msg("Processes survived SIGKILL")
	return fmt.Errorf("%w: %d processes of sandbox %s did not exit", errdefs.ErrTimeout, len(survivors), s.name)
}

func (s *Sandbox) waitStopped(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.stopped:
		return true
	default:
	}
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopped:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		select {
		case <-s.stopped:
			return true
		default:
			return false
		}
	}
}

// Wait blocks until the sandbox reaches Stopped or ctx ends.
func (s *Sandbox) Wait(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspend freezes every process of a Running sandbox. Suspending a
// Suspended sandbox is a no-op.
func (s *Sandbox) Suspend(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.lc.state {
	case StateSuspended:
		s.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := s.lc.state
		s.mu.Unlock()
		return invalidState("suspend", s.name, state)
	}
	if err := s.transitionLocked(StateSuspended, "suspend requested", nil); err != nil {
		s.mu.Unlock()
		return err
	}
	s.throttled = false
	s.mu.Unlock()

	if err := s.freezeIn(ctx, StateSuspended); err != nil {
		s.mu.Lock()
		if s.lc.state == StateSuspended {
			if terr := s.transitionLocked(StateRunning, "suspend failed", nil); terr != nil {
				s.log.Error().Err(terr).Msg("Failed to revert suspend")
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to suspend sandbox %s: %w", s.name, err)
	}
	return nil
}

// Resume thaws a Suspended sandbox. Resuming a Running sandbox is a no-op.
func (s *Sandbox) Resume(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.hostMu.Lock()
	defer s.hostMu.Unlock()

	switch state := s.State(); state {
	case StateRunning:
		return nil
	case StateSuspended:
	default:
		return invalidState("resume", s.name, state)
	}

	if err := s.host.Thaw(ctx, s.id); err != nil {
		return fmt.Errorf("failed to resume sandbox %s: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lc.state != StateSuspended {
		return invalidState("resume", s.name, s.lc.state)
	}
	return s.transitionLocked(StateRunning, "resume requested", nil)
}

// freezeIn freezes the sandbox on the host if it is still in state once
// the host lock is held.
func (s *Sandbox) freezeIn(ctx context.Context, state State) error {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if s.State() != state {
		return nil
	}
	return s.host.Freeze(ctx, s.id)
}

// freezeIfSuspended is the deferred half of an automatic suspension.
func (s *Sandbox) freezeIfSuspended() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGracePeriod)
	defer cancel()
	if err := s.freezeIn(ctx, StateSuspended); err != nil {
		s.log.Error().Err(err).Msg("Failed to freeze suspended sandbox")
	}
}

// thaw releases a freeze left by suspension or throttling.
func (s *Sandbox) thaw() {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGracePeriod)
	defer cancel()
	if err := s.host.Thaw(ctx, s.id); err != nil {
		s.log.Debug().Err(err).Msg("Thaw failed")
	}
}

// KillAll sends sig to every process without changing the sandbox state.
// Processes that die leave through the normal exit path.
func (s *Sandbox) KillAll(sig syscall.Signal) error {
	pids := s.PIDs()
	s.log.Info().Int("signal", int(sig)).Ints("pids", pids).Msg("Signalling all processes")
	return s.signalAll(pids, sig)
}

func (s *Sandbox) signalAll(pids []int, sig syscall.Signal) error {
	var errs []error
	for _, pid := range pids {
		err := s.host.Signal(pid, sig)
		if err == nil || errors.Is(err, runtime.ErrNoSuchProcess) {
			continue
		}
		s.log.Warn().Err(err).Int("pid", pid).Int("signal", int(sig)).Msg("Failed to signal process")
		errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

// handleExit removes an exited process. The last exit completes a stop
// or, when the policy auto-stops, stops a Running sandbox.
func (s *Sandbox) handleExit(ev runtime.Event) {
	var after deferred
	s.mu.Lock()
	p, ok := s.processes[ev.PID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.processes, ev.PID)
	s.applyOutcomeLocked(s.limits.Release(resources.ProcessCount, 1), ev.PID, &after)
	remaining := len(s.processes)
	if remaining == 0 && s.spawning == 0 {
		after.add(s.drainedLocked())
	}
	s.mu.Unlock()

	s.log.Debug().
		Int("pid", ev.PID).
		Int("exit_code", ev.ExitCode).
		Int("remaining", remaining).
		Msg("Process exited")
	s.manager.publish(newProcessEvent(s.id, s.name, s.now(), ProcessEvent{
		PID:       ev.PID,
		ParentPID: p.ParentPID,
		Command:   p.Command,
		Exited:    true,
		ExitCode:  ev.ExitCode,
		Remaining: remaining,
	}))
	after.run()
}

// handleFork registers a child created by a sandboxed process. Children
// created while stopping or beyond the process limits are killed and not
// counted. It reports whether the child was registered.
func (s *Sandbox) handleFork(ev runtime.Event) bool {
	var after deferred
	defer func() { after.run() }()

	s.mu.Lock()
	parent := s.processes[ev.ParentPID]
	if _, dup := s.processes[ev.PID]; dup {
		s.mu.Unlock()
		return true
	}

	var refuse error
	switch {
	case s.lc.state != StateRunning && s.lc.state != StateSuspended:
		refuse = invalidState("fork in", s.name, s.lc.state)
	default:
		refuse = s.reserveProcessLocked(&after)
	}
	if refuse != nil {
		s.mu.Unlock()
		s.log.Warn().Err(refuse).Int("pid", ev.PID).Int("parent_pid", ev.ParentPID).Msg("Killing refused child process")
		if err := s.host.Signal(ev.PID, killSignal); err != nil && !errors.Is(err, runtime.ErrNoSuchProcess) {
			s.log.Warn().Err(err).Int("pid", ev.PID).Msg("Failed to kill refused child process")
		}
		return false
	}

	command := ""
	if parent != nil {
		command = parent.Command
	}
	s.processes[ev.PID] = &Process{PID: ev.PID, ParentPID: ev.ParentPID, Command: command, StartedAt: s.now()}
	remaining := len(s.processes)
	s.mu.Unlock()

	s.manager.publish(newProcessEvent(s.id, s.name, s.now(), ProcessEvent{
		PID:       ev.PID,
		ParentPID: ev.ParentPID,
		Command:   command,
		Remaining: remaining,
	}))
	return true
}

// drainedLocked runs when the last process left. It returns the deferred
// completion of the stop, or nil when the sandbox keeps running.
func (s *Sandbox) drainedLocked() func() {
	switch s.lc.state {
	case StateRunning, StateSuspended:
		if !s.policy.AutoStop() {
			return nil
		}
		if err := s.transitionLocked(StateStopping, "last process exited", nil); err != nil {
			s.log.Error().Err(err).Msg("Auto-stop failed")
			return nil
		}
		return s.finish
	case StateStopping:
		return s.finish
	}
	return nil
}

// finishIfDrained completes a stop that has no processes left to wait for.
func (s *Sandbox) finishIfDrained() {
	s.mu.Lock()
	drained := len(s.processes) == 0 && s.spawning == 0
	s.mu.Unlock()
	if drained {
		s.finish()
	}
}

// finish releases the isolation envelope of a drained Stopping sandbox and
// moves it to Stopped. Only the first caller does the work.
func (s *Sandbox) finish() {
	s.mu.Lock()
	if s.finishing || s.lc.state != StateStopping || len(s.processes) > 0 || s.spawning > 0 {
		s.mu.Unlock()
		return
	}
	s.finishing = true
	namespaces := s.namespaces
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGracePeriod)
	defer cancel()

	s.manager.registry.ReleaseAll(s.id)
	if err := s.host.RemoveSecurityContext(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("Failed to remove security context")
	}
	for i := len(namespaces) - 1; i >= 0; i-- {
		if err := s.host.ReleaseNamespace(ctx, namespaces[i]); err != nil {
			s.log.Warn().Err(err).Str("namespace", string(namespaces[i].Kind)).Msg("Failed to release namespace")
		}
	}
	if err := s.host.Teardown(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("Host teardown failed")
	}

	s.mu.Lock()
	s.namespaces = nil
	if err := s.transitionLocked(StateStopped, "all processes exited", nil); err != nil {
		s.log.Error().Err(err).Msg("Failed to complete stop")
	}
	close(s.stopped)
	s.mu.Unlock()
}
