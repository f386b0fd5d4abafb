package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
)

func recordKindFor(k resources.EventKind) audit.Kind {
	switch k {
	case resources.LimitApproaching:
		return audit.LimitApproaching
	case resources.SoftLimitExceeded:
		return audit.SoftLimitExceeded
	default:
		return audit.HardLimitExceeded
	}
}

func responseFor(out resources.Outcome, ev resources.Event) audit.Response {
	if ev.Kind != resources.HardLimitExceeded {
		return audit.ResponseLogged
	}
	switch out.Action {
	case resources.ActionDeny:
		return audit.ResponseDenied
	case resources.ActionThrottle:
		return audit.ResponseThrottled
	case resources.ActionSuspend:
		return audit.ResponseSuspended
	}
	return audit.ResponseLogged
}

// applyOutcomeLocked turns limit events into audit records and applies
// the escalation of an outcome. It returns the denial error, if any.
func (s *Sandbox) applyOutcomeLocked(out resources.Outcome, pid int, after *deferred) error {
	for _, ev := range out.Events {
		after.add(s.violationLocked(audit.Record{
			Kind:        recordKindFor(ev.Kind),
			Subject:     string(ev.Resource),
			PID:         pid,
			Detail:      int64(ev.Value),
			Description: ev.String(),
			Response:    responseFor(out, ev),
		}))
	}
	if out.Action == resources.ActionSuspend && s.lc.state == StateRunning && s.opts.SandboxingEnabled {
		after.add(s.autoSuspendLocked(fmt.Sprintf("repeated %s hard limit breaches", out.Resource)))
	}
	return out.Err
}

// tick samples the host counters of a Running sandbox. A cpu-time or
// disk-io breach freezes the sandbox until the next tick.
func (s *Sandbox) tick(sampler resources.Sampler) {
	s.unthrottle()

	s.mu.Lock()
	if s.lc.state != StateRunning {
		s.mu.Unlock()
		return
	}
	pids := s.pidsLocked()
	s.mu.Unlock()

	sample, err := sampler.Sample(pids)
	if err != nil {
		s.log.Debug().Err(err).Msg("Resource sample failed")
		return
	}

	var after deferred
	s.mu.Lock()
	if s.lc.state != StateRunning {
		s.mu.Unlock()
		return
	}
	now := s.now()
	elapsed := now.Sub(s.lastTick)
	s.lastTick = now
	s.sampled = sample
	cpu, io := s.delta.Advance(sample)
	s.limits.AddCPU(cpu)

	throttle := false
	apply := func(out resources.Outcome) {
		s.applyOutcomeLocked(out, 0, &after)
		if out.Action == resources.ActionThrottle {
			throttle = true
		}
	}
	if elapsed > 0 {
		perSecond := func(n uint64) uint64 { return uint64(float64(n) / elapsed.Seconds()) }
		apply(s.limits.Observe(resources.CPUTime, perSecond(cpu)))
		apply(s.limits.ObserveSampled(resources.DiskIO, perSecond(io)))
	}
	apply(s.limits.ObserveSampled(resources.Memory, sample.MemoryBytes))
	apply(s.limits.ObserveSampled(resources.FDCount, sample.FDs))
	apply(s.limits.ObserveSampled(resources.ThreadCount, sample.Threads))

	throttle = throttle && s.opts.SandboxingEnabled && s.lc.state == StateRunning
	if throttle {
		s.throttled = true
	}
	s.mu.Unlock()
	after.run()

	if throttle {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGracePeriod)
		defer cancel()
		if err := s.freezeIn(ctx, StateRunning); err != nil {
			s.log.Warn().Err(err).Msg("Failed to throttle sandbox")
			return
		}
		s.log.Debug().Msg("Sandbox throttled until next accounting tick")
	}
}

// unthrottle thaws a sandbox frozen by the previous tick.
func (s *Sandbox) unthrottle() {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()

	s.mu.Lock()
	thaw := s.throttled && s.lc.state == StateRunning
	s.throttled = false
	s.mu.Unlock()
	if !thaw {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGracePeriod)
	defer cancel()
	if err := s.host.Thaw(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("Failed to lift sampling throttle")
	}
}

// Throttled reports whether the sandbox is frozen until the next tick.
func (s *Sandbox) Throttled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttled
}

// sleep waits for a throttle delay. Delays are cut short by ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
