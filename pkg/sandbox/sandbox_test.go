package sandbox

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	m     *Manager
	host  *runtime.SimulatedHost
	clock *testClock
}

func newHarness(t testing.TB, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		host:  runtime.NewSimulatedHost(),
		clock: newTestClock(),
	}
	h.m = NewManager(h.host, WithClock(h.clock.Now))

	opts := DefaultOptions()
	opts.SamplingInterval = 0
	opts.StopGracePeriod = time.Second
	opts.KillGracePeriod = 200 * time.Millisecond
	for _, fn := range mutate {
		fn(&opts)
	}
	require.NoError(t, h.m.Init(opts))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
		h.host.Close()
	})
	return h
}

func (h *harness) policy(t testing.TB, name string, build func(p *policy.Policy)) *policy.Policy {
	t.Helper()
	p, err := h.m.NewPolicy(name, policy.TypeStandard)
	require.NoError(t, err)
	if build != nil {
		build(p)
	}
	return p
}

// start creates and starts a sandbox running cmd and returns its entry pid.
func (h *harness) start(t testing.TB, name string, p *policy.Policy, cmd string) (*Sandbox, int) {
	t.Helper()
	s, err := h.m.CreateSandbox(name, p)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), runtime.NewProcessSpec(cmd)))
	require.Equal(t, StateRunning, s.State())
	pids := s.PIDs()
	require.Len(t, pids, 1)
	return s, pids[0]
}

func recordsOf(s *Sandbox, kind audit.Kind) []audit.Record {
	var out []audit.Record
	for _, rec := range s.AuditRecords() {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func eventuallyState(t *testing.T, s *Sandbox, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"sandbox %s never reached %s", s.Name(), want)
}

func TestSandboxNetworkOnlyPolicy(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "network-only", func(p *policy.Policy) {
		require.NoError(t, p.AddPermission(permission.NetworkInternet, permission.Granted))
	})
	s, pid := h.start(t, "web", p, "curl")

	require.NoError(t, s.Connect(pid, "93.184.216.34:443"))
	assert.Equal(t, uint64(1), s.Usage(resources.FDCount))

	err := s.OpenFile(pid, "/etc/passwd", Read)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrPermissionDenied))
	assert.Equal(t, unix.EACCES, errdefs.Errno(err))

	denied := recordsOf(s, audit.PermissionDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "filesystem-storage-read", denied[0].Subject)
	assert.Equal(t, pid, denied[0].PID)
	assert.Equal(t, audit.ResponseDenied, denied[0].Response)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, uint64(1), s.SecurityState().Violations)
}

func TestSandboxMemoryLimit(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "small-memory", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.Memory, 0, 8<<20))
	})
	s, pid := h.start(t, "alloc", p, "worker")

	require.NoError(t, s.Allocate(pid, 4<<20))

	err := s.Allocate(pid, 6<<20)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrOutOfMemory))
	assert.Equal(t, unix.ENOMEM, errdefs.Errno(err))
	assert.Equal(t, uint64(4<<20), s.Usage(resources.Memory))

	breaches := recordsOf(s, audit.HardLimitExceeded)
	require.Len(t, breaches, 1)
	assert.Equal(t, "memory", breaches[0].Subject)
	assert.Equal(t, int64(10<<20), breaches[0].Detail)
	assert.Equal(t, StateRunning, s.State())

	s.Free(pid, 4<<20)
	assert.Zero(t, s.Usage(resources.Memory))
	require.NoError(t, s.Allocate(pid, 6<<20))
}

func TestSandboxRepeatedMemoryBreachesSuspend(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "tight-memory", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.Memory, 0, 1<<20))
	})
	s, pid := h.start(t, "hog", p, "hog")

	for i := 0; i < 3; i++ {
		err := s.Allocate(pid, 2<<20)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrOutOfMemory))
	}
	assert.Equal(t, StateSuspended, s.State())
	assert.True(t, h.host.Frozen(s.ID()))
	require.Len(t, recordsOf(s, audit.AutoSuspend), 1)

	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.False(t, h.host.Frozen(s.ID()))
}

func TestSandboxGrantedOnceIsConsumed(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "recorder", func(p *policy.Policy) {
		require.NoError(t, p.AddPermission(permission.HardwareMicrophone, permission.GrantedOnce))
	})
	s, _ := h.start(t, "rec", p, "arecord")

	assert.Equal(t, permission.Allow, s.CheckPermission(permission.HardwareMicrophone))
	assert.Equal(t, permission.Deny, s.CheckPermission(permission.HardwareMicrophone))

	e, ok := s.OverlayEntry(permission.HardwareMicrophone)
	require.True(t, ok)
	assert.Equal(t, permission.Denied, e.State)

	// The policy itself is untouched.
	pe, ok := p.Entry(permission.HardwareMicrophone)
	require.True(t, ok)
	assert.Equal(t, permission.GrantedOnce, pe.State)

	u, ok := s.PermissionUsage(permission.HardwareMicrophone)
	require.True(t, ok)
	assert.Equal(t, uint64(2), u.Checks)
	assert.Equal(t, uint64(1), u.Allowed)
	assert.Equal(t, uint64(1), u.Denied)
}

func TestSandboxViolationThresholdSuspends(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ViolationThreshold = 3
		o.ViolationWindow = 10 * time.Second
	})
	s, _ := h.start(t, "noisy", h.policy(t, "deny-all", nil), "scanner")

	for i := 0; i < 3; i++ {
		assert.Equal(t, permission.Deny, s.CheckPermission(permission.SystemAdmin))
		h.clock.Advance(time.Second)
	}
	assert.Equal(t, StateRunning, s.State())

	assert.Equal(t, permission.Deny, s.CheckPermission(permission.SystemAdmin))
	assert.Equal(t, StateSuspended, s.State())
	assert.True(t, h.host.Frozen(s.ID()))
	assert.True(t, s.SecurityState().Suspended)

	suspended := recordsOf(s, audit.AutoSuspend)
	require.Len(t, suspended, 1)
	assert.Equal(t, audit.ResponseSuspended, suspended[0].Response)
	assert.Len(t, recordsOf(s, audit.PermissionDenied), 4)
}

func TestSandboxViolationsOutsideWindowDoNotSuspend(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ViolationThreshold = 3
		o.ViolationWindow = 10 * time.Second
	})
	s, _ := h.start(t, "slow", h.policy(t, "deny-all", nil), "scanner")

	for i := 0; i < 6; i++ {
		s.CheckPermission(permission.SystemAdmin)
		h.clock.Advance(5 * time.Second)
	}
	assert.Equal(t, StateRunning, s.State())
	assert.Empty(t, recordsOf(s, audit.AutoSuspend))
}

func TestSandboxConflictingMappingsRollBack(t *testing.T) {
	h := newHarness(t)
	mapping := security.IDMapping{
		Kind:         security.UserNamespace,
		HostStart:    100000,
		SandboxStart: 0,
		Length:       65536,
	}
	build := func(p *policy.Policy) {
		require.NoError(t, p.AddNamespaceMapping(mapping))
	}

	a, _ := h.start(t, "a", h.policy(t, "users-a", build), "init")

	b, err := h.m.CreateSandbox("b", h.policy(t, "users-b", build))
	require.NoError(t, err)
	err = b.Start(context.Background(), runtime.NewProcessSpec("init"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNamespaceAcquisitionFailed))

	assert.Equal(t, StateError, b.State())
	assert.Error(t, b.Err())
	assert.Equal(t, 1, h.host.SpawnCount())
	assert.Nil(t, h.host.SecurityContext(b.ID()))
	assert.Empty(t, h.host.Namespaces(b.ID()))
	assert.Nil(t, b.SecurityContext())

	// A is unaffected and keeps its claim.
	assert.Equal(t, StateRunning, a.State())
	assert.NotNil(t, h.host.SecurityContext(a.ID()))
	assert.Len(t, h.m.registry.Claims(a.ID()), 1)

	// Stop on Error is refused; destroy is the way out.
	assert.True(t, errors.Is(b.Stop(context.Background()), errdefs.ErrInvalidState))
	require.NoError(t, h.m.DestroySandbox("b"))
}

func TestSandboxStopEscalatesToKill(t *testing.T) {
	h := newHarness(t)
	h.host.SetBehavior("stubborn", runtime.Behavior{IgnoreTerm: true})
	s, pid := h.start(t, "stubborn", h.policy(t, "plain", nil), "stubborn")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, []syscall.Signal{unix.SIGTERM, unix.SIGKILL}, h.host.Signals(pid))
	assert.Nil(t, h.host.SecurityContext(s.ID()))
	assert.Empty(t, h.host.Namespaces(s.ID()))

	_, err := h.m.FindByProcess(pid)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestSandboxStopTimesOutWhenKillIgnored(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.KillGracePeriod = 50 * time.Millisecond
	})
	h.host.SetBehavior("zombie", runtime.Behavior{IgnoreTerm: true, IgnoreKill: true})
	s, pid := h.start(t, "zombie", h.policy(t, "plain", nil), "zombie")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTimeout))
	assert.Equal(t, StateStopping, s.State())

	// Mediation refuses everything while stopping.
	assert.Equal(t, permission.Deny, s.CheckPermission(permission.NetworkInternet))

	require.NoError(t, h.host.Exit(pid, 0))
	eventuallyState(t, s, StateStopped)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, s.Wait(waitCtx))
}

func TestSandboxStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s, _ := h.start(t, "twice", h.policy(t, "plain", nil), "sleep")

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())

	var stops int
	for _, tr := range s.Transitions() {
		if tr.To == StateStopped {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestSandboxStopCreated(t *testing.T) {
	h := newHarness(t)
	s, err := h.m.CreateSandbox("idle", h.policy(t, "plain", nil))
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Zero(t, h.host.SpawnCount())
}

func TestSandboxAutoStop(t *testing.T) {
	tests := []struct {
		name     string
		autoStop bool
		want     State
	}{
		{name: "enabled", autoStop: true, want: StateStopped},
		{name: "disabled", autoStop: false, want: StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.policy(t, "auto", func(p *policy.Policy) {
				require.NoError(t, p.SetAutoStop(tt.autoStop))
			})
			s, pid := h.start(t, "job", p, "job")

			require.NoError(t, h.host.Exit(pid, 0))
			require.Eventually(t, func() bool { return len(s.PIDs()) == 0 }, time.Second, 5*time.Millisecond)
			eventuallyState(t, s, tt.want)
		})
	}
}

func TestSandboxForkRegistration(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "two-procs", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.ProcessCount, 0, 2))
	})
	s, pid := h.start(t, "forker", p, "shell")

	child, err := h.host.Fork(pid)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		owner, err := h.m.FindByProcess(child)
		return err == nil && owner == s
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), s.Usage(resources.ProcessCount))

	snap := s.Snapshot()
	require.Len(t, snap.Processes, 2)
	assert.Equal(t, pid, snap.Processes[1].ParentPID)
	assert.Equal(t, "shell", snap.Processes[1].Command)

	// Beyond the limit the child is killed and never counted.
	refused, err := h.host.Fork(pid)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !h.host.Alive(refused) }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.host.Signals(refused), syscall.Signal(unix.SIGKILL))
	assert.Equal(t, uint64(2), s.Usage(resources.ProcessCount))
	assert.Equal(t, []int{pid, child}, s.PIDs())

	_, err = h.m.FindByProcess(refused)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestSandboxExecOnlyWhileRunning(t *testing.T) {
	h := newHarness(t)
	s, err := h.m.CreateSandbox("exec", h.policy(t, "plain", nil))
	require.NoError(t, err)

	_, err = s.Exec(context.Background(), runtime.NewProcessSpec("ls"))
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))

	require.NoError(t, s.Start(context.Background(), runtime.NewProcessSpec("sh")))
	pid, err := s.Exec(context.Background(), runtime.NewProcessSpec("ls", "-l"))
	require.NoError(t, err)
	assert.Contains(t, s.PIDs(), pid)

	spec, ok := h.host.Spec(pid)
	require.True(t, ok)
	assert.Equal(t, "ls", spec.Name())

	execs := recordsOf(s, audit.ExecRequested)
	require.Len(t, execs, 2)
	assert.Equal(t, "ls", execs[1].Subject)
}

func TestSandboxFatalViolationTerminates(t *testing.T) {
	h := newHarness(t)
	s, pid := h.start(t, "escapee", h.policy(t, "plain", nil), "exploit")

	require.NoError(t, s.ReportViolation(audit.NamespaceEscape, pid, "setns into host pid namespace"))
	eventuallyState(t, s, StateStopped)

	recs := recordsOf(s, audit.NamespaceEscape)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.ResponseKilled, recs[0].Response)
	assert.Contains(t, h.host.Signals(pid), syscall.Signal(unix.SIGKILL))
	assert.True(t, s.SecurityState().Terminated)

	assert.Error(t, s.ReportViolation(audit.StateTransition, pid, "not a violation"))
}

func TestSandboxCPUThrottle(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "one-core", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.CPUTime, 0, 1_000_000))
	})
	s, pid := h.start(t, "spinner", p, "spin")

	// The first tick primes the counters.
	h.host.SetUsage(pid, resources.Sample{CPUMicros: 1_000_000})
	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.False(t, s.Throttled())

	h.host.SetUsage(pid, resources.Sample{CPUMicros: 3_000_000})
	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.True(t, s.Throttled())
	assert.True(t, h.host.Frozen(s.ID()))
	assert.Equal(t, StateRunning, s.State())
	assert.Len(t, recordsOf(s, audit.HardLimitExceeded), 1)

	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.False(t, s.Throttled())
	assert.False(t, h.host.Frozen(s.ID()))
	assert.Equal(t, uint64(2_000_000), s.Snapshot().Counters.CPUMicros)
}

func TestSandboxSustainedCPUBreachSuspends(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "one-core", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.CPUTime, 0, 1_000_000))
	})
	s, pid := h.start(t, "spinner", p, "spin")

	h.m.SampleNow()
	for i := 1; i <= 3; i++ {
		h.host.SetUsage(pid, resources.Sample{CPUMicros: uint64(i) * 2_000_000})
		h.clock.Advance(time.Second)
		h.m.SampleNow()
	}
	assert.Equal(t, StateSuspended, s.State())
	assert.True(t, h.host.Frozen(s.ID()))
	assert.False(t, s.Throttled())
	require.Len(t, recordsOf(s, audit.AutoSuspend), 1)
}

func TestSandboxSampledUsageReachesLimits(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "sampled", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.DiskIO, 0, 1000))
		require.NoError(t, p.AddResourceLimit(resources.Memory, 0, 1<<20))
		require.NoError(t, p.AddResourceLimit(resources.FDCount, 0, 64))
		require.NoError(t, p.AddResourceLimit(resources.ThreadCount, 0, 32))
	})
	s, pid := h.start(t, "heavy", p, "db")

	subjects := func() []string {
		var out []string
		for _, rec := range recordsOf(s, audit.HardLimitExceeded) {
			out = append(out, rec.Subject)
		}
		return out
	}

	h.host.SetUsage(pid, resources.Sample{MemoryBytes: 64 << 20, FDs: 100, Threads: 50})
	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.ElementsMatch(t, []string{"memory", "fd-count", "thread-count"}, subjects())
	assert.Equal(t, uint64(1<<20), s.Usage(resources.Memory))
	assert.Equal(t, uint64(64), s.Usage(resources.FDCount))
	assert.Equal(t, uint64(32), s.Usage(resources.ThreadCount))
	assert.False(t, s.Throttled())

	h.host.SetUsage(pid, resources.Sample{IOBytes: 50_000_000, MemoryBytes: 64 << 20, FDs: 100, Threads: 50})
	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.ElementsMatch(t, []string{"memory", "fd-count", "thread-count", "disk-io"}, subjects())
	assert.Equal(t, uint64(1000), s.Usage(resources.DiskIO))
	assert.True(t, s.Throttled())
	assert.True(t, h.host.Frozen(s.ID()))
	assert.Equal(t, StateRunning, s.State())

	// Memory stays over its limit for a third reading.
	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.Equal(t, StateSuspended, s.State())
	assert.True(t, h.host.Frozen(s.ID()))
	suspends := recordsOf(s, audit.AutoSuspend)
	require.Len(t, suspends, 1)
	assert.Contains(t, suspends[0].Description, "memory")
}

func TestSandboxSampledMemoryMergesWithAllocations(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "merged", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.Memory, 0, 8<<20))
	})
	s, pid := h.start(t, "alloc", p, "worker")

	require.NoError(t, s.Allocate(pid, 4<<20))
	h.host.SetUsage(pid, resources.Sample{MemoryBytes: 1 << 20})
	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.Equal(t, uint64(4<<20), s.Usage(resources.Memory))

	h.host.SetUsage(pid, resources.Sample{MemoryBytes: 64 << 20})
	h.clock.Advance(time.Second)
	h.m.SampleNow()
	assert.Equal(t, uint64(8<<20), s.Usage(resources.Memory))

	err := s.Allocate(pid, 1024)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrOutOfMemory)
}

func TestSandboxSampledUsageUnderLimits(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "roomy", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.DiskIO, 0, 100_000_000))
		require.NoError(t, p.AddResourceLimit(resources.Memory, 0, 256<<20))
	})
	s, pid := h.start(t, "light", p, "db")

	for i := 1; i <= 3; i++ {
		h.host.SetUsage(pid, resources.Sample{IOBytes: uint64(i) * 1_000_000, MemoryBytes: 8 << 20})
		h.clock.Advance(time.Second)
		h.m.SampleNow()
	}
	assert.Empty(t, recordsOf(s, audit.HardLimitExceeded))
	assert.Equal(t, uint64(8<<20), s.Usage(resources.Memory))
	assert.Equal(t, uint64(1_000_000), s.Usage(resources.DiskIO))
	assert.False(t, s.Throttled())
	assert.Equal(t, StateRunning, s.State())
}

func TestSandboxStartInstallsHostLimits(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "host-limits", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.Memory, 0, 1<<20))
		require.NoError(t, p.AddResourceLimit(resources.ProcessCount, 0, 4))
	})
	s, _ := h.start(t, "limited", p, "db")

	installed := h.host.Limits(s.ID())
	require.Len(t, installed, 2)
	kinds := []resources.Kind{installed[0].Kind, installed[1].Kind}
	assert.ElementsMatch(t, []resources.Kind{resources.Memory, resources.ProcessCount}, kinds)

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, h.host.Limits(s.ID()))
}

func TestSandboxStartRollsBackSecurityContextFailure(t *testing.T) {
	h := newHarness(t)
	h.host.FailNext(runtime.OpInstallSecurityContext, errors.New("labeling unavailable"))
	p := h.policy(t, "isolated", func(p *policy.Policy) {
		require.NoError(t, p.EnableNamespace(security.PIDNamespace))
		require.NoError(t, p.EnableNamespace(security.MountNamespace))
	})
	s, err := h.m.CreateSandbox("broken", p)
	require.NoError(t, err)

	err = s.Start(context.Background(), runtime.NewProcessSpec("init"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrSecurityContextInstallFailed))
	assert.Equal(t, StateError, s.State())
	assert.Empty(t, h.host.Namespaces(s.ID()))
	assert.Zero(t, h.host.SpawnCount())

	// Start is not retried from Error.
	err = s.Start(context.Background(), runtime.NewProcessSpec("init"))
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))
}

func TestSandboxStartTimeout(t *testing.T) {
	h := newHarness(t)
	h.host.Delay(runtime.OpSpawn, time.Second)
	p := h.policy(t, "slow", func(p *policy.Policy) {
		require.NoError(t, p.EnableNamespace(security.PIDNamespace))
	})
	s, err := h.m.CreateSandbox("slow", p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = s.Start(ctx, runtime.NewProcessSpec("init"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTimeout))
	assert.Equal(t, StateError, s.State())
	assert.Empty(t, h.host.Namespaces(s.ID()))
	assert.Nil(t, h.host.SecurityContext(s.ID()))
	assert.Zero(t, s.Usage(resources.ProcessCount))
}

func TestSandboxDefaultSecurityContext(t *testing.T) {
	h := newHarness(t)
	s, _ := h.start(t, "labelled", h.policy(t, "plain", nil), "init")

	sc := h.host.SecurityContext(s.ID())
	require.NotNil(t, sc)
	assert.Equal(t, "system_u:system_r:sandbox_t:s0", sc.Label().String())
	assert.Equal(t, sc.Label().String(), s.Snapshot().Context)
}

func TestSandboxSuspendResume(t *testing.T) {
	h := newHarness(t)
	s, pid := h.start(t, "pausable", h.policy(t, "plain", nil), "sleep")

	require.NoError(t, s.Suspend(context.Background()))
	require.NoError(t, s.Suspend(context.Background()))
	assert.Equal(t, StateSuspended, s.State())
	assert.True(t, h.host.Frozen(s.ID()))

	// Checks are denied while suspended.
	assert.Equal(t, permission.Deny, s.CheckPermission(permission.FilesystemTemp))

	require.NoError(t, s.Resume(context.Background()))
	require.NoError(t, s.Resume(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.False(t, h.host.Frozen(s.ID()))

	// A stop while suspended thaws first so SIGTERM is delivered.
	require.NoError(t, s.Suspend(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, []syscall.Signal{unix.SIGTERM}, h.host.Signals(pid))

	err := s.Resume(context.Background())
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))
}

func TestSandboxSuspendFreezeFailureReverts(t *testing.T) {
	h := newHarness(t)
	s, _ := h.start(t, "unfreezable", h.policy(t, "plain", nil), "sleep")

	h.host.FailNext(runtime.OpFreeze, errors.New("cgroup freezer unavailable"))
	require.Error(t, s.Suspend(context.Background()))
	assert.Equal(t, StateRunning, s.State())
}

func TestSandboxTransitionsRecorded(t *testing.T) {
	h := newHarness(t)
	var (
		mu     sync.Mutex
		states []State
	)
	h.m.Subscribe(func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, e.Transition.To)
		return nil
	}, nil, EventTypeStateChange)

	s, _ := h.start(t, "traced", h.policy(t, "plain", nil), "sleep")
	require.NoError(t, s.Stop(context.Background()))
	h.m.Events().Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateCreated, StateStarting, StateRunning, StateStopping, StateStopped}, states)

	transitions := recordsOf(s, audit.StateTransition)
	require.Len(t, transitions, 5)
	assert.Equal(t, "stopped", transitions[4].Subject)
}

func TestSandboxSnapshot(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "snap", func(p *policy.Policy) {
		require.NoError(t, p.AddPermission(permission.FilesystemTemp, permission.Granted))
		require.NoError(t, p.AddResourceLimit(resources.FDCount, 0, 64))
		require.NoError(t, p.EnableNamespace(security.NetworkNamespace))
	})
	s, pid := h.start(t, "snap", p, "app")
	require.NoError(t, s.OpenFile(pid, "/tmp/cache", Write))

	snap := s.Snapshot()
	assert.Equal(t, "snap", snap.Name)
	assert.Equal(t, "snap", snap.Policy)
	assert.Equal(t, StateRunning, snap.State)
	require.Len(t, snap.Namespaces, 1)
	assert.Equal(t, security.NetworkNamespace, snap.Namespaces[0].Kind)
	require.Len(t, snap.Limits, 1)
	assert.Equal(t, uint64(1), snap.Limits[0].Current)
	assert.Equal(t, uint64(1), snap.Usage[permission.FilesystemTemp].Allowed)
	assert.False(t, snap.StartedAt.IsZero())
	assert.Contains(t, snap.String(), "snap")
}
