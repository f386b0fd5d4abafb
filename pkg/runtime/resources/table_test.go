package resources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

const mib = 1 << 20

func spec(kind Kind, soft, hard uint64) Spec {
	return Spec{
		Kind:             kind,
		Soft:             soft,
		Hard:             hard,
		Enforce:          true,
		WarnOnApproach:   true,
		WarningThreshold: DefaultWarningThreshold,
	}
}

func eventKinds(events []Event) []EventKind {
	var out []EventKind
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, spec(Memory, 10, 10).Validate())
	assert.ErrorIs(t, spec(Memory, 11, 10).Validate(), errdefs.ErrInvalidLimit)
	assert.ErrorIs(t, spec("bogus", 1, 1).Validate(), errdefs.ErrInvalidLimit)

	s := spec(Memory, 1, 2)
	s.WarningThreshold = 1.5
	assert.ErrorIs(t, s.Validate(), errdefs.ErrInvalidLimit)
}

func TestSoftBoundary(t *testing.T) {
	table := NewTable([]Spec{spec(FDCount, 10, 20)})

	out := table.Charge(FDCount, 10)
	require.NoError(t, out.Err)
	assert.NotContains(t, eventKinds(out.Events), SoftLimitExceeded)

	out = table.Charge(FDCount, 1)
	require.NoError(t, out.Err)
	assert.Contains(t, eventKinds(out.Events), SoftLimitExceeded)

	// Edge triggered: staying above soft does not repeat the event.
	out = table.Charge(FDCount, 1)
	assert.NotContains(t, eventKinds(out.Events), SoftLimitExceeded)
}

func TestSoftBoundaryByUpdate(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		update   func(*Table, Kind, uint64) Outcome
		value    uint64
		wantSoft bool
	}{
		{"charge at soft", FDCount, (*Table).Charge, 10, false},
		{"charge above soft", FDCount, (*Table).Charge, 11, true},
		{"sampled at soft", Memory, (*Table).ObserveSampled, 10, false},
		{"sampled above soft", Memory, (*Table).ObserveSampled, 11, true},
		{"rate at soft", CPUTime, (*Table).Observe, 10, false},
		{"rate above soft", CPUTime, (*Table).Observe, 11, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable([]Spec{spec(tt.kind, 10, 20)})

			out := tt.update(table, tt.kind, tt.value)
			require.NoError(t, out.Err)
			assert.Equal(t, ActionNone, out.Action)
			assert.Equal(t, tt.value, table.Usage(tt.kind))
			if tt.wantSoft {
				assert.Contains(t, eventKinds(out.Events), SoftLimitExceeded)
			} else {
				assert.NotContains(t, eventKinds(out.Events), SoftLimitExceeded)
			}
			assert.NotContains(t, eventKinds(out.Events), HardLimitExceeded)
		})
	}
}

func TestApproachingIsEdgeTriggeredWithHysteresis(t *testing.T) {
	table := NewTable([]Spec{spec(Memory, 100, 200)})

	out := table.Charge(Memory, 80)
	assert.Equal(t, []EventKind{LimitApproaching}, eventKinds(out.Events))

	out = table.Charge(Memory, 5)
	assert.Empty(t, out.Events)

	// 85 -> 76 is still above the re-arm point of 75.
	table.Release(Memory, 9)
	out = table.Charge(Memory, 4)
	assert.Empty(t, out.Events)

	// Drop below 75 to re-arm, then cross again.
	table.Release(Memory, 10)
	out = table.Charge(Memory, 10)
	assert.Equal(t, []EventKind{LimitApproaching}, eventKinds(out.Events))
}

func TestHardLimitDeniesWithoutChangingCounter(t *testing.T) {
	table := NewTable([]Spec{spec(Memory, 8*mib, 8*mib)})

	out := table.Charge(Memory, 4*mib)
	require.NoError(t, out.Err)
	assert.Equal(t, uint64(4*mib), table.Usage(Memory))

	out = table.Charge(Memory, 6*mib)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, errdefs.ErrOutOfMemory)
	assert.Equal(t, unix.ENOMEM, errdefs.Errno(out.Err))
	assert.Equal(t, ActionDeny, out.Action)
	assert.Equal(t, []EventKind{HardLimitExceeded}, eventKinds(out.Events))
	assert.Equal(t, uint64(4*mib), table.Usage(Memory))

	l, ok := table.Limit(Memory)
	require.True(t, ok)
	assert.LessOrEqual(t, l.Current, l.Hard)
	assert.GreaterOrEqual(t, l.Peak, l.Current)
}

func TestRepeatedBreachEscalates(t *testing.T) {
	table := NewTable([]Spec{spec(Memory, 10, 10)}, WithEscalation(2))

	assert.Equal(t, ActionDeny, table.Charge(Memory, 11).Action)
	assert.Equal(t, ActionSuspend, table.Charge(Memory, 11).Action)

	// A successful charge resets the run.
	require.NoError(t, table.Charge(Memory, 1).Err)
	assert.Equal(t, ActionDeny, table.Charge(Memory, 11).Action)
}

func TestDenialErrorsByKind(t *testing.T) {
	tests := []struct {
		kind  Kind
		err   error
		errno unix.Errno
	}{
		{FDCount, errdefs.ErrResourceExhausted, unix.EMFILE},
		{ProcessCount, errdefs.ErrResourceExhausted, unix.EAGAIN},
		{DiskSpace, errdefs.ErrQuotaExceeded, unix.EDQUOT},
		{GPUTime, errdefs.ErrResourceExhausted, unix.EBUSY},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			table := NewTable([]Spec{spec(tt.kind, 1, 1)})
			out := table.Charge(tt.kind, 2)
			assert.ErrorIs(t, out.Err, tt.err)
			assert.Equal(t, tt.errno, errdefs.Errno(out.Err))
		})
	}
}

func TestStrictTreatsSoftAsHard(t *testing.T) {
	s := spec(FDCount, 5, 10)
	s.Strict = true
	table := NewTable([]Spec{s})

	require.NoError(t, table.Charge(FDCount, 5).Err)
	assert.ErrorIs(t, table.Charge(FDCount, 1).Err, errdefs.ErrResourceExhausted)
}

func TestUnenforcedLimitReportsOnly(t *testing.T) {
	s := spec(FDCount, 2, 4)
	s.Enforce = false
	table := NewTable([]Spec{s})

	out := table.Charge(FDCount, 5)
	require.NoError(t, out.Err)
	assert.Contains(t, eventKinds(out.Events), HardLimitExceeded)
	assert.Equal(t, uint64(5), table.Usage(FDCount))

	enforced := NewTable([]Spec{spec(FDCount, 2, 4)}, WithoutEnforcement())
	assert.NoError(t, enforced.Charge(FDCount, 5).Err)
}

func TestObserveClampsAndThrottlesCPU(t *testing.T) {
	table := NewTable([]Spec{spec(CPUTime, 500000, 500000)}, WithEscalation(3))

	out := table.Observe(CPUTime, 900000)
	assert.Equal(t, ActionThrottle, out.Action)
	assert.Contains(t, eventKinds(out.Events), HardLimitExceeded)

	l, _ := table.Limit(CPUTime)
	assert.Equal(t, uint64(500000), l.Current)

	out = table.Observe(CPUTime, 900000)
	assert.Equal(t, ActionThrottle, out.Action)
	assert.NotContains(t, eventKinds(out.Events), HardLimitExceeded)

	out = table.Observe(CPUTime, 900000)
	assert.Equal(t, ActionSuspend, out.Action)

	out = table.Observe(CPUTime, 1000)
	assert.Equal(t, ActionNone, out.Action)
}

func TestObserveSampledMergesWithCharges(t *testing.T) {
	table := NewTable([]Spec{spec(Memory, 8*mib, 16*mib)}, WithEscalation(3))

	require.NoError(t, table.Charge(Memory, 4*mib).Err)
	table.ObserveSampled(Memory, 6*mib)
	assert.Equal(t, uint64(6*mib), table.Usage(Memory))

	// A reading below what was charged leaves the charge in place.
	table.ObserveSampled(Memory, 2*mib)
	assert.Equal(t, uint64(4*mib), table.Usage(Memory))
	require.NoError(t, table.Charge(Memory, 3*mib).Err)
	assert.Equal(t, uint64(7*mib), table.Usage(Memory))

	out := table.ObserveSampled(Memory, 64*mib)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, Memory, out.Resource)
	require.Contains(t, eventKinds(out.Events), HardLimitExceeded)
	assert.Equal(t, uint64(64*mib), out.Events[len(out.Events)-1].Value)
	assert.Equal(t, uint64(16*mib), table.Usage(Memory))

	// The host reading counts against new charges.
	out = table.Charge(Memory, mib)
	assert.ErrorIs(t, out.Err, errdefs.ErrOutOfMemory)

	out = table.ObserveSampled(Memory, 64*mib)
	assert.Equal(t, ActionSuspend, out.Action)
	assert.NotContains(t, eventKinds(out.Events), HardLimitExceeded)

	out = table.ObserveSampled(Memory, mib)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, uint64(7*mib), table.Usage(Memory))
	l, ok := table.Limit(Memory)
	require.True(t, ok)
	assert.Zero(t, l.Breaches())
	assert.Equal(t, uint64(16*mib), l.Peak)
}

func TestObserveSampledThrottlesDiskIO(t *testing.T) {
	table := NewTable([]Spec{spec(DiskIO, 1000, 1000)}, WithEscalation(3))

	for i := 0; i < 4; i++ {
		out := table.ObserveSampled(DiskIO, 50_000_000)
		assert.Equal(t, ActionThrottle, out.Action, "reading %d", i)
		assert.Equal(t, DiskIO, out.Resource)
		if i == 0 {
			assert.Contains(t, eventKinds(out.Events), HardLimitExceeded)
		} else {
			assert.NotContains(t, eventKinds(out.Events), HardLimitExceeded)
		}
		assert.Equal(t, uint64(1000), table.Usage(DiskIO))
	}

	out := table.ObserveSampled(DiskIO, 500)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, uint64(500), table.Usage(DiskIO))

	out = table.ObserveSampled(DiskIO, 50_000_000)
	assert.Contains(t, eventKinds(out.Events), HardLimitExceeded)
}

func TestObserveSampledUnlimitedKind(t *testing.T) {
	table := NewTable(nil)

	out := table.ObserveSampled(ThreadCount, 7)
	assert.Empty(t, out.Events)
	assert.Equal(t, uint64(7), table.Usage(ThreadCount))

	table.Charge(ThreadCount, 9)
	assert.Equal(t, uint64(9), table.Usage(ThreadCount))
}

func TestThrottleDelaysBandwidth(t *testing.T) {
	table := NewTable([]Spec{spec(NetworkBandwidth, 1000, 1000)})
	now := time.Unix(1000, 0)

	out := table.Throttle(NetworkBandwidth, 1000, now)
	assert.Zero(t, out.Delay)

	out = table.Throttle(NetworkBandwidth, 500, now)
	assert.Equal(t, ActionThrottle, out.Action)
	assert.InDelta(t, float64(500*time.Millisecond), float64(out.Delay), float64(10*time.Millisecond))
	assert.Contains(t, eventKinds(out.Events), HardLimitExceeded)

	out = table.Throttle(NetworkBandwidth, 500, now)
	assert.Greater(t, out.Delay, 500*time.Millisecond)
	assert.NotContains(t, eventKinds(out.Events), HardLimitExceeded)

	assert.Equal(t, uint64(2000), table.Counters().Bytes)
}

func TestResetZeroesCounters(t *testing.T) {
	table := NewTable([]Spec{spec(FDCount, 10, 10)})
	table.Charge(FDCount, 3)
	table.Charge(AICompute, 7)
	table.AddConnections(2)

	c := table.Counters()
	assert.Equal(t, uint64(3), c.FDs)
	assert.Equal(t, uint64(7), c.AIMillis)
	assert.Equal(t, uint64(2), c.Connections)

	table.Reset()
	assert.Equal(t, Counters{}, table.Counters())
	l, _ := table.Limit(FDCount)
	assert.Zero(t, l.Peak)
}

func TestDeltaAdvance(t *testing.T) {
	var d Delta
	cpu, io := d.Advance(Sample{CPUMicros: 100, IOBytes: 50})
	assert.Zero(t, cpu)
	assert.Zero(t, io)

	cpu, io = d.Advance(Sample{CPUMicros: 250, IOBytes: 60})
	assert.Equal(t, uint64(150), cpu)
	assert.Equal(t, uint64(10), io)
}
