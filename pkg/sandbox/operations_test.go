package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
)

func TestFilePermission(t *testing.T) {
	tests := []struct {
		target string
		access Access
		want   permission.ID
	}{
		{"/tmp/x", Read, permission.FilesystemTemp},
		{"/var/tmp/x", Write, permission.FilesystemTemp},
		{"/dev/shm", Write, permission.FilesystemTemp},
		{"/tmpfoo", Read, permission.FilesystemStorageRead},
		{"/media/usb/a", Read, permission.FilesystemRemovableMedia},
		{"/run/media/user/disk", Write, permission.FilesystemRemovableMedia},
		{"/home/user/notes", Read, permission.FilesystemHomeRead},
		{"/root/.bashrc", Write, permission.FilesystemHomeWrite},
		{"/etc/passwd", Read, permission.FilesystemStorageRead},
		{"/srv/data", Write, permission.FilesystemStorageWrite},
		{"relative/../tmp/a", Read, permission.FilesystemTemp},
	}

	for _, tt := range tests {
		t.Run(tt.target+" "+tt.access.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, FilePermission(tt.target, tt.access))
		})
	}
}

func TestNetworkPermission(t *testing.T) {
	tests := []struct {
		address string
		want    permission.ID
	}{
		{"localhost:8080", permission.NetworkLocal},
		{"127.0.0.1:22", permission.NetworkLocal},
		{"[::1]:443", permission.NetworkLocal},
		{"10.1.2.3", permission.NetworkLocal},
		{"192.168.1.10:53", permission.NetworkLocal},
		{"169.254.169.254:80", permission.NetworkLocal},
		{"93.184.216.34:443", permission.NetworkInternet},
		{"example.com:443", permission.NetworkInternet},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, NetworkPermission(tt.address))
		})
	}
}

func TestOperationsFileDescriptors(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "fds", func(p *policy.Policy) {
		require.NoError(t, p.AddPermission(permission.FilesystemTemp, permission.Granted))
		require.NoError(t, p.AddPermission(permission.NetworkLocal, permission.Granted))
		require.NoError(t, p.AddResourceLimit(resources.FDCount, 0, 2))
	})
	s, pid := h.start(t, "fds", p, "app")

	require.NoError(t, s.OpenFile(pid, "/tmp/a", Read))
	require.NoError(t, s.Connect(pid, "127.0.0.1:5432"))

	err := s.OpenFile(pid, "/tmp/b", Read)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrResourceExhausted))
	assert.Equal(t, unix.EMFILE, errdefs.Errno(err))

	s.Disconnect(pid)
	assert.Equal(t, uint64(0), s.Snapshot().Counters.Connections)
	require.NoError(t, s.OpenFile(pid, "/tmp/b", Read))
	s.CloseFile(pid)
	s.CloseFile(pid)
	s.CloseFile(pid)
	assert.Zero(t, s.Usage(resources.FDCount))
}

func TestOperationsThreads(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "threads", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.ThreadCount, 0, 1))
	})
	s, pid := h.start(t, "threads", p, "app")

	require.NoError(t, s.SpawnThread(pid))
	err := s.SpawnThread(pid)
	assert.Equal(t, unix.EAGAIN, errdefs.Errno(err))
	s.ExitThread(pid)
	require.NoError(t, s.SpawnThread(pid))
}

func TestOperationsTransmitThrottles(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "bandwidth", func(p *policy.Policy) {
		require.NoError(t, p.AddResourceLimit(resources.NetworkBandwidth, 0, 1000))
	})
	s, pid := h.start(t, "bandwidth", p, "app")
	ctx := context.Background()

	delay, err := s.Transmit(ctx, pid, 1000)
	require.NoError(t, err)
	assert.Zero(t, delay)

	delay, err = s.Transmit(ctx, pid, 50)
	require.NoError(t, err)
	assert.InDelta(t, float64(50*time.Millisecond), float64(delay), float64(5*time.Millisecond))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Transmit(cancelled, pid, 500)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Equal(t, uint64(1550), s.Snapshot().Counters.Bytes)
}

func TestOperationsSubmit(t *testing.T) {
	h := newHarness(t)
	p := h.policy(t, "accelerators", func(p *policy.Policy) {
		require.NoError(t, p.AddPermission(permission.HardwareGPU, permission.Granted))
		require.NoError(t, p.AddResourceLimit(resources.GPUTime, 0, 1000))
		require.NoError(t, p.AddResourceLimit(resources.QuantumTime, 0, 10))
		require.NoError(t, p.AddResourceLimit(resources.Thermal, 0, 85000))
	})
	s, pid := h.start(t, "accelerators", p, "trainer")

	require.NoError(t, s.Submit(pid, resources.GPUTime, 600))
	err := s.Submit(pid, resources.GPUTime, 600)
	assert.Equal(t, unix.EBUSY, errdefs.Errno(err))

	// ai-compute needs the inference permission first.
	err = s.Submit(pid, resources.AICompute, 1)
	assert.True(t, errors.Is(err, errdefs.ErrPermissionDenied))

	require.NoError(t, s.Submit(pid, resources.QuantumTime, 10))
	assert.Error(t, s.Submit(pid, resources.QuantumTime, 1))

	require.NoError(t, s.Submit(pid, resources.Thermal, 70000))
	err = s.Submit(pid, resources.Thermal, 95000)
	assert.True(t, errors.Is(err, errdefs.ErrResourceExhausted))
	assert.Equal(t, StateRunning, s.State())
	require.NoError(t, s.Submit(pid, resources.Thermal, 60000))

	err = s.Submit(pid, resources.Memory, 1)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidLimit))
}

func TestOperationsRequireRunning(t *testing.T) {
	h := newHarness(t)
	s, pid := h.start(t, "paused", h.policy(t, "plain", nil), "app")
	require.NoError(t, s.Suspend(context.Background()))

	err := s.Allocate(pid, 1)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidState))

	// Releases are legal in every state.
	s.Free(pid, 1)
}
