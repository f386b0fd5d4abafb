package sandbox

import (
	"context"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
)

// The helpers below stand in for the operations a sandboxed process
// performs. Each mediates the permission the operation needs, accounts the
// resources it consumes and returns an error carrying the errno the
// process observes.

// Access is the direction of a filesystem operation.
type Access uint8

const (
	Read Access = iota
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// FilePermission returns the permission guarding access to target.
func FilePermission(target string, access Access) permission.ID {
	clean := path.Clean("/" + target)
	under := func(prefixes ...string) bool {
		for _, p := range prefixes {
			if clean == p || strings.HasPrefix(clean, p+"/") {
				return true
			}
		}
		return false
	}
	switch {
	case under("/tmp", "/var/tmp", "/dev/shm"):
		return permission.FilesystemTemp
	case under("/media", "/mnt", "/run/media"):
		return permission.FilesystemRemovableMedia
	case under("/home", "/root"):
		if access == Write {
			return permission.FilesystemHomeWrite
		}
		return permission.FilesystemHomeRead
	case access == Write:
		return permission.FilesystemStorageWrite
	default:
		return permission.FilesystemStorageRead
	}
}

// NetworkPermission returns the permission guarding a connection to
// address (host or host:port). Loopback, private and link-local targets
// are local.
func NetworkPermission(address string) permission.ID {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	if host == "localhost" {
		return permission.NetworkLocal
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return permission.NetworkLocal
	}
	return permission.NetworkInternet
}

var submissionPermissions = map[resources.Kind]permission.ID{
	resources.GPUTime:   permission.HardwareGPU,
	resources.AICompute: permission.AIModelInference,
}

// owns fails when pid is set and not a process of the sandbox.
func (s *Sandbox) owns(pid int) error {
	if pid == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[pid]; !ok {
		return fmt.Errorf("%w: pid %d is not in sandbox %s", errdefs.ErrNotFound, pid, s.name)
	}
	return nil
}

func (s *Sandbox) mediate(pid int, id permission.ID, target string) error {
	if err := s.owns(pid); err != nil {
		return err
	}
	d, err := s.Check(CheckRequest{Permission: id, Path: target, PID: pid})
	if err != nil {
		return err
	}
	if d != permission.Allow {
		return denied(id, d)
	}
	return nil
}

// charge applies a synchronous counter update and its enforcement.
func (s *Sandbox) charge(pid int, update func(*resources.Table) resources.Outcome) (resources.Outcome, error) {
	var after deferred
	s.mu.Lock()
	if s.lc.state != StateRunning {
		state := s.lc.state
		s.mu.Unlock()
		return resources.Outcome{}, invalidState("account in", s.name, state)
	}
	out := update(s.limits)
	err := s.applyOutcomeLocked(out, pid, &after)
	s.mu.Unlock()
	after.run()
	return out, err
}

// release returns resources. It never fails and is legal in every state.
func (s *Sandbox) release(pid int, kind resources.Kind, amount uint64) {
	var after deferred
	s.mu.Lock()
	s.applyOutcomeLocked(s.limits.Release(kind, amount), pid, &after)
	s.mu.Unlock()
	after.run()
}

// OpenFile mediates opening target and charges one file descriptor.
func (s *Sandbox) OpenFile(pid int, target string, access Access) error {
	if err := s.mediate(pid, FilePermission(target, access), target); err != nil {
		return err
	}
	_, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
		return t.Charge(resources.FDCount, 1)
	})
	return err
}

// CloseFile returns one file descriptor.
func (s *Sandbox) CloseFile(pid int) {
	s.release(pid, resources.FDCount, 1)
}

// Connect mediates a connection to address and charges the socket
// descriptor.
func (s *Sandbox) Connect(pid int, address string) error {
	if err := s.mediate(pid, NetworkPermission(address), ""); err != nil {
		return err
	}
	_, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
		out := t.Charge(resources.FDCount, 1)
		if out.Err == nil {
			t.AddConnections(1)
		}
		return out
	})
	return err
}

// Disconnect closes a connection opened by Connect.
func (s *Sandbox) Disconnect(pid int) {
	var after deferred
	s.mu.Lock()
	s.limits.AddConnections(-1)
	s.applyOutcomeLocked(s.limits.Release(resources.FDCount, 1), pid, &after)
	s.mu.Unlock()
	after.run()
}

// Allocate charges n bytes of memory. A hard limit breach denies the
// allocation with OutOfMemory; repeated breaches suspend the sandbox.
func (s *Sandbox) Allocate(pid int, n uint64) error {
	if err := s.owns(pid); err != nil {
		return err
	}
	_, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
		return t.Charge(resources.Memory, n)
	})
	return err
}

// Free returns n bytes of memory.
func (s *Sandbox) Free(pid int, n uint64) {
	s.release(pid, resources.Memory, n)
}

// WriteDisk mediates a write of n bytes to target, charges the disk quota
// and throttles disk bandwidth. It returns the delay that was inserted.
func (s *Sandbox) WriteDisk(ctx context.Context, pid int, target string, n uint64) (time.Duration, error) {
	if err := s.mediate(pid, FilePermission(target, Write), target); err != nil {
		return 0, err
	}
	if _, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
		return t.Charge(resources.DiskSpace, n)
	}); err != nil {
		return 0, err
	}
	return s.throttle(ctx, pid, resources.DiskIO, n)
}

// ReadDisk mediates a read of n bytes from target and throttles disk
// bandwidth.
func (s *Sandbox) ReadDisk(ctx context.Context, pid int, target string, n uint64) (time.Duration, error) {
	if err := s.mediate(pid, FilePermission(target, Read), target); err != nil {
		return 0, err
	}
	return s.throttle(ctx, pid, resources.DiskIO, n)
}

// RemoveFile returns n bytes of disk quota.
func (s *Sandbox) RemoveFile(pid int, n uint64) {
	s.release(pid, resources.DiskSpace, n)
}

// Transmit throttles n bytes of network traffic on an open connection.
func (s *Sandbox) Transmit(ctx context.Context, pid int, n uint64) (time.Duration, error) {
	if err := s.owns(pid); err != nil {
		return 0, err
	}
	return s.throttle(ctx, pid, resources.NetworkBandwidth, n)
}

func (s *Sandbox) throttle(ctx context.Context, pid int, kind resources.Kind, n uint64) (time.Duration, error) {
	out, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
		return t.Throttle(kind, n, s.now())
	})
	if err != nil {
		return 0, err
	}
	if out.Delay > 0 {
		s.log.Debug().
			Str("resource", string(kind)).
			Uint64("bytes", n).
			Dur("delay", out.Delay).
			Msg("Throttling transfer")
	}
	return out.Delay, sleep(ctx, out.Delay)
}

// SpawnThread charges one thread of pid.
func (s *Sandbox) SpawnThread(pid int) error {
	if err := s.owns(pid); err != nil {
		return err
	}
	_, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
		return t.Charge(resources.ThreadCount, 1)
	})
	return err
}

// ExitThread returns one thread.
func (s *Sandbox) ExitThread(pid int) {
	s.release(pid, resources.ThreadCount, 1)
}

// Submit accounts a workload submission. gpu-time, ai-compute and
// quantum-time amounts are charged against cumulative budgets. power and
// thermal amounts are readings taken at submission; a reading above the
// hard limit denies the submission and repeated breaches suspend the
// sandbox.
func (s *Sandbox) Submit(pid int, kind resources.Kind, amount uint64) error {
	switch kind {
	case resources.GPUTime, resources.AICompute, resources.QuantumTime:
		if id, ok := submissionPermissions[kind]; ok {
			if err := s.mediate(pid, id, ""); err != nil {
				return err
			}
		} else if err := s.owns(pid); err != nil {
			return err
		}
		_, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
			return t.Charge(kind, amount)
		})
		return err
	case resources.Power, resources.Thermal:
		if err := s.owns(pid); err != nil {
			return err
		}
		breached := false
		_, err := s.charge(pid, func(t *resources.Table) resources.Outcome {
			out := t.Observe(kind, amount)
			if l, ok := t.Limit(kind); ok && l.Breaches() > 0 {
				breached = true
			}
			return out
		})
		if err != nil {
			return err
		}
		if breached {
			return kind.DenialError()
		}
		return nil
	}
	return fmt.Errorf("%w: %s is not a submission resource", errdefs.ErrInvalidLimit, kind)
}
