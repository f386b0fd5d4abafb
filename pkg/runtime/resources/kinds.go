// Package resources tracks per-sandbox resource usage against soft and
// hard limits and decides the enforcement action on breach.
package resources

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

// Kind is a resource that can be limited.
type Kind string

const (
	CPUTime          Kind = "cpu-time"
	Memory           Kind = "memory"
	DiskSpace        Kind = "disk-space"
	DiskIO           Kind = "disk-io"
	NetworkBandwidth Kind = "network-bandwidth"
	FDCount          Kind = "fd-count"
	ProcessCount     Kind = "process-count"
	ThreadCount      Kind = "thread-count"
	GPUTime          Kind = "gpu-time"
	AICompute        Kind = "ai-compute"
	QuantumTime      Kind = "quantum-time"
	Power            Kind = "power"
	Thermal          Kind = "thermal"
)

type kindInfo struct {
	unit      string
	throttled bool
	escalates bool
	denial    error
	errno     unix.Errno
}

var kinds = map[Kind]kindInfo{
	CPUTime:          {unit: "us/s", escalates: true},
	Memory:           {unit: "bytes", escalates: true, denial: errdefs.ErrOutOfMemory, errno: unix.ENOMEM},
	DiskSpace:        {unit: "bytes", denial: errdefs.ErrQuotaExceeded, errno: unix.EDQUOT},
	DiskIO:           {unit: "bytes/s", throttled: true},
	NetworkBandwidth: {unit: "bytes/s", throttled: true},
	FDCount:          {unit: "fds", denial: errdefs.ErrResourceExhausted, errno: unix.EMFILE},
	ProcessCount:     {unit: "processes", denial: errdefs.ErrResourceExhausted, errno: unix.EAGAIN},
	ThreadCount:      {unit: "threads", denial: errdefs.ErrResourceExhausted, errno: unix.EAGAIN},
	GPUTime:          {unit: "us", denial: errdefs.ErrResourceExhausted, errno: unix.EBUSY},
	AICompute:        {unit: "ms", denial: errdefs.ErrResourceExhausted, errno: unix.EBUSY},
	QuantumTime:      {unit: "us", denial: errdefs.ErrResourceExhausted, errno: unix.EBUSY},
	Power:            {unit: "mW", escalates: true, denial: errdefs.ErrResourceExhausted, errno: unix.EBUSY},
	Thermal:          {unit: "mC", escalates: true, denial: errdefs.ErrResourceExhausted, errno: unix.EBUSY},
}

// Kinds lists every resource kind in display order.
func Kinds() []Kind {
	return []Kind{
		CPUTime, Memory, DiskSpace, DiskIO, NetworkBandwidth, FDCount,
		ProcessCount, ThreadCount, GPUTime, AICompute, QuantumTime, Power, Thermal,
	}
}

// ParseKind validates a kind name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("unknown resource kind %q", name)
	}
	return k, nil
}

// Valid reports whether k is known.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Unit names the unit limits of k are expressed in.
func (k Kind) Unit() string {
	return kinds[k].unit
}

// Throttled kinds are enforced by delaying the operation instead of
// denying it.
func (k Kind) Throttled() bool {
	return kinds[k].throttled
}

// Escalates reports whether repeated hard breaches suspend the sandbox.
func (k Kind) Escalates() bool {
	return kinds[k].escalates
}

// DenialError returns the error for an operation denied by a hard limit
// on k. The errno seen by the sandboxed process is attached.
func (k Kind) DenialError() error {
	info, ok := kinds[k]
	if !ok || info.denial == nil {
		return errdefs.WithErrno(fmt.Errorf("%s: %w", k, errdefs.ErrResourceExhausted), unix.EBUSY)
	}
	return errdefs.WithErrno(fmt.Errorf("%s limit reached: %w", k, info.denial), info.errno)
}
