package runtime

import (
	"fmt"

	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// Annotations written into every bundle.
const (
	AnnotationSandboxID = "io.sandboxd.sandbox-id"
	AnnotationLabel     = "io.sandboxd.label"
	AnnotationLevel     = "io.sandboxd.security-level"
)

var namespaceTypes = map[security.NamespaceKind]specs.LinuxNamespaceType{
	security.PIDNamespace:     specs.PIDNamespace,
	security.NetworkNamespace: specs.NetworkNamespace,
	security.MountNamespace:   specs.MountNamespace,
	security.IPCNamespace:     specs.IPCNamespace,
	security.UTSNamespace:     specs.UTSNamespace,
	security.UserNamespace:    specs.UserNamespace,
	security.CgroupNamespace:  specs.CgroupNamespace,
	security.TimeNamespace:    specs.TimeNamespace,
}

// BundleSpec is the input for BuildSpec.
type BundleSpec struct {
	SandboxID  string
	Rootfs     string
	Hostname   string
	Namespaces []security.NamespaceKind
	Mappings   []security.IDMapping
	Context    *security.Context
	// Limits are the enforced resource limits applied by the kernel.
	Limits  []resources.Spec
	Process ProcessSpec
	// ApplyLabel sets the security label as the process SELinux label.
	ApplyLabel bool
}

// BuildSpec produces the OCI runtime spec for the container that backs a
// sandbox.
func BuildSpec(b BundleSpec) (*specs.Spec, error) {
	if b.Rootfs == "" {
		return nil, fmt.Errorf("bundle for %s has no rootfs", b.SandboxID)
	}

	spec := &specs.Spec{
		Version:  specs.Version,
		Root:     &specs.Root{Path: b.Rootfs, Readonly: true},
		Hostname: b.Hostname,
		Mounts:   defaultMounts(),
		Linux: &specs.Linux{
			MaskedPaths:   []string{"/proc/kcore", "/proc/keys", "/proc/timer_list", "/sys/firmware"},
			ReadonlyPaths: []string{"/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger"},
		},
		Annotations: map[string]string{AnnotationSandboxID: b.SandboxID},
	}

	hasUser := false
	kinds := append([]security.NamespaceKind(nil), b.Namespaces...)
	security.SortNamespaceKinds(kinds)
	for _, kind := range kinds {
		t, ok := namespaceTypes[kind]
		if !ok {
			return nil, fmt.Errorf("unsupported namespace kind %q", kind)
		}
		spec.Linux.Namespaces = append(spec.Linux.Namespaces, specs.LinuxNamespace{Type: t})
		if kind == security.UserNamespace {
			hasUser = true
		}
	}

	for _, m := range b.Mappings {
		if m.Kind != security.UserNamespace {
			return nil, fmt.Errorf("id mapping %s: only user namespace mappings are supported", m)
		}
		idm := specs.LinuxIDMapping{ContainerID: m.SandboxStart, HostID: m.HostStart, Size: m.Length}
		spec.Linux.UIDMappings = append(spec.Linux.UIDMappings, idm)
		spec.Linux.GIDMappings = append(spec.Linux.GIDMappings, idm)
	}
	if hasUser && len(spec.Linux.UIDMappings) == 0 {
		return nil, fmt.Errorf("user namespace for %s requires id mappings", b.SandboxID)
	}
	if !hasUser && len(spec.Linux.UIDMappings) > 0 {
		return nil, fmt.Errorf("id mappings for %s require a user namespace", b.SandboxID)
	}

	spec.Process = ProcessForContext(b.Process, b.Context, b.ApplyLabel)
	spec.Linux.Resources, spec.Process.Rlimits = linuxResources(b.Limits)
	if b.Context != nil {
		spec.Annotations[AnnotationLabel] = b.Context.Label().String()
		spec.Annotations[AnnotationLevel] = b.Context.Level().String()
		if f := b.Context.SyscallFilter(); f != nil {
			spec.Linux.Seccomp = f.OCI()
		}
	}
	return spec, nil
}

// ProcessForContext converts ps to an OCI process confined by sc.
func ProcessForContext(ps ProcessSpec, sc *security.Context, applyLabel bool) *specs.Process {
	p := ps.ToOCIProcessSpec()
	if sc == nil {
		return p
	}
	caps := sc.Capabilities().Names()
	p.Capabilities = &specs.LinuxCapabilities{
		Bounding:  caps,
		Effective: caps,
		Permitted: caps,
	}
	p.NoNewPrivileges = sc.NoNewPrivileges()
	if applyLabel && sc.Label().User != "" {
		p.SelinuxLabel = sc.Label().String()
	}
	return p
}

// cpuPeriod is the CFS period cpu-time limits (us/s) are expressed over.
const cpuPeriod = 1_000_000

// linuxResources maps enforced limits onto cgroup settings and rlimits.
// Kinds the kernel cannot express are left to sampling.
func linuxResources(limits []resources.Spec) (*specs.LinuxResources, []specs.POSIXRlimit) {
	var (
		r       specs.LinuxResources
		rlimits []specs.POSIXRlimit
		set     bool
	)
	for _, l := range limits {
		ceiling := l.Hard
		if l.Strict {
			ceiling = l.Soft
		}
		if !l.Enforce || ceiling == 0 {
			continue
		}
		switch l.Kind {
		case resources.Memory:
			limit := int64(ceiling)
			r.Memory = &specs.LinuxMemory{Limit: &limit}
			if l.Soft > 0 && l.Soft < ceiling {
				reservation := int64(l.Soft)
				r.Memory.Reservation = &reservation
			}
			set = true
		case resources.CPUTime:
			quota, period := int64(ceiling), uint64(cpuPeriod)
			r.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period}
			set = true
		case resources.ProcessCount:
			r.Pids = &specs.LinuxPids{Limit: int64(ceiling)}
			set = true
		case resources.FDCount:
			rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_NOFILE", Hard: ceiling, Soft: ceiling})
		}
	}
	if !set {
		return nil, rlimits
	}
	return &r, rlimits
}

func defaultMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777"}},
	}
}
