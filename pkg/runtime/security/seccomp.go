package security

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	seccomp "github.com/elastic/go-seccomp-bpf"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/net/bpf"
)

// FilterAction is what a syscall filter does with a matching syscall.
type FilterAction string

const (
	FilterAllow       FilterAction = "allow"
	FilterErrno       FilterAction = "errno"
	FilterKillProcess FilterAction = "kill"
	FilterLog         FilterAction = "log"
	FilterTrap        FilterAction = "trap"
)

func (a FilterAction) seccomp() (seccomp.Action, error) {
	switch a {
	case FilterAllow:
		return seccomp.ActionAllow, nil
	case FilterErrno, "":
		return seccomp.ActionErrno, nil
	case FilterKillProcess:
		return seccomp.ActionKillProcess, nil
	case FilterLog:
		return seccomp.ActionLog, nil
	case FilterTrap:
		return seccomp.ActionTrap, nil
	}
	return 0, fmt.Errorf("unknown filter action %q", a)
}

func (a FilterAction) oci() specs.LinuxSeccompAction {
	switch a {
	case FilterAllow:
		return specs.ActAllow
	case FilterKillProcess:
		return specs.ActKillProcess
	case FilterLog:
		return specs.ActLog
	case FilterTrap:
		return specs.ActTrap
	default:
		return specs.ActErrno
	}
}

// blockedSyscalls are denied by DefaultSyscallFilter. Every name exists on
// both amd64 and arm64.
var blockedSyscalls = []string{
	"acct", "add_key", "bpf", "clock_settime", "delete_module",
	"finit_module", "init_module", "kexec_load", "keyctl", "mount",
	"open_by_handle_at", "perf_event_open", "pivot_root", "ptrace",
	"reboot", "request_key", "setns", "settimeofday", "swapoff",
	"swapon", "umount2", "unshare", "userfaultfd",
}

// SyscallFilter describes the filter installed for every process of a
// sandbox. Syscalls listed in Deny take the deny action, syscalls in Allow
// are allowed, everything else takes DefaultAction.
type SyscallFilter struct {
	DefaultAction FilterAction `json:"default_action" yaml:"default_action"`
	DenyAction    FilterAction `json:"deny_action,omitempty" yaml:"deny_action,omitempty"`
	Allow         []string     `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny          []string     `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// DefaultSyscallFilter allows everything except host-management syscalls,
// which fail with EPERM.
func DefaultSyscallFilter() *SyscallFilter {
	return &SyscallFilter{
		DefaultAction: FilterAllow,
		DenyAction:    FilterErrno,
		Deny:          append([]string(nil), blockedSyscalls...),
	}
}

// Validate checks actions and syscall lists.
func (f *SyscallFilter) Validate() error {
	if _, err := f.DefaultAction.seccomp(); err != nil {
		return err
	}
	if _, err := f.denyAction().seccomp(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, name := range append(append([]string(nil), f.Allow...), f.Deny...) {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("empty syscall name in filter")
		}
		if seen[name] {
			return fmt.Errorf("syscall %q listed twice in filter", name)
		}
		seen[name] = true
	}
	return nil
}

func (f *SyscallFilter) denyAction() FilterAction {
	if f.DenyAction == "" {
		return FilterErrno
	}
	return f.DenyAction
}

func (f *SyscallFilter) policy() (*seccomp.Policy, error) {
	def, err := f.DefaultAction.seccomp()
	if err != nil {
		return nil, err
	}
	deny, err := f.denyAction().seccomp()
	if err != nil {
		return nil, err
	}

	p := &seccomp.Policy{DefaultAction: def}
	if len(f.Deny) > 0 {
		p.Syscalls = append(p.Syscalls, seccomp.SyscallGroup{Names: sorted(f.Deny), Action: deny})
	}
	if len(f.Allow) > 0 {
		p.Syscalls = append(p.Syscalls, seccomp.SyscallGroup{Names: sorted(f.Allow), Action: seccomp.ActionAllow})
	}
	return p, nil
}

// Compile assembles the filter into a classic BPF program for the native
// architecture, encoded as consecutive sock_filter structs.
func (f *SyscallFilter) Compile() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p, err := f.policy()
	if err != nil {
		return nil, err
	}

	insts, err := p.Assemble()
	if err != nil {
		return nil, fmt.Errorf("failed to assemble syscall filter: %w", err)
	}
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode syscall filter: %w", err)
	}

	program := make([]byte, 0, len(raw)*8)
	for _, ins := range raw {
		var buf [8]byte
		binary.LittleEndian.PutUint16(buf[0:2], ins.Op)
		buf[2] = ins.Jt
		buf[3] = ins.Jf
		binary.LittleEndian.PutUint32(buf[4:8], ins.K)
		program = append(program, buf[:]...)
	}
	return program, nil
}

// OCI converts the filter into the runtime-spec representation.
func (f *SyscallFilter) OCI() *specs.LinuxSeccomp {
	out := &specs.LinuxSeccomp{DefaultAction: f.DefaultAction.oci()}
	if len(f.Deny) > 0 {
		out.Syscalls = append(out.Syscalls, specs.LinuxSyscall{
			Names:  sorted(f.Deny),
			Action: f.denyAction().oci(),
		})
	}
	if len(f.Allow) > 0 {
		out.Syscalls = append(out.Syscalls, specs.LinuxSyscall{
			Names:  sorted(f.Allow),
			Action: specs.ActAllow,
		})
	}
	return out
}

// Clone returns a deep copy.
func (f *SyscallFilter) Clone() *SyscallFilter {
	if f == nil {
		return nil
	}
	return &SyscallFilter{
		DefaultAction: f.DefaultAction,
		DenyAction:    f.DenyAction,
		Allow:         append([]string(nil), f.Allow...),
		Deny:          append([]string(nil), f.Deny...),
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
