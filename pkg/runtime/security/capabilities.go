package security

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Capability represents a Linux capability
type Capability string

// Standard Linux capabilities
const (
	// File system capabilities
	CapChown         Capability = "CAP_CHOWN"
	CapDACOverride   Capability = "CAP_DAC_OVERRIDE"
	CapDACReadSearch Capability = "CAP_DAC_READ_SEARCH"
	CapFowner        Capability = "CAP_FOWNER"
	CapFsetid        Capability = "CAP_FSETID"

	// Process capabilities
	CapKill    Capability = "CAP_KILL"
	CapSetgid  Capability = "CAP_SETGID"
	CapSetuid  Capability = "CAP_SETUID"
	CapSetpcap Capability = "CAP_SETPCAP"

	// Network capabilities
	CapNetBindService Capability = "CAP_NET_BIND_SERVICE"
	CapNetBroadcast   Capability = "CAP_NET_BROADCAST"
	CapNetAdmin       Capability = "CAP_NET_ADMIN"
	CapNetRaw         Capability = "CAP_NET_RAW"

	// IPC capabilities
	CapIPCLock  Capability = "CAP_IPC_LOCK"
	CapIPCOwner Capability = "CAP_IPC_OWNER"

	// System capabilities
	CapSysModule    Capability = "CAP_SYS_MODULE"
	CapSysRawio     Capability = "CAP_SYS_RAWIO"
	CapSysChroot    Capability = "CAP_SYS_CHROOT"
	CapSysPtrace    Capability = "CAP_SYS_PTRACE"
	CapSysPacct     Capability = "CAP_SYS_PACCT"
	CapSysAdmin     Capability = "CAP_SYS_ADMIN"
	CapSysBoot      Capability = "CAP_SYS_BOOT"
	CapSysNice      Capability = "CAP_SYS_NICE"
	CapSysResource  Capability = "CAP_SYS_RESOURCE"
	CapSysTime      Capability = "CAP_SYS_TIME"
	CapSysTTYConfig Capability = "CAP_SYS_TTY_CONFIG"

	// Additional capabilities
	CapMknod             Capability = "CAP_MKNOD"
	CapLease             Capability = "CAP_LEASE"
	CapAuditWrite        Capability = "CAP_AUDIT_WRITE"
	CapAuditControl      Capability = "CAP_AUDIT_CONTROL"
	CapSetfcap           Capability = "CAP_SETFCAP"
	CapMACOverride       Capability = "CAP_MAC_OVERRIDE"
	CapMACAdmin          Capability = "CAP_MAC_ADMIN"
	CapSyslog            Capability = "CAP_SYSLOG"
	CapWakeAlarm         Capability = "CAP_WAKE_ALARM"
	CapBlockSuspend      Capability = "CAP_BLOCK_SUSPEND"
	CapLinuxImmutable    Capability = "CAP_LINUX_IMMUTABLE"
	CapAuditRead         Capability = "CAP_AUDIT_READ"
	CapPerfmon           Capability = "CAP_PERFMON"
	CapBPF               Capability = "CAP_BPF"
	CapCheckpointRestore Capability = "CAP_CHECKPOINT_RESTORE"
)

// Kernel bit numbers from linux/capability.h.
var capabilityBits = map[Capability]uint{
	CapChown:             0,
	CapDACOverride:       1,
	CapDACReadSearch:     2,
	CapFowner:            3,
	CapFsetid:            4,
	CapKill:              5,
	CapSetgid:            6,
	CapSetuid:            7,
	CapSetpcap:           8,
	CapLinuxImmutable:    9,
	CapNetBindService:    10,
	CapNetBroadcast:      11,
	CapNetAdmin:          12,
	CapNetRaw:            13,
	CapIPCLock:           14,
	CapIPCOwner:          15,
	CapSysModule:         16,
	CapSysRawio:          17,
	CapSysChroot:         18,
	CapSysPtrace:         19,
	CapSysPacct:          20,
	CapSysAdmin:          21,
	CapSysBoot:           22,
	CapSysNice:           23,
	CapSysResource:       24,
	CapSysTime:           25,
	CapSysTTYConfig:      26,
	CapMknod:             27,
	CapLease:             28,
	CapAuditWrite:        29,
	CapAuditControl:      30,
	CapSetfcap:           31,
	CapMACOverride:       32,
	CapMACAdmin:          33,
	CapSyslog:            34,
	CapWakeAlarm:         35,
	CapBlockSuspend:      36,
	CapAuditRead:         37,
	CapPerfmon:           38,
	CapBPF:               39,
	CapCheckpointRestore: 40,
}

var capabilitiesByBit = func() map[uint]Capability {
	m := make(map[uint]Capability, len(capabilityBits))
	for c, b := range capabilityBits {
		m[b] = c
	}
	return m
}()

// highRiskCapabilities are logged whenever a context keeps them.
var highRiskCapabilities = map[Capability]bool{
	CapSysAdmin:    true,
	CapSysModule:   true,
	CapSysRawio:    true,
	CapSysPtrace:   true,
	CapSysBoot:     true,
	CapNetAdmin:    true,
	CapNetRaw:      true,
	CapDACOverride: true,
	CapSetfcap:     true,
	CapBPF:         true,
	CapMACAdmin:    true,
}

// ParseCapability accepts "CAP_NET_RAW", "net_raw" and "NET_RAW".
func ParseCapability(name string) (Capability, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(upper, "CAP_") {
		upper = "CAP_" + upper
	}
	c := Capability(upper)
	if _, ok := capabilityBits[c]; !ok {
		return "", fmt.Errorf("unknown capability %q", name)
	}
	return c, nil
}

// Bit returns the kernel bit number of c.
func (c Capability) Bit() (uint, bool) {
	b, ok := capabilityBits[c]
	return b, ok
}

// IsHighRisk reports whether c effectively grants host control.
func (c Capability) IsHighRisk() bool {
	return highRiskCapabilities[c]
}

// CapabilityMask is a bitmask of capabilities kept by a sandbox. Bits not
// in the mask are dropped from every set before a sandboxed process runs.
type CapabilityMask uint64

// MaskOf builds a mask from capabilities.
func MaskOf(caps ...Capability) (CapabilityMask, error) {
	var m CapabilityMask
	for _, c := range caps {
		b, ok := capabilityBits[c]
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", c)
		}
		m |= 1 << b
	}
	return m, nil
}

func mustMask(caps ...Capability) CapabilityMask {
	m, err := MaskOf(caps...)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMask builds a mask from capability names.
func ParseMask(names []string) (CapabilityMask, error) {
	var m CapabilityMask
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return 0, err
		}
		m = m.With(c)
	}
	return m, nil
}

// Has reports whether c is kept.
func (m CapabilityMask) Has(c Capability) bool {
	b, ok := capabilityBits[c]
	return ok && m&(1<<b) != 0
}

// With returns m with c added.
func (m CapabilityMask) With(c Capability) CapabilityMask {
	if b, ok := capabilityBits[c]; ok {
		return m | 1<<b
	}
	return m
}

// Without returns m with c dropped.
func (m CapabilityMask) Without(c Capability) CapabilityMask {
	if b, ok := capabilityBits[c]; ok {
		return m &^ (1 << b)
	}
	return m
}

// Intersect keeps only capabilities present in both masks.
func (m CapabilityMask) Intersect(other CapabilityMask) CapabilityMask {
	return m & other
}

// Count returns the number of capabilities kept.
func (m CapabilityMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Capabilities lists the kept capabilities in bit order.
func (m CapabilityMask) Capabilities() []Capability {
	var caps []Capability
	for b := uint(0); b < 64; b++ {
		if m&(1<<b) == 0 {
			continue
		}
		if c, ok := capabilitiesByBit[b]; ok {
			caps = append(caps, c)
		}
	}
	return caps
}

// Names lists the kept capability names in bit order.
func (m CapabilityMask) Names() []string {
	caps := m.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return names
}

// HighRisk lists kept capabilities that grant host control, sorted.
func (m CapabilityMask) HighRisk() []Capability {
	var risky []Capability
	for _, c := range m.Capabilities() {
		if c.IsHighRisk() {
			risky = append(risky, c)
		}
	}
	sort.Slice(risky, func(i, j int) bool { return risky[i] < risky[j] })
	return risky
}

// FullMask keeps every known capability.
func FullMask() CapabilityMask {
	var m CapabilityMask
	for _, b := range capabilityBits {
		m |= 1 << b
	}
	return m
}

// DefaultCapabilities returns the capability preset for a level. Each level
// keeps a subset of the level below it.
func DefaultCapabilities(level Level) CapabilityMask {
	switch level {
	case LevelNone, LevelBasic:
		return mustMask(
			CapChown, CapDACOverride, CapFowner, CapFsetid, CapKill,
			CapSetgid, CapSetuid, CapSetpcap, CapNetBindService, CapNetRaw,
			CapSysChroot, CapMknod, CapAuditWrite, CapSetfcap,
		)
	case LevelStandard:
		return mustMask(
			CapChown, CapFowner, CapFsetid, CapKill, CapSetgid, CapSetuid,
			CapNetBindService, CapSysChroot, CapAuditWrite,
		)
	case LevelEnhanced:
		return mustMask(CapChown, CapFowner, CapKill, CapSetgid, CapSetuid, CapNetBindService)
	case LevelStrict:
		return mustMask(CapKill, CapNetBindService)
	default:
		return 0
	}
}
