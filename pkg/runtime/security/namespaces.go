package security

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

// NamespaceKind represents the isolation domains a sandbox can own.
type NamespaceKind string

const (
	PIDNamespace     NamespaceKind = "pid"
	NetworkNamespace NamespaceKind = "net"
	MountNamespace   NamespaceKind = "mount"
	IPCNamespace     NamespaceKind = "ipc"
	UTSNamespace     NamespaceKind = "uts"
	UserNamespace    NamespaceKind = "user"
	CgroupNamespace  NamespaceKind = "cgroup"
	TimeNamespace    NamespaceKind = "time"
)

// NamespaceKinds lists every kind in creation order. The user namespace
// comes first so the others are owned by it.
func NamespaceKinds() []NamespaceKind {
	return []NamespaceKind{
		UserNamespace, PIDNamespace, MountNamespace, NetworkNamespace,
		IPCNamespace, UTSNamespace, CgroupNamespace, TimeNamespace,
	}
}

// ParseNamespaceKind accepts the kind names plus "mnt" and "network".
func ParseNamespaceKind(name string) (NamespaceKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pid":
		return PIDNamespace, nil
	case "net", "network":
		return NetworkNamespace, nil
	case "mount", "mnt":
		return MountNamespace, nil
	case "ipc":
		return IPCNamespace, nil
	case "uts":
		return UTSNamespace, nil
	case "user":
		return UserNamespace, nil
	case "cgroup":
		return CgroupNamespace, nil
	case "time":
		return TimeNamespace, nil
	}
	return "", fmt.Errorf("unknown namespace kind %q", name)
}

// SortNamespaceKinds orders kinds by creation order.
func SortNamespaceKinds(kinds []NamespaceKind) {
	rank := make(map[NamespaceKind]int)
	for i, k := range NamespaceKinds() {
		rank[k] = i
	}
	sort.SliceStable(kinds, func(i, j int) bool { return rank[kinds[i]] < rank[kinds[j]] })
}

// IDMapping translates a range of host ids to sandbox-local ids inside one
// namespace kind.
type IDMapping struct {
	Kind         NamespaceKind `json:"kind" yaml:"kind"`
	HostStart    uint32        `json:"host_start" yaml:"host_start"`
	SandboxStart uint32        `json:"sandbox_start" yaml:"sandbox_start"`
	Length       uint32        `json:"length" yaml:"length"`
	ReadOnly     bool          `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

func (m IDMapping) hostEnd() uint64    { return uint64(m.HostStart) + uint64(m.Length) }
func (m IDMapping) sandboxEnd() uint64 { return uint64(m.SandboxStart) + uint64(m.Length) }

func (m IDMapping) String() string {
	return fmt.Sprintf("%s:%d->%d+%d", m.Kind, m.HostStart, m.SandboxStart, m.Length)
}

// Validate checks a single mapping.
func (m IDMapping) Validate() error {
	if _, err := ParseNamespaceKind(string(m.Kind)); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidNamespaceMapping, err)
	}
	if m.Length == 0 {
		return fmt.Errorf("%w: %s has zero length", errdefs.ErrInvalidNamespaceMapping, m)
	}
	if m.hostEnd() > 1<<32 || m.sandboxEnd() > 1<<32 {
		return fmt.Errorf("%w: %s exceeds the 32-bit id space", errdefs.ErrInvalidNamespaceMapping, m)
	}
	return nil
}

// Overlaps reports whether two mappings of the same kind collide on either
// the host side or the sandbox side.
func (m IDMapping) Overlaps(other IDMapping) bool {
	if m.Kind != other.Kind {
		return false
	}
	return m.OverlapsHost(other) ||
		(uint64(m.SandboxStart) < other.sandboxEnd() && uint64(other.SandboxStart) < m.sandboxEnd())
}

// OverlapsHost reports whether the host ranges of two same-kind mappings
// intersect.
func (m IDMapping) OverlapsHost(other IDMapping) bool {
	return m.Kind == other.Kind &&
		uint64(m.HostStart) < other.hostEnd() && uint64(other.HostStart) < m.hostEnd()
}

// TranslateToHost maps a sandbox-local id to its host id.
func (m IDMapping) TranslateToHost(id uint32) (uint32, bool) {
	if uint64(id) < uint64(m.SandboxStart) || uint64(id) >= m.sandboxEnd() {
		return 0, false
	}
	return m.HostStart + (id - m.SandboxStart), true
}

// ValidateMappings rejects invalid or overlapping mappings.
func ValidateMappings(mappings []IDMapping) error {
	for i, m := range mappings {
		if err := m.Validate(); err != nil {
			return err
		}
		for _, other := range mappings[:i] {
			if m.Overlaps(other) {
				return fmt.Errorf("%w: %s overlaps %s", errdefs.ErrInvalidNamespaceMapping, m, other)
			}
		}
	}
	return nil
}

type rangeClaim struct {
	owner   string
	mapping IDMapping
}

// NamespaceRegistry tracks host id ranges claimed by running sandboxes.
// Writable mappings are exclusive; read-only mappings may share a range
// with other read-only claims.
type NamespaceRegistry struct {
	mu     sync.RWMutex
	claims map[NamespaceKind][]rangeClaim
}

// NewNamespaceRegistry creates an empty registry.
func NewNamespaceRegistry() *NamespaceRegistry {
	return &NamespaceRegistry{
		claims: make(map[NamespaceKind][]rangeClaim),
	}
}

// Claim reserves the host range of m for owner. It fails with
// ErrNamespaceAcquisitionFailed when another owner holds a conflicting
// range.
func (r *NamespaceRegistry) Claim(owner string, m IDMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.claims[m.Kind] {
		if c.owner == owner || !c.mapping.OverlapsHost(m) {
			continue
		}
		if c.mapping.ReadOnly && m.ReadOnly {
			continue
		}
		log.Warn().
			Str("sandbox_id", owner).
			Str("conflicting_sandbox", c.owner).
			Str("mapping", m.String()).
			Msg("Host id range already claimed")
		return fmt.Errorf("%w: %s conflicts with a mapping held by sandbox %s",
			errdefs.ErrNamespaceAcquisitionFailed, m, c.owner)
	}

	r.claims[m.Kind] = append(r.claims[m.Kind], rangeClaim{owner: owner, mapping: m})
	return nil
}

// Release drops one claim made by owner.
func (r *NamespaceRegistry) Release(owner string, m IDMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claims := r.claims[m.Kind]
	for i, c := range claims {
		if c.owner == owner && c.mapping == m {
			r.claims[m.Kind] = append(claims[:i], claims[i+1:]...)
			return
		}
	}
}

// ReleaseAll drops every claim made by owner.
func (r *NamespaceRegistry) ReleaseAll(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, claims := range r.claims {
		kept := claims[:0]
		for _, c := range claims {
			if c.owner != owner {
				kept = append(kept, c)
			}
		}
		r.claims[kind] = kept
	}
}

// Claims returns the mappings currently held by owner.
func (r *NamespaceRegistry) Claims(owner string) []IDMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []IDMapping
	for _, kind := range NamespaceKinds() {
		for _, c := range r.claims[kind] {
			if c.owner == owner {
				out = append(out, c.mapping)
			}
		}
	}
	return out
}
