// Package policy models sandbox policies: the permissions, resource limits,
// namespace isolation and security context a class of sandbox is held to.
// A policy is mutable while it is being authored and immutable once frozen;
// the manager freezes it when the first sandbox binds to it.
package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// SandboxType tags the class of sandbox a policy is written for.
type SandboxType string

const (
	TypeBasic      SandboxType = "basic"
	TypeStandard   SandboxType = "standard"
	TypeStrict     SandboxType = "strict"
	TypeEnterprise SandboxType = "enterprise"
	TypeDeveloper  SandboxType = "developer"
	TypeAI         SandboxType = "ai"
	TypeCustom     SandboxType = "custom"
)

// SandboxTypes lists every type.
func SandboxTypes() []SandboxType {
	return []SandboxType{TypeBasic, TypeStandard, TypeStrict, TypeEnterprise, TypeDeveloper, TypeAI, TypeCustom}
}

// ParseSandboxType validates a type name.
func ParseSandboxType(name string) (SandboxType, error) {
	for _, t := range SandboxTypes() {
		if string(t) == strings.ToLower(name) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown sandbox type %q", name)
}

// Features are optional capability flags. They carry no behaviour beyond
// being recorded and reported.
type Features struct {
	Audit                 bool `json:"audit" yaml:"audit"`
	AIAnomalyDetection    bool `json:"ai_anomaly_detection" yaml:"ai_anomaly_detection"`
	QuantumCrypto         bool `json:"quantum_crypto" yaml:"quantum_crypto"`
	HomomorphicEncryption bool `json:"homomorphic_encryption" yaml:"homomorphic_encryption"`
}

// Entry is the configured state of one permission.
type Entry struct {
	Permission    permission.ID    `json:"permission"`
	State         permission.State `json:"state"`
	GrantedAt     time.Time        `json:"granted_at"`
	Expiry        time.Time        `json:"expiry,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	AuditRequired bool             `json:"audit_required,omitempty"`
	Condition     *Condition       `json:"condition,omitempty"`
}

// Expired reports whether the entry has an expiry at or before now.
func (e Entry) Expired(now time.Time) bool {
	return !e.Expiry.IsZero() && !now.Before(e.Expiry)
}

func (e Entry) validate() error {
	if !e.Permission.Valid() {
		return fmt.Errorf("%s: %w", e.Permission, errdefs.ErrUnknownPermission)
	}
	if !e.State.IsValid() {
		return fmt.Errorf("%w: invalid state for %s", errdefs.ErrPolicyRejected, e.Permission)
	}
	if !e.Expiry.IsZero() && !e.Expiry.After(e.GrantedAt) {
		return fmt.Errorf("%w: %s expires before it is granted", errdefs.ErrPolicyRejected, e.Permission)
	}
	if e.State == permission.Conditional {
		if err := e.Condition.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", errdefs.ErrPolicyRejected, e.Permission, err)
		}
	}
	return nil
}

// NewEntry builds and validates an entry granted at the given time. It is
// used for policy entries and for per-sandbox overlay grants.
func NewEntry(id permission.ID, state permission.State, grantedAt time.Time, opts ...EntryOption) (Entry, error) {
	e := Entry{Permission: id, State: state, GrantedAt: grantedAt}
	for _, opt := range opts {
		opt(&e)
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (e Entry) clone() Entry {
	e.Condition = e.Condition.clone()
	return e
}

// EntryOption configures a permission entry.
type EntryOption func(*Entry)

// WithExpiry sets when the entry stops granting.
func WithExpiry(t time.Time) EntryOption {
	return func(e *Entry) { e.Expiry = t }
}

// WithReason records a human readable reason.
func WithReason(reason string) EntryOption {
	return func(e *Entry) { e.Reason = reason }
}

// WithAudit marks every use of the permission for auditing.
func WithAudit() EntryOption {
	return func(e *Entry) { e.AuditRequired = true }
}

// WithCondition attaches the predicate evaluated for Conditional entries.
func WithCondition(c *Condition) EntryOption {
	return func(e *Entry) { e.Condition = c.clone() }
}

// WithGrantedAt overrides the grant timestamp.
func WithGrantedAt(t time.Time) EntryOption {
	return func(e *Entry) { e.GrantedAt = t }
}

// LimitOption configures a resource limit.
type LimitOption func(*resources.Spec)

// WithoutEnforcement makes the limit report-only.
func WithoutEnforcement() LimitOption {
	return func(s *resources.Spec) { s.Enforce = false }
}

// WithEnforcement forces enforcement regardless of the policy default.
func WithEnforcement() LimitOption {
	return func(s *resources.Spec) { s.Enforce = true }
}

// Strict treats a soft limit breach as a hard one.
func Strict() LimitOption {
	return func(s *resources.Spec) { s.Strict = true }
}

// WithWarningThreshold sets the fraction of the soft limit at which the
// approach warning fires.
func WithWarningThreshold(f float64) LimitOption {
	return func(s *resources.Spec) { s.WarningThreshold = f }
}

// WithoutWarning disables the approach warning.
func WithoutWarning() LimitOption {
	return func(s *resources.Spec) { s.WarnOnApproach = false }
}

// Policy is the declarative description a sandbox enforces.
type Policy struct {
	mu sync.RWMutex

	id          string
	name        string
	description string
	sandboxType SandboxType
	level       security.Level
	createdAt   time.Time

	permissions map[permission.ID]*Entry
	limits      map[resources.Kind]resources.Spec
	namespaces  map[security.NamespaceKind]bool
	mappings    []security.IDMapping
	context     *security.Context

	defaultDeny          bool
	requireExplicitGrant bool
	userConfigurable     bool
	enterpriseManaged    bool
	autoStop             bool
	features             Features

	frozen           bool
	floor            security.Level
	enforceByDefault bool
	now              func() time.Time
}

// Option configures New.
type Option func(*Policy)

// WithID fixes the policy id.
func WithID(id string) Option {
	return func(p *Policy) { p.id = id }
}

// WithClock replaces time.Now for grant timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithLevelFloor rejects security levels below floor.
func WithLevelFloor(floor security.Level) Option {
	return func(p *Policy) { p.floor = floor }
}

// WithEnforceByDefault sets the enforce flag of new resource limits.
func WithEnforceByDefault(enforce bool) Option {
	return func(p *Policy) { p.enforceByDefault = enforce }
}

// New creates an empty policy with default-deny and explicit grants
// required, at security level Standard or the configured floor.
func New(name string, t SandboxType, opts ...Option) (*Policy, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: policy name is empty", errdefs.ErrPolicyRejected)
	}
	if _, err := ParseSandboxType(string(t)); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}

	p := &Policy{
		id:                   uuid.New().String(),
		name:                 name,
		sandboxType:          t,
		level:                security.LevelStandard,
		permissions:          make(map[permission.ID]*Entry),
		limits:               make(map[resources.Kind]resources.Spec),
		namespaces:           make(map[security.NamespaceKind]bool),
		defaultDeny:          true,
		requireExplicitGrant: true,
		autoStop:             true,
		enforceByDefault:     true,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.level < p.floor {
		p.level = p.floor
	}
	p.createdAt = p.now()
	return p, nil
}

func (p *Policy) mutable() error {
	if p.frozen {
		return fmt.Errorf("policy %s: %w", p.name, errdefs.ErrPolicyFrozen)
	}
	return nil
}

// AddPermission adds an entry for id.
func (p *Policy) AddPermission(id permission.ID, state permission.State, opts ...EntryOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mutable(); err != nil {
		return err
	}
	e, err := NewEntry(id, state, p.now(), opts...)
	if err != nil {
		return err
	}
	if _, exists := p.permissions[id]; exists {
		return fmt.Errorf("%s in policy %s: %w", id, p.name, errdefs.ErrDuplicatePermission)
	}
	p.permissions[id] = &e
	return nil
}

// AddResourceLimit adds a limit for kind. A zero soft limit means the
// same as hard.
func (p *Policy) AddResourceLimit(kind resources.Kind, soft, hard uint64, opts ...LimitOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mutable(); err != nil {
		return err
	}
	if soft == 0 {
		soft = hard
	}
	s := resources.Spec{
		Kind:             kind,
		Soft:             soft,
		Hard:             hard,
		Enforce:          p.enforceByDefault,
		WarnOnApproach:   true,
		WarningThreshold: resources.DefaultWarningThreshold,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if _, exists := p.limits[kind]; exists {
		return fmt.Errorf("%s in policy %s: %w", kind, p.name, errdefs.ErrDuplicateResource)
	}
	p.limits[kind] = s
	return nil
}

// EnableNamespace asks for a namespace of kind at sandbox start.
func (p *Policy) EnableNamespace(kind security.NamespaceKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mutable(); err != nil {
		return err
	}
	k, err := security.ParseNamespaceKind(string(kind))
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidNamespaceMapping, err)
	}
	p.namespaces[k] = true
	return nil
}

// AddNamespaceMapping adds an id mapping and enables its namespace kind.
func (p *Policy) AddNamespaceMapping(m security.IDMapping) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mutable(); err != nil {
		return err
	}
	if err := security.ValidateMappings(append(append([]security.IDMapping(nil), p.mappings...), m)); err != nil {
		return err
	}
	p.mappings = append(p.mappings, m)
	p.namespaces[m.Kind] = true
	return nil
}

// SetSecurityLevel overwrites the required level. Levels below the floor
// are rejected.
func (p *Policy) SetSecurityLevel(level security.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mutable(); err != nil {
		return err
	}
	if !level.IsValid() {
		return fmt.Errorf("%w: invalid security level %d", errdefs.ErrPolicyRejected, uint8(level))
	}
	if level < p.floor {
		return fmt.Errorf("%w: security level %s is below the system default %s",
			errdefs.ErrPolicyRejected, level, p.floor)
	}
	p.level = level
	return nil
}

// SetSecurityContext references the context attached at sandbox start.
func (p *Policy) SetSecurityContext(c *security.Context) error {
	return p.set(func() { p.context = c })
}

// SetDescription sets the free-form description.
func (p *Policy) SetDescription(d string) error {
	return p.set(func() { p.description = d })
}

// SetAutoStop controls whether a sandbox stops when its last process exits.
func (p *Policy) SetAutoStop(enabled bool) error {
	return p.set(func() { p.autoStop = enabled })
}

// SetFeatures records the optional feature flags.
func (p *Policy) SetFeatures(f Features) error {
	return p.set(func() { p.features = f })
}

// SetUserConfigurable marks the policy as editable by users.
func (p *Policy) SetUserConfigurable(v bool) error {
	return p.set(func() { p.userConfigurable = v })
}

// SetEnterpriseManaged marks the policy as owned by device management.
func (p *Policy) SetEnterpriseManaged(v bool) error {
	return p.set(func() { p.enterpriseManaged = v })
}

// SetDefaultDeny decides permissions without an entry.
func (p *Policy) SetDefaultDeny(v bool) error {
	return p.set(func() { p.defaultDeny = v })
}

// SetRequireExplicitGrant records whether grants must be explicit.
func (p *Policy) SetRequireExplicitGrant(v bool) error {
	return p.set(func() { p.requireExplicitGrant = v })
}

func (p *Policy) set(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mutable(); err != nil {
		return err
	}
	fn()
	return nil
}

// Validate checks cross-field invariants before registration.
func (p *Policy) Validate() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.level < p.floor {
		return fmt.Errorf("%w: security level %s is below the system default %s", errdefs.ErrPolicyRejected, p.level, p.floor)
	}
	if p.context != nil && p.context.Level() < p.level {
		return fmt.Errorf("%w: security context %s level %s is below the policy level %s",
			errdefs.ErrPolicyRejected, p.context.Name(), p.context.Level(), p.level)
	}
	return security.ValidateMappings(p.mappings)
}

// Freeze makes the policy immutable. Freezing twice is harmless.
func (p *Policy) Freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

// Frozen reports whether the policy is immutable.
func (p *Policy) Frozen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frozen
}

// Floor returns the lowest level the policy accepts.
func (p *Policy) Floor() security.Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.floor
}

// Derive copies the policy under a new name and id. The copy is mutable
// and keeps the floor and clock of p.
func (p *Policy) Derive(name string) (*Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	d, err := New(name, p.sandboxType, WithClock(p.now), WithLevelFloor(p.floor), WithEnforceByDefault(p.enforceByDefault))
	if err != nil {
		return nil, err
	}
	d.description = p.description
	d.level = p.level
	for id, e := range p.permissions {
		c := e.clone()
		d.permissions[id] = &c
	}
	for k, s := range p.limits {
		d.limits[k] = s
	}
	for k := range p.namespaces {
		d.namespaces[k] = true
	}
	d.mappings = append(d.mappings, p.mappings...)
	d.context = p.context
	d.defaultDeny = p.defaultDeny
	d.requireExplicitGrant = p.requireExplicitGrant
	d.userConfigurable = p.userConfigurable
	d.enterpriseManaged = p.enterpriseManaged
	d.autoStop = p.autoStop
	d.features = p.features
	return d, nil
}

// ID is the policy's unique identifier. It survives document round trips.
func (p *Policy) ID() string { return p.id }

// Name is the registry key of the policy.
func (p *Policy) Name() string { return p.name }

// Type is the sandbox class the policy was created for.
func (p *Policy) Type() SandboxType { return p.sandboxType }

// CreatedAt reports when the policy was built.
func (p *Policy) CreatedAt() time.Time { return p.createdAt }

func (p *Policy) Description() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.description
}

func (p *Policy) Level() security.Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.level
}

func (p *Policy) SecurityContext() *security.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.context
}

func (p *Policy) DefaultDeny() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaultDeny
}

func (p *Policy) RequireExplicitGrant() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requireExplicitGrant
}

func (p *Policy) UserConfigurable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userConfigurable
}

func (p *Policy) EnterpriseManaged() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enterpriseManaged
}

func (p *Policy) AutoStop() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoStop
}

func (p *Policy) Features() Features {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.features
}

// Entry returns a copy of the entry for id.
func (p *Policy) Entry(id permission.ID) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.permissions[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Entries returns copies of every entry in catalogue order.
func (p *Policy) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry, 0, len(p.permissions))
	for _, id := range permission.All() {
		if e, ok := p.permissions[id]; ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// Limit returns the limit for kind.
func (p *Policy) Limit(kind resources.Kind) (resources.Spec, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.limits[kind]
	return s, ok
}

// Limits returns every limit in kind order.
func (p *Policy) Limits() []resources.Spec {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]resources.Spec, 0, len(p.limits))
	for _, k := range resources.Kinds() {
		if s, ok := p.limits[k]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Namespaces returns the enabled kinds in creation order.
func (p *Policy) Namespaces() []security.NamespaceKind {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []security.NamespaceKind
	for _, k := range security.NamespaceKinds() {
		if p.namespaces[k] {
			out = append(out, k)
		}
	}
	return out
}

// Mappings returns the id mappings in insertion order.
func (p *Policy) Mappings() []security.IDMapping {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]security.IDMapping(nil), p.mappings...)
}
