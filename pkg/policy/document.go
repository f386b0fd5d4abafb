package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

// DocumentVersion is the policy document format version.
const DocumentVersion = 1

type document struct {
	Version              int                  `yaml:"version"`
	ID                   string               `yaml:"id,omitempty"`
	Name                 string               `yaml:"name"`
	Description          string               `yaml:"description,omitempty"`
	Type                 string               `yaml:"type"`
	SecurityLevel        string               `yaml:"security_level"`
	DefaultDeny          *bool                `yaml:"default_deny,omitempty"`
	RequireExplicitGrant *bool                `yaml:"require_explicit_grant,omitempty"`
	UserConfigurable     bool                 `yaml:"user_configurable"`
	EnterpriseManaged    bool                 `yaml:"enterprise_managed"`
	AutoStop             *bool                `yaml:"auto_stop,omitempty"`
	Features             Features             `yaml:"features"`
	Permissions          []entryDocument      `yaml:"permissions"`
	ResourceLimits       []limitDocument      `yaml:"resource_limits"`
	Namespaces           []string             `yaml:"namespaces"`
	NamespaceMappings    []security.IDMapping `yaml:"namespace_mappings"`
	SecurityContext      *contextDocument     `yaml:"security_context"`
}

type entryDocument struct {
	ID            string     `yaml:"id"`
	State         string     `yaml:"state"`
	GrantedAt     string     `yaml:"granted_at,omitempty"`
	Expiry        string     `yaml:"expiry,omitempty"`
	Reason        string     `yaml:"reason,omitempty"`
	AuditRequired bool       `yaml:"audit_required,omitempty"`
	Condition     *Condition `yaml:"condition,omitempty"`
}

type limitDocument struct {
	Kind             string   `yaml:"kind"`
	Soft             uint64   `yaml:"soft"`
	Hard             uint64   `yaml:"hard"`
	Enforce          bool     `yaml:"enforce"`
	WarnOnApproach   *bool    `yaml:"warn_on_approach,omitempty"`
	WarningThreshold *float64 `yaml:"warning_threshold,omitempty"`
	Strict           bool     `yaml:"strict,omitempty"`
}

type contextDocument struct {
	ID              string                  `yaml:"id,omitempty"`
	Name            string                  `yaml:"name,omitempty"`
	Label           string                  `yaml:"label"`
	Level           string                  `yaml:"level"`
	Capabilities    []string                `yaml:"capabilities"`
	NoNewPrivileges bool                    `yaml:"no_new_privileges"`
	SyscallFilter   *security.SyscallFilter `yaml:"syscall_filter,omitempty"`
}

func boolPtr(v bool) *bool { return &v }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Marshal renders p as a YAML policy document.
func Marshal(p *Policy) ([]byte, error) {
	doc := document{
		Version:              DocumentVersion,
		ID:                   p.ID(),
		Name:                 p.Name(),
		Description:          p.Description(),
		Type:                 string(p.Type()),
		SecurityLevel:        p.Level().String(),
		DefaultDeny:          boolPtr(p.DefaultDeny()),
		RequireExplicitGrant: boolPtr(p.RequireExplicitGrant()),
		UserConfigurable:     p.UserConfigurable(),
		EnterpriseManaged:    p.EnterpriseManaged(),
		AutoStop:             boolPtr(p.AutoStop()),
		Features:             p.Features(),
		Permissions:          []entryDocument{},
		ResourceLimits:       []limitDocument{},
		Namespaces:           []string{},
		NamespaceMappings:    p.Mappings(),
	}
	if doc.NamespaceMappings == nil {
		doc.NamespaceMappings = []security.IDMapping{}
	}

	for _, e := range p.Entries() {
		doc.Permissions = append(doc.Permissions, entryDocument{
			ID:            e.Permission.String(),
			State:         e.State.String(),
			GrantedAt:     formatTime(e.GrantedAt),
			Expiry:        formatTime(e.Expiry),
			Reason:        e.Reason,
			AuditRequired: e.AuditRequired,
			Condition:     e.Condition,
		})
	}
	for _, s := range p.Limits() {
		threshold := s.WarningThreshold
		doc.ResourceLimits = append(doc.ResourceLimits, limitDocument{
			Kind:             string(s.Kind),
			Soft:             s.Soft,
			Hard:             s.Hard,
			Enforce:          s.Enforce,
			WarnOnApproach:   boolPtr(s.WarnOnApproach),
			WarningThreshold: &threshold,
			Strict:           s.Strict,
		})
	}
	for _, k := range p.Namespaces() {
		doc.Namespaces = append(doc.Namespaces, string(k))
	}
	if sc := p.SecurityContext(); sc != nil {
		doc.SecurityContext = &contextDocument{
			ID:              sc.ID(),
			Name:            sc.Name(),
			Label:           sc.Label().String(),
			Level:           sc.Level().String(),
			Capabilities:    sc.Capabilities().Names(),
			NoNewPrivileges: sc.NoNewPrivileges(),
			SyscallFilter:   sc.SyscallFilter(),
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode policy %s: %w", p.Name(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode policy %s: %w", p.Name(), err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a YAML policy document. The document is checked
// against DocumentSchema and then built through the authoring API, so it
// is rejected with the same errors as a policy assembled in code.
func Unmarshal(data []byte, opts ...Option) (*Policy, error) {
	var tree interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("%w: malformed policy document: %v", errdefs.ErrPolicyRejected, err)
	}
	if tree == nil {
		return nil, fmt.Errorf("%w: empty policy document", errdefs.ErrPolicyRejected)
	}
	if err := validateSchema(tree); err != nil {
		return nil, err
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}
	return build(&doc, opts)
}

func build(doc *document, opts []Option) (*Policy, error) {
	if doc.ID != "" {
		opts = append([]Option{WithID(doc.ID)}, opts...)
	}
	p, err := New(doc.Name, SandboxType(doc.Type), opts...)
	if err != nil {
		return nil, err
	}

	level, err := security.ParseLevel(doc.SecurityLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}
	if err := p.SetSecurityLevel(level); err != nil {
		return nil, err
	}

	for _, e := range doc.Permissions {
		if err := addEntry(p, e); err != nil {
			return nil, err
		}
	}
	for _, l := range doc.ResourceLimits {
		if err := addLimit(p, l); err != nil {
			return nil, err
		}
	}
	for _, name := range doc.Namespaces {
		if err := p.EnableNamespace(security.NamespaceKind(name)); err != nil {
			return nil, err
		}
	}
	for _, m := range doc.NamespaceMappings {
		if err := p.AddNamespaceMapping(m); err != nil {
			return nil, err
		}
	}
	if doc.SecurityContext != nil {
		sc, err := buildContext(doc.SecurityContext)
		if err != nil {
			return nil, err
		}
		if err := p.SetSecurityContext(sc); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.description = doc.Description
	p.userConfigurable = doc.UserConfigurable
	p.enterpriseManaged = doc.EnterpriseManaged
	p.features = doc.Features
	if doc.DefaultDeny != nil {
		p.defaultDeny = *doc.DefaultDeny
	}
	if doc.RequireExplicitGrant != nil {
		p.requireExplicitGrant = *doc.RequireExplicitGrant
	}
	if doc.AutoStop != nil {
		p.autoStop = *doc.AutoStop
	}
	p.mu.Unlock()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func addEntry(p *Policy, e entryDocument) error {
	id, err := permission.Lookup(e.ID)
	if err != nil {
		return err
	}
	state, err := permission.ParseState(e.State)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}

	var eopts []EntryOption
	if e.GrantedAt != "" {
		t, err := parseTime(e.GrantedAt)
		if err != nil {
			return fmt.Errorf("%w: %s granted_at: %v", errdefs.ErrPolicyRejected, e.ID, err)
		}
		eopts = append(eopts, WithGrantedAt(t))
	}
	if e.Expiry != "" {
		t, err := parseTime(e.Expiry)
		if err != nil {
			return fmt.Errorf("%w: %s expiry: %v", errdefs.ErrPolicyRejected, e.ID, err)
		}
		eopts = append(eopts, WithExpiry(t))
	}
	if e.Reason != "" {
		eopts = append(eopts, WithReason(e.Reason))
	}
	if e.AuditRequired {
		eopts = append(eopts, WithAudit())
	}
	if e.Condition != nil {
		eopts = append(eopts, WithCondition(e.Condition))
	}
	return p.AddPermission(id, state, eopts...)
}

func addLimit(p *Policy, l limitDocument) error {
	kind, err := resources.ParseKind(l.Kind)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidLimit, err)
	}
	lopts := []LimitOption{WithoutEnforcement()}
	if l.Enforce {
		lopts = []LimitOption{WithEnforcement()}
	}
	if l.WarnOnApproach != nil && !*l.WarnOnApproach {
		lopts = append(lopts, WithoutWarning())
	}
	if l.WarningThreshold != nil {
		lopts = append(lopts, WithWarningThreshold(*l.WarningThreshold))
	}
	if l.Strict {
		lopts = append(lopts, Strict())
	}
	return p.AddResourceLimit(kind, l.Soft, l.Hard, lopts...)
}

func buildContext(c *contextDocument) (*security.Context, error) {
	label, err := security.ParseLabel(c.Label)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}
	level, err := security.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}

	copts := []security.ContextOption{
		security.WithNoNewPrivileges(c.NoNewPrivileges),
		security.WithSyscallFilter(c.SyscallFilter),
	}
	if c.ID != "" {
		copts = append(copts, security.WithContextID(c.ID))
	}
	if c.Capabilities != nil {
		mask, err := security.ParseMask(c.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
		}
		copts = append(copts, security.WithCapabilities(mask))
	}

	sc, err := security.NewContext(c.Name, label, level, copts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSecurityContextInstallFailed, err)
	}
	return sc, nil
}

// LoadFile reads a policy document from path.
func LoadFile(path string, opts ...Option) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	p, err := Unmarshal(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy file %s: %w", path, err)
	}
	return p, nil
}

// SaveFile writes p to path, replacing any existing file atomically.
func SaveFile(p *Policy, path string) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".policy-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temporary policy file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save policy file %s: %w", path, err)
	}
	return nil
}
