package policy

import (
	"fmt"

	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
)

const mib = 1 << 20

type presetLimit struct {
	kind       resources.Kind
	soft, hard uint64
}

type preset struct {
	level       security.Level
	permissions map[permission.ID]permission.State
	limits      []presetLimit
	namespaces  []security.NamespaceKind
	configure   func(*Policy) error
}

var isolated = []security.NamespaceKind{
	security.PIDNamespace, security.MountNamespace, security.IPCNamespace, security.UTSNamespace,
}

var presets = map[SandboxType]preset{
	TypeBasic: {
		level: security.LevelBasic,
		permissions: map[permission.ID]permission.State{
			permission.NetworkInternet:       permission.Granted,
			permission.FilesystemTemp:        permission.Granted,
			permission.FilesystemStorageRead: permission.Granted,
		},
		limits: []presetLimit{
			{resources.Memory, 512 * mib, 1024 * mib},
			{resources.ProcessCount, 0, 128},
		},
	},
	TypeStandard: {
		level: security.LevelStandard,
		permissions: map[permission.ID]permission.State{
			permission.NetworkInternet:       permission.Granted,
			permission.FilesystemTemp:        permission.Granted,
			permission.FilesystemStorageRead: permission.AskUser,
			permission.PrivacyClipboard:      permission.AskUser,
		},
		limits: []presetLimit{
			{resources.Memory, 256 * mib, 512 * mib},
			{resources.FDCount, 0, 512},
			{resources.ProcessCount, 0, 64},
		},
		namespaces: isolated,
	},
	TypeStrict: {
		level: security.LevelStrict,
		permissions: map[permission.ID]permission.State{
			permission.FilesystemTemp: permission.Granted,
		},
		limits: []presetLimit{
			{resources.CPUTime, 250_000, 500_000},
			{resources.Memory, 64 * mib, 128 * mib},
			{resources.FDCount, 0, 128},
			{resources.ProcessCount, 0, 16},
			{resources.ThreadCount, 0, 64},
		},
		namespaces: append([]security.NamespaceKind{security.NetworkNamespace}, isolated...),
	},
	TypeDeveloper: {
		level: security.LevelBasic,
		permissions: map[permission.ID]permission.State{
			permission.NetworkInternet:        permission.Granted,
			permission.NetworkLocal:           permission.Granted,
			permission.FilesystemTemp:         permission.Granted,
			permission.FilesystemHomeRead:     permission.Granted,
			permission.FilesystemStorageRead:  permission.Granted,
			permission.FilesystemStorageWrite: permission.AskUser,
			permission.SystemProcessInspect:   permission.Granted,
		},
		limits: []presetLimit{
			{resources.Memory, 2048 * mib, 4096 * mib},
			{resources.ProcessCount, 0, 512},
		},
		configure: func(p *Policy) error {
			return p.SetUserConfigurable(true)
		},
	},
	TypeAI: {
		level: security.LevelEnhanced,
		permissions: map[permission.ID]permission.State{
			permission.AIModelInference: permission.Granted,
			permission.HardwareGPU:      permission.Granted,
			permission.AIDataAccess:     permission.AskUser,
			permission.AIModelTraining:  permission.AuditRequired,
			permission.FilesystemTemp:   permission.Granted,
		},
		limits: []presetLimit{
			{resources.Memory, 4096 * mib, 8192 * mib},
			{resources.GPUTime, 0, 600_000_000},
			{resources.AICompute, 0, 3_600_000},
		},
		namespaces: isolated,
		configure: func(p *Policy) error {
			return p.SetFeatures(Features{Audit: true, AIAnomalyDetection: true})
		},
	},
	TypeEnterprise: {
		level: security.LevelEnhanced,
		permissions: map[permission.ID]permission.State{
			permission.NetworkInternet:            permission.Restricted,
			permission.NetworkVPN:                 permission.AuditRequired,
			permission.FilesystemTemp:             permission.Granted,
			permission.EnterpriseComplianceReport: permission.Granted,
		},
		limits: []presetLimit{
			{resources.Memory, 512 * mib, 1024 * mib},
			{resources.FDCount, 0, 1024},
			{resources.ProcessCount, 0, 128},
		},
		namespaces: isolated,
		configure: func(p *Policy) error {
			if err := p.SetEnterpriseManaged(true); err != nil {
				return err
			}
			return p.SetFeatures(Features{Audit: true})
		},
	},
	TypeCustom: {level: security.LevelStandard},
}

// Preset creates a policy pre-populated for type t. The preset level is
// raised to the floor when the floor is higher.
func Preset(name string, t SandboxType, opts ...Option) (*Policy, error) {
	pre, ok := presets[t]
	if !ok {
		return nil, fmt.Errorf("no preset for sandbox type %q", t)
	}
	p, err := New(name, t, opts...)
	if err != nil {
		return nil, err
	}

	if err := p.SetSecurityLevel(max(pre.level, p.Floor())); err != nil {
		return nil, err
	}
	for _, id := range permission.All() {
		state, ok := pre.permissions[id]
		if !ok {
			continue
		}
		if err := p.AddPermission(id, state, WithReason("preset "+string(t))); err != nil {
			return nil, err
		}
	}
	for _, l := range pre.limits {
		if err := p.AddResourceLimit(l.kind, l.soft, l.hard); err != nil {
			return nil, err
		}
	}
	for _, k := range pre.namespaces {
		if err := p.EnableNamespace(k); err != nil {
			return nil, err
		}
	}
	if pre.configure != nil {
		if err := pre.configure(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}
