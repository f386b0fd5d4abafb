package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

func TestParseLevel(t *testing.T) {
	for i, name := range levelNames {
		l, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, Level(i), l)
	}

	l, err := ParseLevel(" Strict ")
	require.NoError(t, err)
	assert.Equal(t, LevelStrict, l)

	_, err = ParseLevel("extreme")
	assert.Error(t, err)
	assert.True(t, LevelMilitary > LevelParanoid)
}

func TestCapabilityMask(t *testing.T) {
	m, err := MaskOf(CapKill, CapNetRaw)
	require.NoError(t, err)
	assert.True(t, m.Has(CapKill))
	assert.True(t, m.Has(CapNetRaw))
	assert.False(t, m.Has(CapSysAdmin))
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []string{"CAP_KILL", "CAP_NET_RAW"}, m.Names())
	assert.Equal(t, []Capability{CapNetRaw}, m.HighRisk())

	m = m.Without(CapNetRaw).With(CapChown)
	assert.Equal(t, []Capability{CapChown, CapKill}, m.Capabilities())

	_, err = MaskOf("CAP_TELEPORT")
	assert.Error(t, err)

	parsed, err := ParseMask([]string{"kill", "CAP_CHOWN"})
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
	assert.Equal(t, len(capabilityBits), FullMask().Count())
}

func TestDefaultCapabilitiesNarrowWithLevel(t *testing.T) {
	levels := []Level{LevelBasic, LevelStandard, LevelEnhanced, LevelStrict, LevelParanoid, LevelMilitary}
	for i := 1; i < len(levels); i++ {
		lower := DefaultCapabilities(levels[i-1])
		higher := DefaultCapabilities(levels[i])
		assert.Equal(t, higher, higher.Intersect(lower), "%s must keep a subset of %s", levels[i], levels[i-1])
	}
	assert.Zero(t, DefaultCapabilities(LevelParanoid))
	assert.False(t, DefaultCapabilities(LevelStandard).Has(CapNetRaw))
}

func TestMappingValidation(t *testing.T) {
	tests := []struct {
		name     string
		mappings []IDMapping
		wantErr  bool
	}{
		{
			name: "disjoint",
			mappings: []IDMapping{
				{Kind: UserNamespace, HostStart: 100000, SandboxStart: 0, Length: 1000},
				{Kind: UserNamespace, HostStart: 200000, SandboxStart: 1000, Length: 1000},
			},
		},
		{
			name: "different kinds may overlap",
			mappings: []IDMapping{
				{Kind: UserNamespace, HostStart: 100000, SandboxStart: 0, Length: 1000},
				{Kind: PIDNamespace, HostStart: 100000, SandboxStart: 0, Length: 1000},
			},
		},
		{
			name: "host overlap",
			mappings: []IDMapping{
				{Kind: UserNamespace, HostStart: 100000, SandboxStart: 0, Length: 1000},
				{Kind: UserNamespace, HostStart: 100999, SandboxStart: 5000, Length: 10},
			},
			wantErr: true,
		},
		{
			name: "sandbox overlap",
			mappings: []IDMapping{
				{Kind: UserNamespace, HostStart: 100000, SandboxStart: 0, Length: 1000},
				{Kind: UserNamespace, HostStart: 300000, SandboxStart: 500, Length: 10},
			},
			wantErr: true,
		},
		{
			name:     "zero length",
			mappings: []IDMapping{{Kind: UserNamespace, HostStart: 1, Length: 0}},
			wantErr:  true,
		},
		{
			name:     "overflow",
			mappings: []IDMapping{{Kind: UserNamespace, HostStart: 1<<32 - 10, Length: 100}},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMappings(tt.mappings)
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrInvalidNamespaceMapping)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTranslateToHost(t *testing.T) {
	m := IDMapping{Kind: UserNamespace, HostStart: 100000, SandboxStart: 0, Length: 65536}
	id, ok := m.TranslateToHost(1000)
	assert.True(t, ok)
	assert.Equal(t, uint32(101000), id)

	_, ok = m.TranslateToHost(65536)
	assert.False(t, ok)
}

func TestNamespaceRegistry(t *testing.T) {
	r := NewNamespaceRegistry()
	writable := IDMapping{Kind: UserNamespace, HostStart: 100000, SandboxStart: 0, Length: 1000}

	require.NoError(t, r.Claim("sb-1", writable))
	err := r.Claim("sb-2", IDMapping{Kind: UserNamespace, HostStart: 100500, SandboxStart: 0, Length: 10})
	assert.ErrorIs(t, err, errdefs.ErrNamespaceAcquisitionFailed)

	// Same owner may claim again.
	require.NoError(t, r.Claim("sb-1", IDMapping{Kind: UserNamespace, HostStart: 100500, SandboxStart: 2000, Length: 10}))

	shared := IDMapping{Kind: MountNamespace, HostStart: 0, SandboxStart: 0, Length: 10, ReadOnly: true}
	require.NoError(t, r.Claim("sb-1", shared))
	require.NoError(t, r.Claim("sb-2", shared))

	assert.Len(t, r.Claims("sb-1"), 3)
	r.ReleaseAll("sb-1")
	assert.Empty(t, r.Claims("sb-1"))
	require.NoError(t, r.Claim("sb-2", writable))

	r.Release("sb-2", writable)
	assert.Equal(t, []IDMapping{shared}, r.Claims("sb-2"))
}

func TestSyscallFilterCompile(t *testing.T) {
	f := DefaultSyscallFilter()
	program, err := f.Compile()
	require.NoError(t, err)
	assert.NotEmpty(t, program)
	assert.Zero(t, len(program)%8)

	oci := f.OCI()
	require.Len(t, oci.Syscalls, 1)
	assert.Contains(t, oci.Syscalls[0].Names, "ptrace")

	bad := &SyscallFilter{DefaultAction: "explode"}
	_, err = bad.Compile()
	assert.Error(t, err)

	dup := &SyscallFilter{DefaultAction: FilterAllow, Deny: []string{"mount"}, Allow: []string{"mount"}}
	assert.Error(t, dup.Validate())
}

func TestNewContext(t *testing.T) {
	label := Label{User: "app", Role: "sandbox_r", Type: "sandbox_t", Category: "c1"}

	ctx, err := NewContext("standard", label, LevelStandard)
	require.NoError(t, err)
	assert.NotEmpty(t, ctx.ID())
	assert.Equal(t, DefaultCapabilities(LevelStandard), ctx.Capabilities())
	assert.True(t, ctx.NoNewPrivileges())
	assert.False(t, ctx.HasSyscallFilter())
	assert.Empty(t, ctx.FilterProgram())

	strict, err := NewContext("strict", label, LevelStrict)
	require.NoError(t, err)
	assert.True(t, strict.HasSyscallFilter())
	assert.NotEmpty(t, strict.FilterProgram())

	require.NoError(t, ctx.SetLabel(Label{User: "other"}))
	ctx.Seal()
	assert.ErrorIs(t, ctx.SetLabel(label), ErrContextSealed)
	assert.ErrorIs(t, ctx.SetCapabilities(0), ErrContextSealed)
}

func TestParseLabel(t *testing.T) {
	l, err := ParseLabel("u:r:t:c0")
	require.NoError(t, err)
	assert.Equal(t, "u:r:t:c0", l.String())

	_, err = ParseLabel("only:two")
	assert.Error(t, err)
}
