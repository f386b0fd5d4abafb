package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

func TestLookup(t *testing.T) {
	id, err := Lookup("network-internet")
	require.NoError(t, err)
	assert.Equal(t, NetworkInternet, id)
	assert.Equal(t, "network-internet", id.String())

	_, err = Lookup("network-teleport")
	assert.ErrorIs(t, err, errdefs.ErrUnknownPermission)

	_, err = Lookup("")
	assert.ErrorIs(t, err, errdefs.ErrUnknownPermission)
}

func TestCatalogueIsConsistent(t *testing.T) {
	names := make(map[string]bool)
	for id := Invalid + 1; id < maxID; id++ {
		def := catalogue[id]
		require.NotEmpty(t, def.name, "permission %d has no name", id)
		assert.False(t, names[def.name], "duplicate name %s", def.name)
		names[def.name] = true
		assert.Contains(t, Categories(), def.category, def.name)

		back, err := Lookup(def.name)
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}
	assert.Len(t, All(), int(maxID-1))
}

func TestDangerousClassification(t *testing.T) {
	required := []string{
		"hardware-camera", "hardware-microphone", "hardware-location",
		"filesystem-storage-write", "filesystem-storage-manage",
		"network-raw-sockets", "system-admin", "system-kernel-module",
		"privacy-install-apps", "security-policy-change", "ai-system-control",
	}
	for _, name := range required {
		t.Run(name, func(t *testing.T) {
			id := MustLookup(name)
			assert.True(t, id.IsDangerous())
			assert.True(t, id.RequiresConsent())
		})
	}

	assert.False(t, NetworkInternet.IsDangerous())
	assert.False(t, FilesystemStorageRead.IsDangerous())
}

func TestRequiresConsentCoversPrivacy(t *testing.T) {
	for _, id := range InCategory(CategoryPrivacy) {
		assert.True(t, id.RequiresConsent(), id.String())
	}
	assert.False(t, PrivacyContacts.IsDangerous())
	assert.True(t, PrivacyContacts.RequiresConsent())
	assert.False(t, HardwareGPU.RequiresConsent())
}

func TestCategory(t *testing.T) {
	assert.Equal(t, CategoryAIML, AISystemControl.Category())
	assert.Equal(t, CategoryEnterprise, EnterpriseRemoteWipe.Category())
	assert.Equal(t, CategorySystem, Invalid.Category())
	assert.Equal(t, CategorySystem, ID(9999).Category())
}

func TestTextEncoding(t *testing.T) {
	var id ID
	require.NoError(t, id.UnmarshalText([]byte("hardware-camera")))
	assert.Equal(t, HardwareCamera, id)

	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "hardware-camera", string(text))

	_, err = Invalid.MarshalText()
	assert.ErrorIs(t, err, errdefs.ErrUnknownPermission)

	var s State
	require.NoError(t, s.UnmarshalText([]byte("granted-once")))
	assert.Equal(t, GrantedOnce, s)
	assert.Error(t, s.UnmarshalText([]byte("maybe")))
}
