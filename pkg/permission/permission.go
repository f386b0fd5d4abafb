// Package permission holds the closed catalogue of permissions a sandbox
// policy can grant, their categories and consent classification.
package permission

import (
	"fmt"
	"sort"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
)

// Category groups permissions.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryNetwork    Category = "network"
	CategoryFilesystem Category = "filesystem"
	CategoryHardware   Category = "hardware"
	CategoryPrivacy    Category = "privacy"
	CategorySecurity   Category = "security"
	CategoryAIML       Category = "ai-ml"
	CategoryEnterprise Category = "enterprise"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{
		CategorySystem, CategoryNetwork, CategoryFilesystem, CategoryHardware,
		CategoryPrivacy, CategorySecurity, CategoryAIML, CategoryEnterprise,
	}
}

// ID identifies one permission of the catalogue.
type ID uint16

const (
	Invalid ID = iota

	SystemAdmin
	SystemKernelModule
	SystemReboot
	SystemTimeChange
	SystemServiceControl
	SystemProcessInspect
	SystemSettings

	NetworkInternet
	NetworkLocal
	NetworkRawSockets
	NetworkBindPrivileged
	NetworkVPN
	NetworkBluetooth
	NetworkWifiControl

	FilesystemStorageRead
	FilesystemStorageWrite
	FilesystemStorageManage
	FilesystemHomeRead
	FilesystemHomeWrite
	FilesystemTemp
	FilesystemRemovableMedia

	HardwareCamera
	HardwareMicrophone
	HardwareLocation
	HardwareUSB
	HardwareGPU
	HardwareSensors
	HardwarePrinter

	PrivacyContacts
	PrivacyCalendar
	PrivacyPhotos
	PrivacyClipboard
	PrivacyScreenCapture
	PrivacyInstallApps
	PrivacyNotifications

	SecurityKeychain
	SecurityCertificates
	SecurityPolicyChange
	SecurityAuditRead
	SecurityCryptoHSM

	AIModelInference
	AIModelTraining
	AISystemControl
	AIDataAccess

	EnterpriseDeviceManagement
	EnterpriseRemoteWipe
	EnterpriseVPNConfig
	EnterpriseComplianceReport

	maxID
)

type definition struct {
	name      string
	category  Category
	dangerous bool
	summary   string
}

var catalogue = [maxID]definition{
	Invalid: {name: "invalid"},

	SystemAdmin:          {"system-admin", CategorySystem, true, "Administer the host system"},
	SystemKernelModule:   {"system-kernel-module", CategorySystem, true, "Load or unload kernel modules"},
	SystemReboot:         {"system-reboot", CategorySystem, false, "Reboot or power off the host"},
	SystemTimeChange:     {"system-time-change", CategorySystem, false, "Change the system clock"},
	SystemServiceControl: {"system-service-control", CategorySystem, false, "Start and stop system services"},
	SystemProcessInspect: {"system-process-inspect", CategorySystem, false, "Inspect processes outside the sandbox"},
	SystemSettings:       {"system-settings", CategorySystem, false, "Change system settings"},

	NetworkInternet:       {"network-internet", CategoryNetwork, false, "Open connections to the internet"},
	NetworkLocal:          {"network-local", CategoryNetwork, false, "Open connections on the local network"},
	NetworkRawSockets:     {"network-raw-sockets", CategoryNetwork, true, "Open raw and packet sockets"},
	NetworkBindPrivileged: {"network-bind-privileged", CategoryNetwork, false, "Bind ports below 1024"},
	NetworkVPN:            {"network-vpn", CategoryNetwork, false, "Create VPN tunnels"},
	NetworkBluetooth:      {"network-bluetooth", CategoryNetwork, false, "Use bluetooth"},
	NetworkWifiControl:    {"network-wifi-control", CategoryNetwork, false, "Change wifi configuration"},

	FilesystemStorageRead:    {"filesystem-storage-read", CategoryFilesystem, false, "Read shared storage"},
	FilesystemStorageWrite:   {"filesystem-storage-write", CategoryFilesystem, true, "Write shared storage"},
	FilesystemStorageManage:  {"filesystem-storage-manage", CategoryFilesystem, true, "Manage volumes and mounts"},
	FilesystemHomeRead:       {"filesystem-home-read", CategoryFilesystem, false, "Read the user's home directory"},
	FilesystemHomeWrite:      {"filesystem-home-write", CategoryFilesystem, false, "Write the user's home directory"},
	FilesystemTemp:           {"filesystem-temp", CategoryFilesystem, false, "Use temporary storage"},
	FilesystemRemovableMedia: {"filesystem-removable-media", CategoryFilesystem, false, "Access removable media"},

	HardwareCamera:     {"hardware-camera", CategoryHardware, true, "Use cameras"},
	HardwareMicrophone: {"hardware-microphone", CategoryHardware, true, "Use microphones"},
	HardwareLocation:   {"hardware-location", CategoryHardware, true, "Read device location"},
	HardwareUSB:        {"hardware-usb", CategoryHardware, false, "Access USB devices"},
	HardwareGPU:        {"hardware-gpu", CategoryHardware, false, "Submit work to GPUs"},
	HardwareSensors:    {"hardware-sensors", CategoryHardware, false, "Read hardware sensors"},
	HardwarePrinter:    {"hardware-printer", CategoryHardware, false, "Print"},

	PrivacyContacts:      {"privacy-contacts", CategoryPrivacy, false, "Read contacts"},
	PrivacyCalendar:      {"privacy-calendar", CategoryPrivacy, false, "Read calendars"},
	PrivacyPhotos:        {"privacy-photos", CategoryPrivacy, false, "Read photo libraries"},
	PrivacyClipboard:     {"privacy-clipboard", CategoryPrivacy, false, "Read the clipboard"},
	PrivacyScreenCapture: {"privacy-screen-capture", CategoryPrivacy, false, "Capture the screen"},
	PrivacyInstallApps:   {"privacy-install-apps", CategoryPrivacy, true, "Install applications"},
	PrivacyNotifications: {"privacy-notifications", CategoryPrivacy, false, "Post notifications"},

	SecurityKeychain:     {"security-keychain", CategorySecurity, false, "Access stored credentials"},
	SecurityCertificates: {"security-certificates", CategorySecurity, false, "Manage trusted certificates"},
	SecurityPolicyChange: {"security-policy-change", CategorySecurity, true, "Change security policy"},
	SecurityAuditRead:    {"security-audit-read", CategorySecurity, false, "Read audit logs"},
	SecurityCryptoHSM:    {"security-crypto-hsm", CategorySecurity, false, "Use hardware security modules"},

	AIModelInference: {"ai-model-inference", CategoryAIML, false, "Run model inference"},
	AIModelTraining:  {"ai-model-training", CategoryAIML, false, "Train models"},
	AISystemControl:  {"ai-system-control", CategoryAIML, true, "Let models control the system"},
	AIDataAccess:     {"ai-data-access", CategoryAIML, false, "Expose user data to models"},

	EnterpriseDeviceManagement: {"enterprise-device-management", CategoryEnterprise, false, "Enrol in device management"},
	EnterpriseRemoteWipe:       {"enterprise-remote-wipe", CategoryEnterprise, false, "Wipe the device remotely"},
	EnterpriseVPNConfig:        {"enterprise-vpn-config", CategoryEnterprise, false, "Install managed VPN configuration"},
	EnterpriseComplianceReport: {"enterprise-compliance-report", CategoryEnterprise, false, "Report compliance state"},
}

var byName = func() map[string]ID {
	m := make(map[string]ID, maxID)
	for id := Invalid + 1; id < maxID; id++ {
		m[catalogue[id].name] = id
	}
	return m
}()

// Lookup returns the permission registered under name.
func Lookup(name string) (ID, error) {
	if id, ok := byName[name]; ok {
		return id, nil
	}
	return Invalid, fmt.Errorf("%q: %w", name, errdefs.ErrUnknownPermission)
}

// MustLookup is Lookup for compile-time constant names.
func MustLookup(name string) ID {
	id, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether id is part of the catalogue.
func (id ID) Valid() bool {
	return id > Invalid && id < maxID
}

func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("permission(%d)", uint16(id))
	}
	return catalogue[id].name
}

// Summary is a one-line description for listings.
func (id ID) Summary() string {
	if !id.Valid() {
		return ""
	}
	return catalogue[id].summary
}

// Category returns the category id belongs to. Ids outside the catalogue
// report the system category, the most restrictive grouping.
func (id ID) Category() Category {
	if !id.Valid() {
		return CategorySystem
	}
	return catalogue[id].category
}

// IsDangerous reports whether a grant of id needs fresh user confirmation.
func (id ID) IsDangerous() bool {
	if !id.Valid() {
		return true
	}
	return catalogue[id].dangerous
}

// RequiresConsent covers dangerous permissions and the whole privacy
// category.
func (id ID) RequiresConsent() bool {
	return id.IsDangerous() || id.Category() == CategoryPrivacy
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%s: %w", id, errdefs.ErrUnknownPermission)
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Lookup(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// All returns every permission sorted by name.
func All() []ID {
	ids := make([]ID, 0, maxID-1)
	for id := Invalid + 1; id < maxID; id++ {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// InCategory returns the permissions of one category sorted by name.
func InCategory(c Category) []ID {
	var ids []ID
	for _, id := range All() {
		if id.Category() == c {
			ids = append(ids, id)
		}
	}
	return ids
}
