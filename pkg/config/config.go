package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/security"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
	"github.com/sandboxrunner/sandboxd/pkg/storage"
)

// EnvPrefix prefixes every environment override, e.g.
// SANDBOXD_MANAGER_MAX_SANDBOXES.
const EnvPrefix = "SANDBOXD"

// Config represents the sandboxd daemon configuration
type Config struct {
	Manager  ManagerConfig  `yaml:"manager" mapstructure:"manager"`
	Host     HostConfig     `yaml:"host" mapstructure:"host"`
	Policies PoliciesConfig `yaml:"policies" mapstructure:"policies"`
	Audit    AuditConfig    `yaml:"audit" mapstructure:"audit"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" mapstructure:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// ManagerConfig is the options record handed to the sandbox manager.
type ManagerConfig struct {
	SandboxingEnabled      bool          `yaml:"sandboxing_enabled" mapstructure:"sandboxing_enabled"`
	DefaultSecurityLevel   string        `yaml:"default_security_level" mapstructure:"default_security_level"`
	EnforceByDefault       bool          `yaml:"enforce_by_default" mapstructure:"enforce_by_default"`
	UserOverrideAllowed    bool          `yaml:"user_override_allowed" mapstructure:"user_override_allowed"`
	MaxSandboxes           int           `yaml:"max_sandboxes" mapstructure:"max_sandboxes"`
	AuditRingSize          int           `yaml:"audit_ring_size" mapstructure:"audit_ring_size"`
	ViolationThreshold     int           `yaml:"violation_threshold" mapstructure:"violation_threshold"`
	ViolationWindow        time.Duration `yaml:"violation_window" mapstructure:"violation_window"`
	StopGracePeriod        time.Duration `yaml:"stop_grace_period" mapstructure:"stop_grace_period"`
	KillGracePeriod        time.Duration `yaml:"kill_grace_period" mapstructure:"kill_grace_period"`
	SamplingInterval       time.Duration `yaml:"sampling_interval" mapstructure:"sampling_interval"`
	BreachEscalation       int           `yaml:"breach_escalation" mapstructure:"breach_escalation"`
	MaxProcessesPerSandbox int           `yaml:"max_processes_per_sandbox" mapstructure:"max_processes_per_sandbox"`
	AuditDeliveryTimeout   time.Duration `yaml:"audit_delivery_timeout" mapstructure:"audit_delivery_timeout"`
	AuditSigningKeyFile    string        `yaml:"audit_signing_key_file" mapstructure:"audit_signing_key_file"`
	AuditSigningAlgorithm  string        `yaml:"audit_signing_algorithm" mapstructure:"audit_signing_algorithm"`
}

// HostConfig selects and configures the process host.
type HostConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	RuncCommand string `yaml:"runc_command" mapstructure:"runc_command"`
	RuncRoot    string `yaml:"runc_root" mapstructure:"runc_root"`
	BundleRoot  string `yaml:"bundle_root" mapstructure:"bundle_root"`
	Rootfs      string `yaml:"rootfs" mapstructure:"rootfs"`
	ApplyLabels bool   `yaml:"apply_labels" mapstructure:"apply_labels"`
}

// PoliciesConfig locates policy documents loaded at startup.
type PoliciesConfig struct {
	Dir   string `yaml:"dir" mapstructure:"dir"`
	Watch bool   `yaml:"watch" mapstructure:"watch"`
}

// AuditConfig selects where audit records are delivered.
type AuditConfig struct {
	Sink      string        `yaml:"sink" mapstructure:"sink"`
	LogPath   string        `yaml:"log_path" mapstructure:"log_path"`
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
}

// StorageConfig holds the SQLite database settings.
type StorageConfig struct {
	DatabasePath   string        `yaml:"database_path" mapstructure:"database_path"`
	BackupDir      string        `yaml:"backup_dir" mapstructure:"backup_dir"`
	EnableBackup   bool          `yaml:"enable_backup" mapstructure:"enable_backup"`
	BackupInterval time.Duration `yaml:"backup_interval" mapstructure:"backup_interval"`
	BackupKeep     int           `yaml:"backup_keep" mapstructure:"backup_keep"`
}

// ServerConfig holds the REST API listener settings.
type ServerConfig struct {
	Address      string        `yaml:"address" mapstructure:"address"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" mapstructure:"enable_cors"`

	// RateLimitRPS caps API requests per second; zero disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	Exporter    string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Path      string `yaml:"path" mapstructure:"path"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	opts := sandbox.DefaultOptions()
	return &Config{
		Manager: ManagerConfig{
			SandboxingEnabled:      opts.SandboxingEnabled,
			DefaultSecurityLevel:   opts.DefaultSecurityLevel.String(),
			EnforceByDefault:       opts.EnforceByDefault,
			UserOverrideAllowed:    opts.UserOverrideAllowed,
			MaxSandboxes:           opts.MaxSandboxes,
			AuditRingSize:          opts.AuditRingSize,
			ViolationThreshold:     opts.ViolationThreshold,
			ViolationWindow:        opts.ViolationWindow,
			StopGracePeriod:        opts.StopGracePeriod,
			KillGracePeriod:        opts.KillGracePeriod,
			SamplingInterval:       opts.SamplingInterval,
			BreachEscalation:       opts.BreachEscalation,
			MaxProcessesPerSandbox: opts.MaxProcessesPerSandbox,
			AuditDeliveryTimeout:   opts.AuditDeliveryTimeout,
			AuditSigningAlgorithm:  "hmac-sha256",
		},
		Host: HostConfig{
			Driver:      "runc",
			RuncCommand: "runc",
			RuncRoot:    "/run/sandboxd/runc",
			BundleRoot:  "/var/lib/sandboxd/bundles",
			Rootfs:      "/var/lib/sandboxd/rootfs",
			ApplyLabels: false,
		},
		Policies: PoliciesConfig{
			Dir:   "/etc/sandboxd/policies",
			Watch: true,
		},
		Audit: AuditConfig{
			Sink:      "both",
			LogPath:   "/var/log/sandboxd/audit.jsonl",
			Retention: 30 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			DatabasePath:   "/var/lib/sandboxd/sandboxd.db",
			BackupDir:      "/var/lib/sandboxd/backups",
			EnableBackup:   false,
			BackupInterval: 24 * time.Hour,
			BackupKeep:     7,
		},
		Server: ServerConfig{
			Address:        "127.0.0.1",
			Port:           7878,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    2 * time.Minute,
			EnableCORS:     false,
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sandboxd",
			Exporter:    "otlp",
			Endpoint:    "localhost:4318",
			SampleRate:  0.1,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "sandboxd",
		},
	}
}

// LoadConfig loads configuration from files and environment variables.
// Without an explicit path the usual locations are searched; a missing
// file leaves the defaults in place.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sandboxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/sandboxd")
		v.AddConfigPath("/etc/sandboxd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindDefaults(v, config); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindDefaults registers every key of cfg as a viper default so that
// AutomaticEnv can override keys absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			setDefaults(v, full, sub)
			continue
		}
		v.SetDefault(full, value)
	}
}

// SaveConfig writes the configuration to a YAML file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.ManagerOptions(); err != nil {
		return err
	}
	switch strings.ToLower(c.Manager.AuditSigningAlgorithm) {
	case "", "hmac", "hmac-sha256", "blake3":
	default:
		return fmt.Errorf("invalid audit signing algorithm: %s (must be hmac-sha256 or blake3)", c.Manager.AuditSigningAlgorithm)
	}

	switch c.Host.Driver {
	case "runc":
		if c.Host.Rootfs == "" {
			return fmt.Errorf("host rootfs cannot be empty for the runc driver")
		}
	case "simulated":
	default:
		return fmt.Errorf("invalid host driver: %s (must be runc or simulated)", c.Host.Driver)
	}

	switch c.Audit.Sink {
	case "file", "both":
		if c.Audit.LogPath == "" {
			return fmt.Errorf("audit log path cannot be empty for sink %s", c.Audit.Sink)
		}
	case "sqlite", "none":
	default:
		return fmt.Errorf("invalid audit sink: %s (must be file, sqlite, both or none)", c.Audit.Sink)
	}
	if c.Audit.Retention < 0 {
		return fmt.Errorf("audit retention must not be negative")
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage database path cannot be empty")
	}
	if c.Storage.EnableBackup && c.Storage.BackupInterval <= 0 {
		return fmt.Errorf("storage backup interval must be positive")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 0 || (c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1) {
		return fmt.Errorf("invalid rate limit: %.1f rps with burst %d", c.Server.RateLimitRPS, c.Server.RateLimitBurst)
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "jaeger", "stdout":
		default:
			return fmt.Errorf("invalid tracing exporter: %s (must be otlp, jaeger or stdout)", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing sample rate must be between 0 and 1")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}

	return nil
}

// ManagerOptions converts the manager section into sandbox.Options.
// Errors carry errdefs.ErrPolicyRejected, the kind Manager.Init reports
// for the same settings.
func (c *Config) ManagerOptions() (sandbox.Options, error) {
	level, err := security.ParseLevel(c.Manager.DefaultSecurityLevel)
	if err != nil {
		return sandbox.Options{}, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}
	opts := sandbox.Options{
		SandboxingEnabled:      c.Manager.SandboxingEnabled,
		DefaultSecurityLevel:   level,
		EnforceByDefault:       c.Manager.EnforceByDefault,
		UserOverrideAllowed:    c.Manager.UserOverrideAllowed,
		MaxSandboxes:           c.Manager.MaxSandboxes,
		AuditRingSize:          c.Manager.AuditRingSize,
		ViolationThreshold:     c.Manager.ViolationThreshold,
		ViolationWindow:        c.Manager.ViolationWindow,
		StopGracePeriod:        c.Manager.StopGracePeriod,
		KillGracePeriod:        c.Manager.KillGracePeriod,
		SamplingInterval:       c.Manager.SamplingInterval,
		BreachEscalation:       c.Manager.BreachEscalation,
		MaxProcessesPerSandbox: c.Manager.MaxProcessesPerSandbox,
		AuditDeliveryTimeout:   c.Manager.AuditDeliveryTimeout,
	}
	if err := opts.Validate(); err != nil {
		return sandbox.Options{}, fmt.Errorf("%w: %v", errdefs.ErrPolicyRejected, err)
	}
	return opts, nil
}

// Signer loads the audit signing key, or returns nil when none is
// configured.
func (c *Config) Signer() (audit.Signer, error) {
	if c.Manager.AuditSigningKeyFile == "" {
		return nil, nil
	}
	return audit.LoadSigner(c.Manager.AuditSigningAlgorithm, c.Manager.AuditSigningKeyFile)
}

// StorageOptions converts the storage section for storage.NewSQLiteStore.
func (c *Config) StorageOptions() *storage.Config {
	cfg := storage.DefaultConfig()
	cfg.DatabasePath = c.Storage.DatabasePath
	cfg.BackupDir = c.Storage.BackupDir
	cfg.EnableBackup = c.Storage.EnableBackup
	cfg.BackupInterval = c.Storage.BackupInterval
	cfg.BackupKeep = c.Storage.BackupKeep
	return cfg
}

// RuncOptions converts the host section for runtime.NewRuncHost.
func (c *Config) RuncOptions() runtime.RuncConfig {
	return runtime.RuncConfig{
		Command:     c.Host.RuncCommand,
		Root:        c.Host.RuncRoot,
		BundleRoot:  c.Host.BundleRoot,
		Rootfs:      c.Host.Rootfs,
		ApplyLabels: c.Host.ApplyLabels,
	}
}

// CreateDirectories creates the directories the configuration writes to
func (c *Config) CreateDirectories() error {
	var dirs []string
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}
	if c.Audit.Sink == "file" || c.Audit.Sink == "both" {
		dirs = append(dirs, filepath.Dir(c.Audit.LogPath))
	}
	if c.Storage.DatabasePath != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.DatabasePath))
	}
	if c.Storage.EnableBackup {
		dirs = append(dirs, c.Storage.BackupDir)
	}
	if c.Policies.Dir != "" {
		dirs = append(dirs, c.Policies.Dir)
	}
	if c.Host.Driver == "runc" {
		dirs = append(dirs, c.Host.BundleRoot)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
