package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxrunner/sandboxd/pkg/api"
	"github.com/sandboxrunner/sandboxd/pkg/config"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/monitoring"
)

var (
	// Global flags
	configFile   string
	logLevel     string
	logFormat    string
	serverURL    string
	outputFormat string
	timeout      time.Duration

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	monitoring.Version = version

	rootCmd := &cobra.Command{
		Use:   "sandboxd",
		Short: "Application sandbox daemon",
		Long: `sandboxd confines applications to permission policies. It tracks
every process of a sandbox, mediates permission checks, enforces resource
limits, and keeps a signed audit trail of what each sandbox did.

Run "sandboxd serve" to start the daemon; the other commands talk to a
running daemon over its REST API.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, console)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL(), "sandboxd API address")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "API request timeout")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPolicyCmd())
	rootCmd.AddCommand(newSandboxCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newPermissionsCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func defaultServerURL() string {
	if v := os.Getenv(config.EnvPrefix + "_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:7878"
}

func newClient() *api.Client {
	return api.NewClient(serverURL, api.WithTimeout(timeout))
}

// requestContext bounds one API call by the --timeout flag.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

// loadConfig reads the configuration and applies the command line
// overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, cfg.Validate()
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	// Generate default config
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			path := outputPath
			if path == "" {
				path = "sandboxd.yaml"
			}

			if err := cfg.SaveConfig(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	// Validate config
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Listen: %s:%d\n", cfg.Server.Address, cfg.Server.Port)
			fmt.Fprintf(out, "Host driver: %s\n", cfg.Host.Driver)
			fmt.Fprintf(out, "Default security level: %s\n", cfg.Manager.DefaultSecurityLevel)
			fmt.Fprintf(out, "Max sandboxes: %d\n", cfg.Manager.MaxSandboxes)
			fmt.Fprintf(out, "Audit sink: %s\n", cfg.Audit.Sink)
			fmt.Fprintf(out, "Database: %s\n", cfg.Storage.DatabasePath)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "sandboxd\n")
	fmt.Fprintf(w, "Version: %s\n", version)
	fmt.Fprintf(w, "Commit: %s\n", commit)
	fmt.Fprintf(w, "Built: %s\n", date)
}
