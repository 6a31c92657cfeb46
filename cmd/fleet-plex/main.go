package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"fleet-plex/internal/config"

	"github.com/spf13/cobra"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global configuration
	cfg *config.Config

	// Persistent flags
	configFile    string
	inventoryFile string
	logLevel      string
	logFormat     string
	quiet         bool
	storeDriver   string
	storeDSN      string
	redisAddr     string

	// exec flags
	batchSize    int
	cmdTimeout   time.Duration
	dispatchRate float64
	outputMode   string
	showProgress bool
	showStats    bool

	// serve flags
	listenAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(getExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleet-plex",
	Short: "Run commands across a fleet of Linux and Windows hosts",
	Long: `fleet-plex dispatches one command to many saved connections at once,
over SSH for Unix-like hosts and PowerShell remoting for Windows hosts.

Hosts come from an inventory seed file, an Ansible inventory, a Postgres
store shared with the HTTP API, or hypervisor providers (vSphere, Proxmox)
that are synced into the store.

Examples:
  # Run on every Linux host in the inventory
  fleet-plex exec --inventory fleet.yaml --target-os linux -- uptime

  # Run a predefined command on one group, rendering variables
  fleet-plex exec --group web --saved service-check --var service=nginx

  # Preview targets and batches without connecting
  fleet-plex exec --pattern "db-*" --dry-run -- "systemctl status postgresql"

  # Serve the HTTP API and event stream
  fleet-plex serve --listen :8080 --store-driver postgres --store-dsn postgres://...`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return loadConfig(cmd)
	},
}

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleet-plex %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default: ./config.yaml, ~/.config/fleet-plex, /etc/fleet-plex)")
	pf.StringVar(&inventoryFile, "inventory", "", "Seed file or Ansible inventory loaded into the store")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (info, error)")
	pf.StringVar(&logFormat, "log-format", "text", "Log format (json, text)")
	pf.BoolVar(&quiet, "quiet", false, "Suppress non-error output")
	pf.StringVar(&storeDriver, "store-driver", "memory", "Store backend (memory, postgres)")
	pf.StringVar(&storeDSN, "store-dsn", "", "Postgres connection string")
	pf.StringVar(&redisAddr, "redis-addr", "", "Redis address for the sync lock and event channel")

	rootCmd.AddCommand(newExecCmd(), newSyncCmd(), newDiscoverCmd(), newImportCmd(), newServeCmd(), newServiceCmd(), newWatchCmd())
}

// loadConfig reads configuration from all sources and applies explicit flags.
func loadConfig(cmd *cobra.Command) error {
	configManager := config.NewManager()
	if configFile != "" {
		configManager.SetConfigFile(configFile)
	}
	loadedCfg, err := configManager.Load()
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to load configuration: %v", err)}
	}
	cfg = loadedCfg

	if err := overrideConfigWithFlags(cmd); err != nil {
		return err
	}
	return nil
}

func overrideConfigWithFlags(cmd *cobra.Command) error {
	// Override configuration with CLI flags if they were explicitly set
	flags := cmd.Flags()
	if flags.Changed("inventory") {
		cfg.Inventory = inventoryFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("quiet") {
		cfg.Quiet = quiet
	}
	if flags.Changed("store-driver") {
		cfg.Store.Driver = storeDriver
	}
	if flags.Changed("store-dsn") {
		cfg.Store.DSN = storeDSN
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr = redisAddr
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = batchSize
	}
	if flags.Changed("cmd-timeout") {
		cfg.CmdTimeout = cmdTimeout
	}
	if flags.Changed("dispatch-rate") {
		cfg.DispatchRate = dispatchRate
	}
	if flags.Changed("output") {
		cfg.Output = outputMode
	}
	if flags.Changed("progress") {
		cfg.ShowProgress = showProgress
	}
	if flags.Changed("stats") {
		cfg.ShowStats = showStats
	}
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}

	// Validate the final configuration
	configManager := config.NewManager()
	if err := configManager.Validate(cfg); err != nil {
		return &SetupError{Message: fmt.Sprintf("configuration validation failed: %v", err)}
	}

	return nil
}

// ExecutionError represents an error during command execution (exit code 1)
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// SetupError represents an error during setup/configuration (exit code 2)
type SetupError struct {
	Message string
}

func (e *SetupError) Error() string {
	return e.Message
}

// setupErr classifies err as a setup error unless it already carries an exit class.
func setupErr(err error) error {
	var se *SetupError
	var ee *ExecutionError
	if stderrors.As(err, &se) || stderrors.As(err, &ee) {
		return err
	}
	return &SetupError{Message: err.Error()}
}

// getExitCode determines the appropriate exit code based on error type
// Returns:
//   - 0: Success (all targets succeeded)
//   - 1: Execution failure (one or more targets failed)
//   - 2: Setup error (invalid arguments, configuration issues, etc.)
func getExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch err.(type) {
	case *SetupError:
		return 2
	case *ExecutionError:
		return 1
	default:
		return 2
	}
}
