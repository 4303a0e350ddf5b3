package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"orchestrator/internal/config"
	"orchestrator/pkg/logging"
)

// Exit codes for CLI invocations of the core, per SPEC_FULL §6.
const (
	// ExitCodeSuccess indicates a successful apply or validation.
	ExitCodeSuccess = 0
	// ExitCodeApplyFailed indicates an apply run reached a terminal
	// failed state.
	ExitCodeApplyFailed = 1
	// ExitCodeValidationFailed indicates the config failed pre-flight
	// validation before any apply stage ran.
	ExitCodeValidationFailed = 2
)

// rootCmd represents the base command for the orchestrator CLI.
var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Converge a self-hosted media stack to its declared configuration",
	Long: `orchestrator renders, deploys, and reconciles a self-hosted media
automation stack (torrent client, library managers, indexer aggregator,
media server, request broker, and post-processing pipeline) against a
single declarative configuration document.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from
// main.main() to inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "orchestrator version %s\n" .Version}}`)

	level := logging.LevelInfo
	if config.DebugEnabled() {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeApplyFailed)
	}
}

func init() {
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
