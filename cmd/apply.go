package cmd

import (
	"context"
	"fmt"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"orchestrator/internal/apply"
	"orchestrator/internal/config"
)

// newApplyCmd creates the Cobra command that runs one converge pass
// against the currently persisted stack document.
func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Converge the stack to its declared configuration",
		Long: `apply validates the persisted stack document, prepares the host
filesystem and TLS assets, renders the compose bundle, brings the stack
up, waits for every enabled service to become reachable, and reconciles
each service's own configuration in dependency order.`,
		RunE: runApply,
	}
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, store, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if verrs := config.NewValidator(cfg).Validate(); verrs != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is invalid:")
		for _, e := range verrs.Errors {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", e.Error())
		}
		exitWith(ExitCodeValidationFailed)
		return nil
	}

	sp := spinner.New(spinner.CharSets[9], spinnerInterval)
	sp.Suffix = " applying stack..."
	sp.Start()
	defer sp.Stop()

	runner := apply.NewRunner(store, config.RootDir())
	result, err := runner.Run(context.Background(), cfg)
	sp.Stop()
	if err != nil {
		return fmt.Errorf("apply run: %w", err)
	}

	for _, event := range result.Events {
		fmt.Fprintf(cmd.OutOrStdout(), "[%-8s] %-24s %s\n", event.Status, event.Stage, event.Detail)
	}

	if !result.OK {
		fmt.Fprintf(cmd.OutOrStdout(), "\napply run %s failed\n", result.RunID)
		exitWith(ExitCodeApplyFailed)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\napply run %s succeeded\n", result.RunID)
	return nil
}
