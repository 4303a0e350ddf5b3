package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"orchestrator/internal/config"
)

// newValidateCmd creates the Cobra command that runs the pre-flight
// validator against the persisted stack document without touching the
// container driver or any downstream service.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the stack configuration without applying it",
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	verrs := config.NewValidator(cfg).Validate()
	if verrs == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "configuration is invalid:")
	for _, e := range verrs.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", e.Check, e.Message)
	}
	exitWith(ExitCodeValidationFailed)
	return nil
}
