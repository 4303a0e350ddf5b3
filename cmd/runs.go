package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"orchestrator/internal/config"
	orchstrings "orchestrator/pkg/strings"
)

var runsLimit int

// newRunsCmd creates the Cobra command that lists recent apply runs
// from the bounded run-log ring buffer.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent apply runs",
		RunE:  runRuns,
	}
	cmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "Maximum number of runs to show")
	return cmd
}

func runRuns(cmd *cobra.Command, args []string) error {
	_, store, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runs, err := store.ListRuns(runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded yet")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("RUN ID"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("STATUS"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("STAGES"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("SUMMARY"),
	})

	for _, run := range runs {
		t.AppendRow(table.Row{
			run.RunID,
			statusText(run),
			len(run.Events),
			orchstrings.TruncateDescription(run.Summary, orchstrings.DefaultDescriptionMaxLen),
		})
	}

	t.Render()
	return nil
}

func statusText(run config.RunRecord) string {
	switch {
	case run.OK == nil:
		return text.Colors{text.FgHiYellow, text.Bold}.Sprint("in progress")
	case *run.OK:
		return text.Colors{text.FgHiGreen, text.Bold}.Sprint("ok")
	default:
		return text.Colors{text.FgHiRed, text.Bold}.Sprint("failed")
	}
}
