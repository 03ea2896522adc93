package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/briefcast/briefcast/pkg/models"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs with their phase history",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var flagRunsLimit int

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsListCmd.Flags().IntVar(&flagRunsLimit, "limit", 10, "Maximum runs to show")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrapAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.stores.Runs.List(ctx, flagRunsLimit)
	if err != nil {
		return err
	}

	for _, run := range runs {
		fmt.Printf("%s  %s  started %s", run.ID, run.Status,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"))
		if run.FinishedAt != nil {
			fmt.Printf("  finished %s", run.FinishedAt.Local().Format("15:04:05"))
		}
		if run.Conclusion != nil && *run.Conclusion != "" {
			fmt.Printf("  (%s)", *run.Conclusion)
		}
		fmt.Println()

		if run.CurrentPhase != nil {
			fmt.Printf("  current phase: %s\n", *run.CurrentPhase)
		}
		for _, ev := range run.Phases {
			// Starting events would double every line; the terminal event
			// carries the counts.
			if ev.Status == models.PhaseEventStarting {
				continue
			}
			line := fmt.Sprintf("  %-11s %s", ev.Phase, ev.Status)
			if counts := formatCounts(ev.Counts); counts != "" {
				line += " " + counts
			}
			if ev.Error != "" {
				line += "  " + ev.Error
			}
			fmt.Println(line)
		}
	}
	return nil
}
