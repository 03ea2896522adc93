package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline in phase order",
	Args:  cobra.NoArgs,
	RunE:  runPipeline,
}

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Poll RSS feeds and queue new episodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhaseDiscovery)
	},
}

var audioCmd = &cobra.Command{
	Use:   "audio",
	Short: "Download pending episode audio and split it into chunks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhaseAudio)
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Transcribe chunked episodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhaseTranscribe)
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score transcribed episodes against the topic catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhaseScore)
	},
}

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Compose digest scripts from qualifying episodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhaseCompose)
	},
}

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize",
	Short: "Render generated digests to MP3",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhaseSynthesize)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish finished digests to the release store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhasePublish)
	},
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete artifacts past their retention windows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinglePhase(cmd, models.PhaseRetention)
	},
}

var (
	flagDryRun      bool
	flagLimit       int
	flagDaysBack    int
	flagEpisodeGUID string
	flagPhase       string
)

func init() {
	rootCmd.AddCommand(runCmd, discoveryCmd, audioCmd, transcribeCmd, scoreCmd,
		composeCmd, synthesizeCmd, publishCmd, retentionCmd)

	runCmd.Flags().StringVar(&flagPhase, "phase", "", "Stop after the named phase")
	runCmd.Flags().IntVar(&flagDaysBack, "days-back", 0, "Discovery look-back window in days")
	runCmd.Flags().IntVar(&flagLimit, "limit", 0, "Maximum episodes per phase")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Report retention deletions without performing them")

	discoveryCmd.Flags().IntVar(&flagDaysBack, "days-back", 0, "Discovery look-back window in days")
	for _, cmd := range []*cobra.Command{audioCmd, transcribeCmd, scoreCmd} {
		cmd.Flags().IntVar(&flagLimit, "limit", 0, "Maximum episodes this pass")
		cmd.Flags().StringVar(&flagEpisodeGUID, "episode-guid", "", "Restrict the pass to one episode")
	}
	retentionCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Report deletions without performing them")
}

// runPipeline drives the whole phase sequence under one run record,
// emitting a JSON outcome line per phase as it goes.
func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, overrides(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	printer := newPhasePrinter(os.Stderr)
	runner := pipeline.NewRunner(a.stores.Runs, a.stores.Episodes, buildPhases(a), pipeline.Config{
		RunID:             a.runID,
		WorkflowRunID:     workflowRunID(),
		StopAfter:         flagPhase,
		ProcessingTimeout: a.eff.Settings.Pipeline.ProcessingTimeout(),
		OnEvent: func(ev models.PhaseEvent) {
			printer.Observe(ev)
			if ev.Status == models.PhaseEventCompleted || ev.Status == models.PhaseEventFailed {
				printOutcome(eventOutcome(ev))
			}
		},
	}, a.logger)

	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if res.PhasesFailed > 0 {
		return fmt.Errorf("run %s finished with failed phases: %s",
			res.RunID, strings.Join(res.Failed, ", "))
	}
	return nil
}

// runSinglePhase executes one phase through the orchestrator so standalone
// invocations share run records, stuck-episode recovery, and phase events
// with full runs. The phase is forced fatal: a standalone phase that fails
// must exit nonzero.
func runSinglePhase(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx, overrides(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	var phase pipeline.Phase
	for _, p := range buildPhases(a) {
		if p.Name == name {
			phase = p
			break
		}
	}
	phase.Fatal = true

	printer := newPhasePrinter(os.Stderr)
	runner := pipeline.NewRunner(a.stores.Runs, a.stores.Episodes, []pipeline.Phase{phase}, pipeline.Config{
		RunID:             a.runID,
		WorkflowRunID:     workflowRunID(),
		ProcessingTimeout: a.eff.Settings.Pipeline.ProcessingTimeout(),
		OnEvent:           printer.Observe,
	}, a.logger)

	_, runErr := runner.Run(ctx)
	printOutcome(printer.Outcome(name, runErr))
	return runErr
}
