package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var episodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "Operate on episode rows",
}

var episodesRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return a failed episode to pending",
	Args:  cobra.NoArgs,
	RunE:  runEpisodesRetry,
}

func init() {
	rootCmd.AddCommand(episodesCmd)
	episodesCmd.AddCommand(episodesRetryCmd)
	episodesRetryCmd.Flags().StringVar(&flagEpisodeGUID, "episode-guid", "", "GUID of the failed episode")
	_ = episodesRetryCmd.MarkFlagRequired("episode-guid")
}

func runEpisodesRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrapAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.stores.Episodes.Requeue(ctx, flagEpisodeGUID); err != nil {
		return err
	}
	fmt.Printf("Episode %s returned to pending\n", flagEpisodeGUID)
	return nil
}
