package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/briefcast/briefcast/pkg/logging"
	"github.com/briefcast/briefcast/pkg/stt"
)

var sttCmd = &cobra.Command{
	Use:   "stt",
	Short: "Local transcription utilities",
}

var sttVerifyCacheCmd = &cobra.Command{
	Use:   "verify-cache",
	Short: "Check cached whisper model weights against their published checksums",
	Args:  cobra.NoArgs,
	RunE:  runSTTVerifyCache,
}

var flagCacheDir string

func init() {
	rootCmd.AddCommand(sttCmd)
	sttCmd.AddCommand(sttVerifyCacheCmd)
	sttVerifyCacheCmd.Flags().StringVar(&flagCacheDir, "cache-dir", "",
		"Model cache directory (default: the user cache dir)")
}

// runSTTVerifyCache needs no database: the model cache is purely local.
func runSTTVerifyCache(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir := flagCacheDir
	if dir == "" {
		var err error
		dir, err = stt.DefaultModelCacheDir()
		if err != nil {
			return err
		}
	}

	logger, closeLog, err := logging.Setup(logging.Options{Verbose: flagVerbose})
	if err != nil {
		return err
	}
	defer closeLog()

	outcome, err := stt.NewModelCache(dir, logger).Verify(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Checked %d cached models: %d deleted, %d unverified\n",
		outcome.Checked, len(outcome.Deleted), len(outcome.Unverified))
	return nil
}
