package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/briefcast/briefcast/pkg/config"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect pipeline settings",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show effective settings and where each value comes from",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsListCmd)
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrapAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	eff, err := config.Resolve(ctx, a.stores.Settings, a.logger, config.Overrides{})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SETTING\tVALUE\tSOURCE")
	for _, key := range config.CatalogKeys() {
		value, _ := eff.Value(key)
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, eff.Source[key])
	}
	return w.Flush()
}
