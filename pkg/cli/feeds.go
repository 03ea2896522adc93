package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/spf13/cobra"
)

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage RSS feed sources",
}

var feedsAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Register an RSS feed, fetching its title",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeedsAdd,
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feeds and their health",
	Args:  cobra.NoArgs,
	RunE:  runFeedsList,
}

func init() {
	rootCmd.AddCommand(feedsCmd)
	feedsCmd.AddCommand(feedsAddCmd, feedsListCmd)
}

func runFeedsAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	url := args[0]

	// Fetch before touching the database: a URL that does not parse as a
	// feed should be rejected, not registered.
	parsed, err := gofeed.NewParser().ParseURLWithContext(url, ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch feed: %w", err)
	}

	a, err := bootstrapAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	feed, created, err := a.stores.Feeds.Create(ctx, url, parsed.Title, parsed.Description)
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("Feed already registered: %s (id %d)\n", feed.URL, feed.ID)
		return nil
	}
	fmt.Printf("Added feed %q (id %d)\n", feed.Title, feed.ID)
	return nil
}

func runFeedsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrapAdmin(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	feeds, err := a.stores.Feeds.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tACTIVE\tFAILURES\tLAST CHECKED\tLAST EPISODE")
	for _, f := range feeds {
		title := f.Title
		if title == "" {
			title = f.URL
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%s\t%s\n",
			f.ID, title, f.Active, f.ConsecutiveFailures,
			formatTime(f.LastChecked), formatTime(f.LastEpisodeDate))
	}
	return w.Flush()
}

// formatTime renders a nullable timestamp for table output.
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
