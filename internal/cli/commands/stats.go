package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lix/internal/lix"
	"lix/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show lix file statistics and engine metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "File:\t%s\n", l.Path())

			versions, err := l.ListVersions(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "Versions:\t%d\n", len(versions))
			files, err := l.ListFiles(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "Files:\t%d\n", len(files))
			commits, err := l.History(ctx, "", 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "Commits (active):\t%d\n", len(commits))
			var plugins []string
			for _, p := range l.Plugins().Plugins() {
				plugins = append(plugins, p.Key)
			}
			fmt.Fprintf(tw, "Plugins:\t%s\n", strings.Join(plugins, ", "))

			cs := l.StatementCacheStats()
			fmt.Fprintf(tw, "Statement cache:\t%d/%d entries, %d hits, %d misses\n", cs.Size, cs.MaxSize, cs.Hits, cs.Misses)

			samples, err := metrics.Gather()
			if err != nil {
				return err
			}
			for _, s := range samples {
				fmt.Fprintf(tw, "%s\t%g\n", s.Name, s.Value)
			}
			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
