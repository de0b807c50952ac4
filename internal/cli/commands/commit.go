package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lix/internal/lix"
	"lix/internal/merge"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Turn the working change set into a labeled checkpoint",
	Long: `Commit the working change set of the active version as a checkpoint.

The checkpoint's change set is labeled 'checkpoint' and the version gets a
fresh, empty working change set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			cp, err := l.Checkpoint(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s (change set %s)\n", cp.CommitID, cp.ChangeSetID)
			return nil
		})
	},
}

var (
	mergeTarget       string
	mergePreferTarget bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <source>",
	Short: "Merge a version into the active one",
	Long: `Merge the source version into the target version (default: active).

Each entity takes the value of the side whose change is newer: a change
wins over its ancestors, then the higher commit generation wins. Ties go to
the source unless --prefer-target is set.

Examples:
  lix merge feature
  lix merge feature --target release --prefer-target`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			precedence := merge.PreferSource
			if mergePreferTarget {
				precedence = merge.PreferTarget
			}
			res, err := l.Merge(ctx, lix.MergeArgs{Source: args[0], Target: mergeTarget, Precedence: precedence})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.UpToDate {
				fmt.Fprintln(out, "Already up to date")
				return nil
			}
			fmt.Fprintf(out, "Merged into commit %s, %d entities changed\n", res.CommitID, len(res.Changed))
			for _, d := range res.Decisions {
				fmt.Fprintf(out, "  %s/%s: %s (%s)\n", d.Key.SchemaKey, d.Key.EntityID, d.Winner, d.Reason)
			}
			return nil
		})
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [version]",
	Short: "Show the commits of a version",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			commits, err := l.History(ctx, name, historyLimit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMMIT\tGEN\tCHANGES\tPARENTS\tCREATED")
			for _, c := range commits {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", c.ID, c.Generation, len(c.ChangeIDs), strings.Join(c.ParentCommitIDs, ","), c.CreatedAt)
			}
			return tw.Flush()
		})
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeTarget, "target", "", "Target version (default: active)")
	mergeCmd.Flags().BoolVar(&mergePreferTarget, "prefer-target", false, "Keep the target's value when both sides are equally new")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of commits, 0 for all")
	rootCmd.AddCommand(checkpointCmd, mergeCmd, historyCmd)
}
