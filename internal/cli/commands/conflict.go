package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lix/internal/lix"
)

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Record, list and resolve conflicts",
	Long: `Record, list and resolve conflicts between changes.

Examples:
  lix conflict record <change-id> <conflicting-change-id>
  lix conflict list
  lix conflict resolve <change-id> <conflicting-change-id> --parent <change-id> --snapshot '{"key":"a","value":"b"}'
  lix conflict resolve <change-id> <conflicting-change-id> --id <change-id>`,
}

var conflictRecordCmd = &cobra.Command{
	Use:   "record <change-id> <conflicting-change-id>",
	Short: "Record that two changes conflict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			return l.RecordConflict(ctx, args[0], args[1])
		})
	},
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			conflicts, err := l.ListConflicts(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANGE\tCONFLICTING\tRESOLVED WITH")
			for _, c := range conflicts {
				resolved := "-"
				if c.ResolvedWithChangeID != nil {
					resolved = *c.ResolvedWithChangeID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ChangeID, c.ConflictingChangeID, resolved)
			}
			return tw.Flush()
		})
	},
}

var (
	resolveParent   string
	resolveID       string
	resolveSnapshot string
	resolveDelete   bool
)

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <change-id> <conflicting-change-id>",
	Short: "Resolve a conflict with a new or an existing change",
	Long: `Resolve a conflict in the active version.

Select one of the two conflicting changes with --id, or create a new change
that supersedes --parent, which must be one of the two. A new change takes
its entity, schema and file from the parent. Pass its snapshot as JSON with
--snapshot, or --delete to remove the entity.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := lix.ChangeInput{ID: resolveID, ParentID: resolveParent}
		switch {
		case resolveParent == "" && resolveID == "":
			return fmt.Errorf("--id or --parent is required")
		case resolveDelete && resolveSnapshot != "":
			return fmt.Errorf("--snapshot and --delete are exclusive")
		case resolveParent != "" && !resolveDelete && resolveSnapshot == "":
			return fmt.Errorf("--snapshot or --delete is required with --parent")
		}
		if resolveSnapshot != "" {
			if err := json.Unmarshal([]byte(resolveSnapshot), &in.Snapshot); err != nil {
				return fmt.Errorf("invalid --snapshot: %w", err)
			}
		}
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			id, err := l.ResolveConflict(ctx, lix.ResolveConflictArgs{
				ConflictChangeID:    args[0],
				ConflictingChangeID: args[1],
				ResolveWith:         in,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved with change %s\n", id)
			return nil
		})
	},
}

func init() {
	conflictResolveCmd.Flags().StringVar(&resolveParent, "parent", "", "Conflicting change the resolution supersedes")
	conflictResolveCmd.Flags().StringVar(&resolveID, "id", "", "Conflicting change to keep, or the id of the new change (default: generated)")
	conflictResolveCmd.Flags().StringVar(&resolveSnapshot, "snapshot", "", "Snapshot content as JSON")
	conflictResolveCmd.Flags().BoolVar(&resolveDelete, "delete", false, "Resolve by deleting the entity")

	conflictCmd.AddCommand(conflictRecordCmd, conflictListCmd, conflictResolveCmd)
	rootCmd.AddCommand(conflictCmd)
}
