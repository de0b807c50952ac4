package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lix/internal/lix"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Manage versions",
	Long: `Manage the versions of a lix file.

Subcommands:
  create   Create a version from the active one
  list     List versions
  switch   Make a version active
  delete   Delete a version
  inherit  Change the version a version inherits from

Examples:
  lix version create feature
  lix version create scratch --inherits-from -
  lix version switch feature
  lix version list`,
}

var (
	versionID           string
	versionFrom         string
	versionInheritsFrom string
)

var versionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a version from the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			v, err := l.CreateVersion(ctx, lix.CreateVersionArgs{
				ID:           versionID,
				Name:         args[0],
				From:         versionFrom,
				InheritsFrom: versionInheritsFrom,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created version %s (%s)\n", v.Name, v.ID)
			return nil
		})
	},
}

var versionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			versions, err := l.ListVersions(ctx)
			if err != nil {
				return err
			}
			active, err := l.ActiveVersion(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tNAME\tID\tINHERITS FROM\tCOMMIT")
			for _, v := range versions {
				marker := ""
				if v.ID == active.ID {
					marker = "*"
				}
				parent := v.Parent()
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, v.Name, v.ID, parent, v.CommitID)
			}
			return tw.Flush()
		})
	},
}

var versionSwitchCmd = &cobra.Command{
	Use:   "switch <name|id>",
	Short: "Make a version active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			v, err := l.SwitchVersion(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Switched to version %s\n", v.Name)
			return nil
		})
	},
}

var versionDeleteCmd = &cobra.Command{
	Use:   "delete <name|id>",
	Short: "Delete a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			if err := l.DeleteVersion(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted version %s\n", args[0])
			return nil
		})
	},
}

var versionInheritCmd = &cobra.Command{
	Use:   "inherit <name|id> <parent|->",
	Short: "Change the version a version inherits from",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			return l.SetInheritance(ctx, args[0], args[1])
		})
	},
}

func init() {
	versionCreateCmd.Flags().StringVar(&versionID, "id", "", "Version id (default: generated)")
	versionCreateCmd.Flags().StringVar(&versionFrom, "from", "", "Version to copy state from (default: active)")
	versionCreateCmd.Flags().StringVar(&versionInheritsFrom, "inherits-from", "", "Parent version, '-' for none (default: global)")

	versionCmd.AddCommand(versionCreateCmd, versionListCmd, versionSwitchCmd, versionDeleteCmd, versionInheritCmd)
	rootCmd.AddCommand(versionCmd)
}
