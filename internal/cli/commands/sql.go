package commands

import (
	"context"

	"github.com/spf13/cobra"

	"lix/internal/lix"
)

var noSideEffects bool

var execCmd = &cobra.Command{
	Use:   "exec <sql> [params...]",
	Short: "Run a SQL statement against the entity views",
	Long: `Run a SQL statement. Writes to entity views are staged in the active
version and committed when the statement finishes. Extra arguments bind to
?-parameters in order.

Examples:
  lix exec "INSERT INTO key_value (key, value) VALUES (?, ?)" theme dark
  lix exec "UPDATE text_document SET content = 'hi' WHERE lixcol_file_id = ?" 0192...
  lix exec --no-side-effects "DELETE FROM json_pointer_value WHERE path = '/a'"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			if noSideEffects {
				ctx = lix.WithoutSideEffects(ctx)
			}
			res, err := l.Exec(ctx, args[0], toArgs(args[1:])...)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <sql> [params...]",
	Short: "Run a read-only query",
	Long: `Run a read-only query and print the rows.

Examples:
  lix query "SELECT key, value FROM key_value"
  lix query "SELECT * FROM key_value_all WHERE lixcol_version_id = ?" global
  lix query "SELECT key, lixcol_change_id FROM key_value_history WHERE key = 'theme'"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			res, err := l.Query(ctx, args[0], toArgs(args[1:])...)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	execCmd.Flags().BoolVar(&noSideEffects, "no-side-effects", false, "Do not regenerate file bytes from changed entities")
	rootCmd.AddCommand(execCmd, queryCmd)
}
