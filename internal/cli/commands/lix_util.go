package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lix/internal/config"
	"lix/internal/lix"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openLix opens the file named by --file with the loaded settings and
// prints load warnings to stderr.
func openLix(cmd *cobra.Command) (*lix.Lix, error) {
	path, err := filepath.Abs(lixFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve lix file: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("lix file not found: %s (run 'lix init' first)", path)
	}
	s := settings
	if s == nil {
		d := config.DefaultSettings()
		s = &d
	}
	l, err := lix.Open(commandContext(cmd), path, lix.Options{Settings: s})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	for _, w := range l.Warnings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
	}
	return l, nil
}

// withLix opens the lix file, runs fn and closes the file.
func withLix(cmd *cobra.Command, fn func(ctx context.Context, l *lix.Lix) error) error {
	l, err := openLix(cmd)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(commandContext(cmd), l)
}

// printResult writes rows as a tab-aligned table with a header line.
func printResult(w io.Writer, res *lix.Result) error {
	if len(res.Columns) == 0 {
		_, err := fmt.Fprintf(w, "%d row(s) affected\n", res.RowsAffected)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, c := range res.Columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)
	for _, row := range res.Rows {
		for i, v := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, formatValue(v))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// toArgs turns positional SQL parameters into driver values.
func toArgs(params []string) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return args
}
