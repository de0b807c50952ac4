package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"lix/internal/lix"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Read and write files of the active version",
	Long: `Read and write files of the active version. Files matched by a plugin
are split into entities that can be queried and merged.

Examples:
  lix file write /docs/readme.md ./README.md
  lix file read /docs/readme.md
  lix file ls
  lix file rm /docs/readme.md`,
}

var fileWriteCmd = &cobra.Command{
	Use:   "write <lix-path> [local-file]",
	Short: "Write a file from a local file or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if len(args) == 2 {
			data, err = os.ReadFile(args[1])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			id, err := l.WriteFile(ctx, args[0], data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s, %d bytes)\n", lix.NormalizePath(args[0]), id, len(data))
			return nil
		})
	},
}

var fileReadCmd = &cobra.Command{
	Use:   "read <lix-path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			data, err := l.ReadFile(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		})
	},
}

var fileListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			files, err := l.ListFiles(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tID\tSIZE")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", f.Path, f.ID, len(f.Data))
			}
			return tw.Flush()
		})
	},
}

var fileRemoveCmd = &cobra.Command{
	Use:   "rm <lix-path>",
	Short: "Delete a file and its entities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			return l.DeleteFile(ctx, args[0])
		})
	},
}

var (
	importNoGitignore bool
	importExcludes    []string
)

var importCmd = &cobra.Command{
	Use:   "import <directory>",
	Short: "Write every file of a directory into the active version",
	Long: `Write every file under a directory into the active version in one commit.

.git and lix files are always skipped. .gitignore rules apply unless
--no-gitignore is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve directory: %w", err)
		}
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			imported, err := l.ImportDir(ctx, dir, lix.ImportOptions{Gitignore: !importNoGitignore, Excludes: importExcludes})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d files from %s\n", len(imported), dir)
			return nil
		})
	},
}

var (
	exportOutdir string
	exportClean  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the files of the active version to a directory",
	Long: `Write every file of the active version into --outdir, relative to the
current directory. Files handled by a plugin are rendered from their
entities.

Examples:
  lix export --outdir dist
  lix export --outdir dist --clean`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := os.Getwd()
		if err != nil {
			return err
		}
		return withLix(cmd, func(ctx context.Context, l *lix.Lix) error {
			written, err := l.Export(ctx, lix.ExportOptions{
				FS:          osfs.New("/"),
				ProjectRoot: root,
				Outdir:      exportOutdir,
				CleanOutdir: exportClean,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d files\n", len(written))
			return nil
		})
	},
}

func init() {
	importCmd.Flags().BoolVar(&importNoGitignore, "no-gitignore", false, "Import files matched by .gitignore")
	importCmd.Flags().StringSliceVar(&importExcludes, "exclude", nil, "Relative paths to skip")
	exportCmd.Flags().StringVarP(&exportOutdir, "outdir", "o", "dist", "Output directory")
	exportCmd.Flags().BoolVar(&exportClean, "clean", false, "Remove the previous contents of the output directory")

	fileCmd.AddCommand(fileWriteCmd, fileReadCmd, fileListCmd, fileRemoveCmd)
	rootCmd.AddCommand(fileCmd, importCmd, exportCmd)
}
