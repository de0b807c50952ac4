// Copyright 2024 Lix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lix/internal/config"
	"lix/internal/lix"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a lix file",
	Long: `Create a new lix file (-f/--file) with the global and main versions.

Also writes the default settings.yaml into the config directory
(--config-dir) unless one already exists.

Examples:
  lix init
  lix init -f ~/projects/app.lix --config-dir ~/projects/.lix`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return fmt.Errorf("failed to resolve config directory: %w", err)
	}
	if _, err := os.Stat(filepath.Join(absDir, config.SettingsFileName)); err == nil {
		fmt.Fprintf(out, "  %s already exists (not modified)\n", config.SettingsFileName)
	} else {
		if err := config.InitSettings(absDir); err != nil {
			return err
		}
		fmt.Fprintf(out, "  created %s\n", filepath.Join(absDir, config.SettingsFileName))
	}

	path, err := filepath.Abs(lixFile)
	if err != nil {
		return fmt.Errorf("failed to resolve lix file: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("lix file already exists: %s", path)
	}
	l, err := lix.Create(commandContext(cmd), path, lix.Options{Settings: settings})
	if err != nil {
		return fmt.Errorf("failed to create lix file: %w", err)
	}
	defer l.Close()

	fmt.Fprintf(out, "Initialized lix file %s\n", path)
	for _, w := range l.Warnings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
	}
	return nil
}
