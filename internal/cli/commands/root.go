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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lix/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

var (
	lixFile   string
	configDir string
	settings  *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "lix",
	Short: "Change control for structured files",
	Long: `Lix records every change to the entities of a project in an append-only
change log, organizes changes into commits and versions, and merges versions
entity by entity.

All state lives in one lix file (-f/--file). Entity views are queried and
written with SQL through 'lix query' and 'lix exec'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		s, err := config.LoadSettings(configDir)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = s
		configureLogging(s)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("lix version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&lixFile, "file", "f", "project.lix", "Path of the lix file")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".lix", "Directory holding settings.yaml")
}

// configureLogging routes logrus to stderr at the configured level, or
// discards it when logging is off.
func configureLogging(s *config.Settings) {
	if !s.LoggingEnabled() {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(os.Stderr)
	switch strings.ToLower(s.LogLevel) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
