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

// Package config loads and saves lix settings.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"lix/internal/artifacts"
)

// SettingsFileName is the settings file looked up in a project directory.
const SettingsFileName = "settings.yaml"

// EnvPrefix prefixes every environment override (LIX_LOG_LEVEL, LIX_DRIVER, ...).
const EnvPrefix = "LIX"

// Settings holds engine and CLI settings.
type Settings struct {
	LogLevel           string   `yaml:"log_level" mapstructure:"log_level"`                       // trace, debug, info, warn, off
	BusyTimeout        int      `yaml:"busy_timeout" mapstructure:"busy_timeout"`                 // SQLite busy_timeout (ms), 0 = default
	Driver             string   `yaml:"driver" mapstructure:"driver"`                             // libsql or sqlite
	StatementCacheSize int      `yaml:"statement_cache_size" mapstructure:"statement_cache_size"` // compiled statement LRU size
	Plugins            []string `yaml:"plugins" mapstructure:"plugins"`                           // enabled plugin keys
	AuthorAccount      string   `yaml:"author_account" mapstructure:"author_account"`
}

// Drivers accepted by the storage layer.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// DefaultSettings parses the embedded default settings.
func DefaultSettings() Settings {
	var s Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &s); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return s
}

// LoadSettings layers the embedded defaults, {dir}/settings.yaml and LIX_*
// environment variables. A missing settings file is not an error.
func LoadSettings(dir string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(artifacts.GlobalSettings)); err != nil {
		return nil, fmt.Errorf("failed to read embedded settings: %w", err)
	}

	if dir != "" {
		path := filepath.Join(dir, SettingsFileName)
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"log_level", "busy_timeout", "driver", "statement_cache_size", "plugins", "author_account"} {
		_ = v.BindEnv(key)
	}

	s := &Settings{
		LogLevel:           v.GetString("log_level"),
		BusyTimeout:        v.GetInt("busy_timeout"),
		Driver:             v.GetString("driver"),
		StatementCacheSize: v.GetInt("statement_cache_size"),
		Plugins:            v.GetStringSlice("plugins"),
		AuthorAccount:      v.GetString("author_account"),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks enumerated fields.
func (s *Settings) Validate() error {
	switch strings.ToLower(s.Driver) {
	case DriverLibSQL, DriverSQLite:
		s.Driver = strings.ToLower(s.Driver)
	case "":
		s.Driver = DriverLibSQL
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", s.Driver, DriverLibSQL, DriverSQLite)
	}
	if s.StatementCacheSize < 0 {
		return fmt.Errorf("statement_cache_size must not be negative")
	}
	if s.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must not be negative")
	}
	return nil
}

// LoggingEnabled returns whether any log level other than "off" is set.
func (s *Settings) LoggingEnabled() bool {
	level := strings.ToLower(s.LogLevel)
	return level != "" && level != "off" && level != "none"
}

// SaveSettings writes settings to {dir}/settings.yaml.
func SaveSettings(dir string, s *Settings) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# Lix settings\n# See: lix --help\n\n")
	return os.WriteFile(filepath.Join(dir, SettingsFileName), append(header, data...), 0600)
}

// InitSettings writes the embedded defaults to {dir}/settings.yaml if the
// file does not exist yet.
func InitSettings(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	path := filepath.Join(dir, SettingsFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}
