// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Config is the session configuration. Every field is optional; the
// zero value is filled from DefaultConfig.
type Config struct {
	// Title and AppID of the implicit window.
	Title string `yaml:"title"`
	AppID string `yaml:"app_id"`

	// DefaultWidth and DefaultHeight are the logical size used when
	// the compositor leaves the choice of an axis to the client.
	DefaultWidth  uint32 `yaml:"default_width"`
	DefaultHeight uint32 `yaml:"default_height"`

	// AssetsPath points the engine at the application bundle.
	AssetsPath string `yaml:"assets_path"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Title:         "Tideway",
		AppID:         "org.tideway",
		DefaultWidth:  800,
		DefaultHeight: 600,
		LogLevel:      "info",
	}
}

// ConfigPath returns the default configuration file location,
// $XDG_CONFIG_HOME/tideway/config.yaml.
func ConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tideway", "config.yaml")
}

// LoadConfig reads the configuration at path, or the default location
// when path is empty. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
		if path == "" {
			return cfg, nil
		}
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("app: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("app: parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Title == "" {
		c.Title = d.Title
	}
	if c.AppID == "" {
		c.AppID = d.AppID
	}
	if c.DefaultWidth == 0 {
		c.DefaultWidth = d.DefaultWidth
	}
	if c.DefaultHeight == 0 {
		c.DefaultHeight = d.DefaultHeight
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Logger builds the root logger for the configured level. An
// unparsable level falls back to info.
func (c Config) Logger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "tideway",
	})
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
