// Package core holds the agent's configuration loading and launch history.
package core

import (
	"os"
	"path/filepath"
)

// configDir resolves $XDG_CONFIG_HOME/launchpad or ~/.config/launchpad.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "launchpad")
}

// DataDir resolves $XDG_DATA_HOME/launchpad or ~/.local/share/launchpad.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "launchpad")
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}
