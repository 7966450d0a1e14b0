// Package paths resolves the on-disk locations fleetreg reads and writes.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const appName = "fleetreg"

// LocalConfigFile is checked in the working directory before the user config.
const LocalConfigFile = ".fleetreg.yaml"

// ConfigDir returns $XDG_CONFIG_HOME/fleetreg, falling back to
// ~/.config/fleetreg. Empty when neither can be determined.
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns $XDG_DATA_HOME/fleetreg, falling back to
// ~/.local/share/fleetreg. Empty when neither can be determined.
func DataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// UserConfigFile is the config file consulted when no local one exists.
func UserConfigFile() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultStorePath is the registry database location.
func DefaultStorePath() string {
	dir := DataDir()
	if dir == "" {
		return filepath.Join(".", appName+".db")
	}
	return filepath.Join(dir, "registry.db")
}

// DefaultLogPath is where the daemon log goes when no path is configured.
func DefaultLogPath() string {
	dir := DataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "fleetreg.log")
}

// Expand replaces a leading "~/" with the user's home directory and cleans
// the result. Other paths are only cleaned.
func Expand(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Clean(path)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path)
}

func xdgDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" && filepath.IsAbs(base) {
		return filepath.Join(base, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, fallback, appName)
}
