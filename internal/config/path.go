package config

import (
	"os"
	"path/filepath"
)

const appDirName = "oplogd"

// DefaultDataDir returns the platform data directory for oplogd:
// $XDG_DATA_HOME/oplogd, /var/lib/oplogd, the macOS or Windows application
// data folder, or ~/.oplogd. Without a home directory it is ./data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	candidates := []struct{ probe, dir string }{
		{"/var/lib", filepath.Join("/var/lib", appDirName)},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Oplogd")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Oplogd")},
	}
	for _, c := range candidates {
		if isDir(c.probe) {
			return c.dir
		}
	}
	return filepath.Join(home, "."+appDirName)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ResolveDataDir picks the data directory: an explicit value wins, then the
// configured one, then the platform default.
func ResolveDataDir(explicit string, cfg Config) string {
	switch {
	case explicit != "":
		return explicit
	case cfg.DataDir != "":
		return cfg.DataDir
	default:
		return DefaultDataDir()
	}
}
