package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir picks where the node keeps its Pebble store when no
// --data-dir is given. COLLA_DATA_DIR wins, then XDG_DATA_HOME, then the
// first platform location whose parent exists, then ~/.colla.
func DefaultDataDir() string {
	if d := os.Getenv("COLLA_DATA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "colla")
	}
	candidates := []struct{ parent, dir string }{
		{"/var/lib", "/var/lib/colla"},
		{filepath.Join(home, "Library"), filepath.Join(home, "Library", "Application Support", "Colla")},
		{filepath.Join(home, "AppData"), filepath.Join(home, "AppData", "Local", "Colla")},
	}
	for _, c := range candidates {
		if isDir(c.parent) {
			return c.dir
		}
	}
	return filepath.Join(home, ".colla")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
