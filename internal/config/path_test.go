package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirOverrides(t *testing.T) {
	tests := []struct {
		name  string
		colla string
		xdg   string
		want  string
	}{
		{name: "colla env wins", colla: "/srv/colla", xdg: "/custom/data", want: "/srv/colla"},
		{name: "xdg data home", xdg: "/custom/data", want: "/custom/data/colla"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COLLA_DATA_DIR", tt.colla)
			t.Setenv("XDG_DATA_HOME", tt.xdg)
			if got := DefaultDataDir(); got != tt.want {
				t.Fatalf("DefaultDataDir() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("COLLA_DATA_DIR", "")
	t.Setenv("HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("DefaultDataDir() without HOME = %s, want ./data", got)
	}
}

func TestDefaultDataDirPlatform(t *testing.T) {
	t.Setenv("COLLA_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "")
	got := DefaultDataDir()
	if !filepath.IsAbs(got) && !strings.HasPrefix(got, "./") {
		t.Fatalf("DefaultDataDir() = %s, want absolute or ./ path", got)
	}
	base := strings.ToLower(filepath.Base(got))
	if base != "colla" && base != ".colla" && got != "./data" {
		t.Fatalf("DefaultDataDir() = %s, want a colla directory", got)
	}
	if again := DefaultDataDir(); again != got {
		t.Fatalf("DefaultDataDir() not stable: %s then %s", got, again)
	}
}

func TestIsDir(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{"existing directory", ".", true},
		{"missing path", "/non/existent/path/that/does/not/exist", false},
		{"regular file", os.Args[0], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDir(tt.path); got != tt.want {
				t.Fatalf("isDir(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
