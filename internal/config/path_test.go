package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/oplogd" {
		t.Fatalf("got %s", got)
	}
}

func TestDefaultDataDirWithoutHome(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("expected ./data fallback, got %s", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	got := DefaultDataDir()
	if got != DefaultDataDir() {
		t.Fatalf("not stable across calls")
	}
	if got == "./data" {
		return
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("want absolute path, got %s", got)
	}
	if !strings.HasSuffix(strings.ToLower(got), "oplogd") {
		t.Fatalf("want an oplogd dir, got %s", got)
	}
}

func TestIsDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		t.TempDir():         true,
		file:                false,
		"/no/such/oplogdir": false,
	}
	for path, want := range cases {
		if got := isDir(path); got != want {
			t.Errorf("isDir(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestResolveDataDir(t *testing.T) {
	cfg := Default()
	if got := ResolveDataDir("/flag", cfg); got != "/flag" {
		t.Fatalf("explicit dir should win, got %s", got)
	}
	cfg.DataDir = "/configured"
	if got := ResolveDataDir("", cfg); got != "/configured" {
		t.Fatalf("configured dir, got %s", got)
	}
	cfg.DataDir = ""
	if got := ResolveDataDir("", cfg); got != DefaultDataDir() {
		t.Fatalf("default dir, got %s", got)
	}
}
