package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vikashloomba/mcphub-go/pkg/installer"
)

func TestGuessSource(t *testing.T) {
	cases := map[string]installer.Source{
		"@modelcontextprotocol/server-filesystem": installer.SourceNPM,
		"mcp-server-weather":                      installer.SourceNPM,
		"octo/mcp-notes":                          installer.SourceGitHub,
		"./servers/notes":                         installer.SourceLocal,
		"/opt/mcp/notes":                          installer.SourceLocal,
	}
	for target, want := range cases {
		if got := guessSource(target); got != want {
			t.Errorf("guessSource(%q) = %q, want %q", target, got, want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcphub.yaml")
	os.WriteFile(path, []byte("listen: \":9100\"\ndata_dir: "+dir+"\n"), 0600)

	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.Listen != ":9100" || c.DataDir != dir {
		t.Errorf("listen=%q data_dir=%q", c.Listen, c.DataDir)
	}

	if _, err := loadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("explicit missing config should fail")
	}

	os.WriteFile(path, []byte("log:\n  level: loud\n"), 0600)
	if _, err := loadConfig(path); err == nil {
		t.Error("invalid config should fail validation")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}
