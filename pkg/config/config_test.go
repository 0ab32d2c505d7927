package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	os.WriteFile(path, []byte("listen: :9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/mcphub.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "mcphub.yaml"), []byte("listen: :8700\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "mcphub.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "mcphub.yaml")
	}
}

func TestLoad_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("MCPHUB_TEST_TOKEN", "s3cret")
	t.Setenv("GITHUB_TOKEN", "ghp_x")

	path := filepath.Join(t.TempDir(), "mcphub.yaml")
	os.WriteFile(path, []byte(`
listen: ":9000"
api_token: ${MCPHUB_TEST_TOKEN}
log:
  level: debug
  format: json
catalog:
  ttl: 15m
  github_token: $GITHUB_TOKEN
  lookups: [npm, github]
installer:
  stage_timeout: 2m
autoconnect: true
servers:
  - id: filesystem
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/srv"]
  - id: remote
    url: https://mcp.example.com/mcp
    timeout: 45s
    auth:
      type: bearer
      token: abc
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.APIToken != "s3cret" || cfg.Catalog.GitHubToken != "ghp_x" {
		t.Errorf("unexpected values: listen=%q token=%q gh=%q", cfg.Listen, cfg.APIToken, cfg.Catalog.GitHubToken)
	}
	if cfg.Catalog.TTL != 15*time.Minute || cfg.Installer.StageTimeout != 2*time.Minute {
		t.Errorf("durations: ttl=%v stage=%v", cfg.Catalog.TTL, cfg.Installer.StageTimeout)
	}
	if cfg.Installer.Retention != 5*time.Minute {
		t.Errorf("retention default lost: %v", cfg.Installer.Retention)
	}
	if !cfg.Gateway.Enabled || cfg.Gateway.Path != "/mcp" {
		t.Errorf("gateway defaults lost: %+v", cfg.Gateway)
	}
	if len(cfg.Servers) != 2 || cfg.Servers[1].Auth == nil || cfg.Servers[1].Auth.Token != "abc" {
		t.Fatalf("servers = %+v", cfg.Servers)
	}
	if cfg.Servers[1].InferTransport() != mcpmgr.TransportHTTP {
		t.Errorf("remote transport = %q", cfg.Servers[1].InferTransport())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcphub.yaml")
	os.WriteFile(path, []byte("listen: [unclosed\n"), 0600)
	if _, err := Load(path); mcperr.KindOf(err) != mcperr.KindConfiguration {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Catalog.Lookups = []string{"pypi"}
	cfg.Servers = []mcpmgr.ServerDefinition{
		{ID: "a", Command: "/bin/a"},
		{ID: "a", Command: "/bin/a"},
		{Command: "/bin/b"},
		{ID: "c", URL: "ftp://c"},
	}

	err := cfg.Validate()
	if mcperr.KindOf(err) != mcperr.KindConfiguration {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	for _, want := range []string{`"loud"`, `"pypi"`, `duplicate id "a"`, "servers[2]: id is required", "servers[3]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"TRACE":   LevelTrace,
		" debug ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLoggerRendersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "trace", Format: "text"}.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(t.Context(), LevelTrace, "rpc", "direction", "out")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Fatalf("output = %q", buf.String())
	}

	if _, err := (LogConfig{Format: "xml"}).NewLogger(&buf); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
