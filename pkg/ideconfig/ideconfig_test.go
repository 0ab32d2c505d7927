package ideconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

const claudeConfig = `{
  "globalShortcut": "Ctrl+Space",
  "mcpServers": {
    "filesystem": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"],
      "env": {"DEBUG": "1"}
    },
    "remote": {"url": "https://mcp.example.com/sse", "headers": {"X-Team": "core"}},
    "api": {"url": "https://mcp.example.com/mcp", "transport": "http"},
    "broken": {"args": ["x"]}
  }
}`

func TestParseKeys(t *testing.T) {
	cases := map[string]string{
		"claude": `{"mcpServers": {"a": {"command": "/bin/a"}}}`,
		"vscode": `{"editor.fontSize": 12, "mcp.servers": {"a": {"command": "/bin/a"}}}`,
		"cursor": `{"cursor.mcp.servers": {"a": {"command": "/bin/a"}}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := Parse([]byte(data))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := f.MCPServers["a"].Command; got != "/bin/a" {
				t.Fatalf("command = %q", got)
			}
		})
	}

	if _, err := Parse([]byte(`{"other": {}}`)); mcperr.KindOf(err) != mcperr.KindConfiguration {
		t.Fatalf("missing key: expected ConfigurationError, got %v", err)
	}
	if _, err := Parse([]byte(`not json`)); mcperr.KindOf(err) != mcperr.KindConfiguration {
		t.Fatalf("bad json: expected ConfigurationError, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	f, err := Parse([]byte(claudeConfig))
	if err != nil {
		t.Fatal(err)
	}
	v := Validate(f)
	if v.Valid {
		t.Fatal("expected invalid config")
	}
	if v.ServerCount != 4 {
		t.Fatalf("ServerCount = %d", v.ServerCount)
	}
	if len(v.Errors) != 1 || !strings.Contains(v.Errors[0], `"broken"`) {
		t.Fatalf("errors = %v", v.Errors)
	}
	var pathWarning bool
	for _, w := range v.Warnings {
		if strings.Contains(w, `"npx" must be on PATH`) {
			pathWarning = true
		}
	}
	if !pathWarning {
		t.Fatalf("expected PATH warning, got %v", v.Warnings)
	}

	both := Validate(File{MCPServers: map[string]ServerEntry{"x": {Command: "/bin/x", URL: "http://x"}}})
	if !both.Valid || len(both.Warnings) != 1 {
		t.Fatalf("command+url should only warn: %+v", both)
	}
	empty := Validate(File{MCPServers: map[string]ServerEntry{}})
	if !empty.Valid || len(empty.Warnings) != 1 {
		t.Fatalf("empty config: %+v", empty)
	}
}

func TestValidatePathMissingFile(t *testing.T) {
	v := ValidatePath(filepath.Join(t.TempDir(), "nope.json"))
	if v.Valid || len(v.Errors) != 1 || !strings.Contains(v.Errors[0], "does not exist") {
		t.Fatalf("unexpected validation: %+v", v)
	}
}

func TestToDefinitions(t *testing.T) {
	f, err := Parse([]byte(claudeConfig))
	if err != nil {
		t.Fatal(err)
	}
	defs, skipped := ToDefinitions(f)
	if !reflect.DeepEqual(skipped, []string{"broken"}) {
		t.Fatalf("skipped = %v", skipped)
	}
	if len(defs) != 3 {
		t.Fatalf("got %d definitions", len(defs))
	}

	byID := map[string]mcpmgr.ServerDefinition{}
	for _, d := range defs {
		byID[d.ID] = d
		if _, err := d.Build(); err != nil {
			t.Fatalf("definition %s does not build: %v", d.ID, err)
		}
	}
	if d := byID["filesystem"]; d.Transport != mcpmgr.TransportStdio || d.Env["DEBUG"] != "1" || len(d.Args) != 3 {
		t.Fatalf("filesystem = %+v", d)
	}
	if d := byID["remote"]; d.Transport != mcpmgr.TransportSSE || d.Headers["X-Team"] != "core" {
		t.Fatalf("remote = %+v", d)
	}
	if d := byID["api"]; d.Transport != mcpmgr.TransportHTTP {
		t.Fatalf("api = %+v", d)
	}
}

func TestExportPreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude_desktop_config.json")
	if err := os.WriteFile(path, []byte(claudeConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	defs := []mcpmgr.ServerDefinition{
		{ID: "fs", Command: "/usr/bin/mcp-fs", Args: []string{"/data"}},
		{ID: "remote", Name: "Remote", URL: "https://mcp.example.com/sse"},
	}
	out, err := Export(defs, path)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != string(out) {
		t.Fatal("returned bytes differ from the written file")
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(written, &top); err != nil {
		t.Fatal(err)
	}
	if string(top["globalShortcut"]) != `"Ctrl+Space"` {
		t.Fatalf("globalShortcut lost: %s", top["globalShortcut"])
	}

	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Names(); !reflect.DeepEqual(got, []string{"Remote", "fs"}) {
		t.Fatalf("names = %v", got)
	}
	if f.MCPServers["Remote"].Transport != "sse" {
		t.Fatalf("transport = %q", f.MCPServers["Remote"].Transport)
	}

	back, _ := ToDefinitions(f)
	if back[1].Command != "/usr/bin/mcp-fs" || back[1].Args[0] != "/data" {
		t.Fatalf("round trip = %+v", back[1])
	}
}

func TestFromDefinitionsRejectsDuplicates(t *testing.T) {
	_, err := FromDefinitions([]mcpmgr.ServerDefinition{
		{ID: "a", Command: "/bin/a"},
		{ID: "b", Name: "a", Command: "/bin/b"},
	})
	if mcperr.KindOf(err) != mcperr.KindConfiguration {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("HOME", "/home/ana")
	t.Setenv("APPDATA", `C:\Users\ana\AppData\Roaming`)

	cases := []struct {
		client ClientType
		goos   string
		want   string
	}{
		{ClaudeDesktop, "linux", "/home/ana/.config/Claude/claude_desktop_config.json"},
		{ClaudeDesktop, "darwin", "/home/ana/Library/Application Support/Claude/claude_desktop_config.json"},
		{VSCode, "linux", "/home/ana/.config/Code/User/settings.json"},
		{Cline, "darwin", "/home/ana/Library/Application Support/Code/User/settings.json"},
		{Cursor, "linux", "/home/ana/.config/Cursor/User/settings.json"},
		{Windsurf, "linux", "/home/ana/.config/Windsurf/User/settings.json"},
		{Zed, "darwin", "/home/ana/.config/zed/settings.json"},
		{ClaudeDesktop, "windows", filepath.Join(`C:\Users\ana\AppData\Roaming`, "Claude", "claude_desktop_config.json")},
	}
	for _, tc := range cases {
		got, err := defaultPath(tc.client, tc.goos)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.client, tc.goos, err)
		}
		if got != filepath.FromSlash(tc.want) && got != tc.want {
			t.Errorf("%s/%s = %q, want %q", tc.client, tc.goos, got, tc.want)
		}
	}

	if _, err := defaultPath("emacs", "linux"); err == nil {
		t.Fatal("expected error for unknown client")
	}
}
