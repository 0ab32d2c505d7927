// Package ideconfig reads and writes the "mcpServers" JSON files used by
// desktop MCP clients and editors, converting entries to and from
// mcpmgr.ServerDefinition.
package ideconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

// ClientType names an application that keeps its own server list.
type ClientType string

const (
	ClaudeDesktop ClientType = "claude-desktop"
	VSCode        ClientType = "vscode"
	Cursor        ClientType = "cursor"
	Windsurf      ClientType = "windsurf"
	Zed           ClientType = "zed"
	Cline         ClientType = "cline"
	Continue      ClientType = "continue"
)

// KnownClients lists the clients Discover looks for.
var KnownClients = []ClientType{ClaudeDesktop, VSCode, Cursor, Windsurf, Zed, Cline, Continue}

// ServerEntry is one server in a client config file.
type ServerEntry struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Transport string            `json:"transport,omitempty"`
}

// File is the parsed server list of a client config.
type File struct {
	MCPServers map[string]ServerEntry `json:"mcpServers"`
}

// Names returns the server names, sorted.
func (f File) Names() []string {
	names := make([]string, 0, len(f.MCPServers))
	for name := range f.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// serverKeys are the top-level keys clients store their server map under,
// in lookup order.
var serverKeys = []string{"mcpServers", "mcp.servers", "cursor.mcp.servers"}

// Parse decodes a client config. The server map may live under any of the
// keys used by Claude Desktop, VS Code or Cursor.
func Parse(data []byte) (File, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return File{}, mcperr.Newf(mcperr.KindConfiguration, "ideconfig: invalid JSON: %v", err)
	}
	for _, key := range serverKeys {
		raw, ok := top[key]
		if !ok {
			continue
		}
		var servers map[string]ServerEntry
		if err := json.Unmarshal(raw, &servers); err != nil {
			return File{}, mcperr.Newf(mcperr.KindConfiguration, "ideconfig: %s: %v", key, err)
		}
		if servers == nil {
			servers = map[string]ServerEntry{}
		}
		return File{MCPServers: servers}, nil
	}
	return File{}, mcperr.New(mcperr.KindConfiguration,
		"ideconfig: no MCP servers found; expected 'mcpServers', 'mcp.servers' or 'cursor.mcp.servers'")
}

// Load reads and parses the config at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return File{}, mcperr.Newf(mcperr.KindNotFound, "ideconfig: %s does not exist", path)
	}
	if err != nil {
		return File{}, fmt.Errorf("ideconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validation is the outcome of Validate.
type Validation struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	ServerCount int      `json:"serverCount"`
}

// Validate checks every entry of f. An entry with neither command nor url
// is an error; one with both is a warning, and the command wins.
func Validate(f File) Validation {
	v := Validation{Errors: []string{}, Warnings: []string{}, ServerCount: len(f.MCPServers)}
	for _, name := range f.Names() {
		e := f.MCPServers[name]
		hasCommand := strings.TrimSpace(e.Command) != ""
		hasURL := strings.TrimSpace(e.URL) != ""
		switch {
		case !hasCommand && !hasURL:
			v.Errors = append(v.Errors, fmt.Sprintf("server %q has neither command nor url", name))
		case hasCommand && hasURL:
			v.Warnings = append(v.Warnings, fmt.Sprintf("server %q has both command and url; url is ignored", name))
		}
		if hasCommand && !strings.ContainsAny(e.Command, `/\`) {
			v.Warnings = append(v.Warnings, fmt.Sprintf("server %q command %q must be on PATH", name, e.Command))
		}
		switch e.Transport {
		case "", "stdio", "sse", "http", "streamable-http":
		default:
			v.Errors = append(v.Errors, fmt.Sprintf("server %q has unknown transport %q", name, e.Transport))
		}
	}
	if len(f.MCPServers) == 0 {
		v.Warnings = append(v.Warnings, "no servers defined")
	}
	v.Valid = len(v.Errors) == 0
	return v
}

// ValidatePath loads and validates the config at path. Read and parse
// failures are reported as errors of the result.
func ValidatePath(path string) Validation {
	f, err := Load(path)
	if err != nil {
		return Validation{Errors: []string{mcperr.Message(err)}, Warnings: []string{}}
	}
	return Validate(f)
}

// ToDefinitions converts f into server definitions named after their keys.
// Entries without a command or url are skipped and returned by name.
func ToDefinitions(f File) (defs []mcpmgr.ServerDefinition, skipped []string) {
	for _, name := range f.Names() {
		e := f.MCPServers[name]
		def := mcpmgr.ServerDefinition{ID: name, Name: name}
		switch {
		case e.Command != "":
			def.Transport = mcpmgr.TransportStdio
			def.Command = e.Command
			def.Args = append([]string(nil), e.Args...)
			def.Env = copyMap(e.Env)
			def.Cwd = e.Cwd
		case e.URL != "":
			def.URL = e.URL
			def.Headers = copyMap(e.Headers)
			switch e.Transport {
			case "sse":
				def.Transport = mcpmgr.TransportSSE
			case "http", "streamable-http":
				def.Transport = mcpmgr.TransportHTTP
			default:
				def.Transport = def.InferTransport()
			}
		default:
			skipped = append(skipped, name)
			continue
		}
		defs = append(defs, def)
	}
	return defs, skipped
}

// FromDefinitions converts definitions into a client config keyed by name
// (or ID when the name is empty).
func FromDefinitions(defs []mcpmgr.ServerDefinition) (File, error) {
	f := File{MCPServers: make(map[string]ServerEntry, len(defs))}
	for _, d := range defs {
		key := d.Name
		if key == "" {
			key = d.ID
		}
		if key == "" {
			return File{}, mcperr.New(mcperr.KindConfiguration, "ideconfig: server without name or id")
		}
		if _, dup := f.MCPServers[key]; dup {
			return File{}, mcperr.Newf(mcperr.KindConfiguration, "ideconfig: duplicate server name %q", key)
		}
		switch d.InferTransport() {
		case mcpmgr.TransportStdio:
			if d.Command == "" {
				return File{}, mcperr.Newf(mcperr.KindConfiguration, "ideconfig: server %q missing command", key)
			}
			f.MCPServers[key] = ServerEntry{Command: d.Command, Args: d.Args, Env: d.Env, Cwd: d.Cwd}
		case mcpmgr.TransportSSE, mcpmgr.TransportHTTP:
			if d.URL == "" {
				return File{}, mcperr.Newf(mcperr.KindConfiguration, "ideconfig: server %q missing url", key)
			}
			f.MCPServers[key] = ServerEntry{URL: d.URL, Headers: d.Headers, Transport: string(d.InferTransport())}
		default:
			return File{}, mcperr.Newf(mcperr.KindConfiguration, "ideconfig: server %q has no command or url", key)
		}
	}
	return f, nil
}

// Export renders defs as a client config. When path is set the file is
// written; other top-level keys already in it are preserved.
func Export(defs []mcpmgr.ServerDefinition, path string) ([]byte, error) {
	f, err := FromDefinitions(defs)
	if err != nil {
		return nil, err
	}
	top := map[string]json.RawMessage{}
	if path != "" {
		existing, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(existing, &top); err != nil {
				return nil, mcperr.Newf(mcperr.KindConfiguration, "ideconfig: existing %s is not a JSON object: %v", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("ideconfig: read %s: %w", path, err)
		}
	}
	servers, err := json.Marshal(f.MCPServers)
	if err != nil {
		return nil, fmt.Errorf("ideconfig: encode servers: %w", err)
	}
	top["mcpServers"] = servers
	out, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ideconfig: encode config: %w", err)
	}
	out = append(out, '\n')
	if path == "" {
		return out, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ideconfig: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("ideconfig: write %s: %w", path, err)
	}
	return out, nil
}

// DefaultPath returns where client keeps its config on this system.
func DefaultPath(client ClientType) (string, error) {
	return defaultPath(client, runtime.GOOS)
}

func defaultPath(client ClientType, goos string) (string, error) {
	var base string
	switch goos {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			return "", mcperr.New(mcperr.KindConfiguration, "ideconfig: APPDATA is not set")
		}
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", mcperr.Newf(mcperr.KindConfiguration, "ideconfig: no home directory: %v", err)
		}
		if goos == "darwin" {
			base = filepath.Join(home, "Library", "Application Support")
		} else {
			base = filepath.Join(home, ".config")
		}
		if client == Zed {
			return filepath.Join(home, ".config", "zed", "settings.json"), nil
		}
	}

	switch client {
	case ClaudeDesktop:
		return filepath.Join(base, "Claude", "claude_desktop_config.json"), nil
	case VSCode, Cline, Continue:
		return filepath.Join(base, "Code", "User", "settings.json"), nil
	case Cursor:
		return filepath.Join(base, "Cursor", "User", "settings.json"), nil
	case Windsurf:
		return filepath.Join(base, "Windsurf", "User", "settings.json"), nil
	case Zed:
		return filepath.Join(base, "Zed", "settings.json"), nil
	}
	return "", mcperr.Newf(mcperr.KindConfiguration, "ideconfig: no default config path for %q", client)
}

// Discovery describes one client's config on this system.
type Discovery struct {
	Client  ClientType `json:"clientType"`
	Path    string     `json:"configPath"`
	Found   bool       `json:"found"`
	Servers []string   `json:"servers,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Discover reports, for every known client, whether its config exists and
// which servers it lists.
func Discover() []Discovery {
	out := make([]Discovery, 0, len(KnownClients))
	for _, c := range KnownClients {
		d := Discovery{Client: c}
		path, err := DefaultPath(c)
		if err != nil {
			d.Error = mcperr.Message(err)
			out = append(out, d)
			continue
		}
		d.Path = path
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			d.Found = true
			if f, err := Load(path); err == nil {
				d.Servers = f.Names()
			} else {
				d.Error = mcperr.Message(err)
			}
		}
		out = append(out, d)
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
