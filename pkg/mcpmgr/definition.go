package mcpmgr

import (
	"strings"
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
)

// ServerDefinition is the serializable form of a ServerConfig, used by config
// files, the HTTP API and IDE config import.
type ServerDefinition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Transport   ConfigTransport   `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth        *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`
	// Timeout is a Go duration string such as "30s".
	Timeout   string    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero" yaml:"updated_at,omitempty"`
}

// InferTransport picks the transport when the definition leaves it blank:
// a command means stdio, a URL ending in /sse means SSE, any other URL means
// streamable HTTP.
func (d ServerDefinition) InferTransport() ConfigTransport {
	if d.Transport != "" {
		return d.Transport
	}
	if d.Command != "" {
		return TransportStdio
	}
	if strings.HasSuffix(strings.TrimRight(strings.TrimSpace(d.URL), "/"), "/sse") {
		return TransportSSE
	}
	if d.URL != "" {
		return TransportHTTP
	}
	return ""
}

// Build converts the definition into its transport-specific config and
// validates it. Definitions that populate fields of another variant are
// rejected.
func (d ServerDefinition) Build() (ServerConfig, error) {
	var timeout time.Duration
	if d.Timeout != "" {
		parsed, err := time.ParseDuration(d.Timeout)
		if err != nil {
			return nil, mcperr.Newf(mcperr.KindConfiguration, "server %q: invalid timeout %q", d.ID, d.Timeout)
		}
		timeout = parsed
	}
	base := BaseServerConfig{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		Timeout:     timeout,
	}

	var cfg ServerConfig
	switch transport := d.InferTransport(); transport {
	case TransportStdio:
		if d.URL != "" || len(d.Headers) > 0 || d.Auth != nil {
			return nil, mcperr.Newf(mcperr.KindConfiguration, "server %q: stdio servers take no url, headers or auth", d.ID)
		}
		cfg = &StdioServerConfig{
			BaseServerConfig: base,
			Command:          d.Command,
			Args:             append([]string(nil), d.Args...),
			Env:              cloneStringMap(d.Env),
			Cwd:              d.Cwd,
		}
	case TransportSSE, TransportHTTP:
		if d.Command != "" || len(d.Args) > 0 || len(d.Env) > 0 || d.Cwd != "" {
			return nil, mcperr.Newf(mcperr.KindConfiguration, "server %q: %s servers take no command, args, env or cwd", d.ID, transport)
		}
		ep := HTTPEndpoint{URL: d.URL, Headers: cloneStringMap(d.Headers)}
		if d.Auth != nil {
			ep.Auth = *d.Auth
		}
		if transport == TransportSSE {
			cfg = &SSEServerConfig{BaseServerConfig: base, HTTPEndpoint: ep}
		} else {
			cfg = &HTTPServerConfig{BaseServerConfig: base, HTTPEndpoint: ep}
		}
	case "":
		return nil, mcperr.Newf(mcperr.KindConfiguration, "server %q: either command or url is required", d.ID)
	default:
		return nil, mcperr.Newf(mcperr.KindConfiguration, "server %q: unknown transport %q", d.ID, transport)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Definition converts cfg back into its serializable form.
func Definition(cfg ServerConfig) ServerDefinition {
	if cfg == nil {
		return ServerDefinition{}
	}
	b := cfg.base()
	d := ServerDefinition{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Transport:   cfg.Transport(),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
	if b.Timeout > 0 {
		d.Timeout = b.Timeout.String()
	}
	var ep *HTTPEndpoint
	switch c := cfg.(type) {
	case *StdioServerConfig:
		d.Command = c.Command
		d.Args = append([]string(nil), c.Args...)
		d.Env = cloneStringMap(c.Env)
		d.Cwd = c.Cwd
	case *SSEServerConfig:
		ep = &c.HTTPEndpoint
	case *HTTPServerConfig:
		ep = &c.HTTPEndpoint
	}
	if ep != nil {
		d.URL = ep.URL
		d.Headers = cloneStringMap(ep.Headers)
		if ep.Auth.Type != "" && ep.Auth.Type != AuthNone {
			auth := ep.Auth
			d.Auth = &auth
		}
	}
	return d
}
