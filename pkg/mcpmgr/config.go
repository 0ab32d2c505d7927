package mcpmgr

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// AuthType selects how credentials are attached to outbound HTTP requests.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "apiKey"
	AuthBasic  AuthType = "basic"
	AuthOAuth  AuthType = "oauth"
)

const defaultAPIKeyHeader = "X-API-Key"

// OAuthConfig describes an OAuth 2.0 authorization code flow.
type OAuthConfig struct {
	ClientID         string   `json:"clientId" yaml:"client_id"`
	ClientSecret     string   `json:"clientSecret,omitempty" yaml:"client_secret,omitempty"`
	AuthorizationURL string   `json:"authorizationUrl" yaml:"authorization_url"`
	TokenURL         string   `json:"tokenUrl" yaml:"token_url"`
	RedirectURL      string   `json:"redirectUrl,omitempty" yaml:"redirect_url,omitempty"`
	Scopes           []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// AuthConfig carries the credential for HTTP based transports.
type AuthConfig struct {
	Type         AuthType     `json:"type,omitempty" yaml:"type,omitempty"`
	Token        string       `json:"token,omitempty" yaml:"token,omitempty"`
	APIKey       string       `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	APIKeyHeader string       `json:"apiKeyHeader,omitempty" yaml:"api_key_header,omitempty"`
	Username     string       `json:"username,omitempty" yaml:"username,omitempty"`
	Password     string       `json:"password,omitempty" yaml:"password,omitempty"`
	OAuth        *OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty"`
}

// Validate checks that the fields required by the auth type are present.
func (a AuthConfig) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return mcperr.New(mcperr.KindConfiguration, "bearer auth requires a token")
		}
	case AuthAPIKey:
		if a.APIKey == "" {
			return mcperr.New(mcperr.KindConfiguration, "apiKey auth requires an api key")
		}
	case AuthBasic:
		if a.Username == "" {
			return mcperr.New(mcperr.KindConfiguration, "basic auth requires a username")
		}
	case AuthOAuth:
		if a.Token != "" {
			return nil
		}
		if a.OAuth == nil || a.OAuth.ClientID == "" || a.OAuth.AuthorizationURL == "" || a.OAuth.TokenURL == "" {
			return mcperr.New(mcperr.KindConfiguration, "oauth auth requires client id, authorization url and token url")
		}
	default:
		return mcperr.Newf(mcperr.KindConfiguration, "unknown auth type %q", a.Type)
	}
	return nil
}

// apply merges the credential into h, replacing a configured header of the
// same name.
func (a AuthConfig) apply(h http.Header) {
	switch a.Type {
	case AuthBearer, AuthOAuth:
		if a.Token != "" {
			h.Set("Authorization", "Bearer "+a.Token)
		}
	case AuthAPIKey:
		name := a.APIKeyHeader
		if name == "" {
			name = defaultAPIKeyHeader
		}
		h.Set(name, a.APIKey)
	case AuthBasic:
		raw := a.Username + ":" + a.Password
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}
}

// Credential is a secret supplied at connect time rather than stored with the
// server definition.
type Credential struct {
	Token    string `json:"token,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Timeout     time.Duration
	Version     string
	LogJSONRPC  bool
	RPCLogger   RPCLogger
}

// StdioServerConfig describes an MCP server launched as a subprocess.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// Transport implements ServerConfig.
func (c *StdioServerConfig) Transport() ConfigTransport { return TransportStdio }

// Validate implements ServerConfig.
func (c *StdioServerConfig) Validate() error {
	if err := validateBase(&c.BaseServerConfig); err != nil {
		return err
	}
	if strings.TrimSpace(c.Command) == "" {
		return mcperr.Newf(mcperr.KindConfiguration, "server %q: command is required", c.ID)
	}
	return nil
}

// HTTPEndpoint holds the fields shared by the SSE and streamable HTTP variants.
type HTTPEndpoint struct {
	URL        string
	Headers    map[string]string
	Auth       AuthConfig
	HTTPClient *http.Client
	// MaxRetries is forwarded to the streamable transport. Zero keeps the SDK
	// default, negative disables reconnects.
	MaxRetries int
}

func (e *HTTPEndpoint) validate(id string) error {
	if strings.TrimSpace(e.URL) == "" {
		return mcperr.Newf(mcperr.KindConfiguration, "server %q: url is required", id)
	}
	if !strings.HasPrefix(e.URL, "http://") && !strings.HasPrefix(e.URL, "https://") {
		return mcperr.Newf(mcperr.KindConfiguration, "server %q: url must be http or https", id)
	}
	if err := e.Auth.Validate(); err != nil {
		return mcperr.Wrap(mcperr.KindConfiguration, fmt.Sprintf("server %q", id), err)
	}
	return nil
}

// requestHeaders builds the header set sent with every request: configured
// headers first, then the credential.
func (e *HTTPEndpoint) requestHeaders() http.Header {
	h := make(http.Header, len(e.Headers)+1)
	for k, v := range e.Headers {
		h.Set(k, v)
	}
	e.Auth.apply(h)
	return h
}

// SSEServerConfig describes a server reachable over the server-push event
// stream transport.
type SSEServerConfig struct {
	BaseServerConfig
	HTTPEndpoint
}

func (c *SSEServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// Transport implements ServerConfig.
func (c *SSEServerConfig) Transport() ConfigTransport { return TransportSSE }

// Validate implements ServerConfig.
func (c *SSEServerConfig) Validate() error {
	if err := validateBase(&c.BaseServerConfig); err != nil {
		return err
	}
	return c.HTTPEndpoint.validate(c.ID)
}

// HTTPServerConfig describes a server reachable over the request/response
// (streamable HTTP) transport.
type HTTPServerConfig struct {
	BaseServerConfig
	HTTPEndpoint
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// Transport implements ServerConfig.
func (c *HTTPServerConfig) Transport() ConfigTransport { return TransportHTTP }

// Validate implements ServerConfig.
func (c *HTTPServerConfig) Validate() error {
	if err := validateBase(&c.BaseServerConfig); err != nil {
		return err
	}
	return c.HTTPEndpoint.validate(c.ID)
}

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
	Transport() ConfigTransport
	Validate() error
}

func validateBase(b *BaseServerConfig) error {
	if strings.TrimSpace(b.ID) == "" {
		return mcperr.New(mcperr.KindConfiguration, "server id is required")
	}
	if b.Timeout < 0 {
		return mcperr.Newf(mcperr.KindConfiguration, "server %q: timeout must not be negative", b.ID)
	}
	return nil
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ClientName is advertised during initialization. Defaults to "mcphub".
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// DefaultTimeout bounds connection attempts and calls whenever a server
	// configuration omits an explicit timeout.
	DefaultTimeout time.Duration
	// DefaultLogJSONRPC toggles logging of JSON-RPC traffic for all servers
	// unless a server sets its own RPCLogger.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// Factory builds clients. Defaults to an SDK backed factory.
	Factory ClientFactory
	// Spawner, when set, lets the default factory run stdio servers under an
	// external process supervisor instead of owning the child itself.
	Spawner ProcessSpawner
	// HTTPClient is the base client for SSE and streamable transports.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o *ManagerOptions) withDefaults() ManagerOptions {
	if o == nil {
		o = &ManagerOptions{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "mcphub"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
