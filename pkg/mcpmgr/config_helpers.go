package mcpmgr

// Lightweight helpers for narrowing and inspecting ServerConfig values without
// forcing consumers to use a type switch at every call site.

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio ConfigTransport = "stdio"
	TransportSSE   ConfigTransport = "sse"
	TransportHTTP  ConfigTransport = "http"
)

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *SSEServerConfig:
		return TransportSSE
	case *HTTPServerConfig:
		return TransportHTTP
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsSSE reports whether cfg is a *SSEServerConfig.
func IsSSE(cfg ServerConfig) bool {
	_, ok := cfg.(*SSEServerConfig)
	return ok
}

// IsHTTP reports whether cfg is a *HTTPServerConfig.
func IsHTTP(cfg ServerConfig) bool {
	_, ok := cfg.(*HTTPServerConfig)
	return ok
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsSSE narrows cfg to *SSEServerConfig.
func AsSSE(cfg ServerConfig) (*SSEServerConfig, bool) {
	c, ok := cfg.(*SSEServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig, returning (nil, false) when it
// does not match.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}

// IDOf returns the server identifier of cfg, or "" for nil.
func IDOf(cfg ServerConfig) string {
	if cfg == nil {
		return ""
	}
	return cfg.base().ID
}

// NameOf returns the display name of cfg, falling back to its ID.
func NameOf(cfg ServerConfig) string {
	if cfg == nil {
		return ""
	}
	b := cfg.base()
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// CloneConfig returns a copy of cfg that shares no slices or maps with it.
func CloneConfig(cfg ServerConfig) ServerConfig {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		cp := *c
		cp.Args = append([]string(nil), c.Args...)
		cp.Env = cloneStringMap(c.Env)
		return &cp
	case *SSEServerConfig:
		cp := *c
		cp.HTTPEndpoint = c.HTTPEndpoint.clone()
		return &cp
	case *HTTPServerConfig:
		cp := *c
		cp.HTTPEndpoint = c.HTTPEndpoint.clone()
		return &cp
	default:
		return cfg
	}
}

// WithID returns a copy of cfg using a different server identifier.
func WithID(cfg ServerConfig, id string) ServerConfig {
	cp := CloneConfig(cfg)
	if cp != nil {
		cp.base().ID = id
	}
	return cp
}

// WithCredential returns a copy of cfg with cred applied to its auth settings.
// Stdio configurations carry no HTTP credential and are returned as copies.
func WithCredential(cfg ServerConfig, cred *Credential) ServerConfig {
	cp := CloneConfig(cfg)
	if cred == nil {
		return cp
	}
	var ep *HTTPEndpoint
	switch c := cp.(type) {
	case *SSEServerConfig:
		ep = &c.HTTPEndpoint
	case *HTTPServerConfig:
		ep = &c.HTTPEndpoint
	default:
		return cp
	}
	auth := &ep.Auth
	switch auth.Type {
	case "", AuthNone:
		switch {
		case cred.Token != "":
			auth.Type = AuthBearer
			auth.Token = cred.Token
		case cred.APIKey != "":
			auth.Type = AuthAPIKey
			auth.APIKey = cred.APIKey
		case cred.Username != "":
			auth.Type = AuthBasic
			auth.Username, auth.Password = cred.Username, cred.Password
		}
	case AuthBearer, AuthOAuth:
		if cred.Token != "" {
			auth.Token = cred.Token
		}
	case AuthAPIKey:
		if cred.APIKey != "" {
			auth.APIKey = cred.APIKey
		}
	case AuthBasic:
		if cred.Username != "" {
			auth.Username = cred.Username
		}
		if cred.Password != "" {
			auth.Password = cred.Password
		}
	}
	return cp
}

func (e HTTPEndpoint) clone() HTTPEndpoint {
	cp := e
	cp.Headers = cloneStringMap(e.Headers)
	if e.Auth.OAuth != nil {
		o := *e.Auth.OAuth
		o.Scopes = append([]string(nil), e.Auth.OAuth.Scopes...)
		cp.Auth.OAuth = &o
	}
	return cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
