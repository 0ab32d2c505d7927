package gateway

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Options configure a Gateway.
type Options struct {
	// Implementation identifies the gateway to downstream clients.
	Implementation *mcp.Implementation
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// Namespace decides the exposed tool names. Defaults to ServerPrefix.
	Namespace Namespace
	// Streamable is passed to mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// TokenVerifier, when set, requires a bearer token on every request.
	TokenVerifier auth.TokenVerifier
	TokenOptions  *auth.RequireBearerTokenOptions
	Logger        *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcphub",
			Title:   "MCP Hub Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefix{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
