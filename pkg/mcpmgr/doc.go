// Package mcpmgr manages client connections to Model Context Protocol (MCP)
// servers over three transports: a spawned subprocess speaking over stdio,
// a server-push event stream (SSE), and request/response streamable HTTP.
//
// # Core entry points
//
//   - ServerConfig (StdioServerConfig, SSEServerConfig, HTTPServerConfig)
//     declares how a server is launched or contacted. ServerDefinition is the
//     serializable form used by config files and the HTTP API.
//   - Client is the uniform capability surface (list tools, resources and
//     prompts, call a tool, close). SDKClientFactory builds clients on the
//     modelcontextprotocol/go-sdk transports.
//   - Manager is the connection registry. It keeps at most one live client per
//     server ID, serializes connects for the same ID, tracks ConnectionState
//     and routes tool calls.
//
// Use TestConnection to validate a configuration before persisting it; it
// connects under a throwaway ID and always disconnects again.
//
// Errors returned by this package are classified with package mcperr so that
// callers can tell an authentication failure apart from a network failure.
package mcpmgr
