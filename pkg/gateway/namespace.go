package gateway

import "strings"

// Namespace maps upstream tool names to the names exposed by the gateway.
// Implementations must be deterministic and collision-free for distinct
// serverID/name pairs.
type Namespace interface {
	ToolName(serverID, toolName string) string
	// Split recovers the server and upstream tool from an exposed name.
	Split(gatewayName string) (serverID, toolName string, ok bool)
}

// ServerPrefix exposes tools as <serverID><Separator><tool>. The separator
// defaults to "__", which stays within the characters MCP recommends for
// tool names.
type ServerPrefix struct {
	Separator string
}

func (s ServerPrefix) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefix) ToolName(serverID, toolName string) string {
	return serverID + s.separator() + toolName
}

// Split cuts at the first separator, so server IDs must not contain it.
func (s ServerPrefix) Split(gatewayName string) (string, string, bool) {
	serverID, toolName, found := strings.Cut(gatewayName, s.separator())
	if !found || serverID == "" || toolName == "" {
		return "", "", false
	}
	return serverID, toolName, true
}
