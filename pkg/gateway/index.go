package gateway

import (
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyServerID   = "mcphub.server_id"
	metaKeyNativeName = "mcphub.native_name"
)

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

// toolIndex remembers which exposed tool belongs to which server.
type toolIndex struct {
	ns Namespace

	mu          sync.RWMutex
	tools       map[string]toolTarget
	serverTools map[string][]string
}

func newToolIndex(ns Namespace) *toolIndex {
	return &toolIndex{
		ns:          ns,
		tools:       make(map[string]toolTarget),
		serverTools: make(map[string][]string),
	}
}

// Update replaces the tools of serverID. It returns the exposed names to
// remove and the registrations to add. Tools whose input schema is not a
// JSON object are skipped and returned by name.
func (x *toolIndex) Update(serverID string, upstream []*mcp.Tool) (removed []string, added []toolRegistration, skipped []string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed = x.removeLocked(serverID)
	names := make([]string, 0, len(upstream))
	for _, tool := range upstream {
		if tool == nil {
			continue
		}
		schema, ok := objectSchema(tool.InputSchema)
		if !ok {
			skipped = append(skipped, tool.Name)
			continue
		}
		gatewayName := x.ns.ToolName(serverID, tool.Name)
		clone := *tool
		clone.Name = gatewayName
		clone.InputSchema = schema
		if clone.OutputSchema != nil {
			clone.OutputSchema, _ = objectSchema(clone.OutputSchema)
		}
		clone.Meta = withMeta(tool.Meta, map[string]any{
			metaKeyServerID:   serverID,
			metaKeyNativeName: tool.Name,
		})
		target := toolTarget{GatewayName: gatewayName, ServerID: serverID, NativeName: tool.Name}
		x.tools[gatewayName] = target
		added = append(added, toolRegistration{Tool: &clone, Target: target})
		names = append(names, gatewayName)
	}
	if len(names) > 0 {
		x.serverTools[serverID] = names
	}
	return removed, added, skipped
}

// Remove forgets every tool of serverID and returns their exposed names.
func (x *toolIndex) Remove(serverID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(serverID)
}

func (x *toolIndex) removeLocked(serverID string) []string {
	names := x.serverTools[serverID]
	for _, name := range names {
		delete(x.tools, name)
	}
	delete(x.serverTools, serverID)
	return names
}

func (x *toolIndex) Target(name string) (toolTarget, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.tools[name]
	return t, ok
}

// Servers lists the servers that currently contribute tools.
func (x *toolIndex) Servers() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.serverTools))
	for id := range x.serverTools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// objectSchema returns the schema to register for an upstream tool. A
// missing schema becomes an empty object schema.
func objectSchema(schema any) (any, bool) {
	if schema == nil {
		return map[string]any{"type": "object"}, true
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	if m["type"] != "object" {
		return nil, false
	}
	return m, true
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extras))
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
