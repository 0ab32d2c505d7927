// Package gateway re-exposes the tools of every connected server through a
// single Streamable MCP endpoint. Tool calls are forwarded through the
// connection registry, so transport failures mark the upstream connection
// exactly as direct calls do.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

// Gateway mirrors the registry's connected servers as one MCP server.
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options
	tools   *toolIndex

	server  *mcp.Server
	handler http.Handler

	// serverMu orders tool registration changes.
	serverMu sync.Mutex
	// lastSeq is the newest snapshot applied per server.
	lastSeq map[string]uint64
}

// New builds a Gateway, exposes the tools of servers that are already
// connected and follows later connection changes.
func New(mgr *mcpmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("gateway: manager is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("gateway: TokenOptions require a TokenVerifier")
	}
	g := &Gateway{
		manager: mgr,
		opts:    options,
		tools:   newToolIndex(options.Namespace),
		lastSeq: make(map[string]uint64),
	}
	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	stream := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.handler = g.mount(stream)

	mgr.OnStateChange(g.apply)
	g.Sync()
	return g, nil
}

// Handler serves the Streamable endpoint at the configured path.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Path is where Handler mounts the endpoint.
func (g *Gateway) Path() string {
	return g.opts.Path
}

// Servers lists the servers whose tools are currently exposed.
func (g *Gateway) Servers() []string {
	return g.tools.Servers()
}

// Sync re-exposes the tools of every tracked connection. Connection
// changes are followed automatically; Sync is for recovering from a
// missed update.
func (g *Gateway) Sync() {
	for _, state := range g.manager.States() {
		g.apply(state)
	}
}

// apply reconciles one server's exposed tools with its connection state.
// Test connections and snapshots older than the last applied one are
// ignored.
func (g *Gateway) apply(state mcpmgr.ConnectionState) {
	if state.Ephemeral {
		return
	}
	g.serverMu.Lock()
	defer g.serverMu.Unlock()

	if state.Seq != 0 {
		if state.Seq <= g.lastSeq[state.ServerID] {
			return
		}
		g.lastSeq[state.ServerID] = state.Seq
	}

	if state.Status != mcpmgr.StatusConnected {
		if removed := g.tools.Remove(state.ServerID); len(removed) > 0 {
			g.server.RemoveTools(removed...)
			g.opts.Logger.Debug("gateway tools withdrawn", "server", state.ServerID, "count", len(removed))
		}
		return
	}

	removed, added, skipped := g.tools.Update(state.ServerID, state.Tools)
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		g.server.AddTool(reg.Tool, g.toolHandler(reg.Target))
	}
	for _, name := range skipped {
		g.opts.Logger.Warn("gateway skipped tool without an object input schema", "server", state.ServerID, "tool", name)
	}
	g.opts.Logger.Debug("gateway tools synced", "server", state.ServerID, "count", len(added))
}

func (g *Gateway) toolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any = map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		res, err := g.manager.CallTool(ctx, target.ServerID, target.NativeName, args)
		if err == nil {
			return res, nil
		}
		// Tool failures travel back as error results so the calling model
		// can see them; everything else is a protocol error.
		if mcperr.Is(err, mcperr.KindToolExecution) {
			if res == nil {
				res = &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: mcperr.Message(err)}}}
			}
			return res, nil
		}
		return nil, fmt.Errorf("%s: %s", target.GatewayName, mcperr.Message(err))
	}
}

func (g *Gateway) mount(stream http.Handler) http.Handler {
	h := stream
	if g.opts.TokenVerifier != nil {
		h = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(stream)
	}
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", h)
	}
	return mux
}
