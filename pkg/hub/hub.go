// Package hub is the operation surface used by front ends. Every method
// returns a Response envelope: callers never see raw errors, only a
// classification and a message suitable for display.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vikashloomba/mcphub-go/pkg/catalog"
	"github.com/vikashloomba/mcphub-go/pkg/installer"
	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcphub-go/pkg/procmgr"
	"github.com/vikashloomba/mcphub-go/pkg/ratelimit"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

var tracer = otel.GetTracerProvider().Tracer("mcphub/hub")

// Response is the uniform result of every hub operation.
type Response[T any] struct {
	Success   bool        `json:"success"`
	Data      T           `json:"data"`
	Message   string      `json:"message,omitempty"`
	ErrorKind mcperr.Kind `json:"errorKind,omitempty"`
}

// Err returns the failure as a classified error, or nil on success.
func (r Response[T]) Err() error {
	if r.Success {
		return nil
	}
	return mcperr.New(r.ErrorKind, r.Message)
}

func ok[T any](data T, msg string) Response[T] {
	return Response[T]{Success: true, Data: data, Message: msg}
}

func fail[T any](err error) Response[T] {
	return Response[T]{Message: mcperr.Message(err), ErrorKind: mcperr.KindOf(err)}
}

// failWith keeps data alongside the failure, e.g. a connection state in
// status error.
func failWith[T any](data T, err error) Response[T] {
	r := fail[T](err)
	r.Data = data
	return r
}

// Options wires the hub to its components. Connections is required; the
// other components are optional and their operations fail with a
// ConfigurationError when absent.
type Options struct {
	Connections *mcpmgr.Manager
	Processes   *procmgr.Manager
	Installer   *installer.Installer
	Catalog     *catalog.Catalog
	Store       *store.Store
	// Limiter throttles ExecuteTool and TestConnection per server.
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// Hub dispatches operations to the registry, process manager, installer
// and catalog.
type Hub struct {
	conns   *mcpmgr.Manager
	procs   *procmgr.Manager
	inst    *installer.Installer
	catalog *catalog.Catalog
	store   *store.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New creates a Hub.
func New(opts Options) (*Hub, error) {
	if opts.Connections == nil {
		return nil, errors.New("hub: a connection manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(0, 1)
	}
	return &Hub{
		conns:   opts.Connections,
		procs:   opts.Processes,
		inst:    opts.Installer,
		catalog: opts.Catalog,
		store:   opts.Store,
		limiter: opts.Limiter,
		logger:  opts.Logger,
	}, nil
}

// Connections exposes the registry for components that subscribe to state
// changes.
func (h *Hub) Connections() *mcpmgr.Manager { return h.conns }

func unavailable(component string) error {
	return mcperr.Newf(mcperr.KindConfiguration, "%s is not enabled", component)
}

func startSpan(ctx context.Context, name, serverID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	if serverID != "" {
		span.SetAttributes(attribute.String("mcp.server_id", serverID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, mcperr.Message(err))
		span.SetAttributes(attribute.String("mcp.error_kind", string(mcperr.KindOf(err))))
	}
	span.End()
}

// Connect builds def, applies the optional credential and connects. A
// failed connection still returns the recorded state as Data.
func (h *Hub) Connect(ctx context.Context, def mcpmgr.ServerDefinition, cred *mcpmgr.Credential) Response[mcpmgr.ConnectionState] {
	ctx, span := startSpan(ctx, "hub.connect", def.ID)
	cfg, err := def.Build()
	if err != nil {
		endSpan(span, err)
		return fail[mcpmgr.ConnectionState](err)
	}
	cfg = mcpmgr.WithCredential(cfg, cred)
	span.SetAttributes(attribute.String("mcp.transport", string(cfg.Transport())))

	state, err := h.conns.Connect(ctx, cfg)
	endSpan(span, err)
	if err != nil {
		h.logger.Warn("connect failed", "server", def.ID, "kind", mcperr.KindOf(err), "error", err)
		return failWith(state, err)
	}
	h.logger.Info("server connected", "server", def.ID, "tools", len(state.Tools))
	return ok(state, "connected to "+state.Name)
}

// Disconnect closes the connection for id. Disconnecting an unknown server
// succeeds.
func (h *Hub) Disconnect(id string) Response[struct{}] {
	if err := h.conns.DisconnectClient(id); err != nil {
		return fail[struct{}](err)
	}
	return ok(struct{}{}, "disconnected "+id)
}

// TestConnection connects def under a throwaway identifier and always
// cleans up. The result is returned as Data on both outcomes.
func (h *Hub) TestConnection(ctx context.Context, def mcpmgr.ServerDefinition, cred *mcpmgr.Credential) Response[mcpmgr.TestResult] {
	key := def.ID
	if key == "" {
		key = "test"
	}
	if err := h.limiter.Check(key, "test connection"); err != nil {
		return fail[mcpmgr.TestResult](err)
	}
	cfg, err := def.Build()
	if err != nil {
		return failWith(mcpmgr.TestResult{Message: mcperr.Message(err), ErrorKind: mcperr.KindOf(err)}, err)
	}
	ctx, span := startSpan(ctx, "hub.test_connection", def.ID)
	res := h.conns.TestConnection(ctx, mcpmgr.WithCredential(cfg, cred))
	span.SetAttributes(attribute.Int64("mcp.latency_ms", res.LatencyMs))
	if !res.Success {
		endSpan(span, mcperr.New(res.ErrorKind, res.Message))
		return Response[mcpmgr.TestResult]{Data: res, Message: res.Message, ErrorKind: res.ErrorKind}
	}
	endSpan(span, nil)
	return ok(res, res.Message)
}

// ListConnections returns every tracked connection.
func (h *Hub) ListConnections() Response[[]mcpmgr.ConnectionState] {
	return ok(h.conns.States(), "")
}

// ToolOutput is the result of a tool call.
type ToolOutput struct {
	ServerID   string        `json:"serverId"`
	Tool       string        `json:"tool"`
	Output     string        `json:"output"`
	Content    []mcp.Content `json:"content,omitempty"`
	Structured any           `json:"structuredContent,omitempty"`
	DurationMs int64         `json:"durationMs"`
}

// ExecuteTool calls tool on the connected server id. A tool that reports
// failure yields a ToolExecutionError carrying the upstream message.
func (h *Hub) ExecuteTool(ctx context.Context, id, tool string, input map[string]any) Response[ToolOutput] {
	if err := h.limiter.Check(id, "execute tool"); err != nil {
		return fail[ToolOutput](err)
	}
	ctx, span := startSpan(ctx, "hub.execute_tool", id)
	span.SetAttributes(attribute.String("mcp.tool", tool))
	if input == nil {
		input = map[string]any{}
	}
	start := time.Now()
	res, err := h.conns.CallTool(ctx, id, tool, input)
	endSpan(span, err)
	if err != nil {
		h.logger.Debug("tool call failed", "server", id, "tool", tool, "error", err)
		return fail[ToolOutput](err)
	}
	out := ToolOutput{
		ServerID:   id,
		Tool:       tool,
		Output:     mcpmgr.ResultText(res),
		Content:    res.Content,
		Structured: res.StructuredContent,
		DurationMs: time.Since(start).Milliseconds(),
	}
	return ok(out, "")
}
