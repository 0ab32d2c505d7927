package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/metrics"
)

var tracer = otel.GetTracerProvider().Tracer("mcphub/mcpmgr")

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the registry's view of one server connection.
type ConnectionState struct {
	ServerID    string           `json:"serverId"`
	Name        string           `json:"name,omitempty"`
	Transport   ConfigTransport  `json:"transport,omitempty"`
	Status      ConnectionStatus `json:"status"`
	ConnectedAt *time.Time       `json:"connectedAt,omitempty"`
	LastError   string           `json:"lastError,omitempty"`
	ErrorKind   mcperr.Kind      `json:"errorKind,omitempty"`
	ErrorCount  int              `json:"errorCount"`
	Tools       []*mcp.Tool      `json:"tools"`
	Resources   []*mcp.Resource  `json:"resources"`
	Prompts     []*mcp.Prompt    `json:"prompts"`

	// Seq orders snapshots. Observers drop a snapshot whose Seq is not
	// newer than the last one they saw for the same server.
	Seq uint64 `json:"-"`
	// Ephemeral marks throwaway test connections. They are never reported
	// to state change handlers.
	Ephemeral bool `json:"-"`
}

func (s ConnectionState) clone() ConnectionState {
	cp := s
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		cp.ConnectedAt = &t
	}
	cp.Tools = append([]*mcp.Tool(nil), s.Tools...)
	cp.Resources = append([]*mcp.Resource(nil), s.Resources...)
	cp.Prompts = append([]*mcp.Prompt(nil), s.Prompts...)
	return cp
}

// TestResult summarizes an ephemeral test connection.
type TestResult struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	ErrorKind mcperr.Kind     `json:"errorKind,omitempty"`
	Tools     []*mcp.Tool     `json:"tools"`
	Resources []*mcp.Resource `json:"resources"`
	Prompts   []*mcp.Prompt   `json:"prompts"`
	LatencyMs int64           `json:"latencyMs"`
}

// Manager is the connection registry: it holds at most one live client per
// server identifier and tracks the state of each connection.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	factory ClientFactory
	logger  *slog.Logger

	states map[string]*managedState
	// inflight holds the running connect attempt per server ID. An entry
	// outlives a disconnect of its server and is removed only once the
	// attempt has settled.
	inflight map[string]*connectAttempt
	seq      uint64

	// stateChangeHandlers run after any status transition, outside the lock.
	stateChangeHandlers []func(ConnectionState)
}

type managedState struct {
	config ServerConfig
	client Client
	state  ConnectionState
}

type connectAttempt struct {
	owner  *managedState
	done   chan struct{}
	client Client
	err    error
}

// NewManager constructs a Manager. Callers can provide nil options to fall
// back to defaults.
func NewManager(opts *ManagerOptions) *Manager {
	options := opts.withDefaults()
	m := &Manager{
		options:  options,
		logger:   options.Logger,
		states:   make(map[string]*managedState),
		inflight: make(map[string]*connectAttempt),
	}
	if options.Factory != nil {
		m.factory = options.Factory
	} else {
		m.factory = &SDKClientFactory{
			ClientName:    options.ClientName,
			ClientVersion: options.ClientVersion,
			Timeout:       options.DefaultTimeout,
			HTTPClient:    options.HTTPClient,
			Spawner:       options.Spawner,
			RPCLogger:     options.RPCLogger,
			LogJSONRPC:    options.DefaultLogJSONRPC,
			OnListChanged: m.refreshCapabilities,
			Logf: func(format string, args ...any) {
				options.Logger.Debug(fmt.Sprintf(format, args...))
			},
		}
	}
	return m
}

// OnStateChange registers a callback invoked after every status transition
// of a non-ephemeral connection. Handlers may observe snapshots out of
// order; ConnectionState.Seq tells which one is newer.
func (m *Manager) OnStateChange(handler func(ConnectionState)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.stateChangeHandlers = append(m.stateChangeHandlers, handler)
	m.mu.Unlock()
}

// Connect establishes (or reuses) the client for cfg and returns the
// resulting connection state. On failure the returned state carries status
// error alongside the classified error.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) (ConnectionState, error) {
	_, err := m.GetOrCreateClient(ctx, cfg)
	id := IDOf(cfg)
	state, ok := m.State(id)
	if !ok {
		state = ConnectionState{ServerID: id, Name: NameOf(cfg), Status: StatusDisconnected}
	}
	return state, err
}

// GetOrCreateClient returns the client for cfg's ID when it is connected or
// a connection attempt is in flight; otherwise it connects a new one,
// superseding any stale client for the same ID.
func (m *Manager) GetOrCreateClient(ctx context.Context, cfg ServerConfig) (Client, error) {
	return m.getOrCreate(ctx, cfg, false)
}

func (m *Manager) getOrCreate(ctx context.Context, cfg ServerConfig, ephemeral bool) (Client, error) {
	if cfg == nil {
		return nil, mcperr.New(mcperr.KindConfiguration, "missing server configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	serverID := IDOf(cfg)

	m.mu.Lock()
	for {
		st, ok := m.states[serverID]
		if ok && st.client != nil && st.state.Status == StatusConnected {
			client := st.client
			m.mu.Unlock()
			return client, nil
		}
		attempt := m.inflight[serverID]
		if attempt == nil {
			break
		}
		// An attempt whose entry was disconnected is waited out, never
		// joined; its client is discarded when it settles.
		joined := ok && attempt.owner == st
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, mcperr.Wrap(mcperr.KindConnection, "connect "+serverID, ctx.Err())
		case <-attempt.done:
		}
		if joined {
			return attempt.client, attempt.err
		}
		m.mu.Lock()
	}

	st, ok := m.states[serverID]
	if !ok {
		st = &managedState{state: ConnectionState{ServerID: serverID}}
		m.states[serverID] = st
	}
	attempt := &connectAttempt{owner: st, done: make(chan struct{})}
	m.inflight[serverID] = attempt
	stale := st.client
	st.client = nil
	st.config = CloneConfig(cfg)
	st.state.Name = NameOf(cfg)
	st.state.Transport = cfg.Transport()
	st.state.Status = StatusConnecting
	st.state.ConnectedAt = nil
	st.state.Ephemeral = ephemeral
	snapshot := m.snapshotLocked(st)
	m.mu.Unlock()

	if stale != nil {
		if err := stale.Close(); err != nil {
			m.logger.Warn("close superseded client", "server", serverID, "error", err)
		}
	}
	m.notifyStateChange(snapshot)

	client, tools, resources, prompts, err := m.establish(ctx, cfg)

	m.mu.Lock()
	if m.states[serverID] != st {
		// Disconnected while the attempt was in flight. The client is
		// closed before the attempt settles so a reconnect cannot overlap
		// with it.
		m.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		if err == nil {
			err = mcperr.Newf(mcperr.KindConnection, "server %q was disconnected during connect", serverID)
		}
		attempt.err = err
		m.settle(serverID, attempt)
		return nil, err
	}
	delete(m.inflight, serverID)
	if err != nil {
		st.state.Status = StatusError
		st.state.ErrorCount++
		st.state.LastError = mcperr.Message(err)
		st.state.ErrorKind = mcperr.KindOf(err)
		st.state.Tools, st.state.Resources, st.state.Prompts = nil, nil, nil
	} else {
		now := time.Now()
		st.client = client
		st.state.Status = StatusConnected
		st.state.ConnectedAt = &now
		st.state.ErrorCount = 0
		st.state.LastError = ""
		st.state.ErrorKind = ""
		st.state.Tools, st.state.Resources, st.state.Prompts = tools, resources, prompts
	}
	snapshot = m.snapshotLocked(st)
	m.mu.Unlock()

	attempt.client, attempt.err = client, err
	if err != nil {
		attempt.client = nil
	}
	close(attempt.done)
	m.notifyStateChange(snapshot)

	if err != nil {
		metrics.ConnectionAttemptsTotal.WithLabelValues(string(cfg.Transport()), "error").Inc()
		return nil, err
	}
	metrics.ConnectionAttemptsTotal.WithLabelValues(string(cfg.Transport()), "ok").Inc()
	if w, ok := client.(sessionWaiter); ok {
		go m.monitorSession(serverID, client, w)
	}
	return client, nil
}

// settle drops attempt from the in-flight set and wakes its waiters.
func (m *Manager) settle(serverID string, attempt *connectAttempt) {
	m.mu.Lock()
	if m.inflight[serverID] == attempt {
		delete(m.inflight, serverID)
	}
	m.mu.Unlock()
	close(attempt.done)
}

// snapshotLocked stamps st with the next sequence number and returns a
// copy. m.mu must be held for writing.
func (m *Manager) snapshotLocked(st *managedState) ConnectionState {
	m.seq++
	st.state.Seq = m.seq
	return st.state.clone()
}

func (m *Manager) establish(ctx context.Context, cfg ServerConfig) (Client, []*mcp.Tool, []*mcp.Resource, []*mcp.Prompt, error) {
	serverID := IDOf(cfg)
	ctx, span := tracer.Start(ctx, "mcpmgr.connect", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("mcp.server_id", serverID),
		attribute.String("mcp.transport", string(cfg.Transport())),
	)

	client, err := m.factory.Connect(ctx, cfg)
	if err != nil {
		err = mcperr.Wrap(mcperr.KindConnection, "connect "+serverID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("connect failed", "server", serverID, "kind", mcperr.KindOf(err), "error", err)
		return nil, nil, nil, nil, err
	}
	tools, resources, prompts, err := m.discover(ctx, client)
	if err != nil {
		_ = client.Close()
		err = mcperr.Wrap(mcperr.KindConnection, "discover "+serverID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("capability discovery failed", "server", serverID, "error", err)
		return nil, nil, nil, nil, err
	}
	span.SetAttributes(attribute.Int("mcp.tools", len(tools)))
	m.logger.Info("server connected", "server", serverID, "transport", cfg.Transport(), "tools", len(tools))
	return client, tools, resources, prompts, nil
}

func (m *Manager) discover(ctx context.Context, client Client) ([]*mcp.Tool, []*mcp.Resource, []*mcp.Prompt, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return tools, resources, prompts, nil
}

// GetConnectionState performs capability discovery on client and reports the
// outcome as a ConnectionState without touching the registry.
func (m *Manager) GetConnectionState(ctx context.Context, serverID, name string, client Client) ConnectionState {
	state := ConnectionState{ServerID: serverID, Name: name}
	if client == nil {
		state.Status = StatusDisconnected
		return state
	}
	state.Transport = client.Transport()
	tools, resources, prompts, err := m.discover(ctx, client)
	if err != nil {
		state.Status = StatusError
		state.ErrorCount = 1
		state.LastError = mcperr.Message(err)
		state.ErrorKind = mcperr.KindOf(err)
		return state
	}
	now := time.Now()
	state.Status = StatusConnected
	state.ConnectedAt = &now
	state.Tools, state.Resources, state.Prompts = tools, resources, prompts
	return state
}

// refreshCapabilities re-runs discovery after a list-changed notification.
func (m *Manager) refreshCapabilities(serverID string) {
	client, ok := m.GetActiveClient(serverID)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.options.DefaultTimeout)
		defer cancel()
		tools, resources, prompts, err := m.discover(ctx, client)
		if err != nil {
			m.logger.Warn("refresh capabilities", "server", serverID, "error", err)
			return
		}
		m.mu.Lock()
		st, ok := m.states[serverID]
		if !ok || st.client != client {
			m.mu.Unlock()
			return
		}
		st.state.Tools, st.state.Resources, st.state.Prompts = tools, resources, prompts
		snapshot := m.snapshotLocked(st)
		m.mu.Unlock()
		m.notifyStateChange(snapshot)
	}()
}

func (m *Manager) monitorSession(serverID string, client Client, w sessionWaiter) {
	err := w.Wait()
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.client != client || st.state.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	msg := "session closed by server"
	if err != nil {
		msg = fmt.Sprintf("session closed: %v", err)
	}
	st.state.Status = StatusError
	st.state.ErrorCount++
	st.state.LastError = msg
	st.state.ErrorKind = mcperr.KindConnection
	st.state.ConnectedAt = nil
	snapshot := m.snapshotLocked(st)
	m.mu.Unlock()
	m.logger.Warn("session ended", "server", serverID, "error", err)
	m.notifyStateChange(snapshot)
}

// DisconnectClient removes serverID from the registry and closes its client.
// Removal is immediate; an in-flight connect for the same ID discards its
// client when it completes.
func (m *Manager) DisconnectClient(serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.states, serverID)
	client := st.client
	m.seq++
	snapshot := ConnectionState{
		ServerID:  serverID,
		Name:      st.state.Name,
		Status:    StatusDisconnected,
		Seq:       m.seq,
		Ephemeral: st.state.Ephemeral,
	}
	m.mu.Unlock()

	m.notifyStateChange(snapshot)
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return mcperr.Wrap(mcperr.KindConnection, "disconnect "+serverID, err)
	}
	return nil
}

// DisconnectAll closes every client.
func (m *Manager) DisconnectAll() error {
	var errs []error
	for _, id := range m.ServerIDs() {
		if err := m.DisconnectClient(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetActiveClient returns the connected client for serverID.
func (m *Manager) GetActiveClient(serverID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.client == nil || st.state.Status != StatusConnected {
		return nil, false
	}
	return st.client, true
}

// GetActiveClientIDs returns the sorted IDs of connected servers.
func (m *Manager) GetActiveClientIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id, st := range m.states {
		if st.client != nil && st.state.Status == StatusConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ServerIDs returns every tracked server ID regardless of status.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns a snapshot of the connection state for serverID.
func (m *Manager) State(serverID string) (ConnectionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return ConnectionState{}, false
	}
	return st.state.clone(), true
}

// States returns snapshots of every tracked connection, sorted by ID.
func (m *Manager) States() []ConnectionState {
	m.mu.RLock()
	out := make([]ConnectionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.state.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Config returns a copy of the last configuration used for serverID.
func (m *Manager) Config(serverID string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.config == nil {
		return nil, false
	}
	return CloneConfig(st.config), true
}

// CallTool invokes toolName on the connected server. A tool that reports
// failure yields a ToolExecutionError carrying the upstream text; a
// transport failure moves the connection to error.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, input any) (*mcp.CallToolResult, error) {
	client, ok := m.GetActiveClient(serverID)
	if !ok {
		return nil, mcperr.Newf(mcperr.KindNotFound, "no active connection for server %q", serverID)
	}

	ctx, span := tracer.Start(ctx, "mcpmgr.call_tool", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("mcp.server_id", serverID), attribute.String("mcp.tool", toolName))

	start := time.Now()
	res, err := client.CallTool(ctx, toolName, input)
	metrics.ToolCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if mcperr.KindOf(err) == mcperr.KindToolExecution || mcperr.KindOf(err) == mcperr.KindConfiguration {
			metrics.ToolCallsTotal.WithLabelValues("tool_error").Inc()
			return nil, err
		}
		metrics.ToolCallsTotal.WithLabelValues("transport_error").Inc()
		err = mcperr.Wrap(mcperr.KindConnection, "call "+serverID+"/"+toolName, err)
		m.markFailed(serverID, client, err)
		return nil, err
	}
	if res != nil && res.IsError {
		metrics.ToolCallsTotal.WithLabelValues("tool_error").Inc()
		text := ResultText(res)
		span.SetStatus(codes.Error, text)
		return res, &mcperr.Error{Kind: mcperr.KindToolExecution, Op: "call " + serverID + "/" + toolName, ServerID: serverID, Message: text}
	}
	metrics.ToolCallsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (m *Manager) markFailed(serverID string, client Client, err error) {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.client != client || st.state.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	st.state.Status = StatusError
	st.state.ErrorCount++
	st.state.LastError = mcperr.Message(err)
	st.state.ErrorKind = mcperr.KindOf(err)
	st.state.ConnectedAt = nil
	snapshot := m.snapshotLocked(st)
	m.mu.Unlock()
	m.notifyStateChange(snapshot)
}

// TestConnection validates cfg by connecting under a throwaway ID, capturing
// the discovered capabilities and disconnecting again on every path.
func (m *Manager) TestConnection(ctx context.Context, cfg ServerConfig) TestResult {
	if cfg == nil {
		return TestResult{Message: "missing server configuration", ErrorKind: mcperr.KindConfiguration}
	}
	testID := "test-" + uuid.NewString()
	candidate := WithID(cfg, testID)
	defer func() {
		if err := m.DisconnectClient(testID); err != nil {
			m.logger.Warn("test connection cleanup failed", "server", testID, "error", err)
		}
	}()

	start := time.Now()
	_, err := m.getOrCreate(ctx, candidate, true)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return TestResult{Message: mcperr.Message(err), ErrorKind: mcperr.KindOf(err), LatencyMs: latency}
	}
	state, _ := m.State(testID)
	return TestResult{
		Success:   true,
		Message:   fmt.Sprintf("connected: %d tools, %d resources, %d prompts", len(state.Tools), len(state.Resources), len(state.Prompts)),
		Tools:     state.Tools,
		Resources: state.Resources,
		Prompts:   state.Prompts,
		LatencyMs: latency,
	}
}

func (m *Manager) notifyStateChange(state ConnectionState) {
	m.mu.RLock()
	handlers := append([]func(ConnectionState){}, m.stateChangeHandlers...)
	active := 0
	for _, st := range m.states {
		if st.client != nil && st.state.Status == StatusConnected {
			active++
		}
	}
	m.mu.RUnlock()
	metrics.ConnectionsActive.Set(float64(active))
	if state.Ephemeral {
		return
	}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("state change handler panicked", "server", state.ServerID, "panic", r)
				}
			}()
			h(state)
		}()
	}
}

// ResultText concatenates the text content of a tool result.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
