package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
)

// Client is the uniform capability surface shared by every transport.
type Client interface {
	Transport() ConfigTransport
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	ListResources(ctx context.Context) ([]*mcp.Resource, error)
	ListPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	CallTool(ctx context.Context, name string, input any) (*mcp.CallToolResult, error)
	Close() error
}

// ClientFactory produces connected clients. Implementations must return
// classified errors (see package mcperr).
type ClientFactory interface {
	Connect(ctx context.Context, cfg ServerConfig) (Client, error)
}

// ProcessSpawner runs stdio servers on behalf of the factory. Spawn starts
// (or adopts) the process and returns a transport over its pipes; Release
// stops it again.
type ProcessSpawner interface {
	Spawn(ctx context.Context, cfg *StdioServerConfig) (mcp.Transport, error)
	Release(serverID string) error
}

// sessionWaiter is implemented by clients that can report when their
// underlying session ends.
type sessionWaiter interface {
	Wait() error
}

// SDKClientFactory builds clients on top of the go-sdk client and its
// transports.
type SDKClientFactory struct {
	ClientName    string
	ClientVersion string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Spawner       ProcessSpawner
	RPCLogger     RPCLogger
	LogJSONRPC    bool
	// OnListChanged is invoked when a server announces that its tools,
	// prompts or resources changed.
	OnListChanged func(serverID string)
	// Logf receives JSON-RPC traffic when LogJSONRPC is set without an
	// RPCLogger.
	Logf func(format string, args ...any)
}

// Connect implements ClientFactory.
func (f *SDKClientFactory) Connect(ctx context.Context, cfg ServerConfig) (Client, error) {
	if cfg == nil {
		return nil, mcperr.New(mcperr.KindConfiguration, "missing server configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := cfg.base()
	serverID := base.ID

	timeout := base.Timeout
	if timeout <= 0 {
		timeout = f.Timeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	sc := &sdkClient{kind: cfg.Transport(), serverID: serverID, timeout: timeout}
	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sc.cancel = cancel

	var transport mcp.Transport
	switch c := cfg.(type) {
	case *StdioServerConfig:
		sc.serialize = true
		if f.Spawner != nil {
			t, err := f.Spawner.Spawn(ctx, c)
			if err != nil {
				cancel()
				return nil, mcperr.Wrap(mcperr.KindConnection, "spawn "+serverID, err)
			}
			transport = t
			sc.release = func() error { return f.Spawner.Release(serverID) }
		} else {
			transport = &mcp.CommandTransport{Command: buildCommand(c), TerminateDuration: 5 * time.Second}
		}
	case *SSEServerConfig:
		sc.auth = &authTracker{}
		transport = &mcp.SSEClientTransport{
			Endpoint:   c.URL,
			HTTPClient: decorateHTTPClient(f.httpClient(c.HTTPClient), c.requestHeaders(), sc.auth),
		}
	case *HTTPServerConfig:
		sc.auth = &authTracker{}
		transport = &mcp.StreamableClientTransport{
			Endpoint:   c.URL,
			HTTPClient: decorateHTTPClient(f.httpClient(c.HTTPClient), c.requestHeaders(), sc.auth),
			MaxRetries: c.MaxRetries,
		}
	default:
		cancel()
		return nil, mcperr.Newf(mcperr.KindConfiguration, "unsupported config for %q", serverID)
	}

	if logger := f.resolveLogger(base); logger != nil {
		transport = &loggingTransport{serverID: serverID, delegate: transport, logger: logger}
	}
	transport = &lifetimeTransport{delegate: transport, ctx: lifetime, cancel: cancel}

	client := mcp.NewClient(&mcp.Implementation{Name: f.clientName(), Version: f.clientVersion(base)}, f.clientOptions(serverID))

	connectCtx, cancelConnect := context.WithTimeout(ctx, timeout)
	defer cancelConnect()
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		cancel()
		if sc.release != nil {
			_ = sc.release()
		}
		return nil, sc.classify("connect", err)
	}
	sc.session = session
	return sc, nil
}

func (f *SDKClientFactory) clientName() string {
	if f.ClientName != "" {
		return f.ClientName
	}
	return "mcphub"
}

func (f *SDKClientFactory) clientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	if f.ClientVersion != "" {
		return f.ClientVersion
	}
	return "1.0.0"
}

func (f *SDKClientFactory) httpClient(override *http.Client) *http.Client {
	if override != nil {
		return override
	}
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

func (f *SDKClientFactory) clientOptions(serverID string) *mcp.ClientOptions {
	notify := func() {
		if f.OnListChanged != nil {
			f.OnListChanged(serverID)
		}
	}
	return &mcp.ClientOptions{
		ToolListChangedHandler:     func(context.Context, *mcp.ToolListChangedRequest) { notify() },
		PromptListChangedHandler:   func(context.Context, *mcp.PromptListChangedRequest) { notify() },
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) { notify() },
	}
}

func (f *SDKClientFactory) resolveLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if f.RPCLogger != nil {
		return f.RPCLogger
	}
	if base.LogJSONRPC || f.LogJSONRPC {
		logf := f.Logf
		if logf == nil {
			logf = func(format string, args ...any) { fmt.Printf(format+"\n", args...) }
		}
		return func(event RPCLogEvent) {
			logf("[MCP:%s] %s %s", event.ServerID, strings.ToUpper(string(event.Direction)), string(event.Message))
		}
	}
	return nil
}

func buildCommand(cfg *StdioServerConfig) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), cfg.Env)
	}
	return cmd
}

// MergeEnv overlays extra onto a KEY=VALUE environment list, replacing
// existing keys rather than appending duplicates.
func MergeEnv(environ []string, extra map[string]string) []string {
	out := make([]string, 0, len(environ)+len(extra))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// sdkClient adapts an mcp.ClientSession to Client.
type sdkClient struct {
	kind     ConfigTransport
	serverID string
	timeout  time.Duration
	session  *mcp.ClientSession
	auth     *authTracker
	cancel   context.CancelFunc
	release  func() error

	// serialize forces one round trip at a time; set for stdio where the
	// pipe is shared.
	serialize bool
	callMu    sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (c *sdkClient) Transport() ConfigTransport { return c.kind }

func (c *sdkClient) lock() func() {
	if !c.serialize {
		return func() {}
	}
	c.callMu.Lock()
	return c.callMu.Unlock
}

func (c *sdkClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *sdkClient) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	defer c.lock()()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	tools := []*mcp.Tool{}
	params := &mcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Tool{}, nil
			}
			return nil, c.classify("list tools", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *sdkClient) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	defer c.lock()()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resources := []*mcp.Resource{}
	params := &mcp.ListResourcesParams{}
	for {
		res, err := c.session.ListResources(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Resource{}, nil
			}
			return nil, c.classify("list resources", err)
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			return resources, nil
		}
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
}

func (c *sdkClient) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	defer c.lock()()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	prompts := []*mcp.Prompt{}
	params := &mcp.ListPromptsParams{}
	for {
		res, err := c.session.ListPrompts(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*mcp.Prompt{}, nil
			}
			return nil, c.classify("list prompts", err)
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			return prompts, nil
		}
		params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
	}
}

func (c *sdkClient) CallTool(ctx context.Context, name string, input any) (*mcp.CallToolResult, error) {
	if name == "" {
		return nil, mcperr.Newf(mcperr.KindConfiguration, "tool name is required for %q", c.serverID)
	}
	defer c.lock()()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: input})
	if err != nil {
		if isTransportFailure(err) || c.auth.Rejected() {
			return nil, c.classify("call tool "+name, err)
		}
		// The server answered with a protocol error: the tool failed, the
		// connection is fine.
		return nil, &mcperr.Error{Kind: mcperr.KindToolExecution, Op: "call tool " + name, ServerID: c.serverID, Message: err.Error()}
	}
	return res, nil
}

// Wait blocks until the session ends.
func (c *sdkClient) Wait() error {
	return c.session.Wait()
}

func (c *sdkClient) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.session != nil {
			if err := c.session.Close(); err != nil && !errors.Is(err, mcp.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.release != nil {
			if err := c.release(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *sdkClient) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *mcperr.Error
	if errors.As(err, &classified) {
		return err
	}
	kind := mcperr.KindConnection
	if c.auth.Rejected() || looksLikeAuthFailure(err) {
		kind = mcperr.KindAuthentication
	}
	return &mcperr.Error{Kind: kind, Op: op, ServerID: c.serverID, Err: err}
}

func isTransportFailure(err error) bool {
	return errors.Is(err, mcp.ErrConnectionClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe)
}

func looksLikeAuthFailure(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "authentication")
}

// isMethodUnavailableError reports whether err says the server does not
// implement the request. JSON-RPC "method not found" replies rarely name the
// method, so the message keywords decide alone.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}

// authTracker remembers whether the server rejected our credential.
type authTracker struct {
	status atomic.Int32
}

func (a *authTracker) observe(code int) {
	if a == nil {
		return
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		a.status.Store(int32(code))
	}
}

// Rejected reports whether a 401 or 403 was seen. Safe on a nil tracker.
func (a *authTracker) Rejected() bool {
	return a != nil && a.status.Load() != 0
}

func decorateHTTPClient(base *http.Client, headers http.Header, auth *authTracker) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: headers,
		auth:    auth,
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	auth    *authTracker
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(d.headers) > 0 {
		req = req.Clone(req.Context())
		for k, values := range d.headers {
			req.Header.Del(k)
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	resp, err := d.next.RoundTrip(req)
	if err == nil {
		d.auth.observe(resp.StatusCode)
	}
	return resp, err
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
