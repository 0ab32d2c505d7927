package mcpmgr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
)

type fakeClient struct {
	kind   ConfigTransport
	tools  []*mcp.Tool
	closed atomic.Int32
	call   func(name string, input any) (*mcp.CallToolResult, error)
}

func (c *fakeClient) Transport() ConfigTransport { return c.kind }

func (c *fakeClient) ListTools(context.Context) ([]*mcp.Tool, error) { return c.tools, nil }

func (c *fakeClient) ListResources(context.Context) ([]*mcp.Resource, error) {
	return []*mcp.Resource{}, nil
}

func (c *fakeClient) ListPrompts(context.Context) ([]*mcp.Prompt, error) {
	return []*mcp.Prompt{}, nil
}

func (c *fakeClient) CallTool(_ context.Context, name string, input any) (*mcp.CallToolResult, error) {
	if c.call != nil {
		return c.call(name, input)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func (c *fakeClient) Close() error {
	c.closed.Add(1)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	delay    time.Duration
	fail     error
	connects atomic.Int32
	clients  []*fakeClient

	// overlap is the most connects or open clients seen at once.
	live    atomic.Int32
	overlap atomic.Int32
}

func (f *fakeFactory) Connect(ctx context.Context, cfg ServerConfig) (Client, error) {
	f.connects.Add(1)
	n := f.live.Add(1)
	defer f.live.Add(-1)
	f.mu.Lock()
	for _, c := range f.clients {
		if c.closed.Load() == 0 {
			n++
		}
	}
	f.mu.Unlock()
	for {
		cur := f.overlap.Load()
		if n <= cur || f.overlap.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	c := &fakeClient{kind: cfg.Transport(), tools: []*mcp.Tool{{Name: "echo"}}}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func stdioConfig(id string) *StdioServerConfig {
	return &StdioServerConfig{BaseServerConfig: BaseServerConfig{ID: id}, Command: "node", Args: []string{"server.js"}}
}

func TestManagerConcurrentConnectCreatesSingleClient(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{delay: 50 * time.Millisecond}
	manager := NewManager(&ManagerOptions{Factory: factory})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Client, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.GetOrCreateClient(context.Background(), stdioConfig("fs"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different client", i)
		}
	}
	if got := factory.connects.Load(); got != 1 {
		t.Fatalf("factory connects = %d, want 1", got)
	}
	ids := manager.GetActiveClientIDs()
	if len(ids) != 1 || ids[0] != "fs" {
		t.Fatalf("GetActiveClientIDs = %v", ids)
	}
	state, ok := manager.State("fs")
	if !ok || state.Status != StatusConnected || len(state.Tools) != 1 || state.ConnectedAt == nil {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestManagerReconnectWaitsForAbandonedAttempt(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{delay: 200 * time.Millisecond}
	manager := NewManager(&ManagerOptions{Factory: factory})

	firstErr := make(chan error, 1)
	go func() {
		_, err := manager.GetOrCreateClient(context.Background(), stdioConfig("fs"))
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := manager.DisconnectClient("fs"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	client, err := manager.GetOrCreateClient(context.Background(), stdioConfig("fs"))
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := <-firstErr; !errors.Is(err, mcperr.ErrConnection) {
		t.Fatalf("abandoned connect returned %v", err)
	}

	if got := factory.connects.Load(); got != 2 {
		t.Fatalf("factory connects = %d, want 2", got)
	}
	if got := factory.overlap.Load(); got != 1 {
		t.Fatalf("%d clients for one id were live at once", got)
	}
	if got := factory.clients[0].closed.Load(); got != 1 {
		t.Fatalf("abandoned client closed %d times, want 1", got)
	}
	if active, ok := manager.GetActiveClient("fs"); !ok || active != client {
		t.Fatalf("active client = %v, %v", active, ok)
	}
}

func TestManagerSnapshotsAreOrdered(t *testing.T) {
	t.Parallel()

	manager := NewManager(&ManagerOptions{Factory: &fakeFactory{}})
	var mu sync.Mutex
	var seqs []uint64
	manager.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		seqs = append(seqs, s.Seq)
		mu.Unlock()
	})

	if res := manager.TestConnection(context.Background(), stdioConfig("candidate")); !res.Success {
		t.Fatalf("TestConnection = %+v", res)
	}
	if _, err := manager.GetOrCreateClient(context.Background(), stdioConfig("fs")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := manager.DisconnectClient("fs"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 3 {
		t.Fatalf("handlers saw %d snapshots, want 3 (test connection excluded)", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not increasing: %v", seqs)
		}
	}
}

func TestManagerErrorCountTracksFailures(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{fail: mcperr.New(mcperr.KindConnection, "connection refused")}
	manager := NewManager(&ManagerOptions{Factory: factory})
	cfg := stdioConfig("flaky")

	for want := 1; want <= 2; want++ {
		state, err := manager.Connect(context.Background(), cfg)
		if !errors.Is(err, mcperr.ErrConnection) {
			t.Fatalf("attempt %d: expected connection error, got %v", want, err)
		}
		if state.Status != StatusError || state.ErrorCount != want {
			t.Fatalf("attempt %d: state = %+v", want, state)
		}
		if state.LastError != "connection refused" || state.ErrorKind != mcperr.KindConnection {
			t.Fatalf("attempt %d: last error = %q kind = %q", want, state.LastError, state.ErrorKind)
		}
	}

	factory.setFail(nil)
	state, err := manager.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if state.Status != StatusConnected || state.ErrorCount != 0 || state.LastError != "" {
		t.Fatalf("reconnect state = %+v", state)
	}
}

func TestManagerDisconnectRemovesEntry(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	manager := NewManager(&ManagerOptions{Factory: factory})
	var events []ConnectionStatus
	var mu sync.Mutex
	manager.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		events = append(events, s.Status)
		mu.Unlock()
	})

	if _, err := manager.GetOrCreateClient(context.Background(), stdioConfig("fs")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := manager.DisconnectClient("fs"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, ok := manager.State("fs"); ok {
		t.Fatalf("state still tracked after disconnect")
	}
	if got := factory.clients[0].closed.Load(); got != 1 {
		t.Fatalf("client closed %d times, want 1", got)
	}
	if err := manager.DisconnectClient("fs"); err != nil {
		t.Fatalf("second disconnect should be a no-op: %v", err)
	}

	_, err := manager.CallTool(context.Background(), "fs", "echo", nil)
	if !errors.Is(err, mcperr.ErrNotFound) {
		t.Fatalf("CallTool on removed server: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionStatus{StatusConnecting, StatusConnected, StatusDisconnected}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestManagerCallToolTransportFailureMarksError(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	manager := NewManager(&ManagerOptions{Factory: factory})
	if _, err := manager.GetOrCreateClient(context.Background(), stdioConfig("fs")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	factory.clients[0].call = func(string, any) (*mcp.CallToolResult, error) {
		return nil, io.EOF
	}

	_, err := manager.CallTool(context.Background(), "fs", "echo", map[string]any{"text": "hi"})
	if !errors.Is(err, mcperr.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	state, _ := manager.State("fs")
	if state.Status != StatusError || state.ErrorCount != 1 {
		t.Fatalf("state after transport failure = %+v", state)
	}
	if ids := manager.GetActiveClientIDs(); len(ids) != 0 {
		t.Fatalf("failed server still active: %v", ids)
	}
}

func TestManagerTestConnectionLeavesNoEntry(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	manager := NewManager(&ManagerOptions{Factory: factory})

	res := manager.TestConnection(context.Background(), stdioConfig("candidate"))
	if !res.Success || len(res.Tools) != 1 || res.ErrorKind != "" {
		t.Fatalf("TestConnection = %+v", res)
	}
	if ids := manager.ServerIDs(); len(ids) != 0 {
		t.Fatalf("test connection left entries behind: %v", ids)
	}
	if got := factory.clients[0].closed.Load(); got != 1 {
		t.Fatalf("test client closed %d times, want 1", got)
	}

	factory.setFail(mcperr.New(mcperr.KindAuthentication, "token rejected"))
	res = manager.TestConnection(context.Background(), stdioConfig("candidate"))
	if res.Success || res.ErrorKind != mcperr.KindAuthentication || res.Message != "token rejected" {
		t.Fatalf("failing TestConnection = %+v", res)
	}
	if ids := manager.ServerIDs(); len(ids) != 0 {
		t.Fatalf("failed test connection left entries behind: %v", ids)
	}
}

type echoArgs struct {
	Text string `json:"text"`
}

func newTestServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "echo text"}, func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
	})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "always fails"}, func(context.Context, *mcp.CallToolRequest, echoArgs) (*mcp.CallToolResult, any, error) {
		return nil, nil, errors.New("disk full")
	})
	return server
}

type inMemoryFactory struct {
	server *mcp.Server
}

func (f *inMemoryFactory) Connect(ctx context.Context, cfg ServerConfig) (Client, error) {
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := f.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "mcphub-test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		_ = ss.Close()
		return nil, err
	}
	return &sdkClient{kind: cfg.Transport(), serverID: IDOf(cfg), session: cs, release: ss.Close}, nil
}

func TestManagerCallToolAgainstSDKServer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager := NewManager(&ManagerOptions{Factory: &inMemoryFactory{server: newTestServer()}})
	defer manager.DisconnectAll()

	state, err := manager.Connect(ctx, stdioConfig("mem"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(state.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(state.Tools))
	}

	res, err := manager.CallTool(ctx, "mem", "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if got := ResultText(res); got != "hello" {
		t.Fatalf("echo result = %q", got)
	}

	res, err = manager.CallTool(ctx, "mem", "fail", map[string]any{})
	if !errors.Is(err, mcperr.ErrToolExecution) {
		t.Fatalf("expected tool execution error, got %v", err)
	}
	if res == nil || !res.IsError {
		t.Fatalf("expected IsError result, got %+v", res)
	}
	if msg := mcperr.Message(err); msg != "disk full" {
		t.Fatalf("tool error message = %q", msg)
	}
	if state, _ := manager.State("mem"); state.Status != StatusConnected {
		t.Fatalf("tool failure should not break the connection: %+v", state)
	}
}

func TestSDKFactoryRejectedCredential(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	manager := NewManager(&ManagerOptions{DefaultTimeout: 5 * time.Second})
	cfg := &HTTPServerConfig{
		BaseServerConfig: BaseServerConfig{ID: "remote"},
		HTTPEndpoint: HTTPEndpoint{
			URL:        srv.URL,
			Auth:       AuthConfig{Type: AuthBearer, Token: "wrong"},
			MaxRetries: -1,
		},
	}

	state, err := manager.Connect(context.Background(), cfg)
	if !errors.Is(err, mcperr.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if state.Status != StatusError || state.ErrorCount != 1 || state.ErrorKind != mcperr.KindAuthentication {
		t.Fatalf("state = %+v", state)
	}
}

func TestSDKFactoryStreamableWithBearer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping streamable HTTP round trip in short mode")
	}
	t.Parallel()

	server := newTestServer()
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager := NewManager(&ManagerOptions{DefaultTimeout: 5 * time.Second})
	defer manager.DisconnectAll()

	cfg := &HTTPServerConfig{
		BaseServerConfig: BaseServerConfig{ID: "remote"},
		HTTPEndpoint: HTTPEndpoint{
			URL:  srv.URL,
			Auth: AuthConfig{Type: AuthBearer, Token: "secret"},
		},
	}
	state, err := manager.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if state.Status != StatusConnected || len(state.Tools) != 2 {
		t.Fatalf("state = %+v", state)
	}
	res, err := manager.CallTool(ctx, "remote", "echo", map[string]any{"text": "over http"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := ResultText(res); got != "over http" {
		t.Fatalf("result = %q", got)
	}
}

func TestHeaderDecoratorMergesHeadersAndTracksRejection(t *testing.T) {
	t.Parallel()

	tracker := &authTracker{}
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("X-MCP-Source"); got != "manager-tests" {
			t.Errorf("decorated header missing, got %q", got)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer example-token" {
			t.Errorf("auth header mismatch, got %q", got)
		}
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	})

	ep := HTTPEndpoint{
		URL:     "https://example/mcp",
		Headers: map[string]string{"X-MCP-Source": "manager-tests"},
		Auth:    AuthConfig{Type: AuthBearer, Token: "example-token"},
	}
	decorated := decorateHTTPClient(&http.Client{Transport: rt}, ep.requestHeaders(), tracker)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ep.URL, nil)
	if err != nil {
		t.Fatalf("request creation failed: %v", err)
	}
	req.Header.Set("Authorization", "Bearer stale")
	resp, err := decorated.Do(req)
	if err != nil {
		t.Fatalf("decorated client Do error: %v", err)
	}
	_ = resp.Body.Close()
	if !tracker.Rejected() {
		t.Fatalf("401 was not recorded")
	}
	if got := req.Header.Get("Authorization"); got != "Bearer stale" {
		t.Fatalf("original request mutated: %q", got)
	}
	var nilTracker *authTracker
	if nilTracker.Rejected() {
		t.Fatalf("nil tracker should not report rejection")
	}
}

func TestMergeEnvOverridesKeys(t *testing.T) {
	t.Parallel()

	env := MergeEnv([]string{"PATH=/usr/bin", "HOME=/root"}, map[string]string{"HOME": "/tmp", "TOKEN": "x"})
	if !envContains(env, "HOME", "/tmp") || !envContains(env, "TOKEN", "x") || !envContains(env, "PATH", "/usr/bin") {
		t.Fatalf("merged env missing values: %v", env)
	}
	if envContains(env, "HOME", "/root") {
		t.Fatalf("overridden key kept its old value: %v", env)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func envContains(env []string, key, value string) bool {
	for _, kv := range env {
		if kv == key+"="+value {
			return true
		}
	}
	return false
}

func TestIsMethodUnavailableError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("calling \"prompts/list\": Method not found"), true},
		{errors.New("jsonrpc2: method not found"), true},
		{errors.New("server does not support resources"), true},
		{errors.New("connection reset by peer"), false},
		{errors.New("tools/list: invalid params"), false},
	}
	for _, c := range cases {
		if got := isMethodUnavailableError(c.err); got != c.want {
			t.Errorf("isMethodUnavailableError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
