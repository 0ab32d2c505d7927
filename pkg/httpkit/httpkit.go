// Package httpkit builds the outbound HTTP clients used for registry
// lookups, repository probes and remote MCP servers. All clients built from
// one Pool share a connection pool so that idle connections can be released
// in one place.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 32
	DefaultMaxIdleConnsPerHost = 8
)

// DefaultUserAgent is sent when no other User-Agent is configured.
const DefaultUserAgent = "mcphub"

// NewTransport returns a transport with explicit dial, TLS and idle limits.
// ResponseHeaderTimeout is left unset: SSE and streamable MCP responses
// may hold headers back while the server works.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// Pool owns a shared transport.
type Pool struct {
	transport *http.Transport
	userAgent string
	released  atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) PoolOption {
	return func(p *Pool) { p.userAgent = ua }
}

// WithTransport replaces the shared transport, mainly for tests.
func WithTransport(t *http.Transport) PoolOption {
	return func(p *Pool) { p.transport = t }
}

// NewPool creates a Pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{userAgent: DefaultUserAgent}
	for _, o := range opts {
		o(p)
	}
	if p.transport == nil {
		p.transport = NewTransport()
	}
	return p
}

// Client returns an *http.Client on the shared transport. A zero timeout
// leaves the client unbounded, which streaming transports need.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: p.transport, ua: p.userAgent},
	}
}

// CloseIdleConnections releases every idle pooled connection. Active
// connections are unaffected.
func (p *Pool) CloseIdleConnections() {
	p.transport.CloseIdleConnections()
	p.released.Add(1)
}

// Releases reports how many times idle connections were released.
func (p *Pool) Releases() int64 { return p.released.Load() }

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body, then
// drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
