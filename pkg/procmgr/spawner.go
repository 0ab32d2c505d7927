package procmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

var _ mcpmgr.ProcessSpawner = (*Manager)(nil)

// Spawn implements mcpmgr.ProcessSpawner: it starts (or adopts) the process
// for cfg.ID and hands out a transport over its stdin and stdout. The pipes
// can be claimed once per process.
func (m *Manager) Spawn(ctx context.Context, cfg *mcpmgr.StdioServerConfig) (mcp.Transport, error) {
	if cfg == nil {
		return nil, mcperr.New(mcperr.KindConfiguration, "missing process configuration")
	}
	if _, err := m.StartServer(ctx, cfg.ID, cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[cfg.ID]
	if !ok || p.info.State.terminal() {
		return nil, mcperr.Newf(mcperr.KindProcess, "process %q exited during startup", cfg.ID)
	}
	if p.ready != nil {
		return nil, mcperr.Newf(mcperr.KindProcess, "process %q was restarted during startup", cfg.ID)
	}
	if p.claimed {
		return nil, mcperr.Newf(mcperr.KindProcess, "process %q is already attached to a client", cfg.ID)
	}
	p.claimed = true
	return &pipeTransport{serverID: cfg.ID, stdin: p.stdin, stdout: p.stdout}, nil
}

// Release implements mcpmgr.ProcessSpawner by stopping the process.
func (m *Manager) Release(serverID string) error {
	return m.StopServer(serverID, false)
}

// pipeTransport speaks newline-delimited JSON-RPC over a supervised
// process's pipes.
type pipeTransport struct {
	serverID string
	stdin    io.WriteCloser
	stdout   io.ReadCloser
}

func (t *pipeTransport) Connect(context.Context) (mcp.Connection, error) {
	c := &pipeConn{
		serverID: t.serverID,
		stdin:    t.stdin,
		stdout:   t.stdout,
		incoming: make(chan readResult, 16),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type readResult struct {
	msg jsonrpc.Message
	err error
}

type pipeConn struct {
	serverID string
	stdin    io.WriteCloser
	stdout   io.ReadCloser

	writeMu  sync.Mutex
	incoming chan readResult

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *pipeConn) readLoop() {
	reader := bufio.NewReaderSize(c.stdout, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			msg, decodeErr := jsonrpc.DecodeMessage(line)
			if decodeErr == nil {
				select {
				case c.incoming <- readResult{msg: msg}:
				case <-c.closed:
					return
				}
			}
			// Non JSON-RPC lines on stdout are ignored.
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = io.EOF
			}
			select {
			case c.incoming <- readResult{err: err}:
			case <-c.closed:
			}
			return
		}
	}
}

func (c *pipeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case r := <-c.incoming:
		return r.msg, r.err
	}
}

func (c *pipeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("procmgr: encode message for %q: %w", c.serverID, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("procmgr: write to %q: %w", c.serverID, err)
	}
	return nil
}

// Close closes both pipes; the process itself is stopped through Release.
func (c *pipeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = errors.Join(c.stdin.Close(), c.stdout.Close())
	})
	return err
}

func (c *pipeConn) SessionID() string { return "" }
