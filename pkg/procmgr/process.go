// Package procmgr supervises locally spawned MCP server processes. It owns
// the process handles; the connection registry only borrows their pipes
// through the mcpmgr.ProcessSpawner implementation.
package procmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcphub-go/pkg/metrics"
)

// State is the lifecycle state of a supervised process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

func (s State) terminal() bool { return s == StateStopped || s == StateCrashed }

// ServerProcess is a snapshot of one supervised process.
type ServerProcess struct {
	ServerID  string     `json:"serverId"`
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	Command   string     `json:"command"`
	Args      []string   `json:"args,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	ExitedAt  *time.Time `json:"exitedAt,omitempty"`
	// Output holds the most recent stderr lines.
	Output []string `json:"output,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// GracePeriod is how long StopServer waits after SIGTERM before killing.
	GracePeriod time.Duration
	// OutputLines bounds the captured stderr tail.
	OutputLines int
	Logger      *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = 200
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Manager starts, stops and watches server processes keyed by server ID.
type Manager struct {
	mu     sync.Mutex
	opts   Options
	logger *slog.Logger

	procs map[string]*process
	// configs remembers the last configuration per ID for RestartServer.
	configs map[string]*mcpmgr.StdioServerConfig

	spawnFn func(id string, cfg *mcpmgr.StdioServerConfig) (*process, error)
}

type process struct {
	cmd    *exec.Cmd
	info   ServerProcess
	output *lineBuffer

	// ready is closed once a starting placeholder has been replaced by the
	// launched process or dropped. It is nil for launched processes.
	ready chan struct{}

	stdin  io.WriteCloser
	stdout *os.File

	done          chan struct{}
	stopRequested bool
	claimed       bool
}

// NewManager constructs a Manager.
func NewManager(opts *Options) *Manager {
	options := opts.withDefaults()
	m := &Manager{
		opts:    options,
		logger:  options.Logger,
		procs:   make(map[string]*process),
		configs: make(map[string]*mcpmgr.StdioServerConfig),
	}
	m.spawnFn = m.spawn
	return m
}

// StartServer launches cfg under id. A process that is already running is
// returned unchanged; a stopped or crashed record is replaced.
func (m *Manager) StartServer(ctx context.Context, id string, cfg *mcpmgr.StdioServerConfig) (ServerProcess, error) {
	if cfg == nil {
		return ServerProcess{}, mcperr.Newf(mcperr.KindConfiguration, "server %q: missing process configuration", id)
	}
	if id == "" {
		id = cfg.ID
	}
	cfg = mcpmgr.WithID(cfg, id).(*mcpmgr.StdioServerConfig)
	if err := cfg.Validate(); err != nil {
		return ServerProcess{}, err
	}
	if err := ctx.Err(); err != nil {
		return ServerProcess{}, mcperr.Wrap(mcperr.KindProcess, "start "+id, err)
	}

	// The fork happens outside m.mu behind a starting placeholder, so other
	// IDs stay responsive and concurrent starts of id wait for this one.
	m.mu.Lock()
	for {
		p, ok := m.procs[id]
		if !ok {
			break
		}
		if p.ready == nil {
			if !p.info.State.terminal() {
				snap := p.snapshot()
				m.mu.Unlock()
				return snap, nil
			}
			delete(m.procs, id)
			break
		}
		m.mu.Unlock()
		select {
		case <-p.ready:
		case <-ctx.Done():
			return ServerProcess{}, mcperr.Wrap(mcperr.KindProcess, "start "+id, ctx.Err())
		}
		m.mu.Lock()
	}
	placeholder := &process{
		output: newLineBuffer(1),
		ready:  make(chan struct{}),
		info: ServerProcess{
			ServerID: id,
			State:    StateStarting,
			Command:  cfg.Command,
			Args:     append([]string(nil), cfg.Args...),
		},
	}
	m.procs[id] = placeholder
	m.configs[id] = cfg
	m.mu.Unlock()

	p, err := m.spawnFn(id, cfg)

	m.mu.Lock()
	if err != nil {
		delete(m.procs, id)
		close(placeholder.ready)
		m.mu.Unlock()
		return ServerProcess{}, err
	}
	m.procs[id] = p
	close(placeholder.ready)
	snap := p.snapshot()
	m.mu.Unlock()

	go m.watch(id, p)
	metrics.ProcessesRunning.Inc()
	m.logger.Info("process started", "server", id, "pid", snap.PID, "command", cfg.Command)
	return snap, nil
}

func (m *Manager) spawn(id string, cfg *mcpmgr.StdioServerConfig) (*process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = mcpmgr.MergeEnv(os.Environ(), cfg.Env)
	// Bound Wait when a grandchild keeps stderr open after the child exits.
	cmd.WaitDelay = m.opts.GracePeriod

	p := &process{
		cmd:    cmd,
		output: newLineBuffer(m.opts.OutputLines),
		done:   make(chan struct{}),
		info: ServerProcess{
			ServerID: id,
			State:    StateStarting,
			Command:  cfg.Command,
			Args:     append([]string(nil), cfg.Args...),
		},
	}
	cmd.Stderr = p.output

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindProcess, "start "+id, err)
	}
	// stdout is a plain pipe rather than StdoutPipe so that Wait does not
	// close it underneath a reader that is still draining messages.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, mcperr.Wrap(mcperr.KindProcess, "start "+id, err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, &mcperr.Error{Kind: mcperr.KindProcess, Op: "start " + id, ServerID: id, Message: "failed to spawn " + cfg.Command, Err: err}
	}
	_ = stdoutW.Close()

	p.stdin = stdin
	p.stdout = stdoutR
	p.info.PID = cmd.Process.Pid
	p.info.StartedAt = time.Now()
	p.info.State = StateRunning
	return p, nil
}

func (m *Manager) watch(id string, p *process) {
	err := p.cmd.Wait()

	m.mu.Lock()
	now := time.Now()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.info.ExitCode = &code
	p.info.ExitedAt = &now
	if p.stopRequested || code == 0 {
		p.info.State = StateStopped
	} else {
		p.info.State = StateCrashed
	}
	state := p.info.State
	if !p.claimed {
		_ = p.stdout.Close()
	}
	close(p.done)
	m.mu.Unlock()

	metrics.ProcessesRunning.Dec()
	metrics.ProcessExitsTotal.WithLabelValues(string(state)).Inc()
	if state == StateCrashed {
		m.logger.Warn("process crashed", "server", id, "exit_code", code, "error", err, "stderr", p.output.Last())
		return
	}
	m.logger.Info("process exited", "server", id, "exit_code", code)
}

// StopServer stops the process for id. It sends SIGTERM first and kills the
// process when force is set or the grace period expires. Stopping an absent
// or already exited process is a no-op.
func (m *Manager) StopServer(id string, force bool) error {
	m.mu.Lock()
	p, ok := m.procs[id]
	for ok && p.ready != nil {
		ready := p.ready
		m.mu.Unlock()
		<-ready
		m.mu.Lock()
		p, ok = m.procs[id]
	}
	if !ok || p.info.State.terminal() {
		m.mu.Unlock()
		return nil
	}
	p.stopRequested = true
	p.info.State = StateStopping
	proc := p.cmd.Process
	m.mu.Unlock()

	if force {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return mcperr.Wrap(mcperr.KindProcess, "kill "+id, err)
		}
		<-p.done
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-p.done
			return nil
		}
		// Platforms without SIGTERM fall straight through to kill.
		_ = proc.Kill()
	}
	timer := time.NewTimer(m.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		m.logger.Warn("process ignored SIGTERM, killing", "server", id, "pid", proc.Pid)
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return mcperr.Wrap(mcperr.KindProcess, "kill "+id, err)
		}
		<-p.done
		return nil
	}
}

// RestartServer stops and starts id again. A nil cfg reuses the last
// configuration started under id.
func (m *Manager) RestartServer(ctx context.Context, id string, cfg *mcpmgr.StdioServerConfig) (ServerProcess, error) {
	if cfg == nil {
		m.mu.Lock()
		cfg = m.configs[id]
		m.mu.Unlock()
		if cfg == nil {
			return ServerProcess{}, mcperr.Newf(mcperr.KindConfiguration, "no configuration known for process %q", id)
		}
	}
	if err := m.StopServer(id, false); err != nil {
		return ServerProcess{}, err
	}
	return m.StartServer(ctx, id, cfg)
}

// GetProcessState returns a snapshot of the process for id.
func (m *Manager) GetProcessState(id string) (ServerProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return ServerProcess{}, false
	}
	return p.snapshot(), true
}

// GetAllProcesses returns snapshots sorted by server ID.
func (m *Manager) GetAllProcesses() []ServerProcess {
	m.mu.Lock()
	out := make([]ServerProcess, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Shutdown stops every running process, giving up when ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id, p := range m.procs {
		if !p.info.State.terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StopServer(id, false); err != nil {
				errCh <- err
			}
		}(id)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		for _, id := range ids {
			_ = m.StopServer(id, true)
		}
		return ctx.Err()
	}
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *process) snapshot() ServerProcess {
	cp := p.info
	cp.Args = append([]string(nil), p.info.Args...)
	if p.info.ExitCode != nil {
		code := *p.info.ExitCode
		cp.ExitCode = &code
	}
	if p.info.ExitedAt != nil {
		t := *p.info.ExitedAt
		cp.ExitedAt = &t
	}
	cp.Output = p.output.Lines()
	return cp
}
