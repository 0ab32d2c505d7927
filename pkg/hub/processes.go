package hub

import (
	"context"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcphub-go/pkg/procmgr"
)

func stdioConfig(def mcpmgr.ServerDefinition) (*mcpmgr.StdioServerConfig, error) {
	cfg, err := def.Build()
	if err != nil {
		return nil, err
	}
	stdio, isStdio := mcpmgr.AsStdio(cfg)
	if !isStdio {
		return nil, mcperr.Newf(mcperr.KindConfiguration, "server %q uses %s; only stdio servers run as processes", def.ID, cfg.Transport())
	}
	return stdio, nil
}

// StartProcess launches the stdio server described by def under its ID.
func (h *Hub) StartProcess(ctx context.Context, def mcpmgr.ServerDefinition) Response[procmgr.ServerProcess] {
	if h.procs == nil {
		return fail[procmgr.ServerProcess](unavailable("process management"))
	}
	cfg, err := stdioConfig(def)
	if err != nil {
		return fail[procmgr.ServerProcess](err)
	}
	p, err := h.procs.StartServer(ctx, def.ID, cfg)
	if err != nil {
		return failWith(p, err)
	}
	return ok(p, "process started")
}

// StopProcess stops the process for id; force kills it immediately.
func (h *Hub) StopProcess(id string, force bool) Response[struct{}] {
	if h.procs == nil {
		return fail[struct{}](unavailable("process management"))
	}
	if err := h.procs.StopServer(id, force); err != nil {
		return fail[struct{}](err)
	}
	return ok(struct{}{}, "process stopped")
}

// RestartProcess restarts id. A nil def reuses the last configuration the
// process was started with.
func (h *Hub) RestartProcess(ctx context.Context, id string, def *mcpmgr.ServerDefinition) Response[procmgr.ServerProcess] {
	if h.procs == nil {
		return fail[procmgr.ServerProcess](unavailable("process management"))
	}
	var cfg *mcpmgr.StdioServerConfig
	if def != nil {
		d := *def
		if d.ID == "" {
			d.ID = id
		}
		var err error
		if cfg, err = stdioConfig(d); err != nil {
			return fail[procmgr.ServerProcess](err)
		}
	}
	p, err := h.procs.RestartServer(ctx, id, cfg)
	if err != nil {
		return failWith(p, err)
	}
	return ok(p, "process restarted")
}

// ListProcesses returns every supervised process.
func (h *Hub) ListProcesses() Response[[]procmgr.ServerProcess] {
	if h.procs == nil {
		return fail[[]procmgr.ServerProcess](unavailable("process management"))
	}
	return ok(h.procs.GetAllProcesses(), "")
}

// GetProcessStatus returns the process for id, or a NotFoundError.
func (h *Hub) GetProcessStatus(id string) Response[procmgr.ServerProcess] {
	if h.procs == nil {
		return fail[procmgr.ServerProcess](unavailable("process management"))
	}
	p, found := h.procs.GetProcessState(id)
	if !found {
		return fail[procmgr.ServerProcess](mcperr.Newf(mcperr.KindNotFound, "no process for server %q", id))
	}
	return ok(p, "")
}
