package hub

import (
	"context"

	"github.com/vikashloomba/mcphub-go/pkg/ideconfig"
	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

// ImportResult describes an imported client config.
type ImportResult struct {
	Path        string                    `json:"path"`
	Validation  ideconfig.Validation      `json:"validation"`
	Definitions []mcpmgr.ServerDefinition `json:"definitions"`
	Skipped     []string                  `json:"skipped,omitempty"`
	Connections []mcpmgr.ConnectionState  `json:"connections,omitempty"`
}

// ImportIDEConfig reads the client config at path. With connect set, every
// converted definition is connected; individual connection failures are
// reported in Connections and do not fail the import.
func (h *Hub) ImportIDEConfig(ctx context.Context, path string, connect bool) Response[ImportResult] {
	f, err := ideconfig.Load(path)
	if err != nil {
		return fail[ImportResult](err)
	}
	res := ImportResult{Path: path, Validation: ideconfig.Validate(f)}
	res.Definitions, res.Skipped = ideconfig.ToDefinitions(f)
	if res.Definitions == nil {
		res.Definitions = []mcpmgr.ServerDefinition{}
	}
	if connect {
		for _, def := range res.Definitions {
			r := h.Connect(ctx, def, nil)
			if !r.Success && r.Data.ServerID == "" {
				r.Data = mcpmgr.ConnectionState{ServerID: def.ID, Name: def.Name, Status: mcpmgr.StatusError, LastError: r.Message, ErrorKind: r.ErrorKind}
			}
			res.Connections = append(res.Connections, r.Data)
		}
	}
	return ok(res, "")
}

// ExportIDEConfig renders the registered servers (all of them when ids is
// empty) as a client config and writes it to path when path is set.
// Existing top-level keys in the file are preserved.
func (h *Hub) ExportIDEConfig(ids []string, path string) Response[string] {
	if len(ids) == 0 {
		ids = h.conns.ServerIDs()
	}
	defs := make([]mcpmgr.ServerDefinition, 0, len(ids))
	for _, id := range ids {
		cfg, found := h.conns.Config(id)
		if !found {
			return fail[string](mcperr.Newf(mcperr.KindNotFound, "server %q is not registered", id))
		}
		defs = append(defs, mcpmgr.Definition(cfg))
	}
	out, err := ideconfig.Export(defs, path)
	if err != nil {
		return fail[string](err)
	}
	return ok(string(out), "")
}
