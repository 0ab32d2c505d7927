package hub

import (
	"context"
	"fmt"

	"github.com/vikashloomba/mcphub-go/pkg/catalog"
	"github.com/vikashloomba/mcphub-go/pkg/installer"
	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

// InstallStarted identifies a background installation.
type InstallStarted struct {
	InstallID string             `json:"installId"`
	Progress  installer.Progress `json:"progress"`
}

// ValidateInstall checks cfg without installing anything. Validation
// problems are reported in Data; the response only fails when the
// installer is not enabled.
func (h *Hub) ValidateInstall(ctx context.Context, cfg installer.Config) Response[installer.ValidationResult] {
	if h.inst == nil {
		return fail[installer.ValidationResult](unavailable("installation"))
	}
	v := h.inst.ValidateInstallation(ctx, cfg)
	if !v.Valid {
		return Response[installer.ValidationResult]{Data: v, Message: v.Errors[0].Message, ErrorKind: v.Errors[0].Kind}
	}
	return ok(v, "")
}

// Install starts installing cfg in the background.
func (h *Hub) Install(ctx context.Context, cfg installer.Config, name, description string) Response[InstallStarted] {
	if h.inst == nil {
		return fail[InstallStarted](unavailable("installation"))
	}
	id, progress, err := h.inst.InstallServer(ctx, cfg, name, description)
	if err != nil {
		return fail[InstallStarted](err)
	}
	return ok(InstallStarted{InstallID: id, Progress: progress}, "installation started")
}

// GetInstallProgress returns the progress of installID.
func (h *Hub) GetInstallProgress(installID string) Response[installer.Progress] {
	if h.inst == nil {
		return fail[installer.Progress](unavailable("installation"))
	}
	p, found := h.inst.GetInstallationProgress(installID)
	if !found {
		return fail[installer.Progress](mcperr.Newf(mcperr.KindNotFound, "installation %q not found", installID))
	}
	return ok(p, "")
}

// WatchInstall subscribes to progress snapshots of installID. The channel
// closes when the installation finishes or cancel is called.
func (h *Hub) WatchInstall(installID string) (<-chan installer.Progress, func(), error) {
	if h.inst == nil {
		return nil, nil, unavailable("installation")
	}
	return h.inst.Watch(installID)
}

// CancelInstall requests cancellation. Data reports whether this call
// cancelled it; the record is purged after the retention delay.
func (h *Hub) CancelInstall(installID string) Response[bool] {
	if h.inst == nil {
		return fail[bool](unavailable("installation"))
	}
	if _, found := h.inst.GetInstallationProgress(installID); !found {
		return fail[bool](mcperr.Newf(mcperr.KindNotFound, "installation %q not found", installID))
	}
	if !h.inst.CancelInstallation(installID) {
		return ok(false, "installation already finished")
	}
	return ok(true, "installation cancelled")
}

// ListInstalled returns the persisted installations.
func (h *Hub) ListInstalled(ctx context.Context) Response[[]store.InstallRecord] {
	if h.inst == nil {
		return fail[[]store.InstallRecord](unavailable("installation"))
	}
	recs, err := h.inst.ListInstalled(ctx)
	if err != nil {
		return fail[[]store.InstallRecord](err)
	}
	return ok(recs, "")
}

// Uninstall disconnects and stops the installed server before removing its
// files and metadata.
func (h *Hub) Uninstall(ctx context.Context, installID string) Response[store.InstallRecord] {
	if h.inst == nil {
		return fail[store.InstallRecord](unavailable("installation"))
	}
	if h.store != nil {
		rec, err := h.store.GetInstall(ctx, installID)
		if err != nil {
			return fail[store.InstallRecord](err)
		}
		h.release(rec.ServerID)
	}
	rec, err := h.inst.Uninstall(ctx, installID)
	if err != nil {
		return fail[store.InstallRecord](err)
	}
	if h.store == nil {
		h.release(rec.ServerID)
	}
	return ok(rec, fmt.Sprintf("uninstalled %s", rec.Name))
}

func (h *Hub) release(serverID string) {
	if serverID == "" {
		return
	}
	if err := h.conns.DisconnectClient(serverID); err != nil {
		h.logger.Warn("disconnect before uninstall failed", "server", serverID, "error", err)
	}
	if h.procs != nil {
		if err := h.procs.StopServer(serverID, false); err != nil {
			h.logger.Warn("stop before uninstall failed", "server", serverID, "error", err)
		}
	}
}

// SearchCatalog filters, sorts and paginates the catalog.
func (h *Hub) SearchCatalog(ctx context.Context, f catalog.Filters) Response[catalog.SearchResult] {
	if h.catalog == nil {
		return fail[catalog.SearchResult](unavailable("catalog"))
	}
	res, err := h.catalog.Search(ctx, f)
	if err != nil {
		return fail[catalog.SearchResult](err)
	}
	return ok(res, "")
}

// GetCatalogServer returns one catalog entry.
func (h *Hub) GetCatalogServer(ctx context.Context, id string) Response[catalog.Entry] {
	if h.catalog == nil {
		return fail[catalog.Entry](unavailable("catalog"))
	}
	e, err := h.catalog.GetServerByID(ctx, id)
	if err != nil {
		return fail[catalog.Entry](err)
	}
	return ok(e, "")
}

// ListCategories returns the tags in use across the catalog.
func (h *Hub) ListCategories(ctx context.Context) Response[[]string] {
	if h.catalog == nil {
		return fail[[]string](unavailable("catalog"))
	}
	cats, err := h.catalog.GetCategories(ctx)
	if err != nil {
		return fail[[]string](err)
	}
	return ok(cats, "")
}

// ListPopular returns the most downloaded or starred entries, optionally
// restricted to one source.
func (h *Hub) ListPopular(ctx context.Context, limit int, source catalog.Source) Response[[]catalog.Entry] {
	if h.catalog == nil {
		return fail[[]catalog.Entry](unavailable("catalog"))
	}
	entries, err := h.catalog.GetPopularServers(ctx, limit, source)
	if err != nil {
		return fail[[]catalog.Entry](err)
	}
	return ok(entries, "")
}

// RefreshCatalog rebuilds the catalog now, ignoring the cache age.
func (h *Hub) RefreshCatalog(ctx context.Context) Response[struct{}] {
	if h.catalog == nil {
		return fail[struct{}](unavailable("catalog"))
	}
	if err := h.catalog.RefreshCache(ctx); err != nil {
		return fail[struct{}](err)
	}
	return ok(struct{}{}, "catalog refreshed")
}
