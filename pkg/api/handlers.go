package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vikashloomba/mcphub-go/pkg/catalog"
	"github.com/vikashloomba/mcphub-go/pkg/ideconfig"
	"github.com/vikashloomba/mcphub-go/pkg/installer"
	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

type connectRequest struct {
	Server     mcpmgr.ServerDefinition `json:"server"`
	Credential *mcpmgr.Credential      `json:"credential,omitempty"`
}

type installRequest struct {
	Config      installer.Config `json:"config"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
}

type importRequest struct {
	Path    string               `json:"path,omitempty"`
	Client  ideconfig.ClientType `json:"client,omitempty"`
	Connect bool                 `json:"connect,omitempty"`
}

type exportRequest struct {
	ServerIDs []string `json:"serverIds,omitempty"`
	Path      string   `json:"path,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": len(s.hub.Connections().ServerIDs()),
	})
}

// GET /api/v1/connections
func (s *Server) listConnections(w http.ResponseWriter, _ *http.Request) {
	respond(w, s.hub.ListConnections())
}

// POST /api/v1/connections
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[connectRequest](w, r, false)
	if !ok {
		return
	}
	respond(w, s.hub.Connect(r.Context(), req.Server, req.Credential))
}

// POST /api/v1/connections/test
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[connectRequest](w, r, false)
	if !ok {
		return
	}
	respond(w, s.hub.TestConnection(r.Context(), req.Server, req.Credential))
}

// DELETE /api/v1/connections/{id}
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.Disconnect(chi.URLParam(r, "id")))
}

// POST /api/v1/connections/{id}/tools/{tool}
func (s *Server) executeTool(w http.ResponseWriter, r *http.Request) {
	input, ok := decode[map[string]any](w, r, true)
	if !ok {
		return
	}
	respond(w, s.hub.ExecuteTool(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tool"), input))
}

func (s *Server) listProcesses(w http.ResponseWriter, _ *http.Request) {
	respond(w, s.hub.ListProcesses())
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	def, ok := decode[mcpmgr.ServerDefinition](w, r, false)
	if !ok {
		return
	}
	respond(w, s.hub.StartProcess(r.Context(), def))
}

func (s *Server) processStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.GetProcessStatus(chi.URLParam(r, "id")))
}

// POST /api/v1/processes/{id}/stop?force=true
func (s *Server) stopProcess(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	respond(w, s.hub.StopProcess(chi.URLParam(r, "id"), force))
}

// POST /api/v1/processes/{id}/restart with an optional replacement
// definition as the body.
func (s *Server) restartProcess(w http.ResponseWriter, r *http.Request) {
	def, ok := decode[*mcpmgr.ServerDefinition](w, r, true)
	if !ok {
		return
	}
	respond(w, s.hub.RestartProcess(r.Context(), chi.URLParam(r, "id"), def))
}

func (s *Server) validateInstall(w http.ResponseWriter, r *http.Request) {
	cfg, ok := decode[installer.Config](w, r, false)
	if !ok {
		return
	}
	respond(w, s.hub.ValidateInstall(r.Context(), cfg))
}

// POST /api/v1/installs
func (s *Server) install(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[installRequest](w, r, false)
	if !ok {
		return
	}
	res := s.hub.Install(r.Context(), req.Config, req.Name, req.Description)
	if res.Success {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	respond(w, res)
}

func (s *Server) installProgress(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.GetInstallProgress(chi.URLParam(r, "id")))
}

func (s *Server) cancelInstall(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.CancelInstall(chi.URLParam(r, "id")))
}

func (s *Server) listInstalled(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.ListInstalled(r.Context()))
}

func (s *Server) uninstall(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.Uninstall(r.Context(), chi.URLParam(r, "id")))
}

// GET /api/v1/catalog/servers?q=&source=&tags=a,b&verified=&sort=&offset=&limit=
func (s *Server) searchCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.Filters{
		Query:  q.Get("q"),
		Source: catalog.Source(q.Get("source")),
		SortBy: catalog.SortBy(q.Get("sort")),
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 0),
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	if raw := q.Get("verified"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, mcperr.Newf(mcperr.KindConfiguration, "invalid verified filter %q", raw))
			return
		}
		f.Verified = &v
	}
	respond(w, s.hub.SearchCatalog(r.Context(), f))
}

func (s *Server) catalogServer(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.GetCatalogServer(r.Context(), chi.URLParam(r, "*")))
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.ListCategories(r.Context()))
}

func (s *Server) listPopular(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	respond(w, s.hub.ListPopular(r.Context(), limit, catalog.Source(r.URL.Query().Get("source"))))
}

func (s *Server) refreshCatalog(w http.ResponseWriter, r *http.Request) {
	respond(w, s.hub.RefreshCatalog(r.Context()))
}

// POST /api/v1/auth/begin
func (s *Server) beginAuthorization(w http.ResponseWriter, r *http.Request) {
	def, ok := decode[mcpmgr.ServerDefinition](w, r, false)
	if !ok {
		return
	}
	respond(w, s.hub.BeginAuthorization(r.Context(), def))
}

// GET /oauth/callback?state=&code=
func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		respondError(w, mcperr.Newf(mcperr.KindAuthentication, "authorization denied: %s", e))
		return
	}
	respond(w, s.hub.CompleteAuthorization(r.Context(), q.Get("state"), q.Get("code")))
}

// POST /api/v1/ide-config/import
func (s *Server) importIDEConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[importRequest](w, r, false)
	if !ok {
		return
	}
	path := req.Path
	if path == "" {
		if req.Client == "" {
			respondError(w, mcperr.New(mcperr.KindConfiguration, "path or client is required"))
			return
		}
		p, err := ideconfig.DefaultPath(req.Client)
		if err != nil {
			respondError(w, err)
			return
		}
		path = p
	}
	respond(w, s.hub.ImportIDEConfig(r.Context(), path, req.Connect))
}

// POST /api/v1/ide-config/export
func (s *Server) exportIDEConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[exportRequest](w, r, true)
	if !ok {
		return
	}
	respond(w, s.hub.ExportIDEConfig(req.ServerIDs, req.Path))
}
