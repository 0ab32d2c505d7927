// Package api serves the hub operations over HTTP.
//
// Every JSON endpoint answers with the hub's uniform envelope
// ({"success", "data", "message", "errorKind"}); the HTTP status is derived
// from the error kind. Installation progress can additionally be followed
// over a websocket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcphub-go/pkg/gateway"
	"github.com/vikashloomba/mcphub-go/pkg/hub"
)

const (
	ReadHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 1 << 20
)

// Options configure a Server.
type Options struct {
	Hub *hub.Hub
	// Gateway, when set, is mounted at its own path.
	Gateway *gateway.Gateway
	// Token, when set, is required as a bearer token on /api/v1.
	Token string
	// CORSOrigins lists the browser origins allowed to call the API and
	// open the progress websocket. "*" allows any origin.
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server is the HTTP surface of the hub.
type Server struct {
	hub      *hub.Hub
	opts     Options
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader
	server   *http.Server
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Hub == nil {
		return nil, errors.New("api: hub is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{hub: opts.Hub, opts: opts, logger: opts.Logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version"},
			ExposedHeaders:   []string{"Mcp-Session-Id"},
			AllowCredentials: true,
		}).Handler)
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	// Browsers land here after authorizing, without our bearer token.
	r.Get("/oauth/callback", s.oauthCallback)

	if gw := s.opts.Gateway; gw != nil {
		r.Handle(gw.Path(), gw.Handler())
		r.Handle(gw.Path()+"/*", gw.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.Token != "" {
			r.Use(auth.RequireBearerToken(gateway.StaticToken(s.opts.Token), nil))
		}

		r.Get("/connections", s.listConnections)
		r.Post("/connections", s.connect)
		r.Post("/connections/test", s.testConnection)
		r.Delete("/connections/{id}", s.disconnect)
		r.Post("/connections/{id}/tools/{tool}", s.executeTool)

		r.Get("/processes", s.listProcesses)
		r.Post("/processes", s.startProcess)
		r.Get("/processes/{id}", s.processStatus)
		r.Post("/processes/{id}/stop", s.stopProcess)
		r.Post("/processes/{id}/restart", s.restartProcess)

		r.Post("/installs/validate", s.validateInstall)
		r.Post("/installs", s.install)
		r.Get("/installs/{id}", s.installProgress)
		r.Get("/installs/{id}/watch", s.watchInstall)
		r.Post("/installs/{id}/cancel", s.cancelInstall)
		r.Get("/installed", s.listInstalled)
		r.Delete("/installed/{id}", s.uninstall)

		r.Get("/catalog/servers", s.searchCatalog)
		// Catalog ids contain slashes (@scope/name, owner/repo).
		r.Get("/catalog/servers/*", s.catalogServer)
		r.Get("/catalog/categories", s.listCategories)
		r.Get("/catalog/popular", s.listPopular)
		r.Post("/catalog/refresh", s.refreshCatalog)

		r.Post("/auth/begin", s.beginAuthorization)

		r.Post("/ide-config/import", s.importIDEConfig)
		r.Post("/ide-config/export", s.exportIDEConfig)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}
	s.logger.Info("api listening", "addr", addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
