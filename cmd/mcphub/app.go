package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/catalog"
	"github.com/vikashloomba/mcphub-go/pkg/cleanup"
	"github.com/vikashloomba/mcphub-go/pkg/config"
	"github.com/vikashloomba/mcphub-go/pkg/httpkit"
	"github.com/vikashloomba/mcphub-go/pkg/hub"
	"github.com/vikashloomba/mcphub-go/pkg/installer"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcphub-go/pkg/procmgr"
	"github.com/vikashloomba/mcphub-go/pkg/ratelimit"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

const (
	lookupTimeout   = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	pool    *httpkit.Pool
	limiter *ratelimit.Limiter
	procs   *procmgr.Manager
	conns   *mcpmgr.Manager
	inst    *installer.Installer
	catalog *catalog.Catalog
	hub     *hub.Hub
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		pool:    httpkit.NewPool(httpkit.WithUserAgent("mcphub/" + version)),
		limiter: ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}
	a.procs = procmgr.NewManager(&procmgr.Options{
		GracePeriod: cfg.Process.GracePeriod,
		Logger:      logger.With("component", "procmgr"),
	})

	connOpts := &mcpmgr.ManagerOptions{
		ClientVersion: version,
		Spawner:       a.procs,
		HTTPClient:    a.pool.Client(0),
		Logger:        logger.With("component", "mcpmgr"),
	}
	if logger.Enabled(context.Background(), config.LevelTrace) {
		connOpts.RPCLogger = func(ev mcpmgr.RPCLogEvent) {
			logger.Log(context.Background(), config.LevelTrace, "jsonrpc",
				"server", ev.ServerID, "direction", ev.Direction, "message", string(ev.Message))
		}
	}
	a.conns = mcpmgr.NewManager(connOpts)

	a.inst, err = installer.New(&installer.Options{
		Dir:          cfg.InstallDir(),
		StageTimeout: cfg.Installer.StageTimeout,
		Retention:    cfg.Installer.Retention,
		NPMRegistry:  cfg.Catalog.NPMRegistry,
		GitHubToken:  cfg.Catalog.GitHubToken,
		HTTPClient:   a.pool.Client(lookupTimeout),
		Store:        st,
		Logger:       logger.With("component", "installer"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	lookups, err := a.lookups()
	if err != nil {
		st.Close()
		return nil, err
	}
	a.catalog = catalog.New(&catalog.Options{
		TTL:     cfg.Catalog.TTL,
		Lookups: lookups,
		Logger:  logger.With("component", "catalog"),
	})

	a.hub, err = hub.New(hub.Options{
		Connections: a.conns,
		Processes:   a.procs,
		Installer:   a.inst,
		Catalog:     a.catalog,
		Store:       st,
		Limiter:     a.limiter,
		Logger:      logger.With("component", "hub"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) lookups() ([]catalog.Lookup, error) {
	var out []catalog.Lookup
	for _, name := range a.cfg.Catalog.Lookups {
		switch name {
		case "npm":
			out = append(out, &catalog.NPMLookup{
				Registry: a.cfg.Catalog.NPMRegistry,
				Client:   a.pool.Client(lookupTimeout),
			})
		case "github":
			gh, err := catalog.NewGitHubLookup(a.pool.Client(lookupTimeout), a.cfg.Catalog.GitHubToken, "")
			if err != nil {
				return nil, err
			}
			gh.Logger = a.logger.With("component", "catalog")
			out = append(out, gh)
		}
	}
	return out, nil
}

// janitor builds the cleanup tasks for the long-running server.
func (a *app) janitor() *cleanup.Janitor {
	return cleanup.New(a.logger.With("component", "cleanup"),
		cleanup.IdleConnections(a.pool),
		cleanup.RateLimitBuckets(a.limiter, a.cfg.Cleanup.RateLimitIdle),
		cleanup.PendingAuthorizations(a.store, a.cfg.Cleanup.PendingAuthMaxAge),
		cleanup.Installations(a.inst),
	)
}

// autoConnect connects the servers listed in the config. Failures are
// logged; the registry keeps them in status error.
func (a *app) autoConnect(ctx context.Context) {
	for _, def := range a.cfg.Servers {
		res := a.hub.Connect(ctx, def, nil)
		if !res.Success {
			a.logger.Warn("autoconnect failed", "server", def.ID, "kind", res.ErrorKind, "error", res.Message)
			continue
		}
		a.logger.Info("server connected", "server", def.ID, "tools", len(res.Data.Tools))
	}
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(
		a.conns.DisconnectAll(),
		a.procs.Shutdown(ctx),
		a.store.Close(),
	)
}

func withApp(fn func(*app) error) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	return fn(a)
}
