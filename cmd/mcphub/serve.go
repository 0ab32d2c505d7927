package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcphub-go/pkg/api"
	"github.com/vikashloomba/mcphub-go/pkg/gateway"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API and the MCP gateway",
		Long: `Start the hub.

The REST API lives under /api/v1, the aggregated MCP endpoint at the
configured gateway path (default /mcp) and Prometheus metrics at /metrics.
Servers listed in the config are connected at startup when autoconnect is
set.

Signals:
  SIGINT, SIGTERM  run cleanup and shut down
  SIGHUP           run cleanup now`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runServe(cmd.Context(), a)
			})
		},
	}
}

func runServe(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitor := a.janitor()
	if a.cfg.Cleanup.Interval > 0 {
		go janitor.Start(ctx, a.cfg.Cleanup.Interval)
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				report := janitor.RunOnce(ctx)
				a.logger.Info("cleanup requested", "removed", report.Removed())
			}
		}
	}()

	if a.cfg.AutoConnect {
		a.autoConnect(ctx)
	}

	opts := api.Options{
		Hub:         a.hub,
		Token:       a.cfg.APIToken,
		CORSOrigins: a.cfg.CORSOrigins,
		Logger:      a.logger.With("component", "api"),
	}
	if a.cfg.Gateway.Enabled {
		gwOpts := &gateway.Options{
			Path:   a.cfg.Gateway.Path,
			Logger: a.logger.With("component", "gateway"),
		}
		if a.cfg.APIToken != "" {
			gwOpts.TokenVerifier = gateway.StaticToken(a.cfg.APIToken)
		}
		gw, err := gateway.New(a.conns, gwOpts)
		if err != nil {
			return err
		}
		opts.Gateway = gw
		a.logger.Info("gateway enabled", "path", gw.Path())
	}
	srv, err := api.New(opts)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(a.cfg.Listen) }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		a.logger.Warn("api shutdown", "error", err)
	}
	report := janitor.RunOnce(shutdownCtx)
	a.logger.Info("final cleanup", "removed", report.Removed())
	return nil
}
