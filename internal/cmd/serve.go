package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshdurbin/strava-mirror/internal/httpapi"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the module scheduler (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	log := logging.Logger

	conf, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, conf)
	if err != nil {
		return err
	}
	defer d.Close()

	if !logging.IsVerbose() {
		gin.SetMode(gin.ReleaseMode)
	}
	opts := httpapi.Options{
		Registry:       d.orch,
		Hub:            d.hub,
		Metrics:        d.metrics,
		MetricsEnabled: conf.Metrics.Enabled,
	}
	if conf.MCP.Enabled {
		opts.MCP = server.New(d.orch, d.hub).SSEHandler()
	}
	httpServer := httpapi.NewServer(conf.Addr(), httpapi.NewRouter(opts))
	// Event streams end with the process instead of holding up Shutdown.
	httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	log.Info().
		Str("addr", conf.Addr()).
		Str("base_url", conf.Server.BaseURL).
		Str("auth_page", conf.AuthPage()).
		Bool("metrics", conf.Metrics.Enabled).
		Bool("mcp", conf.MCP.Enabled).
		Int("static_modules", len(conf.Modules)).
		Msg("starting strava-mirror")

	d.registerStatic(ctx)
	d.orch.Start()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.persist(gCtx)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("strava-mirror stopped")
	return err
}
