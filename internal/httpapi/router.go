// Package httpapi is the HTTP surface of the mirror backend: the OAuth
// setup pages, the module registration endpoints the display talks to,
// the event stream, and the operational endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/metrics"
	"github.com/joshdurbin/strava-mirror/internal/notify"
	"github.com/joshdurbin/strava-mirror/internal/workers"
)

// Registry is the part of the orchestrator the handlers drive.
type Registry interface {
	Identifiers() []string
	Modules() []workers.ModuleStatus
	Module(identifier string) (workers.ModuleStatus, bool)
	RegisterConfig(ctx context.Context, identifier string, cfg config.ModuleConfig) error
	Unregister(identifier string) bool
	AuthorizationURL(identifier string) (string, error)
	MarkPending(identifier string) error
	CompleteExchange(ctx context.Context, identifier, code string) error
}

type Options struct {
	Registry Registry
	Hub      *notify.Hub
	Metrics  metrics.Recorder
	// MetricsEnabled exposes /metrics.
	MetricsEnabled bool
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	Now func() time.Time
}

type handler struct {
	registry Registry
	hub      *notify.Hub
	metrics  metrics.Recorder
	now      func() time.Time
	started  time.Time
}

// NewRouter wires gin routes and middleware.
func NewRouter(opts Options) *gin.Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &handler{
		registry: opts.Registry,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		now:      opts.Now,
		started:  opts.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(Metrics(opts.Metrics))

	authGroup := r.Group("/auth")
	{
		authGroup.GET("/", h.authPage)
		authGroup.GET("/modules", h.authModules)
		authGroup.GET("/request", h.authRequest)
		authGroup.GET("/exchange", h.authExchange)
	}

	modules := r.Group("/modules")
	{
		modules.POST("", h.registerModule)
		modules.GET("", h.listModules)
		modules.GET("/:identifier/data", h.moduleData)
		modules.DELETE("/:identifier", h.unregisterModule)
	}

	r.GET("/events", h.events)
	r.GET("/health", h.health)

	if opts.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	if opts.MCP != nil {
		r.Any("/mcp", gin.WrapH(opts.MCP))
	}
	return r
}

// NewServer wraps the router in an http.Server. WriteTimeout stays unset
// so event streams are not cut off.
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
