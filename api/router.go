package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/streamprobe/api/handler"
	"github.com/use-agent/streamprobe/api/middleware"
	"github.com/use-agent/streamprobe/config"
	"github.com/use-agent/streamprobe/metrics"
	"github.com/use-agent/streamprobe/relay"
	"github.com/use-agent/streamprobe/service"
)

// Deps are the long-lived components the handlers share. Metrics may be nil.
type Deps struct {
	Prober    *service.Prober
	Batches   *service.Batches
	Relay     *relay.Relay
	Metrics   *metrics.Metrics
	Config    *config.Config
	StartTime time.Time
}

// NewRouter creates a configured Gin engine with all routes and middleware.
// ctx bounds the rate limiter's background cleanup.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit (extract scope; /proxy has its own)
//
// /health and /metrics stay outside auth so monitoring probes always work.
func NewRouter(ctx context.Context, d Deps) *gin.Engine {
	gin.SetMode(d.Config.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", handler.Health(d.Prober, d.StartTime))
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	r.OPTIONS("/proxy", handler.ProxyPreflight)

	protected := r.Group("")
	if d.Config.Auth.Enabled {
		protected.Use(middleware.Auth(d.Config.Auth.APIKeys))
	}
	rl := middleware.NewRateLimiter(ctx)
	rlc := d.Config.RateLimit

	extract := protected.Group("", rl.Limit("extract", rlc.RequestsPerSecond, rlc.Burst))
	extract.GET("/extract", handler.Extract(d.Prober))
	extract.POST("/extract/batch", handler.PostBatch(d.Batches))
	extract.GET("/extract/batch/:id", handler.GetBatch(d.Batches))
	extract.GET("/stats", handler.Stats(d.Prober, d.StartTime))

	protected.GET("/proxy",
		rl.Limit("proxy", rlc.ProxyRequestsPerSecond, rlc.ProxyBurst),
		handler.Proxy(d.Relay, d.Metrics))

	return r
}
