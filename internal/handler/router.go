package handler

import (
	"net/http"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	Wallets   *WalletHandler
	Pairs     *PairHandler
	Positions *PositionHandler
	Status    *StatusHandler
	Stream    *StreamHandler
}

// NewRouter wires the API. A nil idem falls back to an in-memory store.
func NewRouter(cfg *config.Config, h Handlers, idem middleware.IdempotencyStore) *gin.Engine {
	if idem == nil {
		idem = middleware.NewInMemIdempotencyStore(cfg.Server.IdempotencyTTL())
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "polyexec"})
	})
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AdminMiddleware(cfg))
	v1.Use(middleware.RateLimitMiddleware(cfg.Server.RequestsPerSecond, cfg.Server.Burst))
	v1.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnly))
	{
		v1.GET("/wallets", h.Wallets.List)
		v1.PUT("/wallets/:address", h.Wallets.Register)
		v1.POST("/wallets/:address/auto-trading", h.Wallets.EnableAutoTrading)
		v1.DELETE("/wallets/:address/auto-trading", h.Wallets.DisableAutoTrading)
		v1.GET("/wallets/:address/positions", h.Positions.List)

		v1.GET("/pairs", h.Pairs.List)
		v1.POST("/pairs", middleware.IdempotencyMiddleware(idem), h.Pairs.Place)
		v1.GET("/pairs/:id", h.Pairs.Get)

		v1.POST("/positions", h.Positions.Upsert)
		v1.DELETE("/positions/:id", h.Positions.Close)

		v1.POST("/opportunities", h.Status.PublishOpportunities)
		v1.GET("/ratelimit", h.Status.RateLimit)
	}

	// observers authenticate with the admin key too
	ws := r.Group("/ws")
	ws.Use(middleware.AdminMiddleware(cfg))
	ws.GET("", h.Stream.Serve)

	return r
}
