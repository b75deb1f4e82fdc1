package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/eventhub/internal/handler/prometheus"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine  *gin.Engine
	auth    *middleware.AuthMiddleware
	limiter *middleware.RateLimiter
	health  Handler
	api     []Handler
	metrics *prometheus.Handler
}

type RouterConfig struct {
	Mode             string
	RateLimitEnabled bool
	RateLimit        middleware.RateLimiterConfig
	CORSConfig       middleware.CORSConfig
	RequestTimeout   time.Duration
}

// NewRouter builds the engine with the shared middleware chain. api handlers
// are mounted under /api/v1 behind authentication.
func NewRouter(
	log *logger.Logger,
	auth *middleware.AuthMiddleware,
	health Handler,
	metrics *prometheus.Handler,
	config RouterConfig,
	api ...Handler,
) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}

	engine := gin.New()

	r := &Router{
		engine:  engine,
		auth:    auth,
		health:  health,
		api:     api,
		metrics: metrics,
	}
	if config.RateLimitEnabled {
		r.limiter = middleware.NewRateLimiter(config.RateLimit)
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		metrics.Middleware(),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
		middleware.CORS(config.CORSConfig),
		middleware.ErrorHandler(log),
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.RequestTimeout}),
		middleware.SizeLimit(middleware.DefaultSizeLimitConfig()),
	)
	return r
}

func (r *Router) Setup() {
	r.health.RegisterRoutes(&r.engine.RouterGroup)
	r.engine.GET("/metrics", r.metrics.Handler())

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})
	api.Use(r.auth.Authenticate())
	if r.limiter != nil {
		api.Use(r.limiter.RateLimit())
	}

	for _, h := range r.api {
		h.RegisterRoutes(api)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
