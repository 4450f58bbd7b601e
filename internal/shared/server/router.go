package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"session-store/internal/services/health"
	"session-store/internal/sessions"
	"session-store/internal/shared/config"
	"session-store/internal/shared/metrics"
	"session-store/internal/shared/server/middleware"
	"session-store/internal/shared/server/respond"
)

// Rate-limit groups. Existence probes are cheap and polled, so they get a
// larger budget than transfers.
const (
	rateGroupDefault = "DEFAULT"
	rateGroupProbe   = "PROBE"
	rateGroupExempt  = "EXEMPT"
	probeMultiplier  = 5
)

// RouterDeps holds handler dependencies for the router.
type RouterDeps struct {
	Config         config.Config
	SessionHandler *sessions.Handler
	Health         *health.Service
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.InstanceID(deps.Config.InstanceID),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(rateLimitConfig(deps.Config)),
	)
	r.NoRoute(func(c *gin.Context) {
		respond.Error(c, http.StatusNotFound, "not_found", "route not found", nil)
	})

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		st := deps.Health.Status()
		status := http.StatusOK
		if !st.Ready {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, st)
	})
	deps.SessionHandler.RegisterRoutes(api)

	return r
}

func rateLimitConfig(cfg config.Config) middleware.RateLimitConfig {
	rules := map[string]middleware.RateLimitRule{}
	if cfg.RateLimitRPS > 0 {
		rules[rateGroupDefault] = middleware.RateLimitRule{Rate: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
		rules[rateGroupProbe] = middleware.RateLimitRule{
			Rate:  cfg.RateLimitRPS * probeMultiplier,
			Burst: cfg.RateLimitBurst * probeMultiplier,
		}
	}
	return middleware.RateLimitConfig{
		Rules:        rules,
		DefaultGroup: rateGroupDefault,
		GroupFor: func(c *gin.Context) string {
			switch c.FullPath() {
			case "/metrics", "/api/v1/health":
				return rateGroupExempt
			case "/api/v1/sessions/:sessionId/exists", "/api/v1/sessions/:sessionId/metadata":
				return rateGroupProbe
			}
			if c.Request.Method == http.MethodHead {
				return rateGroupProbe
			}
			return rateGroupDefault
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
