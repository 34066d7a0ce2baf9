package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// Auth is what the route guards need from the auth service.
type Auth interface {
	middleware.TokenValidator
	middleware.SessionValidator
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(auth Auth, handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ─── 1. WebSocket Group (any role, single device) ──────────────────
	upgradeLimiter := middleware.NewRateLimiter(cfg.Proctor.UpgradesPerMinute, time.Minute)
	ws := router.Group("/ws/v1")
	ws.Use(
		upgradeLimiter.Middleware(),
		middleware.RequireWSAuth(auth),
		middleware.CheckSingleDeviceSession(auth),
	)
	{
		ws.GET("/proctor", handlers.WS.ProctorStream)
	}

	// ─── 2. Admin Group (teachers and admins) ──────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(
		middleware.RequireJWT(auth),
		middleware.RequireObserver(),
		middleware.NoStore(),
		middleware.Brotli(),
	)
	{
		adminAPI.GET("/exams/:id/sessions", handlers.Monitor.ListLiveSessions)
		adminAPI.GET("/exams/:id/monitor", handlers.Monitor.MonitorExamSSE)

		adminAPI.GET("/system/metrics",
			middleware.RequireUserType(model.UserTypeAdmin),
			handlers.System.SystemMetricsSSE,
		)
	}

	return router
}
