package api

import (
	"net/http"
	"time"

	"cloudbrowser/internal/pool"
	"cloudbrowser/internal/queue"
	"cloudbrowser/internal/realtime"
	"cloudbrowser/internal/session"
	"cloudbrowser/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Sessions *session.Manager
	Queue    *queue.Queue
	Pool     *pool.Pool
	Hub      *realtime.Hub
	Store    store.Store

	FrontendURL   string
	AdminUser     string
	AdminPassword string
}

func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware(deps.FrontendURL))
	r.Use(RequestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		snap := deps.Pool.Status()
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
			Pool: PoolSummary{
				Target:  snap.Target,
				Warm:    snap.Warm,
				Active:  snap.Active,
				Booting: snap.Booting,
			},
			ActiveSessions: len(deps.Sessions.ActiveSessions()),
			QueueLength:    deps.Queue.Length(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapF(deps.Hub.HandleWS))

	sessionHandler := NewSessionHandler(deps.Sessions, deps.Queue, deps.Hub)
	queueHandler := NewQueueHandler(deps.Queue)
	adminHandler := NewAdminHandler(deps.Sessions, deps.Queue, deps.Pool, deps.Hub, deps.Store)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/session", sessionHandler.CreateSession)
		apiGroup.GET("/session/rate-limit/status", sessionHandler.RateLimitStatus)
		apiGroup.GET("/session/:id", sessionHandler.GetSession)
		apiGroup.DELETE("/session/:id", sessionHandler.EndSession)

		apiGroup.GET("/queue/:id", queueHandler.GetEntry)
		apiGroup.DELETE("/queue/:id", queueHandler.Leave)

		admin := apiGroup.Group("/admin", gin.BasicAuth(gin.Accounts{
			deps.AdminUser: deps.AdminPassword,
		}))
		{
			admin.GET("/sessions", adminHandler.ListSessions)
			admin.GET("/queue", adminHandler.ListQueue)
			admin.GET("/pool", adminHandler.PoolStatus)
			admin.GET("/stats", adminHandler.Stats)
			admin.GET("/history", adminHandler.History)
			admin.GET("/rate-limits", adminHandler.RateLimits)

			admin.POST("/ip/:action", adminHandler.IPAction)
			admin.POST("/sessions/:id/kill", adminHandler.KillSession)
			admin.POST("/pause", adminHandler.Pause)
			admin.POST("/resume", adminHandler.Resume)
			admin.POST("/queue/drain", adminHandler.DrainQueue)
			admin.POST("/pool/restart", adminHandler.RestartPool)
			admin.POST("/config", adminHandler.UpdateConfig)
		}
	}

	return r
}
