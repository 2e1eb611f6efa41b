package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taskflow/internal/handler"
	"taskflow/pkg/rbac"
)

// ReadinessCheck reports an unavailable dependency.
type ReadinessCheck func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

type RouterDeps struct {
	Auth  *handler.AuthHandler
	Tasks *handler.TaskHandler
	// Admin is nil when the failed-notification ledger is disabled.
	Admin *handler.AdminHandler

	JWTSecret string
	Ready     map[string]ReadinessCheck
	Logger    *zap.Logger
}

func NewRouter(d RouterDeps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), RequestLogger(d.Logger))
	registerProbes(r, d.Ready)

	// Public
	authGroup := r.Group("/auth")
	authGroup.POST("/register", d.Auth.Register)
	authGroup.POST("/login", d.Auth.Login)
	authGroup.POST("/refresh", d.Auth.Refresh)

	// Protected
	protected := r.Group("/")
	protected.Use(AuthMiddleware(d.JWTSecret))
	{
		protected.POST("/auth/logout", d.Auth.Logout)

		tasks := protected.Group("/tasks")
		tasks.POST("", RequirePermission(rbac.PermissionCreateTask), d.Tasks.Create)
		tasks.GET("", RequirePermission(rbac.PermissionReadTask), d.Tasks.List)
		tasks.GET("/overdue", RequirePermission(rbac.PermissionReadTask), d.Tasks.Overdue)
		tasks.GET("/:id", RequirePermission(rbac.PermissionReadTask), d.Tasks.Get)
		tasks.PATCH("/:id", RequirePermission(rbac.PermissionUpdateTask), d.Tasks.Update)
		tasks.PATCH("/bulk/status", RequirePermission(rbac.PermissionBulkUpdateTask), d.Tasks.BulkUpdateStatus)
		tasks.DELETE("/bulk", RequirePermission(rbac.PermissionBulkDeleteTask), d.Tasks.BulkDelete)

		if d.Admin != nil {
			admin := protected.Group("/admin/outbox")
			admin.GET("/failed", RequirePermission(rbac.PermissionReadOutboxStats), d.Admin.ListFailedNotifications)
			admin.POST("/:id/replay", RequirePermission(rbac.PermissionReplayOutbox), d.Admin.ReplayOutboxEvent)
			admin.POST("/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), d.Admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}

// NewProbeRouter serves only health, readiness and metrics (worker).
func NewProbeRouter(ready map[string]ReadinessCheck) *Router {
	r := gin.New()
	r.Use(gin.Recovery())
	registerProbes(r, ready)
	return &Router{Engine: r}
}

func registerProbes(r *gin.Engine, ready map[string]ReadinessCheck) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", readyHandler(ready))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func readyHandler(checks map[string]ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
