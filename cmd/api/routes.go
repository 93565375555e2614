package main

import (
	"messaging-platform/internal/httpapi"
	"messaging-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW, signedMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// Worker plane: signed control protocol, no JWT. Session workers create
	// sessions, push status, and deliver webhook/sync batches here.
	syncGroup := r.Group("/sync")
	syncGroup.Use(signedMW)
	{
		syncGroup.POST("/sessions", h.SyncCreateSession)
		syncGroup.POST("/sessions/:session_id/status", h.SyncPushStatus)
		syncGroup.POST("/webhook", h.SyncWebhook)
	}

	// Operator API (JWT).
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// SESSION routes
		sessions := v1.Group("/sessions")
		sessions.Use(rbac.RequireWorkspace())
		sessions.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAgent, rbac.RoleSuperAdmin))
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/:session_id", h.GetSessionStatus)
			sessions.POST("/:session_id/disconnect", h.DisconnectSession)
			sessions.POST("/:session_id/reconnect", h.ReconnectSession)
			sessions.POST("/:session_id/qr", h.RegenerateQR)
		}

		// CAMPAIGN routes
		campaigns := v1.Group("/campaigns")
		campaigns.Use(rbac.RequireWorkspace())
		campaigns.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAgent, rbac.RoleSuperAdmin))
		{
			campaigns.POST("/:campaign_id/dispatch", h.DispatchCampaign)
		}

		// CLEANUP / AUDIT routes
		// Only owner/super_admin may force cleanups or read aggregate stats.
		cleanupGroup := v1.Group("/cleanup")
		cleanupGroup.Use(rbac.RequireWorkspace())
		cleanupGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSuperAdmin))
		{
			cleanupGroup.POST("/run", h.TriggerCleanup)
			cleanupGroup.POST("/sessions/:session_id", h.CleanupSession)
			cleanupGroup.GET("/stats", h.CleanupStats)
		}
	}
}
