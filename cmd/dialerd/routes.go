package main

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"calldirector/internal/auth"
	"calldirector/internal/engine"
	"calldirector/internal/httpapi"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, svc *engine.Service, authManager *auth.Manager, log *slog.Logger) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	h := httpapi.Handlers{Runner: svc, Log: log}

	v1 := r.Group("/v1")
	v1.Use(auth.RequireToken(authManager))
	{
		v1.GET("/campaigns", h.ListCampaigns)
		v1.GET("/campaigns/:name/due", h.Due)

		// Starting a run dials real phone numbers; viewers cannot.
		v1.POST("/campaigns/:name/runs", auth.RequireOperator(), h.StartRun)
	}
}
