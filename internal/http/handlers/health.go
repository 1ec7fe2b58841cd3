package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/graph"
)

type HealthHandler struct {
	db    *gorm.DB
	cache *cache.Cache
	graph *graph.Manager
}

func NewHealthHandler(db *gorm.DB, c *cache.Cache, g *graph.Manager) *HealthHandler {
	return &HealthHandler{db: db, cache: c, graph: g}
}

// GET /healthz
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	out := gin.H{"status": "ok"}

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
			out["postgres"] = "down"
		} else {
			out["postgres"] = "up"
		}
	}
	if h.cache.Enabled() {
		if err := h.cache.Ping(ctx); err != nil {
			out["cache"] = "down"
		} else {
			out["cache"] = "up"
		}
	} else {
		out["cache"] = "disabled"
	}
	if h.graph.Enabled() {
		out["graph"] = "enabled"
	} else {
		out["graph"] = "disabled"
	}

	c.JSON(status, out)
}
