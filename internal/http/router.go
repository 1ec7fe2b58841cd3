package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/ragbridge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/ragbridge-backend/internal/http/middleware"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type RouterConfig struct {
	RetrieveHandler *httpH.RetrieveHandler
	ChatHandler     *httpH.ChatHandler
	SessionHandler  *httpH.SessionHandler
	AdminHandler    *httpH.AdminHandler
	HealthHandler   *httpH.HealthHandler

	AuthMiddleware *httpMW.AuthMiddleware
	Metrics        *observability.Metrics
	Log            *logger.Logger

	ServiceName     string
	CORSOrigins     []string
	MaxRequestBytes int64
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))
	r.Use(httpMW.BodyLimit(cfg.MaxRequestBytes))

	// Public
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api/v1")
	{
		if cfg.AuthMiddleware != nil {
			api.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Retrieval
		if cfg.RetrieveHandler != nil {
			api.POST("/retrieve", cfg.RetrieveHandler.Retrieve)
		}

		// Chat (SSE by default, aggregated JSON with stream=false)
		if cfg.ChatHandler != nil {
			api.POST("/chat", cfg.ChatHandler.Chat)
		}

		// Session history
		if cfg.SessionHandler != nil {
			api.GET("/chat/sessions", cfg.SessionHandler.List)
			api.GET("/chat/sessions/:id/messages", cfg.SessionHandler.Messages)
			api.DELETE("/chat/sessions/:id", cfg.SessionHandler.Delete)
		}

		// Operational surface, behind the admin scope
		admin := api.Group("/admin")
		{
			if cfg.AuthMiddleware != nil {
				admin.Use(cfg.AuthMiddleware.RequireScope("admin"))
			}
			if cfg.AdminHandler != nil {
				admin.GET("/cache/stats", cfg.AdminHandler.CacheStats)
				admin.POST("/cache/invalidate", cfg.AdminHandler.CacheInvalidate)
				admin.DELETE("/collections/:id", cfg.AdminHandler.DeleteCollection)
				admin.DELETE("/tenant", cfg.AdminHandler.DeleteTenant)
				admin.POST("/graph/insert", cfg.AdminHandler.GraphInsert)
			}
		}
	}

	return r
}
