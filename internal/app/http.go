package app

import (
	"net/http"

	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/config"
	httpx "github.com/yungbote/ragbridge-backend/internal/http"
	httpH "github.com/yungbote/ragbridge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/ragbridge-backend/internal/http/middleware"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Retrieve *httpH.RetrieveHandler
	Chat     *httpH.ChatHandler
	Session  *httpH.SessionHandler
	Admin    *httpH.AdminHandler
	Health   *httpH.HealthHandler
}

func wireHandlers(db *gorm.DB, clients Clients, r Repos, s Services, log *logger.Logger) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Retrieve: httpH.NewRetrieveHandler(s.Retrieval, log),
		Chat:     httpH.NewChatHandler(s.Chat, log),
		Session:  httpH.NewSessionHandler(r.ChatSessions, r.ChatMessages, log),
		Admin:    httpH.NewAdminHandler(clients.Cache, s.Graph, r.Documents, r.Chunks, log),
		Health:   httpH.NewHealthHandler(db, clients.Cache, s.Graph),
	}
}

func wireMiddleware(cfg *config.Config, log *logger.Logger) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, cfg.Auth.JWTSecret),
	}
}

func wireServer(cfg *config.Config, h Handlers, mw Middleware, metrics *observability.Metrics, log *logger.Logger) *http.Server {
	return httpx.NewServer(cfg.HTTP, httpx.RouterConfig{
		RetrieveHandler: h.Retrieve,
		ChatHandler:     h.Chat,
		SessionHandler:  h.Session,
		AdminHandler:    h.Admin,
		HealthHandler:   h.Health,

		AuthMiddleware: mw.Auth,
		Metrics:        metrics,
		Log:            log,

		ServiceName:     serviceName,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		MaxRequestBytes: cfg.HTTP.MaxRequestBytes,
	})
}
