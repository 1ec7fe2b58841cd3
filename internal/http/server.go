package http

import (
	"net/http"

	"github.com/yungbote/ragbridge-backend/internal/config"
)

// NewServer builds the API server around the configured router.
// WriteTimeout stays 0: chat responses stream over SSE for as long as the
// model generates.
func NewServer(cfg config.HTTPConfig, rc RouterConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(rc),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Duration,
		IdleTimeout:       cfg.IdleTimeout.Duration,
		WriteTimeout:      0,
	}
}
