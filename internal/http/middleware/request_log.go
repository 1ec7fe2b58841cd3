package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// RequestLogger writes one access line per request after the handler chain
// ran. Level tracks status: 5xx error, 4xx warn, everything else info.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		if log == nil {
			return
		}

		status := c.Writer.Status()
		write := log.Info
		switch {
		case status >= 500:
			write = log.Error
		case status >= 400:
			write = log.Warn
		}
		write("HTTP request", accessFields(c, status, time.Since(started))...)
	}
}

func accessFields(c *gin.Context, status int, took time.Duration) []any {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	fields := []any{
		"method", strings.ToUpper(c.Request.Method),
		"path", path,
		"status", status,
		"duration_ms", took.Milliseconds(),
	}
	if td := ctxutil.GetTraceData(c.Request.Context()); td != nil {
		if td.TraceID != "" {
			fields = append(fields, "trace_id", td.TraceID)
		}
		if td.RequestID != "" {
			fields = append(fields, "request_id", td.RequestID)
		}
	}
	if rd := ctxutil.GetRequestData(c.Request.Context()); rd != nil && rd.TenantID != uuid.Nil {
		fields = append(fields, "tenant_id", rd.TenantID.String())
	}
	return fields
}
