package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/chat"
	"github.com/yungbote/ragbridge-backend/internal/http/response"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/sse"
)

// ChatRunner is the turn seam the handler depends on.
type ChatRunner interface {
	Chat(ctx context.Context, tenantID uuid.UUID, req chat.Request, emit chat.Emitter) (*chat.Result, error)
}

type ChatHandler struct {
	chat ChatRunner
	log  *logger.Logger
}

func NewChatHandler(runner ChatRunner, log *logger.Logger) *ChatHandler {
	return &ChatHandler{chat: runner, log: log.With("handler", "ChatHandler")}
}

// POST /api/v1/chat
//
// With stream true (the default) the response is an SSE stream; errors after
// the stream opens arrive as a terminal error event. With stream false the
// whole turn aggregates into one JSON body.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondErrorStatus(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	tenantID := tenantFrom(c)

	if !req.Streaming() {
		h.aggregate(c, tenantID, req)
		return
	}

	stream, err := sse.NewStream(c.Writer, h.log)
	if err != nil {
		response.RespondErrorStatus(c, http.StatusInternalServerError, "streaming_unsupported", err)
		return
	}

	started := time.Now()
	_, err = h.chat.Chat(c.Request.Context(), tenantID, req, stream)
	if err != nil {
		h.log.Warn("chat turn failed", "error", err)
		if !stream.Closed() {
			code := apierr.CodeOf(err)
			if code == "" {
				code = string(apierr.KindOf(err))
			}
			_ = stream.Error(code, err.Error())
		}
		observability.Current().ObserveChatTurn(reqMode(req), "error", time.Since(started))
		return
	}
	observability.Current().ObserveChatTurn(reqMode(req), "ok", time.Since(started))
}

func (h *ChatHandler) aggregate(c *gin.Context, tenantID uuid.UUID, req chat.Request) {
	started := time.Now()
	result, err := h.chat.Chat(c.Request.Context(), tenantID, req, nil)
	if err != nil {
		observability.Current().ObserveChatTurn(reqMode(req), "error", time.Since(started))
		response.RespondError(c, err)
		return
	}
	observability.Current().ObserveChatTurn(reqMode(req), "ok", time.Since(started))
	response.RespondOK(c, result)
}

func reqMode(req chat.Request) string {
	if strings.EqualFold(strings.TrimSpace(req.ReasoningMode), chat.ReasoningDeep) {
		return chat.ReasoningDeep
	}
	return chat.ReasoningStandard
}
