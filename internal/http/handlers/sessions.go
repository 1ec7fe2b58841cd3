package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/data/repos"
	"github.com/yungbote/ragbridge-backend/internal/http/response"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type SessionHandler struct {
	sessions repos.ChatSessionRepo
	messages repos.ChatMessageRepo
	log      *logger.Logger
}

func NewSessionHandler(sessions repos.ChatSessionRepo, messages repos.ChatMessageRepo, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		messages: messages,
		log:      log.With("handler", "SessionHandler"),
	}
}

// GET /api/v1/chat/sessions?limit=50
func (h *SessionHandler) List(c *gin.Context) {
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	dbc := dbctx.Scope{Ctx: c.Request.Context()}
	sessions, err := h.sessions.List(dbc, tenantFrom(c), limit)
	if err != nil {
		response.RespondErrorStatus(c, http.StatusInternalServerError, "list_sessions_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"sessions": sessions})
}

// GET /api/v1/chat/sessions/:id/messages?limit=100
func (h *SessionHandler) Messages(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondErrorStatus(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	limit := 100
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	dbc := dbctx.Scope{Ctx: c.Request.Context()}
	sess, err := h.sessions.GetByID(dbc, tenantFrom(c), sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondErrorStatus(c, http.StatusNotFound, "session_not_found", err)
			return
		}
		response.RespondErrorStatus(c, http.StatusInternalServerError, "get_session_failed", err)
		return
	}

	msgs, err := h.messages.ListBySession(dbc, sess.ID, limit)
	if err != nil {
		response.RespondErrorStatus(c, http.StatusInternalServerError, "list_messages_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"session": sess, "messages": msgs})
}

// DELETE /api/v1/chat/sessions/:id
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondErrorStatus(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	dbc := dbctx.Scope{Ctx: c.Request.Context()}
	if err := h.sessions.Delete(dbc, tenantFrom(c), sessionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.RespondErrorStatus(c, http.StatusNotFound, "session_not_found", err)
			return
		}
		response.RespondErrorStatus(c, http.StatusInternalServerError, "delete_session_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true, "session_id": sessionID})
}
