package chat

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/data/dberr"
	types "github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type ChatMessageRepo interface {
	Create(dbc dbctx.Scope, rows []*types.ChatMessage) ([]*types.ChatMessage, error)
	ListBySession(dbc dbctx.Scope, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error)

	// ListRecent returns the newest messages first; follow-up prompt
	// assembly re-reverses the slice it needs.
	ListRecent(dbc dbctx.Scope, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error)
	CountBySession(dbc dbctx.Scope, sessionID uuid.UUID) (int64, error)
	DeleteBySession(dbc dbctx.Scope, sessionID uuid.UUID) (int64, error)
}

type chatMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo")}
}

func (r *chatMessageRepo) Create(dbc dbctx.Scope, rows []*types.ChatMessage) ([]*types.ChatMessage, error) {
	if len(rows) == 0 {
		return []*types.ChatMessage{}, nil
	}
	for _, row := range rows {
		if row.SessionID == uuid.Nil {
			return nil, fmt.Errorf("missing session_id")
		}
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, dberr.Map("messages.create", err)
	}
	return rows, nil
}

func (r *chatMessageRepo) ListBySession(dbc dbctx.Scope, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	q := txx.WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.ChatMessage
	if err := q.Find(&out).Error; err != nil {
		return nil, dberr.Map("messages.list", err)
	}
	return out, nil
}

func (r *chatMessageRepo) ListRecent(dbc dbctx.Scope, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	if limit <= 0 {
		limit = 8
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.ChatMessage
	if err := txx.WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, dberr.Map("messages.list_recent", err)
	}
	return out, nil
}

func (r *chatMessageRepo) CountBySession(dbc dbctx.Scope, sessionID uuid.UUID) (int64, error) {
	if sessionID == uuid.Nil {
		return 0, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var n int64
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error; err != nil {
		return 0, dberr.Map("messages.count", err)
	}
	return n, nil
}

func (r *chatMessageRepo) DeleteBySession(dbc dbctx.Scope, sessionID uuid.UUID) (int64, error) {
	if sessionID == uuid.Nil {
		return 0, fmt.Errorf("missing session_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Delete(&types.ChatMessage{})
	return res.RowsAffected, dberr.Map("messages.delete_by_session", res.Error)
}
