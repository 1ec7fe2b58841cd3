package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/data/dberr"
	types "github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type ChatSessionRepo interface {
	Create(dbc dbctx.Scope, row *types.ChatSession) (*types.ChatSession, error)
	GetByID(dbc dbctx.Scope, tenantID, id uuid.UUID) (*types.ChatSession, error)
	List(dbc dbctx.Scope, tenantID uuid.UUID, limit int) ([]*types.ChatSession, error)
	TouchLastMessage(dbc dbctx.Scope, id uuid.UUID, at time.Time) error
	UpdateTitle(dbc dbctx.Scope, id uuid.UUID, title string) error

	// Delete removes the session and its messages. The message delete is
	// explicit because migrations do not install FK cascade constraints.
	Delete(dbc dbctx.Scope, tenantID, id uuid.UUID) error
}

type chatSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatSessionRepo(db *gorm.DB, log *logger.Logger) ChatSessionRepo {
	return &chatSessionRepo{db: db, log: log.With("repo", "ChatSessionRepo")}
}

func (r *chatSessionRepo) Create(dbc dbctx.Scope, row *types.ChatSession) (*types.ChatSession, error) {
	if row == nil {
		return nil, fmt.Errorf("missing session")
	}
	if row.TenantID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, dberr.Map("sessions.create", err)
	}
	return row, nil
}

func (r *chatSessionRepo) GetByID(dbc dbctx.Scope, tenantID, id uuid.UUID) (*types.ChatSession, error) {
	if tenantID == uuid.Nil || id == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id or id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ChatSession
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&out).Error; err != nil {
		return nil, dberr.Map("sessions.get", err)
	}
	return &out, nil
}

func (r *chatSessionRepo) List(dbc dbctx.Scope, tenantID uuid.UUID, limit int) ([]*types.ChatSession, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	q := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Order("last_message_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.ChatSession
	if err := q.Find(&out).Error; err != nil {
		return nil, dberr.Map("sessions.list", err)
	}
	return out, nil
}

func (r *chatSessionRepo) TouchLastMessage(dbc dbctx.Scope, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return dberr.Map("sessions.touch_last_message", txx.WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("id = ?", id).
		Update("last_message_at", at.UTC()).Error)
}

func (r *chatSessionRepo) UpdateTitle(dbc dbctx.Scope, id uuid.UUID, title string) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return dberr.Map("sessions.update_title", txx.WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("id = ?", id).
		Update("title", title).Error)
}

func (r *chatSessionRepo) Delete(dbc dbctx.Scope, tenantID, id uuid.UUID) error {
	if tenantID == uuid.Nil || id == uuid.Nil {
		return fmt.Errorf("missing tenant_id or id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return dberr.Map("sessions.delete", txx.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var row types.ChatSession
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Take(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&types.ChatMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&types.ChatSession{}).Error
	}))
}
