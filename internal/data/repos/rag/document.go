package rag

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/ragbridge-backend/internal/data/dberr"
	types "github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type DocumentRepo interface {
	Create(dbc dbctx.Scope, row *types.Document) (*types.Document, error)
	GetByID(dbc dbctx.Scope, tenantID, id uuid.UUID) (*types.Document, error)
	ListByCollection(dbc dbctx.Scope, tenantID, collectionID uuid.UUID, limit int) ([]*types.Document, error)

	// ClaimForProcessing locks the row and moves pending -> processing.
	// It returns false when another worker already claimed the document
	// (any non-pending status). Requires dbc.Tx.
	ClaimForProcessing(dbc dbctx.Scope, id uuid.UUID) (bool, error)
	MarkCompleted(dbc dbctx.Scope, id uuid.UUID, summary string, docVector types.Vector) error
	MarkFailed(dbc dbctx.Scope, id uuid.UUID, errMsg string) error
	ResetForReprocess(dbc dbctx.Scope, tenantID, id uuid.UUID) error

	DeleteByCollection(dbc dbctx.Scope, tenantID, collectionID uuid.UUID) (int64, error)
	DeleteByTenant(dbc dbctx.Scope, tenantID uuid.UUID) (int64, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, log *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: log.With("repo", "DocumentRepo")}
}

func (r *documentRepo) Create(dbc dbctx.Scope, row *types.Document) (*types.Document, error) {
	if row == nil {
		return nil, fmt.Errorf("missing document")
	}
	if row.TenantID == uuid.Nil || row.CollectionID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id or collection_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, dberr.Map("documents.create", err)
	}
	return row, nil
}

func (r *documentRepo) GetByID(dbc dbctx.Scope, tenantID, id uuid.UUID) (*types.Document, error) {
	if tenantID == uuid.Nil || id == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id or id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Document
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&out).Error; err != nil {
		return nil, dberr.Map("documents.get", err)
	}
	return &out, nil
}

func (r *documentRepo) ListByCollection(dbc dbctx.Scope, tenantID, collectionID uuid.UUID, limit int) ([]*types.Document, error) {
	if tenantID == uuid.Nil || collectionID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id or collection_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	q := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND collection_id = ?", tenantID, collectionID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.Document
	if err := q.Find(&out).Error; err != nil {
		return nil, dberr.Map("documents.list", err)
	}
	return out, nil
}

func (r *documentRepo) ClaimForProcessing(dbc dbctx.Scope, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	if dbc.Tx == nil {
		return false, fmt.Errorf("ClaimForProcessing requires dbc.Tx")
	}
	var row types.Document
	if err := dbc.Tx.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&row).Error; err != nil {
		return false, dberr.Map("documents.claim", err)
	}
	if row.Status != types.DocumentStatusPending {
		return false, nil
	}
	return true, dberr.Map("documents.claim", dbc.Tx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     types.DocumentStatusProcessing,
			"updated_at": time.Now().UTC(),
		}).Error)
}

func (r *documentRepo) MarkCompleted(dbc dbctx.Scope, id uuid.UUID, summary string, docVector types.Vector) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	updates := map[string]interface{}{
		"status":        types.DocumentStatusCompleted,
		"summary":       summary,
		"error_message": "",
		"updated_at":    time.Now().UTC(),
	}
	if docVector != nil {
		updates["document_vector"] = docVector
	}
	return dberr.Map("documents.mark_completed", txx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ? AND status = ?", id, types.DocumentStatusProcessing).
		Updates(updates).Error)
}

func (r *documentRepo) MarkFailed(dbc dbctx.Scope, id uuid.UUID, errMsg string) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return dberr.Map("documents.mark_failed", txx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ? AND status = ?", id, types.DocumentStatusProcessing).
		Updates(map[string]interface{}{
			"status":        types.DocumentStatusFailed,
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error)
}

func (r *documentRepo) ResetForReprocess(dbc dbctx.Scope, tenantID, id uuid.UUID) error {
	if tenantID == uuid.Nil || id == uuid.Nil {
		return fmt.Errorf("missing tenant_id or id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return dberr.Map("documents.reset", txx.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Updates(map[string]interface{}{
			"status":        types.DocumentStatusPending,
			"error_message": "",
			"retry_count":   gorm.Expr("retry_count + 1"),
			"updated_at":    time.Now().UTC(),
		}).Error)
}

func (r *documentRepo) DeleteByCollection(dbc dbctx.Scope, tenantID, collectionID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil || collectionID == uuid.Nil {
		return 0, fmt.Errorf("missing tenant_id or collection_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND collection_id = ?", tenantID, collectionID).
		Delete(&types.Document{})
	return res.RowsAffected, dberr.Map("documents.delete_by_collection", res.Error)
}

func (r *documentRepo) DeleteByTenant(dbc dbctx.Scope, tenantID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil {
		return 0, fmt.Errorf("missing tenant_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&types.Document{})
	return res.RowsAffected, dberr.Map("documents.delete_by_tenant", res.Error)
}
