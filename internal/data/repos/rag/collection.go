package rag

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/data/dberr"
	types "github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type CollectionRepo interface {
	Create(dbc dbctx.Scope, row *types.Collection) (*types.Collection, error)
	GetByID(dbc dbctx.Scope, tenantID, id uuid.UUID) (*types.Collection, error)
	GetByName(dbc dbctx.Scope, tenantID uuid.UUID, name string) (*types.Collection, error)
	List(dbc dbctx.Scope, tenantID uuid.UUID) ([]*types.Collection, error)
	Delete(dbc dbctx.Scope, tenantID, id uuid.UUID) error
}

type collectionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCollectionRepo(db *gorm.DB, log *logger.Logger) CollectionRepo {
	return &collectionRepo{db: db, log: log.With("repo", "CollectionRepo")}
}

func (r *collectionRepo) Create(dbc dbctx.Scope, row *types.Collection) (*types.Collection, error) {
	if row == nil {
		return nil, fmt.Errorf("missing collection")
	}
	if row.TenantID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, dberr.Map("collections.create", err)
	}
	return row, nil
}

func (r *collectionRepo) GetByID(dbc dbctx.Scope, tenantID, id uuid.UUID) (*types.Collection, error) {
	if tenantID == uuid.Nil || id == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id or id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Collection
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&out).Error; err != nil {
		return nil, dberr.Map("collections.get", err)
	}
	return &out, nil
}

func (r *collectionRepo) GetByName(dbc dbctx.Scope, tenantID uuid.UUID, name string) (*types.Collection, error) {
	if tenantID == uuid.Nil || name == "" {
		return nil, fmt.Errorf("missing tenant_id or name")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Collection
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND name = ?", tenantID, name).
		Take(&out).Error; err != nil {
		return nil, dberr.Map("collections.get_by_name", err)
	}
	return &out, nil
}

func (r *collectionRepo) List(dbc dbctx.Scope, tenantID uuid.UUID) ([]*types.Collection, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Collection
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, dberr.Map("collections.list", err)
	}
	return out, nil
}

func (r *collectionRepo) Delete(dbc dbctx.Scope, tenantID, id uuid.UUID) error {
	if tenantID == uuid.Nil || id == uuid.Nil {
		return fmt.Errorf("missing tenant_id or id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return dberr.Map("collections.delete", txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&types.Collection{}).Error)
}
