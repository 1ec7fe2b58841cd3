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

type ChunkRepo interface {
	CreateBatch(dbc dbctx.Scope, rows []*types.DocumentChunk) ([]*types.DocumentChunk, error)
	GetByIDs(dbc dbctx.Scope, tenantID uuid.UUID, ids []uuid.UUID) ([]*types.DocumentChunk, error)
	GetByDocument(dbc dbctx.Scope, tenantID, documentID uuid.UUID) ([]*types.DocumentChunk, error)

	// GetWindow fetches the chunks of a document whose chunk_index lies in
	// [start, end], ordered by chunk_index. Context expansion issues one
	// call per document covering the union of its hit windows.
	GetWindow(dbc dbctx.Scope, tenantID, documentID uuid.UUID, start, end int) ([]*types.DocumentChunk, error)

	DeleteByDocument(dbc dbctx.Scope, tenantID, documentID uuid.UUID) (int64, error)
	DeleteByCollection(dbc dbctx.Scope, tenantID, collectionID uuid.UUID) (int64, error)
	DeleteByTenant(dbc dbctx.Scope, tenantID uuid.UUID) (int64, error)
}

type chunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChunkRepo(db *gorm.DB, log *logger.Logger) ChunkRepo {
	return &chunkRepo{db: db, log: log.With("repo", "ChunkRepo")}
}

func (r *chunkRepo) CreateBatch(dbc dbctx.Scope, rows []*types.DocumentChunk) ([]*types.DocumentChunk, error) {
	if len(rows) == 0 {
		return []*types.DocumentChunk{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}

	// Keep batches small because Content is large.
	const batchSize = 100

	if err := txx.WithContext(dbc.Ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return nil, dberr.Map("chunks.create_batch", err)
	}
	return rows, nil
}

func (r *chunkRepo) GetByIDs(dbc dbctx.Scope, tenantID uuid.UUID, ids []uuid.UUID) ([]*types.DocumentChunk, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id")
	}
	var out []*types.DocumentChunk
	if len(ids) == 0 {
		return out, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Find(&out).Error; err != nil {
		return nil, dberr.Map("chunks.get_by_ids", err)
	}
	return out, nil
}

func (r *chunkRepo) GetByDocument(dbc dbctx.Scope, tenantID, documentID uuid.UUID) ([]*types.DocumentChunk, error) {
	if tenantID == uuid.Nil || documentID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id or document_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.DocumentChunk
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
		Order("chunk_index ASC").
		Find(&out).Error; err != nil {
		return nil, dberr.Map("chunks.get_by_document", err)
	}
	return out, nil
}

func (r *chunkRepo) GetWindow(dbc dbctx.Scope, tenantID, documentID uuid.UUID, start, end int) ([]*types.DocumentChunk, error) {
	if tenantID == uuid.Nil || documentID == uuid.Nil {
		return nil, fmt.Errorf("missing tenant_id or document_id")
	}
	if start < 0 {
		start = 0
	}
	if end < start {
		return []*types.DocumentChunk{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.DocumentChunk
	if err := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND document_id = ? AND chunk_index BETWEEN ? AND ?", tenantID, documentID, start, end).
		Order("chunk_index ASC").
		Find(&out).Error; err != nil {
		return nil, dberr.Map("chunks.get_window", err)
	}
	return out, nil
}

func (r *chunkRepo) DeleteByDocument(dbc dbctx.Scope, tenantID, documentID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil || documentID == uuid.Nil {
		return 0, fmt.Errorf("missing tenant_id or document_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
		Delete(&types.DocumentChunk{})
	return res.RowsAffected, dberr.Map("chunks.delete_by_document", res.Error)
}

func (r *chunkRepo) DeleteByCollection(dbc dbctx.Scope, tenantID, collectionID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil || collectionID == uuid.Nil {
		return 0, fmt.Errorf("missing tenant_id or collection_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND collection_id = ?", tenantID, collectionID).
		Delete(&types.DocumentChunk{})
	return res.RowsAffected, dberr.Map("chunks.delete_by_collection", res.Error)
}

func (r *chunkRepo) DeleteByTenant(dbc dbctx.Scope, tenantID uuid.UUID) (int64, error) {
	if tenantID == uuid.Nil {
		return 0, fmt.Errorf("missing tenant_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Delete(&types.DocumentChunk{})
	return res.RowsAffected, dberr.Map("chunks.delete_by_tenant", res.Error)
}
