package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/qdrant"
)

// Chunk search over Postgres: pgvector cosine for the dense leg, ts_rank for
// the lexical leg, reciprocal rank fusion for hybrid, and a document-level
// first pass for hierarchical mode. A configured Qdrant store can serve dense
// candidates instead of pgvector; it falls back to SQL on any error so the
// two paths stay interchangeable. Every query joins documents and requires
// status=completed, so half-ingested content never surfaces.

const defaultTopK = 10

type Service struct {
	db    *gorm.DB
	dense qdrant.VectorStore
	log   *logger.Logger

	multiplier   int
	vectorFloor  float64
	keywordFloor float64
}

// Params scope a chunk search. TenantID is mandatory; everything else
// narrows. DocumentIDs is how hierarchical tier 2 restricts the chunk pass to
// the tier-1 winners.
type Params struct {
	TenantID       uuid.UUID
	CollectionID   *uuid.UUID
	DocumentIDs    []string
	DocumentType   string
	MetadataFilter map[string]string
	TopK           int
}

func (p Params) limit() int {
	if p.TopK <= 0 {
		return defaultTopK
	}
	return p.TopK
}

func New(db *gorm.DB, dense qdrant.VectorStore, cfg config.SearchConfig, log *logger.Logger) *Service {
	multiplier := cfg.HierarchicalMultiplier
	if multiplier <= 0 {
		multiplier = 3
	}
	vectorFloor := cfg.VectorFloor
	if vectorFloor <= 0 {
		vectorFloor = 0.30
	}
	keywordFloor := cfg.KeywordFloor
	if keywordFloor <= 0 {
		keywordFloor = 0.01
	}
	return &Service{
		db:           db,
		dense:        dense,
		log:          log.With("service", "SearchService"),
		multiplier:   multiplier,
		vectorFloor:  vectorFloor,
		keywordFloor: keywordFloor,
	}
}

// Namespace is the dense-index partition for a (tenant, collection) pair.
func Namespace(tenantID uuid.UUID, collectionID uuid.UUID) string {
	return tenantID.String() + "|" + collectionID.String()
}

const chunkColumns = `
	dc.id::text AS chunk_id,
	dc.document_id::text AS document_id,
	dc.collection_id::text AS collection_id,
	dc.chunk_index,
	dc.content,
	dc.metadata,
	dc.chunk_metadata,
	d.title AS document_title,
	d.filename AS document_filename`

type chunkRow struct {
	ChunkID          string         `gorm:"column:chunk_id"`
	DocumentID       string         `gorm:"column:document_id"`
	CollectionID     string         `gorm:"column:collection_id"`
	ChunkIndex       int            `gorm:"column:chunk_index"`
	Content          string         `gorm:"column:content"`
	Metadata         datatypes.JSON `gorm:"column:metadata"`
	ChunkMetadata    datatypes.JSON `gorm:"column:chunk_metadata"`
	DocumentTitle    string         `gorm:"column:document_title"`
	DocumentFilename string         `gorm:"column:document_filename"`
	Score            float64        `gorm:"column:score"`
}

func (r chunkRow) toHit() domain.Hit {
	return domain.Hit{
		ChunkID:       r.ChunkID,
		Content:       r.Content,
		ChunkIndex:    r.ChunkIndex,
		Score:         r.Score,
		Metadata:      decodeJSONMap(r.Metadata),
		ChunkMetadata: decodeJSONMap(r.ChunkMetadata),
		Document: domain.DocumentRef{
			ID:       r.DocumentID,
			Title:    r.DocumentTitle,
			Filename: r.DocumentFilename,
		},
		CollectionID: r.CollectionID,
	}
}

func decodeJSONMap(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// scopeConds renders the shared WHERE fragment for chunk queries. The tenant
// condition always comes first; callers append their own predicates.
func (p Params) scopeConds() (conds []string, args []any, err error) {
	conds = []string{"dc.tenant_id = ?", "d.status = ?"}
	args = []any{p.TenantID, domain.DocumentStatusCompleted}

	if p.CollectionID != nil {
		conds = append(conds, "dc.collection_id = ?")
		args = append(args, *p.CollectionID)
	}
	if len(p.DocumentIDs) > 0 {
		conds = append(conds, "dc.document_id::text IN ?")
		args = append(args, p.DocumentIDs)
	}
	if len(p.MetadataFilter) > 0 {
		blob, merr := json.Marshal(p.MetadataFilter)
		if merr != nil {
			return nil, nil, fmt.Errorf("marshal metadata filter: %w", merr)
		}
		conds = append(conds, "dc.metadata @> ?::jsonb")
		args = append(args, string(blob))
	}
	return conds, args, nil
}

// ChunksByIDs loads chunk hits for the tenant preserving the input order;
// ids that resolve to nothing (deleted or foreign) are skipped. Scores are
// zero because the caller owns scoring.
func (s *Service) ChunksByIDs(ctx context.Context, tenantID uuid.UUID, chunkIDs []string) ([]domain.Hit, error) {
	if len(chunkIDs) == 0 {
		return []domain.Hit{}, nil
	}

	q := fmt.Sprintf(`
		SELECT %s, 0::float8 AS score
		FROM document_chunks dc
		JOIN documents d ON d.id = dc.document_id
		WHERE dc.tenant_id = ? AND dc.id::text IN ?`, chunkColumns)

	var rows []chunkRow
	if err := s.db.WithContext(ctx).Raw(q, tenantID, chunkIDs).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("load chunks by ids: %w", err)
	}

	byID := make(map[string]chunkRow, len(rows))
	for _, r := range rows {
		byID[r.ChunkID] = r
	}
	out := make([]domain.Hit, 0, len(rows))
	for _, id := range chunkIDs {
		r, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, r.toHit())
	}
	return out, nil
}

// ChunkRange loads the tenant's chunks of one document whose index falls in
// [fromIndex, toIndex], ordered by index. Context expansion fetches neighbor
// windows through this.
func (s *Service) ChunkRange(ctx context.Context, tenantID uuid.UUID, documentID string, fromIndex, toIndex int) ([]domain.Hit, error) {
	if fromIndex < 0 {
		fromIndex = 0
	}
	if toIndex < fromIndex {
		return []domain.Hit{}, nil
	}

	q := fmt.Sprintf(`
		SELECT %s, 0::float8 AS score
		FROM document_chunks dc
		JOIN documents d ON d.id = dc.document_id
		WHERE dc.tenant_id = ? AND dc.document_id::text = ? AND dc.chunk_index BETWEEN ? AND ?
		ORDER BY dc.chunk_index`, chunkColumns)

	var rows []chunkRow
	if err := s.db.WithContext(ctx).Raw(q, tenantID, strings.TrimSpace(documentID), fromIndex, toIndex).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("load chunk range: %w", err)
	}

	out := make([]domain.Hit, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toHit())
	}
	return out, nil
}
