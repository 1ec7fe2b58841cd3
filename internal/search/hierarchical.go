package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
)

// Hierarchical narrows the corpus before chunk search: tier 1 ranks whole
// documents by their document-level vector and keeps top_k x multiplier of
// them; tier 2 reruns the requested mode restricted to those documents. Hits
// cluster inside topically relevant documents instead of scattering.
func (s *Service) Hierarchical(ctx context.Context, mode string, query string, queryVec []float32, p Params) ([]domain.Hit, error) {
	docIDs, err := s.topDocuments(ctx, queryVec, p)
	if err != nil {
		return nil, err
	}
	if len(docIDs) == 0 {
		return []domain.Hit{}, nil
	}

	scoped := p
	scoped.DocumentIDs = docIDs

	switch mode {
	case domain.ModeKeyword:
		return s.Keyword(ctx, query, scoped)
	case domain.ModeHybrid:
		return s.Hybrid(ctx, query, queryVec, scoped)
	default:
		return s.Vector(ctx, queryVec, scoped)
	}
}

// topDocuments is tier 1. Documents without a document_vector never qualify;
// they were ingested before document-level embeddings existed and fall back
// to flat search naturally.
func (s *Service) topDocuments(ctx context.Context, queryVec []float32, p Params) ([]string, error) {
	if len(queryVec) == 0 {
		return nil, apierr.Newf(apierr.KindBadRequest, "empty_query_vector", "hierarchical search requires a query vector")
	}
	limit := p.limit() * s.multiplier

	conds := []string{"d.tenant_id = ?", "d.status = ?", "d.document_vector IS NOT NULL"}
	args := []any{p.TenantID, domain.DocumentStatusCompleted}
	if p.CollectionID != nil {
		conds = append(conds, "d.collection_id = ?")
		args = append(args, *p.CollectionID)
	}
	if strings.TrimSpace(p.DocumentType) != "" {
		conds = append(conds, "d.document_type = ?")
		args = append(args, strings.TrimSpace(p.DocumentType))
	}

	q := fmt.Sprintf(`
		SELECT d.id::text AS id
		FROM documents d
		WHERE %s
		ORDER BY d.document_vector <=> ?::vector
		LIMIT %d`, strings.Join(conds, " AND "), limit)

	args = append(args, domain.Vector(queryVec))

	var rows []struct {
		ID string `gorm:"column:id"`
	}
	if err := s.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("document search: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
