package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
)

// Keyword runs lexical full-text search against search_content. The score is
// ts_rank over an english tsvector, so values live well below 1.0; the floor
// only weeds out noise matches.
func (s *Service) Keyword(ctx context.Context, query string, p Params) ([]domain.Hit, error) {
	return s.keywordCandidates(ctx, query, p, p.limit())
}

func (s *Service) keywordCandidates(ctx context.Context, query string, p Params, limit int) ([]domain.Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apierr.Newf(apierr.KindBadRequest, "empty_query", "keyword search requires a query")
	}

	conds, condArgs, err := p.scopeConds()
	if err != nil {
		return nil, err
	}
	conds = append(conds, "to_tsvector('english', dc.search_content) @@ plainto_tsquery('english', ?)")
	condArgs = append(condArgs, query)

	q := fmt.Sprintf(`
		SELECT %s, ts_rank(to_tsvector('english', dc.search_content), plainto_tsquery('english', ?)) AS score
		FROM document_chunks dc
		JOIN documents d ON d.id = dc.document_id
		WHERE %s
		ORDER BY score DESC, dc.id
		LIMIT %d`, chunkColumns, strings.Join(conds, " AND "), limit)

	args := make([]any, 0, len(condArgs)+1)
	args = append(args, query)
	args = append(args, condArgs...)

	var rows []chunkRow
	if err := s.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]domain.Hit, 0, len(rows))
	for _, r := range rows {
		if r.Score < s.keywordFloor {
			continue
		}
		hits = append(hits, r.toHit())
	}
	return hits, nil
}
