package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
)

// denseTimeout bounds the external vector store call; past it the SQL path
// answers instead.
const denseTimeout = 2 * time.Second

// Vector ranks chunks by cosine similarity against the query vector, scoped
// by Params. Hits below the vector floor are dropped.
func (s *Service) Vector(ctx context.Context, queryVec []float32, p Params) ([]domain.Hit, error) {
	return s.vectorCandidates(ctx, queryVec, p, p.limit())
}

func (s *Service) vectorCandidates(ctx context.Context, queryVec []float32, p Params, limit int) ([]domain.Hit, error) {
	if len(queryVec) == 0 {
		return nil, apierr.Newf(apierr.KindBadRequest, "empty_query_vector", "vector search requires a query vector")
	}

	// The dense store partitions by (tenant, collection), so it can only
	// answer collection-scoped queries; tenant-wide ones go to SQL.
	if s.dense != nil && p.CollectionID != nil {
		started := time.Now()
		hits, err := s.denseCandidates(ctx, queryVec, p, limit)
		if err == nil {
			s.log.Debug("dense candidates served by vector store",
				"ms", time.Since(started).Milliseconds(),
				"count", len(hits),
			)
			return hits, nil
		}
		s.log.Warn("vector store query failed; falling back to sql", "error", err)
	}

	return s.sqlVectorCandidates(ctx, queryVec, p, limit)
}

func (s *Service) denseCandidates(ctx context.Context, queryVec []float32, p Params, limit int) ([]domain.Hit, error) {
	denseCtx, cancel := context.WithTimeout(ctx, denseTimeout)
	defer cancel()

	filter := make(map[string]any, len(p.MetadataFilter)+1)
	for k, v := range p.MetadataFilter {
		filter[k] = v
	}
	if len(p.DocumentIDs) > 0 {
		filter["document_id"] = map[string]any{"$in": p.DocumentIDs}
	}

	ns := Namespace(p.TenantID, *p.CollectionID)
	matches, err := s.dense.QueryMatches(denseCtx, ns, queryVec, limit, filter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(matches))
	scores := make(map[string]float64, len(matches))
	for _, m := range matches {
		if m.Score < s.vectorFloor {
			continue
		}
		ids = append(ids, m.ID)
		scores[m.ID] = m.Score
	}
	if len(ids) == 0 {
		return []domain.Hit{}, nil
	}

	// Postgres stays the source of truth: stale index entries whose rows are
	// gone simply drop out here.
	hits, err := s.ChunksByIDs(ctx, p.TenantID, ids)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Score = scores[hits[i].ChunkID]
	}
	return hits, nil
}

func (s *Service) sqlVectorCandidates(ctx context.Context, queryVec []float32, p Params, limit int) ([]domain.Hit, error) {
	conds, condArgs, err := p.scopeConds()
	if err != nil {
		return nil, err
	}
	conds = append(conds, "dc.vector IS NOT NULL")

	q := fmt.Sprintf(`
		SELECT %s, 1 - (dc.vector <=> ?::vector) AS score
		FROM document_chunks dc
		JOIN documents d ON d.id = dc.document_id
		WHERE %s
		ORDER BY dc.vector <=> ?::vector
		LIMIT %d`, chunkColumns, strings.Join(conds, " AND "), limit)

	vec := domain.Vector(queryVec)
	args := make([]any, 0, len(condArgs)+2)
	args = append(args, vec)
	args = append(args, condArgs...)
	args = append(args, vec)

	var rows []chunkRow
	if err := s.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]domain.Hit, 0, len(rows))
	for _, r := range rows {
		if r.Score < s.vectorFloor {
			continue
		}
		hits = append(hits, r.toHit())
	}
	return hits, nil
}
