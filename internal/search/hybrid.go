package search

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/ragbridge-backend/internal/domain"
)

const rrfK = 60

// Hybrid runs the vector and keyword legs in parallel, each over top_k x 2
// candidates, and fuses them by reciprocal rank fusion.
func (s *Service) Hybrid(ctx context.Context, query string, queryVec []float32, p Params) ([]domain.Hit, error) {
	topK := p.limit()
	candidateK := topK * 2

	var vectorHits, keywordHits []domain.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := s.vectorCandidates(gctx, queryVec, p, candidateK)
		if err != nil {
			return fmt.Errorf("vector leg: %w", err)
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := s.keywordCandidates(gctx, query, p, candidateK)
		if err != nil {
			return fmt.Errorf("keyword leg: %w", err)
		}
		keywordHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuseRRF(vectorHits, keywordHits, topK), nil
}

// fuseRRF merges two ranked lists: each appearance at 1-based rank r
// contributes 1/(k+r) to a chunk's combined score. Ordering is by combined
// score, then best original score, then chunk id, so fusion is deterministic
// given the inputs. The reported score stays the max original score; RRF
// values are rank artifacts and mean nothing to a reader.
func fuseRRF(vectorHits, keywordHits []domain.Hit, topK int) []domain.Hit {
	type fused struct {
		hit      domain.Hit
		combined float64
		best     float64
	}

	byID := make(map[string]*fused, len(vectorHits)+len(keywordHits))
	ordered := make([]*fused, 0, len(vectorHits)+len(keywordHits))

	absorb := func(list []domain.Hit) {
		for i, h := range list {
			rank := i + 1
			f, ok := byID[h.ChunkID]
			if !ok {
				f = &fused{hit: h, best: h.Score}
				byID[h.ChunkID] = f
				ordered = append(ordered, f)
			} else if h.Score > f.best {
				f.best = h.Score
			}
			f.combined += 1.0 / float64(rrfK+rank)
		}
	}
	absorb(vectorHits)
	absorb(keywordHits)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].combined != ordered[j].combined {
			return ordered[i].combined > ordered[j].combined
		}
		if ordered[i].best != ordered[j].best {
			return ordered[i].best > ordered[j].best
		}
		return ordered[i].hit.ChunkID < ordered[j].hit.ChunkID
	})

	if topK > 0 && len(ordered) > topK {
		ordered = ordered[:topK]
	}

	out := make([]domain.Hit, 0, len(ordered))
	for _, f := range ordered {
		h := f.hit
		h.Score = f.best
		out = append(out, h)
	}
	return out
}
