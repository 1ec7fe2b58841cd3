package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type ContextWindowConfig struct {
	Before int
	After  int
}

// Expander stitches each hit's neighboring chunks into expanded_content.
// Hits from the same document share one range fetch; overlapping windows
// within a document collapse to the stronger hit.
type Expander struct {
	searcher Searcher
	before   int
	after    int
	log      *logger.Logger
}

func NewExpander(searcher Searcher, cfg ContextWindowConfig, log *logger.Logger) *Expander {
	before := cfg.Before
	if before < 0 {
		before = 1
	}
	after := cfg.After
	if after < 0 {
		after = 2
	}
	if before == 0 && after == 0 {
		before, after = 1, 2
	}
	return &Expander{
		searcher: searcher,
		before:   before,
		after:    after,
		log:      log.With("service", "ContextExpander"),
	}
}

type windowed struct {
	pos   int
	start int
	end   int
}

// Expand returns the hits with expanded content attached, minus hits whose
// windows another same-document hit already covers. Expansion failures leave
// hits unmodified: this step may narrow or enrich, never error.
func (e *Expander) Expand(ctx context.Context, tenantID uuid.UUID, hits []domain.Hit) []domain.Hit {
	if len(hits) == 0 {
		return hits
	}

	// Graph-sourced hits index a different chunking of the document, so
	// their neighbors cannot be addressed by chunk_index here.
	byDoc := map[string][]windowed{}
	for i, h := range hits {
		if h.GraphSourced() || h.Document.ID == "" {
			continue
		}
		start := h.ChunkIndex - e.before
		if start < 0 {
			start = 0
		}
		byDoc[h.Document.ID] = append(byDoc[h.Document.ID], windowed{
			pos:   i,
			start: start,
			end:   h.ChunkIndex + e.after,
		})
	}

	drop := map[int]bool{}
	expanded := make([]domain.Hit, len(hits))
	copy(expanded, hits)

	for docID, wins := range byDoc {
		kept := dedupeWindows(hits, wins)
		if len(kept) == 0 {
			continue
		}
		for _, w := range wins {
			if !containsWindow(kept, w.pos) {
				drop[w.pos] = true
			}
		}

		lo, hi := kept[0].start, kept[0].end
		for _, w := range kept[1:] {
			if w.start < lo {
				lo = w.start
			}
			if w.end > hi {
				hi = w.end
			}
		}
		neighbors, err := e.searcher.ChunkRange(ctx, tenantID, docID, lo, hi)
		if err != nil {
			e.log.Warn("context window fetch failed", "document_id", docID, "error", err)
			continue
		}
		byIndex := map[int]domain.Hit{}
		for _, n := range neighbors {
			byIndex[n.ChunkIndex] = n
		}

		for _, w := range kept {
			merge := make([]domain.Hit, 0, w.end-w.start+1)
			for idx := w.start; idx <= w.end; idx++ {
				if n, ok := byIndex[idx]; ok {
					merge = append(merge, n)
				}
			}
			if len(merge) == 0 {
				continue
			}
			sort.Slice(merge, func(i, j int) bool { return merge[i].ChunkIndex < merge[j].ChunkIndex })

			parts := make([]string, 0, len(merge))
			for _, n := range merge {
				parts = append(parts, n.Content)
			}
			h := expanded[w.pos]
			h.ExpandedContent = strings.Join(parts, "\n\n")
			h.ContextWindow = &domain.ContextWindow{
				OriginalIndex: h.ChunkIndex,
				StartIndex:    merge[0].ChunkIndex,
				EndIndex:      merge[len(merge)-1].ChunkIndex,
				ChunksMerged:  len(merge),
			}
			expanded[w.pos] = h
		}
	}

	if len(drop) == 0 {
		return expanded
	}
	out := make([]domain.Hit, 0, len(expanded)-len(drop))
	for i, h := range expanded {
		if !drop[i] {
			out = append(out, h)
		}
	}
	return out
}

// dedupeWindows keeps non-overlapping windows within one document. The
// higher-score hit wins an overlap; equal scores keep the earlier chunk.
func dedupeWindows(hits []domain.Hit, wins []windowed) []windowed {
	if len(wins) <= 1 {
		return wins
	}
	ordered := make([]windowed, len(wins))
	copy(ordered, wins)
	sort.Slice(ordered, func(i, j int) bool {
		hi, hj := hits[ordered[i].pos], hits[ordered[j].pos]
		si, sj := hi.BestScore(), hj.BestScore()
		if si != sj {
			return si > sj
		}
		return hi.ChunkIndex < hj.ChunkIndex
	})

	var kept []windowed
	for _, w := range ordered {
		overlaps := false
		for _, k := range kept {
			if w.start <= k.end && k.start <= w.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, w)
		}
	}
	return kept
}

func containsWindow(wins []windowed, pos int) bool {
	for _, w := range wins {
		if w.pos == pos {
			return true
		}
	}
	return false
}
