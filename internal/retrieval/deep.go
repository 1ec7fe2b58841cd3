package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
)

// Reasoning step numbers emitted over the stream.
const (
	StepDecompose  = 1
	StepRetrieve   = 2
	StepSynthesize = 3
)

// ProgressEmitter receives deep-reasoning progress. The chat layer adapts
// its SSE emitter; a nil emitter silences progress without branching.
type ProgressEmitter interface {
	ReasoningStep(step int, description string)
	SubQuery(query string, index, total int)
}

// Retriever is the orchestrator seam the reasoner drives.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID uuid.UUID, req Request) (*Response, error)
}

// DeepReasoner decomposes a question into focused sub-queries, retrieves
// for each, and unions the evidence for a single synthesis pass.
type DeepReasoner struct {
	retriever Retriever
	llm       openai.Client
	log       *logger.Logger

	maxSubQueries int
	topKPerSub    int
}

func NewDeepReasoner(retriever Retriever, llm openai.Client, cfg config.DeepReasoningConfig, log *logger.Logger) *DeepReasoner {
	maxSub := cfg.MaxSubQueries
	if maxSub <= 0 {
		maxSub = 3
	}
	perSub := cfg.TopKPerSub
	if perSub <= 0 {
		perSub = 5
	}
	return &DeepReasoner{
		retriever:     retriever,
		llm:           llm,
		log:           log.With("service", "DeepReasoner"),
		maxSubQueries: maxSub,
		topKPerSub:    perSub,
	}
}

const decomposePrompt = `Break the user's question into 2 or 3 focused sub-questions that together cover it. One per line, numbered. Do not answer them.`

// Decompose returns the original query at position 0 followed by up to
// maxSubQueries-1 LLM sub-queries. Any failure collapses to [original].
func (d *DeepReasoner) Decompose(ctx context.Context, query string) []string {
	out := []string{query}
	if d.llm == nil {
		return out
	}

	text, err := d.llm.GenerateText(ctx, decomposePrompt, query)
	if err != nil {
		d.log.Warn("decomposition failed, using original query", "error", err)
		return out
	}

	for _, line := range strings.Split(text, "\n") {
		sub := parseSubQueryLine(line)
		if sub == "" || strings.EqualFold(sub, query) {
			continue
		}
		out = append(out, sub)
		if len(out) >= d.maxSubQueries {
			break
		}
	}
	return out
}

// parseSubQueryLine strips list prefixes like "1.", "2)", "-", "*".
func parseSubQueryLine(line string) string {
	s := strings.TrimSpace(line)
	if s == "" {
		return ""
	}
	for s != "" {
		r := s[0]
		if r >= '0' && r <= '9' || r == '.' || r == ')' || r == '-' || r == '*' || r == ' ' {
			s = s[1:]
			continue
		}
		break
	}
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return ""
	}
	return s
}

// Retrieve runs the deep pipeline: decompose, retrieve per sub-query, union
// with keep-first dedup, score-sorted and capped at twice the requested
// top_k. Returns the fused response and the sub-queries used.
func (d *DeepReasoner) Retrieve(ctx context.Context, tenantID uuid.UUID, req Request, emit ProgressEmitter) (*Response, []string, error) {
	if emit != nil {
		emit.ReasoningStep(StepDecompose, "Breaking the question into focused sub-queries")
	}
	subQueries := d.Decompose(ctx, req.Query)
	if emit != nil {
		for i, sq := range subQueries {
			emit.SubQuery(sq, i+1, len(subQueries))
		}
		emit.ReasoningStep(StepRetrieve, fmt.Sprintf("Retrieving evidence for %d sub-queries", len(subQueries)))
	}

	fused := &Response{Query: req.Query, Mode: req.Mode}
	seen := map[string]bool{}
	var union []domain.Hit
	failures := 0

	for _, sq := range subQueries {
		subReq := req
		subReq.Query = sq
		subReq.TopK = d.topKPerSub

		resp, err := d.retriever.Retrieve(ctx, tenantID, subReq)
		if err != nil {
			failures++
			d.log.Warn("sub-query retrieval failed", "sub_query", sq, "error", err)
			continue
		}
		for _, h := range resp.Results {
			if h.ChunkID == "" || seen[h.ChunkID] {
				continue
			}
			seen[h.ChunkID] = true
			union = append(union, h)
		}
		if resp.GraphEnhanced {
			fused.GraphEnhanced = true
			if fused.GraphContext == "" {
				fused.GraphContext = resp.GraphContext
			}
			fused.GraphReferences = mergeGraphReferences(fused.GraphReferences, resp.GraphReferences)
		}
	}
	if failures == len(subQueries) {
		return nil, subQueries, fmt.Errorf("deep retrieval: all %d sub-queries failed", len(subQueries))
	}

	sort.SliceStable(union, func(i, j int) bool { return union[i].Score > union[j].Score })
	limit := 2 * req.TopK
	if limit <= 0 {
		limit = 2 * defaultTopK
	}
	if len(union) > limit {
		union = union[:limit]
	}
	fused.Results = union
	fused.TotalResults = len(union)

	if emit != nil {
		emit.ReasoningStep(StepSynthesize, fmt.Sprintf("Synthesizing an answer from %d chunks", len(union)))
	}
	return fused, subQueries, nil
}

func mergeGraphReferences(into, add []domain.GraphReference) []domain.GraphReference {
	seen := map[string]bool{}
	for _, r := range into {
		seen[r.Name] = true
	}
	for _, r := range add {
		if r.Name == "" || seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		into = append(into, r)
	}
	return into
}
