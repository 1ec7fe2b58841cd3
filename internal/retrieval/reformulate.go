package retrieval

import (
	"context"
	"strings"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
)

// Reformulation methods. Expand is what the orchestrator uses; rephrase
// exists for the admin surface and experiments.
const (
	ReformExpand   = "expand"
	ReformRephrase = "rephrase"
)

const reformMaxQueryRunes = 1000

// ReformService rewrites queries before embedding so sparse phrasing still
// lands near the right chunks. Results are cached by (query, method) and
// every failure falls back to the original query: reformulation may never
// break retrieval.
type ReformService struct {
	llm   openai.Client
	cache *cache.Cache
	log   *logger.Logger
}

func NewReformulator(llm openai.Client, c *cache.Cache, log *logger.Logger) *ReformService {
	return &ReformService{
		llm:   llm,
		cache: c,
		log:   log.With("service", "Reformulator"),
	}
}

// Available reports whether reformulation can run at all.
func (r *ReformService) Available() bool {
	return r != nil && r.llm != nil
}

// Reformulate returns the rewritten query, or the original on any failure.
func (r *ReformService) Reformulate(ctx context.Context, query, method string) string {
	if !r.Available() {
		return query
	}
	trimmed := strings.TrimSpace(query)
	if trimmed == "" || len([]rune(trimmed)) > reformMaxQueryRunes {
		return query
	}
	if method != ReformExpand && method != ReformRephrase {
		method = ReformExpand
	}

	if cached, ok := r.cache.GetReformulation(ctx, trimmed, method); ok {
		return cached
	}

	out, err := r.llm.GenerateText(ctx, reformSystemPrompt(method), trimmed)
	if err != nil {
		r.log.Warn("reformulation failed, using original query", "method", method, "error", err)
		return query
	}
	out = sanitizeReformulation(out)
	if out == "" {
		return query
	}

	r.cache.SetReformulation(ctx, trimmed, method, out)
	return out
}

func reformSystemPrompt(method string) string {
	switch method {
	case ReformRephrase:
		return "Rewrite the user's search query as a single clear question. Reply with the rewritten query only."
	default:
		return "Expand the user's search query with synonyms and related terms that improve recall. Keep it one line, under 40 words. Reply with the expanded query only."
	}
}

// sanitizeReformulation strips quoting and prefixes chatty models add.
// Only the first line counts.
func sanitizeReformulation(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, "\"'`")
	for _, prefix := range []string{"Expanded query:", "Query:", "Rewritten query:"} {
		if strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix)) {
			s = strings.TrimSpace(s[len(prefix):])
		}
	}
	return strings.Trim(s, "\"'`")
}
