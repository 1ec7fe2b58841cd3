package retrieval

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/search"
)

const (
	graphScoreClamp = 0.70
	maxTopK         = 100
	defaultTopK     = 10
)

// Collaborator seams. Production wiring passes the concrete services; tests
// swap in fakes without a database or provider behind them.

type Searcher interface {
	Vector(ctx context.Context, queryVec []float32, p search.Params) ([]domain.Hit, error)
	Keyword(ctx context.Context, query string, p search.Params) ([]domain.Hit, error)
	Hybrid(ctx context.Context, query string, queryVec []float32, p search.Params) ([]domain.Hit, error)
	Hierarchical(ctx context.Context, mode string, query string, queryVec []float32, p search.Params) ([]domain.Hit, error)
	ChunkRange(ctx context.Context, tenantID uuid.UUID, documentID string, fromIndex, toIndex int) ([]domain.Hit, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, hits []domain.Hit, topK int) []domain.Hit
	IsAvailable() bool
}

type GraphQuerier interface {
	Enabled() bool
	Query(ctx context.Context, tenantID, collectionID uuid.UUID, query, mode string) (*domain.GraphContext, error)
}

type QueryReformulator interface {
	Available() bool
	Reformulate(ctx context.Context, query, method string) string
}

// Request carries one retrieval call. Boolean flags arrive resolved: the
// transport layer applies the documented defaults before calling Retrieve.
type Request struct {
	Query          string
	Mode           string
	TopK           int
	CollectionID   *uuid.UUID
	DocumentType   string
	MetadataFilter map[string]string

	Rerank        bool
	EnableGraph   bool
	Hierarchical  bool
	ExpandContext bool
}

type Response struct {
	Results         []domain.Hit            `json:"results"`
	Query           string                  `json:"query"`
	Mode            string                  `json:"mode"`
	TotalResults    int                     `json:"total_results"`
	GraphEnhanced   bool                    `json:"graph_enhanced"`
	GraphContext    string                  `json:"graph_context,omitempty"`
	GraphReferences []domain.GraphReference `json:"graph_references,omitempty"`

	// Trace carries per-step timings for logs and the chat layer. Not part
	// of the wire response.
	Trace map[string]any `json:"-"`
}

// cachedPayload is the tagged cache shape. Legacy entries are a bare hit
// list; decodeCached accepts both.
type cachedPayload struct {
	Results         []domain.Hit            `json:"results"`
	GraphEnhanced   bool                    `json:"graph_enhanced"`
	GraphContext    string                  `json:"graph_context,omitempty"`
	GraphReferences []domain.GraphReference `json:"graph_references,omitempty"`
}

// cacheParams is the canonical parameter set digested into the search cache
// key. Field order does not matter; CanonicalJSON sorts keys.
type cacheParams struct {
	TenantID       string            `json:"tenant_id"`
	Mode           string            `json:"mode"`
	TopK           int               `json:"top_k"`
	CollectionID   string            `json:"collection_id,omitempty"`
	DocumentType   string            `json:"document_type,omitempty"`
	MetadataFilter map[string]string `json:"metadata_filter,omitempty"`
	Rerank         bool              `json:"rerank"`
	EnableGraph    bool              `json:"enable_graph"`
	Hierarchical   bool              `json:"hierarchical"`
	ExpandContext  bool              `json:"expand_context"`
}

// Service runs the retrieval pipeline: cache, reformulation, embedding,
// base and graph search, fusion, rerank, context expansion, cache write.
type Service struct {
	searcher Searcher
	embedder Embedder
	reranker Reranker
	graph    GraphQuerier
	reform   QueryReformulator
	cache    *cache.Cache
	expander *Expander
	log      *logger.Logger

	graphMode string
}

func New(searcher Searcher, embedder Embedder, reranker Reranker, graphQ GraphQuerier, reform QueryReformulator, c *cache.Cache, cfg *config.Config, log *logger.Logger) *Service {
	graphMode := "hybrid"
	if cfg != nil && strings.TrimSpace(cfg.Graph.DefaultMode) != "" {
		graphMode = cfg.Graph.DefaultMode
	}
	var window ContextWindowConfig
	if cfg != nil {
		window = ContextWindowConfig{Before: cfg.Ctx.WindowBefore, After: cfg.Ctx.WindowAfter}
	}
	return &Service{
		searcher:  searcher,
		embedder:  embedder,
		reranker:  reranker,
		graph:     graphQ,
		reform:    reform,
		cache:     c,
		expander:  NewExpander(searcher, window, log),
		log:       log.With("service", "RetrievalService"),
		graphMode: graphMode,
	}
}

// Retrieve executes the pipeline for one tenant-scoped query.
func (s *Service) Retrieve(ctx context.Context, tenantID uuid.UUID, req Request) (*Response, error) {
	started := time.Now()
	trace := map[string]any{}

	if err := s.validate(tenantID, &req); err != nil {
		observability.Current().ObserveRetrieval(req.Mode, "bad_request", time.Since(started), 0)
		return nil, err
	}

	key := s.cacheKey(tenantID, req)

	// 1. Cache read keyed on the original query.
	if key != "" {
		stepStart := time.Now()
		if resp, ok := s.readCache(ctx, key, req); ok {
			trace["cache_ms"] = time.Since(stepStart).Milliseconds()
			trace["cache_hit"] = true
			trace["retrieval_latency_ms"] = time.Since(started).Milliseconds()
			resp.Trace = trace
			s.logDone(req, resp, trace)
			observability.Current().ObserveRetrieval(req.Mode, "cache_hit", time.Since(started), len(resp.Results))
			return resp, nil
		}
		trace["cache_ms"] = time.Since(stepStart).Milliseconds()
	}

	// 2. Reformulate. The original query stays authoritative for the cache
	// key and the reranker.
	searchQuery := req.Query
	if s.reform != nil && s.reform.Available() {
		stepStart := time.Now()
		searchQuery = s.reform.Reformulate(ctx, req.Query, ReformExpand)
		trace["reformulate_ms"] = time.Since(stepStart).Milliseconds()
		trace["reformulated"] = searchQuery != req.Query
	}

	// 3. Embed when the mode needs a vector.
	var queryVec []float32
	if s.needsVector(req) {
		stepStart := time.Now()
		vec, err := s.embedder.Embed(ctx, searchQuery)
		if err != nil {
			observability.Current().ObserveRetrieval(req.Mode, "error", time.Since(started), 0)
			return nil, err
		}
		queryVec = vec
		trace["embed_ms"] = time.Since(stepStart).Milliseconds()
	}

	resp := &Response{Query: req.Query, Mode: req.Mode}

	// 4. Branch: graph only, base plus graph, or base only.
	var (
		baseHits []domain.Hit
		graphCtx *domain.GraphContext
	)
	switch {
	case req.Mode == domain.ModeGraph:
		stepStart := time.Now()
		gc, err := s.graphQuery(ctx, tenantID, req, searchQuery)
		trace["graph_ms"] = time.Since(stepStart).Milliseconds()
		if err != nil {
			observability.Current().ObserveRetrieval(req.Mode, "error", time.Since(started), 0)
			return nil, err
		}
		graphCtx = gc
		baseHits = markGraphSourced(gc.Chunks)
		resp.GraphEnhanced = true

	case req.EnableGraph && s.graph != nil && s.graph.Enabled():
		g, gctx := errgroup.WithContext(ctx)
		var graphErr error
		var baseMs, graphMs int64
		legsStart := time.Now()
		g.Go(func() error {
			hits, err := s.baseSearch(gctx, tenantID, req, searchQuery, queryVec)
			baseMs = time.Since(legsStart).Milliseconds()
			if err != nil {
				return err
			}
			baseHits = hits
			return nil
		})
		g.Go(func() error {
			gc, err := s.graphQuery(gctx, tenantID, req, searchQuery)
			graphMs = time.Since(legsStart).Milliseconds()
			if err != nil {
				// Graph augmentation is best-effort; base results stand alone.
				graphErr = err
				return nil
			}
			graphCtx = gc
			return nil
		})
		if err := g.Wait(); err != nil {
			observability.Current().ObserveRetrieval(req.Mode, "error", time.Since(started), 0)
			return nil, err
		}
		trace["base_ms"] = baseMs
		trace["graph_ms"] = graphMs
		if graphErr != nil {
			s.log.Warn("graph augmentation failed, returning base hits",
				"tenant_id", tenantID.String(), "error", graphErr)
		}

	default:
		stepStart := time.Now()
		hits, err := s.baseSearch(ctx, tenantID, req, searchQuery, queryVec)
		if err != nil {
			observability.Current().ObserveRetrieval(req.Mode, "error", time.Since(started), 0)
			return nil, err
		}
		baseHits = hits
		trace["base_ms"] = time.Since(stepStart).Milliseconds()
	}

	// 6. Graph fusion when augmenting a base mode.
	hits := baseHits
	if req.Mode != domain.ModeGraph && graphCtx != nil {
		hits = fuseGraphChunks(baseHits, graphCtx.Chunks)
		resp.GraphEnhanced = true
	}
	if graphCtx != nil {
		resp.GraphContext = graphCtx.Narrative
		resp.GraphReferences = graphCtx.References
	}

	// 7. Rerank against the original query, then cap at top_k.
	if req.Rerank && s.reranker != nil && s.reranker.IsAvailable() && len(hits) > 0 {
		stepStart := time.Now()
		hits = s.reranker.Rerank(ctx, req.Query, hits, req.TopK)
		trace["rerank_ms"] = time.Since(stepStart).Milliseconds()
	}
	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}

	// 8. Context expansion.
	if req.ExpandContext && len(hits) > 0 {
		stepStart := time.Now()
		hits = s.expander.Expand(ctx, tenantID, hits)
		trace["expand_ms"] = time.Since(stepStart).Milliseconds()
	}

	resp.Results = hits
	resp.TotalResults = len(hits)

	// 9. Cache write, best-effort.
	if key != "" {
		s.cache.SetSearch(ctx, key, cachedPayload{
			Results:         resp.Results,
			GraphEnhanced:   resp.GraphEnhanced,
			GraphContext:    resp.GraphContext,
			GraphReferences: resp.GraphReferences,
		})
	}

	trace["retrieval_latency_ms"] = time.Since(started).Milliseconds()
	resp.Trace = trace
	s.logDone(req, resp, trace)
	observability.Current().ObserveRetrieval(req.Mode, "ok", time.Since(started), len(resp.Results))
	return resp, nil
}

func (s *Service) validate(tenantID uuid.UUID, req *Request) error {
	if tenantID == uuid.Nil {
		return apierr.Newf(apierr.KindUnauthorized, "missing_tenant", "request has no tenant scope")
	}
	if strings.TrimSpace(req.Query) == "" {
		return apierr.Newf(apierr.KindBadRequest, "empty_query", "query must not be empty")
	}
	if req.Mode == "" {
		req.Mode = domain.ModeHybrid
	}
	if !domain.ValidMode(req.Mode) {
		return apierr.Newf(apierr.KindBadRequest, "invalid_mode", "mode %q is not one of semantic|keyword|hybrid|graph", req.Mode)
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	if req.TopK > maxTopK {
		return apierr.Newf(apierr.KindBadRequest, "top_k_out_of_range", "top_k %d exceeds the maximum of %d", req.TopK, maxTopK)
	}
	if err := search.ValidateMetadataFilter(req.MetadataFilter); err != nil {
		return err
	}
	if req.Mode == domain.ModeGraph && (s.graph == nil || !s.graph.Enabled()) {
		return apierr.Newf(apierr.KindBadRequest, "graph_disabled", "graph mode requested but graph features are disabled")
	}
	return nil
}

func (s *Service) needsVector(req Request) bool {
	if req.Mode == domain.ModeSemantic || req.Mode == domain.ModeHybrid {
		return true
	}
	// Hierarchical tier 1 ranks documents by vector regardless of the
	// chunk mode.
	return req.Hierarchical && req.Mode != domain.ModeGraph
}

func (s *Service) cacheKey(tenantID uuid.UUID, req Request) string {
	if s.cache == nil || !s.cache.Enabled() {
		return ""
	}
	params := cacheParams{
		TenantID:       tenantID.String(),
		Mode:           req.Mode,
		TopK:           req.TopK,
		DocumentType:   req.DocumentType,
		MetadataFilter: req.MetadataFilter,
		Rerank:         req.Rerank,
		EnableGraph:    req.EnableGraph,
		Hierarchical:   req.Hierarchical,
		ExpandContext:  req.ExpandContext,
	}
	if req.CollectionID != nil {
		params.CollectionID = req.CollectionID.String()
	}
	key, err := cache.SearchKey(tenantID.String(), req.Query, params)
	if err != nil {
		s.log.Warn("search cache key derivation failed", "error", err)
		return ""
	}
	return key
}

// readCache decodes a cached response. Both payload shapes are accepted;
// anything else counts as corruption and evicts the entry.
func (s *Service) readCache(ctx context.Context, key string, req Request) (*Response, bool) {
	raw, ok := s.cache.GetSearch(ctx, key)
	if !ok {
		return nil, false
	}
	payload, ok := decodeCached(raw)
	if !ok {
		s.log.Warn("corrupted search cache entry evicted", "key", key)
		s.cache.Evict(ctx, key)
		return nil, false
	}
	return &Response{
		Results:         payload.Results,
		Query:           req.Query,
		Mode:            req.Mode,
		TotalResults:    len(payload.Results),
		GraphEnhanced:   payload.GraphEnhanced,
		GraphContext:    payload.GraphContext,
		GraphReferences: payload.GraphReferences,
	}, true
}

func decodeCached(raw []byte) (*cachedPayload, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, false
	}
	switch trimmed[0] {
	case '{':
		var payload cachedPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, false
		}
		return &payload, true
	case '[':
		// Legacy entries predate graph fusion: a bare hit list.
		var hits []domain.Hit
		if err := json.Unmarshal(raw, &hits); err != nil {
			return nil, false
		}
		return &cachedPayload{Results: hits}, true
	}
	return nil, false
}

// baseSearch dispatches to the requested base mode, hierarchical when asked.
func (s *Service) baseSearch(ctx context.Context, tenantID uuid.UUID, req Request, query string, queryVec []float32) ([]domain.Hit, error) {
	p := search.Params{
		TenantID:       tenantID,
		CollectionID:   req.CollectionID,
		DocumentType:   req.DocumentType,
		MetadataFilter: req.MetadataFilter,
		TopK:           req.TopK,
	}
	if req.Hierarchical {
		return s.searcher.Hierarchical(ctx, req.Mode, query, queryVec, p)
	}
	switch req.Mode {
	case domain.ModeSemantic:
		return s.searcher.Vector(ctx, queryVec, p)
	case domain.ModeKeyword:
		return s.searcher.Keyword(ctx, query, p)
	default:
		return s.searcher.Hybrid(ctx, query, queryVec, p)
	}
}

func (s *Service) graphQuery(ctx context.Context, tenantID uuid.UUID, req Request, query string) (*domain.GraphContext, error) {
	if req.CollectionID == nil {
		return nil, apierr.Newf(apierr.KindBadRequest, "missing_collection", "graph queries require a collection_id")
	}
	return s.graph.Query(ctx, tenantID, *req.CollectionID, query, s.graphMode)
}

// fuseGraphChunks appends graph chunks that base search did not already
// return. Base order is preserved; appended scores are clamped so graph
// material cannot outrank direct hits without the reranker's say.
func fuseGraphChunks(base []domain.Hit, graphChunks []domain.Hit) []domain.Hit {
	if len(graphChunks) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	for _, h := range base {
		seen[h.ChunkID] = true
	}
	out := base
	for _, ch := range graphChunks {
		if ch.ChunkID == "" || seen[ch.ChunkID] {
			continue
		}
		seen[ch.ChunkID] = true
		if ch.Score > graphScoreClamp {
			ch.Score = graphScoreClamp
		}
		ch.Metadata = withGraphSourced(ch.Metadata)
		out = append(out, ch)
	}
	return out
}

func markGraphSourced(chunks []domain.Hit) []domain.Hit {
	out := make([]domain.Hit, len(chunks))
	for i, ch := range chunks {
		ch.Metadata = withGraphSourced(ch.Metadata)
		out[i] = ch
	}
	return out
}

func withGraphSourced(meta map[string]any) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["graph_sourced"] = true
	return meta
}

func (s *Service) logDone(req Request, resp *Response, trace map[string]any) {
	s.log.Info("retrieval complete",
		"mode", req.Mode,
		"top_k", req.TopK,
		"results", resp.TotalResults,
		"graph_enhanced", resp.GraphEnhanced,
		"trace", trace)
}
