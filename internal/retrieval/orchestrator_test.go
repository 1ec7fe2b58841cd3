package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Ctx:   config.ContextConfig{WindowBefore: 1, WindowAfter: 2},
		Graph: config.GraphConfig{DefaultMode: "hybrid"},
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	log := testLogger(t)
	c, err := cache.New(config.CacheConfig{
		Enabled:      true,
		RedisAddr:    s.Addr(),
		EmbeddingTTL: config.Duration{Duration: time.Hour},
		SearchTTL:    config.Duration{Duration: time.Hour},
		ReformTTL:    config.Duration{Duration: time.Hour},
	}, log)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRetrieveCacheHitShortCircuits(t *testing.T) {
	c := testCache(t)
	searcher := &fakeSearcher{}
	embedder := &fakeEmbedder{}
	graphQ := &fakeGraph{enabled: true}
	svc := New(searcher, embedder, &fakeReranker{}, graphQ, nil, c, testConfig(), testLogger(t))

	tenant := uuid.New()
	req := Request{
		Query:       "what is RAG",
		Mode:        domain.ModeHybrid,
		TopK:        5,
		Rerank:      true,
		EnableGraph: false,
	}

	key := svc.cacheKey(tenant, req)
	if key == "" {
		t.Fatal("expected a cache key")
	}
	c.SetSearch(context.Background(), key, cachedPayload{
		Results:       []domain.Hit{{ChunkID: "c1", Score: 0.9, Content: "cached"}},
		GraphEnhanced: false,
	})

	resp, err := svc.Retrieve(context.Background(), tenant, req)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if resp.TotalResults != 1 || resp.Results[0].ChunkID != "c1" {
		t.Fatalf("resp = %+v", resp)
	}
	if embedder.callCount() != 0 {
		t.Fatalf("embedder was called %d times on a cache hit", embedder.callCount())
	}
	if searcher.totalSearchCalls() != 0 {
		t.Fatalf("searcher was called %d times on a cache hit", searcher.totalSearchCalls())
	}
	if graphQ.callCount() != 0 {
		t.Fatalf("graph was called %d times on a cache hit", graphQ.callCount())
	}
	if hit, ok := resp.Trace["cache_hit"].(bool); !ok || !hit {
		t.Fatalf("trace missing cache_hit: %v", resp.Trace)
	}
}

func TestRetrieveLegacyCachePayload(t *testing.T) {
	c := testCache(t)
	svc := New(&fakeSearcher{}, &fakeEmbedder{}, &fakeReranker{}, &fakeGraph{}, nil, c, testConfig(), testLogger(t))

	tenant := uuid.New()
	req := Request{Query: "legacy shape", Mode: domain.ModeKeyword, TopK: 3}

	key := svc.cacheKey(tenant, req)
	c.SetSearch(context.Background(), key, []domain.Hit{{ChunkID: "old-1", Score: 0.5}})

	resp, err := svc.Retrieve(context.Background(), tenant, req)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if resp.TotalResults != 1 || resp.Results[0].ChunkID != "old-1" {
		t.Fatalf("legacy payload not honored: %+v", resp)
	}
	if resp.GraphEnhanced {
		t.Fatal("legacy payloads never carry graph enhancement")
	}
}

func TestRetrieveCorruptedCacheEntryEvictsAndContinues(t *testing.T) {
	c := testCache(t)
	searcher := &fakeSearcher{hits: []domain.Hit{{ChunkID: "fresh", Score: 0.8}}}
	svc := New(searcher, &fakeEmbedder{}, &fakeReranker{}, &fakeGraph{}, nil, c, testConfig(), testLogger(t))

	tenant := uuid.New()
	req := Request{Query: "broken entry", Mode: domain.ModeKeyword, TopK: 3}

	key := svc.cacheKey(tenant, req)
	c.SetSearch(context.Background(), key, "not json at all")

	resp, err := svc.Retrieve(context.Background(), tenant, req)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if resp.TotalResults != 1 || resp.Results[0].ChunkID != "fresh" {
		t.Fatalf("pipeline did not continue past corruption: %+v", resp)
	}
	if _, found := c.GetSearch(context.Background(), key); found {
		// The write-back at step 9 may repopulate the key; decode must work.
		raw, _ := c.GetSearch(context.Background(), key)
		if _, ok := decodeCached(raw); !ok {
			t.Fatal("corrupted entry survived eviction")
		}
	}
}

func TestRetrieveGraphFusionClampsAndDedups(t *testing.T) {
	base := []domain.Hit{{ChunkID: "X", Score: 0.8, Content: "base"}}
	graphChunks := []domain.Hit{
		{ChunkID: "X", Score: 0.95, Content: "graph dup"},
		{ChunkID: "Y", Score: 0.92, Content: "graph new"},
	}
	searcher := &fakeSearcher{hits: base}
	graphQ := &fakeGraph{enabled: true, gc: &domain.GraphContext{
		Narrative: "how X relates to Y",
		Chunks:    graphChunks,
		References: []domain.GraphReference{
			{Name: "X", Description: "entity"},
		},
	}}
	svc := New(searcher, &fakeEmbedder{}, &fakeReranker{}, graphQ, nil, nil, testConfig(), testLogger(t))

	tenant := uuid.New()
	collection := uuid.New()
	resp, err := svc.Retrieve(context.Background(), tenant, Request{
		Query:        "fusion",
		Mode:         domain.ModeHybrid,
		TopK:         10,
		CollectionID: &collection,
		EnableGraph:  true,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if resp.Results[0].ChunkID != "X" || resp.Results[0].Score != 0.8 {
		t.Fatalf("base hit changed: %+v", resp.Results[0])
	}
	if resp.Results[0].GraphSourced() {
		t.Fatal("base hit must not be marked graph_sourced")
	}
	y := resp.Results[1]
	if y.ChunkID != "Y" || y.Score != 0.70 {
		t.Fatalf("graph hit = %+v, want Y clamped to 0.70", y)
	}
	if !y.GraphSourced() {
		t.Fatal("appended graph hit must carry graph_sourced metadata")
	}
	if !resp.GraphEnhanced || resp.GraphContext == "" || len(resp.GraphReferences) != 1 {
		t.Fatalf("graph context missing: %+v", resp)
	}
}

func TestRetrieveGraphFailureIsSwallowedWhenAugmenting(t *testing.T) {
	searcher := &fakeSearcher{hits: []domain.Hit{{ChunkID: "A", Score: 0.6}}}
	graphQ := &fakeGraph{enabled: true, err: errors.New("neo4j down")}
	svc := New(searcher, &fakeEmbedder{}, &fakeReranker{}, graphQ, nil, nil, testConfig(), testLogger(t))

	collection := uuid.New()
	resp, err := svc.Retrieve(context.Background(), uuid.New(), Request{
		Query:        "resilient",
		Mode:         domain.ModeHybrid,
		TopK:         5,
		CollectionID: &collection,
		EnableGraph:  true,
	})
	if err != nil {
		t.Fatalf("graph failure should not fail the request: %v", err)
	}
	if resp.GraphEnhanced {
		t.Fatal("failed graph query must not mark the response enhanced")
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != "A" {
		t.Fatalf("base hits lost: %+v", resp.Results)
	}
}

func TestRetrieveGraphModeRequiresGraph(t *testing.T) {
	svc := New(&fakeSearcher{}, &fakeEmbedder{}, &fakeReranker{}, &fakeGraph{enabled: false}, nil, nil, testConfig(), testLogger(t))

	_, err := svc.Retrieve(context.Background(), uuid.New(), Request{
		Query: "graph only",
		Mode:  domain.ModeGraph,
		TopK:  5,
	})
	if err == nil {
		t.Fatal("graph mode with graph disabled must fail")
	}
	if apierr.KindOf(err) != apierr.KindBadRequest {
		t.Fatalf("kind = %s, want bad_request", apierr.KindOf(err))
	}
}

func TestRetrieveGraphModeMarksAllHits(t *testing.T) {
	graphQ := &fakeGraph{enabled: true, gc: &domain.GraphContext{
		Narrative: "narrative",
		Chunks: []domain.Hit{
			{ChunkID: "g1", Score: 0.9},
			{ChunkID: "g2", Score: 0.4},
		},
	}}
	svc := New(&fakeSearcher{}, &fakeEmbedder{}, &fakeReranker{}, graphQ, nil, nil, testConfig(), testLogger(t))

	collection := uuid.New()
	resp, err := svc.Retrieve(context.Background(), uuid.New(), Request{
		Query:        "pure graph",
		Mode:         domain.ModeGraph,
		TopK:         5,
		CollectionID: &collection,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !resp.GraphEnhanced {
		t.Fatal("graph mode responses are graph enhanced")
	}
	for _, h := range resp.Results {
		if !h.GraphSourced() {
			t.Fatalf("hit %s missing graph_sourced", h.ChunkID)
		}
	}
}

func TestRetrieveRerankUsesOriginalQuery(t *testing.T) {
	searcher := &fakeSearcher{hits: []domain.Hit{
		{ChunkID: "a", Score: 0.5},
		{ChunkID: "b", Score: 0.4},
	}}
	rr := &fakeReranker{available: true, scoreOrder: []string{"b", "a"}}
	reform := &fakeReform{out: "expanded version of the query"}
	svc := New(searcher, &fakeEmbedder{}, rr, &fakeGraph{}, reform, nil, testConfig(), testLogger(t))

	resp, err := svc.Retrieve(context.Background(), uuid.New(), Request{
		Query:  "original question",
		Mode:   domain.ModeHybrid,
		TopK:   2,
		Rerank: true,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if rr.calls != 1 {
		t.Fatalf("reranker calls = %d", rr.calls)
	}
	if rr.lastQuery != "original question" {
		t.Fatalf("reranker saw %q, want the original query", rr.lastQuery)
	}
	if resp.Results[0].ChunkID != "b" {
		t.Fatalf("rerank order not applied: %+v", resp.Results)
	}
	if reform.calls != 1 {
		t.Fatalf("reformulator calls = %d", reform.calls)
	}
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	hits := make([]domain.Hit, 0, 8)
	for i := 0; i < 8; i++ {
		hits = append(hits, domain.Hit{ChunkID: string(rune('a' + i)), Score: 0.9})
	}
	searcher := &fakeSearcher{hits: hits}
	svc := New(searcher, &fakeEmbedder{}, &fakeReranker{}, &fakeGraph{}, nil, nil, testConfig(), testLogger(t))

	resp, err := svc.Retrieve(context.Background(), uuid.New(), Request{
		Query: "many hits",
		Mode:  domain.ModeKeyword,
		TopK:  3,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("|results| = %d, want top_k=3", len(resp.Results))
	}
}

func TestRetrieveValidation(t *testing.T) {
	svc := New(&fakeSearcher{}, &fakeEmbedder{}, &fakeReranker{}, &fakeGraph{}, nil, nil, testConfig(), testLogger(t))

	if _, err := svc.Retrieve(context.Background(), uuid.Nil, Request{Query: "q", Mode: domain.ModeKeyword}); apierr.KindOf(err) != apierr.KindUnauthorized {
		t.Fatalf("nil tenant: kind = %s", apierr.KindOf(err))
	}
	if _, err := svc.Retrieve(context.Background(), uuid.New(), Request{Query: "  ", Mode: domain.ModeKeyword}); apierr.KindOf(err) != apierr.KindBadRequest {
		t.Fatalf("empty query: kind = %s", apierr.KindOf(err))
	}
	if _, err := svc.Retrieve(context.Background(), uuid.New(), Request{Query: "q", Mode: "telepathy"}); apierr.KindOf(err) != apierr.KindBadRequest {
		t.Fatalf("bad mode: kind = %s", apierr.KindOf(err))
	}
	if _, err := svc.Retrieve(context.Background(), uuid.New(), Request{Query: "q", Mode: domain.ModeKeyword, TopK: 500}); apierr.KindOf(err) != apierr.KindBadRequest {
		t.Fatalf("top_k too large: kind = %s", apierr.KindOf(err))
	}
}

func TestRetrieveHierarchicalDispatch(t *testing.T) {
	searcher := &fakeSearcher{hits: []domain.Hit{{ChunkID: "h1", Score: 0.7}}}
	svc := New(searcher, &fakeEmbedder{}, &fakeReranker{}, &fakeGraph{}, nil, nil, testConfig(), testLogger(t))

	_, err := svc.Retrieve(context.Background(), uuid.New(), Request{
		Query:        "layered",
		Mode:         domain.ModeKeyword,
		TopK:         5,
		Hierarchical: true,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if searcher.hierCalls != 1 || searcher.keywordCalls != 0 {
		t.Fatalf("dispatch: hier=%d keyword=%d", searcher.hierCalls, searcher.keywordCalls)
	}
}

func TestDecodeCachedShapes(t *testing.T) {
	if _, ok := decodeCached([]byte(`{"results":[{"chunk_id":"a"}],"graph_enhanced":true}`)); !ok {
		t.Fatal("tagged shape rejected")
	}
	if p, ok := decodeCached([]byte(`[{"chunk_id":"a","score":1}]`)); !ok || len(p.Results) != 1 {
		t.Fatal("legacy shape rejected")
	}
	if _, ok := decodeCached([]byte(`"just a string"`)); ok {
		t.Fatal("scalar accepted")
	}
	if _, ok := decodeCached([]byte(`{"results": [`)); ok {
		t.Fatal("truncated json accepted")
	}
	if _, ok := decodeCached(nil); ok {
		t.Fatal("empty payload accepted")
	}
}
