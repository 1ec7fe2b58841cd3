package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
)

func newDeep(t *testing.T, llm *fakeLLM, retriever Retriever) *DeepReasoner {
	t.Helper()
	return NewDeepReasoner(retriever, llm, config.DeepReasoningConfig{MaxSubQueries: 3, TopKPerSub: 5}, testLogger(t))
}

func TestDecomposeParsesNumberedLines(t *testing.T) {
	llm := &fakeLLM{text: "1. What are the parts of a RAG pipeline?\n2) How does reranking improve results?\n3. A third that exceeds the cap"}
	d := newDeep(t, llm, &fakeRetriever{})

	subs := d.Decompose(context.Background(), "how does RAG work end to end")
	if len(subs) != 3 {
		t.Fatalf("got %d sub-queries: %v", len(subs), subs)
	}
	if subs[0] != "how does RAG work end to end" {
		t.Fatalf("original query must stay at position 0, got %q", subs[0])
	}
	if subs[1] != "What are the parts of a RAG pipeline?" {
		t.Fatalf("sub 1 = %q", subs[1])
	}
	if subs[2] != "How does reranking improve results?" {
		t.Fatalf("sub 2 = %q", subs[2])
	}
}

func TestParseSubQueryLine(t *testing.T) {
	if got := parseSubQueryLine("2) How does caching work here?"); got != "How does caching work here?" {
		t.Fatalf("parsed %q", got)
	}
	if got := parseSubQueryLine("- nope"); got != "" {
		t.Fatalf("short line accepted: %q", got)
	}
	if got := parseSubQueryLine("   "); got != "" {
		t.Fatalf("blank line accepted: %q", got)
	}
}

func TestDecomposeFallsBackToOriginal(t *testing.T) {
	llm := &fakeLLM{err: errors.New("provider down")}
	d := newDeep(t, llm, &fakeRetriever{})

	subs := d.Decompose(context.Background(), "the question")
	if len(subs) != 1 || subs[0] != "the question" {
		t.Fatalf("fallback = %v", subs)
	}

	// Unparseable output behaves the same way.
	d = newDeep(t, &fakeLLM{text: "??\n!!"}, &fakeRetriever{})
	subs = d.Decompose(context.Background(), "the question")
	if len(subs) != 1 {
		t.Fatalf("unparseable output produced %v", subs)
	}
}

func TestDeepRetrieveDedupsAndCaps(t *testing.T) {
	llm := &fakeLLM{text: "1. first focused sub-question\n2. second focused sub-question"}
	retriever := &fakeRetriever{byQuery: map[string]*Response{
		"union me please": {Results: []domain.Hit{
			{ChunkID: "a", Score: 0.9},
			{ChunkID: "b", Score: 0.5},
		}},
		"first focused sub-question": {Results: []domain.Hit{
			{ChunkID: "b", Score: 0.99},
			{ChunkID: "c", Score: 0.8},
		}},
		"second focused sub-question": {Results: []domain.Hit{
			{ChunkID: "d", Score: 0.7},
		}},
	}}
	d := newDeep(t, llm, retriever)
	rec := &progressRecorder{}

	resp, subs, err := d.Retrieve(context.Background(), uuid.New(), Request{
		Query: "union me please",
		Mode:  domain.ModeHybrid,
		TopK:  10,
	}, rec)
	if err != nil {
		t.Fatalf("deep retrieve: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("sub-queries = %v", subs)
	}
	if len(retriever.calls) != 3 {
		t.Fatalf("retrieval calls = %d, want one per sub-query", len(retriever.calls))
	}
	for _, call := range retriever.calls {
		if call.TopK != 5 {
			t.Fatalf("sub-query top_k = %d, want top_k_per_sub", call.TopK)
		}
	}

	// b appears in two sub-results; the first occurrence (score 0.5) wins.
	seen := map[string]float64{}
	for _, h := range resp.Results {
		if _, dup := seen[h.ChunkID]; dup {
			t.Fatalf("chunk %s duplicated", h.ChunkID)
		}
		seen[h.ChunkID] = h.Score
	}
	if seen["b"] != 0.5 {
		t.Fatalf("dedup kept score %v for b, want first occurrence 0.5", seen["b"])
	}
	if len(resp.Results) != 4 {
		t.Fatalf("union size = %d", len(resp.Results))
	}
	if resp.Results[0].ChunkID != "a" {
		t.Fatalf("union must sort by score desc, got %+v", resp.Results[0])
	}

	wantEvents := []string{
		"reasoning_step(1)",
		"sub_query(1)",
		"sub_query(2)",
		"sub_query(3)",
		"reasoning_step(2)",
		"reasoning_step(3)",
	}
	if len(rec.events) != len(wantEvents) {
		t.Fatalf("events = %v", rec.events)
	}
	for i, want := range wantEvents {
		if rec.events[i] != want {
			t.Fatalf("event %d = %s, want %s", i, rec.events[i], want)
		}
	}
}

func TestDeepRetrieveCapsUnionAtTwiceTopK(t *testing.T) {
	hits := make([]domain.Hit, 0, 12)
	for i := 0; i < 12; i++ {
		hits = append(hits, domain.Hit{ChunkID: uuid.New().String(), Score: float64(i)})
	}
	retriever := &fakeRetriever{byQuery: map[string]*Response{
		"wide question": {Results: hits},
	}}
	d := newDeep(t, &fakeLLM{err: errors.New("no decompose")}, retriever)

	resp, _, err := d.Retrieve(context.Background(), uuid.New(), Request{
		Query: "wide question",
		Mode:  domain.ModeHybrid,
		TopK:  4,
	}, nil)
	if err != nil {
		t.Fatalf("deep retrieve: %v", err)
	}
	if len(resp.Results) != 8 {
		t.Fatalf("capped union = %d, want 2*top_k = 8", len(resp.Results))
	}
}

func TestDeepRetrieveFailsOnlyWhenAllSubQueriesFail(t *testing.T) {
	d := newDeep(t, &fakeLLM{err: errors.New("down")}, &fakeRetriever{err: errors.New("search down")})
	if _, _, err := d.Retrieve(context.Background(), uuid.New(), Request{Query: "q", Mode: domain.ModeHybrid, TopK: 5}, nil); err == nil {
		t.Fatal("expected error when every sub-query fails")
	}
}
