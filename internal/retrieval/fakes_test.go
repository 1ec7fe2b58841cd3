package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
	"github.com/yungbote/ragbridge-backend/internal/search"
)

type fakeSearcher struct {
	mu sync.Mutex

	hits      []domain.Hit
	rangeHits map[string][]domain.Hit
	err       error

	vectorCalls  int
	keywordCalls int
	hybridCalls  int
	hierCalls    int
	rangeCalls   int
}

func (f *fakeSearcher) totalSearchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vectorCalls + f.keywordCalls + f.hybridCalls + f.hierCalls
}

func (f *fakeSearcher) Vector(_ context.Context, _ []float32, _ search.Params) ([]domain.Hit, error) {
	f.mu.Lock()
	f.vectorCalls++
	f.mu.Unlock()
	return f.hits, f.err
}

func (f *fakeSearcher) Keyword(_ context.Context, _ string, _ search.Params) ([]domain.Hit, error) {
	f.mu.Lock()
	f.keywordCalls++
	f.mu.Unlock()
	return f.hits, f.err
}

func (f *fakeSearcher) Hybrid(_ context.Context, _ string, _ []float32, _ search.Params) ([]domain.Hit, error) {
	f.mu.Lock()
	f.hybridCalls++
	f.mu.Unlock()
	return f.hits, f.err
}

func (f *fakeSearcher) Hierarchical(_ context.Context, _ string, _ string, _ []float32, _ search.Params) ([]domain.Hit, error) {
	f.mu.Lock()
	f.hierCalls++
	f.mu.Unlock()
	return f.hits, f.err
}

func (f *fakeSearcher) ChunkRange(_ context.Context, _ uuid.UUID, documentID string, fromIndex, toIndex int) ([]domain.Hit, error) {
	f.mu.Lock()
	f.rangeCalls++
	f.mu.Unlock()
	var out []domain.Hit
	for _, h := range f.rangeHits[documentID] {
		if h.ChunkIndex >= fromIndex && h.ChunkIndex <= toIndex {
			out = append(out, h)
		}
	}
	return out, f.err
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	vec   []float32
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.vec == nil {
		return []float32{0.1, 0.2, 0.3}, nil
	}
	return f.vec, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReranker struct {
	available  bool
	calls      int
	lastQuery  string
	lastTopK   int
	scoreOrder []string
}

func (f *fakeReranker) IsAvailable() bool { return f.available }

func (f *fakeReranker) Rerank(_ context.Context, query string, hits []domain.Hit, topK int) []domain.Hit {
	f.calls++
	f.lastQuery = query
	f.lastTopK = topK
	if len(f.scoreOrder) > 0 {
		rank := map[string]int{}
		for i, id := range f.scoreOrder {
			rank[id] = i
		}
		reordered := make([]domain.Hit, 0, len(hits))
		for _, id := range f.scoreOrder {
			for _, h := range hits {
				if h.ChunkID == id {
					reordered = append(reordered, h)
				}
			}
		}
		hits = reordered
	}
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

type fakeGraph struct {
	mu      sync.Mutex
	enabled bool
	gc      *domain.GraphContext
	err     error
	calls   int
}

func (f *fakeGraph) Enabled() bool { return f.enabled }

func (f *fakeGraph) Query(_ context.Context, _, _ uuid.UUID, _, _ string) (*domain.GraphContext, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.gc == nil {
		return &domain.GraphContext{}, nil
	}
	return f.gc, nil
}

func (f *fakeGraph) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReform struct {
	out   string
	calls int
}

func (f *fakeReform) Available() bool { return f.out != "" }

func (f *fakeReform) Reformulate(_ context.Context, query, _ string) string {
	f.calls++
	if f.out == "" {
		return query
	}
	return f.out
}

// fakeLLM satisfies openai.Client for the reformulator and deep reasoner.
type fakeLLM struct {
	mu        sync.Mutex
	text      string
	jsonObj   map[string]any
	err       error
	textCalls int
}

var _ openai.Client = (*fakeLLM)(nil)

func (f *fakeLLM) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, f.err
}

func (f *fakeLLM) Complete(_ context.Context, _ []openai.Message, _ openai.GenerateOptions) (*openai.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &openai.Completion{Text: f.text, FinishReason: "stop"}, nil
}

func (f *fakeLLM) StreamComplete(_ context.Context, _ []openai.Message, _ openai.GenerateOptions, onDelta func(string) error) (*openai.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	if onDelta != nil {
		if err := onDelta(f.text); err != nil {
			return nil, err
		}
	}
	return &openai.Completion{Text: f.text, FinishReason: "stop"}, nil
}

func (f *fakeLLM) GenerateText(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	f.textCalls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeLLM) GenerateJSON(_ context.Context, _, _ string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.jsonObj, nil
}

func (f *fakeLLM) Model() string { return "fake-model" }

// fakeRetriever records deep-reasoning sub-calls.
type fakeRetriever struct {
	mu      sync.Mutex
	byQuery map[string]*Response
	calls   []Request
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ uuid.UUID, req Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if resp, ok := f.byQuery[req.Query]; ok {
		return resp, nil
	}
	return &Response{Query: req.Query, Mode: req.Mode}, nil
}

type progressRecorder struct {
	events []string
}

func (p *progressRecorder) ReasoningStep(step int, _ string) {
	p.events = append(p.events, fmt.Sprintf("reasoning_step(%d)", step))
}

func (p *progressRecorder) SubQuery(_ string, index, _ int) {
	p.events = append(p.events, fmt.Sprintf("sub_query(%d)", index))
}
