package embed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
)

// fakeLLM records each upstream batch and answers with deterministic vectors.
type fakeLLM struct {
	batches [][]string
	embedFn func(inputs []string) ([][]float32, error)
}

func (f *fakeLLM) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.batches = append(f.batches, append([]string(nil), inputs...))
	return f.embedFn(inputs)
}

func (f *fakeLLM) Complete(context.Context, []openai.Message, openai.GenerateOptions) (*openai.Completion, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLLM) StreamComplete(context.Context, []openai.Message, openai.GenerateOptions, func(string) error) (*openai.Completion, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLLM) GenerateText(context.Context, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeLLM) GenerateJSON(context.Context, string, string) (map[string]any, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLLM) Model() string { return "fake" }

// vecFor tags each vector with the text length so order mixups are visible.
func vecFor(text string, dim int) []float32 {
	v := make([]float32, dim)
	v[0] = float32(len(text))
	return v
}

func echoEmbed(dim int) func(inputs []string) ([][]float32, error) {
	return func(inputs []string) ([][]float32, error) {
		out := make([][]float32, len(inputs))
		for i, s := range inputs {
			out[i] = vecFor(s, dim)
		}
		return out, nil
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	c, err := cache.New(config.CacheConfig{
		Enabled:      true,
		RedisAddr:    s.Addr(),
		EmbeddingTTL: config.Duration{Duration: time.Hour},
		SearchTTL:    config.Duration{Duration: time.Hour},
		ReformTTL:    config.Duration{Duration: time.Hour},
	}, log)
	if err != nil {
		t.Fatalf("init cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newService(t *testing.T, llm *fakeLLM, c *cache.Cache, dim, batch int) *Service {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return New(llm, c, config.LLMConfig{
		EmbeddingDimension: dim,
		EmbeddingBatchSize: batch,
	}, log)
}

func TestEmbedBatchSplitsAndPreservesOrder(t *testing.T) {
	llm := &fakeLLM{embedFn: echoEmbed(4)}
	svc := newService(t, llm, newTestCache(t), 4, 0)

	texts := make([]string, 250)
	for i := range texts {
		texts[i] = fmt.Sprintf("%0*d", i+1, 0) // lengths 1..250
	}

	vecs, err := svc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 250 {
		t.Fatalf("len = %d", len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Fatalf("vector %d out of order: got tag %v, want %d", i, v[0], len(texts[i]))
		}
	}

	if len(llm.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(llm.batches))
	}
	if len(llm.batches[0]) != 100 || len(llm.batches[1]) != 100 || len(llm.batches[2]) != 50 {
		t.Fatalf("batch sizes = %d/%d/%d", len(llm.batches[0]), len(llm.batches[1]), len(llm.batches[2]))
	}
}

func TestEmbedBatchReadsThroughCache(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	c.SetEmbedding(ctx, "aa", vecFor("aa", 4))
	c.SetEmbedding(ctx, "dddd", vecFor("dddd", 4))

	llm := &fakeLLM{embedFn: echoEmbed(4)}
	svc := newService(t, llm, c, 4, 0)

	vecs, err := svc.EmbedBatch(ctx, []string{"aa", "bbb", "c", "dddd"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, want := range []int{2, 3, 1, 4} {
		if int(vecs[i][0]) != want {
			t.Fatalf("vecs[%d] tag = %v, want %d", i, vecs[i][0], want)
		}
	}

	if len(llm.batches) != 1 {
		t.Fatalf("upstream batches = %d, want 1", len(llm.batches))
	}
	if got := llm.batches[0]; len(got) != 2 || got[0] != "bbb" || got[1] != "c" {
		t.Fatalf("upstream inputs = %v, want only the misses", got)
	}

	// Everything is cached now; a repeat round trip stays local.
	if _, err := svc.EmbedBatch(ctx, []string{"aa", "bbb", "c", "dddd"}); err != nil {
		t.Fatalf("second EmbedBatch: %v", err)
	}
	if len(llm.batches) != 1 {
		t.Fatalf("upstream batches after repeat = %d, want 1", len(llm.batches))
	}
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	llm := &fakeLLM{embedFn: echoEmbed(3)}
	svc := newService(t, llm, newTestCache(t), 4, 0)

	if _, err := svc.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestEmbedBatchRefetchesStaleCachedDimension(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	c.SetEmbedding(ctx, "hello", []float32{1, 2}) // old 2-dim entry

	llm := &fakeLLM{embedFn: echoEmbed(4)}
	svc := newService(t, llm, c, 4, 0)

	vecs, err := svc.EmbedBatch(ctx, []string{"hello"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs[0]) != 4 {
		t.Fatalf("dim = %d, want refetched 4", len(vecs[0]))
	}
	if len(llm.batches) != 1 {
		t.Fatalf("upstream batches = %d, want 1 (stale entry refetched)", len(llm.batches))
	}

	if got, ok := c.GetEmbedding(ctx, "hello"); !ok || len(got) != 4 {
		t.Fatalf("cache not overwritten: ok=%v len=%d", ok, len(got))
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	llm := &fakeLLM{embedFn: echoEmbed(4)}
	svc := newService(t, llm, newTestCache(t), 4, 0)

	vecs, err := svc.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 0 {
		t.Fatalf("len = %d", len(vecs))
	}
	if len(llm.batches) != 0 {
		t.Fatal("upstream called for empty input")
	}
}

func TestEmbedPropagatesUpstreamError(t *testing.T) {
	llm := &fakeLLM{embedFn: func([]string) ([][]float32, error) {
		return nil, errors.New("provider down")
	}}
	svc := newService(t, llm, newTestCache(t), 4, 0)

	if _, err := svc.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected upstream error")
	}
}
