package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/cache"
	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
)

// maxBatch is the upstream embeddings-API input ceiling.
const maxBatch = 100

// Service embeds text through the LLM provider with a read-through cache.
// Cached texts are never re-sent upstream; misses are batched and the
// results spliced back into input order.
type Service struct {
	llm   openai.Client
	cache *cache.Cache
	log   *logger.Logger

	dimension int
	batchSize int
}

func New(llm openai.Client, c *cache.Cache, cfg config.LLMConfig, log *logger.Logger) *Service {
	batch := cfg.EmbeddingBatchSize
	if batch <= 0 || batch > maxBatch {
		batch = maxBatch
	}
	return &Service{
		llm:       llm,
		cache:     c,
		log:       log.With("service", "Embedder"),
		dimension: cfg.EmbeddingDimension,
		batchSize: batch,
	}
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input text, in input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, text := range texts {
		vec, ok := s.cache.GetEmbedding(ctx, text)
		if ok && s.dimension > 0 && len(vec) != s.dimension {
			// Stale entry from a previous model/dimension config.
			s.cache.Evict(ctx, cache.EmbeddingKey(text))
			ok = false
		}
		if ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fetched := make([][]float32, 0, len(missTexts))
	for start := 0; start < len(missTexts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		batch := missTexts[start:end]

		began := time.Now()
		vecs, err := s.llm.Embed(ctx, batch)
		if err != nil {
			observability.Current().ObserveEmbedBatch(len(batch), "error", time.Since(began))
			return nil, fmt.Errorf("embed batch of %d: %w", len(batch), err)
		}
		observability.Current().ObserveEmbedBatch(len(batch), "ok", time.Since(began))

		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embed batch returned %d vectors for %d inputs", len(vecs), len(batch))
		}
		for j, vec := range vecs {
			if s.dimension > 0 && len(vec) != s.dimension {
				return nil, fmt.Errorf("embedding dimension %d, want %d", len(vec), s.dimension)
			}
			s.cache.SetEmbedding(ctx, batch[j], vec)
		}
		fetched = append(fetched, vecs...)
	}

	for j, idx := range missIdx {
		out[idx] = fetched[j]
	}
	return out, nil
}
