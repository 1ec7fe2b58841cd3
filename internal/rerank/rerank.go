package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/pkg/httpx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// failureCooldown is how long the service reports unavailable after a
// provider failure before letting requests probe it again.
const failureCooldown = 30 * time.Second

// Service scores (query, passage) pairs against a Cohere-compatible
// `POST /rerank` provider. Every entry point degrades to the identity
// function when the provider is off, unreachable, or failing: callers get
// their hits back in input order with zero scores, never an error.
type Service struct {
	log        *logger.Logger
	url        string
	apiKey     string
	model      string
	threshold  float64
	enabled    bool
	httpClient *http.Client

	mu       sync.Mutex
	failedAt time.Time
}

func New(cfg config.RerankConfig, log *logger.Logger) *Service {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		log:        log.With("service", "Reranker"),
		url:        url,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		threshold:  cfg.Threshold,
		enabled:    cfg.Enabled && url != "",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Threshold returns the configured score cutoff for RerankWithThreshold.
func (s *Service) Threshold() float64 { return s.threshold }

// IsAvailable reports whether the provider is configured and not cooling
// down after a recent failure.
func (s *Service) IsAvailable() bool {
	if s == nil || !s.enabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAt.IsZero() || time.Since(s.failedAt) > failureCooldown
}

func (s *Service) markFailure() {
	s.mu.Lock()
	s.failedAt = time.Now()
	s.mu.Unlock()
}

func (s *Service) markSuccess() {
	s.mu.Lock()
	s.failedAt = time.Time{}
	s.mu.Unlock()
}

// Rerank scores hits against the query and returns them sorted by
// rerank_score descending, truncated to topK (topK <= 0 keeps all).
func (s *Service) Rerank(ctx context.Context, query string, hits []domain.Hit, topK int) []domain.Hit {
	out, _ := s.score(ctx, query, hits, topK)
	return out
}

// RerankWithThreshold reranks and drops hits scoring below threshold. The
// filter only applies when the provider actually scored the hits; an
// identity fallback keeps everything rather than zeroing out the result.
func (s *Service) RerankWithThreshold(ctx context.Context, query string, hits []domain.Hit, topK int, threshold float64) []domain.Hit {
	out, scored := s.score(ctx, query, hits, topK)
	if !scored || threshold <= 0 {
		return out
	}
	kept := out[:0]
	for _, h := range out {
		if h.RerankScore != nil && *h.RerankScore >= threshold {
			kept = append(kept, h)
		}
	}
	return kept
}

func (s *Service) score(ctx context.Context, query string, hits []domain.Hit, topK int) ([]domain.Hit, bool) {
	if len(hits) == 0 {
		return hits, false
	}
	if !s.IsAvailable() {
		return identity(hits, topK), false
	}

	docs := make([]string, len(hits))
	for i := range hits {
		docs[i] = hits[i].Content
	}
	topN := topK
	if topN <= 0 || topN > len(hits) {
		topN = len(hits)
	}

	start := time.Now()
	resp, err := s.call(ctx, rerankRequest{
		Model:     s.model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		observability.Current().ObserveRerank("error", time.Since(start))
		s.markFailure()
		s.log.Warn("rerank failed, falling back to input order", "error", err, "hits", len(hits))
		return identity(hits, topK), false
	}
	observability.Current().ObserveRerank("ok", time.Since(start))
	s.markSuccess()

	out := make([]domain.Hit, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(hits) {
			continue
		}
		h := hits[r.Index]
		score := clamp01(r.RelevanceScore)
		h.RerankScore = &score
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, true
}

func identity(hits []domain.Hit, topK int) []domain.Hit {
	out := make([]domain.Hit, len(hits))
	copy(out, hits)
	for i := range out {
		zero := 0.0
		out[i].RerankScore = &zero
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type rerankHTTPError struct {
	StatusCode int
	Body       string
}

func (e *rerankHTTPError) Error() string {
	return fmt.Sprintf("rerank http %d: %s", e.StatusCode, e.Body)
}

func (e *rerankHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (s *Service) call(ctx context.Context, body rerankRequest) (*rerankResponse, error) {
	var out rerankResponse
	err := httpx.DoWithRetry(ctx, 3, 500*time.Millisecond, func() error {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", s.url+"/rerank", &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &rerankHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		out = rerankResponse{}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
