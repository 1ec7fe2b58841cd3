package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/pkg/httpx"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// Message is one turn of an OpenAI-compatible conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Completion struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// GenerateOptions override the client defaults for a single call.
type GenerateOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	JSONMode    bool
}

// Client speaks the OpenAI-compatible surface the platform depends on:
// /v1/chat/completions (plain and SSE-streamed) and /v1/embeddings.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)

	Complete(ctx context.Context, msgs []Message, opts GenerateOptions) (*Completion, error)
	StreamComplete(ctx context.Context, msgs []Message, opts GenerateOptions, onDelta func(delta string) error) (*Completion, error)

	// GenerateText is the single-turn convenience most pipeline steps use.
	GenerateText(ctx context.Context, system string, user string) (string, error)

	// GenerateJSON requests a JSON object; providers that wrap the
	// object in prose still parse.
	GenerateJSON(ctx context.Context, system string, user string) (map[string]any, error)

	Model() string
}

// WithModel returns a client that uses the provided model for generation
// calls. If model is empty or base is nil, it returns base unchanged.
func WithModel(base Client, model string) Client {
	model = strings.TrimSpace(model)
	if base == nil || model == "" {
		return base
	}
	if c, ok := base.(*client); ok {
		return c.cloneWithModel(model)
	}
	return base
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	embedModel string

	httpClient *http.Client
	maxRetries int

	temperature *float64
	maxTokens   int

	// Runtime learning: if a model rejects the temperature parameter,
	// remember and omit it thereafter.
	noTempMu   sync.RWMutex
	noTempSeen map[string]bool
}

func NewClient(cfg config.LLMConfig, log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing llm.base_url")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("missing llm.model")
	}
	embedModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	temp := cfg.Temperature
	return &client{
		log:         log.With("service", "LLMClient"),
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		embedModel:  embedModel,
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  3,
		temperature: &temp,
		maxTokens:   cfg.MaxTokens,
		noTempSeen:  map[string]bool{},
	}, nil
}

func (c *client) Model() string { return c.model }

func (c *client) cloneWithModel(model string) *client {
	if c == nil || strings.TrimSpace(model) == "" {
		return c
	}
	clone := &client{
		log:         c.log,
		baseURL:     c.baseURL,
		apiKey:      c.apiKey,
		model:       strings.TrimSpace(model),
		embedModel:  c.embedModel,
		httpClient:  c.httpClient,
		maxRetries:  c.maxRetries,
		temperature: c.temperature,
		maxTokens:   c.maxTokens,
		noTempSeen:  map[string]bool{},
	}
	c.noTempMu.RLock()
	for k, v := range c.noTempSeen {
		clone.noTempSeen[k] = v
	}
	c.noTempMu.RUnlock()
	return clone
}

// -------------------- chat completions --------------------

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type chatCompletionsChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (c *client) buildRequest(msgs []Message, opts GenerateOptions, stream bool) chatCompletionsRequest {
	req := chatCompletionsRequest{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	}
	if m := strings.TrimSpace(opts.Model); m != "" {
		req.Model = m
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.JSONMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	temp := c.temperature
	if opts.Temperature != nil {
		temp = opts.Temperature
	}
	if temp != nil && !c.modelIsNoTemp(req.Model) {
		req.Temperature = temp
	}
	return req
}

func (c *client) Complete(ctx context.Context, msgs []Message, opts GenerateOptions) (*Completion, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages")
	}
	req := c.buildRequest(msgs, opts, false)

	var resp chatCompletionsResponse
	err := c.do(ctx, "POST", "/v1/chat/completions", &req, &resp)
	if err != nil && req.Temperature != nil && isUnsupportedTemperatureParam(err) {
		c.noteNoTempModel(req.Model)
		req.Temperature = nil
		err = c.do(ctx, "POST", "/v1/chat/completions", &req, &resp)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion response")
	}

	out := &Completion{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	} else {
		out.Usage = estimateUsage(msgs, out.Text)
	}
	return out, nil
}

func (c *client) GenerateText(ctx context.Context, system string, user string) (string, error) {
	msgs := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, Message{Role: "system", Content: strings.TrimSpace(system)})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})

	out, err := c.Complete(ctx, msgs, GenerateOptions{})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *client) GenerateJSON(ctx context.Context, system string, user string) (map[string]any, error) {
	msgs := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, Message{Role: "system", Content: strings.TrimSpace(system)})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})

	out, err := c.Complete(ctx, msgs, GenerateOptions{JSONMode: true})
	if err != nil {
		return nil, err
	}
	obj, err := ExtractJSONObject(out.Text)
	if err != nil {
		return nil, fmt.Errorf("decode model json: %w", err)
	}
	return obj, nil
}

// StreamComplete streams deltas through onDelta and returns the aggregated
// completion. A non-nil error from onDelta aborts the stream.
func (c *client) StreamComplete(ctx context.Context, msgs []Message, opts GenerateOptions, onDelta func(delta string) error) (*Completion, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages")
	}
	req := c.buildRequest(msgs, opts, true)
	start := time.Now()
	inputTokens := 0
	for _, m := range msgs {
		inputTokens += EstimateTokens(m.Content)
	}

	doStream := func(body chatCompletionsRequest) (*http.Response, []byte, error) {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", &buf)
		if err != nil {
			return nil, nil, err
		}
		c.setHeaders(httpReq)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil, nil
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, raw, &llmHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	resp, raw, err := doStream(req)
	if err != nil && req.Temperature != nil && isUnsupportedTemperatureMessage(string(raw)) {
		c.noteNoTempModel(req.Model)
		req.Temperature = nil
		resp, _, err = doStream(req)
	}
	if err != nil {
		observability.Current().ObserveLLMRequest(req.Model, "/v1/chat/completions", statusFromRespErr(resp, err), time.Since(start), inputTokens, 0)
		return nil, err
	}
	defer resp.Body.Close()

	var (
		full         strings.Builder
		finishReason string
		usage        *Usage
	)
	err = streamSSE(resp.Body, func(_ string, data string) error {
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			return nil
		}
		var chunk chatCompletionsChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Tolerate provider keep-alives and vendor extensions.
			return nil
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			return nil
		}
		full.WriteString(delta)
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	})

	outputTokens := EstimateTokens(full.String())
	observability.Current().ObserveLLMRequest(req.Model, "/v1/chat/completions", statusFromRespErr(resp, err), time.Since(start), inputTokens, outputTokens)
	if err != nil {
		return nil, err
	}

	out := &Completion{Text: full.String(), FinishReason: finishReason}
	if usage != nil {
		out.Usage = *usage
	} else {
		out.Usage = estimateUsage(msgs, out.Text)
	}
	return out, nil
}

// -------------------- embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	req := embeddingsRequest{Model: c.embedModel, Input: clean}

	var resp embeddingsResponse
	if err := c.do(ctx, "POST", "/v1/embeddings", req, &resp); err != nil {
		return nil, err
	}

	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = vec
		}
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("embeddings response missing index %d", i)
		}
	}
	return out, nil
}

// -------------------- transport --------------------

type llmHTTPError struct {
	StatusCode int
	Body       string
}

func (e *llmHTTPError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func (e *llmHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &llmHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second
	start := time.Now()
	model := extractModelFromRequest(body)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			inputTokens, outputTokens := extractUsageFromRaw(raw)
			observability.Current().ObserveLLMRequest(model, path, statusFromResp(resp), time.Since(start), inputTokens, outputTokens)
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("llm decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			observability.Current().ObserveLLMRequest(model, path, statusFromRespErr(resp, err), time.Since(start), 0, 0)
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("llm request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// -------------------- temperature compatibility --------------------

func isUnsupportedTemperatureMessage(s string) bool {
	msg := strings.ToLower(strings.TrimSpace(s))
	if msg == "" || !strings.Contains(msg, "temperature") {
		return false
	}
	for _, marker := range []string{
		"unsupported parameter",
		"unknown parameter",
		"unrecognized parameter",
		"not supported",
		"does not support",
		"only the default",
		"unsupported_value",
		"invalid_request_error",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isUnsupportedTemperatureParam(err error) bool {
	if err == nil {
		return false
	}
	return isUnsupportedTemperatureMessage(err.Error())
}

func (c *client) modelIsNoTemp(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return false
	}
	c.noTempMu.RLock()
	defer c.noTempMu.RUnlock()
	return c.noTempSeen[m]
}

func (c *client) noteNoTempModel(model string) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return
	}
	c.noTempMu.Lock()
	c.noTempSeen[m] = true
	c.noTempMu.Unlock()
}

// -------------------- helpers --------------------

func extractModelFromRequest(body any) string {
	switch b := body.(type) {
	case *chatCompletionsRequest:
		if b != nil {
			return b.Model
		}
	case chatCompletionsRequest:
		return b.Model
	case embeddingsRequest:
		return b.Model
	case *embeddingsRequest:
		if b != nil {
			return b.Model
		}
	}
	return ""
}

func extractUsageFromRaw(raw []byte) (int, int) {
	var probe struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Usage == nil {
		return 0, 0
	}
	return probe.Usage.PromptTokens, probe.Usage.CompletionTokens
}

func statusFromResp(resp *http.Response) string {
	if resp == nil {
		return "ok"
	}
	return strconv.Itoa(resp.StatusCode)
}

func statusFromRespErr(resp *http.Response, err error) string {
	if err == nil {
		return statusFromResp(resp)
	}
	var httpErr *llmHTTPError
	if errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func estimateUsage(msgs []Message, out string) Usage {
	in := 0
	for _, m := range msgs {
		in += EstimateTokens(m.Content)
	}
	completion := EstimateTokens(out)
	return Usage{
		PromptTokens:     in,
		CompletionTokens: completion,
		TotalTokens:      in + completion,
	}
}

// EstimateTokens approximates token counts as ceil(runes/4); providers that
// omit usage still get plausible numbers.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	runes := []rune(text)
	return int(math.Ceil(float64(len(runes)) / 4.0))
}

// ExtractJSONObject decodes a JSON object from model output, tolerating
// surrounding prose or markdown fences.
func ExtractJSONObject(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty output")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, nil
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no json object in output")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}
