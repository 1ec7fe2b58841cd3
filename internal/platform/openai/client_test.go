package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	temp := 0.7
	c, err := NewClient(config.LLMConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		Model:          "test-model",
		EmbeddingModel: "test-embed",
		Temperature:    temp,
		MaxTokens:      256,
	}, log)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCompleteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["model"] != "test-model" {
			t.Errorf("model = %v", req["model"])
		}
		fmt.Fprint(w, `{
			"choices":[{"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "hello there" {
		t.Fatalf("text = %q", out.Text)
	}
	if out.FinishReason != "stop" {
		t.Fatalf("finish_reason = %q", out.FinishReason)
	}
	if out.Usage.PromptTokens != 12 || out.Usage.CompletionTokens != 3 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestCompleteRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "ok" {
		t.Fatalf("text = %q", out.Text)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestCompleteDoesNotRetryOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad prompt"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{}); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestCompleteFallsBackWithoutTemperature(t *testing.T) {
	var sawTemp []bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, has := req["temperature"]
		sawTemp = append(sawTemp, has)
		if has {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"Unsupported parameter: 'temperature' is not supported with this model.","type":"invalid_request_error"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"no temp"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "no temp" {
		t.Fatalf("text = %q", out.Text)
	}
	if len(sawTemp) != 2 || !sawTemp[0] || sawTemp[1] {
		t.Fatalf("temperature presence per call = %v, want [true false]", sawTemp)
	}

	// The rejection is remembered: the next call omits temperature up front.
	if _, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "again"}}, GenerateOptions{}); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if len(sawTemp) != 3 || sawTemp[2] {
		t.Fatalf("temperature presence per call = %v, want learned omission", sawTemp)
	}
}

func TestStreamCompleteAccumulatesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Errorf("stream = %v, want true", req["stream"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var deltas []string
	out, err := c.StreamComplete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}
	if out.Text != "Hello" {
		t.Fatalf("text = %q", out.Text)
	}
	if out.FinishReason != "stop" {
		t.Fatalf("finish_reason = %q", out.FinishReason)
	}
	if out.Usage.CompletionTokens != 2 {
		t.Fatalf("usage = %+v", out.Usage)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Fatalf("deltas = %v", deltas)
	}
}

func TestStreamCompleteAbortsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	boom := fmt.Errorf("client went away")
	_, err := c.StreamComplete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{}, func(string) error {
		return boom
	})
	if err == nil || !strings.Contains(err.Error(), "client went away") {
		t.Fatalf("err = %v, want callback error", err)
	}
}

func TestEmbedRestoresIndexOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "test-embed" {
			t.Errorf("model = %v", req["model"])
		}
		// Deliberately out of order: clients must map by index.
		fmt.Fprint(w, `{"data":[
			{"index":1,"embedding":[0.4,0.5]},
			{"index":0,"embedding":[0.1,0.2]},
			{"index":2,"embedding":[0.7,0.8]}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	vecs, err := c.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("len = %d", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1][0] != 0.4 || vecs[2][0] != 0.7 {
		t.Fatalf("vectors out of order: %v", vecs)
	}
}

func TestEmbedRejectsMissingIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1]}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatalf("expected error for missing index")
	}
}

func TestGenerateJSONToleratesFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "Sure! ```json\n{\"score\": 0.9, \"ok\": true}\n```"},
				"finish_reason": "stop",
			}},
		})
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	obj, err := c.GenerateJSON(context.Background(), "judge", "rate this")
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if obj["score"] != 0.9 || obj["ok"] != true {
		t.Fatalf("obj = %v", obj)
	}
}

func TestWithModelOverridesGeneration(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		models = append(models, fmt.Sprint(req["model"]))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"x"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	base := newTestClient(t, srv.URL)
	override := WithModel(base, "deep-model")
	if override.Model() != "deep-model" {
		t.Fatalf("Model() = %q", override.Model())
	}
	if _, err := override.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := base.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerateOptions{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(models) != 2 || models[0] != "deep-model" || models[1] != "test-model" {
		t.Fatalf("models = %v", models)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world how are you", 6},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.in); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
