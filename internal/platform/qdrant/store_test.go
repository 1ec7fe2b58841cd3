package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"testing"

	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type stubTransport func(*http.Request) (*http.Response, error)

func (f stubTransport) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func storeWith(t *testing.T, rt stubTransport) *store {
	t.Helper()
	return &store{
		log:    testLogger(t),
		cfg:    Config{Collection: "ragbridge", VectorDim: 3},
		base:   "http://qdrant.local",
		prefix: "rb",
		metric: "cosine",
		hc:     &http.Client{Transport: rt},
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() { log.Sync() })
	return log
}

func envelopeReply(t *testing.T, result any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"result": result, "status": "ok", "time": 0.001})
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

func decodeRequestBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

func TestUpsertWritesNamespacedPoints(t *testing.T) {
	var captured map[string]any
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPut {
			t.Fatalf("method: want=%s got=%s", http.MethodPut, r.Method)
		}
		if r.URL.Path != "/collections/ragbridge/points" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		if r.URL.RawQuery != "wait=true" {
			t.Fatalf("query: got=%q", r.URL.RawQuery)
		}
		captured = decodeRequestBody(t, r)
		return envelopeReply(t, map[string]any{"status": "acknowledged"}), nil
	})

	meta := map[string]any{"document_id": "doc-1"}
	err := s.Upsert(context.Background(), "t1|c1", []Vector{
		{ID: "chunk-1", Values: []float32{1, 2, 3}, Metadata: meta},
		{ID: "chunk-2", Values: []float32{4, 5, 6}, Metadata: map[string]any{"document_id": "doc-2"}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	points, ok := captured["points"].([]any)
	if !ok || len(points) != 2 {
		t.Fatalf("points: got=%v", captured["points"])
	}
	first, ok := points[0].(map[string]any)
	if !ok {
		t.Fatalf("point[0] type: got=%T", points[0])
	}
	if first["id"] != pointUUID("rb:t1|c1", "chunk-1") {
		t.Fatalf("point id: got=%v", first["id"])
	}
	payload, ok := first["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload type: got=%T", first["payload"])
	}
	if payload[payloadNamespaceKey] != "rb:t1|c1" {
		t.Fatalf("payload namespace: got=%v", payload[payloadNamespaceKey])
	}
	if payload[payloadVectorIDKey] != "chunk-1" {
		t.Fatalf("payload vector id: got=%v", payload[payloadVectorIDKey])
	}
	if payload["document_id"] != "doc-1" {
		t.Fatalf("payload document_id: got=%v", payload["document_id"])
	}

	// The caller's metadata map must stay untouched.
	if _, leaked := meta[payloadNamespaceKey]; leaked {
		t.Fatalf("input metadata gained namespace key")
	}
	if _, leaked := meta[payloadVectorIDKey]; leaked {
		t.Fatalf("input metadata gained vector id key")
	}
}

func TestUpsertValidation(t *testing.T) {
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		return nil, nil
	})

	cases := []struct {
		name    string
		vectors []Vector
	}{
		{"blank id", []Vector{{ID: "  ", Values: []float32{1, 2, 3}}}},
		{"empty values", []Vector{{ID: "chunk-1"}}},
		{"dimension mismatch", []Vector{{ID: "chunk-1", Values: []float32{1, 2}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Upsert(context.Background(), "t1|c1", tc.vectors)
			var oe *OperationError
			if !errors.As(err, &oe) {
				t.Fatalf("expected OperationError, got=%T (%v)", err, err)
			}
			if oe.Code != OperationErrorValidation {
				t.Fatalf("code: want=%q got=%q", OperationErrorValidation, oe.Code)
			}
		})
	}
}

func TestUpsertEmptyBatchSkipsNetwork(t *testing.T) {
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		return nil, nil
	})
	if err := s.Upsert(context.Background(), "t1|c1", nil); err != nil {
		t.Fatalf("Upsert(nil): %v", err)
	}
}

func TestQueryMatchesFilterShapeAndDistanceInversion(t *testing.T) {
	var captured map[string]any
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost {
			t.Fatalf("method: want=%s got=%s", http.MethodPost, r.Method)
		}
		if r.URL.Path != "/collections/ragbridge/points/search" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		captured = decodeRequestBody(t, r)
		return envelopeReply(t, []map[string]any{
			{"id": "ignored-b", "score": 0.90, "payload": map[string]any{payloadVectorIDKey: "chunk-b"}},
			{"id": "ignored-a", "score": 0.10, "payload": map[string]any{payloadVectorIDKey: "chunk-a"}},
		}), nil
	})
	s.metric = "euclid"

	matches, err := s.QueryMatches(context.Background(), "t1|c1", []float32{1, 2, 3}, 2, map[string]any{
		"document_id": map[string]any{"$in": []any{"doc-1", "doc-2"}},
		"category":    "handbook",
	})
	if err != nil {
		t.Fatalf("QueryMatches: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches: got=%v", matches)
	}
	// Euclid inverts: the smaller raw distance ranks first.
	if matches[0].ID != "chunk-a" || matches[1].ID != "chunk-b" {
		t.Fatalf("ordering: got=%v", []string{matches[0].ID, matches[1].ID})
	}
	if matches[0].Score <= matches[1].Score {
		t.Fatalf("scores not descending: %v", []float64{matches[0].Score, matches[1].Score})
	}

	if captured["with_payload"] != true {
		t.Fatalf("with_payload: got=%v", captured["with_payload"])
	}
	if captured["with_vector"] != false {
		t.Fatalf("with_vector: got=%v", captured["with_vector"])
	}
	filter, ok := captured["filter"].(map[string]any)
	if !ok {
		t.Fatalf("filter type: got=%T", captured["filter"])
	}
	must, ok := filter["must"].([]any)
	if !ok || len(must) != 3 {
		t.Fatalf("must: got=%v", filter["must"])
	}
	ns := conditionByKey(t, must, payloadNamespaceKey)
	if ns["match"].(map[string]any)["value"] != "rb:t1|c1" {
		t.Fatalf("namespace condition: got=%v", ns["match"])
	}
	doc := conditionByKey(t, must, "document_id")
	anyVals, ok := doc["match"].(map[string]any)["any"].([]any)
	if !ok || len(anyVals) != 2 {
		t.Fatalf("document_id any: got=%v", doc["match"])
	}
	cat := conditionByKey(t, must, "category")
	if cat["match"].(map[string]any)["value"] != "handbook" {
		t.Fatalf("category condition: got=%v", cat["match"])
	}
}

func TestQueryMatchesRejectsRichFilters(t *testing.T) {
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		return nil, nil
	})

	_, err := s.QueryMatches(context.Background(), "t1|c1", []float32{1, 2, 3}, 3, map[string]any{
		"year": map[string]any{"$gt": 2020},
	})
	var oe *OperationError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OperationError, got=%T (%v)", err, err)
	}
	if oe.Code != OperationErrorUnsupportedFilter {
		t.Fatalf("code: want=%q got=%q", OperationErrorUnsupportedFilter, oe.Code)
	}
}

func TestQueryMatchesDimensionGuard(t *testing.T) {
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		return nil, nil
	})

	_, err := s.QueryMatches(context.Background(), "t1|c1", []float32{1, 2}, 3, nil)
	var oe *OperationError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OperationError, got=%T (%v)", err, err)
	}
	if oe.Code != OperationErrorValidation {
		t.Fatalf("code: want=%q got=%q", OperationErrorValidation, oe.Code)
	}
}

func TestDeleteIDsSendsSortedUniquePointIDs(t *testing.T) {
	var captured map[string]any
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/collections/ragbridge/points/delete" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		if r.URL.RawQuery != "wait=true" {
			t.Fatalf("query: got=%q", r.URL.RawQuery)
		}
		captured = decodeRequestBody(t, r)
		return envelopeReply(t, map[string]any{"status": "acknowledged"}), nil
	})

	err := s.DeleteIDs(context.Background(), "t1|c1", []string{"chunk-1", "chunk-1", " ", "chunk-2"})
	if err != nil {
		t.Fatalf("DeleteIDs: %v", err)
	}

	raw, ok := captured["points"].([]any)
	if !ok || len(raw) != 2 {
		t.Fatalf("points: got=%v", captured["points"])
	}
	got := make([]string, 0, len(raw))
	for _, p := range raw {
		got = append(got, p.(string))
	}
	want := []string{pointUUID("rb:t1|c1", "chunk-1"), pointUUID("rb:t1|c1", "chunk-2")}
	sort.Strings(want)
	if got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("point ids: want=%v got=%v", want, got)
	}
}

func TestDeleteIDsAllBlankSkipsNetwork(t *testing.T) {
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		return nil, nil
	})
	if err := s.DeleteIDs(context.Background(), "t1|c1", []string{" ", ""}); err != nil {
		t.Fatalf("DeleteIDs: %v", err)
	}
}

func TestDeleteNamespaceUsesFilterDelete(t *testing.T) {
	var captured map[string]any
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/collections/ragbridge/points/delete" {
			t.Fatalf("path: got=%q", r.URL.Path)
		}
		captured = decodeRequestBody(t, r)
		return envelopeReply(t, map[string]any{"status": "acknowledged"}), nil
	})

	if err := s.DeleteNamespace(context.Background(), "t1|c1"); err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}

	if _, hasPoints := captured["points"]; hasPoints {
		t.Fatalf("namespace delete must not enumerate points: %v", captured)
	}
	filter, ok := captured["filter"].(map[string]any)
	if !ok {
		t.Fatalf("filter type: got=%T", captured["filter"])
	}
	must, ok := filter["must"].([]any)
	if !ok || len(must) != 1 {
		t.Fatalf("must: got=%v", filter["must"])
	}
	ns := conditionByKey(t, must, payloadNamespaceKey)
	if ns["match"].(map[string]any)["value"] != "rb:t1|c1" {
		t.Fatalf("namespace condition: got=%v", ns["match"])
	}
}

func TestAPIKeyHeaderSentWhenConfigured(t *testing.T) {
	s := storeWith(t, func(r *http.Request) (*http.Response, error) {
		if got := r.Header.Get("api-key"); got != "secret" {
			t.Fatalf("api-key header: want=%q got=%q", "secret", got)
		}
		return envelopeReply(t, []map[string]any{}), nil
	})
	s.cfg.APIKey = "secret"

	if _, err := s.QueryMatches(context.Background(), "t1|c1", []float32{1, 2, 3}, 3, nil); err != nil {
		t.Fatalf("QueryMatches: %v", err)
	}
}

func TestCallerVectorIDFallsBackToPointID(t *testing.T) {
	cases := []struct {
		name string
		hit  scoredPoint
		want string
	}{
		{"payload wins", scoredPoint{ID: json.RawMessage(`"raw"`), Payload: map[string]any{payloadVectorIDKey: "chunk-9"}}, "chunk-9"},
		{"string point id", scoredPoint{ID: json.RawMessage(`"point-1"`)}, "point-1"},
		{"numeric point id", scoredPoint{ID: json.RawMessage(`42`)}, "42"},
		{"nothing usable", scoredPoint{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := callerVectorID(tc.hit); got != tc.want {
				t.Fatalf("callerVectorID: want=%q got=%q", tc.want, got)
			}
		})
	}
}

func TestSimilarityScoreByMetric(t *testing.T) {
	if got := similarityScore("cosine", 0.8); got != 0.8 {
		t.Fatalf("cosine passthrough: got=%v", got)
	}
	if got := similarityScore("Euclid", 3); got != 0.25 {
		t.Fatalf("euclid inversion: got=%v", got)
	}
	if got := similarityScore("manhattan", -1); got != 0.5 {
		t.Fatalf("negative distance: got=%v", got)
	}
}

func TestPrefixedNamespace(t *testing.T) {
	s := &store{prefix: "rb"}
	if got := s.prefixedNS("t1|c1"); got != "rb:t1|c1" {
		t.Fatalf("prefixedNS: got=%q", got)
	}
	if got := s.prefixedNS("  "); got != "rb" {
		t.Fatalf("prefixedNS blank: got=%q", got)
	}
}

func conditionByKey(t *testing.T, items []any, key string) map[string]any {
	t.Helper()
	for _, raw := range items {
		cond, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if condKey, _ := cond["key"].(string); condKey == key {
			return cond
		}
	}
	t.Fatalf("no condition with key %q in %v", key, items)
	return nil
}
