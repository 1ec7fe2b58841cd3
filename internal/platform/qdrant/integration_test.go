package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Exercises a real Qdrant instance end to end. Enable with
// QDRANT_INTEGRATION=1; the server location defaults to localhost and can be
// overridden via QDRANT_INTEGRATION_URL or QDRANT_URL.

func TestQdrantIntegration(t *testing.T) {
	if !integrationEnabled() {
		t.Skip("set QDRANT_INTEGRATION=1 to run Qdrant integration tests")
	}

	base := integrationBaseURL()
	if err := awaitReady(base); err != nil {
		t.Fatalf("qdrant not ready: %v", err)
	}

	collection := "rb_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := provisionCollection(base, collection, 3); err != nil {
		t.Fatalf("provision collection: %v", err)
	}
	t.Cleanup(func() { _ = dropCollection(base, collection) })

	vs, err := NewVectorStore(Config{
		URL:             base,
		Collection:      collection,
		NamespacePrefix: "it",
		VectorDim:       3,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewVectorStore: %v", err)
	}

	ctx := context.Background()
	namespace := "tenant-a|coll-1"
	if err := vs.Upsert(ctx, namespace, []Vector{
		{ID: "chunk-1", Values: []float32{1, 0, 0}, Metadata: map[string]any{"document_id": "doc-1", "category": "handbook"}},
		{ID: "chunk-2", Values: []float32{0, 1, 0}, Metadata: map[string]any{"document_id": "doc-2", "category": "handbook"}},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	t.Run("filtered query", func(t *testing.T) {
		matches, err := vs.QueryMatches(ctx, namespace, []float32{1, 0, 0}, 5, map[string]any{
			"category":    "handbook",
			"document_id": map[string]any{"$in": []any{"doc-1"}},
		})
		if err != nil {
			t.Fatalf("QueryMatches: %v", err)
		}
		if len(matches) != 1 || matches[0].ID != "chunk-1" {
			t.Fatalf("filtered matches: got=%v", matches)
		}
	})

	t.Run("namespace isolation", func(t *testing.T) {
		foreign, err := vs.QueryMatches(ctx, "tenant-b|coll-1", []float32{1, 0, 0}, 5, nil)
		if err != nil {
			t.Fatalf("QueryMatches foreign namespace: %v", err)
		}
		if len(foreign) != 0 {
			t.Fatalf("foreign namespace sees points: %v", foreign)
		}
	})

	t.Run("delete by id", func(t *testing.T) {
		if err := vs.DeleteIDs(ctx, namespace, []string{"chunk-1"}); err != nil {
			t.Fatalf("DeleteIDs: %v", err)
		}
		remaining, err := vs.QueryMatches(ctx, namespace, []float32{1, 0, 0}, 5, nil)
		if err != nil {
			t.Fatalf("QueryMatches after delete: %v", err)
		}
		if hasMatch(remaining, "chunk-1") {
			t.Fatalf("deleted vector still returned: %v", remaining)
		}
		if !hasMatch(remaining, "chunk-2") {
			t.Fatalf("chunk-2 should survive the delete: %v", remaining)
		}
	})

	t.Run("purge namespace", func(t *testing.T) {
		if err := vs.DeleteNamespace(ctx, namespace); err != nil {
			t.Fatalf("DeleteNamespace: %v", err)
		}
		purged, err := vs.QueryMatches(ctx, namespace, []float32{0, 1, 0}, 5, nil)
		if err != nil {
			t.Fatalf("QueryMatches after purge: %v", err)
		}
		if len(purged) != 0 {
			t.Fatalf("purge left points behind: %v", purged)
		}
	})
}

func integrationEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv("QDRANT_INTEGRATION"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func integrationBaseURL() string {
	for _, name := range []string{"QDRANT_INTEGRATION_URL", "QDRANT_URL"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return strings.TrimRight(v, "/")
		}
	}
	return "http://127.0.0.1:6333"
}

func awaitReady(base string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(5 * time.Second)
	lastErr := fmt.Errorf("timeout")
	for time.Now().Before(deadline) {
		resp, err := client.Get(base + "/readyz")
		if err != nil {
			lastErr = err
		} else {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("ready check failed for %s: %w", base, lastErr)
}

func provisionCollection(base, collection string, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	return collectionRequest(http.MethodPut, base, collection, body)
}

func dropCollection(base, collection string) error {
	return collectionRequest(http.MethodDelete, base, collection, nil)
}

func collectionRequest(method, base, collection string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("%s/collections/%s", base, collection), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("collection %s failed: status=%d body=%q", method, resp.StatusCode, string(raw))
	}
	return nil
}

func hasMatch(items []VectorMatch, id string) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}
