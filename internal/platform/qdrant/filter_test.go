package qdrant

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestBuildFilterPinsNamespaceFirst(t *testing.T) {
	got, err := buildFilter("rb:t1|c1", map[string]any{
		"category":    "handbook",
		"document_id": map[string]any{"$in": []any{"doc-1", "doc-2"}},
	})
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	if len(got.Must) != 3 {
		t.Fatalf("must length: want=3 got=%d", len(got.Must))
	}
	if got.Must[0].Key != payloadNamespaceKey {
		t.Fatalf("first condition must pin namespace, got=%v", got.Must[0])
	}
	if got.Must[0].Match["value"] != "rb:t1|c1" {
		t.Fatalf("namespace value: got=%v", got.Must[0].Match)
	}

	// Remaining fields come in sorted order.
	if got.Must[1].Key != "category" || got.Must[1].Match["value"] != "handbook" {
		t.Fatalf("category condition: got=%v", got.Must[1])
	}
	if got.Must[2].Key != "document_id" {
		t.Fatalf("document_id condition: got=%v", got.Must[2])
	}
	anyVals, ok := got.Must[2].Match["any"].([]any)
	if !ok || len(anyVals) != 2 || anyVals[0] != "doc-1" || anyVals[1] != "doc-2" {
		t.Fatalf("document_id any values: got=%v", got.Must[2].Match)
	}
}

func TestBuildFilterWireFormat(t *testing.T) {
	filter, err := buildFilter("rb:t1|c1", map[string]any{"category": "handbook"})
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"must":[{"key":"_rb_namespace","match":{"value":"rb:t1|c1"}},{"key":"category","match":{"value":"handbook"}}]}`
	if string(raw) != want {
		t.Fatalf("wire format:\nwant=%s\ngot =%s", want, raw)
	}
}

func TestBuildFilterAcceptsTypedSlices(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []any
	}{
		{"string slice", []string{"doc-1"}, []any{"doc-1"}},
		{"int slice", []int{7, 9}, []any{7, 9}},
		{"mixed scalars", []any{"a", 3, true}, []any{"a", 3, true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := buildFilter("rb:ns", map[string]any{
				"field": map[string]any{"$in": tc.in},
			})
			if err != nil {
				t.Fatalf("buildFilter: %v", err)
			}
			anyVals, ok := got.Must[1].Match["any"].([]any)
			if !ok || len(anyVals) != len(tc.want) {
				t.Fatalf("any values: got=%v", got.Must[1].Match)
			}
			for i := range tc.want {
				if anyVals[i] != tc.want[i] {
					t.Fatalf("value[%d]: want=%v got=%v", i, tc.want[i], anyVals[i])
				}
			}
		})
	}
}

func TestBuildFilterRejectsUnsupportedShapes(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		code OperationErrorCode
	}{
		{"range operator", map[string]any{"year": map[string]any{"$gt": 2020}}, OperationErrorUnsupportedFilter},
		{"top-level operator", map[string]any{"$or": []any{map[string]any{"a": 1}}}, OperationErrorUnsupportedFilter},
		{"mixed operators", map[string]any{"tag": map[string]any{"$in": []any{"x"}, "$eq": "y"}}, OperationErrorUnsupportedFilter},
		{"empty in list", map[string]any{"document_id": map[string]any{"$in": []any{}}}, OperationErrorValidation},
		{"non-scalar value", map[string]any{"blob": []byte{1}}, OperationErrorValidation},
		{"nested list", map[string]any{"ids": map[string]any{"$in": []any{[]any{"x"}}}}, OperationErrorValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildFilter("rb:ns", tc.in)
			var oe *OperationError
			if !errors.As(err, &oe) {
				t.Fatalf("expected OperationError, got=%T (%v)", err, err)
			}
			if oe.Code != tc.code {
				t.Fatalf("code: want=%q got=%q", tc.code, oe.Code)
			}
		})
	}
}

func TestAsScalarConversions(t *testing.T) {
	if v, ok := asScalar(int32(7)); !ok || v != 7 {
		t.Fatalf("int32: got=%v ok=%v", v, ok)
	}
	if v, ok := asScalar(float32(1.5)); !ok || v != 1.5 {
		t.Fatalf("float32: got=%v ok=%v", v, ok)
	}
	if v, ok := asScalar(json.Number("42")); !ok || v != int64(42) {
		t.Fatalf("json.Number int: got=%v ok=%v", v, ok)
	}
	if v, ok := asScalar(json.Number("4.2")); !ok || v != 4.2 {
		t.Fatalf("json.Number float: got=%v ok=%v", v, ok)
	}
	if _, ok := asScalar(map[string]any{}); ok {
		t.Fatalf("map must not be scalar")
	}
}
