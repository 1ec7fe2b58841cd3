package domain

import (
	"testing"
)

func TestVectorValueScanRoundTrip(t *testing.T) {
	in := Vector{0.1, -0.25, 3, 0}

	val, err := in.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	s, ok := val.(string)
	if !ok {
		t.Fatalf("value type = %T, want string", val)
	}
	if s[0] != '[' || s[len(s)-1] != ']' {
		t.Fatalf("literal %q not bracketed", s)
	}

	var out Vector
	if err := out.Scan(s); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("element %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestVectorNilValue(t *testing.T) {
	var v Vector
	val, err := v.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if val != nil {
		t.Fatalf("nil vector value = %v, want nil", val)
	}
}

func TestVectorScanNullAndBytes(t *testing.T) {
	var v Vector
	if err := v.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if v != nil {
		t.Fatalf("scan nil produced %v", v)
	}

	if err := v.Scan([]byte("[1,2.5]")); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if len(v) != 2 || v[0] != 1 || v[1] != 2.5 {
		t.Fatalf("scan bytes = %v", v)
	}

	if err := v.Scan("[]"); err != nil {
		t.Fatalf("scan empty: %v", err)
	}
	if len(v) != 0 {
		t.Fatalf("scan empty = %v", v)
	}
}

func TestVectorScanMalformed(t *testing.T) {
	var v Vector
	if err := v.Scan("1,2,3"); err == nil {
		t.Fatal("expected error for unbracketed literal")
	}
	if err := v.Scan("[1,x]"); err == nil {
		t.Fatal("expected error for non-numeric element")
	}
}

func TestValidStatusTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{DocumentStatusPending, DocumentStatusProcessing, true},
		{DocumentStatusProcessing, DocumentStatusCompleted, true},
		{DocumentStatusProcessing, DocumentStatusFailed, true},
		{DocumentStatusCompleted, DocumentStatusProcessing, false},
		{DocumentStatusFailed, DocumentStatusCompleted, false},
		{DocumentStatusPending, DocumentStatusCompleted, false},
	}
	for _, c := range cases {
		if got := ValidStatusTransition(c.from, c.to); got != c.want {
			t.Fatalf("transition %s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
