package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  conv-12  "); !ok || got != "conv-12" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	if Has(With(ctx, " ")) {
		t.Fatalf("expected invalid id to be ignored")
	}
	ctx = With(ctx, "abc")
	if got := ID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestGenerateIsVersion7(t *testing.T) {
	id := Generate()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7, got %d", parsed.Version())
	}
	if Generate() == id {
		t.Fatalf("expected unique ids")
	}
}
