package embedder

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "CREATE VIEW v_orders AS SELECT * FROM orders")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Embed(ctx, "CREATE VIEW v_orders AS SELECT * FROM orders")
	if err != nil {
		t.Fatal(err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at index %d", i)
		}
	}
}

func TestHashEmbedder_DimensionsAndNorm(t *testing.T) {
	e := NewHashEmbedder(64)

	vec, err := e.Embed(context.Background(), "select something from somewhere")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 64 {
		t.Fatalf("expected 64 dimensions, got %d", len(vec))
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("expected unit norm, got %f", norm)
	}
}

func TestHashEmbedder_BatchOrder(t *testing.T) {
	e := NewHashEmbedder(32)

	vecs, err := e.EmbedBatch(context.Background(), []string{"alpha beta", "gamma delta"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}

	single, _ := e.Embed(context.Background(), "gamma delta")
	for i := range single {
		if vecs[1][i] != single[i] {
			t.Fatal("batch order does not match single embedding")
		}
	}
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	e := NewHashEmbedder(16)
	vec, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range vec {
		if v != 0 {
			t.Fatal("expected zero vector for empty text")
		}
	}
}

func TestHashEmbedder_DefaultDimensions(t *testing.T) {
	e := NewHashEmbedder(0)
	if e.Dimensions() != defaultHashDimensions {
		t.Errorf("expected default dimensions %d, got %d", defaultHashDimensions, e.Dimensions())
	}
}
