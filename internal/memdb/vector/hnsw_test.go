package vector

import (
	"math/rand"
	"testing"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()*2 - 1
		}
		out[i] = Normalize(v)
	}
	return out
}

func TestHNSW_InsertAndSearch(t *testing.T) {
	const (
		dim = 16
		n   = 200
	)
	h := NewHNSW(dim, 8, 64)
	vecs := randomVectors(n, dim, 42)
	for i, v := range vecs {
		vc := make([]float32, dim)
		copy(vc, v)
		if _, err := h.Insert(vc); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if h.Len() != n {
		t.Fatalf("Len = %d, want %d", h.Len(), n)
	}

	// Querying with an indexed vector must return it first with near-zero
	// distance.
	q := make([]float32, dim)
	copy(q, vecs[17])
	hits, err := h.Search(q, 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].ID != 18 { // internal ids start at 1
		t.Errorf("top hit id = %d, want 18", hits[0].ID)
	}
	if hits[0].Distance > 1e-5 {
		t.Errorf("top hit distance = %f, want ~0", hits[0].Distance)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Distance < hits[i-1].Distance {
			t.Errorf("hits not ordered by ascending distance")
		}
	}
}

func TestHNSW_DimensionMismatch(t *testing.T) {
	h := NewHNSW(8, 8, 32)
	if _, err := h.Insert(make([]float32, 4)); err == nil {
		t.Error("Insert with wrong dimension succeeded")
	}
	if _, err := h.Search(make([]float32, 4), 1, 0); err == nil {
		t.Error("Search with wrong dimension succeeded")
	}
}

func TestHNSW_GobRoundTrip(t *testing.T) {
	const dim = 8
	h := NewHNSW(dim, 4, 32)
	vecs := randomVectors(50, dim, 7)
	for _, v := range vecs {
		vc := make([]float32, dim)
		copy(vc, v)
		if _, err := h.Insert(vc); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	data, err := h.GobEncode()
	if err != nil {
		t.Fatalf("GobEncode: %v", err)
	}
	h2 := &HNSW{}
	if err := h2.GobDecode(data); err != nil {
		t.Fatalf("GobDecode: %v", err)
	}
	if h2.Len() != h.Len() {
		t.Fatalf("decoded Len = %d, want %d", h2.Len(), h.Len())
	}

	q := make([]float32, dim)
	copy(q, vecs[3])
	before, err := h.Search(q, 10, 0)
	if err != nil {
		t.Fatalf("Search before: %v", err)
	}
	copy(q, vecs[3])
	after, err := h2.Search(q, 10, 0)
	if err != nil {
		t.Fatalf("Search after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("result counts differ: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("result %d id differs: %d vs %d", i, before[i].ID, after[i].ID)
		}
		if diff := before[i].Distance - after[i].Distance; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("result %d distance differs: %f vs %f", i, before[i].Distance, after[i].Distance)
		}
	}
}
