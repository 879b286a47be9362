package vector

import (
	"fmt"
	"sync"
	"testing"
)

func newTestManager(t *testing.T, dim int) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), ManagerOptions{
		Dimension:     dim,
		M:             8,
		EF:            64,
		SaveEvery:     1000,
		MemoryLimitMB: 64,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManager_AddAndSearch(t *testing.T) {
	const dim = 16
	m := newTestManager(t, dim)

	vecs := randomVectors(30, dim, 1)
	ids := make([]string, len(vecs))
	for i := range ids {
		ids[i] = fmt.Sprintf("msg-%03d", i)
	}
	if err := m.AddVectors("ch1", vecs, ids); err != nil {
		t.Fatalf("AddVectors: %v", err)
	}

	q := make([]float32, dim)
	copy(q, vecs[5])
	hits, err := m.SearchSimilar("ch1", q, 3, 0.5)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].MessageID != "msg-005" {
		t.Errorf("top hit = %s, want msg-005", hits[0].MessageID)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("top hit score = %f, want ~1", hits[0].Score)
	}
	for _, h := range hits {
		if h.Score < 0.5 {
			t.Errorf("hit %s below threshold: %f", h.MessageID, h.Score)
		}
	}
}

func TestManager_DuplicateIDsIdempotent(t *testing.T) {
	const dim = 8
	m := newTestManager(t, dim)

	vecs := randomVectors(5, dim, 2)
	ids := []string{"a", "b", "c", "d", "e"}
	if err := m.AddVectors("ch1", vecs, ids); err != nil {
		t.Fatalf("AddVectors: %v", err)
	}
	if err := m.AddVectors("ch1", vecs, ids); err != nil {
		t.Fatalf("AddVectors (repeat): %v", err)
	}

	stats := m.Stats()
	if len(stats) != 1 {
		t.Fatalf("stats count = %d", len(stats))
	}
	if stats[0].Vectors != 5 {
		t.Errorf("vectors = %d, want 5", stats[0].Vectors)
	}
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	const dim = 16
	dir := t.TempDir()
	opts := ManagerOptions{Dimension: dim, M: 8, EF: 64, SaveEvery: 1000, MemoryLimitMB: 64}

	m, err := NewManager(dir, opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	vecs := randomVectors(40, dim, 3)
	ids := make([]string, len(vecs))
	for i := range ids {
		ids[i] = fmt.Sprintf("msg-%03d", i)
	}
	if err := m.AddVectors("ch1", vecs, ids); err != nil {
		t.Fatalf("AddVectors: %v", err)
	}

	q := make([]float32, dim)
	copy(q, vecs[11])
	before, err := m.SearchSimilar("ch1", q, 10, 0)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}

	if err := m.SaveIndex("ch1"); err != nil {
		t.Fatalf("SaveIndex: %v", err)
	}
	if err := m.UnloadIndex("ch1"); err != nil {
		t.Fatalf("UnloadIndex: %v", err)
	}

	// Fresh manager over the same directory must yield identical results.
	m2, err := NewManager(dir, opts)
	if err != nil {
		t.Fatalf("NewManager (reload): %v", err)
	}
	copy(q, vecs[11])
	after, err := m2.SearchSimilar("ch1", q, 10, 0)
	if err != nil {
		t.Fatalf("SearchSimilar (reload): %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("result counts differ: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].MessageID != after[i].MessageID {
			t.Errorf("result %d id differs: %s vs %s", i, before[i].MessageID, after[i].MessageID)
		}
		if diff := before[i].Score - after[i].Score; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("result %d score differs: %f vs %f", i, before[i].Score, after[i].Score)
		}
	}
}

func TestManager_ConcurrentWritesSurviveUnload(t *testing.T) {
	const (
		dim       = 8
		perWriter = 40
	)
	dir := t.TempDir()
	opts := ManagerOptions{Dimension: dim, M: 4, EF: 32, SaveEvery: 4, MemoryLimitMB: 64}
	m, err := NewManager(dir, opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	// Writers racing against repeated unloads: every insert must either
	// land before the victim's final save or go to a freshly pinned
	// index, never into a dropped one.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		ch := fmt.Sprintf("ch%d", w%2)
		vecs := randomVectors(perWriter, dim, int64(w+10))
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i, v := range vecs {
				id := fmt.Sprintf("w%d-%03d", w, i)
				if err := m.AddVectors(ch, [][]float32{v}, []string{id}); err != nil {
					t.Errorf("AddVectors %s/%s: %v", ch, id, err)
					return
				}
			}
		}(w)
	}

	stop := make(chan struct{})
	var unloader sync.WaitGroup
	unloader.Add(1)
	go func() {
		defer unloader.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			m.UnloadIndex("ch0")
			m.UnloadIndex("ch1")
		}
	}()

	wg.Wait()
	close(stop)
	unloader.Wait()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := NewManager(dir, opts)
	if err != nil {
		t.Fatalf("NewManager (reload): %v", err)
	}
	for _, ch := range []string{"ch0", "ch1"} {
		if err := m2.EnsureIndex(ch); err != nil {
			t.Fatalf("EnsureIndex %s: %v", ch, err)
		}
	}
	for _, st := range m2.Stats() {
		if st.Vectors != 2*perWriter {
			t.Errorf("channel %s holds %d vectors, want %d", st.ChannelID, st.Vectors, 2*perWriter)
		}
	}
}

func TestManager_DeleteIndex(t *testing.T) {
	const dim = 8
	m := newTestManager(t, dim)

	vecs := randomVectors(3, dim, 4)
	if err := m.AddVectors("ch1", vecs, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("AddVectors: %v", err)
	}
	if err := m.SaveIndex("ch1"); err != nil {
		t.Fatalf("SaveIndex: %v", err)
	}
	if err := m.DeleteIndex("ch1"); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}

	// A fresh ensure must start empty.
	if err := m.EnsureIndex("ch1"); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	stats := m.Stats()
	if len(stats) != 1 || stats[0].Vectors != 0 {
		t.Errorf("expected empty recreated index, got %+v", stats)
	}
}
