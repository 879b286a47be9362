// Package vector provides the per-channel approximate nearest neighbor
// index: an HNSW graph over L2-normalized embedding vectors, plus the
// manager that owns one index per channel and handles persistence and
// eviction under a memory budget.
package vector

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// node is one element of the HNSW graph.
type node struct {
	Connections [][]uint32
	Vector      []float32
	Layer       int
	ID          uint32
}

// HNSW is a hierarchical navigable small world graph with cosine
// distance. Safe for concurrent use; inserts take the write lock,
// searches the read lock.
type HNSW struct {
	dimension int
	m         int     // connections per element per layer
	m0        int     // connections at layer 0
	ef        int     // construction candidate list size
	ml        float64 // level generation normalization factor
	ep        uint32  // entry point
	maxLevel  int

	nodes []*node

	mu sync.RWMutex
}

// SearchHit is one result of a graph search.
type SearchHit struct {
	ID       uint32
	Distance float32
}

// NewHNSW creates an empty graph. Node 0 is a zero-vector sentinel entry
// point and is never reported in results.
func NewHNSW(dimension, m, ef int) *HNSW {
	if m < 2 {
		m = 2
	}
	if ef < 16 {
		ef = 16
	}
	return &HNSW{
		dimension: dimension,
		m:         m,
		m0:        2 * m,
		ef:        ef,
		ml:        1 / math.Log(float64(m)),
		nodes: []*node{{
			ID:          0,
			Layer:       0,
			Vector:      make([]float32, dimension),
			Connections: make([][]uint32, 2*m+1),
		}},
	}
}

// Len returns the number of indexed vectors (sentinel excluded).
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes) - 1
}

// Dimension returns the configured vector dimension.
func (h *HNSW) Dimension() int { return h.dimension }

// SizeBytes estimates resident memory for budget accounting.
func (h *HNSW) SizeBytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	// vector + connection slices + node overhead, roughly
	per := int64(4*h.dimension + 8*h.m0 + 96)
	return int64(len(h.nodes)) * per
}

// Insert adds a vector and returns its internal id.
func (h *HNSW) Insert(v []float32) (uint32, error) {
	if len(v) != h.dimension {
		return 0, fmt.Errorf("dimension mismatch: expected %d, got %d", h.dimension, len(v))
	}

	vec := make([]float32, len(v))
	copy(vec, v)

	h.mu.Lock()
	defer h.mu.Unlock()

	id := uint32(len(h.nodes))
	n := &node{
		ID:          id,
		Vector:      vec,
		Layer:       int(math.Floor(-math.Log(rand.Float64()) * h.ml)),
		Connections: make([][]uint32, h.m+1),
	}
	if n.Layer >= len(n.Connections) {
		n.Connections = append(n.Connections, make([][]uint32, n.Layer-len(n.Connections)+1)...)
	}

	// Greedy descent through layers above the new node's layer.
	curr := h.nodes[h.ep]
	currDist := cosineDistance(curr.Vector, vec)
	for level := curr.Layer; level > n.Layer; level-- {
		changed := true
		for changed {
			changed = false
			for _, nb := range h.connsAt(curr, level) {
				d := cosineDistance(h.nodes[nb].Vector, vec)
				if d < currDist {
					curr, currDist = h.nodes[nb], d
					changed = true
				}
			}
		}
	}

	// Link into every level at and below the new node's layer.
	for level := min(n.Layer, h.maxLevel); level >= 0; level-- {
		top := h.searchLayer(vec, queueItem{id: curr.ID, dist: currDist}, h.ef, level)
		for top.Len() > h.m {
			heap.Pop(top)
		}
		conns := make([]uint32, top.Len())
		for i := top.Len() - 1; i >= 0; i-- {
			conns[i] = heap.Pop(top).(queueItem).id
		}
		n.Connections[level] = conns
	}

	h.nodes = append(h.nodes, n)

	for level := min(n.Layer, h.maxLevel); level >= 0; level-- {
		for _, nb := range n.Connections[level] {
			h.link(nb, id, level)
		}
	}

	if n.Layer > h.maxLevel {
		h.ep = id
		h.maxLevel = n.Layer
	}
	return id, nil
}

// Search returns up to k hits ordered by ascending distance. ef
// overrides the candidate list size when > 0.
func (h *HNSW) Search(q []float32, k, ef int) ([]SearchHit, error) {
	if len(q) != h.dimension {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", h.dimension, len(q))
	}
	if ef <= 0 {
		ef = h.ef
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) <= 1 {
		return nil, nil
	}

	curr := h.nodes[h.ep]
	currDist := cosineDistance(curr.Vector, q)
	for level := h.maxLevel; level > 0; level-- {
		changed := true
		for changed {
			changed = false
			for _, nb := range h.connsAt(curr, level) {
				d := cosineDistance(h.nodes[nb].Vector, q)
				if d < currDist {
					curr, currDist = h.nodes[nb], d
					changed = true
				}
			}
		}
	}

	// Search the base layer with room for the sentinel, which is
	// filtered below.
	top := h.searchLayer(q, queueItem{id: curr.ID, dist: currDist}, ef, 0)
	for top.Len() > k+1 {
		heap.Pop(top)
	}

	hits := make([]SearchHit, 0, top.Len())
	for top.Len() > 0 {
		it := heap.Pop(top).(queueItem)
		if it.id == 0 {
			continue
		}
		hits = append(hits, SearchHit{ID: it.id, Distance: it.dist})
	}
	// Heap pops worst-first; reverse into ascending order.
	for i, j := 0, len(hits)-1; i < j; i, j = i+1, j-1 {
		hits[i], hits[j] = hits[j], hits[i]
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// searchLayer walks one layer collecting up to ef nearest candidates
// into a max-heap. Caller holds the lock.
func (h *HNSW) searchLayer(q []float32, ep queueItem, ef, level int) *priorityQueue {
	visited := make([]bool, len(h.nodes)+1)
	visited[ep.id] = true

	candidates := &priorityQueue{}
	heap.Init(candidates)
	heap.Push(candidates, ep)

	top := &priorityQueue{maxHeap: true}
	heap.Init(top)
	heap.Push(top, ep)

	for candidates.Len() > 0 {
		lower := top.top().dist
		cand := heap.Pop(candidates).(queueItem)
		if cand.dist > lower {
			break
		}

		cn := h.nodes[cand.id]
		for _, nb := range h.connsAt(cn, level) {
			if int(nb) < len(visited) && visited[nb] {
				continue
			}
			if int(nb) < len(visited) {
				visited[nb] = true
			}

			d := cosineDistance(h.nodes[nb].Vector, q)
			it := queueItem{id: nb, dist: d}
			if top.Len() < ef {
				heap.Push(top, it)
				heap.Push(candidates, it)
			} else if top.top().dist > d {
				heap.Pop(top)
				heap.Push(top, it)
				heap.Push(candidates, it)
			}
		}
	}
	return top
}

// link connects first -> second at level, pruning back to the closest
// neighbors when the connection list overflows.
func (h *HNSW) link(first, second uint32, level int) {
	maxConns := h.m
	if level == 0 {
		maxConns = h.m0
	}

	n := h.nodes[first]
	if level >= len(n.Connections) {
		n.Connections = append(n.Connections, make([][]uint32, level-len(n.Connections)+1)...)
	}
	n.Connections[level] = append(n.Connections[level], second)

	if len(n.Connections[level]) <= maxConns {
		return
	}

	pruned := &priorityQueue{maxHeap: true}
	heap.Init(pruned)
	for _, id := range n.Connections[level] {
		heap.Push(pruned, queueItem{id: id, dist: cosineDistance(n.Vector, h.nodes[id].Vector)})
	}
	for pruned.Len() > maxConns {
		heap.Pop(pruned)
	}
	conns := make([]uint32, pruned.Len())
	for i := pruned.Len() - 1; i >= 0; i-- {
		conns[i] = heap.Pop(pruned).(queueItem).id
	}
	n.Connections[level] = conns
}

func (h *HNSW) connsAt(n *node, level int) []uint32 {
	if level >= len(n.Connections) {
		return nil
	}
	return n.Connections[level]
}

// hnswState is the gob persistence projection of the graph.
type hnswState struct {
	Dimension int
	M         int
	EF        int
	ML        float64
	EP        uint32
	MaxLevel  int
	Nodes     []*node
}

// GobEncode implements gob.GobEncoder.
func (h *HNSW) GobEncode() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(hnswState{
		Dimension: h.dimension,
		M:         h.m,
		EF:        h.ef,
		ML:        h.ml,
		EP:        h.ep,
		MaxLevel:  h.maxLevel,
		Nodes:     h.nodes,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (h *HNSW) GobDecode(data []byte) error {
	var st hnswState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.dimension = st.Dimension
	h.m = st.M
	h.m0 = 2 * st.M
	h.ef = st.EF
	h.ml = st.ML
	h.ep = st.EP
	h.maxLevel = st.MaxLevel
	h.nodes = st.Nodes
	return nil
}
