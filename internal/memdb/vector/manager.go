package vector

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/errs"
)

// ManagerOptions tunes index construction, persistence and placement.
type ManagerOptions struct {
	Dimension     int
	M             int
	EF            int
	SaveEvery     int // persist after this many inserted vectors
	MemoryLimitMB int // resident budget across all loaded indices
}

// Hit is a search result: an external message id with a similarity score
// in [0,1].
type Hit struct {
	MessageID string
	Score     float64
}

// IndexStats describes one loaded channel index.
type IndexStats struct {
	ChannelID   string    `json:"channel_id"`
	Vectors     int       `json:"vectors"`
	Dimension   int       `json:"dimension"`
	SizeBytes   int64     `json:"size_bytes"`
	Dirty       int       `json:"dirty"`
	LastUsed    time.Time `json:"last_used"`
	LastSaveErr string    `json:"last_save_error,omitempty"`
}

// channelIndex pairs a graph with its id mapping. ids[internal-1] is the
// external message id (internal 0 is the graph sentinel).
type channelIndex struct {
	graph *HNSW

	// imu guards the id mapping: searches resolve internal ids while a
	// writer may be appending.
	imu   sync.RWMutex
	ids   []string
	byExt map[string]uint32

	// lastUsed is unix nanos, read by the evictor without wmu.
	lastUsed atomic.Int64

	// wmu serializes writers to this channel's index and guards dirty,
	// saveErr and evicted. Searches only need the graph's internal
	// read lock.
	wmu     sync.Mutex
	dirty   int // inserts since last successful save
	saveErr error
	evicted bool
}

func (ci *channelIndex) touch() { ci.lastUsed.Store(time.Now().UnixNano()) }

// Manager owns one ANN index per channel: lifecycle, persistence to
// disk, and eviction of least-recently-used indices under the memory
// budget.
type Manager struct {
	dir  string
	opts ManagerOptions
	log  *slog.Logger

	mu      sync.RWMutex
	indices map[string]*channelIndex
}

// NewManager creates a manager persisting index artifacts under dir.
func NewManager(dir string, opts ManagerOptions) (*Manager, error) {
	if opts.Dimension <= 0 {
		return nil, errs.NewConfigurationError("index.dimension", fmt.Errorf("dimension must be positive"))
	}
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = 100
	}
	if opts.M <= 0 {
		opts.M = 16
	}
	if opts.EF <= 0 {
		opts.EF = 100
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.NewVectorOperationError("create_index_dir", "", err)
	}
	return &Manager{
		dir:     dir,
		opts:    opts,
		log:     slog.With("component", "vector"),
		indices: make(map[string]*channelIndex),
	}, nil
}

// EnsureIndex loads the channel's index from disk if an artifact exists,
// otherwise creates an empty one. Idempotent.
func (m *Manager) EnsureIndex(channelID string) error {
	_, err := m.ensure(channelID)
	return err
}

// ensure returns the pinned live index for a channel, loading or
// creating it under the manager lock. Callers that write must re-check
// ci.evicted under ci.wmu; the evictor marks an index evicted before
// dropping it from the map so a pinned pointer cannot be written to
// after its final save.
func (m *Manager) ensure(channelID string) (*channelIndex, error) {
	m.mu.RLock()
	ci, ok := m.indices[channelID]
	m.mu.RUnlock()
	if ok {
		return ci, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ci, ok := m.indices[channelID]; ok {
		return ci, nil
	}

	if err := m.evictForBudgetLocked(); err != nil {
		return nil, err
	}

	ci, err := m.loadLocked(channelID)
	if err != nil {
		return nil, err
	}
	if ci == nil {
		ci = &channelIndex{
			graph: NewHNSW(m.opts.Dimension, m.opts.M, m.opts.EF),
			byExt: make(map[string]uint32),
		}
		m.log.Info("index created", "channel", channelID, "dimension", m.opts.Dimension)
	}
	ci.touch()
	m.indices[channelID] = ci
	return ci, nil
}

// AddVectors inserts vectors with their external message ids. Vectors
// are L2-normalized before insertion. Writers to the same channel are
// serialized here.
func (m *Manager) AddVectors(channelID string, vectors [][]float32, ids []string) error {
	if len(vectors) != len(ids) {
		return errs.NewVectorOperationError("add_vectors", channelID,
			fmt.Errorf("vector/id count mismatch: %d != %d", len(vectors), len(ids)))
	}
	var ci *channelIndex
	for {
		var err error
		if ci, err = m.ensure(channelID); err != nil {
			return err
		}
		ci.wmu.Lock()
		if !ci.evicted {
			break
		}
		// Evicted between ensure and lock; its final save already ran,
		// so inserting here would be lost. Pin a fresh index.
		ci.wmu.Unlock()
	}
	defer ci.wmu.Unlock()

	for i, vec := range vectors {
		if _, dup := ci.byExt[ids[i]]; dup {
			continue // idempotent on redelivery
		}
		internal, err := ci.graph.Insert(Normalize(vec))
		if err != nil {
			return errs.NewVectorOperationError("add_vectors", channelID, err)
		}
		ci.imu.Lock()
		ci.ids = append(ci.ids, ids[i])
		ci.byExt[ids[i]] = internal
		ci.imu.Unlock()
		ci.dirty++
	}
	ci.touch()

	if ci.dirty >= m.opts.SaveEvery {
		if err := m.saveChannel(channelID, ci); err != nil {
			// Retried on the next persistence checkpoint.
			ci.saveErr = err
			m.log.Error("index checkpoint failed", "channel", channelID, "error", err)
		}
	}
	return nil
}

// SearchSimilar returns up to k hits above the similarity threshold,
// best first.
func (m *Manager) SearchSimilar(channelID string, query []float32, k int, threshold float64) ([]Hit, error) {
	ci, err := m.ensure(channelID)
	if err != nil {
		return nil, err
	}
	ci.touch()

	hits, err := ci.graph.Search(Normalize(query), k, 0)
	if err != nil {
		return nil, errs.NewVectorOperationError("search_similar", channelID, err)
	}

	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		score := 1 - float64(h.Distance) // cosine similarity
		if score < threshold {
			continue
		}
		ext := ci.externalID(h.ID)
		if ext == "" {
			continue
		}
		out = append(out, Hit{MessageID: ext, Score: score})
	}
	return out, nil
}

// SaveIndex persists one channel's index now.
func (m *Manager) SaveIndex(channelID string) error {
	ci := m.get(channelID)
	if ci == nil {
		return nil
	}
	ci.wmu.Lock()
	defer ci.wmu.Unlock()
	if err := m.saveChannel(channelID, ci); err != nil {
		ci.saveErr = err
		return err
	}
	return nil
}

// UnloadIndex saves and drops a channel's in-memory index.
func (m *Manager) UnloadIndex(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(channelID)
}

// DeleteIndex drops a channel's index and removes its on-disk artifacts.
func (m *Manager) DeleteIndex(channelID string) error {
	m.mu.Lock()
	if ci, ok := m.indices[channelID]; ok {
		ci.wmu.Lock()
		ci.evicted = true
		ci.wmu.Unlock()
		delete(m.indices, channelID)
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range []string{m.indexPath(channelID), m.idsPath(channelID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errs.NewVectorOperationError("delete_index", channelID, err)
		}
	}
	return firstErr
}

// Stats returns statistics for all loaded indices.
func (m *Manager) Stats() []IndexStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]IndexStats, 0, len(m.indices))
	for id, ci := range m.indices {
		st := IndexStats{
			ChannelID: id,
			Vectors:   ci.graph.Len(),
			Dimension: ci.graph.Dimension(),
			SizeBytes: ci.graph.SizeBytes(),
			LastUsed:  time.Unix(0, ci.lastUsed.Load()),
		}
		ci.wmu.Lock()
		st.Dirty = ci.dirty
		if ci.saveErr != nil {
			st.LastSaveErr = ci.saveErr.Error()
		}
		ci.wmu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Close saves every dirty index on controlled shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id := range m.indices {
		if err := m.unloadLocked(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) get(channelID string) *channelIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indices[channelID]
}

func (ci *channelIndex) externalID(internal uint32) string {
	ci.imu.RLock()
	defer ci.imu.RUnlock()
	idx := int(internal) - 1
	if idx < 0 || idx >= len(ci.ids) {
		return ""
	}
	return ci.ids[idx]
}

func (m *Manager) indexPath(channelID string) string {
	return filepath.Join(m.dir, channelID+".idx")
}

func (m *Manager) idsPath(channelID string) string {
	return filepath.Join(m.dir, channelID+".ids")
}

// loadLocked reads a channel's artifacts; nil without error when no
// artifact exists. A corrupt artifact is structural and propagates.
func (m *Manager) loadLocked(channelID string) (*channelIndex, error) {
	f, err := os.Open(m.indexPath(channelID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewVectorOperationError("load_index", channelID, err)
	}
	defer f.Close()

	graph := &HNSW{}
	if err := gob.NewDecoder(f).Decode(graph); err != nil {
		return nil, errs.NewVectorOperationError("load_index", channelID, fmt.Errorf("decode graph: %w", err))
	}

	idf, err := os.Open(m.idsPath(channelID))
	if err != nil {
		return nil, errs.NewVectorOperationError("load_index", channelID, fmt.Errorf("open id mapping: %w", err))
	}
	defer idf.Close()

	var ids []string
	if err := gob.NewDecoder(idf).Decode(&ids); err != nil {
		return nil, errs.NewVectorOperationError("load_index", channelID, fmt.Errorf("decode id mapping: %w", err))
	}

	byExt := make(map[string]uint32, len(ids))
	for i, ext := range ids {
		byExt[ext] = uint32(i + 1)
	}

	m.log.Info("index loaded", "channel", channelID, "vectors", graph.Len())
	return &channelIndex{graph: graph, ids: ids, byExt: byExt}, nil
}

// saveChannel writes both artifacts atomically via temp file + rename.
// A failed save leaves the previous artifacts and the in-memory index
// intact.
func (m *Manager) saveChannel(channelID string, ci *channelIndex) error {
	if err := writeGob(m.indexPath(channelID), ci.graph); err != nil {
		return errs.NewVectorOperationError("save_index", channelID, err)
	}
	if err := writeGob(m.idsPath(channelID), ci.ids); err != nil {
		return errs.NewVectorOperationError("save_index", channelID, err)
	}
	ci.dirty = 0
	ci.saveErr = nil
	m.log.Debug("index saved", "channel", channelID, "vectors", ci.graph.Len())
	return nil
}

// unloadLocked performs the final save of an index and drops it from
// the map. It takes the channel's wmu so an in-flight writer either
// lands before the save or observes ci.evicted and re-pins. Lock order
// is always m.mu then wmu.
func (m *Manager) unloadLocked(channelID string) error {
	ci, ok := m.indices[channelID]
	if !ok {
		return nil
	}
	ci.wmu.Lock()
	defer ci.wmu.Unlock()

	var err error
	if ci.dirty > 0 || ci.saveErr != nil {
		err = m.saveChannel(channelID, ci)
	}
	ci.evicted = true
	delete(m.indices, channelID)
	return err
}

// evictForBudgetLocked saves and evicts least-recently-used indices
// until resident size fits the budget, leaving room for one more index.
func (m *Manager) evictForBudgetLocked() error {
	limit := int64(m.opts.MemoryLimitMB) * 1024 * 1024
	if limit <= 0 {
		return nil
	}

	for {
		var total int64
		oldest := ""
		var oldestAt int64
		for id, ci := range m.indices {
			total += ci.graph.SizeBytes()
			if at := ci.lastUsed.Load(); oldest == "" || at < oldestAt {
				oldest, oldestAt = id, at
			}
		}
		if total < limit || oldest == "" || len(m.indices) <= 1 {
			return nil
		}
		m.log.Info("evicting index for memory budget",
			"channel", oldest, "resident_bytes", total, "limit_bytes", limit)
		if err := m.unloadLocked(oldest); err != nil {
			return err
		}
	}
}

func writeGob(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
