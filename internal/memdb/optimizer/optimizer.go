// Package optimizer is a task-oriented front end to the search engine.
// Callers submit a search, get a task id back and collect the result
// later; completed results are retained in a bounded map.
package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/search"
)

// Eviction thresholds: at 80% occupancy the least recently accessed
// tasks are dropped until occupancy is back under 60%.
const (
	evictHighWater = 0.8
	evictLowWater  = 0.6
)

var (
	// ErrUnknownTask is returned for ids never submitted or already
	// evicted.
	ErrUnknownTask = errors.New("unknown search task")
	// ErrTaskTimeout is returned when Await gives up; the task is
	// cancelled best-effort and its late result discarded.
	ErrTaskTimeout = errors.New("search task timed out")
)

type task struct {
	id       string
	done     chan struct{}
	cancel   context.CancelFunc
	res      *search.Result
	err      error
	accessed time.Time
}

// Searcher executes one search request. Satisfied by search.Engine.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// Optimizer schedules background searches with a bounded result map.
// One mutex guards all map mutations.
type Optimizer struct {
	engine   Searcher
	capacity int
	log      *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates an optimizer retaining at most capacity task results.
func New(engine Searcher, capacity int) *Optimizer {
	if capacity <= 0 {
		capacity = 128
	}
	return &Optimizer{
		engine:   engine,
		capacity: capacity,
		log:      slog.With("component", "optimizer"),
		tasks:    make(map[string]*task),
	}
}

// Submit starts a background search and returns its task id. A cache
// hit in the engine completes the task immediately.
func (o *Optimizer) Submit(req search.Request) string {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:       uuid.NewString(),
		done:     make(chan struct{}),
		cancel:   cancel,
		accessed: time.Now(),
	}

	o.mu.Lock()
	o.evictLocked()
	o.tasks[t.id] = t
	o.mu.Unlock()

	go func() {
		defer cancel()
		res, err := o.engine.Search(ctx, req)
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, live := o.tasks[t.id]; !live || ctx.Err() != nil {
			// Cancelled or evicted while running; drop the result.
			return
		}
		t.res, t.err = res, err
		close(t.done)
	}()
	return t.id
}

// Await blocks until the task completes or the timeout elapses. On
// timeout the task is cancelled and removed; a late result is never
// surfaced.
func (o *Optimizer) Await(ctx context.Context, id string, timeout time.Duration) (*search.Result, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if ok {
		t.accessed = time.Now()
	}
	o.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTask
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		o.mu.Lock()
		t.accessed = time.Now()
		res, err := t.res, t.err
		o.mu.Unlock()
		return res, err
	case <-timer.C:
		o.drop(id)
		return nil, ErrTaskTimeout
	case <-ctx.Done():
		o.drop(id)
		return nil, ctx.Err()
	}
}

// Len reports the current number of retained tasks.
func (o *Optimizer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// Flush cancels every pending task and clears the result map.
func (o *Optimizer) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tasks {
		t.cancel()
	}
	o.tasks = make(map[string]*task)
}

func (o *Optimizer) drop(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[id]; ok {
		t.cancel()
		delete(o.tasks, id)
	}
}

// evictLocked trims least recently accessed tasks once the map passes
// the high-water mark. Caller holds o.mu.
func (o *Optimizer) evictLocked() {
	if float64(len(o.tasks)+1) < evictHighWater*float64(o.capacity) {
		return
	}
	target := int(evictLowWater * float64(o.capacity))

	byAge := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		byAge = append(byAge, t)
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].accessed.Before(byAge[j].accessed) })

	evicted := 0
	for _, t := range byAge {
		if len(o.tasks) <= target {
			break
		}
		t.cancel()
		delete(o.tasks, t.id)
		evicted++
	}
	if evicted > 0 {
		o.log.Debug("evicted search tasks", "count", evicted, "remaining", len(o.tasks))
	}
}
