package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/search"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

// fakeSearcher returns a canned result, optionally blocking until its
// context is cancelled.
type fakeSearcher struct {
	res   *search.Result
	err   error
	block bool
}

func (f *fakeSearcher) Search(ctx context.Context, req search.Request) (*search.Result, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.res, f.err
}

func cannedResult() *search.Result {
	return &search.Result{
		Messages:        []storage.Message{{MessageID: "m1", ChannelID: "ch1", Content: "database note"}},
		RelevanceScores: []float64{0.9},
		TotalFound:      1,
		Method:          search.TypeKeyword,
	}
}

func TestSubmitAwait(t *testing.T) {
	o := New(&fakeSearcher{res: cannedResult()}, 16)
	defer o.Flush()

	id := o.Submit(search.Request{Query: "database", ChannelID: "ch1", Type: search.TypeKeyword, Limit: 5})
	res, err := o.Await(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].MessageID != "m1" {
		t.Fatalf("unexpected result: %+v", res.Messages)
	}

	// The completed result stays retained and can be awaited again.
	res2, err := o.Await(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("second await: %v", err)
	}
	if len(res2.Messages) != 1 {
		t.Fatalf("retained result lost: %+v", res2)
	}
}

func TestAwait_UnknownTask(t *testing.T) {
	o := New(&fakeSearcher{res: cannedResult()}, 16)
	if _, err := o.Await(context.Background(), "no-such-task", time.Second); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

func TestAwait_TimeoutDiscardsTask(t *testing.T) {
	o := New(&fakeSearcher{block: true}, 16)
	defer o.Flush()

	id := o.Submit(search.Request{Query: "database", ChannelID: "ch1", Type: search.TypeKeyword, Limit: 5})
	if _, err := o.Await(context.Background(), id, 50*time.Millisecond); !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("err = %v, want ErrTaskTimeout", err)
	}

	// The task is gone; a late await cannot resurrect it.
	if _, err := o.Await(context.Background(), id, time.Second); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask after discard", err)
	}
}

func TestAwait_CallerCancellation(t *testing.T) {
	o := New(&fakeSearcher{block: true}, 16)
	defer o.Flush()

	id := o.Submit(search.Request{Query: "database", ChannelID: "ch1", Type: search.TypeKeyword, Limit: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Await(ctx, id, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestEviction_BoundsResultMap(t *testing.T) {
	o := New(&fakeSearcher{res: cannedResult()}, 10)
	defer o.Flush()

	req := search.Request{Query: "database", ChannelID: "ch1", Type: search.TypeKeyword, Limit: 5}
	for i := 0; i < 40; i++ {
		o.Submit(req)
	}
	if n := o.Len(); n > 10 {
		t.Fatalf("retained %d tasks, capacity 10", n)
	}
}

func TestFlush_ClearsEverything(t *testing.T) {
	o := New(&fakeSearcher{res: cannedResult()}, 16)
	id := o.Submit(search.Request{Query: "database", ChannelID: "ch1", Type: search.TypeKeyword, Limit: 5})
	o.Flush()
	if n := o.Len(); n != 0 {
		t.Fatalf("len after flush = %d", n)
	}
	if _, err := o.Await(context.Background(), id, time.Second); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask after flush", err)
	}
}
