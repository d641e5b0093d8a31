package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/queue"
)

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	c, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	return c
}

func TestQueueEnqueueAndDepth(t *testing.T) {
	c := newTestCache(t)
	q := queue.New(c, queue.Config{Key: "q1"}, func(ctx context.Context, task coremodel.Task) error { return nil })
	ctx := context.Background()

	if err := q.EnqueueJudge(ctx, "s1", "p1", "1", "cpp17", "code"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestQueueDrainsFIFOOrder(t *testing.T) {
	c := newTestCache(t)
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 3)

	q := queue.New(c, queue.Config{Key: "q2", Concurrency: 1, PollWait: 10 * time.Millisecond}, func(ctx context.Context, task coremodel.Task) error {
		mu.Lock()
		seen = append(seen, task.SubmissionID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	ctx := context.Background()

	_ = q.EnqueueJudge(ctx, "first", "p1", "1", "cpp17", "code")
	_ = q.EnqueueJudge(ctx, "second", "p1", "1", "cpp17", "code")
	_ = q.EnqueueJudge(ctx, "third", "p1", "1", "cpp17", "code")

	q.Start(ctx)
	defer q.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "first" || seen[1] != "second" || seen[2] != "third" {
		t.Fatalf("expected FIFO order [first second third], got %v", seen)
	}
}
