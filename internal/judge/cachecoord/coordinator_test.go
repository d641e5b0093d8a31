package cachecoord_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/judge/cachecoord"
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

func TestCoordinatorGetMissThenHit(t *testing.T) {
	c := cachecoord.New(newTestCache(t), "submissions", time.Minute)
	ctx := context.Background()

	key := c.QueryKey("list_submissions", map[string]string{"problem_id": "p1"}, 1, 20, "user:1")
	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected miss before Put, got ok=%v err=%v", ok, err)
	}

	deps := []cachecoord.EntityRef{{Kind: "submission", Field: "problem_id", Value: "p1"}}
	if err := c.Put(ctx, key, `{"items":[]}`, deps); err != nil {
		t.Fatalf("put: %v", err)
	}

	body, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit after Put, got ok=%v err=%v", ok, err)
	}
	if body != `{"items":[]}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestCoordinatorInvalidateRemovesDependentEntries(t *testing.T) {
	c := cachecoord.New(newTestCache(t), "submissions", time.Minute)
	ctx := context.Background()

	key := c.QueryKey("list_submissions", map[string]string{"problem_id": "p1"}, 1, 20, "user:1")
	ref := cachecoord.EntityRef{Kind: "submission", Field: "problem_id", Value: "p1"}
	if err := c.Put(ctx, key, `{"items":[]}`, []cachecoord.EntityRef{ref}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := c.Invalidate(ctx, ref); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected miss after invalidation, got ok=%v err=%v", ok, err)
	}
}

func TestCoordinatorInvalidateLeavesUnrelatedEntries(t *testing.T) {
	c := cachecoord.New(newTestCache(t), "submissions", time.Minute)
	ctx := context.Background()

	keyP1 := c.QueryKey("list_submissions", map[string]string{"problem_id": "p1"}, 1, 20, "user:1")
	keyP2 := c.QueryKey("list_submissions", map[string]string{"problem_id": "p2"}, 1, 20, "user:1")
	refP1 := cachecoord.EntityRef{Kind: "submission", Field: "problem_id", Value: "p1"}
	refP2 := cachecoord.EntityRef{Kind: "submission", Field: "problem_id", Value: "p2"}

	if err := c.Put(ctx, keyP1, `{"p":1}`, []cachecoord.EntityRef{refP1}); err != nil {
		t.Fatalf("put p1: %v", err)
	}
	if err := c.Put(ctx, keyP2, `{"p":2}`, []cachecoord.EntityRef{refP2}); err != nil {
		t.Fatalf("put p2: %v", err)
	}

	if err := c.Invalidate(ctx, refP1); err != nil {
		t.Fatalf("invalidate p1: %v", err)
	}

	if _, ok, _ := c.Get(ctx, keyP1); ok {
		t.Fatalf("expected p1 entry invalidated")
	}
	body, ok, err := c.Get(ctx, keyP2)
	if err != nil || !ok || body != `{"p":2}` {
		t.Fatalf("expected p2 entry untouched, got ok=%v body=%s err=%v", ok, body, err)
	}
}
