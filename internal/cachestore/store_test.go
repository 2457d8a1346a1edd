package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromClient(rdb)
}

func TestGetSetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if v, err := s.Get(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("Get(missing) = (%q, %v)", v, err)
	}
	if err := s.Set(ctx, "k", "v", time.Hour); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if v, err := s.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("Get(k) = (%q, %v), want v", v, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if v, _ := s.Get(ctx, "k"); v != "" {
		t.Fatalf("Get(k) after Delete = %q", v)
	}
}

func TestZSetOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "z", 1, "a"); err != nil {
		t.Fatalf("ZAdd() error: %v", err)
	}
	if err := s.ZAdd(ctx, "z", 2, "b"); err != nil {
		t.Fatalf("ZAdd() error: %v", err)
	}
	if err := s.ZAdd(ctx, "z", 3, "c"); err != nil {
		t.Fatalf("ZAdd() error: %v", err)
	}

	members, err := s.ZRange(ctx, "z", 0, -1)
	if err != nil {
		t.Fatalf("ZRange() error: %v", err)
	}
	if len(members) != 3 || members[0] != "a" || members[2] != "c" {
		t.Fatalf("ZRange() = %v", members)
	}

	if err := s.ZRemRangeByScore(ctx, "z", "-inf", "1"); err != nil {
		t.Fatalf("ZRemRangeByScore() error: %v", err)
	}
	n, err := s.ZCard(ctx, "z")
	if err != nil {
		t.Fatalf("ZCard() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("ZCard() = %d, want 2", n)
	}

	if err := s.ZRemRangeByRank(ctx, "z", 0, 0); err != nil {
		t.Fatalf("ZRemRangeByRank() error: %v", err)
	}
	if n, _ := s.ZCard(ctx, "z"); n != 1 {
		t.Fatalf("ZCard() after rank trim = %d, want 1", n)
	}
}

func TestExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "k", "v", time.Hour)
	if err := s.Expire(ctx, "k", time.Millisecond); err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if v, _ := s.Get(ctx, "k"); v != "" {
		t.Fatalf("Get(k) after short expiry = %q", v)
	}
}

func TestPipelineRunsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Pipeline(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, "p1", "v1", 0)
		p.Set(ctx, "p2", "v2", 0)
		return nil
	})
	if err != nil {
		t.Fatalf("Pipeline() error: %v", err)
	}
	if v, _ := s.Get(ctx, "p1"); v != "v1" {
		t.Fatalf("Get(p1) = %q, want v1", v)
	}
	if v, _ := s.Get(ctx, "p2"); v != "v2" {
		t.Fatalf("Get(p2) = %q, want v2", v)
	}
}
