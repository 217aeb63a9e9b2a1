package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client, nil)
}

func TestRedisCompareAndSetFreshKey(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()

	version, err := s.CompareAndSet(ctx, "budget:1", []byte("v1"), "")
	if err != nil {
		t.Fatalf("CompareAndSet on fresh key: %v", err)
	}
	if version == "" {
		t.Fatal("expected a non-empty version")
	}

	entry, err := s.Get(ctx, "budget:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value) != "v1" || entry.Version != version {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestRedisCompareAndSetConflict(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()

	v1, err := s.CompareAndSet(ctx, "budget:1", []byte("v1"), "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CompareAndSet(ctx, "budget:1", []byte("v2"), "stale-version"); err != ErrCASConflict {
		t.Fatalf("expected ErrCASConflict, got %v", err)
	}

	if _, err := s.CompareAndSet(ctx, "budget:1", []byte("v2"), v1); err != nil {
		t.Fatalf("expected success with correct version: %v", err)
	}
}

func TestRedisGetNotFound(t *testing.T) {
	s := newTestRedis(t)
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisSetWithTTLThenListKeys(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()

	if err := s.SetWithTTL(ctx, "budget:scope:a", []byte("x"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWithTTL(ctx, "budget:scope:b", []byte("y"), time.Minute); err != nil {
		t.Fatal(err)
	}

	keys, err := s.ListKeys(ctx, "budget:scope:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
}
