package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCompareAndSetConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v1, err := m.CompareAndSet(ctx, "k", []byte("a"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CompareAndSet(ctx, "k", []byte("b"), "wrong"); err != ErrCASConflict {
		t.Fatalf("expected ErrCASConflict, got %v", err)
	}
	if _, err := m.CompareAndSet(ctx, "k", []byte("b"), v1); err != nil {
		t.Fatalf("expected success with correct version: %v", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SetWithTTL(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected expired key to be ErrNotFound, got %v", err)
	}
}

func TestMemoryListKeysPrefixFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SetWithTTL(ctx, "budget:a", []byte("1"), 0)
	_ = m.SetWithTTL(ctx, "budget:b", []byte("2"), 0)
	_ = m.SetWithTTL(ctx, "other:c", []byte("3"), 0)

	keys, err := m.ListKeys(ctx, "budget:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys with budget: prefix, got %d", len(keys))
	}
}
