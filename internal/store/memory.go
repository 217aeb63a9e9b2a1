package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	version uint64
	expiry  time.Time
}

// Memory is an in-process Store, used as the production fallback when a
// host has no external KV configured (spec.md's "in-memory-only" mode
// after CAS retries are exhausted) and as a test double.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memoryEntry
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: map[string]*memoryEntry{}}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || m.expired(e) {
		return Entry{}, ErrNotFound
	}
	return Entry{Value: e.value, Version: strconv.FormatUint(e.version, 10)}, nil
}

func (m *Memory) CompareAndSet(ctx context.Context, key string, value []byte, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.data[key]
	if exists && m.expired(e) {
		exists = false
	}

	switch {
	case !exists && expectedVersion != "":
		return "", ErrCASConflict
	case exists && strconv.FormatUint(e.version, 10) != expectedVersion:
		return "", ErrCASConflict
	}

	nextVersion := uint64(1)
	if exists {
		nextVersion = e.version + 1
	}
	var expiry time.Time
	if exists {
		expiry = e.expiry
	}
	m.data[key] = &memoryEntry{value: value, version: nextVersion, expiry: expiry}
	return strconv.FormatUint(nextVersion, 10), nil
}

func (m *Memory) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	nextVersion := uint64(1)
	if e, ok := m.data[key]; ok && !m.expired(e) {
		nextVersion = e.version + 1
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	m.data[key] = &memoryEntry{value: value, version: nextVersion, expiry: expiry}
	return nil
}

func (m *Memory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, e := range m.data {
		if m.expired(e) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) expired(e *memoryEntry) bool {
	return !e.expiry.IsZero() && time.Now().After(e.expiry)
}

var _ Store = (*Memory)(nil)
