// Package cache holds rendered query and tile responses keyed by store
// generation and request
package cache

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/kass/go-smt-index/pkg/metrics"
)

// Cache is a byte cache. A miss is reported with ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte) error
	Name() string
}

// Key joins the generation and the request into one cache key. Entries of an old
// generation are never hit again and age out.
func Key(generation, kind, request string) string {
	return generation + "/" + kind + "/" + request
}

// Memory is an in-process LRU
type Memory struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// NewMemory returns an LRU holding at most entries values
func NewMemory(entries int) *Memory {
	return &Memory{lru: lru.New(entries)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	v, ok := m.lru.Get(key)
	m.mu.Unlock()
	observe(m, ok)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte) error {
	m.mu.Lock()
	m.lru.Add(key, val)
	m.mu.Unlock()
	return nil
}

// Len is the number of cached entries
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func observe(c Cache, hit bool) {
	if hit {
		metrics.CacheHitsTotal.WithLabelValues(c.Name()).Inc()
	} else {
		metrics.CacheMissesTotal.WithLabelValues(c.Name()).Inc()
	}
}
