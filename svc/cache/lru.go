package cache

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU caches raw clip bytes by key. Content addressing makes the bytes
// immutable for a given key, so entries never go stale; accessibility is
// still decided against fresh metadata on every read.
type LRU struct {
	c  *lru.Cache[string, []byte]
	mu sync.Mutex
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Get(key)
}

func (l *LRU) Set(key string, content []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(key, content)
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(key)
}
