package retriever

import (
	"container/list"
	"sync"
)

type cacheEntry struct {
	key   string
	value []Candidate
}

type searchCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	ll       *list.List
}

func newSearchCache(size int) *searchCache {
	if size <= 0 {
		size = 64
	}
	return &searchCache{
		capacity: size,
		items:    make(map[string]*list.Element, size),
		ll:       list.New(),
	}
}

func (c *searchCache) Get(key string) ([]Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c == nil || c.ll == nil {
		return nil, false
	}
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		if entry, ok := elem.Value.(cacheEntry); ok {
			return entry.value, true
		}
	}
	return nil, false
}

func (c *searchCache) Set(key string, value []Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c == nil || c.ll == nil {
		return
	}
	if elem, ok := c.items[key]; ok {
		elem.Value = cacheEntry{key: key, value: value}
		c.ll.MoveToFront(elem)
		return
	}
	elem := c.ll.PushFront(cacheEntry{key: key, value: value})
	c.items[key] = elem
	if c.ll.Len() > c.capacity {
		tail := c.ll.Back()
		if tail != nil {
			c.ll.Remove(tail)
			if entry, ok := tail.Value.(cacheEntry); ok {
				delete(c.items, entry.key)
			}
		}
	}
}

// Purge drops every cached search. Called after a schema sync so stale
// candidates never outlive the index they came from.
func (c *searchCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c == nil {
		return
	}
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
}
