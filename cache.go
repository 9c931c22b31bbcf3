package main

import (
	"container/list"
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/FiskFan1999/gemini"
	"golang.org/x/sync/singleflight"
)

/*
CacheEntry is a finished response body for one
resolved path. Entries are never modified after
they are stored; a newer file replaces the
whole entry.
*/
type CacheEntry struct {
	Key     string // absolute path
	Body    []byte
	Mime    string
	Status  gemini.Status
	ModTime time.Time // mtime of the source file the body was built from
}

func (e CacheEntry) size() int64 {
	return int64(len(e.Key) + len(e.Body) + len(e.Mime))
}

type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Computes  uint64
	Evictions uint64
	Entries   int
	Bytes     int64
}

/*
ContentCache holds one entry per path, bounded
by entry count and total bytes (0 = no bound)
with least recently used eviction.

Concurrent misses for the same path and mtime
share a single computation. It runs on its own
goroutine, so a caller giving up (closed
connection, timeout) does not abort it; the
result still lands in the cache for the others.
*/
type ContentCache struct {
	maxEntries int
	maxBytes   int64

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
	total int64

	flight singleflight.Group

	hits      uint64
	misses    uint64
	computes  uint64
	evictions uint64
}

func NewContentCache(maxEntries int, maxBytes int64) *ContentCache {
	return &ContentCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      map[string]*list.Element{},
		order:      list.New(),
	}
}

func (c *ContentCache) GetOrCompute(ctx context.Context, key string, mtime time.Time, compute func() (CacheEntry, error)) (CacheEntry, error) {
	if ent, ok := c.lookup(key, mtime); ok {
		atomic.AddUint64(&c.hits, 1)
		return ent, nil
	}
	atomic.AddUint64(&c.misses, 1)

	flightKey := key + "\x00" + strconv.FormatInt(mtime.UnixNano(), 10)
	ch := c.flight.DoChan(flightKey, func() (interface{}, error) {
		// an earlier flight may have stored it after our lookup
		if ent, ok := c.lookup(key, mtime); ok {
			return ent, nil
		}
		atomic.AddUint64(&c.computes, 1)
		ent, err := compute()
		if err != nil {
			return CacheEntry{}, err
		}
		ent.Key = key
		if ent.ModTime.IsZero() {
			ent.ModTime = mtime
		}
		c.store(ent)
		return ent, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return CacheEntry{}, res.Err
		}
		return res.Val.(CacheEntry), nil
	case <-ctx.Done():
		return CacheEntry{}, ctx.Err()
	}
}

func (c *ContentCache) lookup(key string, mtime time.Time) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	ent := el.Value.(CacheEntry)
	if !ent.ModTime.Equal(mtime) {
		return CacheEntry{}, false
	}
	c.order.MoveToFront(el)
	return ent, true
}

func (c *ContentCache) store(ent CacheEntry) {
	sz := ent.size()
	if c.maxBytes > 0 && sz > c.maxBytes {
		// would evict everything else, serve it uncached
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[ent.Key]; ok {
		old := el.Value.(CacheEntry)
		if old.ModTime.After(ent.ModTime) {
			return
		}
		c.total += sz - old.size()
		el.Value = ent
		c.order.MoveToFront(el)
	} else {
		c.items[ent.Key] = c.order.PushFront(ent)
		c.total += sz
	}

	for c.overLocked() {
		c.evictLocked()
	}
}

func (c *ContentCache) overLocked() bool {
	if c.order.Len() <= 1 {
		return false
	}
	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.total > c.maxBytes
}

func (c *ContentCache) evictLocked() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeLocked(el)
	atomic.AddUint64(&c.evictions, 1)
}

func (c *ContentCache) removeLocked(el *list.Element) {
	ent := c.order.Remove(el).(CacheEntry)
	delete(c.items, ent.Key)
	c.total -= ent.size()
}

func (c *ContentCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

/*
InvalidatePrefix drops every entry under a
directory, for when a whole tree is renamed
or removed.
*/
func (c *ContentCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
			n++
		}
	}
	return n
}

func (c *ContentCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*list.Element{}
	c.order.Init()
	c.total = 0
}

func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ContentCache) Stats() CacheStats {
	c.mu.Lock()
	entries, total := c.order.Len(), c.total
	c.mu.Unlock()
	return CacheStats{
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Computes:  atomic.LoadUint64(&c.computes),
		Evictions: atomic.LoadUint64(&c.evictions),
		Entries:   entries,
		Bytes:     total,
	}
}
