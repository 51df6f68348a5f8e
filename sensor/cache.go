package sensor

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// CacheEntry is a successful response and the time it was captured
type CacheEntry struct {
	Data      json.RawMessage
	Timestamp time.Time
}

// Cache keeps one entry per key. Expired entries stay until overwritten.
type Cache struct {
	mu   sync.RWMutex
	data map[string]CacheEntry
}

// NewCache creates an empty response cache
func NewCache() *Cache {
	return &Cache{data: make(map[string]CacheEntry)}
}

// Fresh returns the entry for key if it was captured less than ttl before now
func (c *Cache) Fresh(key string, now time.Time, ttl time.Duration) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok || now.Sub(e.Timestamp) >= ttl {
		return CacheEntry{}, false
	}
	return e.clone(), true
}

// Peek returns the entry for key regardless of its age
func (c *Cache) Peek(key string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok {
		return CacheEntry{}, false
	}
	return e.clone(), true
}

// Set stores a copy of the entry, replacing any previous one for the same key
func (c *Cache) Set(key string, e CacheEntry) {
	e = e.clone()
	c.mu.Lock()
	c.data[key] = e
	c.mu.Unlock()
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	c.data = make(map[string]CacheEntry)
	c.mu.Unlock()
}

// clone detaches Data from the caller's backing array
func (e CacheEntry) clone() CacheEntry {
	e.Data = bytes.Clone(e.Data)
	return e
}

// Len returns the number of entries, expired ones included
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
