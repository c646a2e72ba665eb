// Package results stores completed result payloads: a fast cache tier in
// front of the instance row, and optional object storage for results that
// are externalized instead of chunked.
package results

import (
	"context"
	"sync"
	"time"
)

// Cache holds result payloads keyed by requestId for chunked retrieval.
type Cache interface {
	Get(ctx context.Context, requestID string) (data []byte, mime string, ok bool)
	Put(ctx context.Context, requestID string, data []byte, mime string)
}

// cachedResult is one stored payload.
type cachedResult struct {
	data     []byte
	mime     string
	cachedAt time.Time
}

// MemoryCache is an in-process result cache with TTL eviction.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cachedResult
	ttl     time.Duration
}

// NewMemoryCache creates a memory cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*cachedResult),
		ttl:     ttl,
	}
	// Background cleanup of expired entries
	go c.cleanup()
	return c
}

func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for k, v := range c.entries {
			if now.Sub(v.cachedAt) > c.ttl {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()
	}
}

func (c *MemoryCache) Get(_ context.Context, requestID string) ([]byte, string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[requestID]
	c.mu.RUnlock()
	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return nil, "", false
	}
	return entry.data, entry.mime, true
}

func (c *MemoryCache) Put(_ context.Context, requestID string, data []byte, mime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[requestID] = &cachedResult{data: data, mime: mime, cachedAt: time.Now()}
}

// Tiered reads through primary then secondary, promoting secondary hits.
type Tiered struct {
	primary   Cache
	secondary Cache
}

func NewTiered(primary, secondary Cache) *Tiered {
	return &Tiered{primary: primary, secondary: secondary}
}

func (t *Tiered) Get(ctx context.Context, requestID string) ([]byte, string, bool) {
	if data, mime, ok := t.primary.Get(ctx, requestID); ok {
		return data, mime, true
	}
	if data, mime, ok := t.secondary.Get(ctx, requestID); ok {
		t.primary.Put(ctx, requestID, data, mime)
		return data, mime, true
	}
	return nil, "", false
}

func (t *Tiered) Put(ctx context.Context, requestID string, data []byte, mime string) {
	t.primary.Put(ctx, requestID, data, mime)
	t.secondary.Put(ctx, requestID, data, mime)
}
