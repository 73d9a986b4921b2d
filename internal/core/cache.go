package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// CacheKey derives a stable key from a tool name and scrubbed arguments.
// Arguments are canonicalized (RFC 8785) so key order does not matter.
func CacheKey(tool string, scrubbed map[string]any) (string, error) {
	raw, err := json.Marshal(map[string]any{"tool": tool, "args": scrubbed})
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing cache key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type cacheEntry struct {
	c       Classification
	expires time.Time
}

type verdictCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func newVerdictCache(ttl time.Duration) *verdictCache {
	return &verdictCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *verdictCache) get(key string) (Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Classification{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return Classification{}, false
	}
	return e.c, true
}

func (c *verdictCache) put(key string, cl Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Expired entries are swept on write.
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{c: cl, expires: now.Add(c.ttl)}
}
