package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache keeps records in process memory. Records are copied in and out
// through their JSON form so callers never share the stored value.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Lookup(ctx context.Context, token string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.entries[token]
	if ok && !c.now().Before(entry.expiresAt) {
		delete(c.entries, token)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(entry.data, &rec); err != nil {
		return nil, err
	}

	return &rec, nil
}

func (c *MemoryCache) Store(ctx context.Context, token string, rec Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encode(rec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[token]; ok && c.now().Before(entry.expiresAt) {
		return ErrRecordExists
	}

	c.entries[token] = memoryEntry{data: data, expiresAt: c.now().Add(ttl)}
	return nil
}

// Len returns the number of stored records, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
