package runs

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a cached record is served.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	rec     *Record
	expires time.Time
}

// CachedStore is a read-through cache in front of another store. Writes go
// to the backing store first and then refresh the cache; List always
// reads the backing store.
type CachedStore struct {
	Store
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[key]cacheEntry
}

// NewCachedStore wraps backing. A non-positive ttl uses DefaultCacheTTL.
func NewCachedStore(backing Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{Store: backing, ttl: ttl, now: time.Now, cache: make(map[key]cacheEntry)}
}

func (c *CachedStore) Get(ctx context.Context, conversationID, runID string) (*Record, error) {
	k := key{conversationID, runID}
	c.mu.Lock()
	if e, ok := c.cache[k]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.rec.Clone(), nil
	}
	c.mu.Unlock()

	rec, err := c.Store.Get(ctx, conversationID, runID)
	if err != nil {
		return nil, err
	}
	c.put(rec)
	return rec, nil
}

func (c *CachedStore) Create(ctx context.Context, rec *Record) error {
	if err := c.Store.Create(ctx, rec); err != nil {
		return err
	}
	c.put(rec)
	return nil
}

func (c *CachedStore) Transition(ctx context.Context, conversationID, runID string, from []Status, to Status, mutate func(*Record)) (*Record, bool, error) {
	rec, won, err := c.Store.Transition(ctx, conversationID, runID, from, to, mutate)
	if err != nil {
		c.invalidate(conversationID, runID)
		return nil, false, err
	}
	c.put(rec)
	return rec, won, nil
}

func (c *CachedStore) MergeMetadata(ctx context.Context, conversationID, runID string, md map[string]any) (*Record, error) {
	rec, err := c.Store.MergeMetadata(ctx, conversationID, runID, md)
	if err != nil {
		c.invalidate(conversationID, runID)
		return nil, err
	}
	c.put(rec)
	return rec, nil
}

func (c *CachedStore) Delete(ctx context.Context, conversationID, runID string) error {
	c.invalidate(conversationID, runID)
	return c.Store.Delete(ctx, conversationID, runID)
}

// Len returns the number of cached entries, expired ones included.
func (c *CachedStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *CachedStore) put(rec *Record) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key{rec.ConversationID, rec.RunID}] = cacheEntry{rec: rec.Clone(), expires: c.now().Add(c.ttl)}
}

func (c *CachedStore) invalidate(conversationID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key{conversationID, runID})
}
