// Package cache memoizes app metadata that changes only on deploy:
// symbol tables, schemas, subscriptions, transitions, hook rules, and
// the active task queue pointer. Keys are built from the app id (or a
// symbol scope key) alone and carry no version. Entries leave the cache
// on TTL expiry or through an explicit Invalidate/InvalidatePrefix call;
// nothing in this module calls those on redeploy or on a quorum
// cache-mode message. Grounded on the
// teacher's common/cache/cache.go MemoryCache (map+mutex, TTL sweep
// goroutine), extended with a per-key singleflight group so concurrent
// cache misses for the same key collapse into one backing-store load.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lyzr/meshflow/internal/logger"
)

// Loader fetches the authoritative value for key on a cache miss.
type Loader func(ctx context.Context) (interface{}, error)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a process-local, TTL-expiring memoization layer.
type Cache struct {
	mu   sync.RWMutex
	data map[string]entry
	ttl  time.Duration
	sf   singleflight.Group
	log  *logger.Logger

	stop chan struct{}
}

// New builds a Cache with the given default TTL and starts its
// background expiry sweep.
func New(ttl time.Duration, log *logger.Logger) *Cache {
	c := &Cache{
		data: make(map[string]entry),
		ttl:  ttl,
		log:  log,
		stop: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value for key, or ok=false on miss/expiry.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// GetOrLoad returns the cached value, loading and caching it via fn on
// a miss. Concurrent misses for the same key share one fn invocation.
func (c *Cache) GetOrLoad(ctx context.Context, key string, fn Loader) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		loaded, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, loaded)
		return loaded, nil
	})
	return v, err
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// InvalidatePrefix drops every key with the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.data, k)
		}
	}
}

// Close stops the background expiry sweep.
func (c *Cache) Close() {
	close(c.stop)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Key builders for the cache domains this package memoizes, per spec
// §4.6's list of cacheable artifacts.
func AppKey(appID string) string                    { return "app:" + appID }
func SymbolsKey(scopeKey string) string              { return "symbols:" + scopeKey }
func SymbolValuesKey(appID string) string            { return "symvals:" + appID }
func SchemasKey(appID string) string                 { return "schemas:" + appID }
func SubscriptionsKey(appID string) string           { return "subs:" + appID }
func TransitionsKey(appID string) string             { return "transitions:" + appID }
func HookRulesKey(appID string) string                { return "hooks:" + appID }
func ActiveTaskQueueKey(appID string) string         { return "taskqueue:active:" + appID }
