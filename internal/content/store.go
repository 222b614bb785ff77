// Package content keeps the in-memory working set of content items that
// every view reads from. The cache is refreshed from the repository and then
// patched in place as mutations land, so views never re-query the database
// per render.
package content

import (
	"context"
	"fmt"
	"sync"

	"planboard/internal/store"
)

// Gateway loads the backlog from the content repository.
type Gateway interface {
	FetchBacklog(ctx context.Context) ([]store.ContentItem, error)
}

// Cache is a concurrency-safe snapshot of content items.
type Cache struct {
	gateway Gateway

	mu      sync.Mutex
	items   []store.ContentItem
	loading bool
}

// NewCache returns an empty cache backed by the given gateway.
func NewCache(gateway Gateway) *Cache {
	return &Cache{gateway: gateway}
}

// RefreshBacklog replaces the cached items with a fresh load. The loading
// flag is raised for the duration of the fetch and cleared on every exit
// path; on failure the previous items are kept.
func (c *Cache) RefreshBacklog(ctx context.Context) error {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
	}()

	items, err := c.gateway.FetchBacklog(ctx)
	if err != nil {
		return fmt.Errorf("fetch backlog: %w", err)
	}

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	return nil
}

// Upsert replaces the cached copy of an item, or prepends it when the item
// is not cached yet. New items go to the front to match the newest-first
// backlog ordering.
func (c *Cache) Upsert(item store.ContentItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ID == item.ID {
			c.items[i] = item
			return
		}
	}
	c.items = append([]store.ContentItem{item}, c.items...)
}

// Remove drops an item from the cache. Removing an unknown id is a no-op.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// Items returns a copy of the cached items in cache order.
func (c *Cache) Items() []store.ContentItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.ContentItem, len(c.items))
	copy(out, c.items)
	return out
}

// Loading reports whether a refresh is in flight.
func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}
