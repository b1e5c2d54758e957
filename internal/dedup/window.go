package dedup

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"profile-notifier/internal/interfaces"
)

var _ interfaces.DedupStore = (*WindowCache)(nil)

// windowItem is the internal structure stored in the linked list.
type windowItem struct {
	id     string
	seenAt time.Time
}

// WindowCache is a thread-safe, in-memory record of recently processed message ids.
// Entries older than the window are evicted, and the total number of entries is
// capped at maxEntries (oldest evicted first).
type WindowCache struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	ll    *list.List               // Oldest at the front, newest at the back.
	items map[string]*list.Element // Used for fast id lookups.
}

// NewWindowCache creates a new time-windowed dedup cache.
func NewWindowCache(window time.Duration, maxEntries int) (*WindowCache, error) {
	if window <= 0 {
		return nil, fmt.Errorf("dedup window must be greater than 0")
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	return &WindowCache{
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}, nil
}

// MarkSeen records id and reports whether it was seen for the first time within the window.
// The timestamp of an already known id is refreshed.
func (c *WindowCache) MarkSeen(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictExpired(now)

	if elem, ok := c.items[id]; ok {
		elem.Value.(*windowItem).seenAt = now
		c.ll.MoveToBack(elem)
		return false, nil
	}

	c.items[id] = c.ll.PushBack(&windowItem{id: id, seenAt: now})
	for c.ll.Len() > c.maxEntries {
		c.removeOldest()
	}
	return true, nil
}

// Len returns the number of ids currently held.
func (c *WindowCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evictExpired must be called with the mutex held.
func (c *WindowCache) evictExpired(now time.Time) {
	for {
		front := c.ll.Front()
		if front == nil || now.Sub(front.Value.(*windowItem).seenAt) < c.window {
			return
		}
		c.removeOldest()
	}
}

func (c *WindowCache) removeOldest() {
	front := c.ll.Front()
	if front == nil {
		return
	}
	item := c.ll.Remove(front).(*windowItem)
	delete(c.items, item.id)
}
