package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, window time.Duration, max int) (*WindowCache, *fakeClock) {
	t.Helper()
	c, err := NewWindowCache(window, max)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, clock
}

func TestNewWindowCache_InvalidArgs(t *testing.T) {
	_, err := NewWindowCache(0, 10)
	assert.Error(t, err)
	_, err = NewWindowCache(time.Second, 0)
	assert.Error(t, err)
}

func TestWindowCache_FirstSeenThenDuplicate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 30*time.Second, 100)

	first, err := c.MarkSeen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.MarkSeen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := c.MarkSeen(ctx, "msg-2")
	require.NoError(t, err)
	assert.True(t, other)
	assert.Equal(t, 2, c.Len())
}

func TestWindowCache_EvictsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, 30*time.Second, 100)

	_, _ = c.MarkSeen(ctx, "msg-1")
	clock.Advance(31 * time.Second)

	first, err := c.MarkSeen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, first, "id outside the window must be treated as new")
	assert.Equal(t, 1, c.Len())
}

func TestWindowCache_DuplicateRefreshesWindow(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, 30*time.Second, 100)

	_, _ = c.MarkSeen(ctx, "a")
	clock.Advance(20 * time.Second)
	_, _ = c.MarkSeen(ctx, "b")
	_, _ = c.MarkSeen(ctx, "a") // refresh
	clock.Advance(20 * time.Second)

	firstA, _ := c.MarkSeen(ctx, "a")
	assert.False(t, firstA)
}

func TestWindowCache_BoundedSize(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Hour, 3)

	for i := 0; i < 5; i++ {
		_, _ = c.MarkSeen(ctx, fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// Самые старые вытеснены
	first, _ := c.MarkSeen(ctx, "msg-0")
	assert.True(t, first)
	dup, _ := c.MarkSeen(ctx, "msg-4")
	assert.False(t, dup)
}

func TestWindowCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c, err := NewWindowCache(time.Minute, 10000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	firstSeen := 0
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ok, _ := c.MarkSeen(ctx, fmt.Sprintf("msg-%d", i))
				if ok {
					mu.Lock()
					firstSeen++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, firstSeen, "each id must be first-seen exactly once")
	assert.Equal(t, 200, c.Len())
}
