// Package events provides the lifecycle event pipeline: a bounded
// in-memory cache for operator queries and a prioritized outbound
// relay with backpressure-aware drop rules.
package events

import (
	"sync"
	"time"

	"orchard/internal/plan"
)

// =============================================================================
// EVENT CACHE
// =============================================================================
//
// Cache holds the most recent lifecycle events in a fixed-capacity ring.
// When the ring is full the oldest event is overwritten, whatever its
// priority. Priority rules govern only the outbound relay; the local
// cache is a plain sliding window over recent history.

// Cache is a bounded event ring. Safe for concurrent use. Capacity is
// fixed at construction and never grows.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	buf      []*plan.Event
	head     int // index of the oldest entry
	size     int
	evicted  int64
}

// NewCache creates a cache holding at most capacity events.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		capacity: capacity,
		buf:      make([]*plan.Event, capacity),
	}
}

// Append records an event, overwriting the oldest entry when full.
func (c *Cache) Append(ev *plan.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == c.capacity {
		c.buf[c.head] = ev
		c.head = (c.head + 1) % c.capacity
		c.evicted++
		return
	}
	c.buf[(c.head+c.size)%c.capacity] = ev
	c.size++
}

// Query returns events for the given plan at or after since, oldest first.
// A zero since returns the plan's full cached history.
func (c *Cache) Query(planID string, since time.Time) []*plan.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*plan.Event
	for i := 0; i < c.size; i++ {
		ev := c.buf[(c.head+i)%c.capacity]
		if ev.PlanID != planID {
			continue
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Recent returns up to n most recent events across all plans, oldest first.
func (c *Cache) Recent(n int) []*plan.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || n > c.size {
		n = c.size
	}
	out := make([]*plan.Event, 0, n)
	for i := c.size - n; i < c.size; i++ {
		out = append(out, c.buf[(c.head+i)%c.capacity])
	}
	return out
}

// Len returns the number of cached events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Evicted returns the number of events overwritten by ring eviction.
func (c *Cache) Evicted() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicted
}
