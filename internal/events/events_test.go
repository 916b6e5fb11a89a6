package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"orchard/internal/plan"
)

func ev(planID, typ string, pri plan.EventPriority, ts time.Time) *plan.Event {
	return &plan.Event{Type: typ, PlanID: planID, Priority: pri, Timestamp: ts}
}

func TestCacheQueryFiltersByPlanAndTime(t *testing.T) {
	c := NewCache(16)
	base := time.Now().UTC()

	c.Append(ev("plan-a", "shard_complete", plan.P1, base))
	c.Append(ev("plan-b", "shard_complete", plan.P1, base))
	c.Append(ev("plan-a", "plan_certified", plan.P0, base.Add(time.Minute)))

	got := c.Query("plan-a", time.Time{})
	if len(got) != 2 {
		t.Fatalf("full history = %d events, want 2", len(got))
	}

	got = c.Query("plan-a", base.Add(30*time.Second))
	if len(got) != 1 || got[0].Type != "plan_certified" {
		t.Errorf("since-filtered query = %+v, want just plan_certified", got)
	}
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	c := NewCache(2)
	base := time.Now().UTC()

	// Priority must not influence local eviction: a full ring drops the
	// oldest entry even when it outranks the newcomer.
	c.Append(ev("p", "a", plan.P1, base))
	c.Append(ev("p", "b", plan.P0, base.Add(time.Second)))
	c.Append(ev("p", "c", plan.P3, base.Add(2*time.Second)))

	got := c.Query("p", time.Time{})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Type != "b" || got[1].Type != "c" {
		t.Errorf("cached = [%s %s], want [b c]", got[0].Type, got[1].Type)
	}
	if c.Evicted() != 1 {
		t.Errorf("evicted = %d, want 1", c.Evicted())
	}
}

func TestCacheCapacityIsFixed(t *testing.T) {
	c := NewCache(2)
	base := time.Now().UTC()

	for i := 0; i < 10; i++ {
		c.Append(ev("p", "e", plan.P0, base.Add(time.Duration(i)*time.Second)))
	}

	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
	if c.Evicted() != 8 {
		t.Errorf("evicted = %d, want 8", c.Evicted())
	}
	got := c.Query("p", time.Time{})
	if len(got) != 2 || !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Errorf("query returned %d events, want the 2 newest oldest-first", len(got))
	}
}

func TestCacheRecent(t *testing.T) {
	c := NewCache(16)
	base := time.Now().UTC()
	for i, typ := range []string{"a", "b", "c", "d"} {
		c.Append(ev("p", typ, plan.P1, base.Add(time.Duration(i)*time.Second)))
	}
	got := c.Recent(2)
	if len(got) != 2 || got[0].Type != "c" || got[1].Type != "d" {
		t.Errorf("Recent(2) = %+v, want [c d]", got)
	}
}

// recordingBus captures relayed events.
type recordingBus struct {
	mu  sync.Mutex
	got []*plan.Event
}

func (b *recordingBus) Publish(ctx context.Context, ev *plan.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, ev)
	return nil
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func TestRouterRelaysToBus(t *testing.T) {
	bus := &recordingBus{}
	r := NewRouter(NewCache(16), bus, nil, 8)
	r.Start()
	defer r.Stop()

	r.Publish(ev("p", "plan_certified", plan.P0, time.Time{}))
	r.Publish(ev("p", "shard_complete", plan.P1, time.Time{}))

	deadline := time.Now().Add(2 * time.Second)
	for bus.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("relayed %d events, want 2", bus.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouterDropsLowPriorityUnderBackpressure(t *testing.T) {
	// Bus attached but relay never started, so queues fill up.
	bus := &recordingBus{}
	r := NewRouter(NewCache(64), bus, nil, 2)

	for i := 0; i < 5; i++ {
		r.Publish(ev("p", "telemetry", plan.P3, time.Time{}))
	}

	stats := r.GetStats()
	if stats.Dropped != 3 {
		t.Errorf("dropped = %d, want 3", stats.Dropped)
	}
	// Drops only affect relay; the cache keeps everything it can.
	if stats.Cached != 5 {
		t.Errorf("cached = %d, want 5", stats.Cached)
	}
}

func TestRouterCacheOnlyWithoutBus(t *testing.T) {
	r := NewRouter(NewCache(16), nil, nil, 2)
	r.Start() // no-op

	for i := 0; i < 10; i++ {
		r.Publish(ev("p", "telemetry", plan.P3, time.Time{}))
	}
	stats := r.GetStats()
	if stats.Dropped != 0 {
		t.Errorf("dropped = %d, want 0 in cache-only mode", stats.Dropped)
	}
	if stats.Published != 10 {
		t.Errorf("published = %d, want 10", stats.Published)
	}
}

func TestRouterStampsTimestamp(t *testing.T) {
	r := NewRouter(NewCache(4), nil, nil, 2)
	e := ev("p", "status", plan.P3, time.Time{})
	r.Publish(e)
	if e.Timestamp.IsZero() {
		t.Error("Publish did not stamp a timestamp")
	}
}
