package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"orchard/internal/logging"
	"orchard/internal/metrics"
	"orchard/internal/plan"
)

// =============================================================================
// OUTBOUND RELAY
// =============================================================================
//
// Router fans lifecycle events into the cache and an optional outbound
// Bus. Relay queues are per-priority with strict drop rules under
// backpressure: P3 drops first, then P2. P1 and P0 are never dropped;
// a full P0 queue blocks the publisher until space frees, because
// certification and security transitions must reach the bus.

// Bus delivers events to an external consumer (webhook, broker, log sink).
// A nil Bus makes the router cache-only.
type Bus interface {
	Publish(ctx context.Context, ev *plan.Event) error
}

// Router routes events by priority. Safe for concurrent use.
type Router struct {
	cache *Cache
	bus   Bus
	mets  *metrics.Collector

	queues [4]chan *plan.Event

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	workerWg  sync.WaitGroup

	totalPublished int64
	totalDropped   int64
	totalRelayed   int64
}

// NewRouter creates a router over the given cache. bus and mets may be nil.
func NewRouter(cache *Cache, bus Bus, mets *metrics.Collector, queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Router{
		cache:  cache,
		bus:    bus,
		mets:   mets,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < 4; i++ {
		r.queues[i] = make(chan *plan.Event, queueSize)
	}
	return r
}

// Start begins draining the relay queues. No-op without a bus.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning || r.bus == nil {
		return
	}
	r.isRunning = true
	r.stopCh = make(chan struct{})
	r.workerWg.Add(1)
	go r.relayWorker()
	logging.Events("Event relay started")
}

// Stop shuts the relay down, draining nothing further.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = false
	close(r.stopCh)
	r.mu.Unlock()

	r.workerWg.Wait()
	logging.Events("Event relay stopped")
}

// Publish records an event in the cache and, when a bus is attached,
// enqueues it for relay. The event timestamp is set here if zero.
func (r *Router) Publish(ev *plan.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.cache.Append(ev)
	atomic.AddInt64(&r.totalPublished, 1)

	if r.bus == nil {
		return
	}

	switch ev.Priority {
	case plan.P0:
		// Never dropped. Block until the queue has room or the
		// relay shuts down.
		select {
		case r.queues[plan.P0] <- ev:
		case <-r.stopCh:
		}
	case plan.P1:
		select {
		case r.queues[plan.P1] <- ev:
		case <-r.stopCh:
		}
	default:
		// P2 and P3 are droppable under backpressure.
		select {
		case r.queues[ev.Priority] <- ev:
		default:
			atomic.AddInt64(&r.totalDropped, 1)
			if r.mets != nil {
				r.mets.RecordEventDropped(ev.Priority.String())
			}
			logging.EventsDebug("Dropped %s event %s under backpressure", ev.Priority, ev.Type)
		}
	}
}

// relayWorker drains queues strictly by priority: P0 before P1 before
// P2 before P3.
func (r *Router) relayWorker() {
	defer r.workerWg.Done()

	for {
		ev := r.selectNext()
		if ev == nil {
			select {
			case <-r.stopCh:
				return
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}
		r.relay(ev)
	}
}

func (r *Router) selectNext() *plan.Event {
	for pri := plan.P0; pri <= plan.P3; pri++ {
		select {
		case ev := <-r.queues[pri]:
			return ev
		default:
		}
	}
	return nil
}

func (r *Router) relay(ev *plan.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.bus.Publish(ctx, ev); err != nil {
		logging.Get(logging.CategoryEvents).Warn("Relay publish failed for %s (plan=%s): %v", ev.Type, ev.PlanID, err)
		return
	}
	atomic.AddInt64(&r.totalRelayed, 1)
	logging.EventsDebug("Relayed %s event %s (plan=%s)", ev.Priority, ev.Type, ev.PlanID)
}

// Stats reports router counters.
type Stats struct {
	Published int64
	Dropped   int64
	Relayed   int64
	Cached    int
}

// GetStats returns current counters.
func (r *Router) GetStats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&r.totalPublished),
		Dropped:   atomic.LoadInt64(&r.totalDropped),
		Relayed:   atomic.LoadInt64(&r.totalRelayed),
		Cached:    r.cache.Len(),
	}
}
