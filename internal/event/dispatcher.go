package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives events for one subscriber. Handlers run on the dispatcher
// goroutine and must not block; slow consumers are expected to hand off to
// their own queues.
type Handler func(*Event)

// DefaultQueueCapacity bounds the dispatcher's internal queue when no
// capacity is configured.
const DefaultQueueCapacity = 256

// subscription is one registered subscriber with an optional type filter.
type subscription struct {
	id    int64
	name  string
	types map[Type]struct{} // nil means all types
	fn    Handler
}

// Dispatcher is the single fan-out point for phone events. Publish enqueues
// without blocking the producer; a background goroutine delivers to
// subscribers in publish order. The queue is bounded: under sustained
// overload the oldest undelivered event is dropped and a queue_overflow
// system event is raised, favoring recency over completeness.
type Dispatcher struct {
	logger   *slog.Logger
	capacity int

	mu     sync.Mutex
	queue  []*Event
	subs   []*subscription
	nextID int64
	closed bool

	notify chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher with the given queue capacity.
// A capacity <= 0 falls back to DefaultQueueCapacity.
func NewDispatcher(capacity int, logger *slog.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		logger:   logger.With("subsystem", "dispatcher"),
		capacity: capacity,
		queue:    make([]*Event, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to all events. The returned id is used with Unsubscribe.
func (d *Dispatcher) Subscribe(name string, fn Handler, types ...Type) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &subscription{id: d.nextID, name: name, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	d.subs = append(d.subs, sub)

	d.logger.Debug("subscriber registered", "name", name, "id", sub.id, "types", types)
	return sub.id
}

// Unsubscribe removes a previously registered subscriber. Events already
// dequeued may still be delivered to it.
func (d *Dispatcher) Unsubscribe(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, sub := range d.subs {
		if sub.id == id {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			d.logger.Debug("subscriber removed", "name", sub.name, "id", id)
			return
		}
	}
}

// Publish enqueues an event and returns immediately. If the queue is full
// the oldest undelivered event is dropped and a queue_overflow system event
// is raised in its place.
func (d *Dispatcher) Publish(ev *Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	var droppedEv *Event
	if len(d.queue) >= d.capacity {
		droppedEv = d.queue[0]
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	d.published.Add(1)
	d.wake()

	if droppedEv != nil {
		d.dropped.Add(1)
		d.logger.Warn("event queue overflow, dropped oldest event",
			"dropped_event_id", droppedEv.ID,
			"dropped_type", droppedEv.Type,
			"capacity", d.capacity,
		)
		// The overflow report does not itself evict queued events: it is
		// appended past the capacity bound so the N most recent events
		// survive intact. Dropped overflow reports are not re-reported.
		if droppedEv.Type != TypeSystem || droppedEv.System.Kind != KindQueueOverflow {
			d.append(NewSystem(KindQueueOverflow, "event queue full, oldest event dropped", map[string]string{
				"dropped_event_id": droppedEv.ID,
				"dropped_type":     string(droppedEv.Type),
			}))
		}
	}
}

// append enqueues an event bypassing the capacity bound.
func (d *Dispatcher) append(ev *Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	d.published.Add(1)
	d.wake()
}

// wake signals the run loop that the queue is non-empty.
func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run delivers queued events to subscribers until the context is cancelled.
// Intended to be called as a goroutine:
//
//	go dispatcher.Run(ctx)
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "capacity", d.capacity)

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			pending := len(d.queue)
			d.queue = nil
			d.mu.Unlock()
			d.logger.Info("dispatcher stopped", "pending_discarded", pending)
			return
		case <-d.notify:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue = d.queue[1:]
			subs := make([]*subscription, len(d.subs))
			copy(subs, d.subs)
			d.mu.Unlock()

			d.deliver(ev, subs)
		}
	}
}

// deliver fans one event out to all matching subscribers. A panicking
// subscriber is isolated: the panic is logged and remaining subscribers
// still receive the event.
func (d *Dispatcher) deliver(ev *Event, subs []*subscription) {
	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		d.dispatchOne(ev, sub)
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) dispatchOne(ev *Event, sub *subscription) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("subscriber panicked handling event",
				"subscriber", sub.name,
				"event_id", ev.ID,
				"event_type", ev.Type,
				"panic", rec,
			)
		}
	}()
	sub.fn(ev)
}

// QueueDepth returns the number of events waiting for delivery.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Published returns the total number of events accepted by Publish.
func (d *Dispatcher) Published() uint64 { return d.published.Load() }

// Delivered returns the total number of events fanned out to subscribers.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Dropped returns the total number of events evicted by the overflow policy.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }
