package events

import (
	"context"
	"log/slog"
	"sync"
)

// Subscription is a live handle returned by Bus.Subscribe. Callers range
// over C until it closes (on Unsubscribe or Bus.Close). A Lagged event is
// delivered in-band on C when this subscriber's queue overflowed.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	id     uint64
	cancel context.CancelFunc
}

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	s.bus.remove(s.id)
}

type subscriber struct {
	id     uint64
	queue  chan Event
	done   <-chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// Bus is an in-process, bounded, per-subscriber-queue pub/sub dispatcher.
// Publish never blocks the publisher: a full subscriber queue drops its
// oldest entries to make room for a synthesized Lagged event followed by
// the new one, per spec.md §4.2. A single dispatch goroutine per subscriber
// drains its queue, which preserves publish order for any single
// ExecutionID even though events for different executions may interleave
// across subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	queueLimit  int
}

// NewBus creates a Bus whose subscriber queues hold up to queueLimit
// events before the oldest is dropped in favor of a Lagged marker.
func NewBus(queueLimit int) *Bus {
	if queueLimit <= 0 {
		queueLimit = 256
	}
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		queueLimit:  queueLimit,
	}
}

// Subscribe registers a new subscriber and returns its handle. The
// returned channel is closed when the subscription is cancelled or the
// Bus is closed.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{
		id:     id,
		queue:  make(chan Event, b.queueLimit),
		done:   ctx.Done(),
		cancel: cancel,
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	out := make(chan Event, b.queueLimit)
	go sub.dispatch(out)

	go func() {
		<-ctx.Done()
		sub.stop()
	}()

	return &Subscription{C: out, bus: b, id: id, cancel: cancel}
}

func (s *subscriber) dispatch(out chan<- Event) {
	defer close(out)
	for {
		select {
		case ev := <-s.queue:
			select {
			case out <- ev:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// stop marks the subscriber closed so deliver stops enqueueing. The
// dispatch goroutine exits on its own via s.done; no channel is closed
// here, which avoids a send-on-closed-channel race against Publish.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Publish fans ev out to every live subscriber without blocking. A
// subscriber whose queue is full has its oldest buffered events dropped
// and receives TypeLagged ahead of ev, so it knows it missed data and should
// reconcile from the Store rather than trust the gap as "nothing
// happened".
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	select {
	case s.queue <- ev:
		return
	default:
	}

	// Queue is full: drop the two oldest entries, then enqueue a Lagged
	// marker followed by the new event. Best-effort — if another goroutine drains
	// concurrently this can occasionally deliver in a slightly different
	// order, which is acceptable since Lagged already tells the consumer
	// to stop trusting ordering across the gap.
	for i := 0; i < 2; i++ {
		select {
		case <-s.queue:
		default:
		}
	}
	select {
	case s.queue <- Event{Type: TypeLagged, ExecutionID: ev.ExecutionID, PublishedAt: ev.PublishedAt}:
	default:
	}
	select {
	case s.queue <- ev:
	default:
		slog.Warn("events: subscriber queue still full after lag recovery, dropping event", "type", ev.Type)
	}
}

// Close stops every live subscriber, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
